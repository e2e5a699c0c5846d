package ethtest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// world is the complete simulated contract state after one block. Mining
// clones the latest world and applies transactions to the clone, so every
// historical height stays readable.
type world struct {
	nonces map[common.Address]uint64

	dai         *erc20
	controllers map[common.Address]*controllerState
	markets     map[common.Address]*marketState
	loans       map[common.Address]*loanState
	tokens      map[common.Address]*tokenState
}

type controllerState struct {
	owner  common.Address
	dai    common.Address
	market common.Address
	loans  []common.Address

	// deployNonce feeds the derivation of loan and token addresses.
	deployNonce uint64
}

type marketState struct {
	controller           common.Address
	feeRecipient         common.Address
	feeAttoDaiPerNanoDai *big.Int
	positions            []*sellPosition
}

type sellPosition struct {
	token                common.Address
	seller               common.Address
	amountTokens         *big.Int
	priceAttoDaiPerToken *big.Int
}

type loanState struct {
	controller   common.Address
	token        common.Address
	recipient    common.Address
	feeRecipient common.Address

	creationTime   uint64
	expirationTime uint64

	fundingFeeAttoDaiPerDai *big.Int
	paymentFeeAttoDaiPerDai *big.Int
	requestedValueAttoDai   *big.Int

	phase                          uint8
	fundedValueAttoDai             *big.Int
	paidValueAttoDai               *big.Int
	redemptionValueAttoDaiPerToken *big.Int
}

type tokenState struct {
	loan common.Address
	erc20
}

type erc20 struct {
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

// Loan phase words as stored on chain.
const (
	phaseFunding uint8 = iota
	phaseExpired
	phaseCanceled
	phaseActive
	phaseFinalized
)

func newWorld() *world {
	return &world{
		nonces:      make(map[common.Address]uint64),
		dai:         newERC20(),
		controllers: make(map[common.Address]*controllerState),
		markets:     make(map[common.Address]*marketState),
		loans:       make(map[common.Address]*loanState),
		tokens:      make(map[common.Address]*tokenState),
	}
}

func (w *world) clone() *world {
	c := newWorld()
	for a, n := range w.nonces {
		c.nonces[a] = n
	}
	c.dai = w.dai.clone()
	for a, s := range w.controllers {
		cs := *s
		cs.loans = append([]common.Address(nil), s.loans...)
		c.controllers[a] = &cs
	}
	for a, s := range w.markets {
		ms := &marketState{
			controller:           s.controller,
			feeRecipient:         s.feeRecipient,
			feeAttoDaiPerNanoDai: new(big.Int).Set(s.feeAttoDaiPerNanoDai),
		}
		for _, p := range s.positions {
			ms.positions = append(ms.positions, &sellPosition{
				token:                p.token,
				seller:               p.seller,
				amountTokens:         new(big.Int).Set(p.amountTokens),
				priceAttoDaiPerToken: new(big.Int).Set(p.priceAttoDaiPerToken),
			})
		}
		c.markets[a] = ms
	}
	for a, s := range w.loans {
		ls := *s
		ls.fundingFeeAttoDaiPerDai = new(big.Int).Set(s.fundingFeeAttoDaiPerDai)
		ls.paymentFeeAttoDaiPerDai = new(big.Int).Set(s.paymentFeeAttoDaiPerDai)
		ls.requestedValueAttoDai = new(big.Int).Set(s.requestedValueAttoDai)
		ls.fundedValueAttoDai = new(big.Int).Set(s.fundedValueAttoDai)
		ls.paidValueAttoDai = new(big.Int).Set(s.paidValueAttoDai)
		ls.redemptionValueAttoDaiPerToken = new(big.Int).Set(s.redemptionValueAttoDaiPerToken)
		c.loans[a] = &ls
	}
	for a, s := range w.tokens {
		c.tokens[a] = &tokenState{loan: s.loan, erc20: *s.erc20.clone()}
	}
	return c
}

func newERC20() *erc20 {
	return &erc20{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (e *erc20) clone() *erc20 {
	c := newERC20()
	for a, b := range e.balances {
		c.balances[a] = new(big.Int).Set(b)
	}
	for owner, spenders := range e.allowances {
		m := make(map[common.Address]*big.Int, len(spenders))
		for spender, v := range spenders {
			m[spender] = new(big.Int).Set(v)
		}
		c.allowances[owner] = m
	}
	return c
}

func (e *erc20) balanceOf(a common.Address) *big.Int {
	if b, ok := e.balances[a]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (e *erc20) allowance(owner, spender common.Address) *big.Int {
	if m, ok := e.allowances[owner]; ok {
		if v, ok := m[spender]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

func (e *erc20) totalSupply() *big.Int {
	total := new(big.Int)
	for _, b := range e.balances {
		total.Add(total, b)
	}
	return total
}

func (e *erc20) mint(to common.Address, amount *big.Int) {
	e.balances[to] = new(big.Int).Add(e.balanceOf(to), amount)
}

func (e *erc20) approve(owner, spender common.Address, amount *big.Int) {
	m, ok := e.allowances[owner]
	if !ok {
		m = make(map[common.Address]*big.Int)
		e.allowances[owner] = m
	}
	m[spender] = new(big.Int).Set(amount)
}

func (e *erc20) transfer(from, to common.Address, amount *big.Int) error {
	balance := e.balanceOf(from)
	if balance.Cmp(amount) < 0 {
		return errRevert("transfer amount exceeds balance")
	}
	e.balances[from] = balance.Sub(balance, amount)
	e.balances[to] = new(big.Int).Add(e.balanceOf(to), amount)
	return nil
}

// transferFrom moves amount from owner to recipient on behalf of spender,
// consuming allowance.
func (e *erc20) transferFrom(spender, owner, to common.Address, amount *big.Int) error {
	allowed := e.allowance(owner, spender)
	if allowed.Cmp(amount) < 0 {
		return errRevert("insufficient allowance")
	}
	if err := e.transfer(owner, to, amount); err != nil {
		return err
	}
	e.approve(owner, spender, allowed.Sub(allowed, amount))
	return nil
}

// burnFrom destroys amount of owner's balance on behalf of spender,
// consuming allowance.
func (e *erc20) burnFrom(spender, owner common.Address, amount *big.Int) error {
	allowed := e.allowance(owner, spender)
	if allowed.Cmp(amount) < 0 {
		return errRevert("insufficient allowance")
	}
	balance := e.balanceOf(owner)
	if balance.Cmp(amount) < 0 {
		return errRevert("burn amount exceeds balance")
	}
	e.balances[owner] = balance.Sub(balance, amount)
	e.approve(owner, spender, allowed.Sub(allowed, amount))
	return nil
}
