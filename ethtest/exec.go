package ethtest

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"loanchain/contracts"
	"loanchain/units"
)

func errRevert(format string, args ...any) error {
	return fmt.Errorf("ethtest: revert: "+format, args...)
}

// applyTx executes one mined transaction against next, producing its
// receipt. A reverted transaction leaves next unchanged except for the
// sender's consumed nonce.
func (c *Chain) applyTx(next *world, tx *types.Transaction, height uint64) *types.Receipt {
	sender, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return c.failedReceipt(tx, height)
	}
	next.nonces[sender] = tx.Nonce() + 1

	trial := next.clone()
	logs, contractAddr, err := c.executeTx(trial, sender, tx.To(), tx.Data(), tx.Nonce())
	if err != nil {
		return c.failedReceipt(tx, height)
	}
	*next = *trial

	receipt := &types.Receipt{
		Status:          types.ReceiptStatusSuccessful,
		TxHash:          tx.Hash(),
		ContractAddress: contractAddr,
		Logs:            logs,
		GasUsed:         21_000,
		BlockNumber:     new(big.Int).SetUint64(height),
	}
	for _, log := range logs {
		log.TxHash = tx.Hash()
		log.BlockNumber = height
	}
	return receipt
}

func (c *Chain) failedReceipt(tx *types.Transaction, height uint64) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		TxHash:      tx.Hash(),
		GasUsed:     21_000,
		BlockNumber: new(big.Int).SetUint64(height),
	}
}

// execute runs a plain call with no receipt bookkeeping, for
// ExecuteUserTransaction.
func (c *Chain) execute(w *world, sender common.Address, to *common.Address, data []byte) error {
	_, _, err := c.executeTx(w, sender, to, data, 0)
	return err
}

func (c *Chain) executeTx(w *world, sender common.Address, to *common.Address, data []byte, nonce uint64) ([]*types.Log, common.Address, error) {
	at := c.now

	if to == nil {
		addr, err := c.deploy(w, sender, data, nonce)
		return nil, addr, err
	}

	switch {
	case *to == daiContract:
		return nil, common.Address{}, erc20Call(w.dai, sender, data)
	case w.controllers[*to] != nil:
		return c.controllerCall(w, *to, sender, data, at)
	case w.loans[*to] != nil:
		return nil, common.Address{}, c.loanCall(w, *to, sender, data, at)
	case w.tokens[*to] != nil:
		return nil, common.Address{}, erc20Call(&w.tokens[*to].erc20, sender, data)
	case w.markets[*to] != nil:
		return nil, common.Address{}, c.marketCall(w, *to, sender, data)
	default:
		return nil, common.Address{}, errRevert("no contract at %s", to)
	}
}

// deploy recognizes the controller creation bytecode and instantiates a
// controller plus its market.
func (c *Chain) deploy(w *world, sender common.Address, data []byte, nonce uint64) (common.Address, error) {
	code := contracts.ControllerBytecode
	if !bytes.HasPrefix(data, code) || len(data) == len(code) {
		return common.Address{}, errRevert("unknown creation bytecode")
	}
	args, err := contracts.Controller.Constructor.Inputs.Unpack(data[len(code):])
	if err != nil {
		return common.Address{}, errRevert("bad constructor arguments: %v", err)
	}
	dai := args[0].(common.Address)
	feeRecipient := args[1].(common.Address)
	fee := args[2].(*big.Int)

	ctrlAddr := gethcrypto.CreateAddress(sender, nonce)
	marketAddr := gethcrypto.CreateAddress(ctrlAddr, 0)

	w.controllers[ctrlAddr] = &controllerState{
		owner:       sender,
		dai:         dai,
		market:      marketAddr,
		deployNonce: 1,
	}
	w.markets[marketAddr] = &marketState{
		controller:           ctrlAddr,
		feeRecipient:         feeRecipient,
		feeAttoDaiPerNanoDai: new(big.Int).Set(fee),
	}
	return ctrlAddr, nil
}

func (c *Chain) controllerCall(w *world, addr, sender common.Address, data []byte, at uint64) ([]*types.Log, common.Address, error) {
	ctrl := w.controllers[addr]
	method, args, err := decodeCall(contracts.Controller, data)
	if err != nil {
		return nil, common.Address{}, err
	}
	if sender != ctrl.owner {
		return nil, common.Address{}, errRevert("caller is not the owner")
	}

	switch method {
	case "setMarketFee":
		w.markets[ctrl.market].feeAttoDaiPerNanoDai = new(big.Int).Set(args[0].(*big.Int))
		return nil, common.Address{}, nil

	case "createLoan":
		return c.createLoan(w, addr, args, at)

	case "cancelLoan":
		loan := w.loans[args[0].(common.Address)]
		if loan == nil || loan.controller != addr {
			return nil, common.Address{}, errRevert("unknown loan")
		}
		if loan.phase != phaseFunding {
			return nil, common.Address{}, errRevert("loan is not funding")
		}
		loan.phase = phaseCanceled
		return nil, common.Address{}, nil

	case "finalizeLoan":
		loanAddr := args[0].(common.Address)
		loan := w.loans[loanAddr]
		if loan == nil || loan.controller != addr {
			return nil, common.Address{}, errRevert("unknown loan")
		}
		if loan.phase != phaseActive {
			return nil, common.Address{}, errRevert("loan is not active")
		}
		loan.phase = phaseFinalized
		supply := w.tokens[loan.token].totalSupply()
		if supply.Sign() > 0 {
			loan.redemptionValueAttoDaiPerToken = new(big.Int).Quo(loan.paidValueAttoDai, supply)
		}
		return nil, common.Address{}, nil

	default:
		return nil, common.Address{}, errRevert("controller has no method %s", method)
	}
}

func (c *Chain) createLoan(w *world, ctrlAddr common.Address, args []any, at uint64) ([]*types.Log, common.Address, error) {
	ctrl := w.controllers[ctrlAddr]
	feeRecipient := args[0].(common.Address)
	recipient := args[1].(common.Address)
	seconds := args[2].(*big.Int)
	fundingFee := args[3].(*big.Int)
	paymentFee := args[4].(*big.Int)
	requested := args[5].(*big.Int)

	loanAddr := gethcrypto.CreateAddress(ctrlAddr, ctrl.deployNonce)
	tokenAddr := gethcrypto.CreateAddress(ctrlAddr, ctrl.deployNonce+1)
	ctrl.deployNonce += 2

	w.loans[loanAddr] = &loanState{
		controller:                     ctrlAddr,
		token:                          tokenAddr,
		recipient:                      recipient,
		feeRecipient:                   feeRecipient,
		creationTime:                   at,
		expirationTime:                 at + seconds.Uint64(),
		fundingFeeAttoDaiPerDai:        new(big.Int).Set(fundingFee),
		paymentFeeAttoDaiPerDai:        new(big.Int).Set(paymentFee),
		requestedValueAttoDai:          new(big.Int).Set(requested),
		phase:                          phaseFunding,
		fundedValueAttoDai:             new(big.Int),
		paidValueAttoDai:               new(big.Int),
		redemptionValueAttoDaiPerToken: new(big.Int),
	}
	w.tokens[tokenAddr] = &tokenState{loan: loanAddr, erc20: *newERC20()}
	ctrl.loans = append(ctrl.loans, loanAddr)

	event := contracts.Controller.Events["LoanCreated"]
	logData, err := event.Inputs.Pack(loanAddr)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("ethtest: pack LoanCreated: %w", err)
	}
	log := &types.Log{
		Address: ctrlAddr,
		Topics:  []common.Hash{event.ID},
		Data:    logData,
	}
	return []*types.Log{log}, common.Address{}, nil
}

func (c *Chain) loanCall(w *world, addr, sender common.Address, data []byte, at uint64) error {
	loan := w.loans[addr]
	token := w.tokens[loan.token]
	method, args, err := decodeCall(contracts.Loan, data)
	if err != nil {
		return err
	}

	switch method {
	case "checkExpiration":
		switch loan.phase {
		case phaseFunding:
			if at >= loan.expirationTime {
				loan.phase = phaseExpired
			}
			return nil
		case phaseExpired:
			return nil
		default:
			return errRevert("loan is neither funding nor expired")
		}

	case "provideFunds":
		value := args[0].(*big.Int)
		if loan.phase != phaseFunding {
			return errRevert("loan is not funding")
		}
		if new(big.Int).Rem(value, units.Dai).Sign() != 0 || value.Sign() <= 0 {
			return errRevert("value is not a positive multiple of 1 Dai")
		}
		newFunded := new(big.Int).Add(loan.fundedValueAttoDai, value)
		if newFunded.Cmp(loan.requestedValueAttoDai) > 0 {
			return errRevert("funding would exceed the requested value")
		}
		total := units.TotalWithFee(value, loan.fundingFeeAttoDaiPerDai, units.Dai)
		if err := w.dai.transferFrom(addr, sender, addr, total); err != nil {
			return err
		}
		token.mint(sender, new(big.Int).Quo(value, units.Dai))
		loan.fundedValueAttoDai = newFunded

		// Full funding activates the loan: the principal goes to the
		// recipient and the escrowed fees to the fee recipient.
		if newFunded.Cmp(loan.requestedValueAttoDai) == 0 {
			loan.phase = phaseActive
			if err := w.dai.transfer(addr, loan.recipient, loan.requestedValueAttoDai); err != nil {
				return err
			}
			if err := w.dai.transfer(addr, loan.feeRecipient, w.dai.balanceOf(addr)); err != nil {
				return err
			}
		}
		return nil

	case "withdrawFunds":
		value := args[0].(*big.Int)
		if loan.phase != phaseFunding && loan.phase != phaseExpired && loan.phase != phaseCanceled {
			return errRevert("loan funds are locked")
		}
		if new(big.Int).Rem(value, units.Dai).Sign() != 0 || value.Sign() <= 0 {
			return errRevert("value is not a positive multiple of 1 Dai")
		}
		if err := token.burnFrom(addr, sender, new(big.Int).Quo(value, units.Dai)); err != nil {
			return err
		}
		loan.fundedValueAttoDai = new(big.Int).Sub(loan.fundedValueAttoDai, value)
		refund := units.TotalWithFee(value, loan.fundingFeeAttoDaiPerDai, units.Dai)
		return w.dai.transfer(addr, sender, refund)

	case "makePayment":
		value := args[0].(*big.Int)
		if loan.phase != phaseActive {
			return errRevert("loan is not active")
		}
		if new(big.Int).Rem(value, units.Dai).Sign() != 0 || value.Sign() <= 0 {
			return errRevert("value is not a positive multiple of 1 Dai")
		}
		fee := new(big.Int).Mul(loan.paymentFeeAttoDaiPerDai, new(big.Int).Quo(value, units.Dai))
		total := new(big.Int).Add(value, fee)
		if err := w.dai.transferFrom(addr, sender, addr, total); err != nil {
			return err
		}
		loan.paidValueAttoDai = new(big.Int).Add(loan.paidValueAttoDai, value)
		return w.dai.transfer(addr, loan.feeRecipient, fee)

	case "redeemTokens":
		amount := args[0].(*big.Int)
		if loan.phase != phaseFinalized {
			return errRevert("loan is not finalized")
		}
		if amount.Sign() <= 0 {
			return errRevert("amount is not positive")
		}
		if err := token.burnFrom(addr, sender, amount); err != nil {
			return err
		}
		payout := new(big.Int).Mul(amount, loan.redemptionValueAttoDaiPerToken)
		return w.dai.transfer(addr, sender, payout)

	default:
		return errRevert("loan has no method %s", method)
	}
}

func (c *Chain) marketCall(w *world, addr, sender common.Address, data []byte) error {
	market := w.markets[addr]
	method, args, err := decodeCall(contracts.Market, data)
	if err != nil {
		return err
	}

	findPosition := func(token, seller common.Address) (int, *sellPosition) {
		for i, p := range market.positions {
			if p.token == token && p.seller == seller {
				return i, p
			}
		}
		return -1, nil
	}
	removePositionAt := func(i int) {
		market.positions = append(market.positions[:i], market.positions[i+1:]...)
	}

	switch method {
	case "createSellPosition":
		token := args[0].(common.Address)
		amount := args[1].(*big.Int)
		price := args[2].(*big.Int)
		ts := w.tokens[token]
		if ts == nil {
			return errRevert("unknown token")
		}
		if phase := w.loans[ts.loan].phase; phase != phaseActive && phase != phaseFinalized {
			return errRevert("loan tokens are not tradable")
		}
		if _, p := findPosition(token, sender); p != nil {
			return errRevert("sell position already exists")
		}
		if err := ts.transferFrom(addr, sender, addr, amount); err != nil {
			return err
		}
		market.positions = append(market.positions, &sellPosition{
			token:                token,
			seller:               sender,
			amountTokens:         new(big.Int).Set(amount),
			priceAttoDaiPerToken: new(big.Int).Set(price),
		})
		return nil

	case "removeSellPosition":
		token := args[0].(common.Address)
		i, p := findPosition(token, sender)
		if p == nil {
			return errRevert("no such sell position")
		}
		if err := w.tokens[token].transfer(addr, sender, p.amountTokens); err != nil {
			return err
		}
		removePositionAt(i)
		return nil

	case "increaseSellPositionAmount":
		token := args[0].(common.Address)
		increase := args[1].(*big.Int)
		_, p := findPosition(token, sender)
		if p == nil {
			return errRevert("no such sell position")
		}
		if err := w.tokens[token].transferFrom(addr, sender, addr, increase); err != nil {
			return err
		}
		p.amountTokens.Add(p.amountTokens, increase)
		return nil

	case "decreaseSellPositionAmount":
		token := args[0].(common.Address)
		decrease := args[1].(*big.Int)
		i, p := findPosition(token, sender)
		if p == nil {
			return errRevert("no such sell position")
		}
		if p.amountTokens.Cmp(decrease) < 0 {
			return errRevert("decrease exceeds position amount")
		}
		if err := w.tokens[token].transfer(addr, sender, decrease); err != nil {
			return err
		}
		p.amountTokens.Sub(p.amountTokens, decrease)
		if p.amountTokens.Sign() == 0 {
			removePositionAt(i)
		}
		return nil

	case "updateSellPositionPrice":
		token := args[0].(common.Address)
		price := args[1].(*big.Int)
		_, p := findPosition(token, sender)
		if p == nil {
			return errRevert("no such sell position")
		}
		p.priceAttoDaiPerToken = new(big.Int).Set(price)
		return nil

	case "purchase":
		token := args[0].(common.Address)
		seller := args[1].(common.Address)
		amount := args[2].(*big.Int)
		price := args[3].(*big.Int)
		feeRate := args[4].(*big.Int)

		i, p := findPosition(token, seller)
		if p == nil {
			return errRevert("no such sell position")
		}
		if p.priceAttoDaiPerToken.Cmp(price) != 0 {
			return errRevert("price changed")
		}
		if market.feeAttoDaiPerNanoDai.Cmp(feeRate) != 0 {
			return errRevert("fee changed")
		}
		if p.amountTokens.Cmp(amount) < 0 {
			return errRevert("purchase exceeds position amount")
		}

		total := new(big.Int).Mul(amount, price)
		withFee := units.TotalWithFee(total, feeRate, units.NanoDai)
		if err := w.dai.transferFrom(addr, sender, addr, withFee); err != nil {
			return err
		}
		if err := w.dai.transfer(addr, seller, total); err != nil {
			return err
		}
		if err := w.dai.transfer(addr, market.feeRecipient, new(big.Int).Sub(withFee, total)); err != nil {
			return err
		}
		if err := w.tokens[token].transfer(addr, sender, amount); err != nil {
			return err
		}
		p.amountTokens.Sub(p.amountTokens, amount)
		if p.amountTokens.Sign() == 0 {
			removePositionAt(i)
		}
		return nil

	default:
		return errRevert("market has no method %s", method)
	}
}

// erc20Call handles the state-changing ERC-20 surface shared by the Dai
// mock and loan tokens.
func erc20Call(e *erc20, sender common.Address, data []byte) error {
	method, args, err := decodeCall(contracts.ERC20, data)
	if err != nil {
		return err
	}
	switch method {
	case "approve":
		e.approve(sender, args[0].(common.Address), args[1].(*big.Int))
		return nil
	case "transfer":
		return e.transfer(sender, args[0].(common.Address), args[1].(*big.Int))
	case "transferFrom":
		return e.transferFrom(sender, args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int))
	default:
		return errRevert("erc20 has no method %s", method)
	}
}
