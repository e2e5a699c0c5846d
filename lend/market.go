package lend

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"loanchain/contracts"
	"loanchain/crypto"
	"loanchain/ethtx"
	"loanchain/units"
)

// SellPosition is one seller's open offer of loan tokens.
type SellPosition struct {
	Loan                 *Loan
	Seller               crypto.Address
	AmountTokens         *big.Int
	PriceAttoDaiPerToken *big.Int
}

// Market is a handle to the secondary market on which loan tokens trade.
type Market struct {
	controller *Controller
	address    memo[common.Address]
	userTx     *MarketUserTxBuilder
}

func newMarket(controller *Controller) *Market {
	m := &Market{controller: controller}
	m.userTx = &MarketUserTxBuilder{market: m}
	return m
}

// Address returns the market contract's address. Fetched once, then
// cached.
func (m *Market) Address(ctx context.Context) (crypto.Address, error) {
	addr, err := m.contractAddress(ctx)
	if err != nil {
		return crypto.Address{}, err
	}
	return wrapAddr(addr), nil
}

func (m *Market) contractAddress(ctx context.Context) (common.Address, error) {
	return m.address.get(ctx, func(ctx context.Context) (common.Address, error) {
		return m.controller.reader(nil).callAddress(ctx, "market")
	})
}

func (m *Market) reader(ctx context.Context, height *big.Int) (reader, error) {
	addr, err := m.contractAddress(ctx)
	if err != nil {
		return reader{}, err
	}
	return reader{node: m.controller.node, abi: contracts.Market, target: addr, height: height}, nil
}

// FeeAttoDaiPerNanoDai returns the current purchase fee, charged per
// nano-Dai of purchase value.
func (m *Market) FeeAttoDaiPerNanoDai(ctx context.Context) (*big.Int, error) {
	r, err := m.reader(ctx, nil)
	if err != nil {
		return nil, err
	}
	return r.callBig(ctx, "feeAttoDaiPerNanoDai")
}

// SetFee updates the purchase fee. Administrator only; the new fee must
// not be negative.
func (m *Market) SetFee(ctx context.Context, feeAttoDaiPerNanoDai *big.Int) (ethtx.Pending[ethtx.None], error) {
	if err := units.CheckNonNegative(feeAttoDaiPerNanoDai); err != nil {
		return nil, fmt.Errorf("lend: market fee: %w", err)
	}
	data, err := contracts.Controller.Pack("setMarketFee", feeAttoDaiPerNanoDai)
	if err != nil {
		return nil, fmt.Errorf("lend: pack setMarketFee: %w", err)
	}
	hash, err := m.controller.submit(ctx, m.controller.address, data)
	if err != nil {
		return nil, err
	}
	return ethtx.Submitted[ethtx.None](m.controller.node, hash, nil, nil), nil
}

// AllSellPositions returns every open sell position. The enumeration
// observes one consistent chain state.
func (m *Market) AllSellPositions(ctx context.Context) ([]SellPosition, error) {
	height, err := pinnedHeight(ctx, m.controller.node)
	if err != nil {
		return nil, err
	}
	return m.positionsAt(ctx, height)
}

func (m *Market) positionsAt(ctx context.Context, height *big.Int) ([]SellPosition, error) {
	r, err := m.reader(ctx, height)
	if err != nil {
		return nil, err
	}
	count, err := r.callBig(ctx, "numSellPositions")
	if err != nil {
		return nil, err
	}
	positions := make([]SellPosition, 0, count.Int64())
	for i := int64(0); i < count.Int64(); i++ {
		values, err := r.call(ctx, "sellPositionAt", big.NewInt(i))
		if err != nil {
			return nil, err
		}
		token, tokenOK := values[0].(common.Address)
		seller, sellerOK := values[1].(common.Address)
		amount, amountOK := values[2].(*big.Int)
		price, priceOK := values[3].(*big.Int)
		if !tokenOK || !sellerOK || !amountOK || !priceOK {
			return nil, fmt.Errorf("%w: malformed sell position at index %d", ErrStateDiverged, i)
		}

		loanAddr, err := m.loanOfToken(ctx, token, height)
		if err != nil {
			return nil, err
		}
		positions = append(positions, SellPosition{
			Loan:                 newLoan(m.controller, loanAddr),
			Seller:               wrapAddr(seller),
			AmountTokens:         amount,
			PriceAttoDaiPerToken: price,
		})
	}
	return positions, nil
}

func (m *Market) loanOfToken(ctx context.Context, token common.Address, height *big.Int) (common.Address, error) {
	r := reader{node: m.controller.node, abi: contracts.Token, target: token, height: height}
	return r.callAddress(ctx, "loan")
}

// SellPositionsByLoan returns every open sell position offering tokens of
// the given loan.
func (m *Market) SellPositionsByLoan(ctx context.Context, id LoanID) ([]SellPosition, error) {
	all, err := m.AllSellPositions(ctx)
	if err != nil {
		return nil, err
	}
	var matched []SellPosition
	for _, p := range all {
		if p.Loan.ID() == id {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// SellPositionsBySeller returns every open sell position placed by the
// given seller.
func (m *Market) SellPositionsBySeller(ctx context.Context, seller crypto.Address) ([]SellPosition, error) {
	all, err := m.AllSellPositions(ctx)
	if err != nil {
		return nil, err
	}
	var matched []SellPosition
	for _, p := range all {
		if p.Seller == seller {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// SellPositionByLoanAndSeller returns the single sell position the given
// seller holds in the given loan's tokens. Returns ErrNoSuchPosition when
// the seller has no open position there, including when the loan itself
// does not exist.
func (m *Market) SellPositionByLoanAndSeller(ctx context.Context, id LoanID, seller crypto.Address) (SellPosition, error) {
	loan, err := m.controller.Loans().ByIdentifier(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNoSuchLoan) {
			return SellPosition{}, fmt.Errorf("%w: loan %s, seller %s", ErrNoSuchPosition, id, seller)
		}
		return SellPosition{}, err
	}
	token, err := loan.tokenAddress(ctx)
	if err != nil {
		return SellPosition{}, err
	}

	r, err := m.reader(ctx, nil)
	if err != nil {
		return SellPosition{}, err
	}
	values, err := r.call(ctx, "getSellPosition", token, commonAddr(seller))
	if err != nil {
		return SellPosition{}, err
	}
	amount, amountOK := values[0].(*big.Int)
	price, priceOK := values[1].(*big.Int)
	if !amountOK || !priceOK {
		return SellPosition{}, fmt.Errorf("%w: malformed sell position", ErrStateDiverged)
	}
	if amount.Sign() == 0 {
		return SellPosition{}, fmt.Errorf("%w: loan %s, seller %s", ErrNoSuchPosition, id, seller)
	}
	return SellPosition{
		Loan:                 loan,
		Seller:               seller,
		AmountTokens:         amount,
		PriceAttoDaiPerToken: price,
	}, nil
}

// UserTransactions returns the builder for transactions that end users
// sign themselves.
func (m *Market) UserTransactions() *MarketUserTxBuilder { return m.userTx }
