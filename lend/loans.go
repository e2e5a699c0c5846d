package lend

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"loanchain/contracts"
	"loanchain/crypto"
	"loanchain/ethtx"
	"loanchain/units"
)

// Loans is the collection of loans created by a controller.
type Loans struct {
	controller *Controller
}

// All returns handles to every loan the controller ever created, in
// creation order. The whole enumeration observes one consistent chain
// state, even if loans are created concurrently.
func (l *Loans) All(ctx context.Context) ([]*Loan, error) {
	height, err := pinnedHeight(ctx, l.controller.node)
	if err != nil {
		return nil, err
	}
	return l.allAt(ctx, height)
}

func (l *Loans) allAt(ctx context.Context, height *big.Int) ([]*Loan, error) {
	r := l.controller.reader(height)
	count, err := r.callBig(ctx, "numLoans")
	if err != nil {
		return nil, err
	}
	loans := make([]*Loan, 0, count.Int64())
	for i := int64(0); i < count.Int64(); i++ {
		addr, err := r.callAddress(ctx, "loans", big.NewInt(i))
		if err != nil {
			return nil, err
		}
		loans = append(loans, newLoan(l.controller, addr))
	}
	return loans, nil
}

// ByRecipient returns every loan whose recipient is the given address. The
// enumeration observes one consistent chain state.
func (l *Loans) ByRecipient(ctx context.Context, recipient crypto.Address) ([]*Loan, error) {
	height, err := pinnedHeight(ctx, l.controller.node)
	if err != nil {
		return nil, err
	}
	all, err := l.allAt(ctx, height)
	if err != nil {
		return nil, err
	}
	var matched []*Loan
	for _, loan := range all {
		r, err := loan.RecipientAddress(ctx)
		if err != nil {
			return nil, err
		}
		if r == recipient {
			matched = append(matched, loan)
		}
	}
	return matched, nil
}

// ByTokenHolder returns every loan of which the given address holds at
// least one token. Balances are read at the same height as the loan list,
// so the result is a consistent snapshot.
func (l *Loans) ByTokenHolder(ctx context.Context, holder crypto.Address) ([]*Loan, error) {
	height, err := pinnedHeight(ctx, l.controller.node)
	if err != nil {
		return nil, err
	}
	all, err := l.allAt(ctx, height)
	if err != nil {
		return nil, err
	}
	var matched []*Loan
	for _, loan := range all {
		balance, err := loan.tokenBalanceAt(ctx, holder, height)
		if err != nil {
			return nil, err
		}
		if balance.Sign() > 0 {
			matched = append(matched, loan)
		}
	}
	return matched, nil
}

// ByIdentifier resolves a loan identifier to a handle. Returns
// ErrNoSuchLoan when the identifier does not refer to a loan created by
// this controller.
func (l *Loans) ByIdentifier(ctx context.Context, id LoanID) (*Loan, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("lend: loan identifier must not be the zero address")
	}
	valid, err := l.controller.reader(nil).callBool(ctx, "loanIsValid", commonAddr(id.Address()))
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchLoan, id)
	}
	return newLoan(l.controller, commonAddr(id.Address())), nil
}

// Create creates a new loan. The administrator account receives the loan's
// fees. timeToExpiration is rounded up to whole seconds.
//
// The requested value must be a positive multiple of 1 Dai, and both fee
// rates must be non-negative. The returned handle settles to the new
// loan's handle once the creation confirms.
func (l *Loans) Create(
	ctx context.Context,
	recipient crypto.Address,
	timeToExpiration time.Duration,
	fundingFeeAttoDaiPerDai *big.Int,
	paymentFeeAttoDaiPerDai *big.Int,
	requestedValueAttoDai *big.Int,
) (ethtx.Pending[*Loan], error) {
	if recipient.IsZero() {
		return nil, fmt.Errorf("lend: recipient must not be the zero address")
	}
	if timeToExpiration <= 0 {
		return nil, fmt.Errorf("lend: timeToExpiration must be positive")
	}
	if err := units.CheckNonNegative(fundingFeeAttoDaiPerDai); err != nil {
		return nil, fmt.Errorf("lend: fundingFeeAttoDaiPerDai: %w", err)
	}
	if err := units.CheckNonNegative(paymentFeeAttoDaiPerDai); err != nil {
		return nil, fmt.Errorf("lend: paymentFeeAttoDaiPerDai: %w", err)
	}
	if err := units.CheckPositiveMultiple(requestedValueAttoDai, units.Dai); err != nil {
		return nil, fmt.Errorf("lend: requestedValueAttoDai must be a positive multiple of 1 Dai: %w", err)
	}

	seconds := int64(timeToExpiration / time.Second)
	if timeToExpiration%time.Second != 0 {
		seconds++
	}

	data, err := contracts.Controller.Pack("createLoan",
		commonAddr(l.controller.admin.Address()),
		commonAddr(recipient),
		big.NewInt(seconds),
		fundingFeeAttoDaiPerDai,
		paymentFeeAttoDaiPerDai,
		requestedValueAttoDai,
	)
	if err != nil {
		return nil, fmt.Errorf("lend: pack createLoan: %w", err)
	}

	hash, err := l.controller.submit(ctx, l.controller.address, data)
	if err != nil {
		return nil, err
	}

	onSuccess := func(ctx context.Context, receipt *types.Receipt) (*Loan, error) {
		addr, err := l.loanCreatedAddress(receipt)
		if err != nil {
			return nil, err
		}
		return newLoan(l.controller, addr), nil
	}
	return ethtx.Submitted(l.controller.node, hash, onSuccess, nil), nil
}

// loanCreatedAddress extracts the new loan's address from the LoanCreated
// event the controller emits exactly once per creation.
func (l *Loans) loanCreatedAddress(receipt *types.Receipt) (common.Address, error) {
	event := contracts.Controller.Events["LoanCreated"]
	for _, log := range receipt.Logs {
		if log.Address != l.controller.address {
			continue
		}
		if len(log.Topics) == 0 || log.Topics[0] != event.ID {
			continue
		}
		values, err := event.Inputs.Unpack(log.Data)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: malformed LoanCreated event: %v", ErrStateDiverged, err)
		}
		addr, ok := values[0].(common.Address)
		if !ok || addr == (common.Address{}) {
			return common.Address{}, fmt.Errorf("%w: LoanCreated event carries no loan address", ErrStateDiverged)
		}
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("%w: creation receipt carries no LoanCreated event", ErrStateDiverged)
}
