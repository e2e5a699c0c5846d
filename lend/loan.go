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
)

// State is a consistent snapshot of a loan's mutable state, captured at a
// single chain height.
type State struct {
	Phase Phase

	// FundedValueAttoDai is the value currently provided by funders.
	FundedValueAttoDai *big.Int

	// PaidValueAttoDai is the value paid back so far. Only meaningful once
	// the loan is ACTIVE or FINALIZED; nil otherwise.
	PaidValueAttoDai *big.Int

	// RedemptionValueAttoDaiPerToken is what one token redeems for. Only
	// meaningful once the loan is FINALIZED; nil otherwise.
	RedemptionValueAttoDaiPerToken *big.Int
}

// Loan is a handle to a single loan contract. The loan's creation-time
// constants are fetched lazily and cached; the contract guarantees them
// immutable after creation.
type Loan struct {
	controller *Controller
	address    common.Address

	token      memo[common.Address]
	recipient  memo[common.Address]
	created    memo[time.Time]
	expiration memo[time.Time]
	fundingFee memo[*big.Int]
	paymentFee memo[*big.Int]
	requested  memo[*big.Int]

	userTx *LoanUserTxBuilder
}

func newLoan(controller *Controller, address common.Address) *Loan {
	l := &Loan{controller: controller, address: address}
	l.userTx = &LoanUserTxBuilder{loan: l}
	return l
}

// ID returns the loan's identifier, which doubles as its contract address.
func (l *Loan) ID() LoanID {
	return LoanID{addr: wrapAddr(l.address)}
}

func (l *Loan) reader(height *big.Int) reader {
	return reader{node: l.controller.node, abi: contracts.Loan, target: l.address, height: height}
}

// TokenAddress returns the address of the loan's token contract.
func (l *Loan) TokenAddress(ctx context.Context) (crypto.Address, error) {
	addr, err := l.tokenAddress(ctx)
	if err != nil {
		return crypto.Address{}, err
	}
	return wrapAddr(addr), nil
}

func (l *Loan) tokenAddress(ctx context.Context) (common.Address, error) {
	return l.token.get(ctx, func(ctx context.Context) (common.Address, error) {
		return l.reader(nil).callAddress(ctx, "token")
	})
}

// RecipientAddress returns the account the loan's funds are disbursed to.
func (l *Loan) RecipientAddress(ctx context.Context) (crypto.Address, error) {
	addr, err := l.recipient.get(ctx, func(ctx context.Context) (common.Address, error) {
		return l.reader(nil).callAddress(ctx, "loanRecipient")
	})
	if err != nil {
		return crypto.Address{}, err
	}
	return wrapAddr(addr), nil
}

// CreationTime returns the chain timestamp at which the loan was created.
func (l *Loan) CreationTime(ctx context.Context) (time.Time, error) {
	return l.created.get(ctx, func(ctx context.Context) (time.Time, error) {
		return l.callTime(ctx, "creationTime")
	})
}

// FundingExpirationTime returns the deadline after which an unfunded loan
// can be expired.
func (l *Loan) FundingExpirationTime(ctx context.Context) (time.Time, error) {
	return l.expiration.get(ctx, func(ctx context.Context) (time.Time, error) {
		return l.callTime(ctx, "expirationTime")
	})
}

func (l *Loan) callTime(ctx context.Context, method string) (time.Time, error) {
	n, err := l.reader(nil).callBig(ctx, method)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n.Int64(), 0).UTC(), nil
}

// FundingFeeAttoDaiPerDai returns the fee charged per Dai provided.
func (l *Loan) FundingFeeAttoDaiPerDai(ctx context.Context) (*big.Int, error) {
	return l.fundingFee.get(ctx, func(ctx context.Context) (*big.Int, error) {
		return l.reader(nil).callBig(ctx, "fundingFeeAttoDaiPerDai")
	})
}

// PaymentFeeAttoDaiPerDai returns the fee charged per Dai paid back.
func (l *Loan) PaymentFeeAttoDaiPerDai(ctx context.Context) (*big.Int, error) {
	return l.paymentFee.get(ctx, func(ctx context.Context) (*big.Int, error) {
		return l.reader(nil).callBig(ctx, "paymentFeeAttoDaiPerDai")
	})
}

// RequestedValueAttoDai returns the value the loan set out to raise.
func (l *Loan) RequestedValueAttoDai(ctx context.Context) (*big.Int, error) {
	return l.requested.get(ctx, func(ctx context.Context) (*big.Int, error) {
		return l.reader(nil).callBig(ctx, "requestedValueAttoDai")
	})
}

// State reads the loan's mutable state. All fields come from the same
// chain height.
func (l *Loan) State(ctx context.Context) (State, error) {
	height, err := pinnedHeight(ctx, l.controller.node)
	if err != nil {
		return State{}, err
	}
	return l.stateAt(ctx, height)
}

func (l *Loan) stateAt(ctx context.Context, height *big.Int) (State, error) {
	r := l.reader(height)

	phase, err := r.callPhase(ctx, "phase")
	if err != nil {
		return State{}, err
	}
	funded, err := r.callBig(ctx, "fundedValueAttoDai")
	if err != nil {
		return State{}, err
	}
	state := State{Phase: phase, FundedValueAttoDai: funded}

	if phase == PhaseActive || phase == PhaseFinalized {
		if state.PaidValueAttoDai, err = r.callBig(ctx, "paidValueAttoDai"); err != nil {
			return State{}, err
		}
	}
	if phase == PhaseFinalized {
		if state.RedemptionValueAttoDaiPerToken, err = r.callBig(ctx, "redemptionValueAttoDaiPerToken"); err != nil {
			return State{}, err
		}
	}
	return state, nil
}

// TokenBalanceOf returns how many of the loan's tokens the given account
// holds.
func (l *Loan) TokenBalanceOf(ctx context.Context, account crypto.Address) (*big.Int, error) {
	return l.tokenBalanceAt(ctx, account, nil)
}

func (l *Loan) tokenBalanceAt(ctx context.Context, account crypto.Address, height *big.Int) (*big.Int, error) {
	token, err := l.tokenAddress(ctx)
	if err != nil {
		return nil, err
	}
	r := reader{node: l.controller.node, abi: contracts.Token, target: token, height: height}
	return r.callBig(ctx, "balanceOf", commonAddr(account))
}

// TryExpire attempts to move the loan from FUNDING to EXPIRED. The result
// reports whether the loan ended up expired:
//
//   - already EXPIRED: settles to true without touching the chain;
//   - FUNDING with the deadline not yet reached: settles to false;
//   - FUNDING past the deadline: submits the expiration check and settles
//     to true once it confirms;
//   - any other phase: settles to a PhaseError.
//
// TryExpire is idempotent and safe to call periodically.
func (l *Loan) TryExpire(ctx context.Context) (ethtx.Pending[bool], error) {
	// Read the block timestamp and the phase from the same height so the
	// decision is based on one chain state.
	header, err := l.controller.node.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lend: resolve latest block: %w", err)
	}
	phase, err := l.reader(header.Number).callPhase(ctx, "phase")
	if err != nil {
		return nil, err
	}

	switch {
	case phase == PhaseExpired:
		return ethtx.Confirmed(true), nil

	case phase != PhaseFunding:
		return ethtx.Failed[bool](newPhaseError(phase, PhaseFunding, PhaseExpired)), nil
	}

	deadline, err := l.FundingExpirationTime(ctx)
	if err != nil {
		return nil, err
	}
	if header.Time < uint64(deadline.Unix()) {
		return ethtx.Confirmed(false), nil
	}

	data, err := contracts.Loan.Pack("checkExpiration")
	if err != nil {
		return nil, fmt.Errorf("lend: pack checkExpiration: %w", err)
	}
	hash, err := ethtx.Submit(ctx, l.controller.node, l.controller.admin, l.controller.chainID, &l.address, nil, data)
	if err != nil {
		return nil, err
	}

	onSuccess := func(ctx context.Context, _ *types.Receipt) (bool, error) {
		newPhase, err := l.reader(nil).callPhase(ctx, "phase")
		if err != nil {
			return false, err
		}
		if newPhase != PhaseExpired {
			return false, fmt.Errorf("%w: expiration check confirmed but loan is in phase %s", ErrStateDiverged, newPhase)
		}
		return true, nil
	}
	return ethtx.Submitted(l.controller.node, hash, onSuccess, nil), nil
}

// Cancel aborts a loan that is still FUNDING. Unlike TryExpire it is
// strict: a loan in any other phase, including an already CANCELED one,
// settles to a PhaseError.
func (l *Loan) Cancel(ctx context.Context) (ethtx.Pending[ethtx.None], error) {
	return l.cancelOrFinalize(ctx, "cancelLoan", PhaseFunding)
}

// Finalize closes an ACTIVE loan, fixing the redemption value of its
// tokens. Strict like Cancel: finalizing twice settles the second call to
// a PhaseError.
func (l *Loan) Finalize(ctx context.Context) (ethtx.Pending[ethtx.None], error) {
	return l.cancelOrFinalize(ctx, "finalizeLoan", PhaseActive)
}

func (l *Loan) cancelOrFinalize(ctx context.Context, method string, allowed Phase) (ethtx.Pending[ethtx.None], error) {
	phase, err := l.reader(nil).callPhase(ctx, "phase")
	if err != nil {
		return nil, err
	}
	if phase != allowed {
		return ethtx.Failed[ethtx.None](newPhaseError(phase, allowed)), nil
	}

	data, err := contracts.Controller.Pack(method, l.address)
	if err != nil {
		return nil, fmt.Errorf("lend: pack %s: %w", method, err)
	}
	hash, err := l.controller.submit(ctx, l.controller.address, data)
	if err != nil {
		return nil, err
	}

	// The transaction may fail because the phase changed between the guard
	// above and execution. Re-read the phase to report that precisely; if
	// it still matches, the failure had some other cause.
	onFailure := func(ctx context.Context, _ *types.Receipt) error {
		newPhase, err := l.reader(nil).callPhase(ctx, "phase")
		if err != nil {
			return err
		}
		if newPhase != allowed {
			return newPhaseError(newPhase, allowed)
		}
		return nil
	}
	return ethtx.Submitted[ethtx.None](l.controller.node, hash, nil, onFailure), nil
}

// UserTransactions returns the builder for transactions that end users
// sign themselves.
func (l *Loan) UserTransactions() *LoanUserTxBuilder { return l.userTx }
