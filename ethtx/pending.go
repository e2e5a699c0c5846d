package ethtx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// None is the result type of transactions that yield no value.
type None struct{}

var (
	// ErrStillPending reports that an awaited transaction did not reach a
	// terminal outcome in time. The transaction is not necessarily lost: it
	// cannot be retracted and may still confirm later, so callers must not
	// treat this as failure. Awaiting again with a fresh timeout is safe.
	ErrStillPending = errors.New("ethtx: transaction still pending confirmation")

	// ErrFailed reports a terminal failure receipt for which no more
	// specific interpretation was available.
	ErrFailed = errors.New("ethtx: transaction failed")
)

// Default polling parameters used by Wait.
const (
	DefaultTimeout = 2 * time.Minute
	DefaultPoll    = 100 * time.Millisecond
)

// Pending is a handle to a submitted, not-yet-finalized transaction. Once a
// terminal outcome has been observed it is stable: Await may be called any
// number of times and always returns the same result without resubmitting
// anything.
type Pending[T any] interface {
	// Done reports whether the node has recorded any receipt, successful or
	// failed, for the transaction. A transaction the node has not seen yet
	// yields (false, nil), not an error.
	Done(ctx context.Context) (bool, error)

	// Await blocks until a receipt exists or timeout elapses, polling the
	// node every poll interval. A negative timeout or non-positive poll
	// interval is rejected immediately. A zero timeout checks exactly once
	// and returns ErrStillPending when no receipt exists yet.
	Await(ctx context.Context, timeout, poll time.Duration) (T, error)
}

// Wait awaits p with the default timeout and poll interval.
func Wait[T any](ctx context.Context, p Pending[T]) (T, error) {
	return p.Await(ctx, DefaultTimeout, DefaultPoll)
}

func validateAwait(timeout, poll time.Duration) error {
	if timeout < 0 {
		return errors.New("ethtx: timeout must not be negative")
	}
	if poll <= 0 {
		return errors.New("ethtx: poll interval must be positive")
	}
	return nil
}

// Submitted wraps a live transaction hash. onSuccess extracts the typed
// result from a successful receipt; a nil onSuccess yields the zero value.
// onFailure may upgrade a failure receipt into a more specific error, for
// example by re-reading remote state; when it is nil or returns nil the
// outcome is ErrFailed.
func Submitted[T any](
	node Node,
	hash common.Hash,
	onSuccess func(context.Context, *types.Receipt) (T, error),
	onFailure func(context.Context, *types.Receipt) error,
) Pending[T] {
	return &submitted[T]{node: node, hash: hash, onSuccess: onSuccess, onFailure: onFailure}
}

// Confirmed builds a handle that is already successfully settled. Builders
// use it when they can determine locally that no remote call is needed.
func Confirmed[T any](result T) Pending[T] {
	return settled[T]{result: result}
}

// Failed builds a handle that is already settled with err. Builders use it
// when an operation would certainly fail remotely, so no resources are
// spent submitting it.
func Failed[T any](err error) Pending[T] {
	return settled[T]{err: err}
}

type submitted[T any] struct {
	node Node
	hash common.Hash

	onSuccess func(context.Context, *types.Receipt) (T, error)
	onFailure func(context.Context, *types.Receipt) error

	mu      sync.Mutex
	settled bool
	result  T
	err     error
}

func (p *submitted[T]) Done(ctx context.Context) (bool, error) {
	p.mu.Lock()
	alreadySettled := p.settled
	p.mu.Unlock()
	if alreadySettled {
		return true, nil
	}

	receipt, err := p.receipt(ctx)
	if err != nil {
		return false, err
	}
	return receipt != nil, nil
}

func (p *submitted[T]) Await(ctx context.Context, timeout, poll time.Duration) (T, error) {
	var zero T
	if err := validateAwait(timeout, poll); err != nil {
		return zero, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return p.result, p.err
	}

	receipt, err := p.receipt(ctx)
	if err != nil {
		return zero, err
	}
	if receipt != nil {
		return p.settle(ctx, receipt)
	}
	if timeout == 0 {
		return zero, ErrStillPending
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline.C:
			Metrics().TimedOut.Inc()
			return zero, ErrStillPending
		case <-ticker.C:
			receipt, err = p.receipt(ctx)
			if err != nil {
				return zero, err
			}
			if receipt != nil {
				return p.settle(ctx, receipt)
			}
		}
	}
}

// receipt fetches the transaction receipt, mapping "not found" to nil.
func (p *submitted[T]) receipt(ctx context.Context) (*types.Receipt, error) {
	receipt, err := p.node.TransactionReceipt(ctx, p.hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// settle interprets a terminal receipt and freezes the outcome. Interpreter
// hook errors are terminal too: they describe the transaction's outcome,
// not a transient read failure.
func (p *submitted[T]) settle(ctx context.Context, receipt *types.Receipt) (T, error) {
	if receipt.Status == types.ReceiptStatusSuccessful {
		if p.onSuccess != nil {
			p.result, p.err = p.onSuccess(ctx, receipt)
		}
		Metrics().Confirmed.Inc()
	} else {
		if p.onFailure != nil {
			p.err = p.onFailure(ctx, receipt)
		}
		if p.err == nil {
			p.err = ErrFailed
		}
		Metrics().Failed.Inc()
	}
	p.settled = true
	return p.result, p.err
}

// settled is the synthetic already-confirmed or already-failed variant.
type settled[T any] struct {
	result T
	err    error
}

func (s settled[T]) Done(ctx context.Context) (bool, error) {
	return true, nil
}

func (s settled[T]) Await(ctx context.Context, timeout, poll time.Duration) (T, error) {
	if err := validateAwait(timeout, poll); err != nil {
		var zero T
		return zero, err
	}
	return s.result, s.err
}
