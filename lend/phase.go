package lend

import (
	"fmt"
	"math/big"
)

// Phase is a stage in a loan's lifecycle. The numeric values match the
// on-chain encoding.
type Phase uint8

const (
	// PhaseFunding accepts funds from investors until the requested value
	// is reached or the funding deadline passes.
	PhaseFunding Phase = iota
	// PhaseExpired means the funding deadline passed before the requested
	// value was reached. Funders may withdraw what they provided.
	PhaseExpired
	// PhaseCanceled means the administrator aborted the loan while it was
	// still funding. Funders may withdraw what they provided.
	PhaseCanceled
	// PhaseActive means the loan was fully funded and disbursed and is
	// accepting payments.
	PhaseActive
	// PhaseFinalized means the administrator closed the loan; token holders
	// may redeem tokens for their share of the payments.
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseFunding:
		return "FUNDING"
	case PhaseExpired:
		return "EXPIRED"
	case PhaseCanceled:
		return "CANCELED"
	case PhaseActive:
		return "ACTIVE"
	case PhaseFinalized:
		return "FINALIZED"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// phaseFromChain converts a phase word read from the contract, rejecting
// values outside the known range.
func phaseFromChain(word uint8) (Phase, error) {
	p := Phase(word)
	if p > PhaseFinalized {
		return 0, fmt.Errorf("%w: contract reported unknown phase %d", ErrStateDiverged, word)
	}
	return p, nil
}

// phaseFromBig converts a *big.Int phase word as unpacked from an ABI call.
func phaseFromBig(word *big.Int) (Phase, error) {
	if !word.IsUint64() || word.Uint64() > uint64(PhaseFinalized) {
		return 0, fmt.Errorf("%w: contract reported unknown phase %s", ErrStateDiverged, word)
	}
	return Phase(word.Uint64()), nil
}
