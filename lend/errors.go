package lend

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoSuchLoan is returned when a loan identifier does not refer to a
	// loan created by the connected controller.
	ErrNoSuchLoan = errors.New("lend: no such loan")

	// ErrNoSuchPosition is returned when no sell position exists for the
	// requested loan and seller.
	ErrNoSuchPosition = errors.New("lend: no such sell position")

	// ErrStateDiverged is returned when the chain contradicts an invariant
	// the contracts are supposed to uphold. Operations that return it must
	// not be retried.
	ErrStateDiverged = errors.New("lend: on-chain state diverged from contract invariants")
)

// PhaseError reports that an operation required the loan to be in one of
// the Allowed phases but observed a different one.
type PhaseError struct {
	Observed Phase
	Allowed  []Phase
}

// newPhaseError builds a PhaseError. Callers must only construct one when
// the observed phase is actually disallowed.
func newPhaseError(observed Phase, allowed ...Phase) *PhaseError {
	if len(allowed) == 0 {
		panic("lend: PhaseError with no allowed phases")
	}
	sorted := make([]Phase, len(allowed))
	copy(sorted, allowed)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, p := range sorted {
		if p == observed {
			panic("lend: PhaseError with observed phase among allowed")
		}
	}
	return &PhaseError{Observed: observed, Allowed: sorted}
}

func (e *PhaseError) Error() string {
	names := make([]string, len(e.Allowed))
	for i, p := range e.Allowed {
		names[i] = p.String()
	}
	return fmt.Sprintf("lend: loan is in phase %s, expected %s",
		e.Observed, strings.Join(names, ", "))
}
