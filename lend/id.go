package lend

import (
	"fmt"

	"loanchain/crypto"
)

// LoanID uniquely identifies a loan under a given controller. It is the
// address of the loan's contract; the zero address is not a valid
// identifier.
type LoanID struct {
	addr crypto.Address
}

// ParseLoanID parses a checksummed hex loan identifier.
func ParseLoanID(s string) (LoanID, error) {
	addr, err := crypto.ParseAddress(s)
	if err != nil {
		return LoanID{}, fmt.Errorf("lend: invalid loan identifier: %w", err)
	}
	return loanIDFromAddress(addr)
}

// LoanIDFromBytes builds a loan identifier from its 20-byte form.
func LoanIDFromBytes(b []byte) (LoanID, error) {
	addr, err := crypto.AddressFromBytes(b)
	if err != nil {
		return LoanID{}, fmt.Errorf("lend: invalid loan identifier: %w", err)
	}
	return loanIDFromAddress(addr)
}

func loanIDFromAddress(addr crypto.Address) (LoanID, error) {
	if addr.IsZero() {
		return LoanID{}, fmt.Errorf("lend: loan identifier must not be the zero address")
	}
	return LoanID{addr: addr}, nil
}

// Address returns the loan contract's address.
func (id LoanID) Address() crypto.Address { return id.addr }

// Bytes returns the identifier's 20-byte form.
func (id LoanID) Bytes() []byte { return id.addr.Bytes() }

func (id LoanID) String() string { return id.addr.String() }

// IsZero reports whether id is the invalid zero identifier.
func (id LoanID) IsZero() bool { return id.addr.IsZero() }
