// Package units implements the fixed-point Dai arithmetic shared by every
// operation builder. All monetary values are integers denominated in
// atto-Dai; one nano-Dai is 10^9 atto-Dai and one Dai is 10^18 atto-Dai.
// Nothing in this package or its callers ever touches floating point.
package units

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// ErrInvalidAmount reports a monetary value that violates a documented
// precondition (sign, unit multiple, or word-size range).
var ErrInvalidAmount = errors.New("units: invalid amount")

var (
	// NanoDai is the number of atto-Dai in one nano-Dai.
	NanoDai = big.NewInt(1_000_000_000)

	// Dai is the number of atto-Dai in one Dai.
	Dai = new(big.Int).Mul(NanoDai, NanoDai)
)

// CheckPositiveMultiple fails unless value is a positive multiple of unit
// and representable as an EVM word.
func CheckPositiveMultiple(value, unit *big.Int) error {
	if value == nil || value.Sign() <= 0 || new(big.Int).Rem(value, unit).Sign() != 0 {
		return fmt.Errorf("%w: must be a positive multiple of %s atto-Dai", ErrInvalidAmount, unit)
	}
	return CheckUint256(value)
}

// CheckPositive fails unless value is strictly positive and representable
// as an EVM word.
func CheckPositive(value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	return CheckUint256(value)
}

// CheckNonNegative fails unless value is zero or positive and representable
// as an EVM word.
func CheckNonNegative(value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return CheckUint256(value)
}

// CheckUint256 fails when value does not fit the remote program's 256-bit
// word size. Ledger-native amounts routinely exceed 64 bits, so every value
// is range-checked before it is ABI-encoded.
func CheckUint256(value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return fmt.Errorf("%w: must fit in 256 bits", ErrInvalidAmount)
	}
	return nil
}

// TotalWithFee returns value plus the fee charged per whole unit:
//
//	value + feePerUnit * (value / unit)
//
// with truncating integer division, matching the deployed program's
// accounting bit for bit.
func TotalWithFee(value, feePerUnit, unit *big.Int) *big.Int {
	total := new(big.Int).Quo(value, unit)
	total.Mul(total, feePerUnit)
	return total.Add(total, value)
}
