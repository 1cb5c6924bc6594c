package math

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpRisk/internal/errs"
)

// SqrtU256 returns floor(sqrt(x)).
func SqrtU256(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sqrt(x)
}

// SqrtU64 returns floor(sqrt(x)).
func SqrtU64(x uint64) uint64 {
	return new(uint256.Int).Sqrt(uint256.NewInt(x)).Uint64()
}

// SquareU64 returns x² as a 256-bit value; used for the AMM invariant k = sqrt_k².
func SquareU64(x uint64) *uint256.Int {
	v := uint256.NewInt(x)
	return v.Mul(v, v)
}

// U256ToU64 narrows a 256-bit result.
func U256ToU64(x *uint256.Int) (uint64, error) {
	if !x.IsUint64() {
		return 0, fmt.Errorf("%w: %s does not fit uint64", errs.ErrCasting, x.Dec())
	}
	return x.Uint64(), nil
}

// DivU256 divides a 256-bit numerator by a uint64 denominator.
func DivU256(num *uint256.Int, den uint64) (uint64, error) {
	if den == 0 {
		return 0, fmt.Errorf("%w: division by zero", errs.ErrMath)
	}
	q := new(uint256.Int).Div(num, uint256.NewInt(den))
	return U256ToU64(q)
}

// DivCeilU256 divides rounding up.
func DivCeilU256(num *uint256.Int, den uint64) (uint64, error) {
	if den == 0 {
		return 0, fmt.Errorf("%w: division by zero", errs.ErrMath)
	}
	d := uint256.NewInt(den)
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(num, d, r)
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return U256ToU64(q)
}
