// internal/math/fixedpoint.go
package math

import (
	"fmt"
	"math/big"
	"sync"

	"PerpRisk/internal/errs"
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward zero
	RoundUp                           // away from zero
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// divideRounded performs numerator / denominator into dst using the rounding
// mode. Both operands may be negative.
func divideRounded(dst, numerator, denominator *big.Int, mode RoundingMode) {
	remainder := getInt128()
	defer putInt128(remainder)

	dst.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return
	}

	// away from zero: sign of the exact quotient
	step := int64(numerator.Sign() * denominator.Sign())

	switch mode {
	case RoundUp:
		dst.Add(dst, big.NewInt(step))
	case RoundHalfEven:
		// compare 2*|remainder| against |denominator|
		twice := getInt128()
		absDen := getInt128()
		twice.Abs(remainder)
		twice.Lsh(twice, 1)
		absDen.Abs(denominator)
		cmp := twice.Cmp(absDen)
		putInt128(twice)
		putInt128(absDen)

		if cmp > 0 || (cmp == 0 && dst.Bit(0) == 1) {
			dst.Add(dst, big.NewInt(step))
		}
	}
}

// MulDivI64 computes a * b / c with a 128-bit intermediate.
func MulDivI64(a, b, c int64, mode RoundingMode) (int64, error) {
	if c == 0 {
		return 0, fmt.Errorf("%w: division by zero", errs.ErrMath)
	}
	product := getInt128()
	result := getInt128()
	defer putInt128(product)
	defer putInt128(result)

	// product = a * b
	product.Mul(big.NewInt(a), big.NewInt(b))
	divideRounded(result, product, big.NewInt(c), mode)

	if !result.IsInt64() {
		return 0, fmt.Errorf("%w: %d * %d / %d overflows", errs.ErrMath, a, b, c)
	}
	return result.Int64(), nil
}

// MulDivU64 computes a * b / c with a 128-bit intermediate.
func MulDivU64(a, b, c uint64, mode RoundingMode) (uint64, error) {
	if c == 0 {
		return 0, fmt.Errorf("%w: division by zero", errs.ErrMath)
	}
	product := getInt128()
	result := getInt128()
	denominator := getInt128()
	defer putInt128(product)
	defer putInt128(result)
	defer putInt128(denominator)

	product.SetUint64(a)
	product.Mul(product, new(big.Int).SetUint64(b))
	denominator.SetUint64(c)
	divideRounded(result, product, denominator, mode)

	if !result.IsUint64() {
		return 0, fmt.Errorf("%w: %d * %d / %d overflows", errs.ErrMath, a, b, c)
	}
	return result.Uint64(), nil
}

// MulDiv is MulDivI64 truncating toward zero.
func MulDiv(a, b, c int64) (int64, error) {
	return MulDivI64(a, b, c, RoundDown)
}

// MulDivU is MulDivU64 rounding down.
func MulDivU(a, b, c uint64) (uint64, error) {
	return MulDivU64(a, b, c, RoundDown)
}

// MulDivCeilU is MulDivU64 rounding up.
func MulDivCeilU(a, b, c uint64) (uint64, error) {
	return MulDivU64(a, b, c, RoundUp)
}

// MulMulDivU computes a * b * c / d with a single rounding.
func MulMulDivU(a, b, c, d uint64, mode RoundingMode) (uint64, error) {
	if d == 0 {
		return 0, fmt.Errorf("%w: division by zero", errs.ErrMath)
	}
	product := getInt128()
	result := getInt128()
	defer putInt128(product)
	defer putInt128(result)

	product.SetUint64(a)
	product.Mul(product, new(big.Int).SetUint64(b))
	product.Mul(product, new(big.Int).SetUint64(c))
	divideRounded(result, product, new(big.Int).SetUint64(d), mode)

	if !result.IsUint64() {
		return 0, fmt.Errorf("%w: %d * %d * %d / %d overflows", errs.ErrMath, a, b, c, d)
	}
	return result.Uint64(), nil
}

// ProductDivU computes a * b * c / (d * e) with a single rounding.
func ProductDivU(a, b, c, d, e uint64, mode RoundingMode) (uint64, error) {
	if d == 0 || e == 0 {
		return 0, fmt.Errorf("%w: division by zero", errs.ErrMath)
	}
	numerator := getInt128()
	denominator := getInt128()
	result := getInt128()
	defer putInt128(numerator)
	defer putInt128(denominator)
	defer putInt128(result)

	numerator.SetUint64(a)
	numerator.Mul(numerator, new(big.Int).SetUint64(b))
	numerator.Mul(numerator, new(big.Int).SetUint64(c))
	denominator.SetUint64(d)
	denominator.Mul(denominator, new(big.Int).SetUint64(e))
	divideRounded(result, numerator, denominator, mode)

	if !result.IsUint64() {
		return 0, fmt.Errorf("%w: %d * %d * %d / (%d * %d) overflows", errs.ErrMath, a, b, c, d, e)
	}
	return result.Uint64(), nil
}

// Pow10 returns 10^exp, failing once it leaves uint64.
func Pow10(exp uint32) (uint64, error) {
	if exp > 19 {
		return 0, fmt.Errorf("%w: 10^%d overflows", errs.ErrMath, exp)
	}
	v := uint64(1)
	for i := uint32(0); i < exp; i++ {
		v *= 10
	}
	return v, nil
}
