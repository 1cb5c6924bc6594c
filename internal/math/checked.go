package math

import (
	"fmt"
	"math"
	"math/bits"

	"PerpRisk/internal/errs"
)

// Checked arithmetic. Every failure wraps errs.ErrMath so callers can abort
// the whole instruction instead of committing a wrapped value.

func AddI64(a, b int64) (int64, error) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, fmt.Errorf("%w: %d + %d overflows", errs.ErrMath, a, b)
	}
	return c, nil
}

func SubI64(a, b int64) (int64, error) {
	c := a - b
	if (b > 0 && c > a) || (b < 0 && c < a) {
		return 0, fmt.Errorf("%w: %d - %d overflows", errs.ErrMath, a, b)
	}
	return c, nil
}

func MulI64(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	c := a * b
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) || c/b != a {
		return 0, fmt.Errorf("%w: %d * %d overflows", errs.ErrMath, a, b)
	}
	return c, nil
}

// DivI64 truncates toward zero.
func DivI64(a, b int64) (int64, error) {
	if b == 0 {
		return 0, fmt.Errorf("%w: division by zero", errs.ErrMath)
	}
	if a == math.MinInt64 && b == -1 {
		return 0, fmt.Errorf("%w: %d / -1 overflows", errs.ErrMath, a)
	}
	return a / b, nil
}

// DivCeilI64 rounds away from zero.
func DivCeilI64(a, b int64) (int64, error) {
	q, err := DivI64(a, b)
	if err != nil {
		return 0, err
	}
	if a%b != 0 {
		if (a < 0) == (b < 0) {
			return AddI64(q, 1)
		}
		return SubI64(q, 1)
	}
	return q, nil
}

func AddU64(a, b uint64) (uint64, error) {
	c, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d overflows", errs.ErrMath, a, b)
	}
	return c, nil
}

func SubU64(a, b uint64) (uint64, error) {
	c, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %d - %d underflows", errs.ErrMath, a, b)
	}
	return c, nil
}

func MulU64(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d * %d overflows", errs.ErrMath, a, b)
	}
	return lo, nil
}

func DivU64(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, fmt.Errorf("%w: division by zero", errs.ErrMath)
	}
	return a / b, nil
}

func DivCeilU64(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, fmt.Errorf("%w: division by zero", errs.ErrMath)
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q, nil
}

// SaturatingSubU64 floors at zero.
func SaturatingSubU64(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// UnsignedAbs never overflows, unlike negating math.MinInt64.
func UnsignedAbs(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}

// Abs wraps for math.MinInt64; position sizes never reach it.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func Sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func MinU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func MaxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func MinI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func MaxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func ClampI64(v, lo, hi int64) int64 {
	return MaxI64(lo, MinI64(v, hi))
}
