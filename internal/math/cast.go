package math

import (
	"fmt"

	"PerpRisk/internal/errs"
)

type integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Cast converts between integer widths, failing with errs.ErrCasting when the
// value does not survive the round trip or changes sign.
func Cast[T, F integer](v F) (T, error) {
	t := T(v)
	if F(t) != v || (v < 0) != (t < 0) {
		return 0, fmt.Errorf("%w: %d does not fit %T", errs.ErrCasting, v, t)
	}
	return t, nil
}

func ToInt64(v uint64) (int64, error)   { return Cast[int64](v) }
func ToUint64(v int64) (uint64, error)  { return Cast[uint64](v) }
func ToUint32(v uint64) (uint32, error) { return Cast[uint32](v) }
