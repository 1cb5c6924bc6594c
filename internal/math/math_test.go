package math_test

import (
	gomath "math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
)

// ============================================================================
// Checked integer arithmetic
// ============================================================================

func TestCheckedI64_Overflow(t *testing.T) {
	tests := []struct {
		name string
		op   func() (int64, error)
	}{
		{"add past max", func() (int64, error) { return fpmath.AddI64(gomath.MaxInt64, 1) }},
		{"add past min", func() (int64, error) { return fpmath.AddI64(gomath.MinInt64, -1) }},
		{"sub past min", func() (int64, error) { return fpmath.SubI64(gomath.MinInt64, 1) }},
		{"sub past max", func() (int64, error) { return fpmath.SubI64(gomath.MaxInt64, -1) }},
		{"min times -1", func() (int64, error) { return fpmath.MulI64(gomath.MinInt64, -1) }},
		{"-1 times min", func() (int64, error) { return fpmath.MulI64(-1, gomath.MinInt64) }},
		{"wraps to min", func() (int64, error) { return fpmath.MulI64(1<<32, 1<<31) }},
		{"min over -1", func() (int64, error) { return fpmath.DivI64(gomath.MinInt64, -1) }},
		{"divide by zero", func() (int64, error) { return fpmath.DivI64(1, 0) }},
		{"ceil divide by zero", func() (int64, error) { return fpmath.DivCeilI64(1, 0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.op()
			require.ErrorIs(t, err, errs.ErrMath)
		})
	}
}

func TestCheckedI64_Edges(t *testing.T) {
	v, err := fpmath.MulI64(gomath.MinInt64, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(gomath.MinInt64), v)

	v, err = fpmath.AddI64(gomath.MinInt64, gomath.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)

	v, err = fpmath.DivI64(-7, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), v, "truncates toward zero")

	v, err = fpmath.DivCeilI64(-7, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), v, "rounds away from zero")

	v, err = fpmath.DivCeilI64(7, -2)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), v)

	v, err = fpmath.DivCeilI64(-7, -2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
}

func TestCheckedU64(t *testing.T) {
	_, err := fpmath.AddU64(gomath.MaxUint64, 1)
	require.ErrorIs(t, err, errs.ErrMath)
	_, err = fpmath.SubU64(0, 1)
	require.ErrorIs(t, err, errs.ErrMath)
	_, err = fpmath.MulU64(1<<32, 1<<32)
	require.ErrorIs(t, err, errs.ErrMath)
	_, err = fpmath.DivU64(1, 0)
	require.ErrorIs(t, err, errs.ErrMath)
	_, err = fpmath.DivCeilU64(1, 0)
	require.ErrorIs(t, err, errs.ErrMath)

	v, err := fpmath.DivCeilU64(7, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)

	assert.Zero(t, fpmath.SaturatingSubU64(1, 2))
	assert.Equal(t, uint64(1)<<63, fpmath.UnsignedAbs(gomath.MinInt64))
	assert.Equal(t, uint64(gomath.MaxInt64), fpmath.UnsignedAbs(-gomath.MaxInt64))
}

// ============================================================================
// Casts
// ============================================================================

func TestCast_Rejects(t *testing.T) {
	_, err := fpmath.ToInt64(gomath.MaxUint64)
	require.ErrorIs(t, err, errs.ErrCasting)

	_, err = fpmath.ToUint64(-1)
	require.ErrorIs(t, err, errs.ErrCasting)

	_, err = fpmath.ToUint32(1 << 32)
	require.ErrorIs(t, err, errs.ErrCasting)

	_, err = fpmath.Cast[int8](int64(128))
	require.ErrorIs(t, err, errs.ErrCasting)

	_, err = fpmath.Cast[uint8](int8(-1))
	require.ErrorIs(t, err, errs.ErrCasting)

	// same bits both ways, different sign
	_, err = fpmath.Cast[int32](uint32(1 << 31))
	require.ErrorIs(t, err, errs.ErrCasting)
}

func TestCast_Accepts(t *testing.T) {
	v, err := fpmath.ToInt64(gomath.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(gomath.MaxInt64), v)

	u, err := fpmath.ToUint64(0)
	require.NoError(t, err)
	assert.Zero(t, u)

	i8, err := fpmath.Cast[int8](int64(-128))
	require.NoError(t, err)
	assert.Equal(t, int8(-128), i8)
}

// ============================================================================
// Mul-div rounding
// ============================================================================

func TestMulDivI64_Rounding(t *testing.T) {
	tests := []struct {
		a, b, c            int64
		down, up, halfEven int64
	}{
		{7, 1, 2, 3, 4, 4},
		{5, 1, 2, 2, 3, 2},
		{-7, 1, 2, -3, -4, -4},
		{-5, 1, 2, -2, -3, -2},
		{-7, -1, 2, 3, 4, 4},
		{7, 1, -2, -3, -4, -4},
		{-10, 3, 4, -7, -8, -8},
		{-9, 1, 4, -2, -3, -2},
		{-11, 1, 4, -2, -3, -3},
		{-8, 1, 4, -2, -2, -2},
	}
	for _, tt := range tests {
		for mode, want := range map[fpmath.RoundingMode]int64{
			fpmath.RoundDown:     tt.down,
			fpmath.RoundUp:       tt.up,
			fpmath.RoundHalfEven: tt.halfEven,
		} {
			got, err := fpmath.MulDivI64(tt.a, tt.b, tt.c, mode)
			require.NoError(t, err)
			assert.Equal(t, want, got, "%d * %d / %d in mode %d", tt.a, tt.b, tt.c, mode)
		}
	}
}

func TestMulDivI64_WideIntermediate(t *testing.T) {
	v, err := fpmath.MulDivI64(gomath.MaxInt64, gomath.MaxInt64, gomath.MaxInt64, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, int64(gomath.MaxInt64), v)

	v, err = fpmath.MulDivI64(gomath.MinInt64, 2, 2, fpmath.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, int64(gomath.MinInt64), v)

	_, err = fpmath.MulDivI64(gomath.MaxInt64, 2, 1, fpmath.RoundDown)
	require.ErrorIs(t, err, errs.ErrMath)
	_, err = fpmath.MulDivI64(gomath.MinInt64, -1, 1, fpmath.RoundDown)
	require.ErrorIs(t, err, errs.ErrMath)
	_, err = fpmath.MulDivI64(1, 1, 0, fpmath.RoundDown)
	require.ErrorIs(t, err, errs.ErrMath)
}

func TestMulDivU64(t *testing.T) {
	down, err := fpmath.MulDivU(7, 1, 2)
	require.NoError(t, err)
	up, err := fpmath.MulDivCeilU(7, 1, 2)
	require.NoError(t, err)
	even, err := fpmath.MulDivU64(5, 1, 2, fpmath.RoundHalfEven)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 2}, []uint64{down, up, even})

	v, err := fpmath.MulDivU(gomath.MaxUint64, gomath.MaxUint64, gomath.MaxUint64)
	require.NoError(t, err)
	assert.Equal(t, uint64(gomath.MaxUint64), v)

	_, err = fpmath.MulDivU(gomath.MaxUint64, 2, 1)
	require.ErrorIs(t, err, errs.ErrMath)
	_, err = fpmath.MulDivU(1, 1, 0)
	require.ErrorIs(t, err, errs.ErrMath)
}

func TestProductDivU(t *testing.T) {
	v, err := fpmath.ProductDivU(gomath.MaxUint64, gomath.MaxUint64, 3, gomath.MaxUint64, gomath.MaxUint64, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)

	v, err = fpmath.MulMulDivU(gomath.MaxUint64, 2, 3, 6, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(gomath.MaxUint64), v)

	_, err = fpmath.ProductDivU(1, 1, 1, 0, 1, fpmath.RoundDown)
	require.ErrorIs(t, err, errs.ErrMath)
	_, err = fpmath.MulMulDivU(1, 1, 1, 0, fpmath.RoundDown)
	require.ErrorIs(t, err, errs.ErrMath)
}

func TestPow10(t *testing.T) {
	v, err := fpmath.Pow10(19)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000_000_000_000_000), v)

	_, err = fpmath.Pow10(20)
	require.ErrorIs(t, err, errs.ErrMath)
}

// ============================================================================
// Square roots
// ============================================================================

func pow2(n uint) *uint256.Int {
	return new(uint256.Int).Lsh(uint256.NewInt(1), n)
}

func TestSqrtU256_FloorNear2To128(t *testing.T) {
	maxU64Squared := fpmath.SquareU64(gomath.MaxUint64)
	inputs := []*uint256.Int{
		new(uint256.Int).SubUint64(pow2(128), 1),
		pow2(128),
		new(uint256.Int).AddUint64(pow2(128), 1),
		pow2(127),
		new(uint256.Int).SubUint64(pow2(127), 1),
		maxU64Squared,
		new(uint256.Int).SubUint64(maxU64Squared, 1),
		pow2(254),
		uint256.NewInt(0),
		uint256.NewInt(1),
	}
	for _, x := range inputs {
		r := fpmath.SqrtU256(x)
		sq := new(uint256.Int).Mul(r, r)
		next := new(uint256.Int).AddUint64(r, 1)
		nextSq := new(uint256.Int).Mul(next, next)
		assert.False(t, sq.Gt(x), "sqrt(%s)=%s squares above input", x.Dec(), r.Dec())
		assert.True(t, nextSq.Gt(x), "sqrt(%s)=%s is not the floor", x.Dec(), r.Dec())
	}

	assert.Equal(t, uint64(gomath.MaxUint64), fpmath.SqrtU256(new(uint256.Int).SubUint64(pow2(128), 1)).Uint64())
	assert.True(t, fpmath.SqrtU256(pow2(128)).Eq(pow2(64)))
	assert.Equal(t, uint64(gomath.MaxUint64-1), fpmath.SqrtU256(new(uint256.Int).SubUint64(maxU64Squared, 1)).Uint64())
}

func TestSqrtU64(t *testing.T) {
	assert.Equal(t, uint64(gomath.MaxUint32), fpmath.SqrtU64(gomath.MaxUint64))
	assert.Equal(t, uint64(10), fpmath.SqrtU64(120))
	assert.Equal(t, uint64(11), fpmath.SqrtU64(121))
}

func TestU256Narrowing(t *testing.T) {
	_, err := fpmath.U256ToU64(pow2(64))
	require.ErrorIs(t, err, errs.ErrCasting)

	_, err = fpmath.DivU256(uint256.NewInt(1), 0)
	require.ErrorIs(t, err, errs.ErrMath)
	_, err = fpmath.DivCeilU256(uint256.NewInt(1), 0)
	require.ErrorIs(t, err, errs.ErrMath)

	v, err := fpmath.DivCeilU256(uint256.NewInt(7), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)

	v, err = fpmath.DivU256(pow2(64), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<63, v)
}

// ============================================================================
// Steps, twaps and funding
// ============================================================================

func TestStandardize(t *testing.T) {
	assert.Equal(t, uint64(100), fpmath.StandardizeU64(109, 10))
	assert.Equal(t, uint64(109), fpmath.StandardizeU64(109, 0))

	v, err := fpmath.StandardizeCeilU64(101, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), v)

	_, err = fpmath.StandardizeCeilU64(gomath.MaxUint64, 10)
	require.ErrorIs(t, err, errs.ErrMath)
}

func TestCalculateNewTwap(t *testing.T) {
	v, err := fpmath.CalculateNewTwap(110, 100, 30, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(105), v)

	v, err = fpmath.CalculateNewTwap(110, 100, 120, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(110), v, "a full period replaces the average")

	_, err = fpmath.CalculateNewTwap(gomath.MaxInt64, 1, 10, 20)
	require.ErrorIs(t, err, errs.ErrMath)

	_, err = fpmath.CalculateNewTwapU(gomath.MaxUint64, 1, 10, 20)
	require.ErrorIs(t, err, errs.ErrCasting)
}

func TestComputeFundingPayment_PayerRoundsUp(t *testing.T) {
	paid, err := fpmath.ComputeFundingPayment(1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), paid)

	received, err := fpmath.ComputeFundingPayment(-1, 1)
	require.NoError(t, err)
	assert.Zero(t, received)

	delta, err := fpmath.ComputeFundingRateDeltaForLoss(100_000_000, 10_000_000_000)
	require.NoError(t, err)
	long, err := fpmath.ComputeFundingPayment(delta, 5_000_000_000)
	require.NoError(t, err)
	short, err := fpmath.ComputeFundingPayment(-delta, -5_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(-50_000_000), long)
	assert.Equal(t, int64(-50_000_000), short)
}
