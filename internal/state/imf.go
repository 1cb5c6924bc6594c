package state

import (
	"github.com/holiman/uint256"

	fpmath "PerpRisk/internal/math"
)

// sizeSqrt returns sqrt(size * 10 + 1); a size in AMM reserve precision (1e9)
// comes back in 1e5.
func sizeSqrt(size uint64) uint64 {
	v := uint256.NewInt(size)
	v.Mul(v, uint256.NewInt(10))
	v.AddUint64(v, 1)
	return fpmath.SqrtU256(v).Uint64()
}

// CalculateSizePremiumLiabilityWeight scales a liability weight (or margin
// ratio) up with the square root of the position size. precision is the scale
// of liabilityWeight.
func CalculateSizePremiumLiabilityWeight(size uint64, imfFactor uint32, liabilityWeight uint32, precision uint64) (uint32, error) {
	if imfFactor == 0 {
		return liabilityWeight, nil
	}

	sqrt := sizeSqrt(size)
	lw := uint64(liabilityWeight)
	numerator := lw - lw/5

	denom, err := fpmath.DivU64(100_000*fpmath.SpotIMFPrecision, precision)
	if err != nil {
		return 0, err
	}
	premium, err := fpmath.MulDivU(sqrt, uint64(imfFactor), denom)
	if err != nil {
		return 0, err
	}
	premium, err = fpmath.AddU64(numerator, premium)
	if err != nil {
		return 0, err
	}
	weight, err := fpmath.ToUint32(premium)
	if err != nil {
		return 0, err
	}
	if weight > liabilityWeight {
		return weight, nil
	}
	return liabilityWeight, nil
}

// CalculateSizeDiscountAssetWeight scales an asset weight down with the square
// root of the position size.
func CalculateSizeDiscountAssetWeight(size uint64, imfFactor uint32, assetWeight uint32) (uint32, error) {
	if imfFactor == 0 {
		return assetWeight, nil
	}

	sqrt := sizeSqrt(size)
	imfNumerator := fpmath.SpotIMFPrecision + fpmath.SpotIMFPrecision/10

	scaled, err := fpmath.MulDivU(sqrt, uint64(imfFactor), 100_000)
	if err != nil {
		return 0, err
	}
	denom, err := fpmath.AddU64(fpmath.SpotIMFPrecision, scaled)
	if err != nil {
		return 0, err
	}
	discounted, err := fpmath.MulDivU(imfNumerator, fpmath.SpotWeightPrecision, denom)
	if err != nil {
		return 0, err
	}
	if discounted < uint64(assetWeight) {
		return uint32(discounted), nil
	}
	return assetWeight, nil
}
