package orders

import (
	"PerpRisk/internal/amm"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// maxJitIntensity lets the AMM take up to twice the matched size.
const maxJitIntensity = 200

// calculateJitBaseAssetAmount is how much of a maker match the AMM takes for
// itself. The AMM only cuts in to shed inventory: a long taker needs users
// to be net short against the AMM, and the maker's price must be no worse
// for the AMM than its reserve price. Intensity is a percentage of the
// matched size; above 100 the AMM may fill more than the maker offered.
func calculateJitBaseAssetAmount(
	a *state.AMM,
	takerDirection state.PositionDirection,
	matched, takerUnfilled uint64,
	makerPrice uint64,
) (uint64, error) {
	if !a.AmmJitIsActive() || matched == 0 {
		return 0, nil
	}

	switch takerDirection {
	case state.Long:
		if a.BaseAssetAmountWithAmm >= 0 {
			return 0, nil
		}
	case state.Short:
		if a.BaseAssetAmountWithAmm <= 0 {
			return 0, nil
		}
	}

	reserve, err := amm.ReservePrice(a)
	if err != nil {
		return 0, err
	}
	if (takerDirection == state.Long && makerPrice < reserve) ||
		(takerDirection == state.Short && makerPrice > reserve) {
		return 0, nil
	}

	intensity := fpmath.MinU64(uint64(a.AmmJitIntensity), maxJitIntensity)
	jit, err := fpmath.MulDivU(matched, intensity, 100)
	if err != nil {
		return 0, err
	}
	jit = fpmath.MinU64(jit, takerUnfilled)
	jit = fpmath.MinU64(jit, fpmath.UnsignedAbs(a.BaseAssetAmountWithAmm))
	jit = fpmath.MinU64(jit, amm.CalculateMaxBaseAssetAmountFillable(a, takerDirection))
	return fpmath.StandardizeU64(jit, a.OrderStepSize), nil
}
