// Package amm prices and trades against a perp market's virtual constant
// product reserves.
package amm

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// CalculatePrice is the constant product price of a reserve pair:
// quote * peg * PRICE_PRECISION / (base * PEG_PRECISION).
func CalculatePrice(quoteAssetReserve, baseAssetReserve, pegMultiplier uint64) (uint64, error) {
	if baseAssetReserve == 0 {
		return 0, fmt.Errorf("%w: zero base asset reserve", errs.ErrMath)
	}
	// nested floor divisions equal one floor of the full product
	p, err := fpmath.MulMulDivU(quoteAssetReserve, pegMultiplier, fpmath.PricePrecisionU64, baseAssetReserve, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return p / fpmath.PegPrecision, nil
}

// ReservePrice is the mid price of the AMM without spread.
func ReservePrice(a *state.AMM) (uint64, error) {
	return CalculatePrice(a.QuoteAssetReserve, a.BaseAssetReserve, a.PegMultiplier)
}

// BidPrice is the price the AMM pays for base, from the bid reserves.
func BidPrice(a *state.AMM) (uint64, error) {
	return CalculatePrice(a.BidQuoteAssetReserve, a.BidBaseAssetReserve, a.PegMultiplier)
}

// AskPrice is the price the AMM sells base at, from the ask reserves.
func AskPrice(a *state.AMM) (uint64, error) {
	return CalculatePrice(a.AskQuoteAssetReserve, a.AskBaseAssetReserve, a.PegMultiplier)
}

// BidAskPrice returns both sides computed from fresh spread reserves rather
// than the stored pairs.
func BidAskPrice(a *state.AMM) (bid uint64, ask uint64, err error) {
	bidBase, bidQuote, err := CalculateSpreadReserves(a, state.Short)
	if err != nil {
		return 0, 0, err
	}
	askBase, askQuote, err := CalculateSpreadReserves(a, state.Long)
	if err != nil {
		return 0, 0, err
	}
	if bid, err = CalculatePrice(bidQuote, bidBase, a.PegMultiplier); err != nil {
		return 0, 0, err
	}
	if ask, err = CalculatePrice(askQuote, askBase, a.PegMultiplier); err != nil {
		return 0, 0, err
	}
	return fpmath.MaxU64(bid, 1), fpmath.MaxU64(ask, 1), nil
}

// Invariant returns k = sqrt_k².
func Invariant(a *state.AMM) *uint256.Int {
	return fpmath.SquareU64(a.SqrtK)
}

// CalculateBidAskBounds returns the base reserve range a concentration
// coefficient allows around sqrt_k.
func CalculateBidAskBounds(concentrationCoef, sqrtK uint64) (minBase uint64, maxBase uint64, err error) {
	if concentrationCoef <= fpmath.ConcentrationPrecision {
		return 0, 0, fmt.Errorf("%w: concentration coefficient %d", errs.ErrInvalidAmount, concentrationCoef)
	}
	// worst case about 1.414x in either direction
	if minBase, err = fpmath.MulDivU(sqrtK, fpmath.ConcentrationPrecision, concentrationCoef); err != nil {
		return 0, 0, err
	}
	if maxBase, err = fpmath.MulDivU(sqrtK, concentrationCoef, fpmath.ConcentrationPrecision); err != nil {
		return 0, 0, err
	}
	return minBase, maxBase, nil
}

// UpdateConcentration sets a new coefficient and recomputes the reserve bounds.
func UpdateConcentration(a *state.AMM, concentrationCoef uint64) error {
	if concentrationCoef > fpmath.MaxConcentrationCoefficient {
		return fmt.Errorf("%w: concentration coefficient %d above max", errs.ErrInvalidAmount, concentrationCoef)
	}
	minBase, maxBase, err := CalculateBidAskBounds(concentrationCoef, a.SqrtK)
	if err != nil {
		return err
	}
	a.ConcentrationCoef = concentrationCoef
	a.MinBaseAssetReserve = minBase
	a.MaxBaseAssetReserve = maxBase
	return nil
}

// CalculateMarketOpenBidAsk is the base the AMM can still absorb on each side
// before hitting its reserve bounds. Asks are returned negative.
func CalculateMarketOpenBidAsk(baseAssetReserve, minBaseAssetReserve, maxBaseAssetReserve, stepSize uint64) (openBids int64, openAsks int64, err error) {
	if minBaseAssetReserve < baseAssetReserve {
		asks := baseAssetReserve - minBaseAssetReserve
		if stepSize == 0 || asks/2 >= stepSize {
			v, err := fpmath.ToInt64(asks)
			if err != nil {
				return 0, 0, err
			}
			openAsks = -v
		}
	}
	if maxBaseAssetReserve > baseAssetReserve {
		bids := maxBaseAssetReserve - baseAssetReserve
		if stepSize == 0 || bids/2 >= stepSize {
			if openBids, err = fpmath.ToInt64(bids); err != nil {
				return 0, 0, err
			}
		}
	}
	return openBids, openAsks, nil
}
