package amm

import (
	"fmt"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// maxBidAskInventorySkewFactor caps how far inventory can widen a side, 10x.
const maxBidAskInventorySkewFactor = 10 * fpmath.BidAskSpreadPrecision

// CalculateSpreadReserves returns the reserve pair a trade in direction sees:
// ask reserves for longs, bid reserves for shorts. The quote reserve moves by
// half the side's spread and base is re-derived from k, so base * quote stays k.
func CalculateSpreadReserves(a *state.AMM, direction state.PositionDirection) (base uint64, quote uint64, err error) {
	spread := a.LongSpread
	if direction == state.Short {
		spread = a.ShortSpread
	}
	if spread == 0 {
		return a.BaseAssetReserve, a.QuoteAssetReserve, nil
	}

	half := uint64(spread) / 2
	if half == 0 {
		half = 1
	}
	// quote_delta = quote / (BID_ASK_SPREAD_PRECISION / (spread / 2))
	divisor := fpmath.BidAskSpreadPrecision / half
	if divisor == 0 {
		return 0, 0, fmt.Errorf("%w: spread %d exceeds precision", errs.ErrMath, spread)
	}
	delta := a.QuoteAssetReserve / divisor

	if direction == state.Long {
		quote, err = fpmath.AddU64(a.QuoteAssetReserve, delta)
	} else {
		quote, err = fpmath.SubU64(a.QuoteAssetReserve, delta)
	}
	if err != nil {
		return 0, 0, err
	}
	base, err = fpmath.DivU256(Invariant(a), quote)
	if err != nil {
		return 0, 0, err
	}
	return base, quote, nil
}

// CalculateInventoryScale returns a multiplier in BidAskSpreadPrecision that
// widens the side the AMM's inventory is exposed to.
func CalculateInventoryScale(
	baseAssetAmountWithAmm int64,
	baseAssetReserve, minBaseAssetReserve, maxBaseAssetReserve uint64,
	directionalSpread uint64,
	maxSpread uint64,
) (uint64, error) {
	if baseAssetAmountWithAmm == 0 {
		return fpmath.BidAskSpreadPrecision, nil
	}

	openBids, openAsks, err := CalculateMarketOpenBidAsk(baseAssetReserve, minBaseAssetReserve, maxBaseAssetReserve, 0)
	if err != nil {
		return 0, err
	}
	minSideLiquidity := fpmath.MaxU64(1, fpmath.MinU64(fpmath.UnsignedAbs(openBids), fpmath.UnsignedAbs(openAsks)))

	ratio, err := fpmath.MulDivU(fpmath.UnsignedAbs(baseAssetAmountWithAmm), fpmath.PercentagePrecision, minSideLiquidity)
	if err != nil {
		return 0, err
	}
	ratio = fpmath.MinU64(ratio, fpmath.PercentagePrecision)

	scaleMax := uint64(maxBidAskInventorySkewFactor)
	if directionalSpread > 0 {
		alt, err := fpmath.MulDivU(maxSpread, fpmath.BidAskSpreadPrecision, directionalSpread)
		if err != nil {
			return 0, err
		}
		scaleMax = fpmath.MaxU64(scaleMax, alt)
	}

	scaled, err := fpmath.MulDivU(scaleMax, ratio, fpmath.PercentagePrecision)
	if err != nil {
		return 0, err
	}
	return fpmath.MinU64(scaleMax, fpmath.BidAskSpreadPrecision+scaled), nil
}

// CalculateSpread derives the long (ask) and short (bid) spreads from the base
// spread, the oracle/reserve divergence, oracle confidence and the AMM's
// inventory, capped in total at the larger of max_spread and the divergence.
func CalculateSpread(a *state.AMM, reservePrice uint64, oraclePrice int64) (longSpread uint32, shortSpread uint32, err error) {
	long := uint64(a.BaseSpread / 2)
	short := uint64(a.BaseSpread / 2)

	divergencePct, err := ReservePriceDivergencePct(reservePrice, oraclePrice)
	if err != nil {
		return 0, 0, err
	}

	confComponent := a.LastOracleConfPct
	if confComponent <= fpmath.PricePrecisionU64/400 {
		confComponent /= 10
	}
	long = fpmath.MaxU64(long, confComponent)
	short = fpmath.MaxU64(short, confComponent)

	// mark above oracle: widen the bid so shorts are not paid the premium
	if divergencePct > 0 {
		short = fpmath.MaxU64(short, fpmath.UnsignedAbs(divergencePct)+confComponent)
	} else if divergencePct < 0 {
		long = fpmath.MaxU64(long, fpmath.UnsignedAbs(divergencePct)+confComponent)
	}

	maxTarget := fpmath.MaxU64(uint64(a.MaxSpread), fpmath.UnsignedAbs(divergencePct))

	directional := short
	if a.BaseAssetAmountWithAmm > 0 {
		directional = long
	}
	scale, err := CalculateInventoryScale(
		a.BaseAssetAmountWithAmm,
		a.BaseAssetReserve, a.MinBaseAssetReserve, a.MaxBaseAssetReserve,
		directional, maxTarget,
	)
	if err != nil {
		return 0, 0, err
	}
	if a.BaseAssetAmountWithAmm > 0 {
		if long, err = fpmath.MulDivU(long, scale, fpmath.BidAskSpreadPrecision); err != nil {
			return 0, 0, err
		}
	} else if a.BaseAssetAmountWithAmm < 0 {
		if short, err = fpmath.MulDivU(short, scale, fpmath.BidAskSpreadPrecision); err != nil {
			return 0, 0, err
		}
	}

	if total := long + short; maxTarget > 0 && total > maxTarget {
		if long > short {
			if long, err = fpmath.MulDivCeilU(long, maxTarget, total); err != nil {
				return 0, 0, err
			}
			long = fpmath.MinU64(long, maxTarget)
			short = maxTarget - long
		} else {
			if short, err = fpmath.MulDivCeilU(short, maxTarget, total); err != nil {
				return 0, 0, err
			}
			short = fpmath.MinU64(short, maxTarget)
			long = maxTarget - short
		}
	}

	l, err := fpmath.ToUint32(long)
	if err != nil {
		return 0, 0, err
	}
	s, err := fpmath.ToUint32(short)
	if err != nil {
		return 0, 0, err
	}
	return l, s, nil
}

// ReservePriceDivergencePct is (reserve - oracle) / reserve in BidAskSpreadPrecision.
func ReservePriceDivergencePct(reservePrice uint64, oraclePrice int64) (int64, error) {
	if reservePrice == 0 || oraclePrice <= 0 {
		return 0, nil
	}
	rp, err := fpmath.ToInt64(reservePrice)
	if err != nil {
		return 0, err
	}
	diff, err := fpmath.SubI64(rp, oraclePrice)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDivI64(diff, int64(fpmath.BidAskSpreadPrecision), rp, fpmath.RoundDown)
}

// UpdateSpreads recomputes both spreads against oraclePrice and stores the
// matching bid and ask reserve pairs.
func UpdateSpreads(a *state.AMM, oraclePrice int64) error {
	reservePrice, err := ReservePrice(a)
	if err != nil {
		return err
	}
	if a.LastOracleReservePriceSpreadPct, err = ReservePriceDivergencePct(reservePrice, oraclePrice); err != nil {
		return err
	}

	long, short, err := CalculateSpread(a, reservePrice, oraclePrice)
	if err != nil {
		return err
	}
	a.LongSpread = long
	a.ShortSpread = short

	if a.AskBaseAssetReserve, a.AskQuoteAssetReserve, err = CalculateSpreadReserves(a, state.Long); err != nil {
		return err
	}
	if a.BidBaseAssetReserve, a.BidQuoteAssetReserve, err = CalculateSpreadReserves(a, state.Short); err != nil {
		return err
	}
	return nil
}
