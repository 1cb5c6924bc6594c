// Package funding settles cumulative funding into positions and moves the
// cumulative rates, both for the periodic premium and for socialized losses.
package funding

import (
	"fmt"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/position"
	"PerpRisk/internal/state"
)

// oneDay is the horizon the twap premium is quoted over.
const oneDay = 24 * fpmath.OneHour

// SettleFundingPayment charges or credits the funding a position accrued since
// its last snapshot. It returns nil when nothing was owed.
func SettleFundingPayment(user *state.User, pos *state.PerpPosition, market *state.PerpMarket, now int64) (*event.FundingPaymentRecord, error) {
	if pos.MarketIndex != market.MarketIndex {
		return nil, fmt.Errorf("%w: position %d, market %d", errs.ErrMarketIndexMismatch, pos.MarketIndex, market.MarketIndex)
	}
	if pos.BaseAssetAmount == 0 {
		return nil, nil
	}

	cumulative := market.CumulativeFundingRate(pos.BaseAssetAmount)
	if cumulative == pos.LastCumulativeFundingRate {
		return nil, nil
	}

	delta, err := fpmath.SubI64(cumulative, pos.LastCumulativeFundingRate)
	if err != nil {
		return nil, err
	}
	payment, err := fpmath.ComputeFundingPayment(delta, pos.BaseAssetAmount)
	if err != nil {
		return nil, err
	}

	record := &event.FundingPaymentRecord{
		Ts:                        now,
		User:                      user.ID,
		MarketIndex:               market.MarketIndex,
		FundingPayment:            payment,
		BaseAssetAmount:           pos.BaseAssetAmount,
		UserLastCumulativeFunding: pos.LastCumulativeFundingRate,
		AmmCumulativeFundingLong:  market.AMM.CumulativeFundingRateLong,
		AmmCumulativeFundingShort: market.AMM.CumulativeFundingRateShort,
	}

	if err := position.UpdateQuoteAssetAndBreakEvenAmount(pos, market, payment); err != nil {
		return nil, err
	}
	if user.CumulativePerpFunding, err = fpmath.AddI64(user.CumulativePerpFunding, payment); err != nil {
		return nil, err
	}
	pos.LastCumulativeFundingRate = cumulative
	return record, nil
}

// SettleFundingPayments settles every open perp position of user. Markets are
// fetched mutably, so each one holding a position must be writable.
func SettleFundingPayments(user *state.User, perpMarkets *state.PerpMarketMap, now int64) ([]event.FundingPaymentRecord, error) {
	var records []event.FundingPaymentRecord
	for i := range user.PerpPositions {
		pos := &user.PerpPositions[i]
		if pos.BaseAssetAmount == 0 {
			continue
		}
		market, err := perpMarkets.GetMut(pos.MarketIndex)
		if err != nil {
			return nil, err
		}
		record, err := SettleFundingPayment(user, pos, market, now)
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, *record)
		}
	}
	return records, nil
}

// IsFundingDue reports whether a full funding period elapsed since the last update.
func IsFundingDue(market *state.PerpMarket, now int64) bool {
	return now-market.AMM.LastFundingRateTs >= fundingPeriod(market)
}

func fundingPeriod(market *state.PerpMarket) int64 {
	if market.AMM.FundingPeriod <= 0 {
		return fpmath.OneHour
	}
	return market.AMM.FundingPeriod
}

// UpdateFundingRate moves the cumulative funding rates by the premium of the
// mark twap over the oracle twap, clamped by the contract tier. It is a no-op
// (nil record) before the period elapses, while funding is paused or when the
// oracle is not fit for funding.
func UpdateFundingRate(
	market *state.PerpMarket,
	oracles *state.OracleMap,
	guardRails state.OracleGuardRails,
	now int64,
) (*event.FundingRateRecord, error) {
	if market.Status == state.MarketStatusFundingPaused || !IsFundingDue(market, now) {
		return nil, nil
	}
	a := &market.AMM

	oracle, err := oracles.Get(a.Oracle, a.OracleSource)
	if err != nil {
		return nil, err
	}
	validity := state.ClassifyOracle(oracle, a.HistoricalOracleData.LastOraclePriceTwap, guardRails.Validity)
	if !validity.IsValidForAction(state.ActionUpdateFunding) {
		return nil, nil
	}
	if err := amm.UpdateOracleTwap(a, oracle, now); err != nil {
		return nil, err
	}
	if err := amm.UpdateMarkTwap(a, now); err != nil {
		return nil, err
	}

	oracleTwap := a.HistoricalOracleData.LastOraclePriceTwap
	if oracleTwap <= 0 {
		return nil, fmt.Errorf("%w: oracle twap %d", errs.ErrInvalidOracle, oracleTwap)
	}
	markTwap, err := fpmath.ToInt64(a.LastMarkPriceTwap)
	if err != nil {
		return nil, err
	}

	fundingRate, err := CalculateFundingRate(markTwap, oracleTwap, market.ContractTier, fundingPeriod(market))
	if err != nil {
		return nil, err
	}
	rateLong, rateShort, fundingPnl, err := CalculateFundingRateLongShort(market, fundingRate)
	if err != nil {
		return nil, err
	}

	if a.CumulativeFundingRateLong, err = fpmath.AddI64(a.CumulativeFundingRateLong, rateLong); err != nil {
		return nil, err
	}
	if a.CumulativeFundingRateShort, err = fpmath.AddI64(a.CumulativeFundingRateShort, rateShort); err != nil {
		return nil, err
	}
	if a.TotalFeeMinusDistributions, err = fpmath.AddI64(a.TotalFeeMinusDistributions, fundingPnl); err != nil {
		return nil, err
	}

	record := &event.FundingRateRecord{
		Ts:                         now,
		MarketIndex:                market.MarketIndex,
		FundingRate:                fundingRate,
		FundingRateLong:            rateLong,
		FundingRateShort:           rateShort,
		CumulativeFundingRateLong:  a.CumulativeFundingRateLong,
		CumulativeFundingRateShort: a.CumulativeFundingRateShort,
		OraclePriceTwap:            oracleTwap,
		MarkPriceTwap:              a.LastMarkPriceTwap,
		PeriodRevenue:              a.NetRevenueSinceLastFunding,
		BaseAssetAmountWithAmm:     a.BaseAssetAmountWithAmm,
	}

	a.LastFundingRate = fundingRate
	a.LastFundingRateTs = now
	a.NetRevenueSinceLastFunding = 0
	return record, nil
}

// CalculateFundingRate turns the mark/oracle twap spread into a rate in
// FundingRatePrecision for one period of the given length. The spread is
// clamped to the tier's maximum share of the oracle twap.
func CalculateFundingRate(markTwap, oracleTwap int64, tier state.ContractTier, period int64) (int64, error) {
	spread, err := fpmath.SubI64(markTwap, oracleTwap)
	if err != nil {
		return 0, err
	}
	maxSpreadU, err := fpmath.MulDivU(uint64(oracleTwap), tier.MaxFundingRate(), fpmath.PercentagePrecision)
	if err != nil {
		return 0, err
	}
	maxSpread, err := fpmath.ToInt64(maxSpreadU)
	if err != nil {
		return 0, err
	}
	spread = fpmath.ClampI64(spread, -maxSpread, maxSpread)

	scaled, err := fpmath.MulI64(spread, fpmath.FundingRateBuffer)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDivI64(scaled, period, oneDay, fpmath.RoundDown)
}

// CalculateFundingRateLongShort splits the rate between sides. The AMM is the
// counterparty of the net user position; when it owes funding beyond what its
// fees can pay, the receiving side is paid a reduced rate. fundingPnl is what
// the AMM books (negative when it pays).
func CalculateFundingRateLongShort(market *state.PerpMarket, fundingRate int64) (rateLong, rateShort, fundingPnl int64, err error) {
	a := &market.AMM
	if fundingRate == 0 {
		return 0, 0, 0, nil
	}

	ammPosition := -a.BaseAssetAmountWithAmm
	uncapped, err := fpmath.ComputeFundingPayment(fundingRate, ammPosition)
	if err != nil {
		return 0, 0, 0, err
	}
	if uncapped >= 0 {
		return fundingRate, fundingRate, uncapped, nil
	}

	budget := feePoolBudget(a)
	if fpmath.UnsignedAbs(uncapped) <= budget {
		return fundingRate, fundingRate, uncapped, nil
	}

	// users on the paying side fund the receivers together with the budget
	payerBase, receiverBase := a.BaseAssetAmountLong, a.BaseAssetAmountShort
	if fundingRate < 0 {
		payerBase, receiverBase = a.BaseAssetAmountShort, a.BaseAssetAmountLong
	}
	paid, err := fpmath.ComputeFundingPayment(fundingRate, payerBase)
	if err != nil {
		return 0, 0, 0, err
	}
	owed, err := fpmath.ComputeFundingPayment(fundingRate, receiverBase)
	if err != nil {
		return 0, 0, 0, err
	}
	available, err := fpmath.AddU64(fpmath.UnsignedAbs(paid), budget)
	if err != nil {
		return 0, 0, 0, err
	}
	cappedRate := int64(0)
	if owed != 0 {
		if cappedRate, err = fpmath.MulDivI64(fundingRate, int64(available), fpmath.Abs(owed), fpmath.RoundDown); err != nil {
			return 0, 0, 0, err
		}
	}

	fundingPnl = -int64(budget)
	if fundingRate > 0 {
		return fundingRate, cappedRate, fundingPnl, nil
	}
	return cappedRate, fundingRate, fundingPnl, nil
}

// feePoolBudget is what the AMM may spend on funding: fees collected beyond
// half of the exchange fees.
func feePoolBudget(a *state.AMM) uint64 {
	lowerBound := a.TotalExchangeFee / 2
	if a.TotalFeeMinusDistributions <= 0 {
		return 0
	}
	return fpmath.SaturatingSubU64(uint64(a.TotalFeeMinusDistributions), lowerBound)
}

// CalculateFundingRateDeltasToResolveBankruptcy spreads a loss (negative
// quote) across the market's open interest. Longs pay a positive delta on
// the long rate and shorts an equal negative delta on the short rate.
func CalculateFundingRateDeltasToResolveBankruptcy(loss int64, market *state.PerpMarket) (int64, error) {
	if loss >= 0 {
		return 0, nil
	}
	totalBase, err := fpmath.AddU64(
		fpmath.UnsignedAbs(market.AMM.BaseAssetAmountLong),
		fpmath.UnsignedAbs(market.AMM.BaseAssetAmountShort),
	)
	if err != nil {
		return 0, err
	}
	if totalBase == 0 {
		return 0, nil
	}
	return fpmath.ComputeFundingRateDeltaForLoss(fpmath.UnsignedAbs(loss), totalBase)
}

// SocializeLoss records a bankruptcy loss on the market and, when positions
// are open to carry it, applies the matching delta to both cumulative rates.
// With no open base the loss is still booked and the delta is zero.
func SocializeLoss(market *state.PerpMarket, loss int64) (int64, error) {
	if loss >= 0 {
		return 0, nil
	}
	delta, err := CalculateFundingRateDeltasToResolveBankruptcy(loss, market)
	if err != nil {
		return 0, err
	}
	a := &market.AMM
	if a.CumulativeSocialLoss, err = fpmath.AddI64(a.CumulativeSocialLoss, loss); err != nil {
		return 0, err
	}
	if a.TotalSocialLoss, err = fpmath.AddU64(a.TotalSocialLoss, fpmath.UnsignedAbs(loss)); err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, nil
	}
	if a.CumulativeFundingRateLong, err = fpmath.AddI64(a.CumulativeFundingRateLong, delta); err != nil {
		return 0, err
	}
	if a.CumulativeFundingRateShort, err = fpmath.SubI64(a.CumulativeFundingRateShort, delta); err != nil {
		return 0, err
	}
	return delta, nil
}
