package amm

import (
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// UpdateHistoricalOracleData folds a new oracle sample into the hourly and
// five minute twaps. A sample older than the last update is ignored.
func UpdateHistoricalOracleData(h *state.HistoricalOracleData, data state.OraclePriceData, now int64) error {
	if data.Price <= 0 || now < h.LastOraclePriceTwapTs {
		return nil
	}
	sinceLast := now - h.LastOraclePriceTwapTs
	if h.LastOraclePriceTwapTs == 0 {
		sinceLast = 0
	}

	twap, err := fpmath.CalculateNewTwap(data.Price, h.LastOraclePriceTwap, sinceLast, fpmath.OneHour)
	if err != nil {
		return err
	}
	twap5, err := fpmath.CalculateNewTwap(data.Price, h.LastOraclePriceTwap5Min, sinceLast, fpmath.FiveMinutes)
	if err != nil {
		return err
	}

	h.LastOraclePrice = data.Price
	h.LastOracleConf = data.Confidence
	h.LastOracleDelay = data.Delay
	h.LastOraclePriceTwap = twap
	h.LastOraclePriceTwap5Min = twap5
	h.LastOraclePriceTwapTs = now
	return nil
}

// UpdateOracleTwap records an oracle sample on the AMM and refreshes the
// confidence component used by the spread.
func UpdateOracleTwap(a *state.AMM, data state.OraclePriceData, now int64) error {
	if err := UpdateHistoricalOracleData(&a.HistoricalOracleData, data, now); err != nil {
		return err
	}
	if data.Price > 0 {
		pct, err := fpmath.MulDivU(data.Confidence, fpmath.BidAskSpreadPrecision, uint64(data.Price))
		if err != nil {
			return err
		}
		a.LastOracleConfPct = pct
	}
	return nil
}

// UpdateMarkTwap folds the current bid/ask midpoint into the mark twaps.
// The funding period is the long window.
func UpdateMarkTwap(a *state.AMM, now int64) error {
	bid, ask, err := BidAskPrice(a)
	if err != nil {
		return err
	}
	mid := (bid + ask) / 2

	sinceLast := fpmath.MaxI64(0, now-a.LastMarkPriceTwapTs)
	if a.LastMarkPriceTwapTs == 0 {
		sinceLast = 0
	}
	period := a.FundingPeriod
	if period <= 0 {
		period = fpmath.OneHour
	}

	twap, err := fpmath.CalculateNewTwapU(mid, a.LastMarkPriceTwap, sinceLast, period)
	if err != nil {
		return err
	}
	twap5, err := fpmath.CalculateNewTwapU(mid, a.LastMarkPriceTwap5Min, sinceLast, fpmath.FiveMinutes)
	if err != nil {
		return err
	}
	a.LastMarkPriceTwap = twap
	a.LastMarkPriceTwap5Min = twap5
	a.LastMarkPriceTwapTs = now
	return nil
}
