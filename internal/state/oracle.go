package state

import (
	"fmt"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
)

// OraclePriceData is one consistent oracle sample.
type OraclePriceData struct {
	Price                           int64  // PricePrecision
	Confidence                      uint64 // PricePrecision
	Delay                           int64  // slots since publish
	HasSufficientNumberOfDataPoints bool
}

// OracleMap is the per-call oracle snapshot. It is read once per instruction
// and never refreshed mid-call.
type OracleMap struct {
	prices map[OracleID]OraclePriceData
	Slot   uint64
}

func NewOracleMap(slot uint64) *OracleMap {
	return &OracleMap{prices: make(map[OracleID]OraclePriceData), Slot: slot}
}

func (m *OracleMap) Set(id OracleID, data OraclePriceData) {
	m.prices[id] = data
}

// Get returns the sample for id. The quote asset source always prices at 1.
func (m *OracleMap) Get(id OracleID, source OracleSource) (OraclePriceData, error) {
	if source == OracleSourceQuoteAsset {
		return OraclePriceData{
			Price:                           fpmath.PricePrecision,
			HasSufficientNumberOfDataPoints: true,
		}, nil
	}
	data, ok := m.prices[id]
	if !ok {
		return OraclePriceData{}, fmt.Errorf("%w: oracle %d not found", errs.ErrInvalidOracle, id)
	}
	return data, nil
}

// IDs returns the oracle ids held, in no particular order.
func (m *OracleMap) IDs() []OracleID {
	ids := make([]OracleID, 0, len(m.prices))
	for id := range m.prices {
		ids = append(ids, id)
	}
	return ids
}

// All copies every sample held.
func (m *OracleMap) All() map[OracleID]OraclePriceData {
	out := make(map[OracleID]OraclePriceData, len(m.prices))
	for id, d := range m.prices {
		out[id] = d
	}
	return out
}

// Clone copies the snapshot.
func (m *OracleMap) Clone() *OracleMap {
	c := NewOracleMap(m.Slot)
	for id, d := range m.prices {
		c.prices[id] = d
	}
	return c
}

type ValidityGuardRails struct {
	SlotsBeforeStaleForAmm    int64
	SlotsBeforeStaleForMargin int64
	// ConfidenceIntervalMaxSize is confidence/price in BidAskSpreadPrecision.
	ConfidenceIntervalMaxSize uint64
	TooVolatileRatio          int64
}

type PriceDivergenceGuardRails struct {
	MarkOraclePercentDivergence     uint64 // PercentagePrecision
	OracleTwap5MinPercentDivergence uint64 // PercentagePrecision
}

type OracleGuardRails struct {
	PriceDivergence PriceDivergenceGuardRails
	Validity        ValidityGuardRails
}

func DefaultOracleGuardRails() OracleGuardRails {
	return OracleGuardRails{
		PriceDivergence: PriceDivergenceGuardRails{
			MarkOraclePercentDivergence:     fpmath.PercentagePrecision / 10,
			OracleTwap5MinPercentDivergence: fpmath.PercentagePrecision / 2,
		},
		Validity: ValidityGuardRails{
			SlotsBeforeStaleForAmm:    10,
			SlotsBeforeStaleForMargin: 120,
			ConfidenceIntervalMaxSize: 20_000, // 2%
			TooVolatileRatio:          5,
		},
	}
}

type OracleValidity uint8

const (
	OracleInvalid OracleValidity = iota
	OracleTooVolatile
	OracleTooUncertain
	OracleStaleForMargin
	OracleInsufficientDataPoints
	OracleStaleForAMM
	OracleValid
)

func (v OracleValidity) String() string {
	switch v {
	case OracleInvalid:
		return "invalid"
	case OracleTooVolatile:
		return "too_volatile"
	case OracleTooUncertain:
		return "too_uncertain"
	case OracleStaleForMargin:
		return "stale_for_margin"
	case OracleInsufficientDataPoints:
		return "insufficient_data_points"
	case OracleStaleForAMM:
		return "stale_for_amm"
	default:
		return "valid"
	}
}

// Action is what a caller wants to do with an oracle price.
type Action uint8

const (
	ActionFillOrderAmm Action = iota
	ActionFillOrderMatch
	ActionLiquidate
	ActionMarginCalc
	ActionTriggerOrder
	ActionSettlePnl
	ActionUpdateFunding
	ActionOracleOrderPrice
)

// ClassifyOracle grades a sample against its twap and the guard rails.
func ClassifyOracle(data OraclePriceData, lastOracleTwap int64, rails ValidityGuardRails) OracleValidity {
	if data.Price <= 0 {
		return OracleInvalid
	}

	if lastOracleTwap > 0 && rails.TooVolatileRatio > 0 {
		hi, lo := fpmath.MaxI64(data.Price, lastOracleTwap), fpmath.MinI64(data.Price, lastOracleTwap)
		if hi/fpmath.MaxI64(lo, 1) > rails.TooVolatileRatio {
			return OracleTooVolatile
		}
	}

	if rails.ConfidenceIntervalMaxSize > 0 {
		confPct, err := fpmath.MulDivU(data.Confidence, fpmath.BidAskSpreadPrecision, uint64(data.Price))
		if err != nil || confPct > rails.ConfidenceIntervalMaxSize {
			return OracleTooUncertain
		}
	}

	if data.Delay > rails.SlotsBeforeStaleForMargin {
		return OracleStaleForMargin
	}
	if !data.HasSufficientNumberOfDataPoints {
		return OracleInsufficientDataPoints
	}
	if data.Delay > rails.SlotsBeforeStaleForAmm {
		return OracleStaleForAMM
	}
	return OracleValid
}

// IsValidForAction reports whether an action may proceed on a sample of this grade.
func (v OracleValidity) IsValidForAction(action Action) bool {
	switch action {
	case ActionFillOrderAmm:
		return v == OracleValid
	case ActionFillOrderMatch:
		return true
	case ActionTriggerOrder, ActionOracleOrderPrice:
		return v != OracleInvalid && v != OracleTooVolatile
	case ActionUpdateFunding:
		return v == OracleValid || v == OracleStaleForAMM
	default: // liquidate, margin, settle pnl
		return v != OracleInvalid && v != OracleTooVolatile &&
			v != OracleStaleForMargin && v != OracleInsufficientDataPoints
	}
}

// IsOracleTooDivergentWithTwap5Min reports a live price further than
// maxDivergence (PercentagePrecision) from its 5 minute twap.
func IsOracleTooDivergentWithTwap5Min(oraclePrice, twap5Min int64, maxDivergence uint64) (bool, error) {
	if twap5Min <= 0 {
		return false, nil
	}
	maxDelta, err := fpmath.MulDivU(uint64(twap5Min), maxDivergence, fpmath.PercentagePrecision)
	if err != nil {
		return false, err
	}
	delta, err := fpmath.SubI64(oraclePrice, twap5Min)
	if err != nil {
		return false, err
	}
	return fpmath.UnsignedAbs(delta) > maxDelta, nil
}
