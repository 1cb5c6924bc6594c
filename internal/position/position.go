// Package position books fills into a user's perp position and the market's
// long/short aggregates.
package position

import (
	"fmt"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// Delta is a signed change to a position. Buying base spends quote.
type Delta struct {
	BaseAssetAmount  int64
	QuoteAssetAmount int64
}

// UpdateType classifies how a delta changes a position.
type UpdateType uint8

const (
	UpdateOpen UpdateType = iota
	UpdateIncrease
	UpdateReduce
	UpdateClose
	UpdateFlip
)

func (t UpdateType) String() string {
	switch t {
	case UpdateOpen:
		return "open"
	case UpdateIncrease:
		return "increase"
	case UpdateReduce:
		return "reduce"
	case UpdateClose:
		return "close"
	default:
		return "flip"
	}
}

// GetPositionDeltaForFill turns an unsigned fill into a signed delta.
func GetPositionDeltaForFill(baseAssetAmount, quoteAssetAmount uint64, direction state.PositionDirection) (Delta, error) {
	base, err := fpmath.ToInt64(baseAssetAmount)
	if err != nil {
		return Delta{}, err
	}
	quote, err := fpmath.ToInt64(quoteAssetAmount)
	if err != nil {
		return Delta{}, err
	}
	if direction == state.Long {
		return Delta{BaseAssetAmount: base, QuoteAssetAmount: -quote}, nil
	}
	return Delta{BaseAssetAmount: -base, QuoteAssetAmount: quote}, nil
}

func GetPositionUpdateType(pos *state.PerpPosition, delta Delta) UpdateType {
	switch {
	case pos.BaseAssetAmount == 0:
		return UpdateOpen
	case (pos.BaseAssetAmount > 0) == (delta.BaseAssetAmount > 0):
		return UpdateIncrease
	}
	cur, d := fpmath.UnsignedAbs(pos.BaseAssetAmount), fpmath.UnsignedAbs(delta.BaseAssetAmount)
	switch {
	case d < cur:
		return UpdateReduce
	case d == cur:
		return UpdateClose
	default:
		return UpdateFlip
	}
}

// UpdatePositionAndMarket applies delta to pos and the market aggregates and
// returns the pnl it realizes. It does not touch BaseAssetAmountWithAmm; only
// AMM fills move that.
func UpdatePositionAndMarket(pos *state.PerpPosition, market *state.PerpMarket, delta Delta) (int64, error) {
	if pos.MarketIndex != market.MarketIndex {
		return 0, fmt.Errorf("%w: position %d, market %d", errs.ErrMarketIndexMismatch, pos.MarketIndex, market.MarketIndex)
	}
	if delta.BaseAssetAmount == 0 {
		return 0, UpdateQuoteAssetAmount(pos, market, delta.QuoteAssetAmount)
	}

	wasEmpty := pos.BaseAssetAmount == 0 && pos.QuoteAssetAmount == 0
	updateType := GetPositionUpdateType(pos, delta)
	a := &market.AMM

	var newEntry, newBreakEven, pnl int64
	var err error

	switch updateType {
	// Case 1: flat or same side -> the whole delta is new exposure
	case UpdateOpen, UpdateIncrease:
		if newEntry, err = fpmath.AddI64(pos.QuoteEntryAmount, delta.QuoteAssetAmount); err != nil {
			return 0, err
		}
		if newBreakEven, err = fpmath.AddI64(pos.QuoteBreakEvenAmount, delta.QuoteAssetAmount); err != nil {
			return 0, err
		}

	// Case 2: opposite side, not past zero -> release entry pro rata
	case UpdateReduce, UpdateClose:
		if newEntry, err = reduceProRata(pos.QuoteEntryAmount, delta.BaseAssetAmount, pos.BaseAssetAmount); err != nil {
			return 0, err
		}
		if newBreakEven, err = reduceProRata(pos.QuoteBreakEvenAmount, delta.BaseAssetAmount, pos.BaseAssetAmount); err != nil {
			return 0, err
		}
		if pnl, err = realized(pos.QuoteEntryAmount, newEntry, delta.QuoteAssetAmount); err != nil {
			return 0, err
		}

	// Case 3: past zero -> close everything, the remainder opens at the fill price
	case UpdateFlip:
		// part of delta.quote belonging to the new position
		closing, err := fpmath.MulDivI64(delta.QuoteAssetAmount, fpmath.Abs(pos.BaseAssetAmount), fpmath.Abs(delta.BaseAssetAmount), fpmath.RoundDown)
		if err != nil {
			return 0, err
		}
		if newEntry, err = fpmath.SubI64(delta.QuoteAssetAmount, closing); err != nil {
			return 0, err
		}
		newBreakEven = newEntry
		if pnl, err = realized(pos.QuoteEntryAmount, newEntry, delta.QuoteAssetAmount); err != nil {
			return 0, err
		}
	}

	newBase, err := fpmath.AddI64(pos.BaseAssetAmount, delta.BaseAssetAmount)
	if err != nil {
		return 0, err
	}

	if err := updateMarketAggregates(a, pos, delta, updateType, newBase, newEntry, newBreakEven); err != nil {
		return 0, err
	}

	switch updateType {
	case UpdateOpen:
		market.NumberOfUsersWithBase++
	case UpdateClose:
		market.NumberOfUsersWithBase--
	}

	pos.BaseAssetAmount = newBase
	pos.QuoteEntryAmount = newEntry
	pos.QuoteBreakEvenAmount = newBreakEven
	if pos.QuoteAssetAmount, err = fpmath.AddI64(pos.QuoteAssetAmount, delta.QuoteAssetAmount); err != nil {
		return 0, err
	}
	if a.QuoteAssetAmount, err = fpmath.AddI64(a.QuoteAssetAmount, delta.QuoteAssetAmount); err != nil {
		return 0, err
	}

	switch updateType {
	case UpdateOpen, UpdateFlip:
		pos.LastCumulativeFundingRate = market.CumulativeFundingRate(newBase)
	case UpdateClose:
		pos.LastCumulativeFundingRate = 0
	}

	isEmpty := pos.BaseAssetAmount == 0 && pos.QuoteAssetAmount == 0
	switch {
	case wasEmpty && !isEmpty:
		market.NumberOfUsers++
	case !wasEmpty && isEmpty:
		market.NumberOfUsers--
	}

	return pnl, nil
}

// reduceProRata removes |deltaBase|/|base| of amount, truncating.
func reduceProRata(amount, deltaBase, base int64) (int64, error) {
	released, err := fpmath.MulDivI64(amount, fpmath.Abs(deltaBase), fpmath.Abs(base), fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return fpmath.SubI64(amount, released)
}

// realized is the pnl of closing exposure: the entry released plus the quote
// received for it.
func realized(oldEntry, newEntry, deltaQuote int64) (int64, error) {
	released, err := fpmath.SubI64(oldEntry, newEntry)
	if err != nil {
		return 0, err
	}
	return fpmath.AddI64(released, deltaQuote)
}

func updateMarketAggregates(a *state.AMM, pos *state.PerpPosition, delta Delta, updateType UpdateType, newBase, newEntry, newBreakEven int64) error {
	var err error
	add := func(dst *int64, v int64) {
		if err != nil {
			return
		}
		*dst, err = fpmath.AddI64(*dst, v)
	}
	side := func(base int64) (baseAgg, entryAgg, beAgg *int64) {
		if base > 0 {
			return &a.BaseAssetAmountLong, &a.QuoteEntryAmountLong, &a.QuoteBreakEvenAmountLong
		}
		return &a.BaseAssetAmountShort, &a.QuoteEntryAmountShort, &a.QuoteBreakEvenAmountShort
	}

	switch updateType {
	case UpdateOpen, UpdateIncrease:
		b, e, be := side(newBase)
		add(b, delta.BaseAssetAmount)
		add(e, delta.QuoteAssetAmount)
		add(be, delta.QuoteAssetAmount)
	case UpdateReduce, UpdateClose:
		b, e, be := side(pos.BaseAssetAmount)
		add(b, delta.BaseAssetAmount)
		add(e, newEntry-pos.QuoteEntryAmount)
		add(be, newBreakEven-pos.QuoteBreakEvenAmount)
	case UpdateFlip:
		b, e, be := side(pos.BaseAssetAmount)
		add(b, -pos.BaseAssetAmount)
		add(e, -pos.QuoteEntryAmount)
		add(be, -pos.QuoteBreakEvenAmount)
		b, e, be = side(newBase)
		add(b, newBase)
		add(e, newEntry)
		add(be, newBreakEven)
	}
	return err
}

// UpdateQuoteAssetAmount moves quote in or out of a position without
// touching its base, keeping the user counter in step.
func UpdateQuoteAssetAmount(pos *state.PerpPosition, market *state.PerpMarket, delta int64) error {
	if delta == 0 {
		return nil
	}
	wasEmpty := pos.BaseAssetAmount == 0 && pos.QuoteAssetAmount == 0

	var err error
	if pos.QuoteAssetAmount, err = fpmath.AddI64(pos.QuoteAssetAmount, delta); err != nil {
		return err
	}
	if market.AMM.QuoteAssetAmount, err = fpmath.AddI64(market.AMM.QuoteAssetAmount, delta); err != nil {
		return err
	}

	isEmpty := pos.BaseAssetAmount == 0 && pos.QuoteAssetAmount == 0
	switch {
	case wasEmpty && !isEmpty:
		market.NumberOfUsers++
	case !wasEmpty && isEmpty:
		market.NumberOfUsers--
	}
	return nil
}

// UpdateQuoteAssetAndBreakEvenAmount books a fee or rebate: it moves quote
// and shifts the break-even of the position's side, leaving entry alone.
func UpdateQuoteAssetAndBreakEvenAmount(pos *state.PerpPosition, market *state.PerpMarket, delta int64) error {
	if err := UpdateQuoteAssetAmount(pos, market, delta); err != nil {
		return err
	}
	var err error
	if pos.QuoteBreakEvenAmount, err = fpmath.AddI64(pos.QuoteBreakEvenAmount, delta); err != nil {
		return err
	}
	switch {
	case pos.BaseAssetAmount > 0:
		market.AMM.QuoteBreakEvenAmountLong, err = fpmath.AddI64(market.AMM.QuoteBreakEvenAmountLong, delta)
	case pos.BaseAssetAmount < 0:
		market.AMM.QuoteBreakEvenAmountShort, err = fpmath.AddI64(market.AMM.QuoteBreakEvenAmountShort, delta)
	}
	return err
}

// EntryPrice is |quote_entry| / |base| in PricePrecision.
func EntryPrice(pos *state.PerpPosition) (uint64, error) {
	return pricePerBase(pos.QuoteEntryAmount, pos.BaseAssetAmount)
}

// BreakEvenPrice is |quote_break_even| / |base| in PricePrecision.
func BreakEvenPrice(pos *state.PerpPosition) (uint64, error) {
	return pricePerBase(pos.QuoteBreakEvenAmount, pos.BaseAssetAmount)
}

func pricePerBase(quote, base int64) (uint64, error) {
	if base == 0 {
		return 0, nil
	}
	return fpmath.MulDivU(fpmath.UnsignedAbs(quote), uint64(fpmath.PriceTimesAmmToQuotePrecisionRatio), fpmath.UnsignedAbs(base))
}
