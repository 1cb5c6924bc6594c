package auction

import (
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// defaultAuctionEndOffset is how far past the AMM's quote an unpriced market
// order is allowed to walk, 1% in PercentagePrecision.
const defaultAuctionEndOffset = fpmath.PercentagePrecision / 100

// Params is an auction schedule for a new order.
type Params struct {
	StartPrice int64
	EndPrice   int64
	Duration   uint8
}

// DefaultMarketOrderParams builds an auction for a market order placed
// without one. It starts at the better of the oracle and the AMM's quote and
// ends at the order's limit or 1% through the quote.
func DefaultMarketOrderParams(
	direction state.PositionDirection,
	oraclePrice int64,
	bid, ask uint64,
	limitPrice uint64,
	duration uint8,
) (Params, error) {
	quote := ask
	if direction == state.Short {
		quote = bid
	}
	q, err := fpmath.ToInt64(quote)
	if err != nil {
		return Params{}, err
	}
	off, err := fpmath.MulDivI64(q, int64(defaultAuctionEndOffset), int64(fpmath.PercentagePrecision), fpmath.RoundDown)
	if err != nil {
		return Params{}, err
	}

	var start, end int64
	if direction == state.Long {
		start = fpmath.MinI64(oraclePrice, q)
		end = q + off
	} else {
		start = fpmath.MaxI64(oraclePrice, q)
		end = fpmath.MaxI64(q-off, 1)
	}

	if limitPrice > 0 {
		limit, err := fpmath.ToInt64(limitPrice)
		if err != nil {
			return Params{}, err
		}
		end = limit
		if direction == state.Long {
			start = fpmath.MinI64(start, limit)
		} else {
			start = fpmath.MaxI64(start, limit)
		}
	}
	if start <= 0 {
		start = end
	}
	return Params{StartPrice: start, EndPrice: end, Duration: duration}, nil
}
