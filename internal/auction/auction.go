// Package auction interpolates the limit price of an order during its
// slot-based auction window.
package auction

import (
	"fmt"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// IsAuctionComplete reports whether duration slots have passed since
// orderSlot. A zero duration is complete immediately.
func IsAuctionComplete(orderSlot uint64, duration uint8, slot uint64) bool {
	if duration == 0 {
		return true
	}
	if slot < orderSlot {
		return false
	}
	return slot-orderSlot >= uint64(duration)
}

// IsAmmAvailable reports whether an order may take AMM liquidity: its own
// auction is over and at least minAuctionDuration slots have passed.
func IsAmmAvailable(order *state.Order, minAuctionDuration uint8, slot uint64) bool {
	d := order.AuctionDuration
	if minAuctionDuration > d {
		d = minAuctionDuration
	}
	return IsAuctionComplete(order.Slot, d, slot)
}

// HasAuctionPrice reports an order whose price still comes from its auction.
func HasAuctionPrice(order *state.Order, slot uint64) bool {
	if IsAuctionComplete(order.Slot, order.AuctionDuration, slot) {
		return false
	}
	return order.AuctionStartPrice != 0 || order.AuctionEndPrice != 0 || order.OrderType == state.OrderTypeOracle
}

// CalculateAuctionPrice is the order's interpolated price at slot. Oracle
// orders auction an offset from oraclePrice; every other type auctions a
// fixed price. The result is tick standardized in the order's favour to the
// book: longs round down, shorts up.
func CalculateAuctionPrice(order *state.Order, slot uint64, tickSize uint64, oraclePrice int64) (uint64, error) {
	switch order.OrderType {
	case state.OrderTypeOracle:
		return calculateOracleOffsetAuctionPrice(order, slot, tickSize, oraclePrice)
	case state.OrderTypeMarket, state.OrderTypeLimit, state.OrderTypeTriggerMarket, state.OrderTypeTriggerLimit:
		return calculateFixedAuctionPrice(order, slot, tickSize)
	default:
		return 0, fmt.Errorf("%w: order type %s has no auction", errs.ErrInvalidOrder, order.OrderType)
	}
}

// interpolate moves from start toward end by elapsed/duration and clamps to
// the segment, so a rising auction never leaves [start, end] and a falling
// one never leaves [end, start].
func interpolate(start, end int64, orderSlot uint64, duration uint8, slot uint64) (int64, error) {
	if duration == 0 {
		return end, nil
	}
	var elapsed uint64
	if slot > orderSlot {
		elapsed = slot - orderSlot
	}
	elapsed = fpmath.MinU64(elapsed, uint64(duration))

	span, err := fpmath.SubI64(end, start)
	if err != nil {
		return 0, err
	}
	delta, err := fpmath.MulDivI64(span, int64(elapsed), int64(duration), fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	price, err := fpmath.AddI64(start, delta)
	if err != nil {
		return 0, err
	}
	return fpmath.ClampI64(price, fpmath.MinI64(start, end), fpmath.MaxI64(start, end)), nil
}

func calculateFixedAuctionPrice(order *state.Order, slot uint64, tickSize uint64) (uint64, error) {
	price, err := interpolate(order.AuctionStartPrice, order.AuctionEndPrice, order.Slot, order.AuctionDuration, slot)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: auction price %d", errs.ErrInvalidOrder, price)
	}
	return StandardizePrice(uint64(price), tickSize, order.Direction)
}

func calculateOracleOffsetAuctionPrice(order *state.Order, slot uint64, tickSize uint64, oraclePrice int64) (uint64, error) {
	offset, err := interpolate(order.AuctionStartPrice, order.AuctionEndPrice, order.Slot, order.AuctionDuration, slot)
	if err != nil {
		return 0, err
	}
	price, err := fpmath.AddI64(oraclePrice, offset)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: oracle offset auction price %d", errs.ErrInvalidOracle, price)
	}
	return StandardizePrice(uint64(price), tickSize, order.Direction)
}

// StandardizePrice rounds price to the tick: down for longs, up for shorts.
func StandardizePrice(price uint64, tickSize uint64, direction state.PositionDirection) (uint64, error) {
	if direction == state.Long {
		return fpmath.StandardizeU64(price, tickSize), nil
	}
	return fpmath.StandardizeCeilU64(price, tickSize)
}

// GetLimitPrice is the price an order may currently trade at: the auction
// price while its auction runs, else the oracle plus its offset, else its
// static price. ok is false for a market order past its auction.
func GetLimitPrice(order *state.Order, oraclePrice int64, slot uint64, tickSize uint64) (price uint64, ok bool, err error) {
	if HasAuctionPrice(order, slot) {
		p, err := CalculateAuctionPrice(order, slot, tickSize, oraclePrice)
		if err != nil {
			return 0, false, err
		}
		return p, true, nil
	}
	if order.HasOraclePriceOffset() {
		p, err := fpmath.AddI64(oraclePrice, int64(order.OraclePriceOffset))
		if err != nil {
			return 0, false, err
		}
		if p <= 0 {
			return 0, false, fmt.Errorf("%w: oracle offset price %d", errs.ErrInvalidOracle, p)
		}
		p64, err := StandardizePrice(uint64(p), tickSize, order.Direction)
		if err != nil {
			return 0, false, err
		}
		return p64, true, nil
	}
	if order.Price == 0 {
		return 0, false, nil
	}
	return order.Price, true, nil
}

// ValidateAuctionParams checks that an auction moves against its taker: a
// long's price rises, a short's falls.
func ValidateAuctionParams(order *state.Order) error {
	if order.AuctionDuration == 0 {
		return nil
	}
	switch order.Direction {
	case state.Long:
		if order.AuctionStartPrice > order.AuctionEndPrice {
			return fmt.Errorf("%w: long auction start %d above end %d", errs.ErrInvalidOrder, order.AuctionStartPrice, order.AuctionEndPrice)
		}
	case state.Short:
		if order.AuctionStartPrice < order.AuctionEndPrice {
			return fmt.Errorf("%w: short auction start %d below end %d", errs.ErrInvalidOrder, order.AuctionStartPrice, order.AuctionEndPrice)
		}
	}
	if order.OrderType != state.OrderTypeOracle && order.Price > 0 {
		limit, err := fpmath.ToInt64(order.Price)
		if err != nil {
			return err
		}
		if (order.Direction == state.Long && order.AuctionEndPrice > limit) ||
			(order.Direction == state.Short && order.AuctionEndPrice < limit) {
			return fmt.Errorf("%w: auction end %d crosses limit %d", errs.ErrInvalidOrder, order.AuctionEndPrice, limit)
		}
	}
	return nil
}
