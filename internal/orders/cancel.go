package orders

import (
	"fmt"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	"PerpRisk/internal/position"
	"PerpRisk/internal/state"
)

// CancelFilter narrows CancelOrders. Nil fields match everything.
type CancelFilter struct {
	MarketType  *state.MarketType
	MarketIndex *uint16
	Direction   *state.PositionDirection
}

func (f CancelFilter) matches(o *state.Order) bool {
	if f.MarketType != nil && o.MarketType != *f.MarketType {
		return false
	}
	if f.MarketIndex != nil && o.MarketIndex != *f.MarketIndex {
		return false
	}
	if f.Direction != nil && o.Direction != *f.Direction {
		return false
	}
	return true
}

// CancelOrder cancels one open order by id.
func CancelOrder(env *state.Env, user *state.User, orderID uint32) (event.OrderActionRecord, error) {
	idx, err := user.GetOrderIndex(orderID)
	if err != nil {
		return event.OrderActionRecord{}, err
	}
	return CancelOrderAt(env, user, idx, event.ExplanationNone)
}

// CancelOrders cancels every open order matching filter and returns one
// record per cancelled order.
func CancelOrders(env *state.Env, user *state.User, filter CancelFilter, explanation event.OrderActionExplanation) ([]event.OrderActionRecord, error) {
	var records []event.OrderActionRecord
	for i := range user.Orders {
		o := &user.Orders[i]
		if !o.IsOpen() || !filter.matches(o) {
			continue
		}
		rec, err := CancelOrderAt(env, user, i, explanation)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// CancelOrderAt closes the open order in slot idx and releases its unfilled
// size from the position's open bids or asks.
func CancelOrderAt(env *state.Env, user *state.User, idx int, explanation event.OrderActionExplanation) (event.OrderActionRecord, error) {
	if idx < 0 || idx >= len(user.Orders) {
		return event.OrderActionRecord{}, fmt.Errorf("%w: order slot %d", errs.ErrOrderDoesNotExist, idx)
	}
	order := &user.Orders[idx]
	if !order.IsOpen() {
		return event.OrderActionRecord{}, fmt.Errorf("%w: order %d", errs.ErrOrderNotOpen, order.OrderID)
	}

	unfilled := order.BaseAssetAmountUnfilled()
	switch order.MarketType {
	case state.MarketTypePerp:
		pos, err := user.GetPerpPosition(order.MarketIndex)
		if err != nil {
			return event.OrderActionRecord{}, err
		}
		if err := position.DecreasePerpOpenOrders(pos, order.Direction, unfilled); err != nil {
			return event.OrderActionRecord{}, err
		}
	case state.MarketTypeSpot:
		pos, err := user.GetSpotPosition(order.MarketIndex)
		if err != nil {
			return event.OrderActionRecord{}, err
		}
		if err := position.DecreaseSpotOpenOrders(pos, order.Direction, unfilled); err != nil {
			return event.OrderActionRecord{}, err
		}
	}
	if user.OpenOrders > 0 {
		user.OpenOrders--
	}

	action := event.OrderActionCancel
	if explanation == event.ExplanationOrderExpired {
		action = event.OrderActionExpire
	}
	rec := event.OrderActionRecord{
		Ts:                        env.Now,
		Slot:                      env.Slot,
		Action:                    action,
		Explanation:               explanation,
		MarketIndex:               order.MarketIndex,
		MarketType:                order.MarketType,
		Taker:                     user.ID,
		TakerOrderID:              order.OrderID,
		TakerOrderDirection:       order.Direction,
		TakerOrderBaseAssetAmount: order.BaseAssetAmount,
		TakerOrderBaseFilled:      order.BaseAssetAmountFilled,
		TakerOrderQuoteFilled:     order.QuoteAssetAmountFilled,
	}
	*order = state.Order{Status: state.OrderStatusCanceled}
	return rec, nil
}
