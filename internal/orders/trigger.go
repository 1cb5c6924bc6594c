package orders

import (
	"fmt"

	"github.com/google/uuid"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	"PerpRisk/internal/state"
)

// TriggerOrder arms a trigger order once the oracle has crossed its trigger
// price. A triggered market order starts a fresh auction from this slot.
func TriggerOrder(env *state.Env, user *state.User, orderID uint32, filler uuid.UUID) (event.OrderActionRecord, error) {
	idx, err := user.GetOrderIndex(orderID)
	if err != nil {
		return event.OrderActionRecord{}, err
	}
	order := &user.Orders[idx]
	if !order.MustBeTriggered() {
		return event.OrderActionRecord{}, fmt.Errorf("%w: order %d is not an untriggered trigger order", errs.ErrInvalidOrder, orderID)
	}
	if order.MarketType != state.MarketTypePerp {
		return event.OrderActionRecord{}, fmt.Errorf("%w: trigger orders are perp only", errs.ErrInvalidOrder)
	}
	market, err := env.PerpMarkets.Get(order.MarketIndex)
	if err != nil {
		return event.OrderActionRecord{}, err
	}

	oracle, validity, err := perpOracle(env, market)
	if err != nil {
		return event.OrderActionRecord{}, err
	}
	if !validity.IsValidForAction(state.ActionTriggerOrder) {
		return event.OrderActionRecord{}, fmt.Errorf("%w: perp market %d oracle is %s", errs.ErrInvalidOracle, market.MarketIndex, validity)
	}

	price := uint64(oracle.Price)
	switch order.TriggerCondition {
	case state.TriggerAbove:
		if price <= order.TriggerPrice {
			return event.OrderActionRecord{}, fmt.Errorf("%w: oracle %d not above trigger %d", errs.ErrInvalidOrder, price, order.TriggerPrice)
		}
		order.TriggerCondition = state.TriggeredAbove
	case state.TriggerBelow:
		if price >= order.TriggerPrice {
			return event.OrderActionRecord{}, fmt.Errorf("%w: oracle %d not below trigger %d", errs.ErrInvalidOrder, price, order.TriggerPrice)
		}
		order.TriggerCondition = state.TriggeredBelow
	}
	order.Slot = env.Slot

	if order.OrderType == state.OrderTypeTriggerMarket && order.AuctionStartPrice == 0 && order.AuctionEndPrice == 0 {
		if err := setDefaultAuction(env, market, order, oracle.Price); err != nil {
			return event.OrderActionRecord{}, err
		}
	}

	return event.OrderActionRecord{
		Ts:                        env.Now,
		Slot:                      env.Slot,
		Action:                    event.OrderActionTrigger,
		MarketIndex:               order.MarketIndex,
		MarketType:                order.MarketType,
		Filler:                    filler,
		Taker:                     user.ID,
		TakerOrderID:              order.OrderID,
		TakerOrderDirection:       order.Direction,
		TakerOrderBaseAssetAmount: order.BaseAssetAmount,
		OraclePrice:               oracle.Price,
	}, nil
}

// perpOracle reads the market's oracle and grades it against its twap.
func perpOracle(env *state.Env, market *state.PerpMarket) (state.OraclePriceData, state.OracleValidity, error) {
	data, err := env.Oracles.Get(market.AMM.Oracle, market.AMM.OracleSource)
	if err != nil {
		return state.OraclePriceData{}, 0, err
	}
	validity := state.ClassifyOracle(data, market.AMM.HistoricalOracleData.LastOraclePriceTwap, env.State.OracleGuardRails.Validity)
	return data, validity, nil
}
