// Package orders places, cancels, triggers and fills user orders. Fills match
// a taker against a resting maker order first and then the AMM.
package orders

import (
	"fmt"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/auction"
	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/position"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
)

// PlacePerpOrder validates params and rests a new perp order on user. Orders
// that leave the user below initial margin are rejected and the user is left
// untouched.
func PlacePerpOrder(env *state.Env, user *state.User, params state.OrderParams) (event.OrderActionRecord, error) {
	if err := checkUserCanTrade(user); err != nil {
		return event.OrderActionRecord{}, err
	}
	if params.MarketType != state.MarketTypePerp {
		return event.OrderActionRecord{}, fmt.Errorf("%w: perp order with market type %s", errs.ErrInvalidOrder, params.MarketType)
	}
	market, err := env.PerpMarkets.GetMut(params.MarketIndex)
	if err != nil {
		return event.OrderActionRecord{}, err
	}
	if !market.Status.CanFill() {
		return event.OrderActionRecord{}, fmt.Errorf("%w: perp market %d is %s", errs.ErrMarketStatus, market.MarketIndex, market.Status)
	}

	base, err := validateSize(params.BaseAssetAmount, market.AMM.OrderStepSize, market.AMM.MinOrderSize)
	if err != nil {
		return event.OrderActionRecord{}, err
	}
	if err := validateOrderType(params); err != nil {
		return event.OrderActionRecord{}, err
	}
	price := params.Price
	if price > 0 {
		if price, err = auction.StandardizePrice(price, market.AMM.OrderTickSize, params.Direction); err != nil {
			return event.OrderActionRecord{}, err
		}
	}
	if params.MaxTs != 0 && params.MaxTs < env.Now {
		return event.OrderActionRecord{}, fmt.Errorf("%w: max ts %d already passed", errs.ErrInvalidOrder, params.MaxTs)
	}

	var existing int64
	if pos, err := user.GetPerpPosition(market.MarketIndex); err == nil {
		existing = pos.BaseAssetAmount
	}
	mustReduce := params.ReduceOnly || market.IsReduceOnly() || user.IsReduceOnly()
	if mustReduce && !reduces(params.Direction, existing) {
		return event.OrderActionRecord{}, fmt.Errorf("%w: %s order on position %d", errs.ErrReduceOnly, params.Direction, existing)
	}

	oracle, err := env.Oracles.Get(market.AMM.Oracle, market.AMM.OracleSource)
	if err != nil {
		return event.OrderActionRecord{}, err
	}

	saved := *user

	idx, err := user.FreeOrderIndex()
	if err != nil {
		return event.OrderActionRecord{}, err
	}
	pos, err := user.ForceGetPerpPosition(market.MarketIndex)
	if err != nil {
		return event.OrderActionRecord{}, err
	}

	order := state.Order{
		Status:                    state.OrderStatusOpen,
		OrderType:                 params.OrderType,
		MarketType:                state.MarketTypePerp,
		Slot:                      env.Slot,
		OrderID:                   user.TakeNextOrderID(),
		UserOrderID:               params.UserOrderID,
		MarketIndex:               market.MarketIndex,
		Price:                     price,
		BaseAssetAmount:           base,
		Direction:                 params.Direction,
		ExistingPositionDirection: pos.Direction(),
		ReduceOnly:                mustReduce,
		PostOnly:                  params.PostOnly,
		ImmediateOrCancel:         params.ImmediateOrCancel,
		TriggerPrice:              params.TriggerPrice,
		TriggerCondition:          params.TriggerCondition,
		OraclePriceOffset:         params.OraclePriceOffset,
		AuctionDuration:           params.AuctionDuration,
		AuctionStartPrice:         params.AuctionStartPrice,
		AuctionEndPrice:           params.AuctionEndPrice,
		MaxTs:                     params.MaxTs,
	}

	if order.OrderType == state.OrderTypeMarket && order.AuctionStartPrice == 0 && order.AuctionEndPrice == 0 {
		if err := setDefaultAuction(env, market, &order, oracle.Price); err != nil {
			*user = saved
			return event.OrderActionRecord{}, err
		}
	}
	if err := auction.ValidateAuctionParams(&order); err != nil {
		*user = saved
		return event.OrderActionRecord{}, err
	}

	if err := position.IncreasePerpOpenOrders(pos, order.Direction, order.BaseAssetAmount); err != nil {
		*user = saved
		return event.OrderActionRecord{}, err
	}
	user.Orders[idx] = order
	user.OpenOrders++

	if !order.ReduceOnly {
		ok, err := margin.MeetsInitialMarginRequirement(user, env.PerpMarkets, env.SpotMarkets, env.Oracles, env.State.OracleGuardRails.Validity)
		if err != nil {
			*user = saved
			return event.OrderActionRecord{}, err
		}
		if !ok {
			*user = saved
			return event.OrderActionRecord{}, fmt.Errorf("%w: placing order in perp market %d", errs.ErrInsufficientCollateral, market.MarketIndex)
		}
	}

	return placeRecord(env, user, &user.Orders[idx], oracle.Price), nil
}

// PlaceSpotOrder rests a spot order. Spot orders are never filled here; they
// only widen the worst case the margin calculator simulates.
func PlaceSpotOrder(env *state.Env, user *state.User, params state.OrderParams) (event.OrderActionRecord, error) {
	if err := checkUserCanTrade(user); err != nil {
		return event.OrderActionRecord{}, err
	}
	if params.MarketType != state.MarketTypeSpot {
		return event.OrderActionRecord{}, fmt.Errorf("%w: spot order with market type %s", errs.ErrInvalidOrder, params.MarketType)
	}
	if params.MarketIndex == fpmath.QuoteSpotMarketIndex {
		return event.OrderActionRecord{}, fmt.Errorf("%w: quote market is not tradable", errs.ErrInvalidOrder)
	}
	market, err := env.SpotMarkets.GetMut(params.MarketIndex)
	if err != nil {
		return event.OrderActionRecord{}, err
	}
	if !market.Status.CanFill() {
		return event.OrderActionRecord{}, fmt.Errorf("%w: spot market %d is %s", errs.ErrMarketStatus, market.MarketIndex, market.Status)
	}

	base, err := validateSize(params.BaseAssetAmount, market.OrderStepSize, market.MinOrderSize)
	if err != nil {
		return event.OrderActionRecord{}, err
	}
	if params.OrderType.IsTrigger() || params.OrderType == state.OrderTypeOracle {
		return event.OrderActionRecord{}, fmt.Errorf("%w: %s spot orders are not supported", errs.ErrInvalidOrder, params.OrderType)
	}
	if params.Price == 0 {
		return event.OrderActionRecord{}, fmt.Errorf("%w: spot order needs a price", errs.ErrInvalidOrder)
	}
	price, err := auction.StandardizePrice(params.Price, market.OrderTickSize, params.Direction)
	if err != nil {
		return event.OrderActionRecord{}, err
	}

	var existing int64
	if pos, err := user.GetSpotPosition(market.MarketIndex); err == nil {
		if existing, err = spot.PositionTokenAmount(pos, market); err != nil {
			return event.OrderActionRecord{}, err
		}
	}
	if params.ReduceOnly && !reduces(params.Direction, existing) {
		return event.OrderActionRecord{}, fmt.Errorf("%w: %s spot order on balance %d", errs.ErrReduceOnly, params.Direction, existing)
	}

	oracle, err := env.Oracles.Get(market.Oracle, market.OracleSource)
	if err != nil {
		return event.OrderActionRecord{}, err
	}

	saved := *user

	idx, err := user.FreeOrderIndex()
	if err != nil {
		return event.OrderActionRecord{}, err
	}
	pos, err := user.ForceGetSpotPosition(market.MarketIndex)
	if err != nil {
		return event.OrderActionRecord{}, err
	}
	order := state.Order{
		Status:            state.OrderStatusOpen,
		OrderType:         params.OrderType,
		MarketType:        state.MarketTypeSpot,
		Slot:              env.Slot,
		OrderID:           user.TakeNextOrderID(),
		UserOrderID:       params.UserOrderID,
		MarketIndex:       market.MarketIndex,
		Price:             price,
		BaseAssetAmount:   base,
		Direction:         params.Direction,
		ReduceOnly:        params.ReduceOnly,
		PostOnly:          params.PostOnly,
		ImmediateOrCancel: params.ImmediateOrCancel,
		MaxTs:             params.MaxTs,
	}
	if err := position.IncreaseSpotOpenOrders(pos, order.Direction, order.BaseAssetAmount); err != nil {
		*user = saved
		return event.OrderActionRecord{}, err
	}
	user.Orders[idx] = order
	user.OpenOrders++

	ok, err := margin.MeetsInitialMarginRequirement(user, env.PerpMarkets, env.SpotMarkets, env.Oracles, env.State.OracleGuardRails.Validity)
	if err != nil {
		*user = saved
		return event.OrderActionRecord{}, err
	}
	if !ok {
		*user = saved
		return event.OrderActionRecord{}, fmt.Errorf("%w: placing order in spot market %d", errs.ErrInsufficientCollateral, market.MarketIndex)
	}

	return placeRecord(env, user, &user.Orders[idx], oracle.Price), nil
}

func checkUserCanTrade(user *state.User) error {
	if user.IsBankrupt() {
		return fmt.Errorf("%w: %s", errs.ErrUserBankrupt, user.ID)
	}
	if user.IsBeingLiquidated() {
		return fmt.Errorf("%w: %s", errs.ErrUserBeingLiquidated, user.ID)
	}
	return nil
}

// validateSize floors an order size to the step and enforces the minimum.
func validateSize(base, stepSize, minOrderSize uint64) (uint64, error) {
	standardized := fpmath.StandardizeU64(base, stepSize)
	if standardized == 0 {
		return 0, fmt.Errorf("%w: size %d below step %d", errs.ErrInvalidOrder, base, stepSize)
	}
	if standardized < minOrderSize {
		return 0, fmt.Errorf("%w: size %d below min %d", errs.ErrInvalidOrder, standardized, minOrderSize)
	}
	return standardized, nil
}

func validateOrderType(params state.OrderParams) error {
	switch params.OrderType {
	case state.OrderTypeLimit:
		if params.Price == 0 && params.OraclePriceOffset == 0 {
			return fmt.Errorf("%w: limit order needs a price or oracle offset", errs.ErrInvalidOrder)
		}
	case state.OrderTypeTriggerMarket:
		if params.TriggerPrice == 0 {
			return fmt.Errorf("%w: trigger order needs a trigger price", errs.ErrInvalidOrder)
		}
	case state.OrderTypeTriggerLimit:
		if params.TriggerPrice == 0 || params.Price == 0 {
			return fmt.Errorf("%w: trigger limit order needs trigger and limit prices", errs.ErrInvalidOrder)
		}
	case state.OrderTypeOracle:
		if params.AuctionDuration == 0 && params.OraclePriceOffset == 0 {
			return fmt.Errorf("%w: oracle order needs an auction or an offset", errs.ErrInvalidOrder)
		}
	case state.OrderTypeMarket:
	default:
		return fmt.Errorf("%w: unknown order type %d", errs.ErrInvalidOrder, params.OrderType)
	}
	if params.OrderType.IsTrigger() && params.TriggerCondition.Triggered() {
		return fmt.Errorf("%w: trigger condition must be above or below", errs.ErrInvalidOrder)
	}
	if params.PostOnly && (params.OrderType.IsMarketLike() || params.ImmediateOrCancel) {
		return fmt.Errorf("%w: post only %s order", errs.ErrInvalidOrder, params.OrderType)
	}
	return nil
}

// reduces reports whether trading direction shrinks a position of existing.
func reduces(direction state.PositionDirection, existing int64) bool {
	return (direction == state.Long && existing < 0) || (direction == state.Short && existing > 0)
}

// setDefaultAuction gives an unpriced market order an auction from the
// better of oracle and AMM quote toward its limit.
func setDefaultAuction(env *state.Env, market *state.PerpMarket, order *state.Order, oraclePrice int64) error {
	bid, ask, err := amm.BidAskPrice(&market.AMM)
	if err != nil {
		return err
	}
	duration := fpmath.MaxU64(uint64(order.AuctionDuration), uint64(env.State.MinPerpAuctionDuration))
	params, err := auction.DefaultMarketOrderParams(order.Direction, oraclePrice, bid, ask, order.Price, uint8(duration))
	if err != nil {
		return err
	}
	order.AuctionStartPrice = params.StartPrice
	order.AuctionEndPrice = params.EndPrice
	order.AuctionDuration = params.Duration
	return nil
}

func placeRecord(env *state.Env, user *state.User, order *state.Order, oraclePrice int64) event.OrderActionRecord {
	return event.OrderActionRecord{
		Ts:                        env.Now,
		Slot:                      env.Slot,
		Action:                    event.OrderActionPlace,
		MarketIndex:               order.MarketIndex,
		MarketType:                order.MarketType,
		Taker:                     user.ID,
		TakerOrderID:              order.OrderID,
		TakerOrderDirection:       order.Direction,
		TakerOrderBaseAssetAmount: order.BaseAssetAmount,
		OraclePrice:               oraclePrice,
	}
}
