package liquidation

import (
	"errors"
	"fmt"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/position"
	"PerpRisk/internal/state"
)

// LiquidatePerp transfers up to maxBaseAssetAmount of the user's position in
// marketIndex to the liquidator at the oracle price. The liquidator keeps
// LiquidatorFee of the value and the user pays IfLiquidationFee into the
// market's fee pool on top. A user whose only exposure was resting orders is
// liquidated by cancelling them, without a transfer.
//
// limitPrice, when set, is the worst price the liquidator accepts.
func LiquidatePerp(
	env *state.Env,
	user, liquidator *state.User,
	marketIndex uint16,
	maxBaseAssetAmount uint64,
	limitPrice *uint64,
) (Result, error) {
	s, err := newSession(env, user, liquidator, event.LiquidationTypePerp)
	if err != nil {
		return Result{}, err
	}
	market, err := env.PerpMarkets.GetMut(marketIndex)
	if err != nil {
		return Result{}, err
	}
	detail := &event.LiquidatePerpDetail{MarketIndex: marketIndex}
	s.res.Record.LiquidatePerp = detail

	if err := s.settleFunding(market); err != nil {
		return Result{}, err
	}
	s.ctx = s.ctx.TrackPerpMarket(marketIndex)

	done, err := s.begin()
	if err != nil || done {
		return s.res, err
	}

	userPos, err := user.GetPerpPosition(marketIndex)
	switch {
	case errors.Is(err, errs.ErrPositionNotFound):
		return s.finish()
	case err != nil:
		return Result{}, err
	case userPos.BaseAssetAmount == 0:
		return s.finish()
	}

	oracle, err := env.Oracles.Get(market.AMM.Oracle, market.AMM.OracleSource)
	if err != nil {
		return Result{}, err
	}
	validity := state.ClassifyOracle(oracle, market.AMM.HistoricalOracleData.LastOraclePriceTwap, env.State.OracleGuardRails.Validity)
	if !validity.IsValidForAction(state.ActionLiquidate) {
		return Result{}, fmt.Errorf("%w: perp market %d oracle %s", errs.ErrInvalidOracle, marketIndex, validity)
	}
	detail.OraclePrice = oracle.Price

	userBase := fpmath.UnsignedAbs(userPos.BaseAssetAmount)
	ratio, err := market.GetMarginRatio(userBase, state.MarginMaintenance)
	if err != nil {
		return Result{}, err
	}
	cover, err := calculateBaseAssetAmountToCoverMarginShortage(s.calc.MarginShortage(),
		ratio+env.State.LiquidationMarginBufferRatio, market.LiquidatorFee, market.IfLiquidationFee, oracle.Price)
	if err != nil {
		return Result{}, err
	}
	// an unbounded cover stays unbounded
	if ceiled, err := fpmath.StandardizeCeilU64(cover, market.AMM.OrderStepSize); err == nil {
		cover = ceiled
	}
	pct, err := s.maxPct()
	if err != nil {
		return Result{}, err
	}
	allowed, err := fpmath.MulDivU(cover, fpmath.MinU64(pct, fpmath.LiquidationPctPrecision), fpmath.LiquidationPctPrecision)
	if err != nil {
		return Result{}, err
	}

	base := fpmath.MinU64(fpmath.MinU64(userBase, maxBaseAssetAmount), allowed)
	if base < userBase {
		base = fpmath.StandardizeU64(base, market.AMM.OrderStepSize)
	}
	if base == 0 {
		return Result{}, fmt.Errorf("%w: base asset amount rounds to zero", errs.ErrInvalidLiquidation)
	}

	value, err := amm.CalculateBaseAssetValue(int64(base), oracle.Price)
	if err != nil {
		return Result{}, err
	}
	liquidatorFee, err := fpmath.MulDivU(value, uint64(market.LiquidatorFee), fpmath.LiquidationFeePrecision)
	if err != nil {
		return Result{}, err
	}
	ifFee, err := fpmath.MulDivU(value, uint64(market.IfLiquidationFee), fpmath.LiquidationFeePrecision)
	if err != nil {
		return Result{}, err
	}

	// the liquidator buys a long at a discount and sells into a short at a premium
	userDirection := userPos.DirectionToClose()
	liquidatorDirection := userPos.Direction()
	var quote uint64
	if userDirection == state.Short {
		quote = fpmath.SaturatingSubU64(value, liquidatorFee)
	} else if quote, err = fpmath.AddU64(value, liquidatorFee); err != nil {
		return Result{}, err
	}
	if err := checkPerpLimitPrice(base, quote, liquidatorDirection, limitPrice); err != nil {
		return Result{}, err
	}

	userDelta, err := position.GetPositionDeltaForFill(base, quote, userDirection)
	if err != nil {
		return Result{}, err
	}
	liquidatorDelta, err := position.GetPositionDeltaForFill(base, quote, liquidatorDirection)
	if err != nil {
		return Result{}, err
	}
	liquidatorPos, err := liquidator.ForceGetPerpPosition(marketIndex)
	if err != nil {
		return Result{}, err
	}
	if _, err := position.UpdatePositionAndMarket(userPos, market, userDelta); err != nil {
		return Result{}, err
	}
	if _, err := position.UpdatePositionAndMarket(liquidatorPos, market, liquidatorDelta); err != nil {
		return Result{}, err
	}

	signedIfFee, err := fpmath.ToInt64(ifFee)
	if err != nil {
		return Result{}, err
	}
	if err := position.UpdateQuoteAssetAmount(userPos, market, -signedIfFee); err != nil {
		return Result{}, err
	}
	if market.AMM.TotalLiquidationFee, err = fpmath.AddU64(market.AMM.TotalLiquidationFee, ifFee); err != nil {
		return Result{}, err
	}
	if market.AMM.TotalFeeMinusDistributions, err = fpmath.AddI64(market.AMM.TotalFeeMinusDistributions, signedIfFee); err != nil {
		return Result{}, err
	}

	if err := s.checkLiquidator(); err != nil {
		return Result{}, err
	}

	market.NextFillRecordID++
	detail.BaseAssetAmount = userDelta.BaseAssetAmount
	detail.QuoteAssetAmount = userDelta.QuoteAssetAmount
	detail.LiquidatorFee = liquidatorFee
	detail.IfFee = ifFee
	detail.FillRecordID = market.NextFillRecordID
	s.res.Orders = append(s.res.Orders, event.OrderActionRecord{
		Ts:                     env.Now,
		Slot:                   env.Slot,
		Action:                 event.OrderActionFill,
		Explanation:            event.ExplanationLiquidation,
		MarketIndex:            marketIndex,
		MarketType:             state.MarketTypePerp,
		FillRecordID:           market.NextFillRecordID,
		BaseAssetAmountFilled:  base,
		QuoteAssetAmountFilled: quote,
		TakerFee:               ifFee,
		MakerFee:               -int64(liquidatorFee),
		Taker:                  user.ID,
		TakerOrderDirection:    userDirection,
		Maker:                  liquidator.ID,
		MakerOrderDirection:    liquidatorDirection,
		OraclePrice:            oracle.Price,
	})

	return s.finish()
}

// checkPerpLimitPrice holds the transfer price to the liquidator's limit:
// at most the limit when it buys, at least the limit when it sells.
func checkPerpLimitPrice(base, quote uint64, liquidatorDirection state.PositionDirection, limitPrice *uint64) error {
	if limitPrice == nil {
		return nil
	}
	price, err := fpmath.MulDivU(quote, uint64(fpmath.PriceTimesAmmToQuotePrecisionRatio), base)
	if err != nil {
		return err
	}
	if liquidatorDirection == state.Long && price > *limitPrice {
		return fmt.Errorf("%w: buying at %d above %d", errs.ErrLimitPriceNotMet, price, *limitPrice)
	}
	if liquidatorDirection == state.Short && price < *limitPrice {
		return fmt.Errorf("%w: selling at %d below %d", errs.ErrLimitPriceNotMet, price, *limitPrice)
	}
	return nil
}
