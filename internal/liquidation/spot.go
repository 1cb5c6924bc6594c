package liquidation

import (
	"fmt"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/position"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
)

// LiquidateSpot takes up to maxLiabilityTransfer of the user's borrow in
// liabilityMarketIndex onto the liquidator, paying it with the user's
// deposit in assetMarketIndex plus the liability market's liquidator fee.
// The user repays the transfer less the insurance fee, which goes to the
// liability market's revenue pool.
//
// limitPrice, when set, is the least asset the liquidator accepts per unit
// of liability, in PricePrecision.
func LiquidateSpot(
	env *state.Env,
	user, liquidator *state.User,
	assetMarketIndex, liabilityMarketIndex uint16,
	maxLiabilityTransfer uint64,
	limitPrice *uint64,
) (Result, error) {
	if assetMarketIndex == liabilityMarketIndex {
		return Result{}, fmt.Errorf("%w: asset and liability are both spot market %d", errs.ErrInvalidLiquidation, assetMarketIndex)
	}
	s, err := newSession(env, user, liquidator, event.LiquidationTypeSpot)
	if err != nil {
		return Result{}, err
	}
	assetMarket, err := openSpotMarket(env, assetMarketIndex)
	if err != nil {
		return Result{}, err
	}
	liabilityMarket, err := openSpotMarket(env, liabilityMarketIndex)
	if err != nil {
		return Result{}, err
	}
	assetPrice, err := liquidationPrice(env, assetMarket)
	if err != nil {
		return Result{}, err
	}
	liabilityPrice, err := liquidationPrice(env, liabilityMarket)
	if err != nil {
		return Result{}, err
	}
	detail := &event.LiquidateSpotDetail{
		AssetMarketIndex:     assetMarketIndex,
		AssetPrice:           assetPrice,
		LiabilityMarketIndex: liabilityMarketIndex,
		LiabilityPrice:       liabilityPrice,
	}
	s.res.Record.LiquidateSpot = detail

	done, err := s.begin()
	if err != nil || done {
		return s.res, err
	}

	userAsset, assetAmount, err := balanceOf(user, assetMarket, state.SpotBalanceDeposit)
	if err != nil {
		return Result{}, err
	}
	userLiability, liabilityAmount, err := balanceOf(user, liabilityMarket, state.SpotBalanceBorrow)
	if err != nil {
		return Result{}, err
	}

	asset := leg{
		amount:     assetAmount,
		price:      assetPrice,
		decimals:   assetMarket.Decimals,
		weight:     uint64(assetMarket.MaintenanceAssetWeight),
		multiplier: fpmath.LiquidationFeePrecision + uint64(liabilityMarket.LiquidatorFee),
	}
	liability := leg{
		amount:     liabilityAmount,
		price:      liabilityPrice,
		decimals:   liabilityMarket.Decimals,
		weight:     uint64(liabilityMarket.MaintenanceLiabilityWeight) + uint64(env.State.LiquidationMarginBufferRatio),
		multiplier: fpmath.LiquidationFeePrecision,
	}
	pct, err := s.maxPct()
	if err != nil {
		return Result{}, err
	}
	liabilityTransfer, assetTransfer, err := planTransfer(s.calc.MarginShortage(), maxLiabilityTransfer, pct,
		asset, liability, liabilityMarket.IfLiquidationFee)
	if err != nil {
		return Result{}, err
	}
	if err := checkSwapLimitPrice(assetTransfer, liabilityTransfer, asset, liability, limitPrice); err != nil {
		return Result{}, err
	}
	ifFee, err := fpmath.MulDivU(liabilityTransfer, uint64(liabilityMarket.IfLiquidationFee), fpmath.LiquidationFeePrecision)
	if err != nil {
		return Result{}, err
	}

	liquidatorLiability, err := liquidator.ForceGetSpotPosition(liabilityMarketIndex)
	if err != nil {
		return Result{}, err
	}
	liquidatorAsset, err := liquidator.ForceGetSpotPosition(assetMarketIndex)
	if err != nil {
		return Result{}, err
	}
	if err := spot.UpdateRevenuePoolBalances(ifFee, state.SpotBalanceDeposit, liabilityMarket); err != nil {
		return Result{}, err
	}
	if err := spot.UpdateSpotBalances(liabilityTransfer-ifFee, state.SpotBalanceDeposit, liabilityMarket, userLiability, false); err != nil {
		return Result{}, err
	}
	if err := spot.UpdateSpotBalances(liabilityTransfer, state.SpotBalanceBorrow, liabilityMarket, liquidatorLiability, true); err != nil {
		return Result{}, err
	}
	if err := spot.TransferSpotPosition(assetTransfer, assetMarket, userAsset, liquidatorAsset); err != nil {
		return Result{}, err
	}

	if err := s.checkLiquidator(); err != nil {
		return Result{}, err
	}
	detail.AssetTransfer = assetTransfer
	detail.LiabilityTransfer = liabilityTransfer
	detail.IfFee = ifFee
	return s.finish()
}

// LiquidateBorrowForPerpPnl repays up to maxLiabilityTransfer of the user's
// borrow with the liquidator's tokens, paid for with the user's positive
// unsettled pnl in perpMarketIndex plus the perp market's liquidator fee.
// The user's position there must be flat.
func LiquidateBorrowForPerpPnl(
	env *state.Env,
	user, liquidator *state.User,
	perpMarketIndex, liabilityMarketIndex uint16,
	maxLiabilityTransfer uint64,
	limitPrice *uint64,
) (Result, error) {
	s, err := newSession(env, user, liquidator, event.LiquidationTypeBorrowForPerpPnl)
	if err != nil {
		return Result{}, err
	}
	perpMarket, err := env.PerpMarkets.GetMut(perpMarketIndex)
	if err != nil {
		return Result{}, err
	}
	liabilityMarket, err := openSpotMarket(env, liabilityMarketIndex)
	if err != nil {
		return Result{}, err
	}
	quotePrice, quoteDecimals, err := quotePricing(env, perpMarket)
	if err != nil {
		return Result{}, err
	}
	liabilityPrice, err := liquidationPrice(env, liabilityMarket)
	if err != nil {
		return Result{}, err
	}
	if err := s.settleFunding(perpMarket); err != nil {
		return Result{}, err
	}
	detail := &event.LiquidateBorrowForPerpPnlDetail{
		PerpMarketIndex:      perpMarketIndex,
		MarketOraclePrice:    perpMarket.AMM.HistoricalOracleData.LastOraclePrice,
		LiabilityMarketIndex: liabilityMarketIndex,
		LiabilityPrice:       liabilityPrice,
	}
	s.res.Record.LiquidateBorrowForPerpPnl = detail

	done, err := s.begin()
	if err != nil || done {
		return s.res, err
	}

	userPerp, err := flatPosition(user, perpMarketIndex)
	if err != nil {
		return Result{}, err
	}
	if userPerp.QuoteAssetAmount <= 0 {
		return Result{}, fmt.Errorf("%w: no positive pnl in perp market %d", errs.ErrInvalidLiquidation, perpMarketIndex)
	}
	userLiability, liabilityAmount, err := balanceOf(user, liabilityMarket, state.SpotBalanceBorrow)
	if err != nil {
		return Result{}, err
	}

	pnl := leg{
		amount:     uint64(userPerp.QuoteAssetAmount),
		price:      quotePrice,
		decimals:   quoteDecimals,
		weight:     uint64(perpMarket.UnrealizedPnlMaintenanceAssetWeight),
		multiplier: fpmath.LiquidationFeePrecision + uint64(perpMarket.LiquidatorFee),
	}
	liability := leg{
		amount:     liabilityAmount,
		price:      liabilityPrice,
		decimals:   liabilityMarket.Decimals,
		weight:     uint64(liabilityMarket.MaintenanceLiabilityWeight) + uint64(env.State.LiquidationMarginBufferRatio),
		multiplier: fpmath.LiquidationFeePrecision,
	}
	pct, err := s.maxPct()
	if err != nil {
		return Result{}, err
	}
	liabilityTransfer, pnlTransfer, err := planTransfer(s.calc.MarginShortage(), maxLiabilityTransfer, pct, pnl, liability, 0)
	if err != nil {
		return Result{}, err
	}
	if err := checkSwapLimitPrice(pnlTransfer, liabilityTransfer, pnl, liability, limitPrice); err != nil {
		return Result{}, err
	}

	liquidatorLiability, err := liquidator.ForceGetSpotPosition(liabilityMarketIndex)
	if err != nil {
		return Result{}, err
	}
	liquidatorPerp, err := liquidator.ForceGetPerpPosition(perpMarketIndex)
	if err != nil {
		return Result{}, err
	}
	if err := spot.UpdateSpotBalances(liabilityTransfer, state.SpotBalanceDeposit, liabilityMarket, userLiability, false); err != nil {
		return Result{}, err
	}
	if err := spot.UpdateSpotBalances(liabilityTransfer, state.SpotBalanceBorrow, liabilityMarket, liquidatorLiability, true); err != nil {
		return Result{}, err
	}
	if err := movePnl(perpMarket, userPerp, liquidatorPerp, pnlTransfer); err != nil {
		return Result{}, err
	}

	if err := s.checkLiquidator(); err != nil {
		return Result{}, err
	}
	detail.PnlTransfer = pnlTransfer
	detail.LiabilityTransfer = liabilityTransfer
	return s.finish()
}

// LiquidatePerpPnlForDeposit hands up to maxPnlTransfer of the user's
// negative unsettled pnl in perpMarketIndex to the liquidator, who is paid
// with the user's deposit in assetMarketIndex plus the perp market's
// liquidator fee. The user's position there must be flat.
func LiquidatePerpPnlForDeposit(
	env *state.Env,
	user, liquidator *state.User,
	perpMarketIndex, assetMarketIndex uint16,
	maxPnlTransfer uint64,
	limitPrice *uint64,
) (Result, error) {
	s, err := newSession(env, user, liquidator, event.LiquidationTypePerpPnlForDeposit)
	if err != nil {
		return Result{}, err
	}
	perpMarket, err := env.PerpMarkets.GetMut(perpMarketIndex)
	if err != nil {
		return Result{}, err
	}
	assetMarket, err := openSpotMarket(env, assetMarketIndex)
	if err != nil {
		return Result{}, err
	}
	quotePrice, quoteDecimals, err := quotePricing(env, perpMarket)
	if err != nil {
		return Result{}, err
	}
	assetPrice, err := liquidationPrice(env, assetMarket)
	if err != nil {
		return Result{}, err
	}
	if err := s.settleFunding(perpMarket); err != nil {
		return Result{}, err
	}
	detail := &event.LiquidatePerpPnlForDepositDetail{
		PerpMarketIndex:   perpMarketIndex,
		MarketOraclePrice: perpMarket.AMM.HistoricalOracleData.LastOraclePrice,
		AssetMarketIndex:  assetMarketIndex,
		AssetPrice:        assetPrice,
	}
	s.res.Record.LiquidatePerpPnlForDeposit = detail

	done, err := s.begin()
	if err != nil || done {
		return s.res, err
	}

	userPerp, err := flatPosition(user, perpMarketIndex)
	if err != nil {
		return Result{}, err
	}
	if userPerp.QuoteAssetAmount >= 0 {
		return Result{}, fmt.Errorf("%w: no negative pnl in perp market %d", errs.ErrInvalidLiquidation, perpMarketIndex)
	}
	userAsset, assetAmount, err := balanceOf(user, assetMarket, state.SpotBalanceDeposit)
	if err != nil {
		return Result{}, err
	}

	asset := leg{
		amount:     assetAmount,
		price:      assetPrice,
		decimals:   assetMarket.Decimals,
		weight:     uint64(assetMarket.MaintenanceAssetWeight),
		multiplier: fpmath.LiquidationFeePrecision + uint64(perpMarket.LiquidatorFee),
	}
	pnl := leg{
		amount:     fpmath.UnsignedAbs(userPerp.QuoteAssetAmount),
		price:      quotePrice,
		decimals:   quoteDecimals,
		weight:     fpmath.SpotWeightPrecision + uint64(env.State.LiquidationMarginBufferRatio),
		multiplier: fpmath.LiquidationFeePrecision,
	}
	pct, err := s.maxPct()
	if err != nil {
		return Result{}, err
	}
	pnlTransfer, assetTransfer, err := planTransfer(s.calc.MarginShortage(), maxPnlTransfer, pct, asset, pnl, 0)
	if err != nil {
		return Result{}, err
	}
	if err := checkSwapLimitPrice(assetTransfer, pnlTransfer, asset, pnl, limitPrice); err != nil {
		return Result{}, err
	}

	liquidatorAsset, err := liquidator.ForceGetSpotPosition(assetMarketIndex)
	if err != nil {
		return Result{}, err
	}
	liquidatorPerp, err := liquidator.ForceGetPerpPosition(perpMarketIndex)
	if err != nil {
		return Result{}, err
	}
	if err := movePnl(perpMarket, liquidatorPerp, userPerp, pnlTransfer); err != nil {
		return Result{}, err
	}
	if err := spot.TransferSpotPosition(assetTransfer, assetMarket, userAsset, liquidatorAsset); err != nil {
		return Result{}, err
	}

	if err := s.checkLiquidator(); err != nil {
		return Result{}, err
	}
	detail.PnlTransfer = pnlTransfer
	detail.AssetTransfer = assetTransfer
	return s.finish()
}

// openSpotMarket fetches a spot market for mutation and accrues its interest
// so token amounts are current.
func openSpotMarket(env *state.Env, marketIndex uint16) (*state.SpotMarket, error) {
	market, err := env.SpotMarkets.GetMut(marketIndex)
	if err != nil {
		return nil, err
	}
	if _, err := spot.UpdateSpotMarketCumulativeInterest(market, env.Now); err != nil {
		return nil, err
	}
	return market, nil
}

// liquidationPrice is the oracle price of a spot market, refused when the
// feed is unfit for liquidation or has moved too far from its 5 minute twap.
func liquidationPrice(env *state.Env, market *state.SpotMarket) (int64, error) {
	oracle, err := env.Oracles.Get(market.Oracle, market.OracleSource)
	if err != nil {
		return 0, err
	}
	validity := state.ClassifyOracle(oracle, market.HistoricalOracleData.LastOraclePriceTwap, env.State.OracleGuardRails.Validity)
	if !validity.IsValidForAction(state.ActionLiquidate) {
		return 0, fmt.Errorf("%w: spot market %d oracle %s", errs.ErrInvalidOracle, market.MarketIndex, validity)
	}
	diverged, err := state.IsOracleTooDivergentWithTwap5Min(oracle.Price, market.HistoricalOracleData.LastOraclePriceTwap5Min,
		env.State.OracleGuardRails.PriceDivergence.OracleTwap5MinPercentDivergence)
	if err != nil {
		return 0, err
	}
	if diverged {
		return 0, fmt.Errorf("%w: spot market %d price %d diverged from 5 minute twap %d",
			errs.ErrInvalidOracle, market.MarketIndex, oracle.Price, market.HistoricalOracleData.LastOraclePriceTwap5Min)
	}
	return oracle.Price, nil
}

// quotePricing prices perp pnl through the market's quote spot market.
func quotePricing(env *state.Env, market *state.PerpMarket) (int64, uint32, error) {
	quoteMarket, err := env.SpotMarkets.Get(market.QuoteSpotMarketIndex)
	if err != nil {
		return 0, 0, err
	}
	price, err := liquidationPrice(env, quoteMarket)
	if err != nil {
		return 0, 0, err
	}
	return price, quoteMarket.Decimals, nil
}

// balanceOf returns the user's position in market and its token amount,
// which must be a non-zero balance of the wanted type.
func balanceOf(user *state.User, market *state.SpotMarket, want state.SpotBalanceType) (*state.SpotPosition, uint64, error) {
	pos, err := user.GetSpotPosition(market.MarketIndex)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", errs.ErrInvalidLiquidation, err)
	}
	if pos.ScaledBalance == 0 || pos.BalanceType != want {
		return nil, 0, fmt.Errorf("%w: no %s in spot market %d", errs.ErrInvalidLiquidation, want, market.MarketIndex)
	}
	amount, err := spot.GetTokenAmount(pos.ScaledBalance, market, want)
	if err != nil {
		return nil, 0, err
	}
	return pos, amount, nil
}

func flatPosition(user *state.User, marketIndex uint16) (*state.PerpPosition, error) {
	pos, err := user.GetPerpPosition(marketIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrInvalidLiquidation, err)
	}
	if pos.BaseAssetAmount != 0 {
		return nil, fmt.Errorf("%w: perp market %d position still open", errs.ErrInvalidLiquidation, marketIndex)
	}
	return pos, nil
}

// movePnl moves amount of unsettled quote from one position to another in
// the same market.
func movePnl(market *state.PerpMarket, from, to *state.PerpPosition, amount uint64) error {
	signed, err := fpmath.ToInt64(amount)
	if err != nil {
		return err
	}
	if err := position.UpdateQuoteAssetAmount(from, market, -signed); err != nil {
		return err
	}
	return position.UpdateQuoteAssetAmount(to, market, signed)
}
