// Package margin values a user's spot and perp positions into total
// collateral and margin requirement.
package margin

import (
	"fmt"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
)

// OrderFillSimulation is a spot position valued as if one side of its
// resting orders filled at the oracle price.
type OrderFillSimulation struct {
	TokenAmount int64
	// OrdersValue is the quote the fill would pay (negative) or receive.
	OrdersValue                int64
	TokenValue                 int64
	WeightedTokenValue         int64
	FreeCollateralContribution int64
}

// CalculateMarginRequirementAndTotalCollateral is the single pass every
// margin check builds on. Failures wrap ErrMarginCalculation.
func CalculateMarginRequirementAndTotalCollateral(
	user *state.User,
	perpMarkets *state.PerpMarketMap,
	spotMarkets *state.SpotMarketMap,
	oracles *state.OracleMap,
	ctx Context,
) (Calculation, error) {
	calc := newCalculation(ctx)

	var netQuoteValue int64
	for i := range user.SpotPositions {
		pos := &user.SpotPositions[i]
		if pos.IsAvailable() {
			continue
		}
		ordersValue, err := calc.addSpotPosition(pos, spotMarkets, oracles, &netQuoteValue)
		if err != nil {
			return Calculation{}, fmt.Errorf("%w: spot market %d: %w", errs.ErrMarginCalculation, pos.MarketIndex, err)
		}
		if netQuoteValue, err = fpmath.AddI64(netQuoteValue, ordersValue); err != nil {
			return Calculation{}, fmt.Errorf("%w: %w", errs.ErrMarginCalculation, err)
		}
	}
	if err := calc.addNetQuote(netQuoteValue); err != nil {
		return Calculation{}, fmt.Errorf("%w: %w", errs.ErrMarginCalculation, err)
	}

	for i := range user.PerpPositions {
		pos := &user.PerpPositions[i]
		if pos.IsAvailable() {
			continue
		}
		if err := calc.addPerpPosition(user, pos, perpMarkets, spotMarkets, oracles); err != nil {
			return Calculation{}, fmt.Errorf("%w: perp market %d: %w", errs.ErrMarginCalculation, pos.MarketIndex, err)
		}
	}
	return calc, nil
}

// addSpotPosition books a non-quote balance and returns the quote value of
// its worst-case order fill. Quote balances accumulate into netQuoteValue.
func (c *Calculation) addSpotPosition(
	pos *state.SpotPosition,
	spotMarkets *state.SpotMarketMap,
	oracles *state.OracleMap,
	netQuoteValue *int64,
) (int64, error) {
	market, err := spotMarkets.Get(pos.MarketIndex)
	if err != nil {
		return 0, err
	}
	oracle, err := oracles.Get(market.Oracle, market.OracleSource)
	if err != nil {
		return 0, err
	}
	c.trackOracle(oracle, market.HistoricalOracleData.LastOraclePriceTwap)

	tokenAmount, err := spot.PositionTokenAmount(pos, market)
	if err != nil {
		return 0, err
	}

	if market.MarketIndex == fpmath.QuoteSpotMarketIndex {
		value, err := c.tokenValue(tokenAmount, market, oracle.Price)
		if err != nil {
			return 0, err
		}
		*netQuoteValue, err = fpmath.AddI64(*netQuoteValue, value)
		return 0, err
	}

	sim, err := c.worstCaseFill(tokenAmount, pos, market, oracle.Price)
	if err != nil {
		return 0, err
	}

	switch {
	case sim.TokenValue > 0:
		if err := c.addCollateral(sim.WeightedTokenValue); err != nil {
			return 0, err
		}
		if c.TotalSpotAssetValue, err = fpmath.AddI64(c.TotalSpotAssetValue, sim.TokenValue); err != nil {
			return 0, err
		}
	case sim.TokenValue < 0:
		liability := fpmath.UnsignedAbs(sim.TokenValue)
		if err := c.addRequirement(fpmath.UnsignedAbs(sim.WeightedTokenValue), liability); err != nil {
			return 0, err
		}
		if c.TotalSpotLiabilityValue, err = fpmath.AddU64(c.TotalSpotLiabilityValue, liability); err != nil {
			return 0, err
		}
		c.NumSpotLiabilities++
	}
	return sim.OrdersValue, nil
}

// worstCaseFill simulates all bids and all asks filling and keeps the one
// leaving the smaller free collateral contribution.
func (c *Calculation) worstCaseFill(tokenAmount int64, pos *state.SpotPosition, market *state.SpotMarket, price int64) (OrderFillSimulation, error) {
	if pos.OpenBids == 0 && pos.OpenAsks == 0 {
		return SimulateOrderFill(tokenAmount, 0, market, price, c.Context)
	}
	bids, err := SimulateOrderFill(tokenAmount, pos.OpenBids, market, price, c.Context)
	if err != nil {
		return OrderFillSimulation{}, err
	}
	asks, err := SimulateOrderFill(tokenAmount, pos.OpenAsks, market, price, c.Context)
	if err != nil {
		return OrderFillSimulation{}, err
	}
	if asks.FreeCollateralContribution < bids.FreeCollateralContribution {
		return asks, nil
	}
	return bids, nil
}

// SimulateOrderFill values tokenAmount after openOrders (bids positive, asks
// negative) fill at price.
func SimulateOrderFill(tokenAmount, openOrders int64, market *state.SpotMarket, price int64, ctx Context) (OrderFillSimulation, error) {
	after, err := fpmath.AddI64(tokenAmount, openOrders)
	if err != nil {
		return OrderFillSimulation{}, err
	}
	ordersValue, err := spot.GetTokenValue(-openOrders, market.Decimals, price)
	if err != nil {
		return OrderFillSimulation{}, err
	}

	c := Calculation{Context: ctx}
	tokenValue, err := c.tokenValue(after, market, price)
	if err != nil {
		return OrderFillSimulation{}, err
	}

	var weight uint32
	if after >= 0 {
		weight, err = market.GetAssetWeight(fpmath.UnsignedAbs(after), ctx.RequirementType)
	} else {
		weight, err = market.GetLiabilityWeight(fpmath.UnsignedAbs(after), ctx.RequirementType)
	}
	if err != nil {
		return OrderFillSimulation{}, err
	}
	weighted, err := fpmath.MulDivI64(tokenValue, int64(weight), int64(fpmath.SpotWeightPrecision), fpmath.RoundDown)
	if err != nil {
		return OrderFillSimulation{}, err
	}
	contribution, err := fpmath.AddI64(weighted, ordersValue)
	if err != nil {
		return OrderFillSimulation{}, err
	}
	return OrderFillSimulation{
		TokenAmount:                after,
		OrdersValue:                ordersValue,
		TokenValue:                 tokenValue,
		WeightedTokenValue:         weighted,
		FreeCollateralContribution: contribution,
	}, nil
}

func (c *Calculation) tokenValue(tokenAmount int64, market *state.SpotMarket, price int64) (int64, error) {
	if c.Context.Strict {
		return spot.GetStrictTokenValue(tokenAmount, market.Decimals, price, market.HistoricalOracleData.LastOraclePriceTwap5Min)
	}
	return spot.GetTokenValue(tokenAmount, market.Decimals, price)
}

// addNetQuote books quote balances netted with spot order proceeds at weight 1.
func (c *Calculation) addNetQuote(value int64) error {
	var err error
	switch {
	case value > 0:
		if err := c.addCollateral(value); err != nil {
			return err
		}
		c.TotalSpotAssetValue, err = fpmath.AddI64(c.TotalSpotAssetValue, value)
	case value < 0:
		liability := fpmath.UnsignedAbs(value)
		if err := c.addRequirement(liability, liability); err != nil {
			return err
		}
		c.TotalSpotLiabilityValue, err = fpmath.AddU64(c.TotalSpotLiabilityValue, liability)
		c.NumSpotLiabilities++
	}
	return err
}

func (c *Calculation) addPerpPosition(
	user *state.User,
	pos *state.PerpPosition,
	perpMarkets *state.PerpMarketMap,
	spotMarkets *state.SpotMarketMap,
	oracles *state.OracleMap,
) error {
	market, err := perpMarkets.Get(pos.MarketIndex)
	if err != nil {
		return err
	}
	oracle, err := oracles.Get(market.AMM.Oracle, market.AMM.OracleSource)
	if err != nil {
		return err
	}
	c.trackOracle(oracle, market.AMM.HistoricalOracleData.LastOraclePriceTwap)

	quoteMarket, err := spotMarkets.Get(market.QuoteSpotMarketIndex)
	if err != nil {
		return err
	}
	quoteOracle, err := oracles.Get(quoteMarket.Oracle, quoteMarket.OracleSource)
	if err != nil {
		return err
	}
	quoteTwap := quoteMarket.HistoricalOracleData.LastOraclePriceTwap5Min

	price := oracle.Price
	if market.Status == state.MarketStatusSettlement {
		price = market.ExpiryPrice
	}

	worstCaseBase, err := pos.WorstCaseBaseAssetAmount()
	if err != nil {
		return err
	}
	liabilityValue, err := CalculatePerpLiabilityValue(worstCaseBase, price, market.ContractType)
	if err != nil {
		return err
	}
	if liabilityValue, err = c.applyQuotePrice(liabilityValue, quoteOracle.Price, quoteTwap, true); err != nil {
		return err
	}

	marginRatio, err := c.marginRatio(user, market, fpmath.UnsignedAbs(worstCaseBase))
	if err != nil {
		return err
	}
	requirement, err := fpmath.MulDivU(liabilityValue, uint64(marginRatio), fpmath.MarginPrecision)
	if err != nil {
		return err
	}

	pnl, err := CalculateUnrealizedPnl(pos, market, price)
	if err != nil {
		return err
	}
	weightedPnl, err := c.weightPnl(pnl, market, quoteOracle.Price, quoteTwap)
	if err != nil {
		return err
	}

	if err := c.addCollateral(weightedPnl); err != nil {
		return err
	}
	if err := c.addRequirement(requirement, liabilityValue); err != nil {
		return err
	}
	if c.TotalPerpPnl, err = fpmath.AddI64(c.TotalPerpPnl, weightedPnl); err != nil {
		return err
	}
	if worstCaseBase != 0 || pos.HasOpenOrder() {
		c.NumPerpLiabilities++
		if c.TotalPerpLiabilityValue, err = fpmath.AddU64(c.TotalPerpLiabilityValue, liabilityValue); err != nil {
			return err
		}
	}

	if tracked := c.Context.TrackedPerpMarket; tracked != nil && *tracked == market.MarketIndex {
		c.TrackedMarketMarginRequirement, err = fpmath.AddU64(c.TrackedMarketMarginRequirement, requirement)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Calculation) marginRatio(user *state.User, market *state.PerpMarket, size uint64) (uint32, error) {
	if market.Status == state.MarketStatusSettlement {
		return 0, nil
	}
	ratio, err := market.GetMarginRatio(size, c.Context.RequirementType)
	if err != nil {
		return 0, err
	}
	if c.Context.RequirementType == state.MarginInitial && user.MaxMarginRatio > ratio {
		ratio = user.MaxMarginRatio
	}
	return ratio, nil
}

// weightPnl discounts positive pnl by the unrealized asset weight and prices
// it in the quote asset. Losses count in full.
func (c *Calculation) weightPnl(pnl int64, market *state.PerpMarket, quotePrice, quoteTwap int64) (int64, error) {
	if pnl > 0 {
		weight, err := market.GetUnrealizedAssetWeight(pnl, c.Context.RequirementType)
		if err != nil {
			return 0, err
		}
		if pnl, err = fpmath.MulDivI64(pnl, int64(weight), int64(fpmath.SpotWeightPrecision), fpmath.RoundDown); err != nil {
			return 0, err
		}
		value, err := c.applyQuotePrice(uint64(pnl), quotePrice, quoteTwap, false)
		if err != nil {
			return 0, err
		}
		return fpmath.ToInt64(value)
	}
	value, err := c.applyQuotePrice(fpmath.UnsignedAbs(pnl), quotePrice, quoteTwap, true)
	if err != nil {
		return 0, err
	}
	loss, err := fpmath.ToInt64(value)
	return -loss, err
}

func (c *Calculation) applyQuotePrice(value uint64, quotePrice, quoteTwap int64, liability bool) (uint64, error) {
	price := quotePrice
	if c.Context.Strict && quoteTwap > 0 {
		if liability {
			price = fpmath.MaxI64(price, quoteTwap)
		} else {
			price = fpmath.MinI64(price, quoteTwap)
		}
	}
	if price == fpmath.PricePrecision {
		return value, nil
	}
	p, err := fpmath.ToUint64(price)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDivU(value, p, fpmath.PricePrecisionU64)
}

// CalculatePerpLiabilityValue is |base| priced at price in QuotePrecision.
// Prediction markets settle between 0 and MaxPredictionMarketPrice, so a
// short's liability is what the outcome can still rise.
func CalculatePerpLiabilityValue(baseAssetAmount, price int64, contractType state.ContractType) (uint64, error) {
	if contractType == state.ContractTypePrediction {
		price = fpmath.ClampI64(price, 0, fpmath.MaxPredictionMarketPrice)
		if baseAssetAmount < 0 {
			price = fpmath.MaxPredictionMarketPrice - price
		}
	}
	p, err := fpmath.ToUint64(fpmath.MaxI64(price, 0))
	if err != nil {
		return 0, err
	}
	return fpmath.MulDivU(fpmath.UnsignedAbs(baseAssetAmount), p, fpmath.BasePrecisionU64)
}

// CalculateUnrealizedPnl is the position's quote plus its base valued at
// price, net of funding not yet settled into the quote.
func CalculateUnrealizedPnl(pos *state.PerpPosition, market *state.PerpMarket, price int64) (int64, error) {
	baseValue, err := fpmath.MulDivI64(pos.BaseAssetAmount, price, fpmath.BasePrecision, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	pnl, err := fpmath.AddI64(pos.QuoteAssetAmount, baseValue)
	if err != nil {
		return 0, err
	}
	funding, err := UnsettledFundingPnl(pos, market)
	if err != nil {
		return 0, err
	}
	return fpmath.AddI64(pnl, funding)
}

// UnsettledFundingPnl is the funding a position would book if settled now.
func UnsettledFundingPnl(pos *state.PerpPosition, market *state.PerpMarket) (int64, error) {
	if pos.BaseAssetAmount == 0 {
		return 0, nil
	}
	delta, err := fpmath.SubI64(market.CumulativeFundingRate(pos.BaseAssetAmount), pos.LastCumulativeFundingRate)
	if err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, nil
	}
	return fpmath.ComputeFundingPayment(delta, pos.BaseAssetAmount)
}

// MeetsMarginRequirement runs a calculation of the given type and compares
// collateral against it.
func MeetsMarginRequirement(
	user *state.User,
	perpMarkets *state.PerpMarketMap,
	spotMarkets *state.SpotMarketMap,
	oracles *state.OracleMap,
	ctx Context,
) (bool, Calculation, error) {
	calc, err := CalculateMarginRequirementAndTotalCollateral(user, perpMarkets, spotMarkets, oracles, ctx)
	if err != nil {
		return false, Calculation{}, err
	}
	return calc.MeetsMarginRequirement(), calc, nil
}

func MeetsInitialMarginRequirement(
	user *state.User,
	perpMarkets *state.PerpMarketMap,
	spotMarkets *state.SpotMarketMap,
	oracles *state.OracleMap,
	rails state.ValidityGuardRails,
) (bool, error) {
	ok, _, err := MeetsMarginRequirement(user, perpMarkets, spotMarkets, oracles, NewContext(state.MarginInitial).WithGuardRails(rails))
	return ok, err
}

// MeetsWithdrawMarginRequirement is the strict initial check run before
// funds leave an account. Accounts without liabilities always pass; accounts
// with liabilities need every oracle valid.
func MeetsWithdrawMarginRequirement(
	user *state.User,
	perpMarkets *state.PerpMarketMap,
	spotMarkets *state.SpotMarketMap,
	oracles *state.OracleMap,
	rails state.ValidityGuardRails,
) (bool, error) {
	ctx := NewContext(state.MarginInitial).WithGuardRails(rails).WithStrict()
	calc, err := CalculateMarginRequirementAndTotalCollateral(user, perpMarkets, spotMarkets, oracles, ctx)
	if err != nil {
		return false, err
	}
	if !calc.HasLiabilities() {
		return calc.TotalCollateral >= 0, nil
	}
	if !calc.AllOraclesValid {
		return false, fmt.Errorf("%w: withdraw with liabilities needs valid oracles", errs.ErrInvalidOracle)
	}
	return calc.MeetsMarginRequirement(), nil
}
