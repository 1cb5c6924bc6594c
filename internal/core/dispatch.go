package core

import (
	"fmt"

	"github.com/google/uuid"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/collateral"
	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	"PerpRisk/internal/funding"
	"PerpRisk/internal/liquidation"
	"PerpRisk/internal/orders"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
)

// dispatch routes one instruction to its handler. Handlers may leave
// partial mutations behind on error; the caller restores the snapshot.
func (c *DeterministicCore) dispatch(ins event.Instruction, env *state.Env) ([]event.Record, error) {
	switch in := ins.(type) {
	case *event.InitUser:
		return c.initUser(in)
	case *event.OracleUpdate:
		return c.updateOracle(in, env)
	case *event.UpdateFundingRate:
		return c.updateFundingRate(in, env)
	case *event.UpdateSpotInterest:
		return c.updateSpotInterest(in, env)

	case *event.PlacePerpOrder:
		user, err := c.user(in.UserID)
		if err != nil {
			return nil, err
		}
		rec, err := orders.PlacePerpOrder(env, user, in.Params)
		if err != nil {
			return nil, err
		}
		return []event.Record{&rec}, nil

	case *event.PlaceSpotOrder:
		user, err := c.user(in.UserID)
		if err != nil {
			return nil, err
		}
		rec, err := orders.PlaceSpotOrder(env, user, in.Params)
		if err != nil {
			return nil, err
		}
		return []event.Record{&rec}, nil

	case *event.CancelOrder:
		user, err := c.user(in.UserID)
		if err != nil {
			return nil, err
		}
		rec, err := orders.CancelOrder(env, user, in.OrderID)
		if err != nil {
			return nil, err
		}
		return []event.Record{&rec}, nil

	case *event.CancelOrders:
		user, err := c.user(in.UserID)
		if err != nil {
			return nil, err
		}
		filter := orders.CancelFilter{
			MarketType:  in.MarketType,
			MarketIndex: in.MarketIndexFilter,
			Direction:   in.Direction,
		}
		recs, err := orders.CancelOrders(env, user, filter, event.ExplanationNone)
		if err != nil {
			return nil, err
		}
		return orderRecords(recs), nil

	case *event.FillPerpOrder:
		return c.fillPerpOrder(in, env)

	case *event.TriggerOrder:
		user, err := c.user(in.UserID)
		if err != nil {
			return nil, err
		}
		if _, err := c.user(in.FillerID); err != nil {
			return nil, err
		}
		rec, err := orders.TriggerOrder(env, user, in.OrderID, in.FillerID)
		if err != nil {
			return nil, err
		}
		return []event.Record{&rec}, nil

	case *event.Deposit:
		user, err := c.user(in.UserID)
		if err != nil {
			return nil, err
		}
		rec, err := collateral.Deposit(env, user, in.Market, in.Amount, in.ReduceOnly)
		if err != nil {
			return nil, err
		}
		return []event.Record{&rec}, nil

	case *event.Withdraw:
		user, err := c.user(in.UserID)
		if err != nil {
			return nil, err
		}
		rec, err := collateral.Withdraw(env, user, in.Market, in.Amount, in.ReduceOnly)
		if err != nil {
			return nil, err
		}
		return []event.Record{&rec}, nil

	case *event.SettlePnl:
		user, err := c.user(in.UserID)
		if err != nil {
			return nil, err
		}
		rec, err := collateral.SettlePNL(env, user, in.Market)
		if err != nil {
			return nil, err
		}
		return []event.Record{&rec}, nil

	case *event.LiquidatePerp:
		user, liquidator, err := c.pair(in.UserID, in.LiquidatorID)
		if err != nil {
			return nil, err
		}
		return liquidationRecords(liquidation.LiquidatePerp(env, user, liquidator,
			in.Market, in.MaxBaseAssetAmount, in.LimitPrice))

	case *event.LiquidateSpot:
		user, liquidator, err := c.pair(in.UserID, in.LiquidatorID)
		if err != nil {
			return nil, err
		}
		return liquidationRecords(liquidation.LiquidateSpot(env, user, liquidator,
			in.AssetMarketIndex, in.LiabilityMarketIndex, in.MaxLiabilityTransfer, in.LimitPrice))

	case *event.LiquidateBorrowForPerpPnl:
		user, liquidator, err := c.pair(in.UserID, in.LiquidatorID)
		if err != nil {
			return nil, err
		}
		return liquidationRecords(liquidation.LiquidateBorrowForPerpPnl(env, user, liquidator,
			in.PerpMarketIndex, in.LiabilityMarketIndex, in.MaxLiabilityTransfer, in.LimitPrice))

	case *event.LiquidatePerpPnlForDeposit:
		user, liquidator, err := c.pair(in.UserID, in.LiquidatorID)
		if err != nil {
			return nil, err
		}
		return liquidationRecords(liquidation.LiquidatePerpPnlForDeposit(env, user, liquidator,
			in.PerpMarketIndex, in.AssetMarketIndex, in.MaxPnlTransfer, in.LimitPrice))

	case *event.ResolvePerpBankruptcy:
		user, err := c.user(in.UserID)
		if err != nil {
			return nil, err
		}
		return liquidationRecords(liquidation.ResolvePerpBankruptcy(env, user, in.LiquidatorID, in.Market))

	case *event.ResolveSpotBankruptcy:
		user, err := c.user(in.UserID)
		if err != nil {
			return nil, err
		}
		return liquidationRecords(liquidation.ResolveSpotBankruptcy(env, user, in.LiquidatorID, in.Market))
	}
	return nil, fmt.Errorf("unknown instruction type: %s", ins.Type())
}

func (c *DeterministicCore) user(id uuid.UUID) (*state.User, error) {
	u, ok := c.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUserNotFound, id)
	}
	return u, nil
}

func (c *DeterministicCore) pair(userID, liquidatorID uuid.UUID) (*state.User, *state.User, error) {
	user, err := c.user(userID)
	if err != nil {
		return nil, nil, err
	}
	liquidator, err := c.user(liquidatorID)
	if err != nil {
		return nil, nil, err
	}
	return user, liquidator, nil
}

func (c *DeterministicCore) initUser(in *event.InitUser) ([]event.Record, error) {
	if in.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: nil user id", errs.ErrDefault)
	}
	if _, ok := c.users[in.UserID]; ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUserExists, in.UserID)
	}
	if in.SubAccountID >= c.state.MaxNumberOfSubAccounts {
		return nil, fmt.Errorf("%w: sub account %d", errs.ErrDefault, in.SubAccountID)
	}
	user := state.NewUser(in.UserID)
	user.SubAccountID = in.SubAccountID
	c.users[in.UserID] = user
	c.stats[in.UserID] = &state.UserStats{Authority: in.UserID}
	return nil, nil
}

// updateOracle stores the sample and folds it into every market priced by it.
func (c *DeterministicCore) updateOracle(in *event.OracleUpdate, env *state.Env) ([]event.Record, error) {
	c.oracles.Set(in.Oracle, in.Data)
	for _, idx := range c.perpMarkets.Indexes() {
		m, err := c.perpMarkets.GetMut(idx)
		if err != nil {
			return nil, err
		}
		if m.AMM.Oracle != in.Oracle {
			continue
		}
		if err := amm.UpdateOracleTwap(&m.AMM, in.Data, env.Now); err != nil {
			return nil, fmt.Errorf("perp market %d: %w", idx, err)
		}
	}
	for _, idx := range c.spotMarkets.Indexes() {
		m, err := c.spotMarkets.GetMut(idx)
		if err != nil {
			return nil, err
		}
		if m.Oracle != in.Oracle || m.OracleSource == state.OracleSourceQuoteAsset {
			continue
		}
		if err := amm.UpdateHistoricalOracleData(&m.HistoricalOracleData, in.Data, env.Now); err != nil {
			return nil, fmt.Errorf("spot market %d: %w", idx, err)
		}
	}
	return nil, nil
}

func (c *DeterministicCore) updateFundingRate(in *event.UpdateFundingRate, env *state.Env) ([]event.Record, error) {
	market, err := c.perpMarkets.GetMut(in.Market)
	if err != nil {
		return nil, err
	}
	rec, err := funding.UpdateFundingRate(market, env.Oracles, c.state.OracleGuardRails, env.Now)
	if err != nil || rec == nil {
		return nil, err
	}
	return []event.Record{rec}, nil
}

func (c *DeterministicCore) updateSpotInterest(in *event.UpdateSpotInterest, env *state.Env) ([]event.Record, error) {
	market, err := c.spotMarkets.GetMut(in.Market)
	if err != nil {
		return nil, err
	}
	revenueBefore, err := spot.PoolTokenAmount(&market.RevenuePool, market)
	if err != nil {
		return nil, err
	}
	if _, err := spot.UpdateSpotMarketCumulativeInterest(market, env.Now); err != nil {
		return nil, err
	}
	if err := spot.UpdateSpotMarketTwaps(market, env.Now); err != nil {
		return nil, err
	}
	revenueAfter, err := spot.PoolTokenAmount(&market.RevenuePool, market)
	if err != nil {
		return nil, err
	}
	utilization, err := spot.MarketUtilization(market)
	if err != nil {
		return nil, err
	}
	borrowRate, err := spot.CalculateBorrowRate(market, utilization)
	if err != nil {
		return nil, err
	}
	depositRate, err := spot.CalculateDepositRate(borrowRate, utilization)
	if err != nil {
		return nil, err
	}
	var revenue uint64
	if revenueAfter > revenueBefore {
		revenue = revenueAfter - revenueBefore
	}
	return []event.Record{&event.SpotInterestRecord{
		Ts:                        env.Now,
		MarketIndex:               market.MarketIndex,
		DepositBalance:            market.DepositBalance,
		CumulativeDepositInterest: market.CumulativeDepositInterest,
		BorrowBalance:             market.BorrowBalance,
		CumulativeBorrowInterest:  market.CumulativeBorrowInterest,
		Utilization:               utilization,
		BorrowRate:                borrowRate,
		DepositRate:               depositRate,
		RevenueTokens:             revenue,
	}}, nil
}

func (c *DeterministicCore) fillPerpOrder(in *event.FillPerpOrder, env *state.Env) ([]event.Record, error) {
	taker, err := c.user(in.TakerID)
	if err != nil {
		return nil, err
	}
	p := orders.FillParams{
		Taker:        taker,
		TakerStats:   c.stats[in.TakerID],
		TakerOrderID: in.TakerOrderID,
		MarketIndex:  in.Market,
	}
	if in.MakerID != nil {
		if p.Maker, err = c.user(*in.MakerID); err != nil {
			return nil, err
		}
		p.MakerStats = c.stats[*in.MakerID]
		p.MakerOrderID = in.MakerOrderID
	}
	if in.FillerID != uuid.Nil {
		if p.Filler, err = c.user(in.FillerID); err != nil {
			return nil, err
		}
		p.FillerStats = c.stats[in.FillerID]
	}

	res, err := orders.FillPerpOrder(env, p)
	if err != nil {
		return nil, err
	}
	if res.ZeroFillReason != orders.ZeroFillNone && c.metrics != nil {
		c.metrics.ZeroFills.WithLabelValues(fmt.Sprintf("%d", in.Market), res.ZeroFillReason.String()).Inc()
	}

	records := make([]event.Record, 0, len(res.FundingRecords)+len(res.Records))
	for i := range res.FundingRecords {
		records = append(records, &res.FundingRecords[i])
	}
	return append(records, orderRecords(res.Records)...), nil
}

func orderRecords(recs []event.OrderActionRecord) []event.Record {
	out := make([]event.Record, len(recs))
	for i := range recs {
		out[i] = &recs[i]
	}
	return out
}

// liquidationRecords flattens a liquidation result: funding settled first,
// then cancelled or filled orders, then the liquidation itself.
func liquidationRecords(res liquidation.Result, err error) ([]event.Record, error) {
	if err != nil {
		return nil, err
	}
	records := make([]event.Record, 0, len(res.Funding)+len(res.Orders)+1)
	for i := range res.Funding {
		records = append(records, &res.Funding[i])
	}
	records = append(records, orderRecords(res.Orders)...)
	return append(records, &res.Record), nil
}
