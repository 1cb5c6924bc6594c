package collateral

import (
	"fmt"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	"PerpRisk/internal/funding"
	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/position"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
)

// SettlePNL realizes a perp position's unrealized PnL into the user's quote
// balance through the market's PnL pool. Losses are paid in full and may
// open a quote borrow; gains are paid only as far as the pool holds.
func SettlePNL(env *state.Env, user *state.User, marketIndex uint16) (event.SettlePnlRecord, error) {
	if user.IsBankrupt() {
		return event.SettlePnlRecord{}, fmt.Errorf("%w: %s", errs.ErrUserBankrupt, user.ID)
	}
	market, err := env.PerpMarkets.GetMut(marketIndex)
	if err != nil {
		return event.SettlePnlRecord{}, err
	}
	quoteMarket, err := env.SpotMarkets.GetMut(market.QuoteSpotMarketIndex)
	if err != nil {
		return event.SettlePnlRecord{}, err
	}
	pos, err := user.GetPerpPosition(marketIndex)
	if err != nil {
		return event.SettlePnlRecord{}, err
	}

	price := market.ExpiryPrice
	if market.Status != state.MarketStatusSettlement {
		oracle, err := env.Oracles.Get(market.AMM.Oracle, market.AMM.OracleSource)
		if err != nil {
			return event.SettlePnlRecord{}, err
		}
		validity := state.ClassifyOracle(oracle, market.AMM.HistoricalOracleData.LastOraclePriceTwap, env.State.OracleGuardRails.Validity)
		if !validity.IsValidForAction(state.ActionSettlePnl) {
			return event.SettlePnlRecord{}, fmt.Errorf("%w: perp market %d oracle is %s", errs.ErrInvalidOracle, marketIndex, validity)
		}
		price = oracle.Price
	}

	if _, err := funding.SettleFundingPayment(user, pos, market, env.Now); err != nil {
		return event.SettlePnlRecord{}, err
	}

	pnl, err := margin.CalculateUnrealizedPnl(pos, market, price)
	if err != nil {
		return event.SettlePnlRecord{}, err
	}

	if pnl > 0 {
		pool, err := spot.PoolTokenAmount(&market.PnlPool, quoteMarket)
		if err != nil {
			return event.SettlePnlRecord{}, err
		}
		if pnl, err = fpmath.ToInt64(fpmath.MinU64(uint64(pnl), pool)); err != nil {
			return event.SettlePnlRecord{}, err
		}
	}
	if pnl == 0 {
		return event.SettlePnlRecord{}, fmt.Errorf("%w: nothing to settle in perp market %d", errs.ErrInvalidAmount, marketIndex)
	}

	spotPos, err := user.ForceGetSpotPosition(quoteMarket.MarketIndex)
	if err != nil {
		return event.SettlePnlRecord{}, err
	}
	amount := fpmath.UnsignedAbs(pnl)
	if pnl > 0 {
		if err := spot.UpdatePoolBalance(amount, state.SpotBalanceBorrow, quoteMarket, &market.PnlPool); err != nil {
			return event.SettlePnlRecord{}, err
		}
		if err := spot.UpdateSpotBalances(amount, state.SpotBalanceDeposit, quoteMarket, spotPos, false); err != nil {
			return event.SettlePnlRecord{}, err
		}
	} else {
		if err := spot.UpdateSpotBalances(amount, state.SpotBalanceBorrow, quoteMarket, spotPos, false); err != nil {
			return event.SettlePnlRecord{}, err
		}
		if err := spot.UpdatePoolBalance(amount, state.SpotBalanceDeposit, quoteMarket, &market.PnlPool); err != nil {
			return event.SettlePnlRecord{}, err
		}
	}

	if err := position.UpdateQuoteAssetAmount(pos, market, -pnl); err != nil {
		return event.SettlePnlRecord{}, err
	}
	if pos.SettledPnl, err = fpmath.AddI64(pos.SettledPnl, pnl); err != nil {
		return event.SettlePnlRecord{}, err
	}
	if user.SettledPerpPnl, err = fpmath.AddI64(user.SettledPerpPnl, pnl); err != nil {
		return event.SettlePnlRecord{}, err
	}

	return event.SettlePnlRecord{
		Ts:                    env.Now,
		User:                  user.ID,
		MarketIndex:           marketIndex,
		Pnl:                   pnl,
		BaseAssetAmount:       pos.BaseAssetAmount,
		QuoteAssetAmountAfter: pos.QuoteAssetAmount,
		QuoteEntryAmount:      pos.QuoteEntryAmount,
		SettlePrice:           price,
	}, nil
}
