package spot

import (
	"fmt"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// Protocol pools (revenue, perp pnl, perp fee) are deposit balances inside a
// spot market and count toward its DepositBalance.

// PoolTokenAmount returns the tokens held by a pool.
func PoolTokenAmount(pool *state.PoolBalance, market *state.SpotMarket) (uint64, error) {
	return GetTokenAmount(pool.ScaledBalance, market, state.SpotBalanceDeposit)
}

// UpdatePoolBalance deposits into (Deposit) or withdraws from (Borrow) a pool.
// A pool can never go negative.
func UpdatePoolBalance(tokenAmount uint64, direction state.SpotBalanceType, market *state.SpotMarket, pool *state.PoolBalance) error {
	if tokenAmount == 0 {
		return nil
	}
	if pool.MarketIndex != market.MarketIndex {
		return fmt.Errorf("%w: pool of market %d used with spot market %d",
			errs.ErrMarketIndexMismatch, pool.MarketIndex, market.MarketIndex)
	}

	if direction == state.SpotBalanceDeposit {
		delta, err := GetSpotBalance(tokenAmount, market, state.SpotBalanceDeposit, false)
		if err != nil {
			return err
		}
		if pool.ScaledBalance, err = fpmath.AddU64(pool.ScaledBalance, delta); err != nil {
			return err
		}
		return increaseMarketBalance(market, delta, state.SpotBalanceDeposit)
	}

	held, err := PoolTokenAmount(pool, market)
	if err != nil {
		return err
	}
	if tokenAmount > held {
		return fmt.Errorf("%w: pool holds %d, withdrawing %d", errs.ErrInvalidAmount, held, tokenAmount)
	}
	delta := pool.ScaledBalance
	if tokenAmount != held {
		if delta, err = GetSpotBalance(tokenAmount, market, state.SpotBalanceDeposit, true); err != nil {
			return err
		}
		delta = fpmath.MinU64(delta, pool.ScaledBalance)
	}
	pool.ScaledBalance -= delta
	return decreaseMarketBalance(market, delta, state.SpotBalanceDeposit)
}

// UpdateRevenuePoolBalances credits or debits the market's revenue pool.
func UpdateRevenuePoolBalances(tokenAmount uint64, direction state.SpotBalanceType, market *state.SpotMarket) error {
	return UpdatePoolBalance(tokenAmount, direction, market, &market.RevenuePool)
}

// DrawInsuranceFund takes up to want tokens from the market's insurance fund
// and returns how much was drawn. The drawn tokens enter the pool as deposits
// credited to the caller.
func DrawInsuranceFund(market *state.SpotMarket, want uint64) uint64 {
	covered, _ := state.ComputeCoverage(market.InsuranceFund.Balance, want)
	market.InsuranceFund.Balance -= covered
	return covered
}
