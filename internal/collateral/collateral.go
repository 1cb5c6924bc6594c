// Package collateral moves tokens in and out of user spot balances and
// realizes perp PnL into the quote balance.
package collateral

import (
	"fmt"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
)

// Deposit credits amount tokens of a spot market to user. A reduce-only
// deposit only repays an existing borrow. A user being liquidated whose
// deposit lifts it back over the buffered requirement leaves liquidation.
func Deposit(env *state.Env, user *state.User, marketIndex uint16, amount uint64, reduceOnly bool) (event.DepositRecord, error) {
	if amount == 0 {
		return event.DepositRecord{}, fmt.Errorf("%w: zero deposit", errs.ErrInvalidAmount)
	}
	if user.IsBankrupt() {
		return event.DepositRecord{}, fmt.Errorf("%w: %s", errs.ErrUserBankrupt, user.ID)
	}
	market, err := env.SpotMarkets.GetMut(marketIndex)
	if err != nil {
		return event.DepositRecord{}, err
	}
	if err := checkMarketOpen(market); err != nil {
		return event.DepositRecord{}, err
	}
	if _, err := spot.UpdateSpotMarketCumulativeInterest(market, env.Now); err != nil {
		return event.DepositRecord{}, err
	}

	pos, err := user.ForceGetSpotPosition(marketIndex)
	if err != nil {
		return event.DepositRecord{}, err
	}

	if reduceOnly || market.Status == state.MarketStatusReduceOnly {
		borrowed := uint64(0)
		if pos.IsBorrow() {
			if borrowed, err = spot.GetTokenAmount(pos.ScaledBalance, market, state.SpotBalanceBorrow); err != nil {
				return event.DepositRecord{}, err
			}
		}
		if borrowed == 0 {
			return event.DepositRecord{}, fmt.Errorf("%w: reduce only deposit without a borrow", errs.ErrReduceOnly)
		}
		amount = fpmath.MinU64(amount, borrowed)
	}

	if market.MaxTokenDeposits > 0 {
		deposits, err := spot.GetTokenAmount(market.DepositBalance, market, state.SpotBalanceDeposit)
		if err != nil {
			return event.DepositRecord{}, err
		}
		if deposits+amount > market.MaxTokenDeposits {
			return event.DepositRecord{}, fmt.Errorf("%w: deposits %d + %d exceed max %d",
				errs.ErrInvalidAmount, deposits, amount, market.MaxTokenDeposits)
		}
	}

	oracle, err := env.Oracles.Get(market.Oracle, market.OracleSource)
	if err != nil {
		return event.DepositRecord{}, err
	}

	if err := spot.UpdateSpotBalances(amount, state.SpotBalanceDeposit, market, pos, false); err != nil {
		return event.DepositRecord{}, err
	}
	if err := addFlow(&user.TotalDeposits, amount, market, oracle.Price); err != nil {
		return event.DepositRecord{}, err
	}

	if user.IsBeingLiquidated() {
		calc, err := margin.CalculateMarginRequirementAndTotalCollateral(user, env.PerpMarkets, env.SpotMarkets, env.Oracles,
			margin.NewLiquidationContext(env.State.LiquidationMarginBufferRatio).WithGuardRails(env.State.OracleGuardRails.Validity))
		if err != nil {
			return event.DepositRecord{}, err
		}
		if calc.CanExitLiquidation() {
			if err := user.ExitLiquidation(); err != nil {
				return event.DepositRecord{}, err
			}
		}
	}

	return depositRecord(env, user, market, event.DirectionDeposit, amount, oracle.Price), nil
}

// Withdraw debits amount tokens. Withdrawing past the deposit opens a borrow
// unless reduceOnly, in which case the amount is capped at the deposit. The
// account must still meet the strict initial requirement afterwards.
func Withdraw(env *state.Env, user *state.User, marketIndex uint16, amount uint64, reduceOnly bool) (event.DepositRecord, error) {
	if amount == 0 {
		return event.DepositRecord{}, fmt.Errorf("%w: zero withdraw", errs.ErrInvalidAmount)
	}
	if user.IsBankrupt() {
		return event.DepositRecord{}, fmt.Errorf("%w: %s", errs.ErrUserBankrupt, user.ID)
	}
	if user.IsBeingLiquidated() {
		return event.DepositRecord{}, fmt.Errorf("%w: %s", errs.ErrUserBeingLiquidated, user.ID)
	}
	market, err := env.SpotMarkets.GetMut(marketIndex)
	if err != nil {
		return event.DepositRecord{}, err
	}
	if err := checkMarketOpen(market); err != nil {
		return event.DepositRecord{}, err
	}
	if _, err := spot.UpdateSpotMarketCumulativeInterest(market, env.Now); err != nil {
		return event.DepositRecord{}, err
	}

	savedUser, savedMarket := *user, *market

	pos, err := user.ForceGetSpotPosition(marketIndex)
	if err != nil {
		return event.DepositRecord{}, err
	}
	deposited := uint64(0)
	if pos.IsDeposit() {
		if deposited, err = spot.GetTokenAmount(pos.ScaledBalance, market, state.SpotBalanceDeposit); err != nil {
			return event.DepositRecord{}, err
		}
	}
	if reduceOnly || market.Status == state.MarketStatusReduceOnly {
		amount = fpmath.MinU64(amount, deposited)
		if amount == 0 {
			*user = savedUser
			return event.DepositRecord{}, fmt.Errorf("%w: reduce only withdraw without a deposit", errs.ErrReduceOnly)
		}
	}
	if amount > deposited && !canBorrow(market) {
		*user = savedUser
		return event.DepositRecord{}, fmt.Errorf("%w: spot market %d does not lend", errs.ErrInsufficientCollateral, marketIndex)
	}

	oracle, err := env.Oracles.Get(market.Oracle, market.OracleSource)
	if err != nil {
		*user = savedUser
		return event.DepositRecord{}, err
	}

	restore := func() {
		*user = savedUser
		*market = savedMarket
	}
	if err := spot.UpdateSpotBalances(amount, state.SpotBalanceBorrow, market, pos, true); err != nil {
		restore()
		return event.DepositRecord{}, err
	}
	ok, err := margin.MeetsWithdrawMarginRequirement(user, env.PerpMarkets, env.SpotMarkets, env.Oracles, env.State.OracleGuardRails.Validity)
	if err != nil {
		restore()
		return event.DepositRecord{}, err
	}
	if !ok {
		restore()
		return event.DepositRecord{}, fmt.Errorf("%w: withdrawing %d from spot market %d", errs.ErrInsufficientCollateral, amount, marketIndex)
	}
	if err := addFlow(&user.TotalWithdraws, amount, market, oracle.Price); err != nil {
		restore()
		return event.DepositRecord{}, err
	}

	return depositRecord(env, user, market, event.DirectionWithdraw, amount, oracle.Price), nil
}

func checkMarketOpen(market *state.SpotMarket) error {
	switch market.Status {
	case state.MarketStatusInitialized, state.MarketStatusSettlement, state.MarketStatusDelisted:
		return fmt.Errorf("%w: spot market %d is %s", errs.ErrMarketStatus, market.MarketIndex, market.Status)
	}
	return nil
}

// canBorrow reports a market that lends: it must be priced as a liability.
func canBorrow(market *state.SpotMarket) bool {
	return market.InitialLiabilityWeight > 0 && market.AssetTier != state.AssetTierUnlisted
}

// addFlow adds the quote value of a token flow to a running total.
func addFlow(total *uint64, amount uint64, market *state.SpotMarket, price int64) error {
	signed, err := fpmath.ToInt64(amount)
	if err != nil {
		return err
	}
	value, err := spot.GetTokenValue(signed, market.Decimals, price)
	if err != nil {
		return err
	}
	*total, err = fpmath.AddU64(*total, fpmath.UnsignedAbs(value))
	return err
}

func depositRecord(env *state.Env, user *state.User, market *state.SpotMarket, dir event.DepositDirection, amount uint64, price int64) event.DepositRecord {
	return event.DepositRecord{
		Ts:                              env.Now,
		User:                            user.ID,
		Direction:                       dir,
		Amount:                          amount,
		MarketIndex:                     market.MarketIndex,
		OraclePrice:                     price,
		MarketDepositBalance:            market.DepositBalance,
		MarketBorrowBalance:             market.BorrowBalance,
		MarketCumulativeDepositInterest: market.CumulativeDepositInterest,
		MarketCumulativeBorrowInterest:  market.CumulativeBorrowInterest,
		TotalDepositsAfter:              user.TotalDeposits,
		TotalWithdrawsAfter:             user.TotalWithdraws,
	}
}
