package liquidation

import (
	"fmt"

	"github.com/google/uuid"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	"PerpRisk/internal/funding"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/position"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
)

// ResolvePerpBankruptcy writes off a bankrupt user's negative pnl in
// marketIndex. The insurance fund of the quote market pays what the
// market's claim allows into the pnl pool; the rest is charged to every
// open position through the cumulative funding rates, settled lazily.
func ResolvePerpBankruptcy(env *state.Env, user *state.User, liquidatorID uuid.UUID, marketIndex uint16) (Result, error) {
	if !user.IsBankrupt() {
		return Result{}, fmt.Errorf("%w: %s", errs.ErrUserNotBankrupt, user.ID)
	}
	market, err := env.PerpMarkets.GetMut(marketIndex)
	if err != nil {
		return Result{}, err
	}
	quoteMarket, err := openSpotMarket(env, market.QuoteSpotMarketIndex)
	if err != nil {
		return Result{}, err
	}
	pos, err := user.GetPerpPosition(marketIndex)
	if err != nil {
		return Result{}, err
	}
	if pos.BaseAssetAmount != 0 || pos.HasOpenOrder() {
		return Result{}, fmt.Errorf("%w: perp market %d position still open", errs.ErrInvalidLiquidation, marketIndex)
	}
	if pos.QuoteAssetAmount >= 0 {
		return Result{}, fmt.Errorf("%w: no loss in perp market %d", errs.ErrInvalidLiquidation, marketIndex)
	}
	loss := pos.QuoteAssetAmount

	headroom := state.PerpInsuranceHeadroom(market, quoteMarket.InsuranceFund.Balance)
	ifPayment := spot.DrawInsuranceFund(quoteMarket, fpmath.MinU64(fpmath.UnsignedAbs(loss), headroom))
	if err := spot.UpdatePoolBalance(ifPayment, state.SpotBalanceDeposit, quoteMarket, &market.PnlPool); err != nil {
		return Result{}, err
	}
	if market.InsuranceClaim.QuoteSettledInsurance, err = fpmath.AddU64(market.InsuranceClaim.QuoteSettledInsurance, ifPayment); err != nil {
		return Result{}, err
	}

	signedPayment, err := fpmath.ToInt64(ifPayment)
	if err != nil {
		return Result{}, err
	}
	delta, err := funding.SocializeLoss(market, loss+signedPayment)
	if err != nil {
		return Result{}, err
	}
	if err := position.UpdateQuoteAssetAmount(pos, market, -loss); err != nil {
		return Result{}, err
	}

	if !IsUserBankrupt(user) {
		if err := user.ExitBankruptcy(); err != nil {
			return Result{}, err
		}
	}

	return Result{Record: event.LiquidationRecord{
		Ts:              env.Now,
		Slot:            env.Slot,
		LiquidationType: event.LiquidationTypePerpBankruptcy,
		User:            user.ID,
		Liquidator:      liquidatorID,
		LiquidationID:   user.NextLiquidationID - 1,
		Bankrupt:        user.IsBankrupt(),
		PerpBankruptcy: &event.PerpBankruptcyDetail{
			MarketIndex:                marketIndex,
			Pnl:                        loss,
			IfPayment:                  ifPayment,
			CumulativeFundingRateDelta: delta,
		},
	}}, nil
}

// ResolveSpotBankruptcy clears a bankrupt user's borrow in marketIndex. The
// market's insurance fund repays what it holds; the rest is taken from every
// depositor by lowering the cumulative deposit interest.
func ResolveSpotBankruptcy(env *state.Env, user *state.User, liquidatorID uuid.UUID, marketIndex uint16) (Result, error) {
	if !user.IsBankrupt() {
		return Result{}, fmt.Errorf("%w: %s", errs.ErrUserNotBankrupt, user.ID)
	}
	market, err := openSpotMarket(env, marketIndex)
	if err != nil {
		return Result{}, err
	}
	pos, borrow, err := balanceOf(user, market, state.SpotBalanceBorrow)
	if err != nil {
		return Result{}, err
	}

	ifPayment := spot.DrawInsuranceFund(market, borrow)
	loss := borrow - ifPayment

	var interestDelta uint64
	if loss > 0 {
		if interestDelta, err = cumulativeDepositInterestDeltaForLoss(market, loss); err != nil {
			return Result{}, err
		}
		if interestDelta >= market.CumulativeDepositInterest {
			return Result{}, fmt.Errorf("%w: loss %d wipes out spot market %d deposits", errs.ErrMath, loss, marketIndex)
		}
		market.CumulativeDepositInterest -= interestDelta
		if market.TotalSocialLoss, err = fpmath.AddU64(market.TotalSocialLoss, loss); err != nil {
			return Result{}, err
		}
		if err := addQuoteSocialLoss(env, market, loss); err != nil {
			return Result{}, err
		}
	}
	if err := spot.UpdateSpotBalances(borrow, state.SpotBalanceDeposit, market, pos, false); err != nil {
		return Result{}, err
	}

	if !IsUserBankrupt(user) {
		if err := user.ExitBankruptcy(); err != nil {
			return Result{}, err
		}
	}

	return Result{Record: event.LiquidationRecord{
		Ts:              env.Now,
		Slot:            env.Slot,
		LiquidationType: event.LiquidationTypeSpotBankruptcy,
		User:            user.ID,
		Liquidator:      liquidatorID,
		LiquidationID:   user.NextLiquidationID - 1,
		Bankrupt:        user.IsBankrupt(),
		SpotBankruptcy: &event.SpotBankruptcyDetail{
			MarketIndex:                    marketIndex,
			BorrowAmount:                   borrow,
			IfPayment:                      ifPayment,
			CumulativeDepositInterestDelta: interestDelta,
		},
	}}, nil
}

// cumulativeDepositInterestDeltaForLoss is the index cut that takes loss
// tokens from the market's deposits, rounded up.
func cumulativeDepositInterestDeltaForLoss(market *state.SpotMarket, loss uint64) (uint64, error) {
	deposits, err := spot.GetTokenAmount(market.DepositBalance, market, state.SpotBalanceDeposit)
	if err != nil {
		return 0, err
	}
	if deposits == 0 {
		return 0, fmt.Errorf("%w: spot market %d has no deposits to absorb %d", errs.ErrMath, market.MarketIndex, loss)
	}
	return fpmath.MulDivCeilU(market.CumulativeDepositInterest, loss, deposits)
}

func addQuoteSocialLoss(env *state.Env, market *state.SpotMarket, loss uint64) error {
	oracle, err := env.Oracles.Get(market.Oracle, market.OracleSource)
	if err != nil {
		return err
	}
	signed, err := fpmath.ToInt64(loss)
	if err != nil {
		return err
	}
	value, err := spot.GetTokenValue(signed, market.Decimals, oracle.Price)
	if err != nil {
		return err
	}
	market.TotalQuoteSocialLoss, err = fpmath.AddU64(market.TotalQuoteSocialLoss, fpmath.UnsignedAbs(value))
	return err
}
