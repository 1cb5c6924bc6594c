// Package liquidation moves risk from accounts below their maintenance
// requirement to liquidators, and writes off what bankrupt accounts cannot
// pay through the insurance fund and social loss.
//
// Calls mutate users and markets in place. On error the caller discards every
// mutation made by the call.
package liquidation

import (
	"fmt"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	"PerpRisk/internal/funding"
	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/orders"
	"PerpRisk/internal/state"
)

// Result is everything one liquidation call emitted.
type Result struct {
	Record  event.LiquidationRecord
	Orders  []event.OrderActionRecord
	Funding []event.FundingPaymentRecord
}

// session is one liquidation call between a user and a liquidator.
type session struct {
	env        *state.Env
	user       *state.User
	liquidator *state.User
	ctx        margin.Context

	// calc is the user's margin right before the transfer.
	calc          margin.Calculation
	liquidationID uint16
	res           Result
}

func newSession(env *state.Env, user, liquidator *state.User, kind event.LiquidationType) (*session, error) {
	if user.ID == liquidator.ID {
		return nil, fmt.Errorf("%w: user %s cannot liquidate itself", errs.ErrInvalidLiquidation, user.ID)
	}
	if user.IsBankrupt() {
		return nil, fmt.Errorf("%w: %s", errs.ErrUserBankrupt, user.ID)
	}
	if liquidator.IsBeingLiquidated() || liquidator.IsBankrupt() {
		return nil, fmt.Errorf("%w: liquidator %s", errs.ErrUserBeingLiquidated, liquidator.ID)
	}
	s := &session{
		env:        env,
		user:       user,
		liquidator: liquidator,
		ctx: margin.NewLiquidationContext(env.State.LiquidationMarginBufferRatio).
			WithGuardRails(env.State.OracleGuardRails.Validity),
	}
	s.res.Record = event.LiquidationRecord{
		Ts:              env.Now,
		Slot:            env.Slot,
		LiquidationType: kind,
		User:            user.ID,
		Liquidator:      liquidator.ID,
	}
	return s, nil
}

func (s *session) margin() (margin.Calculation, error) {
	return margin.CalculateMarginRequirementAndTotalCollateral(s.user, s.env.PerpMarkets, s.env.SpotMarkets, s.env.Oracles, s.ctx)
}

// settleFunding settles both parties in market before either is valued.
func (s *session) settleFunding(market *state.PerpMarket) error {
	for _, u := range []*state.User{s.user, s.liquidator} {
		pos, err := u.GetPerpPosition(market.MarketIndex)
		if err != nil {
			continue
		}
		rec, err := funding.SettleFundingPayment(u, pos, market, s.env.Now)
		if err != nil {
			return err
		}
		if rec != nil {
			s.res.Funding = append(s.res.Funding, *rec)
		}
	}
	return nil
}

// begin runs the entry sequence shared by every liquidation: a healthy user
// is refused, a recovered user leaves liquidation, anyone else is flagged
// and has all open orders cancelled. done reports the call ended without a
// transfer.
func (s *session) begin() (done bool, err error) {
	calc, err := s.margin()
	if err != nil {
		return false, err
	}
	s.setMargin(calc)

	if !s.user.IsBeingLiquidated() && calc.MeetsMarginRequirement() {
		return false, fmt.Errorf("%w: collateral %d, requirement %d",
			errs.ErrSufficientCollateral, calc.TotalCollateral, calc.MarginRequirement)
	}
	if s.user.IsBeingLiquidated() && calc.CanExitLiquidation() {
		s.res.Record.LiquidationID = s.user.NextLiquidationID - 1
		return true, s.user.ExitLiquidation()
	}

	if s.liquidationID, err = s.user.EnterLiquidation(s.env.Slot); err != nil {
		return false, err
	}
	s.res.Record.LiquidationID = s.liquidationID

	canceled, err := orders.CancelOrders(s.env, s.user, orders.CancelFilter{}, event.ExplanationCanceledForLiquidation)
	if err != nil {
		return false, err
	}
	if len(canceled) == 0 {
		return false, nil
	}
	s.res.Orders = append(s.res.Orders, canceled...)
	for i := range canceled {
		s.res.Record.CanceledOrderIDs = append(s.res.Record.CanceledOrderIDs, canceled[i].TakerOrderID)
	}

	after, err := s.margin()
	if err != nil {
		return false, err
	}
	if err := s.addMarginFreed(fpmath.SaturatingSubU64(calc.MarginShortage(), after.MarginShortage())); err != nil {
		return false, err
	}
	s.calc = after
	if after.CanExitLiquidation() {
		return true, s.user.ExitLiquidation()
	}
	return false, nil
}

// addMarginFreed credits freed margin to the record and to the user's running
// total, which paces how much later calls may liquidate.
func (s *session) addMarginFreed(freed uint64) (err error) {
	if s.res.Record.MarginFreed, err = fpmath.AddU64(s.res.Record.MarginFreed, freed); err != nil {
		return err
	}
	s.user.LiquidationMarginFreed, err = fpmath.AddU64(s.user.LiquidationMarginFreed, freed)
	return err
}

func (s *session) setMargin(calc margin.Calculation) {
	s.calc = calc
	s.res.Record.MarginRequirement = calc.MarginRequirement
	s.res.Record.TotalCollateral = calc.TotalCollateral
}

// maxPct is the share of the current shortage this call may free.
func (s *session) maxPct() (uint64, error) {
	return calculateMaxPctToLiquidate(s.user, s.calc.MarginShortage(), s.env.Slot,
		s.env.State.InitialPctToLiquidate, s.env.State.LiquidationDuration)
}

// checkLiquidator requires the liquidator to hold its new risk at initial margin.
func (s *session) checkLiquidator() error {
	ok, err := margin.MeetsInitialMarginRequirement(s.liquidator, s.env.PerpMarkets, s.env.SpotMarkets, s.env.Oracles,
		s.env.State.OracleGuardRails.Validity)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: liquidator %s", errs.ErrInsufficientCollateral, s.liquidator.ID)
	}
	return nil
}

// finish books the margin freed by the transfer and moves the user out of
// liquidation or into bankruptcy.
func (s *session) finish() (Result, error) {
	after, err := s.margin()
	if err != nil {
		return Result{}, err
	}
	if err := s.addMarginFreed(fpmath.SaturatingSubU64(s.calc.MarginShortage(), after.MarginShortage())); err != nil {
		return Result{}, err
	}

	switch {
	case after.CanExitLiquidation():
		err = s.user.ExitLiquidation()
	case IsUserBankrupt(s.user):
		err = s.user.EnterBankruptcy()
		s.res.Record.Bankrupt = err == nil
	}
	return s.res, err
}

// IsUserBankrupt reports a user with liabilities and nothing left to seize:
// no deposits, no perp base, no open orders and no positive pnl.
func IsUserBankrupt(user *state.User) bool {
	hasLiability := false
	for i := range user.SpotPositions {
		pos := &user.SpotPositions[i]
		if pos.ScaledBalance == 0 {
			continue
		}
		if pos.IsDeposit() {
			return false
		}
		hasLiability = true
	}
	for i := range user.PerpPositions {
		pos := &user.PerpPositions[i]
		if pos.BaseAssetAmount != 0 || pos.QuoteAssetAmount > 0 || pos.HasOpenOrder() {
			return false
		}
		if pos.QuoteAssetAmount < 0 {
			hasLiability = true
		}
	}
	return hasLiability
}

// calculateMaxPctToLiquidate ramps the share of margin a liquidation may free
// from initialPct at entry to all of it after duration slots. Small
// shortages are liquidated at once.
func calculateMaxPctToLiquidate(user *state.User, shortage uint64, slot uint64, initialPct uint16, duration uint8) (uint64, error) {
	if shortage < 50*fpmath.QuotePrecisionU64 || duration == 0 || uint64(initialPct) >= fpmath.LiquidationPctPrecision {
		return fpmath.LiquidationPctPrecision, nil
	}

	elapsed := fpmath.SaturatingSubU64(slot, user.LastActiveSlot)
	ramp, err := fpmath.MulDivU(elapsed, fpmath.LiquidationPctPrecision-uint64(initialPct), uint64(duration))
	if err != nil {
		return 0, err
	}
	pctFreeable := fpmath.MinU64(fpmath.LiquidationPctPrecision, ramp+uint64(initialPct))

	total, err := fpmath.AddU64(shortage, user.LiquidationMarginFreed)
	if err != nil {
		return 0, err
	}
	maxFreed, err := fpmath.MulDivU(total, pctFreeable, fpmath.LiquidationPctPrecision)
	if err != nil {
		return 0, err
	}
	freeable := fpmath.SaturatingSubU64(maxFreed, user.LiquidationMarginFreed)
	return fpmath.MulDivU(freeable, fpmath.LiquidationPctPrecision, shortage)
}
