package orders

import (
	"errors"
	"fmt"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/auction"
	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	"PerpRisk/internal/fees"
	"PerpRisk/internal/funding"
	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/position"
	"PerpRisk/internal/state"
)

// ZeroFillReason says why a fill request moved nothing. Zero fills are not
// errors: the request was well formed but the book did not allow a trade.
type ZeroFillReason uint8

const (
	ZeroFillNone ZeroFillReason = iota
	ZeroFillMakerMarketMismatch
	ZeroFillMakerSameDirection
	ZeroFillMakerOrderNotFound
	ZeroFillSelfTrade
	ZeroFillMakerInAuction
	ZeroFillPriceNotCrossed
	ZeroFillAmmUnavailable
	ZeroFillOrderExpired
	ZeroFillInsufficientCollateral
)

func (r ZeroFillReason) String() string {
	switch r {
	case ZeroFillNone:
		return "none"
	case ZeroFillMakerMarketMismatch:
		return "maker_market_mismatch"
	case ZeroFillMakerSameDirection:
		return "maker_same_direction"
	case ZeroFillMakerOrderNotFound:
		return "maker_order_not_found"
	case ZeroFillSelfTrade:
		return "self_trade"
	case ZeroFillMakerInAuction:
		return "maker_in_auction"
	case ZeroFillPriceNotCrossed:
		return "price_not_crossed"
	case ZeroFillAmmUnavailable:
		return "amm_unavailable"
	case ZeroFillOrderExpired:
		return "order_expired"
	default:
		return "insufficient_collateral"
	}
}

// FillParams names the parties of one fill. Maker and the stats pointers are
// optional; a nil Maker fills against the AMM only.
type FillParams struct {
	Taker        *state.User
	TakerStats   *state.UserStats
	TakerOrderID uint32

	Maker        *state.User
	MakerStats   *state.UserStats
	MakerOrderID uint32

	Filler      *state.User
	FillerStats *state.UserStats

	MarketIndex uint16
}

type FillResult struct {
	BaseAssetAmountFilled  uint64
	QuoteAssetAmountFilled uint64
	ZeroFillReason         ZeroFillReason
	Records                []event.OrderActionRecord
	FundingRecords         []event.FundingPaymentRecord
}

// fillerMultiplier is zero when there is no filler or the filler is one of
// the two parties.
func (p *FillParams) fillerMultiplier() uint64 {
	if p.Filler == nil || p.Filler == p.Taker || p.Filler == p.Maker {
		return 0
	}
	return 1
}

// fill carries one FillPerpOrder call.
type fill struct {
	env    *state.Env
	p      *FillParams
	market *state.PerpMarket
	oracle state.OraclePriceData
	// ammValid is false when the oracle may not price AMM fills, JIT included.
	ammValid bool

	takerOrder *state.Order
	takerPos   *state.PerpPosition
	takerLimit uint64

	makerOrder *state.Order
	makerPos   *state.PerpPosition

	res FillResult
}

// FillPerpOrder fills the taker order against the maker order, letting the
// AMM cut in when JIT is active, and then against the AMM once the taker's
// auction is over. A fill that would leave either party below fill margin
// is undone and reported as a zero fill.
func FillPerpOrder(env *state.Env, p FillParams) (FillResult, error) {
	taker := p.Taker
	if taker == nil {
		return FillResult{}, fmt.Errorf("%w: no taker", errs.ErrUserNotFound)
	}
	ti, err := taker.GetOrderIndex(p.TakerOrderID)
	if err != nil {
		return FillResult{}, err
	}
	takerOrder := &taker.Orders[ti]
	if takerOrder.MarketType != state.MarketTypePerp || takerOrder.MarketIndex != p.MarketIndex {
		return FillResult{}, fmt.Errorf("%w: taker order %d is for %s market %d",
			errs.ErrMarketIndexMismatch, takerOrder.OrderID, takerOrder.MarketType, takerOrder.MarketIndex)
	}
	if err := checkUserCanTrade(taker); err != nil {
		return FillResult{}, err
	}
	market, err := env.PerpMarkets.GetMut(p.MarketIndex)
	if err != nil {
		return FillResult{}, err
	}
	if !market.Status.CanFill() {
		return FillResult{}, fmt.Errorf("%w: perp market %d is %s", errs.ErrMarketStatus, market.MarketIndex, market.Status)
	}
	if takerOrder.MustBeTriggered() {
		return FillResult{}, fmt.Errorf("%w: order %d has not been triggered", errs.ErrInvalidOrder, takerOrder.OrderID)
	}

	if takerOrder.IsExpired(env.Now) {
		rec, err := CancelOrderAt(env, taker, ti, event.ExplanationOrderExpired)
		if err != nil {
			return FillResult{}, err
		}
		return FillResult{ZeroFillReason: ZeroFillOrderExpired, Records: []event.OrderActionRecord{rec}}, nil
	}

	oracle, validity, err := perpOracle(env, market)
	if err != nil {
		return FillResult{}, err
	}

	f := &fill{
		env:        env,
		p:          &p,
		market:     market,
		oracle:     oracle,
		ammValid:   validity.IsValidForAction(state.ActionFillOrderAmm),
		takerOrder: takerOrder,
	}

	if p.Maker != nil {
		if reason := f.findMakerOrder(); reason != ZeroFillNone {
			return FillResult{ZeroFillReason: reason}, nil
		}
	}

	if f.takerPos, err = taker.ForceGetPerpPosition(market.MarketIndex); err != nil {
		return FillResult{}, err
	}
	if err := f.settleFunding(taker, f.takerPos); err != nil {
		return FillResult{}, err
	}
	if f.makerOrder != nil {
		if f.makerPos, err = p.Maker.ForceGetPerpPosition(market.MarketIndex); err != nil {
			return FillResult{}, err
		}
		if err := f.settleFunding(p.Maker, f.makerPos); err != nil {
			return FillResult{}, err
		}
	}

	snap := f.snapshot()
	takerBaseBefore := f.takerPos.BaseAssetAmount
	var makerBaseBefore int64
	if f.makerPos != nil {
		makerBaseBefore = f.makerPos.BaseAssetAmount
	}

	limit, ok, err := auction.GetLimitPrice(takerOrder, oracle.Price, env.Slot, market.AMM.OrderTickSize)
	if err != nil {
		return FillResult{}, err
	}
	if !ok && takerOrder.AuctionEndPrice > 0 {
		limit = uint64(takerOrder.AuctionEndPrice)
	}
	f.takerLimit = limit

	if f.makerOrder != nil {
		if err := f.fillWithMaker(); err != nil {
			return FillResult{}, err
		}
	}

	remaining := takerOrder.GetBaseAssetAmountUnfilled(f.takerPos.BaseAssetAmount)
	switch {
	case remaining == 0 || takerOrder.PostOnly:
	case !auction.IsAmmAvailable(takerOrder, env.State.MinPerpAuctionDuration, env.Slot), !f.ammValid:
		if f.res.BaseAssetAmountFilled == 0 && f.res.ZeroFillReason == ZeroFillNone {
			f.res.ZeroFillReason = ZeroFillAmmUnavailable
		}
	default:
		if err := f.fillWithAmm(remaining); err != nil {
			return FillResult{}, err
		}
	}

	if f.res.BaseAssetAmountFilled == 0 {
		return f.closeIfDone(ti)
	}

	ok, err = f.meetsFillMargin(taker, takerBaseBefore)
	if err != nil {
		return FillResult{}, err
	}
	if ok && f.makerPos != nil {
		if ok, err = f.meetsFillMargin(p.Maker, makerBaseBefore); err != nil {
			return FillResult{}, err
		}
	}
	if !ok {
		snap.restore(f)
		return FillResult{ZeroFillReason: ZeroFillInsufficientCollateral, FundingRecords: f.res.FundingRecords}, nil
	}

	if err := amm.UpdateMarkTwap(&market.AMM, env.Now); err != nil {
		return FillResult{}, err
	}
	return f.closeIfDone(ti)
}

// findMakerOrder validates the maker side before anything is written.
func (f *fill) findMakerOrder() ZeroFillReason {
	maker := f.p.Maker
	if maker == f.p.Taker || maker.ID == f.p.Taker.ID {
		return ZeroFillSelfTrade
	}
	mi, err := maker.GetOrderIndex(f.p.MakerOrderID)
	if err != nil {
		return ZeroFillMakerOrderNotFound
	}
	o := &maker.Orders[mi]
	switch {
	case o.MarketType != state.MarketTypePerp || o.MarketIndex != f.market.MarketIndex:
		return ZeroFillMakerMarketMismatch
	case o.Direction == f.takerOrder.Direction:
		return ZeroFillMakerSameDirection
	case o.MustBeTriggered() || o.IsExpired(f.env.Now):
		return ZeroFillMakerOrderNotFound
	case auction.HasAuctionPrice(o, f.env.Slot):
		return ZeroFillMakerInAuction
	}
	if maker.IsBankrupt() || maker.IsBeingLiquidated() {
		return ZeroFillMakerOrderNotFound
	}
	f.makerOrder = o
	return ZeroFillNone
}

func (f *fill) settleFunding(user *state.User, pos *state.PerpPosition) error {
	rec, err := funding.SettleFundingPayment(user, pos, f.market, f.env.Now)
	if err != nil {
		return err
	}
	if rec != nil {
		f.res.FundingRecords = append(f.res.FundingRecords, *rec)
	}
	return nil
}

// crosses reports whether the taker's limit accepts price.
func (f *fill) crosses(price uint64) bool {
	if f.takerLimit == 0 {
		return true
	}
	if f.takerOrder.Direction == state.Long {
		return f.takerLimit >= price
	}
	return f.takerLimit <= price
}

func (f *fill) fillWithMaker() error {
	a := &f.market.AMM
	makerPrice, ok, err := auction.GetLimitPrice(f.makerOrder, f.oracle.Price, f.env.Slot, a.OrderTickSize)
	if err != nil {
		return err
	}
	if !ok || !f.crosses(makerPrice) {
		f.res.ZeroFillReason = ZeroFillPriceNotCrossed
		return nil
	}

	takerUnfilled := f.takerOrder.GetBaseAssetAmountUnfilled(f.takerPos.BaseAssetAmount)
	makerUnfilled := f.makerOrder.GetBaseAssetAmountUnfilled(f.makerPos.BaseAssetAmount)
	matched := fpmath.StandardizeU64(fpmath.MinU64(takerUnfilled, makerUnfilled), a.OrderStepSize)
	if matched == 0 {
		return nil
	}

	var jit uint64
	if f.ammValid {
		if jit, err = calculateJitBaseAssetAmount(a, f.takerOrder.Direction, matched, takerUnfilled, makerPrice); err != nil {
			return err
		}
	}
	if jit > 0 {
		filled, err := f.fillWithAmmAt(jit, makerPrice, event.ExplanationOrderFilledWithAMMJit)
		if err != nil {
			return err
		}
		jit = filled
	}

	makerBase := matched - fpmath.MinU64(jit, matched)
	if makerBase == 0 {
		return nil
	}
	explanation := event.ExplanationOrderFilledWithMatch
	if jit > 0 {
		explanation = event.ExplanationOrderFilledWithMatchJit
	}
	return f.fillWithMatch(makerBase, makerPrice, explanation)
}

// fillWithMatch books a maker/taker trade of base at the maker's price.
func (f *fill) fillWithMatch(base, price uint64, explanation event.OrderActionExplanation) error {
	env, market, p := f.env, f.market, f.p

	quote, err := fpmath.MulDivU64(base, price, uint64(fpmath.PriceTimesAmmToQuotePrecisionRatio), fpmath.RoundDown)
	if err != nil {
		return err
	}
	feeLegs, err := fees.CalculateFeeForFulfillmentWithMatch(p.TakerStats, p.MakerStats, quote,
		&env.State.PerpFeeStructure, f.takerOrder.Slot, env.Slot, p.fillerMultiplier())
	if err != nil {
		return err
	}

	takerDelta, err := position.GetPositionDeltaForFill(base, quote, f.takerOrder.Direction)
	if err != nil {
		return err
	}
	if _, err := position.UpdatePositionAndMarket(f.takerPos, market, takerDelta); err != nil {
		return err
	}
	makerDelta, err := position.GetPositionDeltaForFill(base, quote, f.makerOrder.Direction)
	if err != nil {
		return err
	}
	if _, err := position.UpdatePositionAndMarket(f.makerPos, market, makerDelta); err != nil {
		return err
	}

	takerFee, err := fpmath.ToInt64(feeLegs.TakerFee)
	if err != nil {
		return err
	}
	makerRebate, err := fpmath.ToInt64(feeLegs.MakerRebate)
	if err != nil {
		return err
	}
	if err := position.UpdateQuoteAssetAndBreakEvenAmount(f.takerPos, market, -takerFee); err != nil {
		return err
	}
	if err := position.UpdateQuoteAssetAndBreakEvenAmount(f.makerPos, market, makerRebate); err != nil {
		return err
	}
	if err := f.payFiller(feeLegs.FillerReward, quote); err != nil {
		return err
	}
	if err := f.bookMarketFees(feeLegs.TakerFee, feeLegs.FeeToMarket); err != nil {
		return err
	}

	if err := updateStats(p.TakerStats, quote, env.Now, (*state.UserStats).UpdateTakerVolume30d); err != nil {
		return err
	}
	if err := updateStats(p.MakerStats, quote, env.Now, (*state.UserStats).UpdateMakerVolume30d); err != nil {
		return err
	}
	if p.TakerStats != nil {
		p.TakerStats.Fees.TotalFeePaid += feeLegs.TakerFee
	}
	if p.MakerStats != nil {
		p.MakerStats.Fees.TotalFeeRebate += feeLegs.MakerRebate
	}

	if err := updateOrderFill(f.takerOrder, f.takerPos, base, quote); err != nil {
		return err
	}
	if err := updateOrderFill(f.makerOrder, f.makerPos, base, quote); err != nil {
		return err
	}

	rec := f.fillRecord(base, quote, explanation, feeLegs.TakerFee, feeLegs.FillerReward)
	rec.MakerFee = -makerRebate
	rec.Maker = p.Maker.ID
	rec.MakerOrderID = f.makerOrder.OrderID
	rec.MakerOrderDirection = f.makerOrder.Direction
	rec.MakerOrderBaseAssetAmount = f.makerOrder.BaseAssetAmount
	rec.MakerOrderBaseFilled = f.makerOrder.BaseAssetAmountFilled
	rec.MakerOrderQuoteFilled = f.makerOrder.QuoteAssetAmountFilled
	f.record(rec, base, quote)
	return nil
}

// fillWithAmm takes up to remaining from the AMM, bounded by the taker's
// limit price and by what the AMM can fill in one go.
func (f *fill) fillWithAmm(remaining uint64) error {
	a := &f.market.AMM
	if err := amm.UpdateSpreads(a, f.oracle.Price); err != nil {
		return err
	}

	base := remaining
	if f.takerLimit > 0 {
		maxBase, dir, err := amm.CalculateMaxBaseAssetAmountToTrade(a, f.takerLimit, f.takerOrder.Direction)
		if err != nil {
			return err
		}
		if dir != f.takerOrder.Direction {
			maxBase = 0
		}
		base = fpmath.MinU64(base, maxBase)
	}
	base = fpmath.MinU64(base, amm.CalculateMaxBaseAssetAmountFillable(a, f.takerOrder.Direction))
	base = fpmath.StandardizeU64(base, a.OrderStepSize)
	if base == 0 {
		if f.res.BaseAssetAmountFilled == 0 && f.res.ZeroFillReason == ZeroFillNone {
			f.res.ZeroFillReason = ZeroFillPriceNotCrossed
		}
		return nil
	}

	_, err := f.fillWithAmmAt(base, 0, event.ExplanationOrderFilledWithAMM)
	return err
}

// fillWithAmmAt swaps base against the AMM at fillPrice (zero for the AMM's
// own spread price) and books it on the taker. A swap the AMM refuses fills
// nothing.
func (f *fill) fillWithAmmAt(base, fillPrice uint64, explanation event.OrderActionExplanation) (uint64, error) {
	env, market, p := f.env, f.market, f.p
	a := &market.AMM

	swap, err := amm.SwapBaseAsset(a, base, f.takerOrder.Direction, fillPrice)
	if errors.Is(err, errs.ErrInvalidAmount) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	quote := swap.QuoteAssetAmount

	feeLegs, err := fees.CalculateFeeForFulfillmentWithAMM(p.TakerStats, quote,
		&env.State.PerpFeeStructure, f.takerOrder.Slot, env.Slot, p.fillerMultiplier())
	if err != nil {
		return 0, err
	}

	delta, err := position.GetPositionDeltaForFill(base, quote, f.takerOrder.Direction)
	if err != nil {
		return 0, err
	}
	if _, err := position.UpdatePositionAndMarket(f.takerPos, market, delta); err != nil {
		return 0, err
	}
	if a.BaseAssetAmountWithAmm, err = fpmath.AddI64(a.BaseAssetAmountWithAmm, delta.BaseAssetAmount); err != nil {
		return 0, err
	}

	takerFee, err := fpmath.ToInt64(feeLegs.TakerFee)
	if err != nil {
		return 0, err
	}
	if err := position.UpdateQuoteAssetAndBreakEvenAmount(f.takerPos, market, -takerFee); err != nil {
		return 0, err
	}
	if err := f.payFiller(feeLegs.FillerReward, quote); err != nil {
		return 0, err
	}
	if err := f.bookMarketFees(feeLegs.TakerFee, feeLegs.FeeToMarket); err != nil {
		return 0, err
	}
	if err := updateStats(p.TakerStats, quote, env.Now, (*state.UserStats).UpdateTakerVolume30d); err != nil {
		return 0, err
	}
	if p.TakerStats != nil {
		p.TakerStats.Fees.TotalFeePaid += feeLegs.TakerFee
	}

	if err := updateOrderFill(f.takerOrder, f.takerPos, base, quote); err != nil {
		return 0, err
	}

	rec := f.fillRecord(base, quote, explanation, feeLegs.TakerFee, feeLegs.FillerReward)
	rec.QuoteAssetAmountSurplus = swap.Surplus
	f.record(rec, base, quote)
	return base, nil
}

func (f *fill) payFiller(reward, quote uint64) error {
	if reward == 0 || f.p.fillerMultiplier() == 0 {
		return nil
	}
	pos, err := f.p.Filler.ForceGetPerpPosition(f.market.MarketIndex)
	if err != nil {
		return err
	}
	r, err := fpmath.ToInt64(reward)
	if err != nil {
		return err
	}
	if err := position.UpdateQuoteAssetAmount(pos, f.market, r); err != nil {
		return err
	}
	return updateStats(f.p.FillerStats, quote, f.env.Now, (*state.UserStats).UpdateFillerVolume30d)
}

func (f *fill) bookMarketFees(takerFee uint64, feeToMarket int64) error {
	a := &f.market.AMM
	if err := amm.BookFee(a, feeToMarket); err != nil {
		return err
	}
	var err error
	a.TotalExchangeFee, err = fpmath.AddU64(a.TotalExchangeFee, takerFee)
	return err
}

func (f *fill) fillRecord(base, quote uint64, explanation event.OrderActionExplanation, takerFee, fillerReward uint64) event.OrderActionRecord {
	f.market.NextFillRecordID++
	rec := event.OrderActionRecord{
		Ts:                        f.env.Now,
		Slot:                      f.env.Slot,
		Action:                    event.OrderActionFill,
		Explanation:               explanation,
		MarketIndex:               f.market.MarketIndex,
		MarketType:                state.MarketTypePerp,
		FillRecordID:              f.market.NextFillRecordID,
		BaseAssetAmountFilled:     base,
		QuoteAssetAmountFilled:    quote,
		TakerFee:                  takerFee,
		FillerReward:              fillerReward,
		Taker:                     f.p.Taker.ID,
		TakerOrderID:              f.takerOrder.OrderID,
		TakerOrderDirection:       f.takerOrder.Direction,
		TakerOrderBaseAssetAmount: f.takerOrder.BaseAssetAmount,
		TakerOrderBaseFilled:      f.takerOrder.BaseAssetAmountFilled,
		TakerOrderQuoteFilled:     f.takerOrder.QuoteAssetAmountFilled,
		OraclePrice:               f.oracle.Price,
	}
	if f.p.Filler != nil {
		rec.Filler = f.p.Filler.ID
	}
	return rec
}

func (f *fill) record(rec event.OrderActionRecord, base, quote uint64) {
	f.res.Records = append(f.res.Records, rec)
	f.res.BaseAssetAmountFilled += base
	f.res.QuoteAssetAmountFilled += quote
}

// meetsFillMargin checks a party whose exposure grew. Reducing trades are
// always allowed through.
func (f *fill) meetsFillMargin(user *state.User, baseBefore int64) (bool, error) {
	pos, err := user.GetPerpPosition(f.market.MarketIndex)
	if err != nil {
		return true, nil
	}
	after := pos.BaseAssetAmount
	increased := fpmath.UnsignedAbs(after) > fpmath.UnsignedAbs(baseBefore) ||
		(after != 0 && baseBefore != 0 && (after > 0) != (baseBefore > 0))
	if !increased {
		return true, nil
	}
	ctx := margin.NewContext(state.MarginFill).WithGuardRails(f.env.State.OracleGuardRails.Validity)
	ok, _, err := margin.MeetsMarginRequirement(user, f.env.PerpMarkets, f.env.SpotMarkets, f.env.Oracles, ctx)
	return ok, err
}

// closeIfDone retires the taker and maker orders once they are filled, left
// with dust, or immediate-or-cancel.
func (f *fill) closeIfDone(takerIdx int) (FillResult, error) {
	if err := f.closeOrder(f.p.Taker, f.takerOrder, f.takerPos, takerIdx, true); err != nil {
		return FillResult{}, err
	}
	if f.makerOrder != nil && f.makerOrder.IsOpen() {
		mi, err := f.p.Maker.GetOrderIndex(f.makerOrder.OrderID)
		if err != nil {
			return FillResult{}, err
		}
		if err := f.closeOrder(f.p.Maker, f.makerOrder, f.makerPos, mi, false); err != nil {
			return FillResult{}, err
		}
	}
	return f.res, nil
}

func (f *fill) closeOrder(user *state.User, order *state.Order, pos *state.PerpPosition, idx int, isTaker bool) error {
	if !order.IsOpen() {
		return nil
	}
	a := &f.market.AMM
	remaining := order.BaseAssetAmountUnfilled()
	dust := fpmath.MaxU64(a.MinOrderSize, a.OrderStepSize)

	var explanation event.OrderActionExplanation
	switch {
	case remaining == 0:
		order.Status = state.OrderStatusFilled
		if pos != nil {
			if pos.OpenOrders > 0 {
				pos.OpenOrders--
			}
		}
		if user.OpenOrders > 0 {
			user.OpenOrders--
		}
		return nil
	case order.BaseAssetAmountFilled > 0 && remaining < dust:
		explanation = event.ExplanationDustOrderClosed
	case order.ReduceOnly && pos != nil && order.GetBaseAssetAmountUnfilled(pos.BaseAssetAmount) == 0:
		explanation = event.ExplanationReduceOnlyOrderIncreasedPosition
	case isTaker && order.ImmediateOrCancel:
		explanation = event.ExplanationNone
	default:
		return nil
	}
	rec, err := CancelOrderAt(f.env, user, idx, explanation)
	if err != nil {
		return err
	}
	f.res.Records = append(f.res.Records, rec)
	return nil
}

// updateOrderFill moves filled size from the order's open side to its fill totals.
func updateOrderFill(order *state.Order, pos *state.PerpPosition, base, quote uint64) error {
	var err error
	if order.BaseAssetAmountFilled, err = fpmath.AddU64(order.BaseAssetAmountFilled, base); err != nil {
		return err
	}
	if order.QuoteAssetAmountFilled, err = fpmath.AddU64(order.QuoteAssetAmountFilled, quote); err != nil {
		return err
	}
	return position.DecreaseOpenBidsAndAsks(&pos.OpenBids, &pos.OpenAsks, order.Direction, base)
}

func updateStats(stats *state.UserStats, quote uint64, now int64, update func(*state.UserStats, uint64, int64) error) error {
	if stats == nil {
		return nil
	}
	return update(stats, quote, now)
}

// fillSnapshot holds everything a fill may write, so a fill failing the
// margin check can be undone.
type fillSnapshot struct {
	taker, maker, filler                state.User
	takerStats, makerStats, fillerStats state.UserStats
	market                              state.PerpMarket
}

func (f *fill) snapshot() fillSnapshot {
	s := fillSnapshot{taker: *f.p.Taker, market: *f.market}
	if f.p.Maker != nil {
		s.maker = *f.p.Maker
	}
	if f.p.Filler != nil {
		s.filler = *f.p.Filler
	}
	if f.p.TakerStats != nil {
		s.takerStats = *f.p.TakerStats
	}
	if f.p.MakerStats != nil {
		s.makerStats = *f.p.MakerStats
	}
	if f.p.FillerStats != nil {
		s.fillerStats = *f.p.FillerStats
	}
	return s
}

func (s fillSnapshot) restore(f *fill) {
	*f.p.Taker = s.taker
	*f.market = s.market
	if f.p.Maker != nil {
		*f.p.Maker = s.maker
	}
	if f.p.Filler != nil && f.p.Filler != f.p.Taker && f.p.Filler != f.p.Maker {
		*f.p.Filler = s.filler
	}
	if f.p.TakerStats != nil {
		*f.p.TakerStats = s.takerStats
	}
	if f.p.MakerStats != nil {
		*f.p.MakerStats = s.makerStats
	}
	if f.p.FillerStats != nil {
		*f.p.FillerStats = s.fillerStats
	}
}
