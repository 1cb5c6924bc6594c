package orders_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	"PerpRisk/internal/orders"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"
)

// fiveAndThree is a flat 5bps taker / 3bps maker schedule without filler rewards.
func fiveAndThree() state.FeeStructure {
	fs := state.DefaultPerpFeeStructure()
	for i := range fs.FeeTiers {
		fs.FeeTiers[i] = state.FeeTier{
			FeeNumerator:           50,
			FeeDenominator:         100_000,
			MakerRebateNumerator:   30,
			MakerRebateDenominator: 100_000,
		}
	}
	fs.FillerRewardStructure = state.FillerRewardStructure{}
	return fs
}

type book struct {
	env          *state.Env
	market       *state.PerpMarket
	taker, maker *state.User
	takerOrderID uint32
	makerOrderID uint32
}

// newBook rests a 1 SOL maker ask and a 1 SOL taker bid, both at price.
func newBook(t *testing.T, price int64) *book {
	t.Helper()
	env := testutil.NewEnv(1, 1_000, testutil.Price(100))
	env.State.PerpFeeStructure = fiveAndThree()
	market, err := env.PerpMarkets.Get(testutil.SolPerpIndex)
	require.NoError(t, err)

	b := &book{env: env, market: market}
	b.maker = testutil.FundedUser(t, env, 1_000)
	ask := perpLimit(state.Short, testutil.Base(1), price)
	ask.PostOnly = true
	rec, err := orders.PlacePerpOrder(env, b.maker, ask)
	require.NoError(t, err)
	b.makerOrderID = rec.TakerOrderID

	b.taker = testutil.FundedUser(t, env, 1_000)
	rec, err = orders.PlacePerpOrder(env, b.taker, perpLimit(state.Long, testutil.Base(1), price))
	require.NoError(t, err)
	b.takerOrderID = rec.TakerOrderID
	return b
}

func (b *book) params() orders.FillParams {
	return orders.FillParams{
		Taker:        b.taker,
		TakerOrderID: b.takerOrderID,
		Maker:        b.maker,
		MakerOrderID: b.makerOrderID,
		MarketIndex:  testutil.SolPerpIndex,
	}
}

func perpPos(t *testing.T, user *state.User) *state.PerpPosition {
	t.Helper()
	pos, err := user.ForceGetPerpPosition(testutil.SolPerpIndex)
	require.NoError(t, err)
	return pos
}

func assertOpenInterestBalanced(t *testing.T, market *state.PerpMarket) {
	t.Helper()
	a := market.AMM
	assert.Equal(t, a.BaseAssetAmountWithAmm, a.BaseAssetAmountLong+a.BaseAssetAmountShort)
}

// ============================================================================
// Maker match
// ============================================================================

func TestFillPerpOrder_MatchFeeScenario(t *testing.T) {
	b := newBook(t, testutil.Price(100))

	res, err := orders.FillPerpOrder(b.env, b.params())
	require.NoError(t, err)
	assert.Equal(t, orders.ZeroFillNone, res.ZeroFillReason)
	assert.Equal(t, uint64(testutil.Base(1)), res.BaseAssetAmountFilled)
	assert.Equal(t, uint64(testutil.Quote(100)), res.QuoteAssetAmountFilled)

	takerPos, makerPos := perpPos(t, b.taker), perpPos(t, b.maker)
	assert.Equal(t, testutil.Base(1), takerPos.BaseAssetAmount)
	assert.Equal(t, int64(-100_050_000), takerPos.QuoteAssetAmount)
	assert.Equal(t, -testutil.Base(1), makerPos.BaseAssetAmount)
	assert.Equal(t, int64(100_030_000), makerPos.QuoteAssetAmount)
	assert.Equal(t, int64(20_000), b.market.AMM.TotalFee)
	assert.Equal(t, uint64(50_000), b.market.AMM.TotalExchangeFee)

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, event.OrderActionFill, rec.Action)
	assert.Equal(t, event.ExplanationOrderFilledWithMatch, rec.Explanation)
	assert.Equal(t, uint64(50_000), rec.TakerFee)
	assert.Equal(t, int64(-30_000), rec.MakerFee)
	assert.Equal(t, uint64(1), rec.FillRecordID)

	// both orders are done and release their open size
	assert.False(t, b.taker.HasOpenOrders())
	assert.False(t, b.maker.HasOpenOrders())
	assert.Zero(t, takerPos.OpenBids)
	assert.Zero(t, makerPos.OpenAsks)
	assert.Zero(t, takerPos.OpenOrders)
	assertOpenInterestBalanced(t, b.market)
}

func TestFillPerpOrder_PartialMakerLeavesRemainderOpen(t *testing.T) {
	b := newBook(t, testutil.Price(100))
	// a second, larger taker bid
	rec, err := orders.PlacePerpOrder(b.env, b.taker, perpLimit(state.Long, testutil.Base(3), testutil.Price(100)))
	require.NoError(t, err)
	p := b.params()
	p.TakerOrderID = rec.TakerOrderID

	// the AMM leg is unavailable until the minimum auction has passed
	res, err := orders.FillPerpOrder(b.env, p)
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Base(1)), res.BaseAssetAmountFilled)

	idx, err := b.taker.GetOrderIndex(rec.TakerOrderID)
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Base(1)), b.taker.Orders[idx].BaseAssetAmountFilled)
	assert.False(t, b.maker.HasOpenOrders())
}

func TestFillPerpOrder_ZeroFillReasons(t *testing.T) {
	t.Run("same direction", func(t *testing.T) {
		b := newBook(t, testutil.Price(100))
		other := testutil.FundedUser(t, b.env, 1_000)
		rec, err := orders.PlacePerpOrder(b.env, other, perpLimit(state.Long, testutil.Base(1), testutil.Price(100)))
		require.NoError(t, err)

		p := b.params()
		p.Maker, p.MakerOrderID = other, rec.TakerOrderID
		res, err := orders.FillPerpOrder(b.env, p)
		require.NoError(t, err)
		assert.Equal(t, orders.ZeroFillMakerSameDirection, res.ZeroFillReason)
		assert.Zero(t, res.BaseAssetAmountFilled)
	})

	t.Run("missing maker order", func(t *testing.T) {
		b := newBook(t, testutil.Price(100))
		p := b.params()
		p.MakerOrderID = 99
		res, err := orders.FillPerpOrder(b.env, p)
		require.NoError(t, err)
		assert.Equal(t, orders.ZeroFillMakerOrderNotFound, res.ZeroFillReason)
	})

	t.Run("self trade", func(t *testing.T) {
		b := newBook(t, testutil.Price(100))
		p := b.params()
		p.Maker = b.taker
		res, err := orders.FillPerpOrder(b.env, p)
		require.NoError(t, err)
		assert.Equal(t, orders.ZeroFillSelfTrade, res.ZeroFillReason)
	})

	t.Run("price not crossed", func(t *testing.T) {
		b := newBook(t, testutil.Price(100))
		rec, err := orders.PlacePerpOrder(b.env, b.maker, perpLimit(state.Short, testutil.Base(1), testutil.Price(105)))
		require.NoError(t, err)
		p := b.params()
		p.MakerOrderID = rec.TakerOrderID
		res, err := orders.FillPerpOrder(b.env, p)
		require.NoError(t, err)
		assert.Equal(t, orders.ZeroFillPriceNotCrossed, res.ZeroFillReason)
		assert.Zero(t, perpPos(t, b.taker).BaseAssetAmount)
	})
}

func TestFillPerpOrder_FatalErrors(t *testing.T) {
	b := newBook(t, testutil.Price(100))

	p := b.params()
	p.TakerOrderID = 42
	_, err := orders.FillPerpOrder(b.env, p)
	require.ErrorIs(t, err, errs.ErrOrderDoesNotExist)

	p = b.params()
	p.MarketIndex = 7
	_, err = orders.FillPerpOrder(b.env, p)
	require.ErrorIs(t, err, errs.ErrMarketIndexMismatch)

	b.market.Status = state.MarketStatusFillPaused
	_, err = orders.FillPerpOrder(b.env, b.params())
	require.ErrorIs(t, err, errs.ErrMarketStatus)
}

func TestFillPerpOrder_InsufficientCollateralRestoresState(t *testing.T) {
	env := testutil.NewEnv(1, 1_000, testutil.Price(100))
	env.State.PerpFeeStructure = fiveAndThree()
	market, err := env.PerpMarkets.Get(testutil.SolPerpIndex)
	require.NoError(t, err)

	maker := testutil.FundedUser(t, env, 1_000)
	ask, err := orders.PlacePerpOrder(env, maker, perpLimit(state.Short, testutil.Base(1), testutil.Price(100)))
	require.NoError(t, err)
	taker := testutil.FundedUser(t, env, 12)
	bid, err := orders.PlacePerpOrder(env, taker, perpLimit(state.Long, testutil.Base(1), testutil.Price(100)))
	require.NoError(t, err)

	// the oracle halves before the fill: buying at 100 is now a 50 loss
	env.Oracles = testutil.NewOracleMap(1, testutil.Price(50))
	takerBefore, makerBefore, marketBefore := *taker, *maker, *market

	res, err := orders.FillPerpOrder(env, orders.FillParams{
		Taker: taker, TakerOrderID: bid.TakerOrderID,
		Maker: maker, MakerOrderID: ask.TakerOrderID,
		MarketIndex: testutil.SolPerpIndex,
	})
	require.NoError(t, err)
	assert.Equal(t, orders.ZeroFillInsufficientCollateral, res.ZeroFillReason)
	assert.Zero(t, res.BaseAssetAmountFilled)
	assert.Equal(t, takerBefore, *taker)
	assert.Equal(t, makerBefore, *maker)
	assert.Equal(t, marketBefore, *market)
}

func TestFillPerpOrder_ExpiredOrderIsCancelled(t *testing.T) {
	env := testutil.NewEnv(1, 1_000, testutil.Price(100))
	taker := testutil.FundedUser(t, env, 1_000)
	params := perpLimit(state.Long, testutil.Base(1), testutil.Price(100))
	params.MaxTs = 1_010
	rec, err := orders.PlacePerpOrder(env, taker, params)
	require.NoError(t, err)

	env.Now = 1_020
	res, err := orders.FillPerpOrder(env, orders.FillParams{Taker: taker, TakerOrderID: rec.TakerOrderID, MarketIndex: testutil.SolPerpIndex})
	require.NoError(t, err)
	assert.Equal(t, orders.ZeroFillOrderExpired, res.ZeroFillReason)
	require.Len(t, res.Records, 1)
	assert.Equal(t, event.OrderActionExpire, res.Records[0].Action)
	assert.False(t, taker.HasOpenOrders())
}

// ============================================================================
// AMM
// ============================================================================

func TestFillPerpOrder_AmmWaitsForAuction(t *testing.T) {
	env := testutil.NewEnv(1, 1_000, testutil.Price(100))
	market, err := env.PerpMarkets.Get(testutil.SolPerpIndex)
	require.NoError(t, err)
	taker := testutil.FundedUser(t, env, 1_000)

	params := perpLimit(state.Long, testutil.Base(1), testutil.Price(110))
	params.OrderType = state.OrderTypeMarket
	rec, err := orders.PlacePerpOrder(env, taker, params)
	require.NoError(t, err)
	fp := orders.FillParams{Taker: taker, TakerOrderID: rec.TakerOrderID, MarketIndex: testutil.SolPerpIndex}

	env.Slot = 5
	res, err := orders.FillPerpOrder(env, fp)
	require.NoError(t, err)
	assert.Equal(t, orders.ZeroFillAmmUnavailable, res.ZeroFillReason)

	env.Slot = 20
	env.Now = 1_010
	res, err = orders.FillPerpOrder(env, fp)
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Base(1)), res.BaseAssetAmountFilled)
	assert.Greater(t, res.QuoteAssetAmountFilled, uint64(testutil.Quote(100)))
	assert.Less(t, res.QuoteAssetAmountFilled, uint64(testutil.Quote(110)))

	require.NotEmpty(t, res.Records)
	assert.Equal(t, event.ExplanationOrderFilledWithAMM, res.Records[0].Explanation)

	pos := perpPos(t, taker)
	assert.Equal(t, testutil.Base(1), pos.BaseAssetAmount)
	assert.Equal(t, testutil.Base(1), market.AMM.BaseAssetAmountWithAmm)
	assert.Less(t, market.AMM.BaseAssetReserve, uint64(100)*1_000_000_000)
	assert.Positive(t, market.AMM.TotalExchangeFee)
	assert.False(t, taker.HasOpenOrders())
	assertOpenInterestBalanced(t, market)
}

func TestFillPerpOrder_AmmJitCutsIn(t *testing.T) {
	b := newBook(t, testutil.Price(101))
	b.market.AMM.AmmJitIntensity = 50

	// users are net short 5 against the AMM, so it wants to sell
	other := testutil.FundedUser(t, b.env, 10_000)
	testutil.OpenPerpPosition(t, other, b.market, -testutil.Base(5), testutil.Quote(500))

	res, err := orders.FillPerpOrder(b.env, b.params())
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Base(1)), res.BaseAssetAmountFilled)

	require.Len(t, res.Records, 2)
	assert.Equal(t, event.ExplanationOrderFilledWithAMMJit, res.Records[0].Explanation)
	assert.Equal(t, uint64(testutil.Base(1)/2), res.Records[0].BaseAssetAmountFilled)
	assert.Equal(t, event.ExplanationOrderFilledWithMatchJit, res.Records[1].Explanation)

	assert.Equal(t, testutil.Base(1), perpPos(t, b.taker).BaseAssetAmount)
	assert.Equal(t, -testutil.Base(1)/2, perpPos(t, b.maker).BaseAssetAmount)
	assert.Equal(t, -testutil.Base(5)+testutil.Base(1)/2, b.market.AMM.BaseAssetAmountWithAmm)
	assert.True(t, b.maker.HasOpenOrders(), "the maker keeps what the AMM took")
	assertOpenInterestBalanced(t, b.market)
}

func TestFillPerpOrder_AmmJitSkipsOnStaleOracle(t *testing.T) {
	b := newBook(t, testutil.Price(101))
	b.market.AMM.AmmJitIntensity = 50

	other := testutil.FundedUser(t, b.env, 10_000)
	testutil.OpenPerpPosition(t, other, b.market, -testutil.Base(5), testutil.Quote(500))

	// too old to price the AMM, still fresh enough for margin
	b.env.Oracles.Set(testutil.SolOracle, state.OraclePriceData{
		Price:                           testutil.Price(100),
		Confidence:                      uint64(testutil.Price(100)) / 1_000,
		Delay:                           30,
		HasSufficientNumberOfDataPoints: true,
	})

	res, err := orders.FillPerpOrder(b.env, b.params())
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Base(1)), res.BaseAssetAmountFilled)

	require.Len(t, res.Records, 1)
	assert.Equal(t, event.ExplanationOrderFilledWithMatch, res.Records[0].Explanation)
	assert.Equal(t, -testutil.Base(1), perpPos(t, b.maker).BaseAssetAmount)
	assert.Equal(t, -testutil.Base(5), b.market.AMM.BaseAssetAmountWithAmm)
	assertOpenInterestBalanced(t, b.market)
}

func TestFillPerpOrder_AmmJitSkipsWhenItWouldAddInventory(t *testing.T) {
	b := newBook(t, testutil.Price(101))
	b.market.AMM.AmmJitIntensity = 100

	// users net long: selling to another long only grows the AMM's short
	other := testutil.FundedUser(t, b.env, 10_000)
	testutil.OpenPerpPosition(t, other, b.market, testutil.Base(5), -testutil.Quote(500))

	res, err := orders.FillPerpOrder(b.env, b.params())
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, event.ExplanationOrderFilledWithMatch, res.Records[0].Explanation)
	assert.Equal(t, -testutil.Base(1), perpPos(t, b.maker).BaseAssetAmount)
}
