package position_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/position"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"
)

func fill(t *testing.T, pos *state.PerpPosition, market *state.PerpMarket, base, quote int64) int64 {
	t.Helper()
	pnl, err := position.UpdatePositionAndMarket(pos, market, position.Delta{BaseAssetAmount: base, QuoteAssetAmount: quote})
	require.NoError(t, err)
	return pnl
}

// ============================================================================
// Update types
// ============================================================================

func TestGetPositionUpdateType(t *testing.T) {
	cases := []struct {
		name  string
		base  int64
		delta int64
		want  position.UpdateType
	}{
		{"open", 0, 5, position.UpdateOpen},
		{"increase_long", 5, 1, position.UpdateIncrease},
		{"increase_short", -5, -1, position.UpdateIncrease},
		{"reduce", 5, -1, position.UpdateReduce},
		{"close", -5, 5, position.UpdateClose},
		{"flip", 5, -6, position.UpdateFlip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := &state.PerpPosition{BaseAssetAmount: tc.base}
			assert.Equal(t, tc.want, position.GetPositionUpdateType(pos, position.Delta{BaseAssetAmount: tc.delta}))
		})
	}
}

func TestGetPositionDeltaForFill(t *testing.T) {
	d, err := position.GetPositionDeltaForFill(10, 7, state.Long)
	require.NoError(t, err)
	assert.Equal(t, position.Delta{BaseAssetAmount: 10, QuoteAssetAmount: -7}, d)

	d, err = position.GetPositionDeltaForFill(10, 7, state.Short)
	require.NoError(t, err)
	assert.Equal(t, position.Delta{BaseAssetAmount: -10, QuoteAssetAmount: 7}, d)
}

// ============================================================================
// UpdatePositionAndMarket
// ============================================================================

func TestUpdatePositionAndMarket_OpenReduceClose(t *testing.T) {
	market := testutil.NewPerpMarket()
	user := testutil.NewUser()
	pos, err := user.ForceGetPerpPosition(market.MarketIndex)
	require.NoError(t, err)

	// Open 1 long at 100
	assert.Zero(t, fill(t, pos, market, testutil.Base(1), -testutil.Quote(100)))
	assert.Equal(t, -testutil.Quote(100), pos.QuoteEntryAmount)
	assert.Equal(t, testutil.Base(1), market.AMM.BaseAssetAmountLong)
	assert.Equal(t, uint32(1), market.NumberOfUsers)
	assert.Equal(t, uint32(1), market.NumberOfUsersWithBase)

	// Sell half at 110
	assert.Equal(t, testutil.Quote(5), fill(t, pos, market, -testutil.Base(1)/2, testutil.Quote(55)))
	assert.Equal(t, -testutil.Quote(50), pos.QuoteEntryAmount)
	assert.Equal(t, -testutil.Quote(50), market.AMM.QuoteEntryAmountLong)
	assert.Equal(t, testutil.Base(1)/2, market.AMM.BaseAssetAmountLong)

	// Close the rest at 90
	assert.Equal(t, -testutil.Quote(5), fill(t, pos, market, -testutil.Base(1)/2, testutil.Quote(45)))
	assert.Zero(t, pos.BaseAssetAmount)
	assert.Zero(t, pos.QuoteEntryAmount)
	assert.Zero(t, pos.QuoteAssetAmount)
	assert.Zero(t, pos.LastCumulativeFundingRate)
	assert.Zero(t, market.NumberOfUsersWithBase)
	assert.Zero(t, market.NumberOfUsers)
	assert.True(t, pos.IsAvailable())
}

func TestUpdatePositionAndMarket_Flip(t *testing.T) {
	market := testutil.NewPerpMarket()
	market.AMM.CumulativeFundingRateShort = 777
	user := testutil.NewUser()
	pos, err := user.ForceGetPerpPosition(market.MarketIndex)
	require.NoError(t, err)

	fill(t, pos, market, testutil.Base(1), -testutil.Quote(100))
	pnl := fill(t, pos, market, -testutil.Base(3), testutil.Quote(315))

	assert.Equal(t, testutil.Quote(5), pnl)
	assert.Equal(t, -testutil.Base(2), pos.BaseAssetAmount)
	assert.Equal(t, testutil.Quote(210), pos.QuoteEntryAmount, "remainder opened at 105")
	assert.Equal(t, int64(777), pos.LastCumulativeFundingRate)
	assert.Zero(t, market.AMM.BaseAssetAmountLong)
	assert.Zero(t, market.AMM.QuoteEntryAmountLong)
	assert.Equal(t, -testutil.Base(2), market.AMM.BaseAssetAmountShort)
	assert.Equal(t, testutil.Quote(210), market.AMM.QuoteEntryAmountShort)
	assert.Equal(t, uint32(1), market.NumberOfUsersWithBase)
}

// Property: a matched fill between two users leaves long + short equal to the
// AMM's net position.
func TestUpdatePositionAndMarket_OpenInterestBalances(t *testing.T) {
	market := testutil.NewPerpMarket()
	taker, maker := testutil.NewUser(), testutil.NewUser()
	tp, err := taker.ForceGetPerpPosition(market.MarketIndex)
	require.NoError(t, err)
	mp, err := maker.ForceGetPerpPosition(market.MarketIndex)
	require.NoError(t, err)

	trades := []struct{ base, quote int64 }{
		{testutil.Base(1), testutil.Quote(100)},
		{testutil.Base(2), testutil.Quote(204)},
		{-testutil.Base(4), testutil.Quote(396)},
		{testutil.Base(1), testutil.Quote(97)},
	}
	for _, tr := range trades {
		sign := int64(1)
		if tr.base < 0 {
			sign = -1
		}
		fill(t, tp, market, tr.base, -sign*tr.quote)
		fill(t, mp, market, -tr.base, sign*tr.quote)

		a := market.AMM
		require.Equal(t, a.BaseAssetAmountWithAmm, a.BaseAssetAmountLong+a.BaseAssetAmountShort)
		require.Equal(t, tp.BaseAssetAmount, -mp.BaseAssetAmount)
	}
	assert.Zero(t, market.AMM.QuoteAssetAmount, "quote nets out between the two")
}

func TestUpdatePositionAndMarket_MarketMismatch(t *testing.T) {
	market := testutil.NewPerpMarket()
	pos := &state.PerpPosition{MarketIndex: market.MarketIndex + 1}

	_, err := position.UpdatePositionAndMarket(pos, market, position.Delta{BaseAssetAmount: 1})
	assert.ErrorIs(t, err, errs.ErrMarketIndexMismatch)
}

func TestUpdateQuoteAssetAndBreakEvenAmount_Fee(t *testing.T) {
	market := testutil.NewPerpMarket()
	user := testutil.NewUser()
	pos, err := user.ForceGetPerpPosition(market.MarketIndex)
	require.NoError(t, err)
	fill(t, pos, market, testutil.Base(1), -testutil.Quote(100))

	require.NoError(t, position.UpdateQuoteAssetAndBreakEvenAmount(pos, market, -testutil.Quote(1)))

	assert.Equal(t, -testutil.Quote(101), pos.QuoteAssetAmount)
	assert.Equal(t, -testutil.Quote(101), pos.QuoteBreakEvenAmount)
	assert.Equal(t, -testutil.Quote(100), pos.QuoteEntryAmount)
	assert.Equal(t, -testutil.Quote(101), market.AMM.QuoteBreakEvenAmountLong)

	bep, err := position.BreakEvenPrice(pos)
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Price(101)), bep)
	ep, err := position.EntryPrice(pos)
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Price(100)), ep)
}

func TestUpdateQuoteAssetAmount_UserCounter(t *testing.T) {
	market := testutil.NewPerpMarket()
	pos := &state.PerpPosition{MarketIndex: market.MarketIndex}

	require.NoError(t, position.UpdateQuoteAssetAmount(pos, market, 5))
	assert.Equal(t, uint32(1), market.NumberOfUsers)
	require.NoError(t, position.UpdateQuoteAssetAmount(pos, market, -5))
	assert.Zero(t, market.NumberOfUsers)
}

// ============================================================================
// Open orders
// ============================================================================

func TestOpenBidsAndAsks(t *testing.T) {
	pos := &state.PerpPosition{}

	require.NoError(t, position.IncreasePerpOpenOrders(pos, state.Long, 10))
	require.NoError(t, position.IncreasePerpOpenOrders(pos, state.Short, 4))
	assert.Equal(t, int64(10), pos.OpenBids)
	assert.Equal(t, int64(-4), pos.OpenAsks)
	assert.Equal(t, uint8(2), pos.OpenOrders)

	require.NoError(t, position.DecreasePerpOpenOrders(pos, state.Short, 4))
	require.NoError(t, position.DecreaseOpenBidsAndAsks(&pos.OpenBids, &pos.OpenAsks, state.Long, 3))
	assert.Equal(t, int64(7), pos.OpenBids)
	assert.Zero(t, pos.OpenAsks)
	assert.Equal(t, uint8(1), pos.OpenOrders)
}
