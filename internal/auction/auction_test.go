package auction_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpRisk/internal/auction"
	"PerpRisk/internal/errs"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"
)

func longAuction(start, end int64, slot uint64, duration uint8) *state.Order {
	return &state.Order{
		Status:            state.OrderStatusOpen,
		OrderType:         state.OrderTypeMarket,
		Direction:         state.Long,
		Slot:              slot,
		AuctionStartPrice: start,
		AuctionEndPrice:   end,
		AuctionDuration:   duration,
	}
}

// ============================================================================
// Completion
// ============================================================================

func TestIsAuctionComplete(t *testing.T) {
	assert.True(t, auction.IsAuctionComplete(100, 0, 100), "zero duration completes at once")
	assert.False(t, auction.IsAuctionComplete(100, 10, 109))
	assert.True(t, auction.IsAuctionComplete(100, 10, 110))
	assert.False(t, auction.IsAuctionComplete(100, 10, 50), "slot before order")
}

func TestIsAmmAvailable_UsesLongerDuration(t *testing.T) {
	order := longAuction(1, 2, 100, 5)

	assert.False(t, auction.IsAmmAvailable(order, 10, 107))
	assert.True(t, auction.IsAmmAvailable(order, 10, 110))
	assert.True(t, auction.IsAmmAvailable(order, 0, 105))
}

// Property: exactly start at the order slot, strictly inside on the last
// auction slot, complete only from slot+duration on.
func TestCalculateAuctionPrice_Boundary(t *testing.T) {
	cases := []struct {
		name      string
		direction state.PositionDirection
		start     int64
		end       int64
		duration  uint8
	}{
		{"long", state.Long, testutil.Price(100), testutil.Price(101), 10},
		{"short", state.Short, testutil.Price(101), testutil.Price(100), 10},
		{"long_two_slots", state.Long, testutil.Price(100), testutil.Price(102), 2},
		{"short_long_auction", state.Short, testutil.Price(50), testutil.Price(40), 255},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			const orderSlot = 1_000
			order := longAuction(tc.start, tc.end, orderSlot, tc.duration)
			order.Direction = tc.direction

			p, err := auction.CalculateAuctionPrice(order, orderSlot, 1, 0)
			require.NoError(t, err)
			assert.Equal(t, uint64(tc.start), p)

			last := orderSlot + uint64(tc.duration) - 1
			p, err = auction.CalculateAuctionPrice(order, last, 1, 0)
			require.NoError(t, err)
			lo, hi := tc.start, tc.end
			if lo > hi {
				lo, hi = hi, lo
			}
			assert.Greater(t, p, uint64(lo))
			assert.Less(t, p, uint64(hi))

			for s := uint64(orderSlot); s < orderSlot+uint64(tc.duration); s++ {
				require.False(t, auction.IsAuctionComplete(orderSlot, tc.duration, s), "slot %d", s)
			}
			for s := orderSlot + uint64(tc.duration); s < orderSlot+uint64(tc.duration)+5; s++ {
				require.True(t, auction.IsAuctionComplete(orderSlot, tc.duration, s), "slot %d", s)
			}
		})
	}
}

func TestCalculateAuctionPrice_Monotonic(t *testing.T) {
	order := longAuction(testutil.Price(100), testutil.Price(110), 0, 20)

	prev := uint64(0)
	for s := uint64(0); s <= 25; s++ {
		p, err := auction.CalculateAuctionPrice(order, s, 1, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p, prev)
		assert.LessOrEqual(t, p, uint64(testutil.Price(110)))
		prev = p
	}
	assert.Equal(t, uint64(testutil.Price(110)), prev)
}

func TestCalculateAuctionPrice_TickRounding(t *testing.T) {
	order := longAuction(100_000_000, 100_000_009, 0, 3)

	// 3 of 9 per slot: 100_000_003 floors to the 10 tick for a long
	p, err := auction.CalculateAuctionPrice(order, 1, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000), p)

	order.Direction = state.Short
	order.AuctionStartPrice, order.AuctionEndPrice = 100_000_009, 100_000_000
	p, err = auction.CalculateAuctionPrice(order, 1, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_010), p, "shorts round up")
}

func TestCalculateAuctionPrice_OracleOffset(t *testing.T) {
	order := longAuction(-testutil.Price(1), testutil.Price(1), 0, 10)
	order.OrderType = state.OrderTypeOracle

	p, err := auction.CalculateAuctionPrice(order, 5, 1, testutil.Price(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Price(100)), p)

	_, err = auction.CalculateAuctionPrice(order, 0, 1, testutil.Price(1)/2)
	assert.ErrorIs(t, err, errs.ErrInvalidOracle)
}

// ============================================================================
// Limit price
// ============================================================================

func TestGetLimitPrice(t *testing.T) {
	order := longAuction(testutil.Price(100), testutil.Price(102), 0, 10)

	p, ok, err := auction.GetLimitPrice(order, testutil.Price(100), 5, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(testutil.Price(101)), p)

	// market order past its auction has no limit
	_, ok, err = auction.GetLimitPrice(order, testutil.Price(100), 10, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	order.Price = uint64(testutil.Price(103))
	p, ok, err = auction.GetLimitPrice(order, testutil.Price(100), 10, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(testutil.Price(103)), p)

	order.OraclePriceOffset = -500_000
	p, ok, err = auction.GetLimitPrice(order, testutil.Price(100), 10, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(99_500_000), p, "oracle offset wins over static price")
}

func TestValidateAuctionParams(t *testing.T) {
	order := longAuction(testutil.Price(101), testutil.Price(100), 0, 10)
	assert.ErrorIs(t, auction.ValidateAuctionParams(order), errs.ErrInvalidOrder)

	order.Direction = state.Short
	assert.NoError(t, auction.ValidateAuctionParams(order))

	order.Price = uint64(testutil.Price(100)) + 1
	assert.ErrorIs(t, auction.ValidateAuctionParams(order), errs.ErrInvalidOrder, "end below a short's limit")
}

func TestDefaultMarketOrderParams(t *testing.T) {
	p, err := auction.DefaultMarketOrderParams(state.Long, testutil.Price(100), uint64(testutil.Price(99)), uint64(testutil.Price(101)), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, testutil.Price(100), p.StartPrice)
	assert.Equal(t, int64(102_010_000), p.EndPrice)
	assert.Equal(t, uint8(10), p.Duration)

	p, err = auction.DefaultMarketOrderParams(state.Short, testutil.Price(100), uint64(testutil.Price(99)), uint64(testutil.Price(101)), uint64(testutil.Price(98)), 10)
	require.NoError(t, err)
	assert.Equal(t, testutil.Price(100), p.StartPrice)
	assert.Equal(t, testutil.Price(98), p.EndPrice)
}
