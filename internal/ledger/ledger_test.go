package ledger_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpRisk/internal/ledger"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeSpotDeposit, 1)

	assert.Equal(t, "user:550e8400-e29b-41d4-a716-446655440000:deposit:1", key.AccountPath())
	assert.False(t, key.IsPerp())
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey(3, ledger.SubTypePerpPnlPool, 0)
	assert.Equal(t, "system:3:pnl_pool:0", key.AccountPath())
}

func TestAccountKey_PerpSubTypes(t *testing.T) {
	id := uuid.New()
	assert.True(t, ledger.NewUserAccountKey(id, ledger.SubTypePerpBase, 0).IsPerp())
	assert.True(t, ledger.NewUserAccountKey(id, ledger.SubTypePerpQuote, 0).IsPerp())
	assert.False(t, ledger.NewSystemAccountKey(0, ledger.SubTypePerpFeePool, 0).IsPerp())
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

type book struct {
	perp  *state.PerpMarketMap
	spot  *state.SpotMarketMap
	users []*state.User
}

func (b *book) spotMarket(t *testing.T, idx uint16) *state.SpotMarket {
	t.Helper()
	m, err := b.spot.Get(idx)
	require.NoError(t, err)
	return m
}

func (b *book) perpMarket(t *testing.T) *state.PerpMarket {
	t.Helper()
	m, err := b.perp.Get(testutil.SolPerpIndex)
	require.NoError(t, err)
	return m
}

// newBook has a quote depositor, a SOL depositor borrowing quote, a long and a
// short, and fee and revenue pools with a balance.
func newBook(t *testing.T) *book {
	t.Helper()
	perpMarkets, spotMarkets := testutil.Markets()
	b := &book{perp: perpMarkets, spot: spotMarkets}

	quote := b.spotMarket(t, testutil.QuoteSpotIndex)
	sol := b.spotMarket(t, testutil.SolSpotIndex)
	perp := b.perpMarket(t)

	lender := testutil.NewUser()
	testutil.DepositTokens(t, lender, quote, uint64(testutil.Quote(10_000)))

	borrower := testutil.NewUser()
	testutil.DepositTokens(t, borrower, sol, uint64(testutil.Base(20)))
	testutil.BorrowTokens(t, borrower, quote, uint64(testutil.Quote(500)))

	long := testutil.NewUser()
	testutil.DepositTokens(t, long, quote, uint64(testutil.Quote(1_000)))
	testutil.OpenPerpPosition(t, long, perp, testutil.Base(2), -testutil.Quote(200))

	short := testutil.NewUser()
	testutil.DepositTokens(t, short, quote, uint64(testutil.Quote(1_000)))
	testutil.OpenPerpPosition(t, short, perp, -testutil.Base(1), testutil.Quote(100))

	require.NoError(t, spot.UpdatePoolBalance(uint64(testutil.Quote(7)), state.SpotBalanceDeposit, quote, &perp.AMM.FeePool))
	require.NoError(t, spot.UpdateRevenuePoolBalances(uint64(testutil.Quote(3)), state.SpotBalanceDeposit, quote))

	b.users = []*state.User{lender, borrower, long, short}
	return b
}

func TestBalanceTracker_Totals(t *testing.T) {
	b := newBook(t)
	tracker := ledger.NewBalanceTracker()
	for _, u := range b.users {
		tracker.TrackUser(u)
	}
	for _, idx := range b.spot.Indexes() {
		m, _ := b.spot.Get(idx)
		tracker.TrackSpotMarket(m)
	}
	perp := b.perpMarket(t)
	tracker.TrackPerpMarket(perp)

	quote := b.spotMarket(t, testutil.QuoteSpotIndex)
	spotTotals := tracker.ComputeSpotTotals()
	require.Contains(t, spotTotals, testutil.QuoteSpotIndex)
	assert.Equal(t, quote.DepositBalance, spotTotals[testutil.QuoteSpotIndex].Deposits)
	assert.Equal(t, quote.BorrowBalance, spotTotals[testutil.QuoteSpotIndex].Borrows)
	assert.NotZero(t, spotTotals[testutil.QuoteSpotIndex].Borrows)

	perpTotals := tracker.ComputePerpTotals()[testutil.SolPerpIndex]
	require.NotNil(t, perpTotals)
	assert.Equal(t, testutil.Base(2), perpTotals.Long)
	assert.Equal(t, -testutil.Base(1), perpTotals.Short)
	assert.Equal(t, -testutil.Quote(100), perpTotals.Quote)
	assert.Equal(t, uint32(2), perpTotals.Users)
	assert.Equal(t, uint32(2), perpTotals.UsersWithBase)

	feeKey := ledger.NewSystemAccountKey(testutil.SolPerpIndex, ledger.SubTypePerpFeePool, testutil.QuoteSpotIndex)
	assert.Equal(t, perp.AMM.FeePool.ScaledBalance, tracker.ScaledBalance(feeKey))

	longKey := ledger.NewUserAccountKey(b.users[2].ID, ledger.SubTypePerpBase, testutil.SolPerpIndex)
	assert.Equal(t, testutil.Base(2), tracker.SignedBalance(longKey))
}

// ============================================================================
// Test: Audit
// ============================================================================

func TestAudit_ConsistentBook(t *testing.T) {
	b := newBook(t)

	report := ledger.Audit(b.users, b.perp, b.spot)
	assert.True(t, report.IsHealthy(), "%v", report.Violations)
	assert.NoError(t, report.Err())
	assert.Equal(t, 4, report.Users)
	assert.Equal(t, 2, report.SpotMarkets)
	assert.Equal(t, 1, report.PerpMarkets)
}

func TestAudit_EmptyExchange(t *testing.T) {
	perpMarkets, spotMarkets := testutil.Markets()
	report := ledger.Audit(nil, perpMarkets, spotMarkets)
	assert.True(t, report.IsHealthy())
}

func TestAudit_DetectsDrift(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, b *book)
		market string
		field  string
	}{
		{
			name: "deposit balance",
			mutate: func(t *testing.T, b *book) {
				b.spotMarket(t, testutil.QuoteSpotIndex).DepositBalance++
			},
			market: "spot:0",
			field:  "deposit_balance",
		},
		{
			name: "borrow balance",
			mutate: func(t *testing.T, b *book) {
				b.users[1].SpotPositions[1].ScaledBalance += 5
			},
			market: "spot:0",
			field:  "borrow_balance",
		},
		{
			name: "pnl pool without market balance",
			mutate: func(t *testing.T, b *book) {
				b.perpMarket(t).PnlPool.ScaledBalance = 1
			},
			market: "spot:0",
			field:  "deposit_balance",
		},
		{
			name: "long open interest",
			mutate: func(t *testing.T, b *book) {
				b.perpMarket(t).AMM.BaseAssetAmountLong -= testutil.Base(1)
			},
			market: "perp:0",
			field:  "base_asset_amount_long",
		},
		{
			name: "quote total",
			mutate: func(t *testing.T, b *book) {
				b.users[3].PerpPositions[0].QuoteAssetAmount += 1
			},
			market: "perp:0",
			field:  "quote_asset_amount",
		},
		{
			name: "user count",
			mutate: func(t *testing.T, b *book) {
				b.perpMarket(t).NumberOfUsers = 5
			},
			market: "perp:0",
			field:  "number_of_users",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBook(t)
			tt.mutate(t, b)

			report := ledger.Audit(b.users, b.perp, b.spot)
			require.False(t, report.IsHealthy())
			require.Len(t, report.Violations, 1, "%v", report.Violations)
			assert.Equal(t, tt.market, report.Violations[0].Market)
			assert.Equal(t, tt.field, report.Violations[0].Field)
			assert.ErrorContains(t, report.Err(), tt.field)
		})
	}
}
