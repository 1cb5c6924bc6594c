package spot_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"
)

// ============================================================================
// Token amounts
// ============================================================================

func TestTokenAmount_RoundTrip(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()

	scaled, err := spot.GetSpotBalance(1_000_000, market, state.SpotBalanceDeposit, false)
	require.NoError(t, err)
	assert.Equal(t, fpmath.SpotBalancePrecision, scaled, "1 USDC is one unit of balance precision")

	tokens, err := spot.GetTokenAmount(scaled, market, state.SpotBalanceDeposit)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), tokens)
}

func TestTokenAmount_BorrowRoundsUp(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()
	market.CumulativeBorrowInterest = 13_333_333_333
	market.CumulativeDepositInterest = 13_333_333_333

	deposit, err := spot.GetTokenAmount(7, market, state.SpotBalanceDeposit)
	require.NoError(t, err)
	borrow, err := spot.GetTokenAmount(7, market, state.SpotBalanceBorrow)
	require.NoError(t, err)

	assert.Equal(t, deposit+1, borrow)
}

func TestGetTokenValue_Decimals(t *testing.T) {
	// 2.5 SOL at $100
	v, err := spot.GetTokenValue(2_500_000_000, 9, testutil.Price(100))
	require.NoError(t, err)
	assert.Equal(t, testutil.Quote(250), v)

	v, err = spot.GetTokenValue(-2_500_000_000, 9, testutil.Price(100))
	require.NoError(t, err)
	assert.Equal(t, -testutil.Quote(250), v)
}

func TestGetStrictTokenValue_UsesWorsePrice(t *testing.T) {
	deposit, err := spot.GetStrictTokenValue(1_000_000_000, 9, testutil.Price(100), testutil.Price(90))
	require.NoError(t, err)
	assert.Equal(t, testutil.Quote(90), deposit)

	borrow, err := spot.GetStrictTokenValue(-1_000_000_000, 9, testutil.Price(100), testutil.Price(110))
	require.NoError(t, err)
	assert.Equal(t, -testutil.Quote(110), borrow)
}

// ============================================================================
// UpdateSpotBalances
// ============================================================================

func TestUpdateSpotBalances_FlipsThroughZero(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()
	pos := &state.SpotPosition{MarketIndex: market.MarketIndex}

	require.NoError(t, spot.UpdateSpotBalances(100_000_000, state.SpotBalanceDeposit, market, pos, false))
	assert.Equal(t, state.SpotBalanceDeposit, pos.BalanceType)

	require.NoError(t, spot.UpdateSpotBalances(150_000_000, state.SpotBalanceBorrow, market, pos, false))
	assert.Equal(t, state.SpotBalanceBorrow, pos.BalanceType)

	tokens, err := spot.PositionTokenAmount(pos, market)
	require.NoError(t, err)
	assert.Equal(t, int64(-50_000_000), tokens)
	assert.Equal(t, uint64(0), market.DepositBalance)
	assert.Equal(t, pos.ScaledBalance, market.BorrowBalance)
}

func TestUpdateSpotBalances_PartialReduceKeepsType(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()
	pos := &state.SpotPosition{MarketIndex: market.MarketIndex}

	require.NoError(t, spot.UpdateSpotBalances(100_000_000, state.SpotBalanceDeposit, market, pos, false))
	require.NoError(t, spot.UpdateSpotBalances(40_000_000, state.SpotBalanceBorrow, market, pos, false))

	assert.Equal(t, state.SpotBalanceDeposit, pos.BalanceType)
	tokens, err := spot.PositionTokenAmount(pos, market)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000_000), tokens)
}

func TestUpdateSpotBalances_LeavingBorrowChecksPool(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()
	lender := &state.SpotPosition{MarketIndex: market.MarketIndex}
	borrower := &state.SpotPosition{MarketIndex: market.MarketIndex}

	require.NoError(t, spot.UpdateSpotBalances(10_000_000, state.SpotBalanceDeposit, market, lender, false))
	require.NoError(t, spot.UpdateSpotBalances(10_000_000, state.SpotBalanceBorrow, market, borrower, true))

	err := spot.UpdateSpotBalances(1, state.SpotBalanceBorrow, market, borrower, true)
	assert.True(t, errors.Is(err, errs.ErrBorrowsExceedDeposits), "got %v", err)
}

func TestTransferSpotPosition(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()
	from := &state.SpotPosition{MarketIndex: market.MarketIndex}
	to := &state.SpotPosition{MarketIndex: market.MarketIndex}
	require.NoError(t, spot.UpdateSpotBalances(100_000_000, state.SpotBalanceDeposit, market, from, false))
	depositsBefore := market.DepositBalance

	require.NoError(t, spot.TransferSpotPosition(30_000_000, market, from, to))

	fromTokens, err := spot.PositionTokenAmount(from, market)
	require.NoError(t, err)
	toTokens, err := spot.PositionTokenAmount(to, market)
	require.NoError(t, err)
	assert.Equal(t, int64(70_000_000), fromTokens)
	assert.Equal(t, int64(30_000_000), toTokens)
	assert.Equal(t, depositsBefore, market.DepositBalance)
	assert.Zero(t, market.BorrowBalance)
}

// ============================================================================
// Interest
// ============================================================================

func TestCalculateBorrowRate_Curve(t *testing.T) {
	market := testutil.NewQuoteSpotMarket() // optimal 80% -> 10%, max 100%

	rate, err := spot.CalculateBorrowRate(market, 400_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), rate, "half of optimal utilization, half of optimal rate")

	rate, err = spot.CalculateBorrowRate(market, 800_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), rate)

	rate, err = spot.CalculateBorrowRate(market, 900_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(550_000), rate, "halfway up the steep slope")

	market.MinBorrowRate = 4 // 2%
	rate, err = spot.CalculateBorrowRate(market, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), rate)
}

func TestCalculateUtilization_EmptyPool(t *testing.T) {
	u, err := spot.CalculateUtilization(0, 0)
	require.NoError(t, err)
	assert.Zero(t, u)

	u, err = spot.CalculateUtilization(0, 5)
	require.NoError(t, err)
	assert.Equal(t, fpmath.SpotUtilizationPrecision, u)
}

func TestUpdateCumulativeInterest_BorrowGrowthCoversDeposits(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()
	market.InsuranceFund.TotalFactor = 100_000 // 10% of deposit interest
	lender := &state.SpotPosition{MarketIndex: market.MarketIndex}
	borrower := &state.SpotPosition{MarketIndex: market.MarketIndex}

	require.NoError(t, spot.UpdateSpotBalances(1_000_000_000_000, state.SpotBalanceDeposit, market, lender, false))
	require.NoError(t, spot.UpdateSpotBalances(500_000_000_000, state.SpotBalanceBorrow, market, borrower, false))

	depositsBefore := tokenAmount(t, market, market.DepositBalance, state.SpotBalanceDeposit)
	borrowsBefore := tokenAmount(t, market, market.BorrowBalance, state.SpotBalanceBorrow)

	acc, err := spot.UpdateSpotMarketCumulativeInterest(market, fpmath.OneYear/12)
	require.NoError(t, err)
	require.NotZero(t, acc.DepositInterest)
	assert.Equal(t, fpmath.OneYear/12, market.LastInterestTs)

	depositsAfter := tokenAmount(t, market, market.DepositBalance, state.SpotBalanceDeposit)
	borrowsAfter := tokenAmount(t, market, market.BorrowBalance, state.SpotBalanceBorrow)

	depositGrowth := depositsAfter - depositsBefore
	borrowGrowth := borrowsAfter - borrowsBefore
	assert.GreaterOrEqual(t, borrowGrowth+2, depositGrowth, "depositors never earn more than borrowers owe")

	revenue, err := spot.PoolTokenAmount(&market.RevenuePool, market)
	require.NoError(t, err)
	assert.Positive(t, revenue)

	lenderTokens, err := spot.PositionTokenAmount(lender, market)
	require.NoError(t, err)
	assert.Greater(t, lenderTokens, int64(1_000_000_000_000))
}

func TestUpdateCumulativeInterest_NoBorrowsNoAccrual(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()
	lender := &state.SpotPosition{MarketIndex: market.MarketIndex}
	require.NoError(t, spot.UpdateSpotBalances(1_000_000, state.SpotBalanceDeposit, market, lender, false))

	acc, err := spot.UpdateSpotMarketCumulativeInterest(market, fpmath.OneYear)
	require.NoError(t, err)
	assert.Zero(t, acc.DepositInterest)
	assert.Equal(t, fpmath.SpotCumulativeInterestPrecision, market.CumulativeDepositInterest)
}

// Property: deposits - borrows - revenue stays equal to the net user flow.
func TestSpotConservation_DepositBorrowInterest(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()
	market.InsuranceFund.TotalFactor = 50_000
	a := &state.SpotPosition{MarketIndex: market.MarketIndex}
	b := &state.SpotPosition{MarketIndex: market.MarketIndex}

	require.NoError(t, spot.UpdateSpotBalances(700_000_000, state.SpotBalanceDeposit, market, a, false))
	require.NoError(t, spot.UpdateSpotBalances(300_000_000, state.SpotBalanceBorrow, market, b, false))

	net := func() int64 {
		d := tokenAmount(t, market, market.DepositBalance, state.SpotBalanceDeposit)
		br := tokenAmount(t, market, market.BorrowBalance, state.SpotBalanceBorrow)
		return int64(d) - int64(br)
	}
	netBefore := net()

	for i := int64(1); i <= 12; i++ {
		_, err := spot.UpdateSpotMarketCumulativeInterest(market, i*fpmath.OneYear/12)
		require.NoError(t, err)
	}
	revenue, err := spot.PoolTokenAmount(&market.RevenuePool, market)
	require.NoError(t, err)

	userNet := func() int64 {
		ta, err := spot.PositionTokenAmount(a, market)
		require.NoError(t, err)
		tb, err := spot.PositionTokenAmount(b, market)
		require.NoError(t, err)
		return ta + tb
	}

	// the pool's net tokens are exactly what users and the revenue pool hold
	assert.InDelta(t, float64(net()), float64(userNet()+int64(revenue)), 3)
	// interest only moves value from borrowers to lenders and revenue
	assert.InDelta(t, float64(netBefore), float64(net()), 30)
}

func TestUpdateCumulativeInterest_LendersEarnWhatBorrowersOwe(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()
	lender := &state.SpotPosition{MarketIndex: market.MarketIndex}
	borrower := &state.SpotPosition{MarketIndex: market.MarketIndex}

	// 3/7 utilization has no exact representation at utilization precision
	require.NoError(t, spot.UpdateSpotBalances(700_000_000, state.SpotBalanceDeposit, market, lender, false))
	require.NoError(t, spot.UpdateSpotBalances(300_000_000, state.SpotBalanceBorrow, market, borrower, false))

	depositsBefore := tokenAmount(t, market, market.DepositBalance, state.SpotBalanceDeposit)
	borrowsBefore := tokenAmount(t, market, market.BorrowBalance, state.SpotBalanceBorrow)

	_, err := spot.UpdateSpotMarketCumulativeInterest(market, fpmath.OneYear)
	require.NoError(t, err)

	depositGrowth := tokenAmount(t, market, market.DepositBalance, state.SpotBalanceDeposit) - depositsBefore
	borrowGrowth := tokenAmount(t, market, market.BorrowBalance, state.SpotBalanceBorrow) - borrowsBefore
	require.Positive(t, borrowGrowth)
	assert.InDelta(t, float64(borrowGrowth), float64(depositGrowth), 3)
}

func TestUpdatePoolBalance_CannotOverdraw(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()
	require.NoError(t, spot.UpdateRevenuePoolBalances(5_000_000, state.SpotBalanceDeposit, market))

	err := spot.UpdateRevenuePoolBalances(6_000_000, state.SpotBalanceBorrow, market)
	assert.True(t, errors.Is(err, errs.ErrInvalidAmount))

	require.NoError(t, spot.UpdateRevenuePoolBalances(5_000_000, state.SpotBalanceBorrow, market))
	assert.Zero(t, market.RevenuePool.ScaledBalance)
	assert.Zero(t, market.DepositBalance)
}

func TestDrawInsuranceFund_Capped(t *testing.T) {
	market := testutil.NewQuoteSpotMarket()
	market.InsuranceFund.Balance = 40

	assert.Equal(t, uint64(40), spot.DrawInsuranceFund(market, 100))
	assert.Zero(t, market.InsuranceFund.Balance)
}

func tokenAmount(t *testing.T, market *state.SpotMarket, scaled uint64, bt state.SpotBalanceType) uint64 {
	t.Helper()
	v, err := spot.GetTokenAmount(scaled, market, bt)
	require.NoError(t, err)
	return v
}
