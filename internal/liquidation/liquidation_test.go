package liquidation_test

import (
	gomath "math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/funding"
	"PerpRisk/internal/liquidation"
	"PerpRisk/internal/orders"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"
)

func perpMarket(t *testing.T, env *state.Env) *state.PerpMarket {
	t.Helper()
	market, err := env.PerpMarkets.Get(testutil.SolPerpIndex)
	require.NoError(t, err)
	return market
}

func spotMarket(t *testing.T, env *state.Env, index uint16) *state.SpotMarket {
	t.Helper()
	market, err := env.SpotMarkets.Get(index)
	require.NoError(t, err)
	return market
}

func tokens(t *testing.T, env *state.Env, user *state.User, index uint16) int64 {
	t.Helper()
	pos, err := user.GetSpotPosition(index)
	if err != nil {
		return 0
	}
	amount, err := spot.PositionTokenAmount(pos, spotMarket(t, env, index))
	require.NoError(t, err)
	return amount
}

func flatPnl(t *testing.T, user *state.User, quote int64) {
	t.Helper()
	pos, err := user.ForceGetPerpPosition(testutil.SolPerpIndex)
	require.NoError(t, err)
	pos.QuoteAssetAmount = quote
}

func bankrupt(t *testing.T, user *state.User) {
	t.Helper()
	_, err := user.EnterLiquidation(1)
	require.NoError(t, err)
	require.NoError(t, user.EnterBankruptcy())
}

// underwaterLong is a user long 1 SOL entered at 150 with no collateral,
// priced at 100.
func underwaterLong(t *testing.T, env *state.Env) *state.User {
	t.Helper()
	user := testutil.NewUser()
	testutil.OpenPerpPosition(t, user, perpMarket(t, env), testutil.Base(1), -testutil.Quote(150))
	return user
}

// ============================================================================
// Perp
// ============================================================================

func TestLiquidatePerp_LongScenario(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	env.State.LiquidationMarginBufferRatio = 10
	market := perpMarket(t, env)
	user := underwaterLong(t, env)
	liquidator := testutil.FundedUser(t, env, 50)

	res, err := liquidation.LiquidatePerp(env, user, liquidator, testutil.SolPerpIndex, uint64(testutil.Base(1)), nil)
	require.NoError(t, err)

	userPos, err := user.GetPerpPosition(testutil.SolPerpIndex)
	require.NoError(t, err)
	assert.Zero(t, userPos.BaseAssetAmount)
	assert.Equal(t, -testutil.Quote(52), userPos.QuoteAssetAmount)

	liquidatorPos, err := liquidator.GetPerpPosition(testutil.SolPerpIndex)
	require.NoError(t, err)
	assert.Equal(t, testutil.Base(1), liquidatorPos.BaseAssetAmount)
	assert.Equal(t, -testutil.Quote(99), liquidatorPos.QuoteAssetAmount)

	assert.Equal(t, uint64(testutil.Quote(1)), market.AMM.TotalLiquidationFee)
	assert.Equal(t, testutil.Base(1), market.AMM.BaseAssetAmountLong)
	assert.Equal(t, testutil.Base(1), market.AMM.BaseAssetAmountWithAmm, "a transfer between users leaves the AMM alone")

	detail := res.Record.LiquidatePerp
	require.NotNil(t, detail)
	assert.Equal(t, -testutil.Base(1), detail.BaseAssetAmount)
	assert.Equal(t, testutil.Quote(99), detail.QuoteAssetAmount)
	assert.Equal(t, uint64(testutil.Quote(1)), detail.LiquidatorFee)
	assert.Equal(t, uint64(testutil.Quote(1)), detail.IfFee)
	assert.Equal(t, uint64(1), detail.FillRecordID)
	require.Len(t, res.Orders, 1)

	// nothing left to seize
	assert.True(t, res.Record.Bankrupt)
	assert.True(t, user.IsBankrupt())
	assert.True(t, liquidation.IsUserBankrupt(user))
}

func TestLiquidatePerp_SplitCallsConverge(t *testing.T) {
	half := uint64(testutil.Base(1)) / 2

	envA := testutil.NewEnv(1, 0, testutil.Price(100))
	envA.State.LiquidationMarginBufferRatio = 10
	userA, liqA := underwaterLong(t, envA), testutil.FundedUser(t, envA, 50)
	_, err := liquidation.LiquidatePerp(envA, userA, liqA, testutil.SolPerpIndex, uint64(testutil.Base(1)), nil)
	require.NoError(t, err)

	envB := testutil.NewEnv(1, 0, testutil.Price(100))
	envB.State.LiquidationMarginBufferRatio = 10
	userB, liqB := underwaterLong(t, envB), testutil.FundedUser(t, envB, 50)
	for i := 0; i < 2; i++ {
		_, err := liquidation.LiquidatePerp(envB, userB, liqB, testutil.SolPerpIndex, half, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, userA.PerpPositions[0].QuoteAssetAmount, userB.PerpPositions[0].QuoteAssetAmount)
	assert.Equal(t, liqA.PerpPositions[0].BaseAssetAmount, liqB.PerpPositions[0].BaseAssetAmount)
	assert.Equal(t, liqA.PerpPositions[0].QuoteAssetAmount, liqB.PerpPositions[0].QuoteAssetAmount)
	assert.Equal(t, perpMarket(t, envA).AMM.TotalLiquidationFee, perpMarket(t, envB).AMM.TotalLiquidationFee)
}

func TestLiquidatePerp_GradualPct(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	env.State.LiquidationMarginBufferRatio = 10
	env.State.InitialPctToLiquidate = 1_000 // 10%

	user := testutil.FundedUser(t, env, 400)
	testutil.OpenPerpPosition(t, user, perpMarket(t, env), testutil.Base(100), -testutil.Quote(10_000))
	liquidator := testutil.FundedUser(t, env, 1_000)

	res, err := liquidation.LiquidatePerp(env, user, liquidator, testutil.SolPerpIndex, gomath.MaxUint64, nil)
	require.NoError(t, err)

	// a tenth of the 35.49 SOL that would clear the shortage, floored to the step
	assert.Equal(t, int64(-3_540_000_000), res.Record.LiquidatePerp.BaseAssetAmount)
	assert.Equal(t, int64(96_460_000_000), user.PerpPositions[0].BaseAssetAmount)
	assert.True(t, user.IsBeingLiquidated())
	assert.Positive(t, user.LiquidationMarginFreed)
}

func TestLiquidatePerp_LimitPrice(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	user := underwaterLong(t, env)
	liquidator := testutil.FundedUser(t, env, 50)

	limit := uint64(testutil.Price(98))
	_, err := liquidation.LiquidatePerp(env, user, liquidator, testutil.SolPerpIndex, uint64(testutil.Base(1)), &limit)
	require.ErrorIs(t, err, errs.ErrLimitPriceNotMet)
}

func TestLiquidatePerp_Refusals(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))

	healthy := testutil.FundedUser(t, env, 1_000)
	testutil.OpenPerpPosition(t, healthy, perpMarket(t, env), testutil.Base(1), -testutil.Quote(100))
	liquidator := testutil.FundedUser(t, env, 50)

	_, err := liquidation.LiquidatePerp(env, healthy, liquidator, testutil.SolPerpIndex, uint64(testutil.Base(1)), nil)
	require.ErrorIs(t, err, errs.ErrSufficientCollateral)
	assert.False(t, healthy.IsBeingLiquidated())

	user := underwaterLong(t, env)
	_, err = liquidation.LiquidatePerp(env, user, user, testutil.SolPerpIndex, uint64(testutil.Base(1)), nil)
	require.ErrorIs(t, err, errs.ErrInvalidLiquidation)

	_, err = liquidator.EnterLiquidation(1)
	require.NoError(t, err)
	_, err = liquidation.LiquidatePerp(env, user, liquidator, testutil.SolPerpIndex, uint64(testutil.Base(1)), nil)
	require.ErrorIs(t, err, errs.ErrUserBeingLiquidated)
}

func TestLiquidatePerp_LiquidatorNeedsMargin(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	user := underwaterLong(t, env)
	liquidator := testutil.NewUser()

	_, err := liquidation.LiquidatePerp(env, user, liquidator, testutil.SolPerpIndex, uint64(testutil.Base(1)), nil)
	require.ErrorIs(t, err, errs.ErrInsufficientCollateral)
}

func TestLiquidatePerp_ByOrderCancellation(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	user := testutil.FundedUser(t, env, 12)
	rec, err := orders.PlacePerpOrder(env, user, state.OrderParams{
		OrderType:       state.OrderTypeLimit,
		MarketType:      state.MarketTypePerp,
		Direction:       state.Long,
		BaseAssetAmount: uint64(testutil.Base(1)),
		Price:           uint64(testutil.Price(99)),
		MarketIndex:     testutil.SolPerpIndex,
	})
	require.NoError(t, err)

	// the resting bid alone now breaches maintenance
	perpMarket(t, env).MarginRatioMaintenance = 2_000
	liquidator := testutil.FundedUser(t, env, 50)

	res, err := liquidation.LiquidatePerp(env, user, liquidator, testutil.SolPerpIndex, uint64(testutil.Base(1)), nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{rec.TakerOrderID}, res.Record.CanceledOrderIDs)
	assert.Positive(t, res.Record.MarginFreed)
	assert.Zero(t, res.Record.LiquidatePerp.BaseAssetAmount)
	assert.False(t, user.IsBeingLiquidated())
	assert.False(t, user.HasOpenOrders())

	_, err = liquidator.GetPerpPosition(testutil.SolPerpIndex)
	require.ErrorIs(t, err, errs.ErrPositionNotFound, "no transfer and no fee")
}

func TestLiquidatePerp_FlatAfterCancellationKeepsFreedMargin(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	user := testutil.FundedUser(t, env, 12)
	_, err := orders.PlacePerpOrder(env, user, state.OrderParams{
		OrderType:       state.OrderTypeLimit,
		MarketType:      state.MarketTypePerp,
		Direction:       state.Long,
		BaseAssetAmount: uint64(testutil.Base(1)),
		Price:           uint64(testutil.Price(99)),
		MarketIndex:     testutil.SolPerpIndex,
	})
	require.NoError(t, err)

	// realized losses beyond the deposit: cancelling the bid cannot restore margin
	flatPnl(t, user, -testutil.Quote(20))
	liquidator := testutil.FundedUser(t, env, 50)

	res, err := liquidation.LiquidatePerp(env, user, liquidator, testutil.SolPerpIndex, uint64(testutil.Base(1)), nil)
	require.NoError(t, err)
	require.Len(t, res.Record.CanceledOrderIDs, 1)
	assert.Zero(t, res.Record.LiquidatePerp.BaseAssetAmount)
	assert.Positive(t, res.Record.MarginFreed)
	assert.Equal(t, res.Record.MarginFreed, user.LiquidationMarginFreed)
	assert.True(t, user.IsBeingLiquidated())
	assert.False(t, user.IsBankrupt())
}

// ============================================================================
// Spot
// ============================================================================

// solBackedBorrower holds 1 SOL against a 95 USDC borrow: 90 of weighted
// collateral against a 95 requirement.
func solBackedBorrower(t *testing.T, env *state.Env) *state.User {
	t.Helper()
	user := testutil.NewUser()
	testutil.DepositTokens(t, user, spotMarket(t, env, testutil.SolSpotIndex), uint64(testutil.Base(1)))
	testutil.BorrowTokens(t, user, spotMarket(t, env, testutil.QuoteSpotIndex), uint64(testutil.Quote(95)))
	return user
}

func TestLiquidateSpot(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	user := solBackedBorrower(t, env)
	liquidator := testutil.FundedUser(t, env, 1_000)

	res, err := liquidation.LiquidateSpot(env, user, liquidator, testutil.SolSpotIndex, testutil.QuoteSpotIndex, gomath.MaxUint64, nil)
	require.NoError(t, err)

	detail := res.Record.LiquidateSpot
	require.NotNil(t, detail)
	assert.Equal(t, uint64(57_500_000), detail.LiabilityTransfer)
	assert.Equal(t, uint64(575_000_000), detail.AssetTransfer)

	assert.Equal(t, int64(425_000_000), tokens(t, env, user, testutil.SolSpotIndex))
	assert.Equal(t, -int64(37_500_000), tokens(t, env, user, testutil.QuoteSpotIndex))
	assert.Equal(t, int64(575_000_000), tokens(t, env, liquidator, testutil.SolSpotIndex))
	assert.Equal(t, testutil.Quote(1_000)-57_500_000, tokens(t, env, liquidator, testutil.QuoteSpotIndex))

	// exactly back at the buffered requirement
	assert.False(t, user.IsBeingLiquidated())
}

func TestLiquidateSpot_InsuranceFeeToRevenuePool(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	quoteMarket := spotMarket(t, env, testutil.QuoteSpotIndex)
	quoteMarket.IfLiquidationFee = 10_000 // 1%
	user := solBackedBorrower(t, env)
	liquidator := testutil.FundedUser(t, env, 1_000)

	res, err := liquidation.LiquidateSpot(env, user, liquidator, testutil.SolSpotIndex, testutil.QuoteSpotIndex, uint64(testutil.Quote(10)), nil)
	require.NoError(t, err)

	detail := res.Record.LiquidateSpot
	assert.Equal(t, uint64(testutil.Quote(10)), detail.LiabilityTransfer)
	assert.Equal(t, uint64(100_000), detail.IfFee)

	revenue, err := spot.PoolTokenAmount(&quoteMarket.RevenuePool, quoteMarket)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), revenue)
	assert.Equal(t, -(testutil.Quote(95) - testutil.Quote(10) + 100_000), tokens(t, env, user, testutil.QuoteSpotIndex))
	assert.True(t, user.IsBeingLiquidated())
}

func TestLiquidateSpot_LimitPrice(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	user := solBackedBorrower(t, env)
	liquidator := testutil.FundedUser(t, env, 1_000)

	// 0.01 SOL per USDC on offer, 0.02 wanted
	limit := uint64(20_000)
	_, err := liquidation.LiquidateSpot(env, user, liquidator, testutil.SolSpotIndex, testutil.QuoteSpotIndex, gomath.MaxUint64, &limit)
	require.ErrorIs(t, err, errs.ErrLimitPriceNotMet)
}

func TestLiquidateSpot_RefusedOnDivergedTwap(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	spotMarket(t, env, testutil.SolSpotIndex).HistoricalOracleData.LastOraclePriceTwap5Min = testutil.Price(300)
	user := solBackedBorrower(t, env)
	liquidator := testutil.FundedUser(t, env, 1_000)

	_, err := liquidation.LiquidateSpot(env, user, liquidator, testutil.SolSpotIndex, testutil.QuoteSpotIndex, gomath.MaxUint64, nil)
	require.ErrorIs(t, err, errs.ErrInvalidOracle)
	assert.False(t, user.IsBeingLiquidated(), "refused before any state change")
}

func TestLiquidateSpot_SameMarket(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	_, err := liquidation.LiquidateSpot(env, testutil.NewUser(), testutil.NewUser(), testutil.SolSpotIndex, testutil.SolSpotIndex, 1, nil)
	require.ErrorIs(t, err, errs.ErrInvalidLiquidation)
}

// ============================================================================
// Perp pnl
// ============================================================================

func TestLiquidatePerpPnlForDeposit(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	user := testutil.NewUser()
	flatPnl(t, user, -testutil.Quote(50))
	testutil.DepositTokens(t, user, spotMarket(t, env, testutil.SolSpotIndex), uint64(testutil.Base(1))/2)
	liquidator := testutil.FundedUser(t, env, 100)

	res, err := liquidation.LiquidatePerpPnlForDeposit(env, user, liquidator, testutil.SolPerpIndex, testutil.SolSpotIndex, gomath.MaxUint64, nil)
	require.NoError(t, err)

	// the deposit runs out first: 0.5 SOL buys 50 / 1.01 of the loss
	detail := res.Record.LiquidatePerpPnlForDeposit
	require.NotNil(t, detail)
	assert.Equal(t, uint64(500_000_000), detail.AssetTransfer)
	assert.Equal(t, uint64(49_504_950), detail.PnlTransfer)

	assert.Equal(t, -testutil.Quote(50)+49_504_950, user.PerpPositions[0].QuoteAssetAmount)
	assert.Equal(t, int64(-49_504_950), liquidator.PerpPositions[0].QuoteAssetAmount)
	assert.Equal(t, int64(500_000_000), tokens(t, env, liquidator, testutil.SolSpotIndex))
	assert.True(t, user.IsBankrupt())
}

func TestLiquidateBorrowForPerpPnl(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	sol := spotMarket(t, env, testutil.SolSpotIndex)
	user := testutil.NewUser()
	flatPnl(t, user, testutil.Quote(20))
	testutil.BorrowTokens(t, user, sol, 300_000_000)

	liquidator := testutil.NewUser()
	testutil.DepositTokens(t, liquidator, sol, uint64(testutil.Base(1)))

	res, err := liquidation.LiquidateBorrowForPerpPnl(env, user, liquidator, testutil.SolPerpIndex, testutil.SolSpotIndex, uint64(testutil.Base(1)), nil)
	require.NoError(t, err)

	// all 20 of pnl repays 20 / 1.01 worth of SOL
	detail := res.Record.LiquidateBorrowForPerpPnl
	require.NotNil(t, detail)
	assert.Equal(t, uint64(testutil.Quote(20)), detail.PnlTransfer)
	assert.Equal(t, uint64(198_019_801), detail.LiabilityTransfer)

	assert.Equal(t, -int64(300_000_000-198_019_801), tokens(t, env, user, testutil.SolSpotIndex))
	assert.Equal(t, testutil.Base(1)-198_019_801, tokens(t, env, liquidator, testutil.SolSpotIndex))
	assert.Equal(t, testutil.Quote(20), liquidator.PerpPositions[0].QuoteAssetAmount)
	assert.True(t, user.IsBankrupt())
}

func TestLiquidatePnl_RequiresFlatPosition(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	user := underwaterLong(t, env)
	testutil.DepositTokens(t, user, spotMarket(t, env, testutil.SolSpotIndex), 100_000_000)
	liquidator := testutil.FundedUser(t, env, 100)

	_, err := liquidation.LiquidatePerpPnlForDeposit(env, user, liquidator, testutil.SolPerpIndex, testutil.SolSpotIndex, gomath.MaxUint64, nil)
	require.ErrorIs(t, err, errs.ErrInvalidLiquidation)
}

// ============================================================================
// Bankruptcy
// ============================================================================

func TestResolvePerpBankruptcy_SocializesLoss(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	market := perpMarket(t, env)
	market.AMM.CumulativeFundingRateLong = 1_000
	market.AMM.CumulativeFundingRateShort = -1_000

	longUser, shortUser := testutil.NewUser(), testutil.NewUser()
	longPos := testutil.OpenPerpPosition(t, longUser, market, testutil.Base(5), -testutil.Quote(500))
	testutil.OpenPerpPosition(t, shortUser, market, -testutil.Base(5), testutil.Quote(500))

	user := testutil.NewUser()
	flatPnl(t, user, -testutil.Quote(100))
	bankrupt(t, user)

	res, err := liquidation.ResolvePerpBankruptcy(env, user, uuid.New(), testutil.SolPerpIndex)
	require.NoError(t, err)

	assert.Equal(t, int64(1_000+10_000_000_000), market.AMM.CumulativeFundingRateLong)
	assert.Equal(t, int64(-1_000-10_000_000_000), market.AMM.CumulativeFundingRateShort)
	assert.Equal(t, int64(-100_000_000), market.AMM.CumulativeSocialLoss)

	detail := res.Record.PerpBankruptcy
	require.NotNil(t, detail)
	assert.Equal(t, -testutil.Quote(100), detail.Pnl)
	assert.Zero(t, detail.IfPayment)
	assert.Equal(t, int64(10_000_000_000), detail.CumulativeFundingRateDelta)

	_, err = user.GetPerpPosition(testutil.SolPerpIndex)
	require.ErrorIs(t, err, errs.ErrPositionNotFound, "quote written off")
	assert.False(t, user.IsBankrupt())
	assert.False(t, user.IsBeingLiquidated())
	assert.False(t, res.Record.Bankrupt)

	rec, err := funding.SettleFundingPayment(longUser, longPos, market, 0)
	require.NoError(t, err)
	assert.Equal(t, -testutil.Quote(50), rec.FundingPayment)
}

func TestResolvePerpBankruptcy_NoOpenInterest(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	market := perpMarket(t, env)

	user := testutil.NewUser()
	flatPnl(t, user, -testutil.Quote(100))
	bankrupt(t, user)

	res, err := liquidation.ResolvePerpBankruptcy(env, user, uuid.New(), testutil.SolPerpIndex)
	require.NoError(t, err)

	assert.Zero(t, res.Record.PerpBankruptcy.CumulativeFundingRateDelta)
	assert.Zero(t, market.AMM.CumulativeFundingRateLong)
	assert.Zero(t, market.AMM.CumulativeFundingRateShort)
	assert.Equal(t, -testutil.Quote(100), market.AMM.CumulativeSocialLoss, "loss is booked even with nobody to charge")
	assert.Equal(t, uint64(testutil.Quote(100)), market.AMM.TotalSocialLoss)
	assert.False(t, user.IsBankrupt())
}

func TestResolvePerpBankruptcy_InsuranceFirst(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	market := perpMarket(t, env)
	market.InsuranceClaim.QuoteMaxInsurance = uint64(testutil.Quote(1_000))
	quoteMarket := spotMarket(t, env, testutil.QuoteSpotIndex)
	quoteMarket.InsuranceFund.Balance = uint64(testutil.Quote(30))

	testutil.OpenPerpPosition(t, testutil.NewUser(), market, testutil.Base(5), -testutil.Quote(500))
	testutil.OpenPerpPosition(t, testutil.NewUser(), market, -testutil.Base(5), testutil.Quote(500))

	user := testutil.NewUser()
	flatPnl(t, user, -testutil.Quote(100))
	bankrupt(t, user)

	res, err := liquidation.ResolvePerpBankruptcy(env, user, uuid.New(), testutil.SolPerpIndex)
	require.NoError(t, err)

	assert.Equal(t, uint64(testutil.Quote(30)), res.Record.PerpBankruptcy.IfPayment)
	assert.Equal(t, int64(7_000_000_000), res.Record.PerpBankruptcy.CumulativeFundingRateDelta)
	assert.Zero(t, quoteMarket.InsuranceFund.Balance)
	assert.Equal(t, uint64(testutil.Quote(30)), market.InsuranceClaim.QuoteSettledInsurance)

	pool, err := spot.PoolTokenAmount(&market.PnlPool, quoteMarket)
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Quote(30)), pool)
}

func TestResolvePerpBankruptcy_RequiresBankruptUser(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	user := testutil.NewUser()
	flatPnl(t, user, -testutil.Quote(100))

	_, err := liquidation.ResolvePerpBankruptcy(env, user, uuid.New(), testutil.SolPerpIndex)
	require.ErrorIs(t, err, errs.ErrUserNotBankrupt)
}

func TestResolveSpotBankruptcy(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))
	sol := spotMarket(t, env, testutil.SolSpotIndex)
	sol.InsuranceFund.Balance = 500_000_000

	depositor := testutil.NewUser()
	testutil.DepositTokens(t, depositor, sol, uint64(testutil.Base(10)))
	user := testutil.NewUser()
	testutil.BorrowTokens(t, user, sol, uint64(testutil.Base(2)))
	bankrupt(t, user)

	res, err := liquidation.ResolveSpotBankruptcy(env, user, uuid.New(), testutil.SolSpotIndex)
	require.NoError(t, err)

	detail := res.Record.SpotBankruptcy
	require.NotNil(t, detail)
	assert.Equal(t, uint64(testutil.Base(2)), detail.BorrowAmount)
	assert.Equal(t, uint64(500_000_000), detail.IfPayment)
	assert.Equal(t, uint64(1_500_000_000), detail.CumulativeDepositInterestDelta)

	assert.Zero(t, sol.BorrowBalance)
	assert.Zero(t, sol.InsuranceFund.Balance)
	assert.Equal(t, uint64(1_500_000_000), sol.TotalSocialLoss)
	assert.Equal(t, uint64(testutil.Quote(150)), sol.TotalQuoteSocialLoss)
	assert.Equal(t, int64(8_500_000_000), tokens(t, env, depositor, testutil.SolSpotIndex))

	assert.Zero(t, tokens(t, env, user, testutil.SolSpotIndex))
	assert.False(t, user.IsBankrupt())
}

func TestIsUserBankrupt(t *testing.T) {
	env := testutil.NewEnv(1, 0, testutil.Price(100))

	assert.False(t, liquidation.IsUserBankrupt(testutil.NewUser()), "no liabilities")

	user := testutil.NewUser()
	flatPnl(t, user, -testutil.Quote(1))
	assert.True(t, liquidation.IsUserBankrupt(user))

	testutil.DepositTokens(t, user, spotMarket(t, env, testutil.SolSpotIndex), 1)
	assert.False(t, liquidation.IsUserBankrupt(user), "a deposit can still be seized")

	borrower := testutil.NewUser()
	testutil.BorrowTokens(t, borrower, spotMarket(t, env, testutil.SolSpotIndex), 1)
	assert.True(t, liquidation.IsUserBankrupt(borrower))

	open := underwaterLong(t, env)
	assert.False(t, liquidation.IsUserBankrupt(open))
}
