package margin_test

import (
	gomath "math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/margin"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"
)

type fixture struct {
	perp    *state.PerpMarketMap
	spot    *state.SpotMarketMap
	oracles *state.OracleMap

	perpMarket  *state.PerpMarket
	quoteMarket *state.SpotMarket
	solMarket   *state.SpotMarket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	perpMarkets, spotMarkets := testutil.Markets()
	f := &fixture{perp: perpMarkets, spot: spotMarkets, oracles: testutil.NewOracleMap(1, testutil.Price(100))}

	var err error
	f.perpMarket, err = perpMarkets.Get(testutil.SolPerpIndex)
	require.NoError(t, err)
	f.quoteMarket, err = spotMarkets.Get(testutil.QuoteSpotIndex)
	require.NoError(t, err)
	f.solMarket, err = spotMarkets.Get(testutil.SolSpotIndex)
	require.NoError(t, err)
	return f
}

func (f *fixture) calc(t *testing.T, user *state.User, ctx margin.Context) margin.Calculation {
	t.Helper()
	calc, err := margin.CalculateMarginRequirementAndTotalCollateral(user, f.perp, f.spot, f.oracles, ctx)
	require.NoError(t, err)
	return calc
}

// ============================================================================
// Spot
// ============================================================================

func TestSpot_QuoteDepositCountsInFull(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewUser()
	testutil.DepositTokens(t, user, f.quoteMarket, uint64(testutil.Quote(100)))

	calc := f.calc(t, user, margin.NewContext(state.MarginInitial))
	assert.Equal(t, testutil.Quote(100), calc.TotalCollateral)
	assert.Zero(t, calc.MarginRequirement)
	assert.True(t, calc.AllOraclesValid)
	assert.False(t, calc.HasLiabilities())
}

func TestSpot_AssetWeightsByRequirement(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewUser()
	testutil.DepositTokens(t, user, f.solMarket, uint64(testutil.Base(1)))

	initial := f.calc(t, user, margin.NewContext(state.MarginInitial))
	maintenance := f.calc(t, user, margin.NewContext(state.MarginMaintenance))

	assert.Equal(t, testutil.Quote(80), initial.TotalCollateral)
	assert.Equal(t, testutil.Quote(90), maintenance.TotalCollateral)
	assert.Equal(t, testutil.Quote(100), initial.TotalSpotAssetValue)
}

func TestSpot_BorrowIsLiability(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewUser()
	testutil.DepositTokens(t, user, f.quoteMarket, uint64(testutil.Quote(200)))
	testutil.BorrowTokens(t, user, f.solMarket, uint64(testutil.Base(1)))

	initial := f.calc(t, user, margin.NewContext(state.MarginInitial))
	maintenance := f.calc(t, user, margin.NewContext(state.MarginMaintenance))

	assert.Equal(t, uint64(testutil.Quote(120)), initial.MarginRequirement)
	assert.Equal(t, uint64(testutil.Quote(110)), maintenance.MarginRequirement)
	assert.Equal(t, uint64(testutil.Quote(100)), maintenance.TotalSpotLiabilityValue)
	assert.Equal(t, uint8(1), maintenance.NumSpotLiabilities)
	assert.Equal(t, testutil.Quote(200), maintenance.TotalCollateral)
}

func TestSpot_WorstCaseFillPicksAdverseSide(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewUser()
	testutil.DepositTokens(t, user, f.quoteMarket, uint64(testutil.Quote(100)))
	testutil.DepositTokens(t, user, f.solMarket, uint64(testutil.Base(1)))

	pos, err := user.GetSpotPosition(testutil.SolSpotIndex)
	require.NoError(t, err)
	pos.OpenOrders = 2
	pos.OpenBids = testutil.Base(1)
	pos.OpenAsks = -testutil.Base(1)

	// buying a second SOL (180 - 100) leaves less than selling the first (100)
	calc := f.calc(t, user, margin.NewContext(state.MarginMaintenance))
	assert.Equal(t, testutil.Quote(180), calc.TotalCollateral)
	assert.Equal(t, testutil.Quote(200), calc.TotalSpotAssetValue)
	assert.Zero(t, calc.MarginRequirement, "order cost nets against the quote deposit")
}

func TestSimulateOrderFill(t *testing.T) {
	f := newFixture(t)
	ctx := margin.NewContext(state.MarginMaintenance)

	asks, err := margin.SimulateOrderFill(testutil.Base(1), -testutil.Base(1), f.solMarket, testutil.Price(100), ctx)
	require.NoError(t, err)
	assert.Zero(t, asks.TokenAmount)
	assert.Equal(t, testutil.Quote(100), asks.OrdersValue)
	assert.Equal(t, testutil.Quote(100), asks.FreeCollateralContribution)

	bids, err := margin.SimulateOrderFill(0, testutil.Base(2), f.solMarket, testutil.Price(100), ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.Quote(180), bids.WeightedTokenValue)
	assert.Equal(t, -testutil.Quote(200), bids.OrdersValue)
	assert.Equal(t, -testutil.Quote(20), bids.FreeCollateralContribution)
}

func TestSpot_StrictUsesWorsePrice(t *testing.T) {
	f := newFixture(t)
	f.solMarket.HistoricalOracleData.LastOraclePriceTwap5Min = testutil.Price(90)
	user := testutil.NewUser()
	testutil.DepositTokens(t, user, f.solMarket, uint64(testutil.Base(1)))

	calc := f.calc(t, user, margin.NewContext(state.MarginMaintenance).WithStrict())
	assert.Equal(t, testutil.Quote(81), calc.TotalCollateral)
}

// ============================================================================
// Perp
// ============================================================================

func TestPerp_RequirementAndPnl(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewUser()
	testutil.DepositTokens(t, user, f.quoteMarket, uint64(testutil.Quote(10)))
	testutil.OpenPerpPosition(t, user, f.perpMarket, testutil.Base(1), -testutil.Quote(100))

	initial := f.calc(t, user, margin.NewContext(state.MarginInitial))
	assert.Equal(t, uint64(testutil.Quote(10)), initial.MarginRequirement)
	assert.Equal(t, testutil.Quote(10), initial.TotalCollateral)
	assert.True(t, initial.MeetsMarginRequirement())
	assert.Equal(t, uint8(1), initial.NumPerpLiabilities)
	assert.Equal(t, uint64(testutil.Quote(100)), initial.TotalPerpLiabilityValue)

	maintenance := f.calc(t, user, margin.NewContext(state.MarginMaintenance))
	assert.Equal(t, uint64(testutil.Quote(5)), maintenance.MarginRequirement)
	assert.Equal(t, uint64(testutil.Quote(5)), maintenance.FreeCollateral())
}

func TestPerp_OpenOrdersUseWorstCaseBase(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewUser()
	pos := testutil.OpenPerpPosition(t, user, f.perpMarket, testutil.Base(1), -testutil.Quote(100))
	pos.OpenOrders = 2
	pos.OpenBids = testutil.Base(1)
	pos.OpenAsks = -testutil.Base(4)

	calc := f.calc(t, user, margin.NewContext(state.MarginInitial))
	assert.Equal(t, uint64(testutil.Quote(300)), calc.TotalPerpLiabilityValue)
	assert.Equal(t, uint64(testutil.Quote(30)), calc.MarginRequirement)
}

func TestPerp_UnsettledFundingCounts(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewUser()
	testutil.OpenPerpPosition(t, user, f.perpMarket, testutil.Base(1), -testutil.Quote(100))
	f.perpMarket.AMM.CumulativeFundingRateLong = 5_000_000_000

	calc := f.calc(t, user, margin.NewContext(state.MarginMaintenance))
	assert.Equal(t, -testutil.Quote(5), calc.TotalCollateral)
	assert.Equal(t, -testutil.Quote(5), calc.TotalPerpPnl)
}

func TestPerp_PositivePnlWeighted(t *testing.T) {
	f := newFixture(t)
	f.perpMarket.UnrealizedPnlInitialAssetWeight = 5_000
	user := testutil.NewUser()
	testutil.OpenPerpPosition(t, user, f.perpMarket, testutil.Base(1), -testutil.Quote(80))

	initial := f.calc(t, user, margin.NewContext(state.MarginInitial))
	assert.Equal(t, testutil.Quote(10), initial.TotalCollateral)

	maintenance := f.calc(t, user, margin.NewContext(state.MarginMaintenance))
	assert.Equal(t, testutil.Quote(20), maintenance.TotalCollateral)
}

func TestPerp_SettlementUsesExpiryPrice(t *testing.T) {
	f := newFixture(t)
	f.perpMarket.Status = state.MarketStatusSettlement
	f.perpMarket.ExpiryPrice = testutil.Price(110)
	user := testutil.NewUser()
	testutil.OpenPerpPosition(t, user, f.perpMarket, testutil.Base(1), -testutil.Quote(100))

	calc := f.calc(t, user, margin.NewContext(state.MarginInitial))
	assert.Equal(t, testutil.Quote(10), calc.TotalCollateral)
	assert.Zero(t, calc.MarginRequirement)
}

func TestCalculatePerpLiabilityValue_Prediction(t *testing.T) {
	long, err := margin.CalculatePerpLiabilityValue(testutil.Base(10), 300_000, state.ContractTypePrediction)
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Quote(3)), long)

	short, err := margin.CalculatePerpLiabilityValue(-testutil.Base(10), 300_000, state.ContractTypePrediction)
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Quote(7)), short)

	capped, err := margin.CalculatePerpLiabilityValue(testutil.Base(10), testutil.Price(2), state.ContractTypePrediction)
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Quote(10)), capped)

	perpetual, err := margin.CalculatePerpLiabilityValue(-testutil.Base(10), testutil.Price(2), state.ContractTypePerpetual)
	require.NoError(t, err)
	assert.Equal(t, uint64(testutil.Quote(20)), perpetual)
}

// ============================================================================
// Buffer and shortage
// ============================================================================

func TestLiquidationBuffer(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewUser()
	testutil.OpenPerpPosition(t, user, f.perpMarket, testutil.Base(1), -testutil.Quote(150))

	calc := f.calc(t, user, margin.NewLiquidationContext(200))
	assert.Equal(t, uint64(testutil.Quote(5)), calc.MarginRequirement)
	assert.Equal(t, uint64(testutil.Quote(7)), calc.MarginRequirementPlusBuffer)
	assert.Equal(t, -testutil.Quote(50), calc.TotalCollateral)
	assert.Equal(t, -testutil.Quote(1), calc.TotalCollateralBuffer)
	assert.Equal(t, uint64(testutil.Quote(58)), calc.MarginShortage())
	assert.False(t, calc.CanExitLiquidation())
}

func TestBufferSeparatesMeetsFromCanExit(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewUser()
	testutil.DepositTokens(t, user, f.quoteMarket, uint64(testutil.Quote(6)))
	testutil.OpenPerpPosition(t, user, f.perpMarket, testutil.Base(1), -testutil.Quote(100))

	calc := f.calc(t, user, margin.NewLiquidationContext(200))
	assert.True(t, calc.MeetsMarginRequirement())
	assert.False(t, calc.CanExitLiquidation())
	assert.Equal(t, uint64(testutil.Quote(1)), calc.MarginShortage())
}

// Raising the requirement type never lowers the requirement or raises collateral.
func TestMarginMonotonicity(t *testing.T) {
	f := newFixture(t)
	f.perpMarket.IMFFactor = 1_000
	f.perpMarket.UnrealizedPnlInitialAssetWeight = 9_000
	f.solMarket.IMFFactor = 1_000

	user := testutil.NewUser()
	testutil.DepositTokens(t, user, f.quoteMarket, uint64(testutil.Quote(1_000)))
	testutil.DepositTokens(t, user, f.solMarket, uint64(testutil.Base(50)))
	testutil.OpenPerpPosition(t, user, f.perpMarket, -testutil.Base(20), testutil.Quote(2_100))

	maintenance := f.calc(t, user, margin.NewContext(state.MarginMaintenance))
	fill := f.calc(t, user, margin.NewContext(state.MarginFill))
	initial := f.calc(t, user, margin.NewContext(state.MarginInitial))

	assert.LessOrEqual(t, maintenance.MarginRequirement, fill.MarginRequirement)
	assert.LessOrEqual(t, fill.MarginRequirement, initial.MarginRequirement)
	assert.GreaterOrEqual(t, maintenance.TotalCollateral, fill.TotalCollateral)
	assert.GreaterOrEqual(t, fill.TotalCollateral, initial.TotalCollateral)
}

// ============================================================================
// Oracles and failures
// ============================================================================

func TestStaleOracleFlagsCalculation(t *testing.T) {
	f := newFixture(t)
	f.oracles.Set(testutil.SolOracle, state.OraclePriceData{
		Price:                           testutil.Price(100),
		Confidence:                      1,
		Delay:                           1_000,
		HasSufficientNumberOfDataPoints: true,
	})
	user := testutil.NewUser()
	testutil.BorrowTokens(t, user, f.solMarket, uint64(testutil.Base(1)))

	calc := f.calc(t, user, margin.NewContext(state.MarginMaintenance))
	assert.False(t, calc.AllOraclesValid)

	_, err := margin.MeetsWithdrawMarginRequirement(user, f.perp, f.spot, f.oracles, state.DefaultOracleGuardRails().Validity)
	require.ErrorIs(t, err, errs.ErrInvalidOracle)
}

func TestMissingMarketWrapsMarginError(t *testing.T) {
	f := newFixture(t)
	user := testutil.NewUser()
	pos, err := user.ForceGetPerpPosition(7)
	require.NoError(t, err)
	pos.BaseAssetAmount = testutil.Base(1)

	_, err = margin.CalculateMarginRequirementAndTotalCollateral(user, f.perp, f.spot, f.oracles, margin.NewContext(state.MarginInitial))
	require.ErrorIs(t, err, errs.ErrMarginCalculation)
	require.ErrorIs(t, err, errs.ErrMarketNotFound)
}

func TestMeetsWithdrawMarginRequirement(t *testing.T) {
	f := newFixture(t)
	rails := state.DefaultOracleGuardRails().Validity

	user := testutil.NewUser()
	testutil.DepositTokens(t, user, f.quoteMarket, uint64(testutil.Quote(100)))
	ok, err := margin.MeetsWithdrawMarginRequirement(user, f.perp, f.spot, f.oracles, rails)
	require.NoError(t, err)
	assert.True(t, ok)

	testutil.BorrowTokens(t, user, f.solMarket, uint64(testutil.Base(1)))
	ok, err = margin.MeetsWithdrawMarginRequirement(user, f.perp, f.spot, f.oracles, rails)
	require.NoError(t, err)
	assert.False(t, ok, "120 required against 100")
}

// ============================================================================
// Health
// ============================================================================

func TestCheckMarginHealth(t *testing.T) {
	f := newFixture(t)
	rails := state.DefaultOracleGuardRails().Validity
	user := testutil.NewUser()
	testutil.OpenPerpPosition(t, user, f.perpMarket, testutil.Base(1), -testutil.Quote(100))

	testutil.DepositTokens(t, user, f.quoteMarket, uint64(testutil.Quote(12)))
	h, err := margin.CheckMarginHealth(user, f.perp, f.spot, f.oracles, rails)
	require.NoError(t, err)
	assert.Equal(t, margin.StatusHealthy, h.Status)

	f.oracles.Set(testutil.SolOracle, state.OraclePriceData{Price: testutil.Price(97), Confidence: 1, HasSufficientNumberOfDataPoints: true})
	h, err = margin.CheckMarginHealth(user, f.perp, f.spot, f.oracles, rails)
	require.NoError(t, err)
	assert.Equal(t, margin.StatusAtRisk, h.Status)

	f.oracles.Set(testutil.SolOracle, state.OraclePriceData{Price: testutil.Price(90), Confidence: 1, HasSufficientNumberOfDataPoints: true})
	h, err = margin.CheckMarginHealth(user, f.perp, f.spot, f.oracles, rails)
	require.NoError(t, err)
	assert.Equal(t, margin.StatusLiquidatable, h.Status)
	assert.Equal(t, "Liquidatable", h.Status.String())
}

func TestFreeCollateralNeverNegative(t *testing.T) {
	calc := margin.Calculation{TotalCollateral: -5, MarginRequirement: 10, MarginRequirementPlusBuffer: 10}
	assert.Zero(t, calc.FreeCollateral())
	assert.Equal(t, uint64(15), calc.MarginShortage())
}

func TestMarginShortage_SaturatesInsteadOfWrapping(t *testing.T) {
	calc := margin.Calculation{
		TotalCollateral:             gomath.MinInt64 + 10,
		TotalCollateralBuffer:       -100,
		MarginRequirementPlusBuffer: 10,
	}
	assert.False(t, calc.MeetsMarginRequirementWithBuffer())
	assert.Equal(t, uint64(gomath.MaxInt64)+11, calc.MarginShortage())

	calc = margin.Calculation{
		TotalCollateral:             gomath.MinInt64,
		MarginRequirementPlusBuffer: gomath.MaxUint64,
	}
	assert.Equal(t, uint64(gomath.MaxUint64), calc.MarginShortage())

	calc = margin.Calculation{
		TotalCollateral:             100,
		TotalCollateralBuffer:       -40,
		MarginRequirementPlusBuffer: 50,
	}
	assert.True(t, calc.MeetsMarginRequirementWithBuffer())
	assert.Zero(t, calc.MarginShortage())
}
