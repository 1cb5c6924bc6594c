package funding_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/funding"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"
)

// ============================================================================
// Settlement
// ============================================================================

func TestSettleFundingPayment_LongPaysRisingRate(t *testing.T) {
	market := testutil.NewPerpMarket()
	user := testutil.NewUser()
	pos := testutil.OpenPerpPosition(t, user, market, testutil.Base(10), -testutil.Quote(1000))

	market.AMM.CumulativeFundingRateLong = 10_000_000_000

	record, err := funding.SettleFundingPayment(user, pos, market, 1_700_000_000)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, -testutil.Quote(100), record.FundingPayment)
	assert.Equal(t, testutil.Base(10), record.BaseAssetAmount)
	assert.Equal(t, int64(0), record.UserLastCumulativeFunding)
	assert.Equal(t, -testutil.Quote(1100), pos.QuoteAssetAmount)
	assert.Equal(t, -testutil.Quote(1100), pos.QuoteBreakEvenAmount)
	assert.Equal(t, -testutil.Quote(1000), pos.QuoteEntryAmount, "funding never moves entry")
	assert.Equal(t, int64(10_000_000_000), pos.LastCumulativeFundingRate)
	assert.Equal(t, -testutil.Quote(100), user.CumulativePerpFunding)
}

func TestSettleFundingPayment_ShortReceivesRisingRate(t *testing.T) {
	market := testutil.NewPerpMarket()
	user := testutil.NewUser()
	pos := testutil.OpenPerpPosition(t, user, market, -testutil.Base(10), testutil.Quote(1000))

	market.AMM.CumulativeFundingRateShort = 1_000_000_000

	record, err := funding.SettleFundingPayment(user, pos, market, 0)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, testutil.Quote(10), record.FundingPayment)
	assert.Equal(t, testutil.Quote(1010), pos.QuoteAssetAmount)
}

func TestSettleFundingPayment_NothingOwed(t *testing.T) {
	market := testutil.NewPerpMarket()
	user := testutil.NewUser()
	pos := testutil.OpenPerpPosition(t, user, market, testutil.Base(1), -testutil.Quote(100))

	record, err := funding.SettleFundingPayment(user, pos, market, 0)
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.Equal(t, -testutil.Quote(100), pos.QuoteAssetAmount)
}

func TestSettleFundingPayments_RequiresWritableMarket(t *testing.T) {
	perpMarkets, _ := testutil.Markets()
	market, err := perpMarkets.Get(testutil.SolPerpIndex)
	require.NoError(t, err)

	user := testutil.NewUser()
	testutil.OpenPerpPosition(t, user, market, testutil.Base(1), -testutil.Quote(100))
	market.AMM.CumulativeFundingRateLong = 1_000_000_000

	_, err = funding.SettleFundingPayments(user, perpMarkets.WithWritable(), 0)
	require.ErrorIs(t, err, errs.ErrMarketNotWritable)

	records, err := funding.SettleFundingPayments(user, perpMarkets.WithWritable(testutil.SolPerpIndex), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, -testutil.Quote(1), records[0].FundingPayment)
}

// ============================================================================
// Funding rate
// ============================================================================

func TestCalculateFundingRate(t *testing.T) {
	// 2.4 cents of premium over a day is 0.1 cent per hour
	rate, err := funding.CalculateFundingRate(100_024_000, testutil.Price(100), state.ContractTierA, 3_600)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), rate)

	rate, err = funding.CalculateFundingRate(99_976_000, testutil.Price(100), state.ContractTierA, 3_600)
	require.NoError(t, err)
	assert.Equal(t, int64(-1_000_000), rate)
}

func TestCalculateFundingRate_ClampedByTier(t *testing.T) {
	// tier A caps the premium at 0.125% of the oracle twap
	rate, err := funding.CalculateFundingRate(testutil.Price(101), testutil.Price(100), state.ContractTierA, 3_600)
	require.NoError(t, err)
	assert.Equal(t, int64(5_208_333), rate)

	speculative, err := funding.CalculateFundingRate(testutil.Price(101), testutil.Price(100), state.ContractTierSpeculative, 3_600)
	require.NoError(t, err)
	assert.Greater(t, speculative, rate)
}

func TestUpdateFundingRate_GatedByPeriod(t *testing.T) {
	market := testutil.NewPerpMarket()
	market.AMM.LastMarkPriceTwap = 100_024_000
	market.AMM.LastFundingRateTs = 10_000
	oracles := testutil.NewOracleMap(1, testutil.Price(100))

	record, err := funding.UpdateFundingRate(market, oracles, state.DefaultOracleGuardRails(), 10_000+3_599)
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.Zero(t, market.AMM.CumulativeFundingRateLong)

	market.AMM.LastFundingRateTs = 0
	market.AMM.NetRevenueSinceLastFunding = 42
	record, err = funding.UpdateFundingRate(market, oracles, state.DefaultOracleGuardRails(), 3_600)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, int64(1_000_000), record.FundingRate)
	assert.Equal(t, int64(1_000_000), market.AMM.CumulativeFundingRateLong)
	assert.Equal(t, int64(1_000_000), market.AMM.CumulativeFundingRateShort)
	assert.Equal(t, int64(42), record.PeriodRevenue)
	assert.Zero(t, market.AMM.NetRevenueSinceLastFunding)
	assert.Equal(t, int64(3_600), market.AMM.LastFundingRateTs)
}

func TestUpdateFundingRate_Paused(t *testing.T) {
	market := testutil.NewPerpMarket()
	market.Status = state.MarketStatusFundingPaused
	market.AMM.LastMarkPriceTwap = 100_024_000

	record, err := funding.UpdateFundingRate(market, testutil.NewOracleMap(1, testutil.Price(100)), state.DefaultOracleGuardRails(), 3_600)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestCalculateFundingRateLongShort_CappedByFeePool(t *testing.T) {
	market := testutil.NewPerpMarket()
	market.AMM.BaseAssetAmountShort = -testutil.Base(10)
	market.AMM.BaseAssetAmountWithAmm = -testutil.Base(10)
	market.AMM.TotalFeeMinusDistributions = 4_000

	long, short, pnl, err := funding.CalculateFundingRateLongShort(market, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), long)
	assert.Equal(t, int64(400_000), short, "shorts are only paid what the fee pool can cover")
	assert.Equal(t, int64(-4_000), pnl)
}

func TestCalculateFundingRateLongShort_AmmReceives(t *testing.T) {
	market := testutil.NewPerpMarket()
	market.AMM.BaseAssetAmountLong = testutil.Base(10)
	market.AMM.BaseAssetAmountWithAmm = testutil.Base(10)

	long, short, pnl, err := funding.CalculateFundingRateLongShort(market, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, long, short)
	assert.Equal(t, int64(10_000), pnl)
}

// ============================================================================
// Social loss
// ============================================================================

func TestSocializeLoss_SpreadsAcrossOpenInterest(t *testing.T) {
	market := testutil.NewPerpMarket()
	longUser, shortUser := testutil.NewUser(), testutil.NewUser()
	longPos := testutil.OpenPerpPosition(t, longUser, market, testutil.Base(5), -testutil.Quote(500))
	shortPos := testutil.OpenPerpPosition(t, shortUser, market, -testutil.Base(5), testutil.Quote(500))

	delta, err := funding.SocializeLoss(market, -testutil.Quote(100))
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000_000), delta)
	assert.Equal(t, int64(10_000_000_000), market.AMM.CumulativeFundingRateLong)
	assert.Equal(t, int64(-10_000_000_000), market.AMM.CumulativeFundingRateShort)
	assert.Equal(t, uint64(testutil.Quote(100)), market.AMM.TotalSocialLoss)

	longRecord, err := funding.SettleFundingPayment(longUser, longPos, market, 0)
	require.NoError(t, err)
	shortRecord, err := funding.SettleFundingPayment(shortUser, shortPos, market, 0)
	require.NoError(t, err)

	assert.Equal(t, -testutil.Quote(50), longRecord.FundingPayment)
	assert.Equal(t, -testutil.Quote(50), shortRecord.FundingPayment)
}

func TestCalculateFundingRateDeltas_NoOpenInterest(t *testing.T) {
	market := testutil.NewPerpMarket()
	delta, err := funding.CalculateFundingRateDeltasToResolveBankruptcy(-testutil.Quote(100), market)
	require.NoError(t, err)
	assert.Zero(t, delta)
}

func TestSocializeLoss_NoOpenInterestStillBooksLoss(t *testing.T) {
	market := testutil.NewPerpMarket()

	delta, err := funding.SocializeLoss(market, -testutil.Quote(100))
	require.NoError(t, err)
	assert.Zero(t, delta)
	assert.Zero(t, market.AMM.CumulativeFundingRateLong)
	assert.Zero(t, market.AMM.CumulativeFundingRateShort)
	assert.Equal(t, -testutil.Quote(100), market.AMM.CumulativeSocialLoss)
	assert.Equal(t, uint64(testutil.Quote(100)), market.AMM.TotalSocialLoss)
}

func TestSocializeLoss_NothingLeftToSocialize(t *testing.T) {
	market := testutil.NewPerpMarket()
	testutil.OpenPerpPosition(t, testutil.NewUser(), market, testutil.Base(5), -testutil.Quote(500))

	delta, err := funding.SocializeLoss(market, 0)
	require.NoError(t, err)
	assert.Zero(t, delta)
	assert.Zero(t, market.AMM.CumulativeSocialLoss)
	assert.Zero(t, market.AMM.TotalSocialLoss)
}
