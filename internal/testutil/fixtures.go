package testutil

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
)

// SolOracle prices both the SOL perp and the SOL spot market.
const SolOracle state.OracleID = 1

const (
	QuoteSpotIndex uint16 = 0
	SolSpotIndex   uint16 = 1
	SolPerpIndex   uint16 = 0
)

// Quote converts whole quote units to QuotePrecision.
func Quote(v int64) int64 { return v * fpmath.QuotePrecision }

// Base converts whole base units to BasePrecision.
func Base(v int64) int64 { return v * fpmath.BasePrecision }

// Price converts a whole price to PricePrecision.
func Price(v int64) int64 { return v * fpmath.PricePrecision }

// NewQuoteSpotMarket is a 6 decimal stable quote market priced at exactly 1.
func NewQuoteSpotMarket() *state.SpotMarket {
	return &state.SpotMarket{
		MarketIndex:                QuoteSpotIndex,
		Name:                       state.EncodeName("USDC"),
		OracleSource:               state.OracleSourceQuoteAsset,
		Decimals:                   6,
		Status:                     state.MarketStatusActive,
		AssetTier:                  state.AssetTierCollateral,
		CumulativeDepositInterest:  fpmath.SpotCumulativeInterestPrecision,
		CumulativeBorrowInterest:   fpmath.SpotCumulativeInterestPrecision,
		InitialAssetWeight:         uint32(fpmath.SpotWeightPrecision),
		MaintenanceAssetWeight:     uint32(fpmath.SpotWeightPrecision),
		InitialLiabilityWeight:     uint32(fpmath.SpotWeightPrecision),
		MaintenanceLiabilityWeight: uint32(fpmath.SpotWeightPrecision),
		OptimalUtilization:         800_000,   // 80%
		OptimalBorrowRate:          100_000,   // 10%
		MaxBorrowRate:              1_000_000, // 100%
		RevenuePool:                state.PoolBalance{MarketIndex: QuoteSpotIndex},
		OrderStepSize:              1,
		OrderTickSize:              1,
	}
}

// NewSolSpotMarket is a 9 decimal collateral market on SolOracle.
func NewSolSpotMarket() *state.SpotMarket {
	return &state.SpotMarket{
		MarketIndex:  SolSpotIndex,
		Name:         state.EncodeName("SOL"),
		Oracle:       SolOracle,
		OracleSource: state.OracleSourceFeed,
		HistoricalOracleData: state.HistoricalOracleData{
			LastOraclePrice:         Price(100),
			LastOraclePriceTwap:     Price(100),
			LastOraclePriceTwap5Min: Price(100),
		},
		Decimals:                   9,
		Status:                     state.MarketStatusActive,
		AssetTier:                  state.AssetTierCollateral,
		CumulativeDepositInterest:  fpmath.SpotCumulativeInterestPrecision,
		CumulativeBorrowInterest:   fpmath.SpotCumulativeInterestPrecision,
		InitialAssetWeight:         8_000,
		MaintenanceAssetWeight:     9_000,
		InitialLiabilityWeight:     12_000,
		MaintenanceLiabilityWeight: 11_000,
		LiquidatorFee:              10_000, // 1%
		OptimalUtilization:         700_000,
		OptimalBorrowRate:          200_000,
		MaxBorrowRate:              2_000_000,
		RevenuePool:                state.PoolBalance{MarketIndex: SolSpotIndex},
		OrderStepSize:              1_000_000,
		OrderTickSize:              1,
		MinOrderSize:               1_000_000,
	}
}

// NewPerpMarket is a SOL perp with 100/100 reserves pegged at 100, 10%/5%
// margin ratios and 1% liquidator and insurance fees.
func NewPerpMarket() *state.PerpMarket {
	reserve := uint64(100) * fpmath.AmmReservePrecision
	return &state.PerpMarket{
		MarketIndex: SolPerpIndex,
		Name:        state.EncodeName("SOL-PERP"),
		AMM: state.AMM{
			Oracle:       SolOracle,
			OracleSource: state.OracleSourceFeed,
			HistoricalOracleData: state.HistoricalOracleData{
				LastOraclePrice:         Price(100),
				LastOraclePriceTwap:     Price(100),
				LastOraclePriceTwap5Min: Price(100),
			},
			BaseAssetReserve:       reserve,
			QuoteAssetReserve:      reserve,
			SqrtK:                  reserve,
			PegMultiplier:          100 * fpmath.PegPrecision,
			ConcentrationCoef:      fpmath.MaxConcentrationCoefficient,
			MinBaseAssetReserve:    70_711_356_243,
			MaxBaseAssetReserve:    141_420_000_000,
			BidBaseAssetReserve:    reserve,
			BidQuoteAssetReserve:   reserve,
			AskBaseAssetReserve:    reserve,
			AskQuoteAssetReserve:   reserve,
			FundingPeriod:          fpmath.OneHour,
			LastMarkPriceTwap:      uint64(Price(100)),
			LastMarkPriceTwap5Min:  uint64(Price(100)),
			OrderStepSize:          10_000_000, // 0.01
			OrderTickSize:          1,
			MinOrderSize:           10_000_000,
			MaxSpread:              50_000,
			MaxFillReserveFraction: 10,
			MaxSlippageRatio:       10,
			FeePool:                state.PoolBalance{MarketIndex: QuoteSpotIndex},
		},
		Status:                              state.MarketStatusActive,
		ContractType:                        state.ContractTypePerpetual,
		ContractTier:                        state.ContractTierA,
		MarginRatioInitial:                  1_000,
		MarginRatioMaintenance:              500,
		UnrealizedPnlInitialAssetWeight:     uint32(fpmath.SpotWeightPrecision),
		UnrealizedPnlMaintenanceAssetWeight: uint32(fpmath.SpotWeightPrecision),
		LiquidatorFee:                       10_000,
		IfLiquidationFee:                    10_000,
		QuoteSpotMarketIndex:                QuoteSpotIndex,
		PnlPool:                             state.PoolBalance{MarketIndex: QuoteSpotIndex},
	}
}

// NewOracleMap prices SolOracle at price with a tight confidence.
func NewOracleMap(slot uint64, price int64) *state.OracleMap {
	om := state.NewOracleMap(slot)
	om.Set(SolOracle, state.OraclePriceData{
		Price:                           price,
		Confidence:                      uint64(price) / 1_000,
		HasSufficientNumberOfDataPoints: true,
	})
	return om
}

// Markets bundles the default quote, SOL spot and SOL perp markets.
func Markets() (*state.PerpMarketMap, *state.SpotMarketMap) {
	return state.NewPerpMarketMap(NewPerpMarket()),
		state.NewSpotMarketMap(NewQuoteSpotMarket(), NewSolSpotMarket())
}

func NewUser() *state.User {
	return state.NewUser(uuid.New())
}

// DepositTokens credits a user deposit of tokenAmount in market.
func DepositTokens(t *testing.T, user *state.User, market *state.SpotMarket, tokenAmount uint64) {
	t.Helper()
	pos, err := user.ForceGetSpotPosition(market.MarketIndex)
	require.NoError(t, err)
	require.NoError(t, spot.UpdateSpotBalances(tokenAmount, state.SpotBalanceDeposit, market, pos, false))
}

// BorrowTokens books a borrow of tokenAmount in market.
func BorrowTokens(t *testing.T, user *state.User, market *state.SpotMarket, tokenAmount uint64) {
	t.Helper()
	pos, err := user.ForceGetSpotPosition(market.MarketIndex)
	require.NoError(t, err)
	require.NoError(t, spot.UpdateSpotBalances(tokenAmount, state.SpotBalanceBorrow, market, pos, false))
}

// OpenPerpPosition writes a position directly and books it into the market's
// long/short aggregates as if it had been filled against the AMM.
func OpenPerpPosition(t *testing.T, user *state.User, market *state.PerpMarket, base, quote int64) *state.PerpPosition {
	t.Helper()
	pos, err := user.ForceGetPerpPosition(market.MarketIndex)
	require.NoError(t, err)
	pos.BaseAssetAmount = base
	pos.QuoteAssetAmount = quote
	pos.QuoteEntryAmount = quote
	pos.QuoteBreakEvenAmount = quote
	pos.LastCumulativeFundingRate = market.CumulativeFundingRate(base)

	market.AMM.BaseAssetAmountWithAmm += base
	if base > 0 {
		market.AMM.BaseAssetAmountLong += base
		market.AMM.QuoteEntryAmountLong += quote
		market.AMM.QuoteBreakEvenAmountLong += quote
	} else {
		market.AMM.BaseAssetAmountShort += base
		market.AMM.QuoteEntryAmountShort += quote
		market.AMM.QuoteBreakEvenAmountShort += quote
	}
	market.AMM.QuoteAssetAmount += quote
	market.NumberOfUsers++
	market.NumberOfUsersWithBase++
	return pos
}

// NewEnv runs against the default markets and DefaultState with SolOracle
// at price.
func NewEnv(slot uint64, now int64, price int64) *state.Env {
	perpMarkets, spotMarkets := Markets()
	st := state.DefaultState()
	return &state.Env{
		State:       &st,
		PerpMarkets: perpMarkets,
		SpotMarkets: spotMarkets,
		Oracles:     NewOracleMap(slot, price),
		Now:         now,
		Slot:        slot,
	}
}

// FundedUser is a new user holding a quote deposit of whole units.
func FundedUser(t *testing.T, env *state.Env, quote int64) *state.User {
	t.Helper()
	user := NewUser()
	if quote > 0 {
		market, err := env.SpotMarkets.Get(QuoteSpotIndex)
		require.NoError(t, err)
		DepositTokens(t, user, market, uint64(Quote(quote)))
	}
	return user
}
