package state

import (
	fpmath "PerpRisk/internal/math"
)

// OracleID addresses a price feed in the OracleMap.
type OracleID uint32

type HistoricalOracleData struct {
	LastOraclePrice         int64
	LastOracleConf          uint64
	LastOracleDelay         int64
	LastOraclePriceTwap     int64
	LastOraclePriceTwap5Min int64
	LastOraclePriceTwapTs   int64
}

// PoolBalance is a protocol-owned balance held in a spot market, in scaled units.
type PoolBalance struct {
	ScaledBalance uint64
	MarketIndex   uint16
}

// InsuranceClaim caps what a perp market may draw from the insurance fund.
type InsuranceClaim struct {
	QuoteMaxInsurance     uint64
	QuoteSettledInsurance uint64
}

// AMM is the virtual constant-product market maker backing a perp market.
// Reserves are in AmmReservePrecision, the peg in PegPrecision.
type AMM struct {
	Oracle               OracleID
	OracleSource         OracleSource
	HistoricalOracleData HistoricalOracleData

	BaseAssetReserve     uint64
	QuoteAssetReserve    uint64
	SqrtK                uint64
	PegMultiplier        uint64
	ConcentrationCoef    uint64
	MinBaseAssetReserve  uint64
	MaxBaseAssetReserve  uint64
	BidBaseAssetReserve  uint64
	BidQuoteAssetReserve uint64
	AskBaseAssetReserve  uint64
	AskQuoteAssetReserve uint64

	// Net user position against the AMM and its long/short decomposition.
	BaseAssetAmountWithAmm    int64
	BaseAssetAmountLong       int64
	BaseAssetAmountShort      int64
	QuoteAssetAmount          int64
	QuoteEntryAmountLong      int64
	QuoteEntryAmountShort     int64
	QuoteBreakEvenAmountLong  int64
	QuoteBreakEvenAmountShort int64

	CumulativeFundingRateLong  int64
	CumulativeFundingRateShort int64
	LastFundingRate            int64
	LastFundingRateTs          int64
	FundingPeriod              int64
	CumulativeSocialLoss       int64
	TotalSocialLoss            uint64

	LastMarkPriceTwap     uint64
	LastMarkPriceTwap5Min uint64
	LastMarkPriceTwapTs   int64

	OrderStepSize uint64
	OrderTickSize uint64
	MinOrderSize  uint64

	BaseSpread                      uint32
	LongSpread                      uint32
	ShortSpread                     uint32
	MaxSpread                       uint32
	LastOracleConfPct               uint64
	LastOracleReservePriceSpreadPct int64
	MaxFillReserveFraction          uint16
	MaxSlippageRatio                uint16
	AmmJitIntensity                 uint8

	TotalFee                   int64
	TotalMMFee                 int64
	TotalExchangeFee           uint64
	TotalFeeMinusDistributions int64
	TotalLiquidationFee        uint64
	NetRevenueSinceLastFunding int64
	FeePool                    PoolBalance
}

// AmmJitIsActive reports whether the AMM may cut into maker fills.
func (a *AMM) AmmJitIsActive() bool {
	return a.AmmJitIntensity > 0
}

// PerpMarket is one perpetual contract with its AMM and risk parameters.
type PerpMarket struct {
	MarketIndex  uint16
	Name         [32]byte
	AMM          AMM
	Status       MarketStatus
	ContractType ContractType
	ContractTier ContractTier
	ExpiryTs     int64
	ExpiryPrice  int64

	MarginRatioInitial     uint32
	MarginRatioMaintenance uint32
	IMFFactor              uint32

	UnrealizedPnlInitialAssetWeight     uint32
	UnrealizedPnlMaintenanceAssetWeight uint32
	UnrealizedPnlIMFFactor              uint32

	LiquidatorFee    uint32
	IfLiquidationFee uint32

	QuoteSpotMarketIndex uint16
	InsuranceClaim       InsuranceClaim
	PnlPool              PoolBalance

	NumberOfUsers         uint32
	NumberOfUsersWithBase uint32
	NextFillRecordID      uint64
}

func (m *PerpMarket) IsReduceOnly() bool {
	return m.Status == MarketStatusReduceOnly
}

// NameString trims the zero padding of Name.
func (m *PerpMarket) NameString() string {
	return trimName(m.Name)
}

// GetMarginRatio returns the margin ratio for a position of size base units,
// raised above the configured ratio by the IMF size premium.
func (m *PerpMarket) GetMarginRatio(size uint64, requirement MarginRequirementType) (uint32, error) {
	var defaultRatio uint32
	switch requirement {
	case MarginInitial:
		defaultRatio = m.MarginRatioInitial
	case MarginFill:
		defaultRatio = (m.MarginRatioInitial + m.MarginRatioMaintenance) / 2
	default:
		defaultRatio = m.MarginRatioMaintenance
	}

	sizeAdjusted, err := CalculateSizePremiumLiabilityWeight(size, m.IMFFactor, defaultRatio, fpmath.MarginPrecision)
	if err != nil {
		return 0, err
	}
	if sizeAdjusted > defaultRatio {
		return sizeAdjusted, nil
	}
	return defaultRatio, nil
}

// GetUnrealizedAssetWeight returns how much of a positive unrealized pnl counts
// as collateral. Initial weight shrinks with pnl size through the unrealized IMF.
func (m *PerpMarket) GetUnrealizedAssetWeight(unrealizedPnl int64, requirement MarginRequirementType) (uint32, error) {
	switch requirement {
	case MarginInitial:
		weight := m.UnrealizedPnlInitialAssetWeight
		if weight > 0 && m.UnrealizedPnlIMFFactor > 0 && unrealizedPnl > 0 {
			// pnl in quote precision -> AMM reserve precision
			size, err := fpmath.MulU64(uint64(unrealizedPnl), uint64(fpmath.AmmToQuotePrecisionRatio))
			if err != nil {
				return 0, err
			}
			return CalculateSizeDiscountAssetWeight(size, m.UnrealizedPnlIMFFactor, weight)
		}
		return weight, nil
	case MarginFill:
		return (m.UnrealizedPnlInitialAssetWeight + m.UnrealizedPnlMaintenanceAssetWeight) / 2, nil
	default:
		return m.UnrealizedPnlMaintenanceAssetWeight, nil
	}
}

// CumulativeFundingRate returns the rate a position of the given sign settles against.
func (m *PerpMarket) CumulativeFundingRate(baseAssetAmount int64) int64 {
	if baseAssetAmount > 0 {
		return m.AMM.CumulativeFundingRateLong
	}
	return m.AMM.CumulativeFundingRateShort
}

func trimName(name [32]byte) string {
	n := len(name)
	for n > 0 && name[n-1] == 0 {
		n--
	}
	return string(name[:n])
}

// EncodeName pads s into a fixed-width name, truncating past 32 bytes.
func EncodeName(s string) [32]byte {
	var out [32]byte
	copy(out[:], s)
	return out
}
