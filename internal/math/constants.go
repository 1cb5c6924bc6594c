package math

// Precisions. Every quantity kind carries its own scale; values of different
// kinds must never be combined without dividing one precision out.
const (
	PricePrecision    int64 = 1_000_000     // 1e6
	QuotePrecision    int64 = 1_000_000     // 1e6
	BasePrecision     int64 = 1_000_000_000 // 1e9
	FundingRateBuffer int64 = 1_000

	FundingRatePrecision = PricePrecision * FundingRateBuffer // 1e9
)

const (
	AmmReservePrecision             uint64 = 1_000_000_000
	PegPrecision                    uint64 = 1_000_000
	MarginPrecision                 uint64 = 10_000
	SpotWeightPrecision             uint64 = 10_000
	SpotBalancePrecision            uint64 = 1_000_000_000
	SpotCumulativeInterestPrecision uint64 = 10_000_000_000
	SpotUtilizationPrecision        uint64 = 1_000_000
	SpotRatePrecision               uint64 = 1_000_000
	SpotIMFPrecision                uint64 = 1_000_000
	LiquidationFeePrecision         uint64 = 1_000_000
	LiquidationPctPrecision         uint64 = 10_000
	PercentagePrecision             uint64 = 1_000_000
	BidAskSpreadPrecision           uint64 = 1_000_000
	ConcentrationPrecision          uint64 = 1_000_000
)

// Cross-precision ratios.
const (
	// AMM_RESERVE * PEG / QUOTE
	AmmTimesPegToQuotePrecisionRatio uint64 = 1_000_000_000
	// PRICE * BASE / QUOTE
	PriceTimesAmmToQuotePrecisionRatio int64 = 1_000_000_000
	// BASE / QUOTE
	AmmToQuotePrecisionRatio int64 = 1_000
	// BASE * FUNDING_RATE / QUOTE
	FundingRateToQuotePrecisionRatio int64 = 1_000_000_000_000
	// LIQUIDATION_FEE / MARGIN
	LiquidationFeeToMarginPrecisionRatio uint64 = 100
	// exponent of SPOT_BALANCE * SPOT_CUMULATIVE_INTEREST
	SpotBalanceInterestExponent uint32 = 19
)

const (
	QuotePrecisionU64 = uint64(QuotePrecision)
	PricePrecisionU64 = uint64(PricePrecision)
	BasePrecisionU64  = uint64(BasePrecision)
)

const (
	OneYear     int64 = 31_536_000
	OneHour     int64 = 3_600
	FiveMinutes int64 = 300
	ThirtyDays  int64 = 2_592_000

	// MaxPredictionMarketPrice is the settlement price of a winning outcome.
	MaxPredictionMarketPrice = PricePrecision

	MaxConcentrationCoefficient uint64 = 1_414_200

	QuoteSpotMarketIndex uint16 = 0
)
