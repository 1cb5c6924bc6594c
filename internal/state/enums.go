package state

type PositionDirection uint8

const (
	Long PositionDirection = iota
	Short
)

func (d PositionDirection) Opposite() PositionDirection {
	if d == Long {
		return Short
	}
	return Long
}

func (d PositionDirection) String() string {
	if d == Long {
		return "long"
	}
	return "short"
}

// DirectionOf returns the direction implied by a signed base amount; zero is Long.
func DirectionOf(baseAssetAmount int64) PositionDirection {
	if baseAssetAmount >= 0 {
		return Long
	}
	return Short
}

type MarketType uint8

const (
	MarketTypePerp MarketType = iota
	MarketTypeSpot
)

func (m MarketType) String() string {
	if m == MarketTypeSpot {
		return "spot"
	}
	return "perp"
}

type OrderType uint8

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeTriggerMarket
	OrderTypeTriggerLimit
	OrderTypeOracle
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeTriggerMarket:
		return "trigger_market"
	case OrderTypeTriggerLimit:
		return "trigger_limit"
	case OrderTypeOracle:
		return "oracle"
	default:
		return "unknown"
	}
}

func (t OrderType) IsTrigger() bool {
	return t == OrderTypeTriggerMarket || t == OrderTypeTriggerLimit
}

func (t OrderType) IsMarketLike() bool {
	return t == OrderTypeMarket || t == OrderTypeTriggerMarket || t == OrderTypeOracle
}

type OrderStatus uint8

const (
	OrderStatusInit OrderStatus = iota
	OrderStatusOpen
	OrderStatusFilled
	OrderStatusCanceled
)

type OrderTriggerCondition uint8

const (
	TriggerAbove OrderTriggerCondition = iota
	TriggerBelow
	TriggeredAbove
	TriggeredBelow
)

func (c OrderTriggerCondition) Triggered() bool {
	return c == TriggeredAbove || c == TriggeredBelow
}

// MarketStatus is the lifecycle of a market.
type MarketStatus uint8

const (
	MarketStatusInitialized MarketStatus = iota
	MarketStatusActive
	MarketStatusFundingPaused
	MarketStatusFillPaused
	MarketStatusReduceOnly
	MarketStatusSettlement
	MarketStatusDelisted
)

func (s MarketStatus) String() string {
	switch s {
	case MarketStatusInitialized:
		return "initialized"
	case MarketStatusActive:
		return "active"
	case MarketStatusFundingPaused:
		return "funding_paused"
	case MarketStatusFillPaused:
		return "fill_paused"
	case MarketStatusReduceOnly:
		return "reduce_only"
	case MarketStatusSettlement:
		return "settlement"
	case MarketStatusDelisted:
		return "delisted"
	default:
		return "unknown"
	}
}

// CanFill reports whether orders may fill in this status. Reduce-only markets
// fill only orders that shrink the position; callers check that separately.
func (s MarketStatus) CanFill() bool {
	return s == MarketStatusActive || s == MarketStatusFundingPaused || s == MarketStatusReduceOnly
}

type ContractType uint8

const (
	ContractTypePerpetual ContractType = iota
	ContractTypeFuture
	ContractTypePrediction
)

// ContractTier bounds how much insurance a market can draw and in which order
// positions are liquidated. Lower tiers are safer.
type ContractTier uint8

const (
	ContractTierA ContractTier = iota
	ContractTierB
	ContractTierC
	ContractTierSpeculative
	ContractTierHighlySpeculative
	ContractTierIsolated
)

// IsInsured reports whether bankruptcies in the tier can draw on the insurance fund.
func (t ContractTier) IsInsured() bool {
	return t <= ContractTierC
}

// MaxFundingRate returns the per-period funding clamp as a fraction of the
// oracle twap in PercentagePrecision.
func (t ContractTier) MaxFundingRate() uint64 {
	switch t {
	case ContractTierA:
		return 1_250 // 0.125%
	case ContractTierB:
		return 1_875
	case ContractTierC:
		return 2_500
	default:
		return 3_125
	}
}

type SpotBalanceType uint8

const (
	SpotBalanceDeposit SpotBalanceType = iota
	SpotBalanceBorrow
)

func (t SpotBalanceType) String() string {
	if t == SpotBalanceBorrow {
		return "borrow"
	}
	return "deposit"
}

type OracleSource uint8

const (
	OracleSourceFeed OracleSource = iota
	// OracleSourceQuoteAsset prices the quote asset at exactly 1.
	OracleSourceQuoteAsset
)

type AssetTier uint8

const (
	AssetTierCollateral AssetTier = iota
	AssetTierProtected
	AssetTierCross
	AssetTierIsolated
	AssetTierUnlisted
)

// MarginRequirementType selects how strict a margin calculation is.
type MarginRequirementType uint8

const (
	MarginInitial MarginRequirementType = iota
	MarginFill
	MarginMaintenance
)

func (m MarginRequirementType) String() string {
	switch m {
	case MarginInitial:
		return "initial"
	case MarginFill:
		return "fill"
	default:
		return "maintenance"
	}
}
