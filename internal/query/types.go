package query

import (
	"github.com/google/uuid"

	"PerpRisk/internal/ledger"
)

// Fixed-point fields are served raw next to a decimal rendering. Clients do
// arithmetic on the raw value only.

// UserMarginResponse is both margin passes over one user plus its positions.
type UserMarginResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	SubAccountID uint16    `json:"sub_account_id"`
	Health       string    `json:"health"`

	BeingLiquidated bool `json:"being_liquidated"`
	Bankrupt        bool `json:"bankrupt"`
	ReduceOnly      bool `json:"reduce_only"`

	TotalCollateral        int64                  `json:"total_collateral"`
	TotalCollateralDecimal string                 `json:"total_collateral_decimal"`
	InitialRequirement     uint64                 `json:"initial_requirement"`
	MaintenanceRequirement uint64                 `json:"maintenance_requirement"`
	FreeCollateral         uint64                 `json:"free_collateral"`
	FreeCollateralDecimal  string                 `json:"free_collateral_decimal"`
	MaintenanceCollateral  int64                  `json:"maintenance_collateral"`
	AllOraclesValid        bool                   `json:"all_oracles_valid"`
	NumSpotLiabilities     uint8                  `json:"num_spot_liabilities"`
	NumPerpLiabilities     uint8                  `json:"num_perp_liabilities"`
	LiquidationMarginFreed uint64                 `json:"liquidation_margin_freed"`
	SettledPerpPnl         int64                  `json:"settled_perp_pnl"`
	CumulativePerpFunding  int64                  `json:"cumulative_perp_funding"`
	TotalDeposits          uint64                 `json:"total_deposits"`
	TotalWithdraws         uint64                 `json:"total_withdraws"`
	OpenOrders             uint8                  `json:"open_orders"`
	PerpPositions          []PerpPositionResponse `json:"perp_positions"`
	SpotPositions          []SpotPositionResponse `json:"spot_positions"`
	AsOfSequence           int64                  `json:"as_of_sequence"`
}

type PerpPositionResponse struct {
	MarketIndex          uint16 `json:"market_index"`
	BaseAssetAmount      int64  `json:"base_asset_amount"`
	BaseAssetDecimal     string `json:"base_asset_decimal"`
	QuoteAssetAmount     int64  `json:"quote_asset_amount"`
	QuoteEntryAmount     int64  `json:"quote_entry_amount"`
	QuoteBreakEvenAmount int64  `json:"quote_break_even_amount"`
	UnrealizedPnl        int64  `json:"unrealized_pnl"`
	UnrealizedPnlDecimal string `json:"unrealized_pnl_decimal"`
	UnsettledFundingPnl  int64  `json:"unsettled_funding_pnl"`
	OpenOrders           uint8  `json:"open_orders"`
	OpenBids             int64  `json:"open_bids"`
	OpenAsks             int64  `json:"open_asks"`
}

type SpotPositionResponse struct {
	MarketIndex  uint16 `json:"market_index"`
	BalanceType  string `json:"balance_type"`
	TokenAmount  int64  `json:"token_amount"`
	TokenDecimal string `json:"token_decimal"`
	OpenOrders   uint8  `json:"open_orders"`
	OpenBids     int64  `json:"open_bids"`
	OpenAsks     int64  `json:"open_asks"`
}

// PerpMarketResponse is the AMM, pricing and pool state of one perp market.
type PerpMarketResponse struct {
	MarketIndex  uint16 `json:"market_index"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	ContractTier uint8  `json:"contract_tier"`

	OraclePrice        int64  `json:"oracle_price"`
	OraclePriceDecimal string `json:"oracle_price_decimal"`
	ReservePrice       uint64 `json:"reserve_price"`
	BidPrice           uint64 `json:"bid_price"`
	AskPrice           uint64 `json:"ask_price"`
	MarkPriceDecimal   string `json:"mark_price_decimal"`
	LastMarkPriceTwap  uint64 `json:"last_mark_price_twap"`
	LastOracleTwap     int64  `json:"last_oracle_price_twap"`
	LongSpread         uint32 `json:"long_spread"`
	ShortSpread        uint32 `json:"short_spread"`

	BaseAssetReserve  uint64 `json:"base_asset_reserve"`
	QuoteAssetReserve uint64 `json:"quote_asset_reserve"`
	SqrtK             uint64 `json:"sqrt_k"`
	PegMultiplier     uint64 `json:"peg_multiplier"`

	BaseAssetAmountLong    int64  `json:"base_asset_amount_long"`
	BaseAssetAmountShort   int64  `json:"base_asset_amount_short"`
	BaseAssetAmountWithAmm int64  `json:"base_asset_amount_with_amm"`
	OpenInterestDecimal    string `json:"open_interest_decimal"`

	LastFundingRate            int64 `json:"last_funding_rate"`
	LastFundingRateTs          int64 `json:"last_funding_rate_ts"`
	CumulativeFundingRateLong  int64 `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort int64 `json:"cumulative_funding_rate_short"`

	TotalFee                   int64  `json:"total_fee"`
	TotalFeeMinusDistributions int64  `json:"total_fee_minus_distributions"`
	TotalLiquidationFee        uint64 `json:"total_liquidation_fee"`
	FeePoolBalance             uint64 `json:"fee_pool_balance"`
	PnlPoolBalance             uint64 `json:"pnl_pool_balance"`
	TotalSocialLoss            uint64 `json:"total_social_loss"`

	NumberOfUsers uint32 `json:"number_of_users"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// SpotMarketResponse is the pool and interest state of one spot market.
type SpotMarketResponse struct {
	MarketIndex uint16 `json:"market_index"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Decimals    uint32 `json:"decimals"`

	OraclePrice        int64  `json:"oracle_price"`
	OraclePriceDecimal string `json:"oracle_price_decimal"`

	DepositTokenAmount  uint64 `json:"deposit_token_amount"`
	DepositTokenDecimal string `json:"deposit_token_decimal"`
	BorrowTokenAmount   uint64 `json:"borrow_token_amount"`
	BorrowTokenDecimal  string `json:"borrow_token_decimal"`

	Utilization               uint64 `json:"utilization"`
	BorrowRate                uint64 `json:"borrow_rate"`
	DepositRate               uint64 `json:"deposit_rate"`
	CumulativeDepositInterest uint64 `json:"cumulative_deposit_interest"`
	CumulativeBorrowInterest  uint64 `json:"cumulative_borrow_interest"`
	LastInterestTs            int64  `json:"last_interest_ts"`

	RevenuePoolTokens  uint64 `json:"revenue_pool_tokens"`
	InsuranceFundVault uint64 `json:"insurance_fund_vault"`
	TotalSocialLoss    uint64 `json:"total_social_loss"`
	AsOfSequence       int64  `json:"as_of_sequence"`
}

// FundingPaymentResponse is one settled funding payment from the projection.
type FundingPaymentResponse struct {
	Sequence        int64  `json:"sequence"`
	MarketIndex     uint16 `json:"market_index"`
	Ts              int64  `json:"ts"`
	FundingPayment  int64  `json:"funding_payment"`
	PaymentDecimal  string `json:"payment_decimal"`
	BaseAssetAmount int64  `json:"base_asset_amount"`
}

// LiquidationResponse is one liquidation record from the projection.
type LiquidationResponse struct {
	Sequence        int64     `json:"sequence"`
	LiquidationID   uint16    `json:"liquidation_id"`
	LiquidationType string    `json:"liquidation_type"`
	Liquidator      uuid.UUID `json:"liquidator"`
	MarketIndex     uint16    `json:"market_index"`
	Ts              int64     `json:"ts"`
	Bankrupt        bool      `json:"bankrupt"`
	MarginFreed     uint64    `json:"margin_freed"`
}

// IntegrityReport is the result of walking the instruction log hash chain.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	Checked         int64   `json:"checked"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}

// BalanceAuditResponse reports market aggregates that disagree with the
// accounts they sum.
type BalanceAuditResponse struct {
	ledger.Report
	IsHealthy    bool  `json:"is_healthy"`
	AsOfSequence int64 `json:"as_of_sequence"`
}
