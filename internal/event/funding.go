package event

import (
	"github.com/google/uuid"

	"PerpRisk/internal/state"
)

// InitUser creates a margin account.
type InitUser struct {
	Header
	UserID       uuid.UUID
	SubAccountID uint16
}

func (i *InitUser) Type() InstructionType { return InstructionInitUser }
func (i *InitUser) MarketIndex() *uint16  { return nil }

// OracleUpdate replaces one feed in the oracle snapshot and folds it into
// the twaps of every market priced by it.
type OracleUpdate struct {
	Header
	Oracle state.OracleID
	Data   state.OraclePriceData
}

func (o *OracleUpdate) Type() InstructionType { return InstructionOracleUpdate }
func (o *OracleUpdate) MarketIndex() *uint16  { return nil }

type UpdateFundingRate struct {
	Header
	Market uint16
}

func (u *UpdateFundingRate) Type() InstructionType { return InstructionUpdateFundingRate }
func (u *UpdateFundingRate) MarketIndex() *uint16  { return market(u.Market) }

type UpdateSpotInterest struct {
	Header
	Market uint16
}

func (u *UpdateSpotInterest) Type() InstructionType { return InstructionUpdateSpotInterest }
func (u *UpdateSpotInterest) MarketIndex() *uint16  { return market(u.Market) }

// FundingPaymentRecord is emitted when a position settles funding.
// A positive payment is received by the user.
type FundingPaymentRecord struct {
	Ts                        int64
	User                      uuid.UUID
	MarketIndex               uint16
	FundingPayment            int64
	BaseAssetAmount           int64
	UserLastCumulativeFunding int64
	AmmCumulativeFundingLong  int64
	AmmCumulativeFundingShort int64
}

func (r *FundingPaymentRecord) RecordType() RecordType { return RecordFundingPayment }
func (r *FundingPaymentRecord) Market() uint16         { return r.MarketIndex }
func (r *FundingPaymentRecord) Timestamp() int64       { return r.Ts }

type FundingRateRecord struct {
	Ts                         int64
	MarketIndex                uint16
	FundingRate                int64
	FundingRateLong            int64
	FundingRateShort           int64
	CumulativeFundingRateLong  int64
	CumulativeFundingRateShort int64
	OraclePriceTwap            int64
	MarkPriceTwap              uint64
	PeriodRevenue              int64
	BaseAssetAmountWithAmm     int64
}

func (r *FundingRateRecord) RecordType() RecordType { return RecordFundingRate }
func (r *FundingRateRecord) Market() uint16         { return r.MarketIndex }
func (r *FundingRateRecord) Timestamp() int64       { return r.Ts }

type SpotInterestRecord struct {
	Ts                        int64
	MarketIndex               uint16
	DepositBalance            uint64
	CumulativeDepositInterest uint64
	BorrowBalance             uint64
	CumulativeBorrowInterest  uint64
	Utilization               uint64
	BorrowRate                uint64
	DepositRate               uint64
	RevenueTokens             uint64
}

func (r *SpotInterestRecord) RecordType() RecordType { return RecordSpotInterest }
func (r *SpotInterestRecord) Market() uint16         { return r.MarketIndex }
func (r *SpotInterestRecord) Timestamp() int64       { return r.Ts }
