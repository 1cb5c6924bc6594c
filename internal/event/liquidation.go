// internal/event/liquidation.go
package event

import (
	"github.com/google/uuid"
)

// LiquidatePerp takes over part of a user's perp position at the oracle
// price less the liquidator discount.
type LiquidatePerp struct {
	Header
	LiquidatorID       uuid.UUID
	UserID             uuid.UUID
	Market             uint16
	MaxBaseAssetAmount uint64
	LimitPrice         *uint64
}

func (l *LiquidatePerp) Type() InstructionType { return InstructionLiquidatePerp }
func (l *LiquidatePerp) MarketIndex() *uint16  { return market(l.Market) }

// LiquidateSpot transfers a borrow from the user to the liquidator in
// exchange for one of the user's deposits.
type LiquidateSpot struct {
	Header
	LiquidatorID         uuid.UUID
	UserID               uuid.UUID
	AssetMarketIndex     uint16
	LiabilityMarketIndex uint16
	MaxLiabilityTransfer uint64
	LimitPrice           *uint64
}

func (l *LiquidateSpot) Type() InstructionType { return InstructionLiquidateSpot }
func (l *LiquidateSpot) MarketIndex() *uint16  { return nil }

// LiquidateBorrowForPerpPnl repays a borrow with positive perp pnl.
type LiquidateBorrowForPerpPnl struct {
	Header
	LiquidatorID         uuid.UUID
	UserID               uuid.UUID
	PerpMarketIndex      uint16
	LiabilityMarketIndex uint16
	MaxLiabilityTransfer uint64
	LimitPrice           *uint64
}

func (l *LiquidateBorrowForPerpPnl) Type() InstructionType {
	return InstructionLiquidateBorrowForPerpPnl
}
func (l *LiquidateBorrowForPerpPnl) MarketIndex() *uint16 { return market(l.PerpMarketIndex) }

// LiquidatePerpPnlForDeposit covers negative perp pnl with a deposit.
type LiquidatePerpPnlForDeposit struct {
	Header
	LiquidatorID     uuid.UUID
	UserID           uuid.UUID
	PerpMarketIndex  uint16
	AssetMarketIndex uint16
	MaxPnlTransfer   uint64
	LimitPrice       *uint64
}

func (l *LiquidatePerpPnlForDeposit) Type() InstructionType {
	return InstructionLiquidatePerpPnlForDeposit
}
func (l *LiquidatePerpPnlForDeposit) MarketIndex() *uint16 { return market(l.PerpMarketIndex) }

type ResolvePerpBankruptcy struct {
	Header
	LiquidatorID uuid.UUID
	UserID       uuid.UUID
	Market       uint16
}

func (r *ResolvePerpBankruptcy) Type() InstructionType { return InstructionResolvePerpBankruptcy }
func (r *ResolvePerpBankruptcy) MarketIndex() *uint16  { return market(r.Market) }

type ResolveSpotBankruptcy struct {
	Header
	LiquidatorID uuid.UUID
	UserID       uuid.UUID
	Market       uint16
}

func (r *ResolveSpotBankruptcy) Type() InstructionType { return InstructionResolveSpotBankruptcy }
func (r *ResolveSpotBankruptcy) MarketIndex() *uint16  { return nil }

type LiquidationType uint8

const (
	LiquidationTypePerp LiquidationType = iota
	LiquidationTypeSpot
	LiquidationTypeBorrowForPerpPnl
	LiquidationTypePerpPnlForDeposit
	LiquidationTypePerpBankruptcy
	LiquidationTypeSpotBankruptcy
)

func (t LiquidationType) String() string {
	switch t {
	case LiquidationTypePerp:
		return "liquidate_perp"
	case LiquidationTypeSpot:
		return "liquidate_spot"
	case LiquidationTypeBorrowForPerpPnl:
		return "liquidate_borrow_for_perp_pnl"
	case LiquidationTypePerpPnlForDeposit:
		return "liquidate_perp_pnl_for_deposit"
	case LiquidationTypePerpBankruptcy:
		return "perp_bankruptcy"
	default:
		return "spot_bankruptcy"
	}
}

type LiquidatePerpDetail struct {
	MarketIndex       uint16
	OraclePrice       int64
	BaseAssetAmount   int64
	QuoteAssetAmount  int64
	UserOrderID       uint32
	LiquidatorOrderID uint32
	FillRecordID      uint64
	LiquidatorFee     uint64
	IfFee             uint64
}

type LiquidateSpotDetail struct {
	AssetMarketIndex     uint16
	AssetPrice           int64
	AssetTransfer        uint64
	LiabilityMarketIndex uint16
	LiabilityPrice       int64
	LiabilityTransfer    uint64
	IfFee                uint64
}

type LiquidateBorrowForPerpPnlDetail struct {
	PerpMarketIndex      uint16
	MarketOraclePrice    int64
	PnlTransfer          uint64
	LiabilityMarketIndex uint16
	LiabilityPrice       int64
	LiabilityTransfer    uint64
}

type LiquidatePerpPnlForDepositDetail struct {
	PerpMarketIndex   uint16
	MarketOraclePrice int64
	PnlTransfer       uint64
	AssetMarketIndex  uint16
	AssetPrice        int64
	AssetTransfer     uint64
}

// PerpBankruptcyDetail: Pnl is the loss written off; the part the insurance
// fund did not pay is socialized through CumulativeFundingRateDelta.
type PerpBankruptcyDetail struct {
	MarketIndex                uint16
	Pnl                        int64
	IfPayment                  uint64
	ClawbackUser               *uuid.UUID
	ClawbackUserPayment        uint64
	CumulativeFundingRateDelta int64
}

type SpotBankruptcyDetail struct {
	MarketIndex                    uint16
	BorrowAmount                   uint64
	IfPayment                      uint64
	CumulativeDepositInterestDelta uint64
}

// LiquidationRecord is emitted by every liquidation and bankruptcy call.
// Exactly one detail matches LiquidationType.
type LiquidationRecord struct {
	Ts                int64
	Slot              uint64
	LiquidationType   LiquidationType
	User              uuid.UUID
	Liquidator        uuid.UUID
	MarginRequirement uint64
	TotalCollateral   int64
	MarginFreed       uint64
	LiquidationID     uint16
	Bankrupt          bool
	CanceledOrderIDs  []uint32

	LiquidatePerp              *LiquidatePerpDetail              `json:",omitempty"`
	LiquidateSpot              *LiquidateSpotDetail              `json:",omitempty"`
	LiquidateBorrowForPerpPnl  *LiquidateBorrowForPerpPnlDetail  `json:",omitempty"`
	LiquidatePerpPnlForDeposit *LiquidatePerpPnlForDepositDetail `json:",omitempty"`
	PerpBankruptcy             *PerpBankruptcyDetail             `json:",omitempty"`
	SpotBankruptcy             *SpotBankruptcyDetail             `json:",omitempty"`
}

func (r *LiquidationRecord) RecordType() RecordType { return RecordLiquidation }
func (r *LiquidationRecord) Timestamp() int64       { return r.Ts }

// Market is the perp market for perp-side liquidations and the liability
// (or bankrupt) spot market otherwise.
func (r *LiquidationRecord) Market() uint16 {
	switch {
	case r.LiquidatePerp != nil:
		return r.LiquidatePerp.MarketIndex
	case r.LiquidateSpot != nil:
		return r.LiquidateSpot.LiabilityMarketIndex
	case r.LiquidateBorrowForPerpPnl != nil:
		return r.LiquidateBorrowForPerpPnl.PerpMarketIndex
	case r.LiquidatePerpPnlForDeposit != nil:
		return r.LiquidatePerpPnlForDeposit.PerpMarketIndex
	case r.PerpBankruptcy != nil:
		return r.PerpBankruptcy.MarketIndex
	case r.SpotBankruptcy != nil:
		return r.SpotBankruptcy.MarketIndex
	}
	return 0
}
