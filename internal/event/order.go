package event

import (
	"github.com/google/uuid"

	"PerpRisk/internal/state"
)

// PlacePerpOrder opens a perp order on a user.
type PlacePerpOrder struct {
	Header
	UserID uuid.UUID
	Params state.OrderParams
}

func (p *PlacePerpOrder) Type() InstructionType { return InstructionPlacePerpOrder }
func (p *PlacePerpOrder) MarketIndex() *uint16  { return market(p.Params.MarketIndex) }

// PlaceSpotOrder rests a spot order. Spot orders only feed margin
// simulation; they are never filled here.
type PlaceSpotOrder struct {
	Header
	UserID uuid.UUID
	Params state.OrderParams
}

func (p *PlaceSpotOrder) Type() InstructionType { return InstructionPlaceSpotOrder }
func (p *PlaceSpotOrder) MarketIndex() *uint16  { return nil }

type CancelOrder struct {
	Header
	UserID  uuid.UUID
	OrderID uint32
}

func (c *CancelOrder) Type() InstructionType { return InstructionCancelOrder }
func (c *CancelOrder) MarketIndex() *uint16  { return nil }

// CancelOrders cancels every open order matching the optional filters.
type CancelOrders struct {
	Header
	UserID            uuid.UUID
	MarketType        *state.MarketType
	MarketIndexFilter *uint16
	Direction         *state.PositionDirection
}

func (c *CancelOrders) Type() InstructionType { return InstructionCancelOrders }
func (c *CancelOrders) MarketIndex() *uint16  { return c.MarketIndexFilter }

// FillPerpOrder fills a taker order against an optional maker order and the
// AMM. A nil MakerID fills against the AMM only.
type FillPerpOrder struct {
	Header
	FillerID     uuid.UUID
	TakerID      uuid.UUID
	TakerOrderID uint32
	MakerID      *uuid.UUID
	MakerOrderID uint32
	Market       uint16
}

func (f *FillPerpOrder) Type() InstructionType { return InstructionFillPerpOrder }
func (f *FillPerpOrder) MarketIndex() *uint16  { return market(f.Market) }

type TriggerOrder struct {
	Header
	FillerID uuid.UUID
	UserID   uuid.UUID
	OrderID  uint32
}

func (t *TriggerOrder) Type() InstructionType { return InstructionTriggerOrder }
func (t *TriggerOrder) MarketIndex() *uint16  { return nil }

// OrderAction is what happened to an order.
type OrderAction uint8

const (
	OrderActionPlace OrderAction = iota
	OrderActionCancel
	OrderActionTrigger
	OrderActionFill
	OrderActionExpire
)

func (a OrderAction) String() string {
	switch a {
	case OrderActionPlace:
		return "place"
	case OrderActionCancel:
		return "cancel"
	case OrderActionTrigger:
		return "trigger"
	case OrderActionFill:
		return "fill"
	default:
		return "expire"
	}
}

// OrderActionExplanation says why an order changed.
type OrderActionExplanation uint8

const (
	ExplanationNone OrderActionExplanation = iota
	ExplanationInsufficientFreeCollateral
	ExplanationOraclePriceBreachedLimitPrice
	ExplanationMarketOrderFilledToLimitPrice
	ExplanationOrderExpired
	ExplanationCanceledForLiquidation
	ExplanationOrderFilledWithAMM
	ExplanationOrderFilledWithAMMJit
	ExplanationOrderFilledWithMatch
	ExplanationOrderFilledWithMatchJit
	ExplanationMarketExpired
	ExplanationReduceOnlyOrderIncreasedPosition
	ExplanationDustOrderClosed
	ExplanationLiquidation
)

func (e OrderActionExplanation) String() string {
	switch e {
	case ExplanationInsufficientFreeCollateral:
		return "insufficient_free_collateral"
	case ExplanationOraclePriceBreachedLimitPrice:
		return "oracle_price_breached_limit_price"
	case ExplanationMarketOrderFilledToLimitPrice:
		return "market_order_filled_to_limit_price"
	case ExplanationOrderExpired:
		return "order_expired"
	case ExplanationCanceledForLiquidation:
		return "canceled_for_liquidation"
	case ExplanationOrderFilledWithAMM:
		return "order_filled_with_amm"
	case ExplanationOrderFilledWithAMMJit:
		return "order_filled_with_amm_jit"
	case ExplanationOrderFilledWithMatch:
		return "order_filled_with_match"
	case ExplanationOrderFilledWithMatchJit:
		return "order_filled_with_match_jit"
	case ExplanationMarketExpired:
		return "market_expired"
	case ExplanationReduceOnlyOrderIncreasedPosition:
		return "reduce_only_order_increased_position"
	case ExplanationDustOrderClosed:
		return "dust_order_closed"
	case ExplanationLiquidation:
		return "liquidation"
	default:
		return "none"
	}
}

// OrderActionRecord is emitted for every place, cancel, trigger and fill.
// Fees are signed from the protocol's point of view: a negative maker fee is
// a rebate paid out.
type OrderActionRecord struct {
	Ts          int64
	Slot        uint64
	Action      OrderAction
	Explanation OrderActionExplanation
	MarketIndex uint16
	MarketType  state.MarketType

	Filler       uuid.UUID
	FillerReward uint64
	FillRecordID uint64

	BaseAssetAmountFilled   uint64
	QuoteAssetAmountFilled  uint64
	TakerFee                uint64
	MakerFee                int64
	QuoteAssetAmountSurplus int64

	Taker                     uuid.UUID
	TakerOrderID              uint32
	TakerOrderDirection       state.PositionDirection
	TakerOrderBaseAssetAmount uint64
	TakerOrderBaseFilled      uint64
	TakerOrderQuoteFilled     uint64

	Maker                     uuid.UUID
	MakerOrderID              uint32
	MakerOrderDirection       state.PositionDirection
	MakerOrderBaseAssetAmount uint64
	MakerOrderBaseFilled      uint64
	MakerOrderQuoteFilled     uint64

	OraclePrice int64
}

func (r *OrderActionRecord) RecordType() RecordType { return RecordOrderAction }
func (r *OrderActionRecord) Market() uint16         { return r.MarketIndex }
func (r *OrderActionRecord) Timestamp() int64       { return r.Ts }
