package event

import (
	"time"

	"github.com/google/uuid"
)

// InstructionType discriminator for instruction payloads
type InstructionType int32

const (
	InstructionUnknown InstructionType = iota
	InstructionInitUser
	InstructionOracleUpdate
	InstructionPlacePerpOrder
	InstructionPlaceSpotOrder
	InstructionCancelOrder
	InstructionCancelOrders
	InstructionFillPerpOrder
	InstructionTriggerOrder
	InstructionDeposit
	InstructionWithdraw
	InstructionSettlePnl
	InstructionLiquidatePerp
	InstructionLiquidateSpot
	InstructionLiquidateBorrowForPerpPnl
	InstructionLiquidatePerpPnlForDeposit
	InstructionResolvePerpBankruptcy
	InstructionResolveSpotBankruptcy
	InstructionUpdateFundingRate
	InstructionUpdateSpotInterest
)

var instructionNames = map[InstructionType]string{
	InstructionInitUser:                   "InitUser",
	InstructionOracleUpdate:               "OracleUpdate",
	InstructionPlacePerpOrder:             "PlacePerpOrder",
	InstructionPlaceSpotOrder:             "PlaceSpotOrder",
	InstructionCancelOrder:                "CancelOrder",
	InstructionCancelOrders:               "CancelOrders",
	InstructionFillPerpOrder:              "FillPerpOrder",
	InstructionTriggerOrder:               "TriggerOrder",
	InstructionDeposit:                    "Deposit",
	InstructionWithdraw:                   "Withdraw",
	InstructionSettlePnl:                  "SettlePnl",
	InstructionLiquidatePerp:              "LiquidatePerp",
	InstructionLiquidateSpot:              "LiquidateSpot",
	InstructionLiquidateBorrowForPerpPnl:  "LiquidateBorrowForPerpPnl",
	InstructionLiquidatePerpPnlForDeposit: "LiquidatePerpPnlForDeposit",
	InstructionResolvePerpBankruptcy:      "ResolvePerpBankruptcy",
	InstructionResolveSpotBankruptcy:      "ResolveSpotBankruptcy",
	InstructionUpdateFundingRate:          "UpdateFundingRate",
	InstructionUpdateSpotInterest:         "UpdateSpotInterest",
}

func (t InstructionType) String() string {
	if name, ok := instructionNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ParseInstructionType is the inverse of String.
func ParseInstructionType(name string) (InstructionType, bool) {
	for t, n := range instructionNames {
		if n == name {
			return t, true
		}
	}
	return InstructionUnknown, false
}

// Envelope wraps every instruction in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	Type InstructionType

	// Market context (nil for user-level instructions)
	MarketIndex *uint16

	// Clock supplied with the instruction (NOT wall-clock)
	Timestamp time.Time
	Slot      uint64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded instruction
	Payload []byte

	// SHA-256 of touched state AFTER applying this instruction
	StateHash [32]byte

	// Previous instruction's state hash (chain integrity)
	PrevHash [32]byte
}

// Instruction is the interface all instruction payloads implement
type Instruction interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	Type() InstructionType

	// MarketIndex returns the market context (nil for user-level instructions)
	MarketIndex() *uint16

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Clock returns unix seconds and slot. The two are never interchangeable.
	Clock() (now int64, slot uint64)
}

// Header carries the fields every instruction shares.
type Header struct {
	ID       uuid.UUID
	Sequence int64
	Slot     uint64
	Ts       int64
}

func (h *Header) IdempotencyKey() string {
	return h.ID.String()
}

func (h *Header) SourceSequence() int64 {
	return h.Sequence
}

func (h *Header) Clock() (int64, uint64) {
	return h.Ts, h.Slot
}

func market(i uint16) *uint16 {
	return &i
}
