package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"PerpRisk/internal/event"
)

// SubjectPrefix is the JetStream subject root for inbound instructions.
// The token after the prefix names the instruction type:
// perp.risk.instructions.{InstructionType}[.{partition}]
const SubjectPrefix = "perp.risk.instructions."

var (
	ErrUnknownInstruction = errors.New("unknown instruction type")
	ErrMissingID          = errors.New("instruction id is required")
	ErrMissingClock       = errors.New("instruction ts is required")
)

// TypeFromSubject extracts the instruction type from an inbound subject.
func TypeFromSubject(subject string) (event.InstructionType, error) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok {
		return event.InstructionUnknown, fmt.Errorf("subject %q: %w", subject, ErrUnknownInstruction)
	}
	name, _, _ := strings.Cut(rest, ".")
	t, ok := event.ParseInstructionType(name)
	if !ok {
		return event.InstructionUnknown, fmt.Errorf("subject %q: %w", subject, ErrUnknownInstruction)
	}
	return t, nil
}

// ParseRawInstruction converts a message taken off NATS into a typed instruction.
func ParseRawInstruction(raw RawInstruction) (event.Instruction, error) {
	t, err := TypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	ins, err := DecodeInstruction(t, raw.Data)
	if err != nil {
		return nil, err
	}
	if err := validate(ins); err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	return ins, nil
}

// DecodeInstruction decodes a payload of the given type. The wire format is
// the one the core writes to the instruction log, so replay uses this too.
func DecodeInstruction(t event.InstructionType, payload []byte) (event.Instruction, error) {
	ins := newInstruction(t)
	if ins == nil {
		return nil, fmt.Errorf("%d: %w", t, ErrUnknownInstruction)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(ins); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t, err)
	}
	return ins, nil
}

func newInstruction(t event.InstructionType) event.Instruction {
	switch t {
	case event.InstructionInitUser:
		return &event.InitUser{}
	case event.InstructionOracleUpdate:
		return &event.OracleUpdate{}
	case event.InstructionPlacePerpOrder:
		return &event.PlacePerpOrder{}
	case event.InstructionPlaceSpotOrder:
		return &event.PlaceSpotOrder{}
	case event.InstructionCancelOrder:
		return &event.CancelOrder{}
	case event.InstructionCancelOrders:
		return &event.CancelOrders{}
	case event.InstructionFillPerpOrder:
		return &event.FillPerpOrder{}
	case event.InstructionTriggerOrder:
		return &event.TriggerOrder{}
	case event.InstructionDeposit:
		return &event.Deposit{}
	case event.InstructionWithdraw:
		return &event.Withdraw{}
	case event.InstructionSettlePnl:
		return &event.SettlePnl{}
	case event.InstructionLiquidatePerp:
		return &event.LiquidatePerp{}
	case event.InstructionLiquidateSpot:
		return &event.LiquidateSpot{}
	case event.InstructionLiquidateBorrowForPerpPnl:
		return &event.LiquidateBorrowForPerpPnl{}
	case event.InstructionLiquidatePerpPnlForDeposit:
		return &event.LiquidatePerpPnlForDeposit{}
	case event.InstructionResolvePerpBankruptcy:
		return &event.ResolvePerpBankruptcy{}
	case event.InstructionResolveSpotBankruptcy:
		return &event.ResolveSpotBankruptcy{}
	case event.InstructionUpdateFundingRate:
		return &event.UpdateFundingRate{}
	case event.InstructionUpdateSpotInterest:
		return &event.UpdateSpotInterest{}
	default:
		return nil
	}
}

// validate checks the shared header. Domain checks belong to the core.
func validate(ins event.Instruction) error {
	if ins.IdempotencyKey() == uuid.Nil.String() {
		return ErrMissingID
	}
	if now, _ := ins.Clock(); now <= 0 {
		return ErrMissingClock
	}
	return nil
}
