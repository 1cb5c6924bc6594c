package ingestion

import (
	"context"
	"fmt"

	"PerpRisk/internal/event"
)

// GRPCIngestService provides admin/manual instruction injection via gRPC.
// It is for operators and cranks, not for high-throughput ingestion (use
// NATS for that). Injected instructions carry their own header, so they are
// sequenced and deduplicated exactly like NATS traffic.
type GRPCIngestService struct {
	instrChan chan<- event.Instruction
}

func NewGRPCIngestService(instrChan chan<- event.Instruction) *GRPCIngestService {
	return &GRPCIngestService{instrChan: instrChan}
}

// Submit decodes a payload by instruction type name and queues it for the core.
func (s *GRPCIngestService) Submit(ctx context.Context, typeName string, payload []byte) (event.Instruction, error) {
	t, ok := event.ParseInstructionType(typeName)
	if !ok {
		return nil, fmt.Errorf("%q: %w", typeName, ErrUnknownInstruction)
	}
	ins, err := DecodeInstruction(t, payload)
	if err != nil {
		return nil, err
	}
	if err := validate(ins); err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}

	select {
	case s.instrChan <- ins:
		return ins, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
