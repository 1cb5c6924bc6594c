package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
)

const (
	RecordStream        = "PERP_RISK_RECORDS"
	RecordSubjectPrefix = "perp.risk.records."
)

// OutboundPublisher publishes the records of every applied instruction.
// Subjects follow the pattern: perp.risk.records.{record_type}.{market_index}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishedRecord is the outbound message body.
type PublishedRecord struct {
	Sequence       int64            `json:"sequence"`
	RecordIndex    int              `json:"record_index"`
	RecordType     event.RecordType `json:"record_type"`
	MarketIndex    uint16           `json:"market_index"`
	Ts             int64            `json:"ts"`
	Instruction    string           `json:"instruction"`
	IdempotencyKey string           `json:"idempotency_key"`
	StateHash      string           `json:"state_hash"`
	Record         event.Record     `json:"record"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			for _, msg := range BuildRecordMessages(out) {
				if err := op.publish(ctx, msg); err != nil {
					// Non-fatal: consumers can read risk_log.records directly.
					op.logger.Warn().Err(err).
						Int64("sequence", msg.Sequence).
						Int("record_index", msg.RecordIndex).
						Msg("outbound publish failed")
				}
			}
		}
	}
}

// BuildRecordMessages flattens one core output into outbound messages.
func BuildRecordMessages(out core.CoreOutput) []PublishedRecord {
	if out.Envelope == nil {
		return nil
	}
	env := out.Envelope
	msgs := make([]PublishedRecord, 0, len(out.Records))
	for i, rec := range out.Records {
		msgs = append(msgs, PublishedRecord{
			Sequence:       env.Sequence,
			RecordIndex:    i,
			RecordType:     rec.RecordType(),
			MarketIndex:    rec.Market(),
			Ts:             rec.Timestamp(),
			Instruction:    env.Type.String(),
			IdempotencyKey: env.IdempotencyKey,
			StateHash:      hex.EncodeToString(env.StateHash[:]),
			Record:         rec,
		})
	}
	return msgs
}

// RecordSubject is perp.risk.records.{record_type}.{market_index}.
func RecordSubject(msg PublishedRecord) string {
	return fmt.Sprintf("%s%s.%d", RecordSubjectPrefix, msg.RecordType, msg.MarketIndex)
}

func (op *OutboundPublisher) publish(ctx context.Context, msg PublishedRecord) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	// The message id lets JetStream drop republished records after a restart.
	msgID := fmt.Sprintf("%d-%d", msg.Sequence, msg.RecordIndex)
	_, err = op.js.Publish(ctx, RecordSubject(msg), data, jetstream.WithMsgID(msgID))
	return err
}

// EnsureOutboundStream creates the outbound record stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       RecordStream,
		Subjects:   []string{RecordSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("publisher")
	logger.Info().Str("stream", RecordStream).Msg("ensured outbound stream")
	return nil
}
