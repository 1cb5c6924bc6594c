package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpRisk/internal/observability"
)

const (
	InstructionStream = "PERP_RISK_INSTRUCTIONS"

	instructionRetention = 72 * time.Hour
	consumerAckWait      = 30 * time.Second
	consumerMaxDeliver   = 5
)

// RawInstruction is an instruction message not yet parsed. The intake loop
// acks it once the core has applied or rejected it, and terminates it when it
// cannot be parsed so that JetStream stops redelivering it.
type RawInstruction struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
	StreamSeq  uint64
	Delivered  uint64

	msg jetstream.Msg
}

// Ack acknowledges the message. A no-op for instructions not taken off NATS.
func (r RawInstruction) Ack() {
	if r.msg != nil {
		_ = r.msg.Ack()
	}
}

// Term stops redelivery of a message that can never be applied.
func (r RawInstruction) Term(reason string) {
	if r.msg != nil {
		_ = r.msg.TermWithReason(reason)
	}
}

// SubjectConfig binds a durable consumer to a filter subject.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects uses one durable consumer for every instruction subject.
// Partition sequences are validated in the core, so the stream order must be
// kept end to end.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: SubjectPrefix + ">", ConsumerName: "risk-core", StreamName: InstructionStream},
	}
}

// ConsumerConfig is the durable pull consumer for cfg. MaxAckPending of one
// keeps delivery strictly ordered across redeliveries.
func ConsumerConfig(cfg SubjectConfig) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       consumerAckWait,
		MaxDeliver:    consumerMaxDeliver,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// InstructionStreamConfig is the inbound stream: file backed, limits retention.
func InstructionStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      InstructionStream,
		Subjects:  []string{SubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    instructionRetention,
		Replicas:  1,
	}
}

// NATSSubscriber pulls instructions off JetStream into rawChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawInstruction
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawInstruction, metrics *observability.Metrics) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		metrics: metrics,
		logger:  observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates or updates the consumers and starts consuming.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, ConsumerConfig(cfg))
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cc, err := consumer.Consume(ns.handler(ctx, cfg.Subject))
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}
		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}
	return nil
}

func (ns *NATSSubscriber) handler(ctx context.Context, subject string) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		raw := RawInstruction{
			Subject:    msg.Subject(),
			Data:       msg.Data(),
			ReceivedAt: time.Now(),
			msg:        msg,
		}
		if md, err := msg.Metadata(); err == nil {
			raw.StreamSeq = md.Sequence.Stream
			raw.Delivered = md.NumDelivered
			if ns.metrics != nil {
				ns.metrics.NATSPullLatency.WithLabelValues(subject).Observe(time.Since(md.Timestamp).Seconds())
			}
			if md.NumDelivered > 1 {
				ns.logger.Warn().
					Uint64("stream_seq", raw.StreamSeq).
					Uint64("delivered", raw.Delivered).
					Msg("redelivered instruction")
			}
		}

		select {
		case ns.rawChan <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	}
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("subscribers stopped")
}

// EnsureStreams creates or updates the inbound instruction stream.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := InstructionStreamConfig()
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	logger := observability.NewLogger("nats-subscriber")
	logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	return nil
}

// ConnectNATS connects with unlimited reconnects and returns a JetStream
// handle.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("perprisk"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
