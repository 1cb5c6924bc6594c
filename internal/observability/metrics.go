package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector of the service.
type Metrics struct {
	// --- Core ---
	InstructionsApplied  *prometheus.CounterVec
	InstructionsRejected *prometheus.CounterVec
	InstructionDuration  *prometheus.HistogramVec
	StateHashDuration    prometheus.Histogram
	CoreSequence         prometheus.Gauge
	RecordsEmitted       *prometheus.CounterVec

	// --- Matching ---
	FillBaseVolume  *prometheus.CounterVec
	FillQuoteVolume *prometheus.CounterVec
	Fills           *prometheus.CounterVec
	ZeroFills       *prometheus.CounterVec

	// --- Risk ---
	Liquidations         *prometheus.CounterVec
	Bankruptcies         *prometheus.CounterVec
	LiquidationFeesQuote *prometheus.CounterVec
	UsersBeingLiquidated prometheus.Gauge

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	ApplyToPersist  prometheus.Histogram
	NATSPullLatency *prometheus.HistogramVec
	PersistBatchDur prometheus.Histogram

	// --- Channels ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	SequenceGap           *prometheus.CounterVec
	OutOfOrder            *prometheus.CounterVec

	// --- Ingestion ---
	ParseErrors *prometheus.CounterVec

	// --- Persistence ---
	PersistInstructionsWritten prometheus.Counter
	PersistRecordsWritten      prometheus.Counter
	PersistBatchSize           prometheus.Histogram
	PersistErrors              *prometheus.CounterVec
	PersistRetry               prometheus.Counter
	PersistLastSequence        prometheus.Gauge

	// --- Snapshots ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers every collector on reg. Pass prometheus.DefaultRegisterer
// in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core
		InstructionsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_instructions_applied_total",
			Help: "Instructions applied by the core",
		}, []string{"instruction"}),

		InstructionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_instructions_rejected_total",
			Help: "Instructions rejected (duplicate, sequence, error)",
		}, []string{"instruction", "reason"}),

		InstructionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_instruction_apply_duration_seconds",
			Help:    "Time to apply a single instruction",
			Buckets: latencyBuckets,
		}, []string{"instruction"}),

		StateHashDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_state_hash_duration_seconds",
			Help:    "Time to hash touched state",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_core_sequence",
			Help: "Current global sequence number",
		}),

		RecordsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_records_emitted_total",
			Help: "Output records emitted",
		}, []string{"record_type"}),

		// Matching
		FillBaseVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_fill_base_volume_total",
			Help: "Filled base asset amount, BasePrecision",
		}, []string{"market_index"}),

		FillQuoteVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_fill_quote_volume_total",
			Help: "Filled quote asset amount, QuotePrecision",
		}, []string{"market_index"}),

		Fills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_fills_total",
			Help: "Fills by explanation",
		}, []string{"market_index", "explanation"}),

		ZeroFills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_zero_fills_total",
			Help: "Fill attempts that matched nothing",
		}, []string{"market_index", "reason"}),

		// Risk
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_liquidations_total",
			Help: "Liquidation calls applied",
		}, []string{"liquidation_type"}),

		Bankruptcies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_bankruptcies_total",
			Help: "Users flagged bankrupt",
		}, []string{"liquidation_type"}),

		LiquidationFeesQuote: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_liquidation_if_fees_total",
			Help: "Insurance fees taken by perp liquidations, QuotePrecision",
		}, []string{"market_index"}),

		UsersBeingLiquidated: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_users_being_liquidated",
			Help: "Users currently flagged as being liquidated or bankrupt",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"instruction"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"instruction", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		SequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		OutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Ingestion
		ParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_parse_errors_total",
			Help: "Instructions that failed to parse",
		}, []string{"subject"}),

		// Persistence
		PersistInstructionsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_persist_instructions_written_total",
			Help: "Instruction envelopes written to Postgres",
		}),

		PersistRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_persist_records_written_total",
			Help: "Output records written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_persist_batch_size",
			Help:    "Instructions per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshots
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_snapshots_total",
			Help: "Core snapshots saved",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_snapshot_duration_seconds",
			Help:    "Capture plus save of one snapshot",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
