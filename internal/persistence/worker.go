package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"PerpRisk/internal/core"
	"PerpRisk/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel blocking, so a slow worker stalls the core
// instead of losing an instruction.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *LogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

type batch struct {
	instructions []InstructionRow
	records      []RecordRow
}

func (b *batch) reset() {
	b.instructions = b.instructions[:0]
	b.records = b.records[:0]
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	b := &batch{
		instructions: make([]InstructionRow, 0, pw.batchSize),
		records:      make([]RecordRow, 0, pw.batchSize*2),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.drain(b)
			if len(b.instructions) > 0 {
				if err := pw.flush(context.Background(), b); err != nil {
					pw.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(b.instructions) > 0 {
					if err := pw.flush(context.Background(), b); err != nil {
						pw.logger.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			pw.add(b, output)
			if len(b.instructions) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(b.instructions) > 0 {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *PersistenceWorker) add(b *batch, output core.CoreOutput) {
	row, records, err := RowsFromOutput(output)
	if err != nil {
		// records are plain structs; this is a programming error
		pw.logger.Error().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("encode output")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
		}
		return
	}
	b.instructions = append(b.instructions, row)
	b.records = append(b.records, records...)
}

// drain takes whatever the core already emitted so shutdown does not leave
// applied instructions unlogged.
func (pw *PersistenceWorker) drain(b *batch) {
	for {
		select {
		case output, ok := <-pw.inputChan:
			if !ok {
				return
			}
			pw.add(b, output)
		default:
			return
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, then makes one last attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("instructions", len(b.instructions)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), b)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteInstructionBatch(ctx, tx, b.instructions); err != nil {
		pw.countError("write_instructions")
		return err
	}
	if err := pw.writer.WriteRecordBatch(ctx, tx, b.records); err != nil {
		pw.countError("write_records")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(b.instructions)))
		pw.metrics.PersistInstructionsWritten.Add(float64(len(b.instructions)))
		pw.metrics.PersistRecordsWritten.Add(float64(len(b.records)))
		pw.metrics.PersistLastSequence.Set(float64(b.instructions[len(b.instructions)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
