package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/persistence"
)

const replayBatchSize = 1000

// recoverCore restores the newest verified snapshot, replays the instruction
// log after it and checks the hash chain tip against the last logged row.
func recoverCore(ctx context.Context, riskCore *core.DeterministicCore, snapMgr *persistence.SnapshotManager, warmKeys int) error {
	fromSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		riskCore.RestoreFromSnapshot(&snap.SnapshotState)
		fromSequence = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Int("users", len(snap.Users)).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, replaying from sequence 0")
	}

	replayed, lastHash, err := replayLog(ctx, riskCore, snapMgr, fromSequence)
	if err != nil {
		return err
	}

	if replayed > 0 {
		tip := riskCore.GetStateHash()
		if !bytes.Equal(tip[:], lastHash) {
			return fmt.Errorf("state hash mismatch after replay: log %x, core %x", lastHash, tip)
		}
		logger.Info().
			Int64("replayed", replayed).
			Int64("sequence", riskCore.GetSequence()).
			Msg("replay complete, state hash verified")
	}

	var report ledger.Report
	_ = riskCore.Read(func(v core.View) error {
		report = ledger.Audit(v.Users(), v.PerpMarkets(), v.SpotMarkets())
		return nil
	})
	if !report.IsHealthy() {
		return fmt.Errorf("balance audit after recovery: %w", report.Err())
	}

	// The LRU only covers what the snapshot remembered; top it up from the log.
	keys, err := snapMgr.RecentIdempotencyKeys(ctx, warmKeys)
	if err != nil {
		logger.Warn().Err(err).Msg("could not warm idempotency cache")
		return nil
	}
	riskCore.WarmLRU(keys)
	return nil
}

// replayLog re-applies logged instructions from fromSequence to the head.
// Every logged instruction was applied once, so any failure here means the
// core diverged from the log.
func replayLog(ctx context.Context, riskCore *core.DeterministicCore, snapMgr *persistence.SnapshotManager, fromSequence int64) (int64, []byte, error) {
	var (
		replayed int64
		lastHash []byte
	)
	for {
		rows, err := snapMgr.LoadInstructionsFrom(ctx, fromSequence, replayBatchSize)
		if err != nil {
			return replayed, nil, fmt.Errorf("load instructions from %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return replayed, lastHash, nil
		}

		for _, row := range rows {
			if next := riskCore.GetSequence(); row.Sequence != next {
				return replayed, nil, fmt.Errorf("instruction log gap: expected sequence %d, found %d", next, row.Sequence)
			}
			t, ok := event.ParseInstructionType(row.InstructionType)
			if !ok {
				return replayed, nil, fmt.Errorf("sequence %d: %w: %s", row.Sequence, ingestion.ErrUnknownInstruction, row.InstructionType)
			}
			ins, err := ingestion.DecodeInstruction(t, row.Payload)
			if err != nil {
				return replayed, nil, fmt.Errorf("sequence %d: %w", row.Sequence, err)
			}
			if err := riskCore.ReplayInstruction(ins); err != nil {
				return replayed, nil, fmt.Errorf("replay sequence %d: %w", row.Sequence, err)
			}
			replayed++
			lastHash = row.StateHash
		}
		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}

// runPeriodicSnapshots snapshots the core on a fixed interval when it has
// moved since the last one.
func runPeriodicSnapshots(ctx context.Context, riskCore *core.DeterministicCore, snapMgr *persistence.SnapshotManager, interval time.Duration, metrics *observability.Metrics) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := riskCore.GetSequence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if riskCore.GetSequence() == last {
				continue
			}
			seq, err := takeSnapshot(ctx, riskCore, snapMgr, metrics)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq + 1
			logger.Info().Int64("sequence", seq).Msg("periodic snapshot saved")
		}
	}
}

// takeSnapshot saves the current core state. It is marked verified only once
// the instruction log has caught up to it; restore never starts from a
// snapshot the log cannot continue.
func takeSnapshot(ctx context.Context, riskCore *core.DeterministicCore, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) (int64, error) {
	start := time.Now()

	snap := &persistence.SnapshotData{
		SnapshotState: *riskCore.CreateSnapshotState(),
		CreatedAt:     time.Now().UTC(),
	}
	if snap.Sequence < 0 {
		return -1, fmt.Errorf("nothing to snapshot")
	}
	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return -1, fmt.Errorf("save snapshot: %w", err)
	}

	persisted, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return -1, err
	}
	if persisted >= snap.Sequence {
		if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
			return -1, fmt.Errorf("mark snapshot verified: %w", err)
		}
	} else {
		logger.Warn().
			Int64("sequence", snap.Sequence).
			Int64("persisted", persisted).
			Msg("snapshot ahead of instruction log, left unverified")
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap.Sequence, nil
}
