package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpRisk/internal/core"
)

// SnapshotManager stores core snapshots and reads the instruction log back
// for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of a core snapshot.
type SnapshotData struct {
	core.SnapshotState
	CreatedAt time.Time `json:"created_at"`
}

// snapshotFormatVersion 1 is JSON-encoded SnapshotData.
const snapshotFormatVersion = 1

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. It stays unverified until a replay from
// the previous snapshot reproduces its state hash.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO risk_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormatVersion, len(data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot returns the newest verified snapshot, or nil for a cold
// start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM risk_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified flags a snapshot usable for restore.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE risk_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadInstructionsFrom reads up to limit logged instructions starting at
// fromSequence, in order.
func (sm *SnapshotManager) LoadInstructionsFrom(ctx context.Context, fromSequence int64, limit int) ([]InstructionRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, instruction_type, idempotency_key, market_index, payload,
		       state_hash, prev_hash, ts, slot, source_sequence
		FROM risk_log.instructions
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstructionRow
	for rows.Next() {
		var r InstructionRow
		var market sql.NullInt32
		if err := rows.Scan(
			&r.Sequence, &r.InstructionType, &r.IdempotencyKey, &market, &r.Payload,
			&r.StateHash, &r.PrevHash, &r.Timestamp, &r.Slot, &r.SourceSequence,
		); err != nil {
			return nil, err
		}
		if market.Valid {
			r.MarketIndex = &market.Int32
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, or -1 for an empty
// log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM risk_log.instructions`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns the composite keys of the last limit logged
// instructions, oldest first, for warming the core's LRU.
func (sm *SnapshotManager) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT instruction_type || ':' || idempotency_key FROM (
			SELECT sequence, instruction_type, idempotency_key
			FROM risk_log.instructions
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
