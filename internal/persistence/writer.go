package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PerpRisk/internal/core"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// LogWriter writes applied instructions and their records to Postgres with
// multi-row INSERTs. Writes are idempotent on the primary keys.
type LogWriter struct {
	db *sql.DB
}

// InstructionRow is a row of risk_log.instructions.
type InstructionRow struct {
	Sequence        int64
	InstructionType string
	IdempotencyKey  string
	MarketIndex     *int32
	Payload         []byte
	StateHash       []byte
	PrevHash        []byte
	Timestamp       time.Time
	Slot            int64
	SourceSequence  int64
}

// RecordRow is a row of risk_log.records. Index orders the records of one
// instruction.
type RecordRow struct {
	Sequence    int64
	Index       int
	RecordType  string
	MarketIndex int32
	Ts          int64
	Payload     []byte
}

func NewLogWriter(db *sql.DB) *LogWriter {
	return &LogWriter{db: db}
}

// RowsFromOutput flattens one core output into its instruction row and
// record rows.
func RowsFromOutput(out core.CoreOutput) (InstructionRow, []RecordRow, error) {
	env := out.Envelope
	row := InstructionRow{
		Sequence:        env.Sequence,
		InstructionType: env.Type.String(),
		IdempotencyKey:  env.IdempotencyKey,
		Payload:         env.Payload,
		StateHash:       env.StateHash[:],
		PrevHash:        env.PrevHash[:],
		Timestamp:       env.Timestamp,
		Slot:            int64(env.Slot),
		SourceSequence:  env.SourceSequence,
	}
	if env.MarketIndex != nil {
		idx := int32(*env.MarketIndex)
		row.MarketIndex = &idx
	}

	records := make([]RecordRow, 0, len(out.Records))
	for i, rec := range out.Records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return InstructionRow{}, nil, fmt.Errorf("marshal %s record: %w", rec.RecordType(), err)
		}
		records = append(records, RecordRow{
			Sequence:    env.Sequence,
			Index:       i,
			RecordType:  string(rec.RecordType()),
			MarketIndex: int32(rec.Market()),
			Ts:          rec.Timestamp(),
			Payload:     payload,
		})
	}
	return row, records, nil
}

// WriteInstructionBatch inserts instruction rows through ex.
func (w *LogWriter) WriteInstructionBatch(ctx context.Context, ex execer, rows []InstructionRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO risk_log.instructions
		(sequence, instruction_type, idempotency_key, market_index, payload, state_hash, prev_hash, ts, slot, source_sequence)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*cols)
	for i, r := range rows {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			r.Sequence, r.InstructionType, r.IdempotencyKey, r.MarketIndex, string(r.Payload),
			r.StateHash, r.PrevHash, r.Timestamp, r.Slot, r.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteRecordBatch inserts record rows through ex.
func (w *LogWriter) WriteRecordBatch(ctx context.Context, ex execer, rows []RecordRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 6
	query := `INSERT INTO risk_log.records
		(sequence, record_index, record_type, market_index, ts, payload)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*cols)
	for i, r := range rows {
		values = append(values, placeholders(i*cols, cols))
		args = append(args, r.Sequence, r.Index, r.RecordType, r.MarketIndex, r.Ts, string(r.Payload))
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, record_index) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
