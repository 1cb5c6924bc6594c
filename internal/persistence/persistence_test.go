package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"
	"PerpRisk/migrations"
)

func newCore(persist chan core.CoreOutput) *core.DeterministicCore {
	return core.NewDeterministicCore(0, core.Exchange{
		State:       state.DefaultState(),
		PerpMarkets: []*state.PerpMarket{testutil.NewPerpMarket()},
		SpotMarkets: []*state.SpotMarket{testutil.NewQuoteSpotMarket(), testutil.NewSolSpotMarket()},
		Oracles:     testutil.NewOracleMap(1, testutil.Price(100)),
	}, persist, nil, nil, nil)
}

func hdr(seq int64) event.Header {
	return event.Header{ID: uuid.New(), Sequence: seq, Slot: 1, Ts: 1_000}
}

// script is a short run touching two partitions.
func script(user uuid.UUID) []event.Instruction {
	return []event.Instruction{
		&event.InitUser{Header: hdr(0), UserID: user},
		&event.Deposit{Header: hdr(0), UserID: user, Market: testutil.QuoteSpotIndex, Amount: uint64(testutil.Quote(1_000))},
		&event.Withdraw{Header: hdr(1), UserID: user, Market: testutil.QuoteSpotIndex, Amount: uint64(testutil.Quote(100))},
	}
}

// ============================================================================
// Row mapping
// ============================================================================

func TestRowsFromOutput(t *testing.T) {
	persist := make(chan core.CoreOutput, 4)
	c := newCore(persist)
	user := uuid.New()

	dep := &event.Deposit{Header: hdr(0), UserID: user, Market: testutil.QuoteSpotIndex, Amount: 10}
	require.NoError(t, c.ProcessInstruction(&event.InitUser{Header: hdr(0), UserID: user}))
	require.NoError(t, c.ProcessInstruction(dep))

	<-persist
	out := <-persist

	row, records, err := persistence.RowsFromOutput(out)
	require.NoError(t, err)

	assert.Equal(t, int64(1), row.Sequence)
	assert.Equal(t, "Deposit", row.InstructionType)
	assert.Equal(t, dep.IdempotencyKey(), row.IdempotencyKey)
	require.NotNil(t, row.MarketIndex)
	assert.Equal(t, int32(testutil.QuoteSpotIndex), *row.MarketIndex)
	assert.Len(t, row.StateHash, 32)
	assert.Len(t, row.PrevHash, 32)
	assert.Equal(t, int64(1), row.Slot)

	decoded, err := ingestion.DecodeInstruction(event.InstructionDeposit, row.Payload)
	require.NoError(t, err)
	assert.Equal(t, dep, decoded)

	require.NotEmpty(t, records)
	for i, r := range records {
		assert.Equal(t, int64(1), r.Sequence)
		assert.Equal(t, i, r.Index)
		assert.True(t, json.Valid(r.Payload))
	}
	assert.Equal(t, string(event.RecordDeposit), records[0].RecordType)
}

// ============================================================================
// Postgres
// ============================================================================

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	require.NoError(t, persistence.NewMigrator(db, migrations.FS).Up(context.Background()))
	return db
}

// persistScript runs the script through a core wired to a persistence
// worker and returns the core once everything is flushed.
func persistScript(t *testing.T, db *sql.DB, user uuid.UUID) *core.DeterministicCore {
	t.Helper()
	persist := make(chan core.CoreOutput, 16)
	c := newCore(persist)

	for _, ins := range script(user) {
		require.NoError(t, c.ProcessInstruction(ins))
	}
	close(persist)

	worker := persistence.NewPersistenceWorker(db, persist, 2, 10*time.Millisecond, nil)
	require.NoError(t, worker.Run(context.Background()))
	return c
}

func TestLog_ReplayReproducesStateHash(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	user := uuid.New()

	live := persistScript(t, db, user)

	snapMgr := persistence.NewSnapshotManager(db)
	latest, err := snapMgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	rows, err := snapMgr.LoadInstructionsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	replica := newCore(nil)
	for _, row := range rows {
		typ, ok := event.ParseInstructionType(row.InstructionType)
		require.True(t, ok)
		ins, err := ingestion.DecodeInstruction(typ, row.Payload)
		require.NoError(t, err)
		require.NoError(t, replica.ReplayInstruction(ins))
	}

	liveHash := live.GetStateHash()
	replicaHash := replica.GetStateHash()
	assert.Equal(t, liveHash, replicaHash)
	assert.Equal(t, liveHash[:], rows[len(rows)-1].StateHash)
}

func TestLog_WritesAreIdempotent(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 1)
	c := newCore(persist)
	require.NoError(t, c.ProcessInstruction(&event.InitUser{Header: hdr(0), UserID: uuid.New()}))
	row, records, err := persistence.RowsFromOutput(<-persist)
	require.NoError(t, err)

	w := persistence.NewLogWriter(db)
	for i := 0; i < 2; i++ {
		require.NoError(t, w.WriteInstructionBatch(ctx, db, []persistence.InstructionRow{row}))
		require.NoError(t, w.WriteRecordBatch(ctx, db, records))
	}

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM risk_log.instructions`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestIdempotencyChecker(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	persistScript(t, db, uuid.New())

	snapMgr := persistence.NewSnapshotManager(db)
	rows, err := snapMgr.LoadInstructionsFrom(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(rows[0].InstructionType, rows[0].IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = checker.IsDuplicate("InitUser", uuid.NewString())
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := snapMgr.RecentIdempotencyKeys(ctx, 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Contains(t, keys[0], "Deposit:")
	assert.Contains(t, keys[1], "Withdraw:")
}

func TestSnapshot_OnlyVerifiedIsLoaded(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	c := persistScript(t, db, uuid.New())

	snapMgr := persistence.NewSnapshotManager(db)
	snap := &persistence.SnapshotData{
		SnapshotState: *c.CreateSnapshotState(),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, snapMgr.SaveSnapshot(ctx, snap))

	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, snapMgr.MarkVerified(ctx, snap.Sequence))
	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.Sequence, loaded.Sequence)
	assert.Equal(t, snap.StateHash, loaded.StateHash)

	restored := newCore(nil)
	restored.RestoreFromSnapshot(&loaded.SnapshotState)
	assert.Equal(t, c.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, c.GetSequence(), restored.GetSequence())
}

// ============================================================================
// Migrations
// ============================================================================

func TestLoadMigrations_Embedded(t *testing.T) {
	migs, err := persistence.LoadMigrations(migrations.FS)
	require.NoError(t, err)
	require.Len(t, migs, 2)
	assert.Equal(t, "000001", migs[0].Version)
	assert.Equal(t, "risk_log", migs[0].Name)
	assert.Equal(t, "000001_risk_log.down.sql", migs[0].DownFile)
	assert.Equal(t, "000002_projections.up.sql", migs[1].UpFile)
}

func TestLoadMigrations_Layout(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
	}{
		{"missing down", fstest.MapFS{"001_a.up.sql": {}}},
		{"missing name", fstest.MapFS{"001.up.sql": {}, "001.down.sql": {}}},
		{"version reused", fstest.MapFS{
			"001_a.up.sql": {}, "001_a.down.sql": {},
			"001_b.up.sql": {}, "001_b.down.sql": {},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := persistence.LoadMigrations(tt.files)
			assert.ErrorIs(t, err, persistence.ErrMigrationLayout)
		})
	}
}

func TestLoadMigrations_IgnoresOtherFiles(t *testing.T) {
	migs, err := persistence.LoadMigrations(fstest.MapFS{
		"002_b.up.sql":   {},
		"002_b.down.sql": {},
		"001_a.up.sql":   {},
		"001_a.down.sql": {},
		"README.md":      {},
		"embed.go":       {},
	})
	require.NoError(t, err)
	require.Len(t, migs, 2)
	assert.Equal(t, "001", migs[0].Version)
	assert.Equal(t, "002", migs[1].Version)
}

func TestMigrator_StatusAndChecksum(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	status, err := persistence.NewMigrator(db, migrations.FS).Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	for _, s := range status {
		assert.True(t, s.Applied, s.Version)
	}

	edited := fstest.MapFS{}
	for _, s := range status {
		up, err := fs.ReadFile(migrations.FS, s.UpFile)
		require.NoError(t, err)
		down, err := fs.ReadFile(migrations.FS, s.DownFile)
		require.NoError(t, err)
		edited[s.UpFile] = &fstest.MapFile{Data: up}
		edited[s.DownFile] = &fstest.MapFile{Data: down}
	}
	edited["000002_projections.up.sql"].Data = append([]byte("-- edited\n"), edited["000002_projections.up.sql"].Data...)

	err = persistence.NewMigrator(db, edited).Up(ctx)
	assert.ErrorIs(t, err, persistence.ErrMigrationModified)
}
