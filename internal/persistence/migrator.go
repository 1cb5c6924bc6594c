package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"PerpRisk/internal/observability"
)

var (
	ErrMigrationModified = errors.New("applied migration was modified")
	ErrMigrationLayout   = errors.New("invalid migration layout")
)

// Migration is one version with its up and down scripts.
type Migration struct {
	Version  string
	Name     string
	UpFile   string
	DownFile string
}

// MigrationStatus reports whether a version is applied.
type MigrationStatus struct {
	Migration
	Applied   bool
	AppliedAt time.Time
}

// Migrator applies the risk_log and projections schema from SQL files named
// {version}_{name}.up.sql / .down.sql, each in its own transaction. The
// checksum of every applied up script is recorded; a later edit is refused.
type Migrator struct {
	db     *sql.DB
	src    fs.FS
	logger zerolog.Logger
}

// NewMigrator reads migrations from src, usually migrations.FS.
func NewMigrator(db *sql.DB, src fs.FS) *Migrator {
	return &Migrator{db: db, src: src, logger: observability.NewLogger("migrate")}
}

// NewMigratorFromDir reads migrations from a directory on disk.
func NewMigratorFromDir(db *sql.DB, dir string) *Migrator {
	return NewMigrator(db, os.DirFS(dir))
}

// Up applies all pending up-migrations in order.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	migrations, err := LoadMigrations(m.src)
	if err != nil {
		return err
	}
	applied, err := m.appliedChecksums(ctx)
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	for _, mig := range migrations {
		content, err := fs.ReadFile(m.src, mig.UpFile)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", mig.UpFile, err)
		}
		sum := checksum(content)

		if recorded, ok := applied[mig.Version]; ok {
			if recorded != "" && recorded != sum {
				return fmt.Errorf("%w: %s", ErrMigrationModified, mig.UpFile)
			}
			continue
		}

		m.logger.Info().Str("file", mig.UpFile).Msg("applying migration")
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("exec migration %s: %w", mig.UpFile, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				mig.Version, mig.UpFile, sum,
			)
			if err != nil {
				return fmt.Errorf("record migration %s: %w", mig.UpFile, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		m.logger.Info().Str("file", mig.UpFile).Msg("applied migration")
	}

	return nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	migrations, err := LoadMigrations(m.src)
	if err != nil {
		return err
	}
	idx := sort.Search(len(migrations), func(i int) bool { return migrations[i].Version >= version })
	if idx == len(migrations) || migrations[idx].Version != version {
		return fmt.Errorf("%w: no scripts for applied version %s", ErrMigrationLayout, version)
	}
	downFile := migrations[idx].DownFile

	content, err := fs.ReadFile(m.src, downFile)
	if err != nil {
		return fmt.Errorf("read down migration %s: %w", downFile, err)
	}

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec down migration %s: %w", downFile, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
			return fmt.Errorf("remove migration record %s: %w", version, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return nil
}

// Status lists every known migration in version order.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	migrations, err := LoadMigrations(m.src)
	if err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	appliedAt := make(map[string]time.Time)
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		appliedAt[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		at, ok := appliedAt[mig.Version]
		out = append(out, MigrationStatus{Migration: mig, Applied: ok, AppliedAt: at})
	}
	return out, nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE public.schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT '';
	`)
	return err
}

// appliedChecksums maps applied versions to the checksum recorded with them.
func (m *Migrator) appliedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}

// LoadMigrations pairs the up and down scripts in src by version. Every
// version needs both scripts and a unique name.
func LoadMigrations(src fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(src, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()
		var base string
		var up bool
		switch {
		case strings.HasSuffix(file, ".up.sql"):
			base, up = strings.TrimSuffix(file, ".up.sql"), true
		case strings.HasSuffix(file, ".down.sql"):
			base = strings.TrimSuffix(file, ".down.sql")
		default:
			continue
		}

		version, name, ok := strings.Cut(base, "_")
		if !ok || version == "" || name == "" {
			return nil, fmt.Errorf("%w: %s is not {version}_{name}", ErrMigrationLayout, file)
		}
		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		}
		if mig.Name != name {
			return nil, fmt.Errorf("%w: version %s used by %s and %s", ErrMigrationLayout, version, mig.Name, name)
		}
		if up {
			mig.UpFile = file
		} else {
			mig.DownFile = file
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpFile == "" || mig.DownFile == "" {
			return nil, fmt.Errorf("%w: version %s needs both up and down scripts", ErrMigrationLayout, mig.Version)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
