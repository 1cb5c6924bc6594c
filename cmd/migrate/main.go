package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"

	"PerpRisk/internal/config"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/persistence"
	"PerpRisk/migrations"
)

const usage = `Usage: migrate <up|down|status>
  up     - apply pending migrations
  down   - roll back the newest applied migration
  status - list migrations and when they were applied

Environment:
  PERP_DB_DSN          - Postgres connection string
  PERP_MIGRATIONS_DIR  - read migrations from this directory instead of the
                         ones built into the binary
`

func main() {
	logger := observability.NewLogger("migrate")

	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	rt := config.RuntimeFromEnv()

	db, err := sql.Open("postgres", rt.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	migrator := persistence.NewMigrator(db, migrations.FS)
	source := "embedded"
	if rt.MigrationsDir != "" {
		migrator = persistence.NewMigratorFromDir(db, rt.MigrationsDir)
		source = rt.MigrationsDir
	}
	logger = logger.With().Str("source", source).Logger()

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		pending := 0
		for _, s := range status {
			ev := logger.Info().Str("version", s.Version).Str("name", s.Name).Bool("applied", s.Applied)
			if s.Applied {
				ev = ev.Time("applied_at", s.AppliedAt)
			} else {
				pending++
			}
			ev.Msg("migration")
		}
		logger.Info().Int("total", len(status)).Int("pending", pending).Msg("status")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
}
