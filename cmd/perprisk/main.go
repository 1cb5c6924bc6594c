package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PerpRisk/internal/config"
	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/query"
	"PerpRisk/internal/server"
	"PerpRisk/migrations"
)

const (
	persistChanSize    = 1024
	publishChanSize    = 4096
	projectionChanSize = 2048
	inboundChanSize    = 4096
)

var logger = observability.NewLogger("perprisk")

func main() {
	if err := run(); err != nil {
		logger.Fatal().Err(err).Msg("perprisk exited")
	}
}

func run() error {
	rt := config.RuntimeFromEnv()
	logger.Info().Str("phase", rt.Phase).Msg("PerpRisk starting")
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	markets, err := config.Load(rt.MarketsFile)
	if err != nil {
		return err
	}
	exchange, err := markets.Build()
	if err != nil {
		return err
	}
	logger.Info().
		Int("perp_markets", len(exchange.PerpMarkets)).
		Int("spot_markets", len(exchange.SpotMarkets)).
		Msg("markets loaded")

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	components := []string{observability.ComponentMarkets, observability.ComponentReplay}
	if rt.EnablePostgres {
		components = append(components, observability.ComponentPostgres)
	}
	if rt.EnableNATS {
		components = append(components, observability.ComponentNATS)
	}
	healthChecker := observability.NewHealthChecker(components...)
	healthChecker.MarkUp(observability.ComponentMarkets)

	// --- Postgres ---
	var (
		db        *sql.DB
		snapMgr   *persistence.SnapshotManager
		dbChecker core.DBIdempotencyChecker
	)
	if rt.EnablePostgres {
		db, err = openPostgres(ctx, rt)
		if err != nil {
			return err
		}
		defer db.Close()
		snapMgr = persistence.NewSnapshotManager(db)
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
		healthChecker.MarkUp(observability.ComponentPostgres)
	}

	// --- Channels ---
	// persist blocks the core (backpressure); publish is dropped on full.
	var persistChan chan core.CoreOutput
	if db != nil {
		persistChan = make(chan core.CoreOutput, persistChanSize)
	}
	publishChan := make(chan core.CoreOutput, publishChanSize)

	riskCore := core.NewDeterministicCore(0, exchange, persistChan, publishChan, dbChecker, metrics)

	// --- Recovery ---
	if snapMgr != nil {
		if err := recoverCore(ctx, riskCore, snapMgr, rt.LRUCapacity); err != nil {
			healthChecker.MarkDown(observability.ComponentReplay, err.Error())
			return err
		}
	}
	healthChecker.MarkUp(observability.ComponentReplay)

	// --- NATS ---
	var js jetstream.JetStream
	if rt.EnableNATS {
		nc, stream, err := ingestion.ConnectNATS(rt.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Drain()
		js = stream

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return err
		}
		healthChecker.MarkUp(observability.ComponentNATS)
	}

	// --- Services ---
	fundingRates := projection.NewFundingRateHistory(projection.DefaultFundingRateDepth)
	queryService := query.NewQueryService(riskCore, db)
	grpcIngestChan := make(chan event.Instruction, inboundChanSize)
	ingestService := ingestion.NewGRPCIngestService(grpcIngestChan)

	deps := &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		IngestService: ingestService,
		SnapshotMgr:   snapMgr,
		FundingRates:  fundingRates,
		CoreSequence:  riskCore.GetSequence,
		StartTime:     time.Now(),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Gatherer:      prometheus.DefaultGatherer,
	}
	if snapMgr != nil {
		deps.Snapshot = func(ctx context.Context) (int64, error) {
			return takeSnapshot(ctx, riskCore, snapMgr, metrics)
		}
	}
	grpcServer := server.NewGRPCServer(rt.GRPCAddr, rt.HTTPAddr, deps)

	g, ctx := errgroup.WithContext(ctx)

	// 1. Persistence worker
	if persistChan != nil {
		persistWorker := persistence.NewPersistenceWorker(db, persistChan, rt.PersistBatchSize, rt.PersistFlushEvery, metrics)
		g.Go(func() error { return ignoreCanceled(persistWorker.Run(ctx)) })
	}

	// 2. Fan out published outputs to the projection worker and NATS.
	projectionChan := make(chan core.CoreOutput, projectionChanSize)
	var outboundChan chan core.CoreOutput
	if js != nil {
		outboundChan = make(chan core.CoreOutput, publishChanSize)
	}
	g.Go(func() error {
		fanout(ctx, publishChan, metrics, projectionChan, outboundChan)
		return nil
	})

	// 3. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionChan, fundingRates)
	g.Go(func() error { return ignoreCanceled(projWorker.Run(ctx)) })

	// 4. NATS intake and record publishing
	if js != nil {
		publisher := ingestion.NewOutboundPublisher(js, outboundChan)
		g.Go(func() error { return ignoreCanceled(publisher.Run(ctx)) })

		rawChan := make(chan ingestion.RawInstruction, inboundChanSize)
		subscriber := ingestion.NewNATSSubscriber(js, rawChan, metrics)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		defer subscriber.Stop()

		g.Go(func() error {
			runNATSIngestion(ctx, rawChan, riskCore, metrics)
			return nil
		})
	}

	// 5. gRPC ingest
	g.Go(func() error {
		runGRPCIngestion(ctx, grpcIngestChan, riskCore)
		return nil
	})

	// 6. gRPC and HTTP gateway
	g.Go(func() error { return grpcServer.StartGRPC(ctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(ctx) })

	// 7. Periodic snapshots
	if snapMgr != nil {
		g.Go(func() error {
			runPeriodicSnapshots(ctx, riskCore, snapMgr, rt.SnapshotInterval, metrics)
			return nil
		})
	}

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", riskCore.GetSequence()).
		Str("grpc", rt.GRPCAddr).
		Str("http", rt.HTTPAddr).
		Bool("nats", js != nil).
		Bool("postgres", db != nil).
		Msg("PerpRisk ready")

	err = g.Wait()
	healthChecker.SetReady(false)

	if snapMgr != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if seq, serr := takeSnapshot(shutdownCtx, riskCore, snapMgr, metrics); serr != nil {
			logger.Error().Err(serr).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
		}
	}

	logger.Info().Msg("PerpRisk shutdown complete")
	return ignoreCanceled(err)
}

func openPostgres(ctx context.Context, rt config.Runtime) (*sql.DB, error) {
	db, err := sql.Open("postgres", rt.PostgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Msg("postgres connected")

	if err := newMigrator(db, rt).Up(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newMigrator reads PERP_MIGRATIONS_DIR when set, the embedded schema
// otherwise.
func newMigrator(db *sql.DB, rt config.Runtime) *persistence.Migrator {
	if rt.MigrationsDir != "" {
		return persistence.NewMigratorFromDir(db, rt.MigrationsDir)
	}
	return persistence.NewMigrator(db, migrations.FS)
}

// fanout copies every published output to the projection and outbound
// channels. Both consumers are best-effort and drop on full.
func fanout(ctx context.Context, in <-chan core.CoreOutput, metrics *observability.Metrics, outs ...chan core.CoreOutput) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-in:
			for _, ch := range outs {
				if ch == nil {
					continue
				}
				select {
				case ch <- out:
				default:
					metrics.PublishDrops.Inc()
				}
			}
			metrics.SetChannelMetrics("publish", len(in), cap(in))
		}
	}
}

// runNATSIngestion applies instructions in stream order. Messages are acked
// after the core has decided on them: applied, rejected or duplicate are all
// final. Unparseable messages are acked and dropped.
func runNATSIngestion(ctx context.Context, rawChan <-chan ingestion.RawInstruction, riskCore *core.DeterministicCore, metrics *observability.Metrics) {
	log := observability.NewLogger("ingest")
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-rawChan:
			ins, err := ingestion.ParseRawInstruction(raw)
			if err != nil {
				metrics.ParseErrors.WithLabelValues(raw.Subject).Inc()
				log.Warn().Err(err).
					Str("subject", raw.Subject).
					Uint64("stream_seq", raw.StreamSeq).
					Msg("dropping unparseable instruction")
				raw.Term(err.Error())
				continue
			}

			if err := riskCore.ProcessInstruction(ins); err != nil {
				logRejection(log, ins, err)
			}
			metrics.IngestToApply.WithLabelValues(ins.Type().String()).Observe(time.Since(raw.ReceivedAt).Seconds())
			raw.Ack()
		}
	}
}

func runGRPCIngestion(ctx context.Context, in <-chan event.Instruction, riskCore *core.DeterministicCore) {
	log := observability.NewLogger("ingest-grpc")
	for {
		select {
		case <-ctx.Done():
			return
		case ins := <-in:
			if err := riskCore.ProcessInstruction(ins); err != nil {
				logRejection(log, ins, err)
			}
		}
	}
}

func logRejection(log zerolog.Logger, ins event.Instruction, err error) {
	log.Info().Err(err).
		Str("instruction", ins.Type().String()).
		Str("idempotency_key", ins.IdempotencyKey()).
		Msg("instruction rejected")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
