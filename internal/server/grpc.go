package server

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/query"
)

// GRPCServer wraps the gRPC server and the HTTP gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	gatherer      prometheus.Gatherer
	metrics       *observability.Metrics
	query         *queryService
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the services. DB, SnapshotMgr
// and Snapshot may be nil when the service runs without Postgres. Snapshot
// persists a core snapshot and returns its sequence.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	FundingRates  *projection.FundingRateHistory
	Snapshot      func(ctx context.Context) (int64, error)
	CoreSequence  func() int64
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	qs := &queryService{qs: deps.QueryService, rates: deps.FundingRates}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics)))

	grpcServer.RegisterService(&queryServiceDesc, qs)
	grpcServer.RegisterService(&ingestServiceDesc, &ingestService{svc: deps.IngestService})
	grpcServer.RegisterService(&adminServiceDesc, &adminService{
		db:           deps.DB,
		snapMgr:      deps.SnapshotMgr,
		queryService: deps.QueryService,
		snapshot:     deps.Snapshot,
		coreSequence: deps.CoreSequence,
		startTime:    deps.StartTime,
	})

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		gatherer:      gatherer,
		metrics:       deps.Metrics,
		query:         qs,
		logger:        observability.NewLogger("server"),
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP surface: query routes on the gateway mux plus
// health and metrics.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	if err := registerGatewayRoutes(mux, s.query, s.metrics); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway serves Handler (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func metricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if m != nil {
			m.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
			m.QueryRequests.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		}
		return resp, err
	}
}
