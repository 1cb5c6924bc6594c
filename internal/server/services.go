package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpRisk/internal/errs"
	"PerpRisk/internal/event"
	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/query"
)

// ============================================================================
// Messages
// ============================================================================

type UserRequest struct {
	UserID string `json:"user_id"`
}

type MarketRequest struct {
	MarketIndex uint16 `json:"market_index"`
}

type ListFundingPaymentsRequest struct {
	UserID         string  `json:"user_id"`
	MarketIndex    *uint16 `json:"market_index,omitempty"`
	PageSize       int     `json:"page_size"`
	BeforeSequence *int64  `json:"before_sequence,omitempty"`
}

type ListFundingPaymentsResponse struct {
	Payments []query.FundingPaymentResponse `json:"payments"`
}

type ListLiquidationsRequest struct {
	UserID   string `json:"user_id"`
	PageSize int    `json:"page_size"`
}

type ListLiquidationsResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
}

type ListFundingRatesRequest struct {
	MarketIndex uint16 `json:"market_index"`
	Limit       int    `json:"limit"`
}

type ListFundingRatesResponse struct {
	Rates []event.FundingRateRecord `json:"rates"`
}

type SubmitInstructionRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SubmitInstructionResponse struct {
	Accepted       bool   `json:"accepted"`
	IdempotencyKey string `json:"idempotency_key"`
}

type Empty struct{}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildProjectionsResponse struct {
	Started bool `json:"started"`
}

type LogInfoResponse struct {
	LastPersistedSequence int64  `json:"last_persisted_sequence"`
	CoreSequence          int64  `json:"core_sequence"`
	ProjectionWatermark   int64  `json:"projection_watermark"`
	Uptime                string `json:"uptime"`
}

// ============================================================================
// Service descriptors
// ============================================================================

// unary adapts a typed method to a grpc.MethodDesc. Requests are decoded by
// the registered codec.
func unary[S any, Req any, Resp any](service, name string, call func(S, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(S)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

const (
	queryServiceName  = "perprisk.v1.QueryService"
	ingestServiceName = "perprisk.v1.IngestService"
	adminServiceName  = "perprisk.v1.AdminService"
)

type queryServer interface {
	GetUserMargin(context.Context, *UserRequest) (*query.UserMarginResponse, error)
}

type ingestServer interface {
	SubmitInstruction(context.Context, *SubmitInstructionRequest) (*SubmitInstructionResponse, error)
}

type adminServer interface {
	TakeSnapshot(context.Context, *Empty) (*TakeSnapshotResponse, error)
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: queryServiceName,
	HandlerType: (*queryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[*queryService](queryServiceName, "GetUserMargin", (*queryService).GetUserMargin),
		unary[*queryService](queryServiceName, "GetPerpMarket", (*queryService).GetPerpMarket),
		unary[*queryService](queryServiceName, "GetSpotMarket", (*queryService).GetSpotMarket),
		unary[*queryService](queryServiceName, "ListFundingPayments", (*queryService).ListFundingPayments),
		unary[*queryService](queryServiceName, "ListFundingRates", (*queryService).ListFundingRates),
		unary[*queryService](queryServiceName, "ListLiquidations", (*queryService).ListLiquidations),
	},
	Metadata: "perprisk/v1/query.json",
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: ingestServiceName,
	HandlerType: (*ingestServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[*ingestService](ingestServiceName, "SubmitInstruction", (*ingestService).SubmitInstruction),
	},
	Metadata: "perprisk/v1/ingest.json",
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[*adminService](adminServiceName, "TakeSnapshot", (*adminService).TakeSnapshot),
		unary[*adminService](adminServiceName, "RebuildProjections", (*adminService).RebuildProjections),
		unary[*adminService](adminServiceName, "GetLogInfo", (*adminService).GetLogInfo),
		unary[*adminService](adminServiceName, "VerifyIntegrity", (*adminService).VerifyIntegrity),
		unary[*adminService](adminServiceName, "AuditBalances", (*adminService).AuditBalances),
	},
	Metadata: "perprisk/v1/admin.json",
}

// ============================================================================
// QueryService
// ============================================================================

type queryService struct {
	qs    *query.QueryService
	rates *projection.FundingRateHistory
}

func (s *queryService) GetUserMargin(ctx context.Context, req *UserRequest) (*query.UserMarginResponse, error) {
	userID, err := parseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetUserMargin(ctx, userID)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryService) GetPerpMarket(ctx context.Context, req *MarketRequest) (*query.PerpMarketResponse, error) {
	resp, err := s.qs.GetPerpMarket(ctx, req.MarketIndex)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryService) GetSpotMarket(ctx context.Context, req *MarketRequest) (*query.SpotMarketResponse, error) {
	resp, err := s.qs.GetSpotMarket(ctx, req.MarketIndex)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryService) ListFundingPayments(ctx context.Context, req *ListFundingPaymentsRequest) (*ListFundingPaymentsResponse, error) {
	userID, err := parseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	payments, err := s.qs.ListFundingPayments(ctx, userID, req.MarketIndex, pageSize(req.PageSize, 50, 100), req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListFundingPaymentsResponse{Payments: payments}, nil
}

func (s *queryService) ListFundingRates(ctx context.Context, req *ListFundingRatesRequest) (*ListFundingRatesResponse, error) {
	if s.rates == nil {
		return nil, status.Error(codes.Unavailable, "funding rate history not configured")
	}
	return &ListFundingRatesResponse{
		Rates: s.rates.Recent(req.MarketIndex, pageSize(req.Limit, 24, projection.DefaultFundingRateDepth)),
	}, nil
}

func (s *queryService) ListLiquidations(ctx context.Context, req *ListLiquidationsRequest) (*ListLiquidationsResponse, error) {
	userID, err := parseUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	liqs, err := s.qs.ListLiquidations(ctx, userID, pageSize(req.PageSize, 50, 100))
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListLiquidationsResponse{Liquidations: liqs}, nil
}

// ============================================================================
// IngestService
// ============================================================================

type ingestService struct {
	svc *ingestion.GRPCIngestService
}

func (s *ingestService) SubmitInstruction(ctx context.Context, req *SubmitInstructionRequest) (*SubmitInstructionResponse, error) {
	if s.svc == nil {
		return nil, status.Error(codes.Unavailable, "ingest not configured")
	}
	if req.Type == "" || len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "type and payload are required")
	}

	ins, err := s.svc.Submit(ctx, req.Type, req.Payload)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.Error(codes.DeadlineExceeded, "context cancelled")
	case err != nil:
		return nil, status.Errorf(codes.InvalidArgument, "parse payload: %v", err)
	}
	return &SubmitInstructionResponse{Accepted: true, IdempotencyKey: ins.IdempotencyKey()}, nil
}

// ============================================================================
// AdminService
// ============================================================================

type adminService struct {
	db           *sql.DB
	snapMgr      *persistence.SnapshotManager
	queryService *query.QueryService
	snapshot     func(ctx context.Context) (int64, error)
	coreSequence func() int64
	startTime    time.Time
}

func (s *adminService) TakeSnapshot(ctx context.Context, _ *Empty) (*TakeSnapshotResponse, error) {
	if s.snapshot == nil {
		return nil, status.Error(codes.Unavailable, "snapshots require a database")
	}
	seq, err := s.snapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot: %v", err)
	}
	return &TakeSnapshotResponse{Sequence: seq}, nil
}

func (s *adminService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildProjectionsResponse, error) {
	if s.db == nil {
		return nil, status.Error(codes.Unavailable, "projections require a database")
	}
	if err := projection.RebuildProjections(ctx, s.db); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildProjectionsResponse{Started: true}, nil
}

func (s *adminService) GetLogInfo(ctx context.Context, _ *Empty) (*LogInfoResponse, error) {
	resp := &LogInfoResponse{
		LastPersistedSequence: -1,
		ProjectionWatermark:   -1,
		Uptime:                time.Since(s.startTime).String(),
	}
	if s.coreSequence != nil {
		resp.CoreSequence = s.coreSequence()
	}
	if s.snapMgr != nil {
		latest, err := s.snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
		}
		resp.LastPersistedSequence = latest
	}
	if s.db != nil {
		wm, err := s.queryService.ProjectionWatermark(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "projection watermark: %v", err)
		}
		resp.ProjectionWatermark = wm
	}
	return resp, nil
}

func (s *adminService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.queryService.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func (s *adminService) AuditBalances(ctx context.Context, _ *Empty) (*query.BalanceAuditResponse, error) {
	resp, err := s.queryService.AuditBalances(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

// ============================================================================
// Helpers
// ============================================================================

func parseUserID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid user_id: %v", err)
	}
	return id, nil
}

func pageSize(requested, def, limit int) int {
	if requested <= 0 || requested > limit {
		return def
	}
	return requested
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, errs.ErrUserNotFound),
		errors.Is(err, errs.ErrMarketNotFound),
		errors.Is(err, errs.ErrSpotMarketNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrHistoryUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, errs.ErrInvalidOracle):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
