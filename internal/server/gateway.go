package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpRisk/internal/observability"
)

type gatewayRoute struct {
	method  string
	pattern string
	handle  func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
}

// registerGatewayRoutes binds the HTTP/JSON routes of the query service.
func registerGatewayRoutes(mux *runtime.ServeMux, qs *queryService, m *observability.Metrics) error {
	routes := []gatewayRoute{
		{"GET", "/v1/users/{user_id}/margin", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return qs.GetUserMargin(ctx, &UserRequest{UserID: p["user_id"]})
		}},
		{"GET", "/v1/users/{user_id}/funding-payments", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			req := &ListFundingPaymentsRequest{UserID: p["user_id"], PageSize: intParam(r, "page_size")}
			if v, ok := uintParam(r, "market_index"); ok {
				idx := uint16(v)
				req.MarketIndex = &idx
			}
			if v := r.URL.Query().Get("before_sequence"); v != "" {
				seq, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "invalid before_sequence: %v", err)
				}
				req.BeforeSequence = &seq
			}
			return qs.ListFundingPayments(ctx, req)
		}},
		{"GET", "/v1/users/{user_id}/liquidations", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return qs.ListLiquidations(ctx, &ListLiquidationsRequest{UserID: p["user_id"], PageSize: intParam(r, "page_size")})
		}},
		{"GET", "/v1/perp-markets/{market_index}", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			idx, err := marketIndex(p)
			if err != nil {
				return nil, err
			}
			return qs.GetPerpMarket(ctx, &MarketRequest{MarketIndex: idx})
		}},
		{"GET", "/v1/perp-markets/{market_index}/funding-rates", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			idx, err := marketIndex(p)
			if err != nil {
				return nil, err
			}
			return qs.ListFundingRates(ctx, &ListFundingRatesRequest{MarketIndex: idx, Limit: intParam(r, "limit")})
		}},
		{"GET", "/v1/spot-markets/{market_index}", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			idx, err := marketIndex(p)
			if err != nil {
				return nil, err
			}
			return qs.GetSpotMarket(ctx, &MarketRequest{MarketIndex: idx})
		}},
	}

	for _, route := range routes {
		if err := mux.HandlePath(route.method, route.pattern, serveJSON(route, m)); err != nil {
			return err
		}
	}
	return nil
}

func serveJSON(route gatewayRoute, m *observability.Metrics) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := route.handle(r.Context(), r, params)

		code := status.Code(err)
		if m != nil {
			m.QueryDuration.WithLabelValues(route.pattern).Observe(time.Since(start).Seconds())
			m.QueryRequests.WithLabelValues(route.pattern, code.String()).Inc()
		}

		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(runtime.HTTPStatusFromCode(code))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":    code.String(),
				"message": status.Convert(err).Message(),
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func marketIndex(params map[string]string) (uint16, error) {
	v, err := strconv.ParseUint(params["market_index"], 10, 16)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid market_index: %v", err)
	}
	return uint16(v), nil
}

func intParam(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}

func uintParam(r *http.Request, name string) (uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	return v, err == nil
}
