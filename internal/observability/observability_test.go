package observability_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpRisk/internal/observability"
)

// ============================================================================
// Health
// ============================================================================

func readyz(t *testing.T, h *observability.HealthChecker) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestReadiness_WaitsForComponents(t *testing.T) {
	h := observability.NewHealthChecker(observability.ComponentMarkets, observability.ComponentReplay)

	code, body := readyz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	pending := body["pending"].(map[string]any)
	assert.Equal(t, "starting", pending["markets"])
	assert.Equal(t, "starting", pending["replay"])
	assert.Equal(t, "not started", pending["serving"])

	h.MarkUp(observability.ComponentMarkets)
	h.MarkDown(observability.ComponentReplay, "hash mismatch at 42")
	h.SetReady(true)
	code, body = readyz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]any{"replay": "hash mismatch at 42"}, body["pending"])

	h.MarkUp(observability.ComponentReplay)
	code, body = readyz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])
	assert.True(t, h.IsReady())

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestLiveness(t *testing.T) {
	h := observability.NewHealthChecker(observability.ComponentPostgres)
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"alive"`)
}

// ============================================================================
// Logging
// ============================================================================

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, observability.ParseLevel(in), in)
	}
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "core", zerolog.WarnLevel)

	logger.Info().Msg("dropped")
	logger.Warn().Int64("sequence", 7).Msg("gap")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "core", line["component"])
	assert.Equal(t, "warn", line["level"])
	assert.EqualValues(t, 7, line["sequence"])
	assert.Equal(t, "gap", line["message"])
	assert.NotEmpty(t, line["time"])
}

// ============================================================================
// Metrics
// ============================================================================

func TestMetrics_ChannelGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.SetChannelMetrics("persist", 25, 100)
	assert.Equal(t, 25.0, testutil.ToFloat64(m.ChannelSize.WithLabelValues("persist")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.ChannelCapacity.WithLabelValues("persist")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")), 1e-9)
}
