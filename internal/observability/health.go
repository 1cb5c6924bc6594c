package observability

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Readiness components marked during startup.
const (
	ComponentMarkets  = "markets"
	ComponentPostgres = "postgres"
	ComponentReplay   = "replay"
	ComponentNATS     = "nats"
)

// HealthChecker backs /healthz and /readyz. The service is ready once every
// required component has been marked up and serving is switched on.
type HealthChecker struct {
	mu        sync.RWMutex
	serving   bool
	required  []string
	up        map[string]bool
	reasons   map[string]string
	startTime time.Time
}

// NewHealthChecker creates a checker waiting on the given components.
func NewHealthChecker(required ...string) *HealthChecker {
	return &HealthChecker{
		required:  slices.Clone(required),
		up:        make(map[string]bool, len(required)),
		reasons:   make(map[string]string),
		startTime: time.Now(),
	}
}

// MarkUp records a component as available.
func (h *HealthChecker) MarkUp(component string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.up[component] = true
	delete(h.reasons, component)
}

// MarkDown records a component as unavailable with a reason shown on /readyz.
func (h *HealthChecker) MarkDown(component, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.up[component] = false
	h.reasons[component] = reason
}

// SetReady switches serving on or off independently of the components.
func (h *HealthChecker) SetReady(ready bool) {
	h.mu.Lock()
	h.serving = ready
	h.mu.Unlock()
}

func (h *HealthChecker) IsReady() bool {
	ready, _ := h.readiness()
	return ready
}

// readiness returns the verdict and, per pending component, why.
func (h *HealthChecker) readiness() (bool, map[string]string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pending := make(map[string]string)
	for _, c := range h.required {
		if h.up[c] {
			continue
		}
		reason := h.reasons[c]
		if reason == "" {
			reason = "starting"
		}
		pending[c] = reason
	}
	if !h.serving {
		pending["serving"] = "not started"
	}
	return len(pending) == 0, pending
}

// LivenessHandler always answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// ReadinessHandler answers 200 when ready and 503 with the pending
// components otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready, pending := h.readiness()
	if ready {
		writeHealth(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	writeHealth(w, http.StatusServiceUnavailable, map[string]any{
		"status":  "not_ready",
		"pending": pending,
	})
}

func writeHealth(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
