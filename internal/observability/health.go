package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker tracks liveness and readiness. Readiness is the
// conjunction of named startup components: the service reports ready once
// every registered component has come up, and the not-ready response names
// the ones still pending.
type HealthChecker struct {
	mu        sync.Mutex
	pending   map[string]struct{}
	draining  bool
	startTime time.Time
}

func NewHealthChecker(components ...string) *HealthChecker {
	h := &HealthChecker{
		pending:   make(map[string]struct{}, len(components)),
		startTime: time.Now(),
	}
	for _, c := range components {
		h.pending[c] = struct{}{}
	}
	return h
}

// MarkReady records one startup component as up.
func (h *HealthChecker) MarkReady(component string) {
	h.mu.Lock()
	delete(h.pending, component)
	h.mu.Unlock()
}

// SetDraining flips the service to not-ready ahead of shutdown so load
// balancers stop routing new traffic.
func (h *HealthChecker) SetDraining(draining bool) {
	h.mu.Lock()
	h.draining = draining
	h.mu.Unlock()
}

func (h *HealthChecker) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending) == 0 && !h.draining
}

// waiting returns the pending component names, sorted for stable output.
func (h *HealthChecker) waiting() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.pending))
	for c := range h.pending {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once every component is up, 503
// otherwise with the blocking cause.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}

	body := map[string]interface{}{"status": "not_ready"}
	h.mu.Lock()
	draining := h.draining
	h.mu.Unlock()
	if draining {
		body["cause"] = "draining"
	} else if waiting := h.waiting(); len(waiting) > 0 {
		body["waiting"] = waiting
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(body)
}
