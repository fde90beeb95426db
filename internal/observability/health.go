package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state, plus a per-component
// status map (postgres, nats, chain, redis) surfaced in the readiness body.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu         sync.Mutex
	components map[string]string
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime:  time.Now(),
		components: make(map[string]string),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// SetComponent records the state of one dependency ("ok", "down",
// "disabled", or an error summary).
func (h *HealthChecker) SetComponent(name, state string) {
	h.mu.Lock()
	h.components[name] = state
	h.mu.Unlock()
}

// Components returns a snapshot of component states.
func (h *HealthChecker) Components() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.components))
	for k, v := range h.components {
		out[k] = v
	}
	return out
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

// ReadinessHandler returns HTTP 200 once migrations are verified and the
// chain endpoint has answered, 503 otherwise. The body lists each
// dependency's state either way.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	components := h.Components()
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	ordered := make([]map[string]string, 0, len(names))
	for _, name := range names {
		ordered = append(ordered, map[string]string{"name": name, "state": components[name]})
	}

	if h.ready.Load() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "ready",
			"components": ordered,
		})
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "not_ready",
			"components": ordered,
		})
	}
}
