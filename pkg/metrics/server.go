package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus represents the overall health state.
type HealthStatus string

const (
	// HealthStatusHealthy indicates all checks are passing.
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates non-critical checks are failing.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates critical checks are failing.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// CheckFunc is a function that performs a health check.
// Returns nil if healthy, or an error describing the problem.
type CheckFunc func() error

// HealthCheck aggregates named checks plus collector-derived signals for
// the proxy's health endpoint.
type HealthCheck struct {
	mu        sync.RWMutex
	checks    map[string]CheckFunc
	collector *Collector
	startTime time.Time
	version   string
}

// HealthResponse is the JSON response for health checks.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Metrics   *HealthMetrics         `json:"metrics,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// HealthMetrics contains the dataplane signals used for health decisions.
type HealthMetrics struct {
	EncryptedIn  uint64  `json:"enc_in"`
	EncryptedOut uint64  `json:"enc_out"`
	DropsTotal   uint64  `json:"drops_total"`
	RekeysFailed uint64  `json:"rekeys_fail"`
	DropRate     float64 `json:"drop_rate,omitempty"`
}

// NewHealthCheck creates a new health check instance.
func NewHealthCheck(collector *Collector, version string) *HealthCheck {
	return &HealthCheck{
		checks:    make(map[string]CheckFunc),
		collector: collector,
		startTime: time.Now(),
		version:   version,
	}
}

// AddCheck registers a named health check.
func (h *HealthCheck) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check performs all health checks and returns the overall status.
func (h *HealthCheck) Check() HealthResponse {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()

	response := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		Checks:    make(map[string]CheckResult),
	}

	hasUnhealthy := false
	hasDegraded := false

	for name, check := range checks {
		start := time.Now()
		err := check()
		latency := time.Since(start)

		result := CheckResult{
			Status:  HealthStatusHealthy,
			Latency: latency.String(),
		}
		if err != nil {
			result.Status = HealthStatusUnhealthy
			result.Message = err.Error()
			hasUnhealthy = true
		}
		response.Checks[name] = result
	}

	if h.collector != nil {
		snap := h.collector.Snapshot()
		response.Metrics = &HealthMetrics{
			EncryptedIn:  snap.EncryptedIn,
			EncryptedOut: snap.EncryptedOut,
			DropsTotal:   snap.DropsTotal,
			RekeysFailed: snap.RekeysFailed,
		}
		// A sustained drop rate above 1% of received traffic degrades the
		// endpoint without failing readiness; the tunnel is still serving.
		if snap.EncryptedIn > 0 {
			response.Metrics.DropRate = float64(snap.DropsTotal) / float64(snap.EncryptedIn)
			if response.Metrics.DropRate > 0.01 {
				hasDegraded = true
			}
		}
	}

	if hasUnhealthy {
		response.Status = HealthStatusUnhealthy
	} else if hasDegraded {
		response.Status = HealthStatusDegraded
	}
	return response
}

// Handler returns an http.Handler for the health check endpoint.
func (h *HealthCheck) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := h.Check()
		w.Header().Set("Content-Type", "application/json")
		if response.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(response)
	})
}

// LivenessHandler returns a simple liveness probe handler.
func (h *HealthCheck) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	})
}

// --- Server ---

// Server provides HTTP endpoints for metrics and health.
type Server struct {
	mux       *http.ServeMux
	collector *Collector
	health    *HealthCheck
}

// ServerConfig configures the observability server.
type ServerConfig struct {
	Collector *Collector
	Version   string
	Namespace string // Prometheus namespace
}

// NewServer creates a new observability server exposing /metrics, /health
// and /healthz.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Collector == nil {
		cfg.Collector = Global()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "skybridge"
	}

	s := &Server{
		mux:       http.NewServeMux(),
		collector: cfg.Collector,
		health:    NewHealthCheck(cfg.Collector, cfg.Version),
	}
	s.mux.Handle("/metrics", NewPrometheusExporter(cfg.Collector, cfg.Namespace).Handler())
	s.mux.Handle("/health", s.health.Handler())
	s.mux.Handle("/healthz", s.health.LivenessHandler())
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// AddHealthCheck adds a health check to the server.
func (s *Server) AddHealthCheck(name string, check CheckFunc) {
	s.health.AddCheck(name, check)
}

// ListenAndServe starts the observability server.
func (s *Server) ListenAndServe(addr string) error {
	return newHTTPServer(addr, s.mux).ListenAndServe()
}
