// Package workerapi exposes the worker's health and metrics endpoints. The
// worker takes no commands over HTTP; jobs arrive through the Redis queues.
package workerapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthCheckTimeout = 2 * time.Second

// Probe checks one dependency for the health endpoint.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Router exposes HTTP endpoints for the worker process.
type Router struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	probes  []Probe
	metrics *httpMetrics
}

// New creates and registers handlers. Probes are reported under their name in
// the health payload.
func New(logger *slog.Logger, probes ...Probe) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		probes:  probes,
		metrics: newHTTPMetrics(),
	}
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.metrics.middleware("/healthz", r.handleHealth))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	components := map[string]any{}
	for _, probe := range r.probes {
		if err := probe.Check(ctx); err != nil {
			status = "degraded"
			components[probe.Name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[probe.Name] = map[string]any{"status": "up"}
	}

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
