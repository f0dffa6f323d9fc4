// Package httpapi exposes the REST control plane and the realtime event
// stream endpoints. Routing is a plain ServeMux with prefix-trim subrouting;
// every handler is wrapped in an audit log middleware and a prometheus
// instrumentation middleware.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Donniedarko45/RenderLite/internal/service/deploy"
	"github.com/Donniedarko45/RenderLite/internal/service/registry"
	"github.com/Donniedarko45/RenderLite/internal/ws"
)

const (
	healthCheckTimeout  = 2 * time.Second
	webhookBodyLimit    = 1 << 20
	historyDefaultLimit = 20
	historyMaxLimit     = 100
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	registry    registry.Service
	deploy      deploy.Service
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	dbHealth    func(context.Context) error
	redisHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, registrySvc registry.Service, deploySvc deploy.Service, hub *ws.Hub, dbHealth, redisHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		registry: registrySvc,
		deploy:   deploySvc,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dbHealth:    dbHealth,
		redisHealth: redisHealth,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.instrument("/healthz", r.handleHealthz)))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/api/services", r.audit(r.instrument("/api/services", r.handleServices)))
	r.mux.HandleFunc("/api/services/", r.audit(r.instrument("/api/services/:id", r.handleServiceSubroutes)))
	r.mux.HandleFunc("/api/deployments/", r.audit(r.instrument("/api/deployments/:id", r.handleDeploymentSubroutes)))
}

func (r *Router) handleServices(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleServiceCreate(w, req)
	case http.MethodGet:
		r.handleServiceList(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleServiceCreate(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		ProjectID              string            `json:"projectId"`
		Name                   string            `json:"name"`
		RepoURL                string            `json:"repoUrl"`
		Branch                 string            `json:"branch"`
		EnvVars                map[string]string `json:"envVars"`
		HealthCheckPath        string            `json:"healthCheckPath"`
		HealthCheckIntervalSec int               `json:"healthCheckIntervalSec"`
		HealthCheckTimeoutSec  int               `json:"healthCheckTimeoutSec"`
		RepoToken              string            `json:"repoToken"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	svc, webhookSecret, err := r.registry.Create(req.Context(), registry.CreateInput{
		ProjectID:              payload.ProjectID,
		Name:                   payload.Name,
		RepoURL:                payload.RepoURL,
		Branch:                 payload.Branch,
		EnvVars:                payload.EnvVars,
		HealthCheckPath:        payload.HealthCheckPath,
		HealthCheckIntervalSec: payload.HealthCheckIntervalSec,
		HealthCheckTimeoutSec:  payload.HealthCheckTimeoutSec,
		RepoToken:              payload.RepoToken,
	})
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	// The webhook secret is shown exactly once; afterwards only its
	// encrypted form exists.
	writeJSON(w, http.StatusCreated, map[string]any{
		"service":       newServiceView(svc),
		"webhookSecret": webhookSecret,
	})
}

func (r *Router) handleServiceList(w http.ResponseWriter, req *http.Request) {
	services, err := r.registry.List(req.Context(), req.URL.Query().Get("projectId"))
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": newServiceViews(services)})
}

func (r *Router) handleServiceSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/services/"), "/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	serviceID := parts[0]

	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleServiceGet(w, req, serviceID)
	case len(parts) == 2 && parts[1] == "env":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleServiceEnv(w, req, serviceID)
	case len(parts) == 2 && parts[1] == "domains":
		switch req.Method {
		case http.MethodPost:
			r.handleDomainAdd(w, req, serviceID)
		case http.MethodGet:
			r.handleDomainList(w, req, serviceID)
		default:
			r.methodNotAllowed(w)
		}
	case len(parts) == 4 && parts[1] == "domains" && parts[3] == "verify":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleDomainVerify(w, req, serviceID, parts[2])
	case len(parts) == 2 && parts[1] == "deployments":
		switch req.Method {
		case http.MethodPost:
			r.handleDeploymentTrigger(w, req, serviceID)
		case http.MethodGet:
			r.handleDeploymentHistory(w, req, serviceID)
		default:
			r.methodNotAllowed(w)
		}
	case len(parts) == 2 && parts[1] == "webhook":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleWebhook(w, req, serviceID)
	case len(parts) == 2 && parts[1] == "events":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleServiceEvents(w, req, serviceID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleServiceGet(w http.ResponseWriter, req *http.Request, serviceID string) {
	svc, err := r.registry.Get(req.Context(), serviceID)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newServiceView(svc))
}

func (r *Router) handleServiceEnv(w http.ResponseWriter, req *http.Request, serviceID string) {
	var payload struct {
		EnvVars map[string]string `json:"envVars"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.registry.MergeEnv(req.Context(), serviceID, payload.EnvVars); err != nil {
		r.respondError(w, req, err)
		return
	}
	svc, err := r.registry.Get(req.Context(), serviceID)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newServiceView(svc))
}

func (r *Router) handleDomainAdd(w http.ResponseWriter, req *http.Request, serviceID string) {
	var payload struct {
		Hostname string `json:"hostname"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	added, err := r.registry.AddDomain(req.Context(), serviceID, payload.Hostname)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDomainView(added))
}

func (r *Router) handleDomainList(w http.ResponseWriter, req *http.Request, serviceID string) {
	domains, err := r.registry.ListDomains(req.Context(), serviceID)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": newDomainViews(domains)})
}

func (r *Router) handleDomainVerify(w http.ResponseWriter, req *http.Request, serviceID, domainID string) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	verified, err := r.registry.VerifyDomain(req.Context(), serviceID, domainID, payload.Token)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newDomainView(verified))
}

func (r *Router) handleDeploymentTrigger(w http.ResponseWriter, req *http.Request, serviceID string) {
	dep, err := r.deploy.Trigger(req.Context(), serviceID)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDeploymentView(dep, false))
}

func (r *Router) handleDeploymentHistory(w http.ResponseWriter, req *http.Request, serviceID string) {
	limit := queryInt(req, "limit", historyDefaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	offset := queryInt(req, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	history, err := r.deploy.History(req.Context(), serviceID, limit, offset)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": newDeploymentViews(history)})
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request, serviceID string) {
	body, err := io.ReadAll(io.LimitReader(req.Body, webhookBodyLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	signature := req.Header.Get("X-Hub-Signature-256")
	dep, err := r.deploy.HandleWebhook(req.Context(), serviceID, body, signature)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	if dep == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}
	writeJSON(w, http.StatusCreated, newDeploymentView(dep, false))
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/deployments/"), "/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	deploymentID := parts[0]

	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleDeploymentGet(w, req, deploymentID)
	case len(parts) == 2 && parts[1] == "rollback":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleDeploymentRollback(w, req, deploymentID)
	case len(parts) == 2 && parts[1] == "cancel":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleDeploymentCancel(w, req, deploymentID)
	case len(parts) == 2 && parts[1] == "events":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleDeploymentEvents(w, req, deploymentID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeploymentGet(w http.ResponseWriter, req *http.Request, deploymentID string) {
	dep, err := r.deploy.Deployment(req.Context(), deploymentID)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newDeploymentView(dep, true))
}

func (r *Router) handleDeploymentRollback(w http.ResponseWriter, req *http.Request, deploymentID string) {
	dep, err := r.deploy.Rollback(req.Context(), deploymentID)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDeploymentView(dep, false))
}

func (r *Router) handleDeploymentCancel(w http.ResponseWriter, req *http.Request, deploymentID string) {
	dep, err := r.deploy.Cancel(req.Context(), deploymentID)
	if err != nil {
		r.respondError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newDeploymentView(dep, true))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	check := func(name string, probe func(context.Context) error) {
		if probe == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := probe(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("database", r.dbHealth)
	check("redis", r.redisHealth)

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "resource not found")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func queryInt(req *http.Request, key string, fallback int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// audit logs every request with method, path, status, size, latency, and
// caller identity hints at a level derived from the response status.
func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
