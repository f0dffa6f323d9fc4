package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Donniedarko45/RenderLite/internal/domain"
	"github.com/Donniedarko45/RenderLite/internal/ws"
)

const sseHeartbeatInterval = 25 * time.Second

// handleDeploymentEvents attaches the caller to a deployment's event topic,
// upgrading to WebSocket when requested and falling back to SSE otherwise.
func (r *Router) handleDeploymentEvents(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if _, err := r.deploy.Deployment(req.Context(), deploymentID); err != nil {
		r.respondError(w, req, err)
		return
	}
	r.serveEvents(w, req, domain.DeploymentTopic(deploymentID))
}

func (r *Router) handleServiceEvents(w http.ResponseWriter, req *http.Request, serviceID string) {
	if _, err := r.registry.Get(req.Context(), serviceID); err != nil {
		r.respondError(w, req, err)
		return
	}
	r.serveEvents(w, req, domain.ServiceTopic(serviceID))
}

func (r *Router) serveEvents(w http.ResponseWriter, req *http.Request, topic string) {
	if websocket.IsWebSocketUpgrade(req) {
		r.serveWebSocket(w, req, topic)
		return
	}
	r.serveSSE(w, req, topic)
}

func (r *Router) serveWebSocket(w http.ResponseWriter, req *http.Request, topic string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "topic", topic, "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// serveSSE streams topic events until the client disconnects. Heartbeat
// comments keep intermediaries from timing out the idle connection.
func (r *Router) serveSSE(w http.ResponseWriter, req *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
