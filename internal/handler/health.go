package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnChecker reports whether the relay connection is up.
type ConnChecker interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store Pinger
	nats  ConnChecker
}

// NewHealthHandler creates a new HealthHandler. nats is nil when the relay is disabled.
func NewHealthHandler(store Pinger, nats ConnChecker) *HealthHandler {
	return &HealthHandler{store: store, nats: nats}
}

// Health is a simple liveness probe.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready is a readiness probe that checks dependencies.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status":   "ready",
		"database": "connected",
		"nats":     "disabled",
	}
	status := http.StatusOK

	if h.nats != nil {
		response["nats"] = "connected"
		if !h.nats.IsConnected() {
			response["status"] = "not_ready"
			response["nats"] = "disconnected"
			status = http.StatusServiceUnavailable
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		response["status"] = "not_ready"
		response["database"] = "disconnected"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}
