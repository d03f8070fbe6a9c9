package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/filipexyz/genflow/internal/websocket"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

// SubscribeHandler upgrades live connections and attaches them to the hub.
type SubscribeHandler struct {
	hub            *websocket.Hub
	authorize      websocket.Authorizer
	upgrader       ws.Upgrader
	maxMessageSize int64
}

// NewSubscribeHandler creates a new SubscribeHandler. Connections are accepted
// from allowedOrigins only; an empty list accepts any origin.
func NewSubscribeHandler(hub *websocket.Hub, authorize websocket.Authorizer, allowedOrigins []string, maxMessageSize int64) *SubscribeHandler {
	return &SubscribeHandler{
		hub:       hub,
		authorize: authorize,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		maxMessageSize: maxMessageSize,
	}
}

// Subscribe upgrades HTTP to WebSocket. A project_id query parameter
// subscribes the connection right away.
func (h *SubscribeHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	projectID := r.URL.Query().Get("project_id")
	if projectID != "" && h.authorize != nil {
		if err := h.authorize(r.Context(), owner, projectID); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := websocket.NewClient(h.hub, conn, owner, uuid.NewString(), h.authorize, h.maxMessageSize)
	h.hub.Register(client)

	// Pumps outlive the request, so they get a fresh context.
	ctx := context.Background()
	if projectID != "" {
		if err := client.Subscribe(ctx, projectID); err != nil {
			slog.Warn("initial subscribe failed", "project_id", projectID, "error", err)
		} else if data, err := json.Marshal(websocket.NewSubscribedMessage(projectID)); err == nil {
			client.Send(data)
		}
	}

	go client.WritePump()
	go client.ReadPump(ctx)
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
