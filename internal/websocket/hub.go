package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/filipexyz/genflow/internal/metrics"
)

// Conn is a live subscriber connection. Send must not block; an error means
// the message could not be queued and the connection is considered dead.
type Conn interface {
	Send(data []byte) error
	Close()
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	projectID string
	conn      Conn
	topic     *topic
	removed   bool // guarded by topic.mu
}

// ProjectID returns the project the subscription is registered under.
func (s *Subscription) ProjectID() string { return s.projectID }

// topic holds the subscribers of one project. Its mutex is held for the whole
// fan-out so broadcasts to a project are delivered in call order.
type topic struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (t *topic) remove(sub *Subscription) bool {
	if sub.removed {
		return false
	}
	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			break
		}
	}
	sub.removed = true
	return true
}

// Hub maps project ids to their live subscribers and tracks connected clients.
//
// Lock order is Hub.mu before topic.mu.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	clients map[*Client]struct{}
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		topics:  make(map[string]*topic),
		clients: make(map[*Client]struct{}),
	}
}

// Subscribe registers conn for events of projectID.
func (h *Hub) Subscribe(projectID string, conn Conn) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[projectID]
	if !ok {
		t = &topic{}
		h.topics[projectID] = t
	}

	sub := &Subscription{projectID: projectID, conn: conn, topic: t}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	metrics.SubscriberAdded()
	slog.Debug("subscriber added", "project_id", projectID)
	return sub
}

// Unsubscribe removes sub. Calling it more than once, or after a failed
// delivery already removed it, is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t := sub.topic
	t.mu.Lock()
	removed := t.remove(sub)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty && h.topics[sub.projectID] == t {
		delete(h.topics, sub.projectID)
	}
	if removed {
		metrics.SubscriberRemoved()
		slog.Debug("subscriber removed", "project_id", sub.projectID)
	}
}

// Broadcast encodes event as JSON and delivers it to every subscriber of projectID.
// Delivery errors are not reported to the caller.
func (h *Hub) Broadcast(projectID string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal event", "error", err, "project_id", projectID)
		return
	}
	h.Publish(projectID, data)
}

// Publish delivers an already encoded event to every subscriber of projectID.
func (h *Hub) Publish(projectID string, data []byte) {
	h.mu.RLock()
	t, ok := h.topics[projectID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var dead []*Subscription
	t.mu.Lock()
	for _, sub := range t.subs {
		if err := sub.conn.Send(data); err != nil {
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		t.remove(sub)
	}
	t.mu.Unlock()

	if len(dead) == 0 {
		return
	}
	for _, sub := range dead {
		sub.conn.Close()
		metrics.SubscriberRemoved()
		metrics.DeliveryDropped()
		slog.Warn("dropped subscriber after failed send", "project_id", projectID)
	}
	h.prune(projectID, t)
}

// prune drops t from the registry if it has no subscribers left.
func (h *Hub) prune(projectID string, t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t.mu.Lock()
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty && h.topics[projectID] == t {
		delete(h.topics, projectID)
	}
}

// SubscriberCount returns the number of live subscribers of projectID.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.RLock()
	t, ok := h.topics[projectID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// ProjectCount returns the number of projects with at least one subscriber.
func (h *Hub) ProjectCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	slog.Debug("client registered", "total", total)
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	total := len(h.clients)
	h.mu.Unlock()
	slog.Debug("client unregistered", "total", total)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
