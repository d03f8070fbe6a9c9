package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject namespace used for project events.
const DefaultSubjectPrefix = "genflow.projects"

// LocalPublisher delivers an encoded event to the subscribers connected to
// this process.
type LocalPublisher interface {
	Publish(projectID string, data []byte)
}

// Relay fans project events out through NATS so every daemon instance can
// deliver them to its own websocket subscribers.
//
// Events are published on <prefix>.<projectID>. A single wildcard
// subscription hands received events to the local hub; NATS delivers
// messages from one connection to one subscription in publish order.
type Relay struct {
	client *Client
	prefix string
	local  LocalPublisher
	sub    *nats.Subscription
}

// NewRelay creates a relay. An empty prefix selects DefaultSubjectPrefix.
func NewRelay(client *Client, prefix string, local LocalPublisher) *Relay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Relay{
		client: client,
		prefix: strings.TrimSuffix(prefix, "."),
		local:  local,
	}
}

// Start subscribes to all project subjects.
func (r *Relay) Start() error {
	sub, err := r.client.conn.Subscribe(r.prefix+".*", r.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s.*: %w", r.prefix, err)
	}
	if err := r.client.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	r.sub = sub
	slog.Info("event relay started", "subject", r.prefix+".*")
	return nil
}

// Stop removes the subscription.
func (r *Relay) Stop() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			slog.Warn("event relay unsubscribe", "error", err)
		}
		r.sub = nil
	}
}

// Broadcast publishes event for projectID. Failures are logged, not returned.
func (r *Relay) Broadcast(projectID string, event any) {
	if !validToken(projectID) {
		slog.Warn("event relay skipped invalid project id", "project_id", projectID)
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal event", "error", err, "project_id", projectID)
		return
	}

	if err := r.client.conn.Publish(r.prefix+"."+projectID, data); err != nil {
		slog.Warn("event relay publish failed", "error", err, "project_id", projectID)
	}
}

func (r *Relay) handle(msg *nats.Msg) {
	projectID := strings.TrimPrefix(msg.Subject, r.prefix+".")
	r.local.Publish(projectID, msg.Data)
}

// validToken reports whether s can be used as a single subject token.
func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}
