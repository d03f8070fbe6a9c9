package domain

import (
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a chat event.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderSystem Sender = "system"
)

// EventKind classifies a chat event.
type EventKind string

const (
	KindNormal  EventKind = "normal"
	KindLoading EventKind = "loading"
	KindSuccess EventKind = "success"
	KindError   EventKind = "error"
)

// ChatEvent is an append-only record of a user message or a system progress line.
// Seq is assigned by the store and breaks ties between equal timestamps.
type ChatEvent struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Sender    Sender    `json:"sender"`
	Message   string    `json:"message"`
	Kind      EventKind `json:"type"`
	Seq       int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// NewChatEvent creates a chat event stamped with the current time.
func NewChatEvent(projectID string, sender Sender, message string, kind EventKind) *ChatEvent {
	return &ChatEvent{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Sender:    sender,
		Message:   message,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
}

// Notification is the JSON object delivered to live subscribers of a project.
type Notification struct {
	Type      EventKind `json:"type"`
	Message   string    `json:"message"`
	ProjectID string    `json:"project_id"`
	Sender    Sender    `json:"sender"`
}

// Notification returns the live wire form of the event.
func (e *ChatEvent) Notification() Notification {
	return Notification{
		Type:      e.Kind,
		Message:   e.Message,
		ProjectID: e.ProjectID,
		Sender:    e.Sender,
	}
}

// ChatMessageRequest is the request body for generate and edit.
type ChatMessageRequest struct {
	Message string `json:"message"`
	Sender  string `json:"sender,omitempty"`
}

// AuditEntry is a persisted audit record.
type AuditEntry struct {
	Actor     string
	Action    string
	OwnerID   string
	Target    string
	Detail    []byte
	IPAddress string
	CreatedAt time.Time
}
