package orchestrator

import (
	"context"
	"log/slog"

	"github.com/filipexyz/genflow/internal/domain"
)

// Notifier delivers a live event to the subscribers of a project.
type Notifier interface {
	Broadcast(projectID string, event any)
}

// progressSink persists every progress line as a loading chat event and then
// broadcasts it, on the caller's goroutine, so storage order and delivery
// order match emission order.
type progressSink struct {
	o         *Orchestrator
	ctx       context.Context
	projectID string
}

func (s *progressSink) Emit(text string) {
	s.o.emit(s.ctx, s.projectID, text, domain.KindLoading)
}

func (o *Orchestrator) sink(ctx context.Context, projectID string) *progressSink {
	return &progressSink{o: o, ctx: ctx, projectID: projectID}
}

// emit records a system chat event and broadcasts it. A failed write is logged
// and the broadcast still happens.
func (o *Orchestrator) emit(ctx context.Context, projectID, message string, kind domain.EventKind) {
	e := domain.NewChatEvent(projectID, domain.SenderSystem, message, kind)
	if err := o.store.AppendChatEvent(ctx, e); err != nil {
		slog.Warn("failed to persist chat event", "error", err, "project_id", projectID, "type", kind)
	}
	o.notifier.Broadcast(projectID, e.Notification())
}
