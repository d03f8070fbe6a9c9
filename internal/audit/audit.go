// Package audit records who changed which project.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/filipexyz/genflow/internal/domain"
)

// Audit actions.
const (
	ActionProjectCreate   = "project.create"
	ActionProjectGenerate = "project.generate"
	ActionProjectEdit     = "project.edit"
	ActionProjectRevert   = "project.revert"
	ActionProjectDelete   = "project.delete"
)

// Writer persists audit entries.
type Writer interface {
	InsertAuditLog(ctx context.Context, e domain.AuditEntry) error
}

// Logger provides structured audit logging with dual-write to slog (sync) and the store (async).
type Logger struct {
	writer  Writer
	ch      chan domain.AuditEntry
	drained chan struct{}
	mu      sync.Mutex // guards closed + ch send
	closed  bool
	once    sync.Once
}

// New creates a new audit Logger. The buffer parameter controls the async channel size.
// A nil writer keeps the slog side only.
func New(writer Writer, buffer int) *Logger {
	if buffer <= 0 {
		buffer = 256
	}
	l := &Logger{
		writer:  writer,
		ch:      make(chan domain.AuditEntry, buffer),
		drained: make(chan struct{}),
	}
	go l.drain()
	return l
}

// Log records an audit event.
// actor: who performed the action (e.g. "user:user_2abc", "genflowd")
// action: what was done (e.g. "project.generate")
// ownerID: owner scope (empty for system-level actions)
// target: what was acted on (project or version id)
// detail: additional metadata (nil is fine)
func (l *Logger) Log(ctx context.Context, actor, action, ownerID, target string, detail map[string]any) {
	ip := ipFromContext(ctx)

	attrs := []any{
		slog.String("actor", actor),
		slog.String("action", action),
	}
	if ownerID != "" {
		attrs = append(attrs, slog.String("owner_id", ownerID))
	}
	if target != "" {
		attrs = append(attrs, slog.String("target", target))
	}
	if ip != "" {
		attrs = append(attrs, slog.String("ip_address", ip))
	}
	if detail != nil {
		attrs = append(attrs, slog.Any("detail", detail))
	}
	slog.Info("audit", attrs...)

	e := domain.AuditEntry{
		Actor:     actor,
		Action:    action,
		OwnerID:   ownerID,
		Target:    target,
		IPAddress: ip,
		CreatedAt: time.Now().UTC(),
	}
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			slog.Warn("audit detail marshal failed", "error", err, "action", action)
		}
		e.Detail = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- e:
	default:
		slog.Warn("audit log channel full, dropping event", "action", action)
	}
}

func (l *Logger) drain() {
	defer close(l.drained)
	for e := range l.ch {
		if l.writer == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.writer.InsertAuditLog(ctx, e); err != nil {
			slog.Error("audit log insert failed", "error", err, "action", e.Action)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be written.
// Safe to call multiple times.
func (l *Logger) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
	})
	<-l.drained
}

type ctxKey string

const ipKey ctxKey = "audit_ip"

// WithIP returns a context with the client IP address stored for audit logging.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipKey, ip)
}

// IPFromRequest extracts the client IP from an HTTP request.
// X-Real-Ip and X-Forwarded-For are informational only and can be spoofed.
func IPFromRequest(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return ip
	}
	ip = r.Header.Get("X-Forwarded-For")
	if ip != "" {
		if idx := strings.IndexByte(ip, ','); idx != -1 {
			ip = strings.TrimSpace(ip[:idx])
		}
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ipKey).(string)
	return ip
}
