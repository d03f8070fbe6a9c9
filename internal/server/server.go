package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/clerk/clerk-sdk-go/v2"
	"github.com/filipexyz/genflow/internal/audit"
	"github.com/filipexyz/genflow/internal/config"
	"github.com/filipexyz/genflow/internal/handler"
	"github.com/filipexyz/genflow/internal/middleware"
	"github.com/filipexyz/genflow/internal/orchestrator"
	"github.com/filipexyz/genflow/internal/store"
	"github.com/filipexyz/genflow/internal/websocket"
)

// Deps are the long-lived components the HTTP surface is built on.
type Deps struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Hub          *websocket.Hub
	AuditLog     *audit.Logger
	// NATS is nil when the relay is disabled.
	NATS handler.ConnChecker
}

// Server is the HTTP server.
type Server struct {
	cfg         *config.Config
	deps        Deps
	rateLimiter *middleware.RateLimiter
	server      *http.Server
}

// New creates a new Server.
func New(cfg *config.Config, deps Deps) *Server {
	initClerk(cfg)

	limits := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitPerSecond > 0 {
		limits.OwnerRatePerSecond = cfg.RateLimitPerSecond
	}
	if cfg.RateLimitBurst > 0 {
		limits.OwnerBurst = cfg.RateLimitBurst
	}

	s := &Server{
		cfg:         cfg,
		deps:        deps,
		rateLimiter: middleware.NewRateLimiter(limits),
	}

	s.server = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: s.routes(),
	}

	return s
}

func initClerk(cfg *config.Config) {
	if cfg.IsSelfHosted() {
		slog.Info("Running in self-hosted mode",
			"auth_mode", string(cfg.AuthMode),
			"default_owner", cfg.DefaultOwnerID,
		)
		return
	}
	if cfg.ClerkSecretKey != "" {
		clerk.SetKey(cfg.ClerkSecretKey)
		slog.Info("Clerk authentication enabled")
	} else {
		slog.Warn("CLERK_SECRET_KEY not set - authenticated routes will reject every request")
	}
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Serve starts the HTTP server on the given listener.
func (s *Server) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.Stop()
	// Drain inflight requests before closing the audit logger so no Log
	// call races the close.
	err := s.server.Shutdown(ctx)
	if s.deps.AuditLog != nil {
		s.deps.AuditLog.Close()
	}
	return err
}
