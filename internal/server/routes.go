package server

import (
	"net/http"

	"github.com/filipexyz/genflow/internal/handler"
	"github.com/filipexyz/genflow/internal/metrics"
	"github.com/filipexyz/genflow/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks and metrics (no auth)
	healthHandler := handler.NewHealthHandler(s.deps.Store, s.deps.NATS)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", metrics.Handler())

	auth := middleware.NewAuth(s.cfg.AuthMode, s.cfg.DefaultOwnerID)
	projectHandler := handler.NewProjectHandler(s.deps.Orchestrator, s.deps.AuditLog)
	subscribeHandler := handler.NewSubscribeHandler(
		s.deps.Hub,
		s.deps.Orchestrator.Authorize,
		s.cfg.CORSOrigins,
		s.cfg.WSMaxMessageSize,
	)

	// WebSocket endpoint at root (no /api/v1 prefix for WS)
	r.Group(func(r chi.Router) {
		r.Use(auth.Handler)
		r.Get("/ws", subscribeHandler.Subscribe)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Handler)
		r.Use(middleware.RateLimit(s.rateLimiter))

		r.Post("/projects", projectHandler.Create)
		r.Get("/projects", projectHandler.List)
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/", projectHandler.Get)
			r.Delete("/", projectHandler.Delete)
			r.Get("/messages", projectHandler.Messages)
			r.Get("/versions", projectHandler.Versions)
			r.Get("/versions/{versionID}/use-cases", projectHandler.UseCases)
			r.Post("/generate", projectHandler.Generate)
			r.Post("/edit", projectHandler.Edit)
			r.Post("/revert/{versionID}", projectHandler.Revert)
		})
	})

	return r
}
