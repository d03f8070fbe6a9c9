package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/filipexyz/genflow/internal/audit"
	"github.com/filipexyz/genflow/internal/config"
	"github.com/filipexyz/genflow/internal/engine"
	"github.com/filipexyz/genflow/internal/nats"
	"github.com/filipexyz/genflow/internal/orchestrator"
	"github.com/filipexyz/genflow/internal/runner"
	"github.com/filipexyz/genflow/internal/server"
	"github.com/filipexyz/genflow/internal/store"
	"github.com/filipexyz/genflow/internal/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	closeLog := setupLogging(cfg)
	defer closeLog()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := recoverProjects(ctx, cfg, st); err != nil {
		slog.Error("failed to recover interrupted projects", "error", err)
		os.Exit(1)
	}

	hub := websocket.NewHub()
	var notifier orchestrator.Notifier = hub

	// Optional NATS relay: every instance publishes through NATS and feeds
	// its local hub from the subscription.
	var embedded *nats.EmbeddedServer
	var nc *nats.Client
	var relay *nats.Relay
	if cfg.RelayEnabled() {
		url := cfg.NatsURL
		if cfg.NatsEmbedded {
			embedded, err = nats.StartEmbedded(nats.EmbeddedConfig{Port: cfg.NatsEmbeddedPort})
			if err != nil {
				slog.Error("failed to start embedded NATS", "error", err)
				os.Exit(1)
			}
			url = embedded.ClientURL()
			slog.Info("embedded NATS started", "url", url)
		}

		nc, err = nats.Connect(url)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		relay = nats.NewRelay(nc, cfg.NatsSubjectPrefix, hub)
		if err := relay.Start(); err != nil {
			slog.Error("failed to start NATS relay", "error", err)
			os.Exit(1)
		}
		notifier = relay
		slog.Info("NATS relay started", "prefix", cfg.NatsSubjectPrefix)
	}

	eng, closeEngine, err := openEngine(cfg)
	if err != nil {
		slog.Error("failed to set up engine", "mode", cfg.EngineMode, "error", err)
		os.Exit(1)
	}
	defer closeEngine()

	orch := orchestrator.New(st, runner.New(eng, cfg.RunTimeout()), notifier, cfg.ProjectBaseDir,
		orchestrator.WithLease(cfg.OperationLease))
	auditLog := audit.New(st, 256)

	deps := server.Deps{
		Store:        st,
		Orchestrator: orch,
		Hub:          hub,
		AuditLog:     auditLog,
	}
	if nc != nil {
		deps.NATS = nc
	}
	srv := server.New(cfg, deps)

	go func() {
		slog.Info("starting server", "port", cfg.Port)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	// Graceful shutdown: HTTP first, then running operations, then the relay and NATS
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := orch.Wait(shutdownCtx); err != nil {
		slog.Warn("exiting with operations still running, their projects are recovered on next start", "error", err)
	}
	if relay != nil {
		relay.Stop()
	}
	if nc != nil {
		nc.Close()
	}
	if embedded != nil {
		embedded.Shutdown()
	}

	slog.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		slog.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	slog.Info("connected to database")

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("database schema up to date")
	}
	return store.NewPostgres(pool), nil
}

// recoverProjects resets projects left Generating by a previous run. A single
// instance owns every run, so all of them are stale. With a relay other
// instances may still be working, so only projects past the lease are reset.
func recoverProjects(ctx context.Context, cfg *config.Config, st store.Store) error {
	var olderThan time.Duration
	if cfg.RelayEnabled() {
		if cfg.OperationLease <= 0 {
			return nil
		}
		olderThan = cfg.OperationLease
	}

	n, err := st.RecoverStaleProjects(ctx, olderThan)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Warn("recovered interrupted projects", "count", n)
	}
	return nil
}

// openEngine returns the configured engine and a func releasing its resources.
func openEngine(cfg *config.Config) (engine.Engine, func(), error) {
	noop := func() {}
	if cfg.EngineMode != "command" {
		return engine.NewStub(cfg.PreviewBaseURL), noop, nil
	}

	if cfg.EngineConfigWatch {
		r, err := engine.NewReloader(cfg.EngineConfigPath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("command engine configured, watching for changes", "path", cfg.EngineConfigPath)
		return r, r.Close, nil
	}

	ecfg, err := engine.LoadConfig(cfg.EngineConfigPath)
	if err != nil {
		return nil, nil, err
	}
	cmd, err := engine.NewCommand(ecfg)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("command engine configured", "binary", ecfg.Binary, "pty", ecfg.PTY)
	return cmd, noop, nil
}
