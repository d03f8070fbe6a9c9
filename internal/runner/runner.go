// Package runner invokes the generation engine on behalf of the orchestrator.
//
// The runner never returns a Go error. Engine errors, missing results, panics
// and timeouts all come back as a Result with status "error" and a message.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/filipexyz/genflow/internal/engine"
	"github.com/filipexyz/genflow/internal/metrics"
)

// Runner wraps an engine with uniform failure handling.
type Runner struct {
	engine  engine.Engine
	timeout time.Duration
}

// New creates a Runner. A timeout of zero lets runs take as long as the engine needs.
func New(e engine.Engine, timeout time.Duration) *Runner {
	return &Runner{engine: e, timeout: timeout}
}

// RunCreate generates a new project into outputDir.
func (r *Runner) RunCreate(ctx context.Context, description, outputDir string, sink engine.Sink) engine.Result {
	return r.run(ctx, "create", sink, func(ctx context.Context) (*engine.Result, error) {
		return r.engine.Create(ctx, engine.CreateRequest{Description: description, OutputDir: outputDir}, sink)
	})
}

// RunEdit applies description to the project in projectDir.
func (r *Runner) RunEdit(ctx context.Context, projectDir, description string, sink engine.Sink) engine.Result {
	return r.run(ctx, "edit", sink, func(ctx context.Context) (*engine.Result, error) {
		return r.engine.Edit(ctx, engine.EditRequest{ProjectDir: projectDir, Description: description}, sink)
	})
}

// RunRevert restores projectDir from backupDir.
func (r *Runner) RunRevert(ctx context.Context, projectDir, backupDir string, sink engine.Sink) engine.Result {
	return r.run(ctx, "revert", sink, func(ctx context.Context) (*engine.Result, error) {
		return r.engine.Revert(ctx, engine.RevertRequest{ProjectDir: projectDir, BackupDir: backupDir}, sink)
	})
}

func (r *Runner) run(ctx context.Context, op string, sink engine.Sink, call func(context.Context) (*engine.Result, error)) (res engine.Result) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("engine panicked", "op", op, "panic", p)
			res = failed(fmt.Sprintf("engine panic: %v", p))
		}
		metrics.ObserveEngineRun(op, res.Status, time.Since(start))
		slog.Info("engine run finished", "op", op, "status", res.Status, "duration", time.Since(start))
	}()

	out, err := call(ctx)
	switch {
	case err != nil:
		slog.Warn("engine run failed", "op", op, "error", err)
		return failed(err.Error())
	case out == nil:
		return failed("engine returned no result")
	case out.Status != engine.StatusSuccess && out.Status != engine.StatusError:
		return failed(fmt.Sprintf("engine returned unknown status %q", out.Status))
	case out.Status == engine.StatusError && out.Message == "":
		out.Message = "engine reported an error"
	}
	return *out
}

func failed(message string) engine.Result {
	return engine.Result{Status: engine.StatusError, Message: message}
}
