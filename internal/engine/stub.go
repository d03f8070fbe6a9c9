package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Stub is a placeholder engine. It reports fixed progress and returns
// deterministic directories and preview URLs without touching the filesystem.
type Stub struct {
	PreviewBaseURL string
	Now            func() time.Time
}

// NewStub creates a stub engine that builds preview URLs under previewBaseURL.
func NewStub(previewBaseURL string) *Stub {
	return &Stub{PreviewBaseURL: previewBaseURL, Now: time.Now}
}

func (s *Stub) Create(ctx context.Context, req CreateRequest, sink Sink) (*Result, error) {
	if err := emitAll(ctx, sink, "Starting app generation...", "Generating code...", "Building Docker container..."); err != nil {
		return nil, err
	}
	return &Result{
		Status:     StatusSuccess,
		Message:    "App created successfully",
		OutputDir:  req.OutputDir,
		PreviewURL: s.previewURL(req.OutputDir),
	}, nil
}

func (s *Stub) Edit(ctx context.Context, req EditRequest, sink Sink) (*Result, error) {
	backup := fmt.Sprintf("%s_backup_%d", req.ProjectDir, s.Now().Unix())
	if err := emitAll(ctx, sink, "Starting app modification...", "Applying changes...", "Rebuilding Docker container..."); err != nil {
		return nil, err
	}
	return &Result{
		Status:     StatusSuccess,
		Message:    "App modified successfully",
		BackupDir:  backup,
		PreviewURL: s.previewURL(req.ProjectDir),
	}, nil
}

func (s *Stub) Revert(ctx context.Context, req RevertRequest, sink Sink) (*Result, error) {
	if err := emitAll(ctx, sink, "Starting reversion process...", "Restoring from backup...", "Rebuilding Docker container..."); err != nil {
		return nil, err
	}
	return &Result{
		Status:     StatusSuccess,
		Message:    "App reverted successfully",
		PreviewURL: s.previewURL(req.ProjectDir),
	}, nil
}

func (s *Stub) previewURL(dir string) string {
	return strings.TrimRight(s.PreviewBaseURL, "/") + "/" + filepath.Base(dir)
}

func emitAll(ctx context.Context, sink Sink, lines ...string) error {
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		sink.Emit(line)
	}
	return nil
}
