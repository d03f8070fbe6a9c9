// Package engine defines the code generation engine API and its implementations.
//
// An engine turns a natural-language description into a project directory, applies
// edits to that directory and restores it from a backup. Progress is reported as
// plain text lines through a Sink while the operation runs.
package engine

import (
	"context"

	"github.com/filipexyz/genflow/internal/domain"
)

// Result statuses reported by an engine run.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Sink receives progress lines in emission order.
type Sink interface {
	Emit(text string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(text string)

func (f SinkFunc) Emit(text string) { f(text) }

// Discard drops every progress line.
var Discard Sink = SinkFunc(func(string) {})

type CreateRequest struct {
	Description string
	OutputDir   string
}

type EditRequest struct {
	ProjectDir  string
	Description string
}

type RevertRequest struct {
	ProjectDir string
	BackupDir  string
}

// Result is the outcome of an engine run. Fields that do not apply to an
// operation are left empty.
type Result struct {
	Status     string               `json:"status"`
	Message    string               `json:"message"`
	OutputDir  string               `json:"output_dir,omitempty"`
	BackupDir  string               `json:"backup_dir,omitempty"`
	PreviewURL string               `json:"preview_url,omitempty"`
	UseCases   []domain.UseCaseSpec `json:"use_cases,omitempty"`
}

// OK reports whether the run succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// Engine is the generation engine consumed by the task runner.
type Engine interface {
	Create(ctx context.Context, req CreateRequest, sink Sink) (*Result, error)
	Edit(ctx context.Context, req EditRequest, sink Sink) (*Result, error)
	Revert(ctx context.Context, req RevertRequest, sink Sink) (*Result, error)
}
