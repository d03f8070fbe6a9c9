// Package orchestrator drives the project version lifecycle.
//
// Generate, Edit and Revert invoke the generation engine through the task
// runner, stream its progress to subscribers and then commit the outcome in a
// single store transaction. A project is either fully moved to its new state
// or left as it was before the engine ran.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/filipexyz/genflow/internal/domain"
	"github.com/filipexyz/genflow/internal/metrics"
	"github.com/filipexyz/genflow/internal/runner"
	"github.com/filipexyz/genflow/internal/store"
)

const (
	msgGenerateStarted = "Starting project generation"
	msgDirCreated      = "Project directory created"
	msgMetadataSaved   = "Project metadata updated in DB"
	msgVersionSaved    = "Version status updated to Generated"
	msgUseCasesSaved   = "Use cases saved in DB"
	msgGenerateDone    = "Project generation completed, check the project in preview and use cases in the use cases tab"
	msgEditDone        = "Project edit completed, check the project in preview and use cases in the use cases tab"
)

type GenerationResult struct {
	ProjectID  string               `json:"project_id"`
	OutputDir  string               `json:"output_dir"`
	PreviewURL string               `json:"preview_url"`
	UseCases   []domain.UseCaseSpec `json:"use_cases"`
}

type EditResult struct {
	ProjectID     string               `json:"project_id"`
	VersionID     string               `json:"version_id"`
	VersionNumber int                  `json:"version_number"`
	BackupDir     string               `json:"backup_dir"`
	PreviewURL    string               `json:"preview_url"`
	UseCases      []domain.UseCaseSpec `json:"use_cases"`
}

type RevertResult struct {
	ProjectID  string `json:"project_id"`
	VersionID  string `json:"version_id"`
	PreviewURL string `json:"preview_url"`
}

// DefaultLease is how long a project may stay Generating before another
// operation treats the run that claimed it as gone.
const DefaultLease = 30 * time.Minute

// Orchestrator is the public operation surface over projects and versions.
// Every operation is scoped to the caller's owner id.
type Orchestrator struct {
	store    store.Store
	runner   *runner.Runner
	notifier Notifier
	baseDir  string
	lease    time.Duration
	locks    *projectLocks
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLease sets how long a Generating status holds. Zero never expires it.
func WithLease(d time.Duration) Option {
	return func(o *Orchestrator) { o.lease = d }
}

// New creates an Orchestrator. Generated projects are placed under baseDir.
func New(st store.Store, r *runner.Runner, n Notifier, baseDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		runner:   r,
		notifier: n,
		baseDir:  baseDir,
		lease:    DefaultLease,
		locks:    newProjectLocks(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Wait blocks until no operation is in flight in this process or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	return o.locks.wait(ctx)
}

// CreateProject stores a new project together with its first, not yet
// generated, version.
func (o *Orchestrator) CreateProject(ctx context.Context, ownerID, name, description string) (p *domain.Project, err error) {
	defer func() { record("create", err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", domain.ErrInvalidInput)
	}

	p = domain.NewProject(ownerID, name, description)
	v := domain.NewVersion(p.ID, 1, "")
	p.CurrentVersionID = v.ID

	err = o.store.InTx(ctx, func(q store.Queries) error {
		if err := q.CreateProject(ctx, p); err != nil {
			return err
		}
		return q.CreateVersion(ctx, v)
	})
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	slog.Info("project created", "project_id", p.ID, "owner_id", ownerID)
	return p, nil
}

// Generate runs the engine to produce the first output of a project.
func (o *Orchestrator) Generate(ctx context.Context, ownerID, projectID string, msg domain.ChatMessageRequest) (res *GenerationResult, err error) {
	defer func() { record("generate", err) }()
	ctx = context.WithoutCancel(ctx)

	if strings.TrimSpace(msg.Message) == "" {
		return nil, fmt.Errorf("message is required: %w", domain.ErrInvalidInput)
	}
	if !o.locks.tryLock(projectID) {
		return nil, fmt.Errorf("generate project %s: %w", projectID, domain.ErrConflict)
	}
	defer o.locks.unlock(projectID)

	p, err := o.load(ctx, ownerID, projectID)
	if err != nil {
		return nil, err
	}
	if p.CurrentVersionID == "" {
		return nil, fmt.Errorf("project has no current version: %w", domain.ErrInvalidState)
	}
	current, err := o.store.GetVersion(ctx, p.ID, p.CurrentVersionID)
	if err != nil {
		return nil, err
	}
	canGenerate := func() bool { return p.Status.CanGenerate(current.Status) }
	if err := checkStatus(p, "generate", canGenerate); err != nil {
		return nil, err
	}

	if err := o.claim(ctx, ownerID, p); err != nil {
		return nil, err
	}
	if err := o.recordUserMessage(ctx, p.ID, msg); err != nil {
		o.restoreStatus(ctx, ownerID, p.ID, p.Status)
		return nil, err
	}

	sink := o.sink(ctx, p.ID)
	sink.Emit(msgGenerateStarted)
	outputDir := filepath.Join(o.baseDir, p.ID)
	sink.Emit(msgDirCreated)

	out := o.runner.RunCreate(ctx, msg.Message, outputDir, sink)
	if !out.OK() {
		o.restoreStatus(ctx, ownerID, p.ID, p.Status)
		o.emit(ctx, p.ID, "Error during project generation: "+out.Message, domain.KindError)
		return nil, &domain.EngineError{Op: "generate", Message: out.Message}
	}

	if out.OutputDir != "" {
		outputDir = out.OutputDir
	}
	useCases := domain.UseCasesFor(p.CurrentVersionID, out.UseCases)

	err = o.store.InTx(ctx, func(q store.Queries) error {
		if err := q.TransitionProjectStatus(ctx, ownerID, p.ID, domain.ProjectGenerating, domain.ProjectReady); err != nil {
			return err
		}
		meta := domain.ProjectMetadata{CurrentProjectDir: &outputDir}
		if out.PreviewURL != "" {
			meta.CurrentPreviewURL = &out.PreviewURL
		}
		if err := q.UpdateProjectMetadata(ctx, ownerID, p.ID, meta); err != nil {
			return err
		}
		if err := q.UpdateVersionStatus(ctx, p.CurrentVersionID, domain.VersionGenerated); err != nil {
			return err
		}
		return q.CreateUseCases(ctx, useCases)
	})
	if err != nil {
		o.failCommit(ctx, ownerID, p.ID, "generation", domain.ProjectGenerating, err)
		return nil, fmt.Errorf("commit generation: %w", err)
	}

	sink.Emit(msgMetadataSaved)
	sink.Emit(msgVersionSaved)
	sink.Emit(msgUseCasesSaved)
	o.emit(ctx, p.ID, msgGenerateDone, domain.KindSuccess)

	slog.Info("project generated", "project_id", p.ID, "use_cases", len(useCases))
	return &GenerationResult{
		ProjectID:  p.ID,
		OutputDir:  outputDir,
		PreviewURL: out.PreviewURL,
		UseCases:   nonNil(out.UseCases),
	}, nil
}

// Edit runs the engine against a generated project and records the result as
// a new version.
func (o *Orchestrator) Edit(ctx context.Context, ownerID, projectID string, msg domain.ChatMessageRequest) (res *EditResult, err error) {
	defer func() { record("edit", err) }()
	ctx = context.WithoutCancel(ctx)

	if strings.TrimSpace(msg.Message) == "" {
		return nil, fmt.Errorf("message is required: %w", domain.ErrInvalidInput)
	}
	if !o.locks.tryLock(projectID) {
		return nil, fmt.Errorf("edit project %s: %w", projectID, domain.ErrConflict)
	}
	defer o.locks.unlock(projectID)

	p, err := o.load(ctx, ownerID, projectID)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(p, "edit", p.Status.CanEdit); err != nil {
		return nil, err
	}

	if err := o.claim(ctx, ownerID, p); err != nil {
		return nil, err
	}
	if err := o.recordUserMessage(ctx, p.ID, msg); err != nil {
		o.restoreStatus(ctx, ownerID, p.ID, p.Status)
		return nil, err
	}

	sink := o.sink(ctx, p.ID)
	out := o.runner.RunEdit(ctx, o.projectDir(p), msg.Message, sink)
	if !out.OK() {
		o.restoreStatus(ctx, ownerID, p.ID, p.Status)
		o.emit(ctx, p.ID, "Error during project edit: "+out.Message, domain.KindError)
		return nil, &domain.EngineError{Op: "edit", Message: out.Message}
	}

	var v *domain.Version
	err = o.store.InTx(ctx, func(q store.Queries) error {
		n, err := q.CountVersions(ctx, p.ID)
		if err != nil {
			return err
		}
		v = domain.NewVersion(p.ID, n+1, out.BackupDir)
		v.Status = domain.VersionGenerated
		if err := q.CreateVersion(ctx, v); err != nil {
			return err
		}
		meta := domain.ProjectMetadata{CurrentVersionID: &v.ID}
		if out.PreviewURL != "" {
			meta.CurrentPreviewURL = &out.PreviewURL
		}
		if err := q.UpdateProjectMetadata(ctx, ownerID, p.ID, meta); err != nil {
			return err
		}
		if err := q.TransitionProjectStatus(ctx, ownerID, p.ID, domain.ProjectGenerating, domain.ProjectReady); err != nil {
			return err
		}
		return q.CreateUseCases(ctx, domain.UseCasesFor(v.ID, out.UseCases))
	})
	if err != nil {
		o.failCommit(ctx, ownerID, p.ID, "edit", domain.ProjectGenerating, err)
		return nil, fmt.Errorf("commit edit: %w", err)
	}

	sink.Emit(msgVersionSaved)
	sink.Emit(msgMetadataSaved)
	sink.Emit(msgUseCasesSaved)
	o.emit(ctx, p.ID, msgEditDone, domain.KindSuccess)

	slog.Info("project edited", "project_id", p.ID, "version", v.VersionNumber)
	return &EditResult{
		ProjectID:     p.ID,
		VersionID:     v.ID,
		VersionNumber: v.VersionNumber,
		BackupDir:     v.BackupDir,
		PreviewURL:    out.PreviewURL,
		UseCases:      nonNil(out.UseCases),
	}, nil
}

// Revert restores the project output from versionID's backup and makes it
// the current version.
func (o *Orchestrator) Revert(ctx context.Context, ownerID, projectID, versionID string) (res *RevertResult, err error) {
	defer func() { record("revert", err) }()
	ctx = context.WithoutCancel(ctx)

	if !o.locks.tryLock(projectID) {
		return nil, fmt.Errorf("revert project %s: %w", projectID, domain.ErrConflict)
	}
	defer o.locks.unlock(projectID)

	p, err := o.load(ctx, ownerID, projectID)
	if err != nil {
		return nil, err
	}
	v, err := o.store.GetVersion(ctx, p.ID, versionID)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(p, "revert", p.Status.CanRevert); err != nil {
		return nil, err
	}

	sink := o.sink(ctx, p.ID)
	out := o.runner.RunRevert(ctx, o.projectDir(p), v.BackupDir, sink)
	if !out.OK() {
		o.emit(ctx, p.ID, "Error during project revert: "+out.Message, domain.KindError)
		return nil, &domain.EngineError{Op: "revert", Message: out.Message}
	}

	err = o.store.InTx(ctx, func(q store.Queries) error {
		if err := q.TransitionProjectStatus(ctx, ownerID, p.ID, p.Status, domain.ProjectReady); err != nil {
			return err
		}
		meta := domain.ProjectMetadata{CurrentVersionID: &v.ID}
		if out.PreviewURL != "" {
			meta.CurrentPreviewURL = &out.PreviewURL
		}
		return q.UpdateProjectMetadata(ctx, ownerID, p.ID, meta)
	})
	if err != nil {
		o.failCommit(ctx, ownerID, p.ID, "revert", p.Status, err)
		return nil, fmt.Errorf("commit revert: %w", err)
	}

	o.emit(ctx, p.ID, fmt.Sprintf("Project reverted to version %d", v.VersionNumber), domain.KindSuccess)

	slog.Info("project reverted", "project_id", p.ID, "version", v.VersionNumber)
	return &RevertResult{
		ProjectID:  p.ID,
		VersionID:  v.ID,
		PreviewURL: out.PreviewURL,
	}, nil
}

// DeleteProject removes a project with its versions, use cases and chat
// history. Files on disk are left in place.
func (o *Orchestrator) DeleteProject(ctx context.Context, ownerID, projectID string) (err error) {
	defer func() { record("delete", err) }()

	if !o.locks.tryLock(projectID) {
		return fmt.Errorf("delete project %s: %w", projectID, domain.ErrConflict)
	}
	defer o.locks.unlock(projectID)

	p, err := o.load(ctx, ownerID, projectID)
	if err != nil {
		return err
	}
	if p.Status == domain.ProjectGenerating {
		return fmt.Errorf("delete project %s while generating: %w", projectID, domain.ErrConflict)
	}
	if err := o.store.DeleteProject(ctx, ownerID, projectID); err != nil {
		return err
	}

	slog.Info("project deleted", "project_id", projectID, "project_dir", p.CurrentProjectDir)
	return nil
}

func (o *Orchestrator) ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	return o.store.ListProjects(ctx, ownerID)
}

func (o *Orchestrator) GetProject(ctx context.Context, ownerID, projectID string) (*domain.Project, error) {
	return o.store.GetProject(ctx, ownerID, projectID)
}

func (o *Orchestrator) ListVersions(ctx context.Context, ownerID, projectID string) ([]domain.Version, error) {
	if _, err := o.store.GetProject(ctx, ownerID, projectID); err != nil {
		return nil, err
	}
	return o.store.ListVersions(ctx, projectID)
}

func (o *Orchestrator) ListUseCases(ctx context.Context, ownerID, projectID, versionID string) ([]domain.UseCase, error) {
	if _, err := o.store.GetProject(ctx, ownerID, projectID); err != nil {
		return nil, err
	}
	if _, err := o.store.GetVersion(ctx, projectID, versionID); err != nil {
		return nil, err
	}
	return o.store.ListUseCases(ctx, versionID)
}

func (o *Orchestrator) ListChatEvents(ctx context.Context, ownerID, projectID string) ([]domain.ChatEvent, error) {
	if _, err := o.store.GetProject(ctx, ownerID, projectID); err != nil {
		return nil, err
	}
	return o.store.ListChatEvents(ctx, projectID)
}

// Authorize reports whether ownerID may watch projectID's live events.
func (o *Orchestrator) Authorize(ctx context.Context, ownerID, projectID string) error {
	_, err := o.store.GetProject(ctx, ownerID, projectID)
	return err
}

func (o *Orchestrator) recordUserMessage(ctx context.Context, projectID string, msg domain.ChatMessageRequest) error {
	e := domain.NewChatEvent(projectID, domain.SenderUser, msg.Message, domain.KindNormal)
	if err := o.store.AppendChatEvent(ctx, e); err != nil {
		return fmt.Errorf("record chat message: %w", err)
	}
	return nil
}

func (o *Orchestrator) projectDir(p *domain.Project) string {
	if p.CurrentProjectDir != "" {
		return p.CurrentProjectDir
	}
	return filepath.Join(o.baseDir, p.ID)
}

// load fetches a project for an operation that holds its lock. A project
// still Generating past its lease belongs to a run that is gone, so stale
// projects are recovered to their previous status first.
func (o *Orchestrator) load(ctx context.Context, ownerID, projectID string) (*domain.Project, error) {
	p, err := o.store.GetProject(ctx, ownerID, projectID)
	if err != nil || p.Status != domain.ProjectGenerating || o.lease <= 0 {
		return p, err
	}

	n, err := o.store.RecoverStaleProjects(ctx, o.lease)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return p, nil
	}
	slog.Warn("recovered stale generating projects", "count", n, "project_id", projectID, "lease", o.lease)
	return o.store.GetProject(ctx, ownerID, projectID)
}

// claim marks the project Generating if no other instance has changed its
// status since it was read.
func (o *Orchestrator) claim(ctx context.Context, ownerID string, p *domain.Project) error {
	if err := o.store.TransitionProjectStatus(ctx, ownerID, p.ID, p.Status, domain.ProjectGenerating); err != nil {
		return fmt.Errorf("mark project generating: %w", err)
	}
	return nil
}

func (o *Orchestrator) restoreStatus(ctx context.Context, ownerID, projectID string, status domain.ProjectStatus) {
	if err := o.store.TransitionProjectStatus(ctx, ownerID, projectID, domain.ProjectGenerating, status); err != nil {
		slog.Error("failed to restore project status", "error", err, "project_id", projectID, "status", status)
	}
}

// failCommit marks the project as errored after a rolled back commit and
// tells subscribers.
func (o *Orchestrator) failCommit(ctx context.Context, ownerID, projectID, op string, from domain.ProjectStatus, cause error) {
	slog.Error("commit failed", "error", cause, "project_id", projectID, "op", op)
	if err := o.store.TransitionProjectStatus(ctx, ownerID, projectID, from, domain.ProjectError); err != nil {
		slog.Error("failed to mark project errored", "error", err, "project_id", projectID)
	}
	o.emit(ctx, projectID, fmt.Sprintf("Error during project %s: %v", op, cause), domain.KindError)
}

func checkStatus(p *domain.Project, op string, allowed func() bool) error {
	if p.Status == domain.ProjectGenerating {
		return fmt.Errorf("%s project %s: %w", op, p.ID, domain.ErrConflict)
	}
	if !allowed() {
		return fmt.Errorf("%s project in status %s: %w", op, p.Status, domain.ErrInvalidState)
	}
	return nil
}

func nonNil(specs []domain.UseCaseSpec) []domain.UseCaseSpec {
	if specs == nil {
		return []domain.UseCaseSpec{}
	}
	return specs
}

func record(op string, err error) {
	metrics.RecordOperation(op, outcome(err))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrEngineFailure):
		return "engine_error"
	default:
		return "store_error"
	}
}
