package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/filipexyz/genflow/internal/domain"
	"github.com/filipexyz/genflow/internal/engine"
	"github.com/filipexyz/genflow/internal/runner"
	"github.com/filipexyz/genflow/internal/store"
)

const owner = "user_a"

// fakeEngine emits progress lines and delegates results to per-operation hooks.
type fakeEngine struct {
	progress []string
	create   func(ctx context.Context, req engine.CreateRequest) (*engine.Result, error)
	edit     func(ctx context.Context, req engine.EditRequest) (*engine.Result, error)
	revert   func(ctx context.Context, req engine.RevertRequest) (*engine.Result, error)
}

func (f *fakeEngine) emit(sink engine.Sink) {
	for _, line := range f.progress {
		sink.Emit(line)
	}
}

func (f *fakeEngine) Create(ctx context.Context, req engine.CreateRequest, sink engine.Sink) (*engine.Result, error) {
	f.emit(sink)
	if f.create != nil {
		return f.create(ctx, req)
	}
	return &engine.Result{Status: engine.StatusSuccess, OutputDir: req.OutputDir, PreviewURL: "http://preview/1"}, nil
}

func (f *fakeEngine) Edit(ctx context.Context, req engine.EditRequest, sink engine.Sink) (*engine.Result, error) {
	f.emit(sink)
	if f.edit != nil {
		return f.edit(ctx, req)
	}
	return &engine.Result{Status: engine.StatusSuccess, BackupDir: req.ProjectDir + "_backup", PreviewURL: "http://preview/2"}, nil
}

func (f *fakeEngine) Revert(ctx context.Context, req engine.RevertRequest, sink engine.Sink) (*engine.Result, error) {
	f.emit(sink)
	if f.revert != nil {
		return f.revert(ctx, req)
	}
	return &engine.Result{Status: engine.StatusSuccess, PreviewURL: "http://preview/r"}, nil
}

func engineError(msg string) *engine.Result {
	return &engine.Result{Status: engine.StatusError, Message: msg}
}

type broadcast struct {
	projectID string
	event     domain.Notification
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []broadcast
}

func (n *recordingNotifier) Broadcast(projectID string, event any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, broadcast{projectID: projectID, event: event.(domain.Notification)})
}

func (n *recordingNotifier) events(projectID string) []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Notification
	for _, b := range n.sent {
		if b.projectID == projectID {
			out = append(out, b.event)
		}
	}
	return out
}

// faultyStore injects failures into an otherwise working store.
type faultyStore struct {
	store.Store
	failUseCases     bool
	failSystemEvents bool
}

func (f *faultyStore) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	return f.Store.InTx(ctx, func(q store.Queries) error {
		return fn(&faultyQueries{Queries: q, failUseCases: f.failUseCases})
	})
}

func (f *faultyStore) AppendChatEvent(ctx context.Context, e *domain.ChatEvent) error {
	if f.failSystemEvents && e.Sender == domain.SenderSystem {
		return &domain.StoreError{Op: "append chat event", Err: errors.New("disk full")}
	}
	return f.Store.AppendChatEvent(ctx, e)
}

type faultyQueries struct {
	store.Queries
	failUseCases bool
}

func (q *faultyQueries) CreateUseCases(ctx context.Context, useCases []domain.UseCase) error {
	if q.failUseCases {
		return &domain.StoreError{Op: "create use cases", Err: errors.New("connection reset")}
	}
	return q.Queries.CreateUseCases(ctx, useCases)
}

type fixture struct {
	orch     *Orchestrator
	store    *store.Memory
	engine   *fakeEngine
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		engine:   &fakeEngine{},
		notifier: &recordingNotifier{},
	}
	f.orch = New(f.store, runner.New(f.engine, 0), f.notifier, "/srv/projects")
	return f
}

func (f *fixture) withStore(s store.Store) {
	f.orch = New(s, f.orch.runner, f.notifier, f.orch.baseDir)
}

func (f *fixture) createProject(t *testing.T) *domain.Project {
	t.Helper()
	p, err := f.orch.CreateProject(context.Background(), owner, "Todo App", "a todo list")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func (f *fixture) generate(t *testing.T, projectID string) {
	t.Helper()
	if _, err := f.orch.Generate(context.Background(), owner, projectID, domain.ChatMessageRequest{Message: "build a todo app"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func (f *fixture) project(t *testing.T, id string) *domain.Project {
	t.Helper()
	p, err := f.store.GetProject(context.Background(), owner, id)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	return p
}

func (f *fixture) versions(t *testing.T, id string) []domain.Version {
	t.Helper()
	vs, err := f.store.ListVersions(context.Background(), id)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	return vs
}

func lastKind(events []domain.Notification) domain.EventKind {
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].Type
}

func TestCreateProject(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)

	if p.Status != domain.ProjectCreated {
		t.Errorf("status = %s, want Created", p.Status)
	}
	vs := f.versions(t, p.ID)
	if len(vs) != 1 || vs[0].VersionNumber != 1 || vs[0].Status != domain.VersionNotGenerated || vs[0].BackupDir != "" {
		t.Fatalf("unexpected versions %+v", vs)
	}
	if got := f.project(t, p.ID); got.CurrentVersionID != vs[0].ID {
		t.Errorf("current version = %q, want %q", got.CurrentVersionID, vs[0].ID)
	}

	if _, err := f.orch.CreateProject(context.Background(), owner, "  ", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for blank name, got %v", err)
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.engine.progress = []string{"Generating code...", "Building Docker container..."}
	f.engine.create = func(ctx context.Context, req engine.CreateRequest) (*engine.Result, error) {
		return &engine.Result{
			Status:     engine.StatusSuccess,
			OutputDir:  req.OutputDir,
			PreviewURL: "http://localhost:3000/todo",
			UseCases:   []domain.UseCaseSpec{{Name: "Add item", Description: "adds a todo"}},
		}, nil
	}
	p := f.createProject(t)
	ctx := context.Background()

	res, err := f.orch.Generate(ctx, owner, p.ID, domain.ChatMessageRequest{Message: "build a todo app"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.OutputDir != "/srv/projects/"+p.ID || len(res.UseCases) != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	got := f.project(t, p.ID)
	if got.Status != domain.ProjectReady {
		t.Errorf("status = %s, want Ready", got.Status)
	}
	if got.CurrentProjectDir != res.OutputDir || got.CurrentPreviewURL != "http://localhost:3000/todo" {
		t.Errorf("metadata not saved: %+v", got)
	}

	vs := f.versions(t, p.ID)
	if vs[0].Status != domain.VersionGenerated {
		t.Errorf("version status = %s, want generated", vs[0].Status)
	}
	useCases, _ := f.store.ListUseCases(ctx, vs[0].ID)
	if len(useCases) != 1 || useCases[0].Title != "Add item" {
		t.Errorf("unexpected use cases %+v", useCases)
	}

	events, _ := f.store.ListChatEvents(ctx, p.ID)
	if events[0].Sender != domain.SenderUser || events[0].Kind != domain.KindNormal {
		t.Errorf("first event should be the user message, got %+v", events[0])
	}
	if last := events[len(events)-1]; last.Kind != domain.KindSuccess {
		t.Errorf("last event kind = %s, want success", last.Kind)
	}

	// Persisted system events and broadcasts are the same sequence.
	sent := f.notifier.events(p.ID)
	system := events[1:]
	if len(system) != len(sent) {
		t.Fatalf("persisted %d system events, broadcast %d", len(system), len(sent))
	}
	for i := range sent {
		if sent[i].Message != system[i].Message || sent[i].Type != system[i].Kind {
			t.Fatalf("event %d: broadcast %+v, persisted %+v", i, sent[i], system[i])
		}
	}
	want := []string{msgGenerateStarted, msgDirCreated, "Generating code...", "Building Docker container..."}
	for i, msg := range want {
		if sent[i].Message != msg {
			t.Errorf("progress %d = %q, want %q", i, sent[i].Message, msg)
		}
	}
	if lastKind(sent) != domain.KindSuccess {
		t.Errorf("last broadcast kind = %s, want success", lastKind(sent))
	}
}

func TestGenerateEngineFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.engine.create = func(context.Context, engine.CreateRequest) (*engine.Result, error) {
		return engineError("docker build failed"), nil
	}
	p := f.createProject(t)

	_, err := f.orch.Generate(context.Background(), owner, p.ID, domain.ChatMessageRequest{Message: "go"})
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) || engErr.Message != "docker build failed" {
		t.Fatalf("expected EngineError with engine message, got %v", err)
	}
	if !errors.Is(err, domain.ErrEngineFailure) {
		t.Error("error should match ErrEngineFailure")
	}

	got := f.project(t, p.ID)
	if got.Status != domain.ProjectCreated || got.CurrentProjectDir != "" {
		t.Errorf("project changed after engine failure: %+v", got)
	}
	vs := f.versions(t, p.ID)
	if len(vs) != 1 || vs[0].Status != domain.VersionNotGenerated {
		t.Errorf("versions changed after engine failure: %+v", vs)
	}
	if useCases, _ := f.store.ListUseCases(context.Background(), vs[0].ID); len(useCases) != 0 {
		t.Errorf("use cases persisted after engine failure: %d", len(useCases))
	}
	if lastKind(f.notifier.events(p.ID)) != domain.KindError {
		t.Error("expected terminal error broadcast")
	}
}

func TestGenerateRequiresGeneratableStatus(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	f.generate(t, p.ID)

	_, err := f.orch.Generate(context.Background(), owner, p.ID, domain.ChatMessageRequest{Message: "again"})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState from Ready, got %v", err)
	}

	if _, err := f.orch.Generate(context.Background(), owner, p.ID, domain.ChatMessageRequest{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty message, got %v", err)
	}
}

func TestEditCreatesContiguousVersions(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	f.generate(t, p.ID)
	ctx := context.Background()

	for want := 2; want <= 3; want++ {
		res, err := f.orch.Edit(ctx, owner, p.ID, domain.ChatMessageRequest{Message: fmt.Sprintf("change %d", want)})
		if err != nil {
			t.Fatalf("Edit: %v", err)
		}
		if res.VersionNumber != want {
			t.Errorf("version number = %d, want %d", res.VersionNumber, want)
		}
		if res.BackupDir != "/srv/projects/"+p.ID+"_backup" {
			t.Errorf("backup dir = %q", res.BackupDir)
		}

		got := f.project(t, p.ID)
		if got.CurrentVersionID != res.VersionID || got.Status != domain.ProjectReady {
			t.Errorf("project not updated: %+v", got)
		}
	}

	vs := f.versions(t, p.ID)
	for i, v := range vs {
		if v.VersionNumber != i+1 {
			t.Fatalf("version numbers not contiguous: %+v", vs)
		}
		if v.Status != domain.VersionGenerated {
			t.Errorf("version %d status = %s", v.VersionNumber, v.Status)
		}
	}
	if lastKind(f.notifier.events(p.ID)) != domain.KindSuccess {
		t.Error("expected terminal success broadcast")
	}
}

func TestEditRequiresReady(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)

	_, err := f.orch.Edit(context.Background(), owner, p.ID, domain.ChatMessageRequest{Message: "x"})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState from Created, got %v", err)
	}
}

func TestEditEngineFailureCreatesNoVersion(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	f.generate(t, p.ID)
	before := f.project(t, p.ID)

	f.engine.edit = func(context.Context, engine.EditRequest) (*engine.Result, error) {
		return nil, errors.New("engine crashed")
	}
	_, err := f.orch.Edit(context.Background(), owner, p.ID, domain.ChatMessageRequest{Message: "break it"})
	if !errors.Is(err, domain.ErrEngineFailure) {
		t.Fatalf("expected ErrEngineFailure, got %v", err)
	}

	after := f.project(t, p.ID)
	if after.Status != domain.ProjectReady || after.CurrentVersionID != before.CurrentVersionID {
		t.Errorf("project changed: before %+v after %+v", before, after)
	}
	if n := len(f.versions(t, p.ID)); n != 1 {
		t.Errorf("expected 1 version, got %d", n)
	}
}

func TestRevert(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	f.generate(t, p.ID)
	ctx := context.Background()

	if _, err := f.orch.Edit(ctx, owner, p.ID, domain.ChatMessageRequest{Message: "dark mode"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	v1 := f.versions(t, p.ID)[0]

	var gotBackup string
	f.engine.revert = func(_ context.Context, req engine.RevertRequest) (*engine.Result, error) {
		gotBackup = req.BackupDir
		return &engine.Result{Status: engine.StatusSuccess, PreviewURL: "http://preview/v1"}, nil
	}

	res, err := f.orch.Revert(ctx, owner, p.ID, v1.ID)
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if res.VersionID != v1.ID || gotBackup != v1.BackupDir {
		t.Errorf("unexpected revert %+v (backup %q)", res, gotBackup)
	}

	got := f.project(t, p.ID)
	if got.CurrentVersionID != v1.ID || got.Status != domain.ProjectReady || got.CurrentPreviewURL != "http://preview/v1" {
		t.Errorf("project not reverted: %+v", got)
	}
	for _, v := range f.versions(t, p.ID) {
		if v.Status != domain.VersionGenerated {
			t.Errorf("revert changed version %d status to %s", v.VersionNumber, v.Status)
		}
	}
	if lastKind(f.notifier.events(p.ID)) != domain.KindSuccess {
		t.Error("expected terminal success broadcast")
	}
}

func TestRevertNotFound(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	f.generate(t, p.ID)
	other := f.createProject(t)
	otherVersion := f.versions(t, other.ID)[0]
	ctx := context.Background()

	tests := []struct {
		name      string
		projectID string
		versionID string
	}{
		{"unknown project", "missing", otherVersion.ID},
		{"unknown version", p.ID, "missing"},
		{"version of another project", p.ID, otherVersion.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.orch.Revert(ctx, owner, tt.projectID, tt.versionID); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRevertEngineFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	f.generate(t, p.ID)
	ctx := context.Background()
	if _, err := f.orch.Edit(ctx, owner, p.ID, domain.ChatMessageRequest{Message: "more"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	before := f.project(t, p.ID)

	f.engine.revert = func(context.Context, engine.RevertRequest) (*engine.Result, error) {
		return engineError("backup missing"), nil
	}
	_, err := f.orch.Revert(ctx, owner, p.ID, f.versions(t, p.ID)[0].ID)
	if !errors.Is(err, domain.ErrEngineFailure) {
		t.Fatalf("expected ErrEngineFailure, got %v", err)
	}

	after := f.project(t, p.ID)
	if after.CurrentVersionID != before.CurrentVersionID || after.Status != before.Status {
		t.Errorf("project changed: before %+v after %+v", before, after)
	}
}

func TestCommitFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	f.withStore(&faultyStore{Store: f.store, failUseCases: true})
	f.engine.create = func(_ context.Context, req engine.CreateRequest) (*engine.Result, error) {
		return &engine.Result{
			Status:     engine.StatusSuccess,
			OutputDir:  req.OutputDir,
			PreviewURL: "http://preview/x",
			UseCases:   []domain.UseCaseSpec{{Name: "Login"}},
		}, nil
	}

	_, err := f.orch.Generate(context.Background(), owner, p.ID, domain.ChatMessageRequest{Message: "go"})
	if !errors.Is(err, domain.ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure, got %v", err)
	}

	got := f.project(t, p.ID)
	if got.Status != domain.ProjectError {
		t.Errorf("status = %s, want Error", got.Status)
	}
	if got.CurrentProjectDir != "" || got.CurrentPreviewURL != "" {
		t.Errorf("metadata survived rollback: %+v", got)
	}
	if v := f.versions(t, p.ID)[0]; v.Status != domain.VersionNotGenerated {
		t.Errorf("version status survived rollback: %s", v.Status)
	}
	if lastKind(f.notifier.events(p.ID)) != domain.KindError {
		t.Error("expected terminal error broadcast")
	}

	// Error is a generatable state again.
	f.withStore(f.store)
	f.generate(t, p.ID)
	if got := f.project(t, p.ID); got.Status != domain.ProjectReady {
		t.Errorf("status after retry = %s, want Ready", got.Status)
	}
}

func TestEditCommitFailureKeepsVersionCount(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	f.generate(t, p.ID)
	f.withStore(&faultyStore{Store: f.store, failUseCases: true})

	_, err := f.orch.Edit(context.Background(), owner, p.ID, domain.ChatMessageRequest{Message: "x"})
	if !errors.Is(err, domain.ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure, got %v", err)
	}
	if n := len(f.versions(t, p.ID)); n != 1 {
		t.Errorf("expected version creation to roll back, have %d versions", n)
	}
}

func TestChatPersistenceFailureDoesNotStopOperation(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	f.withStore(&faultyStore{Store: f.store, failSystemEvents: true})

	if _, err := f.orch.Generate(context.Background(), owner, p.ID, domain.ChatMessageRequest{Message: "go"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := f.project(t, p.ID); got.Status != domain.ProjectReady {
		t.Errorf("status = %s, want Ready", got.Status)
	}
	if lastKind(f.notifier.events(p.ID)) != domain.KindSuccess {
		t.Error("broadcasts should continue when persistence fails")
	}
}

func TestConcurrentOperationConflict(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)

	started := make(chan struct{})
	release := make(chan struct{})
	f.engine.create = func(_ context.Context, req engine.CreateRequest) (*engine.Result, error) {
		close(started)
		<-release
		return &engine.Result{Status: engine.StatusSuccess, OutputDir: req.OutputDir}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Generate(context.Background(), owner, p.ID, domain.ChatMessageRequest{Message: "first"})
		done <- err
	}()
	<-started

	ctx := context.Background()
	if _, err := f.orch.Generate(ctx, owner, p.ID, domain.ChatMessageRequest{Message: "second"}); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("concurrent generate: expected ErrConflict, got %v", err)
	}
	if err := f.orch.DeleteProject(ctx, owner, p.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("concurrent delete: expected ErrConflict, got %v", err)
	}
	if got := f.project(t, p.ID); got.Status != domain.ProjectGenerating {
		t.Errorf("in-flight status = %s, want Generating", got.Status)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if got := f.project(t, p.ID); got.Status != domain.ProjectReady {
		t.Errorf("status = %s, want Ready", got.Status)
	}
}

func TestCallerCancellationDoesNotAbortOperation(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.engine.create = func(ctx context.Context, req engine.CreateRequest) (*engine.Result, error) {
		cancel()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		return &engine.Result{Status: engine.StatusSuccess, OutputDir: req.OutputDir}, nil
	}

	if _, err := f.orch.Generate(ctx, owner, p.ID, domain.ChatMessageRequest{Message: "go"}); err != nil {
		t.Fatalf("Generate after caller cancel: %v", err)
	}
	if got := f.project(t, p.ID); got.Status != domain.ProjectReady {
		t.Errorf("status = %s, want Ready", got.Status)
	}
}

func TestOwnerIsolation(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	v := f.versions(t, p.ID)[0]
	ctx := context.Background()
	const stranger = "user_b"
	msg := domain.ChatMessageRequest{Message: "hi"}

	checks := map[string]error{}
	_, checks["get"] = f.orch.GetProject(ctx, stranger, p.ID)
	_, checks["generate"] = f.orch.Generate(ctx, stranger, p.ID, msg)
	_, checks["edit"] = f.orch.Edit(ctx, stranger, p.ID, msg)
	_, checks["revert"] = f.orch.Revert(ctx, stranger, p.ID, v.ID)
	_, checks["versions"] = f.orch.ListVersions(ctx, stranger, p.ID)
	_, checks["use cases"] = f.orch.ListUseCases(ctx, stranger, p.ID, v.ID)
	_, checks["messages"] = f.orch.ListChatEvents(ctx, stranger, p.ID)
	checks["delete"] = f.orch.DeleteProject(ctx, stranger, p.ID)
	checks["authorize"] = f.orch.Authorize(ctx, stranger, p.ID)

	for name, err := range checks {
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", name, err)
		}
	}

	list, err := f.orch.ListProjects(ctx, stranger)
	if err != nil || len(list) != 0 {
		t.Errorf("stranger sees %d projects (err %v)", len(list), err)
	}
	if len(f.notifier.events(p.ID)) != 0 {
		t.Error("rejected operations must not broadcast")
	}
}

func TestDeleteProject(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	f.generate(t, p.ID)
	ctx := context.Background()

	if err := f.orch.DeleteProject(ctx, owner, p.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := f.orch.GetProject(ctx, owner, p.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if n, _ := f.store.CountVersions(ctx, p.ID); n != 0 {
		t.Errorf("versions survived delete: %d", n)
	}
	if err := f.orch.DeleteProject(ctx, owner, p.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func (f *fixture) forceStatus(t *testing.T, id string, from, to domain.ProjectStatus) {
	t.Helper()
	if err := f.store.TransitionProjectStatus(context.Background(), owner, id, from, to); err != nil {
		t.Fatalf("TransitionProjectStatus: %v", err)
	}
}

func TestStaleGeneratingProjectIsRecovered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := domain.ChatMessageRequest{Message: "build it"}

	p := f.createProject(t)
	f.forceStatus(t, p.ID, domain.ProjectCreated, domain.ProjectGenerating)

	// Inside the lease the run is assumed alive elsewhere.
	if _, err := f.orch.Generate(ctx, owner, p.ID, msg); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("generate within lease: expected ErrConflict, got %v", err)
	}
	if err := f.orch.DeleteProject(ctx, owner, p.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("delete within lease: expected ErrConflict, got %v", err)
	}

	f.orch = New(f.store, f.orch.runner, f.notifier, f.orch.baseDir, WithLease(time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	if _, err := f.orch.Generate(ctx, owner, p.ID, msg); err != nil {
		t.Fatalf("generate after lease: %v", err)
	}
	if got := f.project(t, p.ID); got.Status != domain.ProjectReady {
		t.Errorf("status = %s, want Ready", got.Status)
	}

	other := f.createProject(t)
	f.forceStatus(t, other.ID, domain.ProjectCreated, domain.ProjectGenerating)
	time.Sleep(5 * time.Millisecond)
	if err := f.orch.DeleteProject(ctx, owner, other.ID); err != nil {
		t.Fatalf("delete after lease: %v", err)
	}
}

func TestLeaseDisabledNeverRecovers(t *testing.T) {
	f := newFixture(t)
	f.orch = New(f.store, f.orch.runner, f.notifier, f.orch.baseDir, WithLease(0))
	p := f.createProject(t)
	f.forceStatus(t, p.ID, domain.ProjectCreated, domain.ProjectGenerating)
	time.Sleep(time.Millisecond)

	if err := f.orch.DeleteProject(context.Background(), owner, p.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGenerateAfterFailedEditCommit(t *testing.T) {
	f := newFixture(t)
	f.engine.create = func(_ context.Context, req engine.CreateRequest) (*engine.Result, error) {
		return &engine.Result{
			Status:    engine.StatusSuccess,
			OutputDir: req.OutputDir,
			UseCases:  []domain.UseCaseSpec{{Name: "Login"}},
		}, nil
	}
	p := f.createProject(t)
	f.generate(t, p.ID)
	ctx := context.Background()

	f.withStore(&faultyStore{Store: f.store, failUseCases: true})
	if _, err := f.orch.Edit(ctx, owner, p.ID, domain.ChatMessageRequest{Message: "x"}); !errors.Is(err, domain.ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure, got %v", err)
	}
	f.withStore(f.store)
	if got := f.project(t, p.ID); got.Status != domain.ProjectError {
		t.Fatalf("status = %s, want Error", got.Status)
	}

	_, err := f.orch.Generate(ctx, owner, p.ID, domain.ChatMessageRequest{Message: "again"})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for a generated version, got %v", err)
	}
	v1 := f.versions(t, p.ID)[0]
	if useCases, _ := f.store.ListUseCases(ctx, v1.ID); len(useCases) != 1 {
		t.Errorf("version 1 has %d use cases, want 1", len(useCases))
	}

	if _, err := f.orch.Revert(ctx, owner, p.ID, v1.ID); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if got := f.project(t, p.ID); got.Status != domain.ProjectReady {
		t.Errorf("status after revert = %s, want Ready", got.Status)
	}
}

// snapshotStore serves GetProject from a copy read before another instance
// changed the project.
type snapshotStore struct {
	store.Store
	snapshot domain.Project
}

func (s *snapshotStore) GetProject(context.Context, string, string) (*domain.Project, error) {
	p := s.snapshot
	return &p, nil
}

func TestClaimIsAtomicAcrossInstances(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	f.generate(t, p.ID)
	ctx := context.Background()
	snapshot := *f.project(t, p.ID)

	started := make(chan struct{})
	release := make(chan struct{})
	f.engine.edit = func(_ context.Context, req engine.EditRequest) (*engine.Result, error) {
		close(started)
		<-release
		return &engine.Result{Status: engine.StatusSuccess, BackupDir: req.ProjectDir + "_b"}, nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Edit(ctx, owner, p.ID, domain.ChatMessageRequest{Message: "first"})
		done <- err
	}()
	<-started

	var otherRuns int
	other := &fakeEngine{edit: func(context.Context, engine.EditRequest) (*engine.Result, error) {
		otherRuns++
		return &engine.Result{Status: engine.StatusSuccess}, nil
	}}
	second := New(&snapshotStore{Store: f.store, snapshot: snapshot}, runner.New(other, 0), f.notifier, "/srv/projects")

	if _, err := second.Edit(ctx, owner, p.ID, domain.ChatMessageRequest{Message: "second"}); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict from the second instance, got %v", err)
	}
	if otherRuns != 0 {
		t.Errorf("second instance ran its engine %d times", otherRuns)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first edit: %v", err)
	}
	if n := len(f.versions(t, p.ID)); n != 2 {
		t.Errorf("expected 2 versions, got %d", n)
	}
}

func TestWaitForRunningOperations(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)

	started := make(chan struct{})
	release := make(chan struct{})
	f.engine.create = func(_ context.Context, req engine.CreateRequest) (*engine.Result, error) {
		close(started)
		<-release
		return &engine.Result{Status: engine.StatusSuccess, OutputDir: req.OutputDir}, nil
	}
	go f.orch.Generate(context.Background(), owner, p.ID, domain.ChatMessageRequest{Message: "go"})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.orch.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded while running, got %v", err)
	}

	close(release)
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.Wait(ctx); err != nil {
		t.Fatalf("Wait after completion: %v", err)
	}
	if got := f.project(t, p.ID); got.Status != domain.ProjectReady {
		t.Errorf("status = %s, want Ready", got.Status)
	}
}
