package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/filipexyz/genflow/internal/domain"
)

// Memory is an in-process Store. Transactions run against a copy of the state
// that replaces the live state only when the transaction succeeds.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	projects map[string]domain.Project
	versions map[string]domain.Version
	useCases map[string][]domain.UseCase
	events   map[string][]domain.ChatEvent
	audit    []domain.AuditEntry
	seq      int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

func newMemState() *memState {
	return &memState{
		projects: make(map[string]domain.Project),
		versions: make(map[string]domain.Version),
		useCases: make(map[string][]domain.UseCase),
		events:   make(map[string][]domain.ChatEvent),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		projects: make(map[string]domain.Project, len(s.projects)),
		versions: make(map[string]domain.Version, len(s.versions)),
		useCases: make(map[string][]domain.UseCase, len(s.useCases)),
		events:   make(map[string][]domain.ChatEvent, len(s.events)),
		audit:    slices.Clone(s.audit),
		seq:      s.seq,
	}
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.versions {
		c.versions[k] = v
	}
	for k, v := range s.useCases {
		c.useCases[k] = slices.Clone(v)
	}
	for k, v := range s.events {
		c.events[k] = slices.Clone(v)
	}
	return c
}

// InTx runs fn against a snapshot and publishes it if fn succeeds.
// Memory transactions are serialized.
func (m *Memory) InTx(ctx context.Context, fn func(q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memQueries{state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

// AuditEntries returns a copy of the recorded audit log.
func (m *Memory) AuditEntries() []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.audit)
}

func (m *Memory) run(fn func(q *memQueries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memQueries{state: m.state})
}

func (m *Memory) CreateProject(ctx context.Context, p *domain.Project) error {
	return m.run(func(q *memQueries) error { return q.CreateProject(ctx, p) })
}

func (m *Memory) GetProject(ctx context.Context, ownerID, projectID string) (p *domain.Project, err error) {
	err = m.run(func(q *memQueries) error {
		p, err = q.GetProject(ctx, ownerID, projectID)
		return err
	})
	return p, err
}

func (m *Memory) ListProjects(ctx context.Context, ownerID string) (out []domain.Project, err error) {
	err = m.run(func(q *memQueries) error {
		out, err = q.ListProjects(ctx, ownerID)
		return err
	})
	return out, err
}

func (m *Memory) UpdateProjectStatus(ctx context.Context, ownerID, projectID string, status domain.ProjectStatus) error {
	return m.run(func(q *memQueries) error { return q.UpdateProjectStatus(ctx, ownerID, projectID, status) })
}

func (m *Memory) TransitionProjectStatus(ctx context.Context, ownerID, projectID string, from, to domain.ProjectStatus) error {
	return m.run(func(q *memQueries) error { return q.TransitionProjectStatus(ctx, ownerID, projectID, from, to) })
}

func (m *Memory) RecoverStaleProjects(ctx context.Context, olderThan time.Duration) (n int64, err error) {
	err = m.run(func(q *memQueries) error {
		n, err = q.RecoverStaleProjects(ctx, olderThan)
		return err
	})
	return n, err
}

func (m *Memory) UpdateProjectMetadata(ctx context.Context, ownerID, projectID string, md domain.ProjectMetadata) error {
	return m.run(func(q *memQueries) error { return q.UpdateProjectMetadata(ctx, ownerID, projectID, md) })
}

func (m *Memory) DeleteProject(ctx context.Context, ownerID, projectID string) error {
	return m.run(func(q *memQueries) error { return q.DeleteProject(ctx, ownerID, projectID) })
}

func (m *Memory) CreateVersion(ctx context.Context, v *domain.Version) error {
	return m.run(func(q *memQueries) error { return q.CreateVersion(ctx, v) })
}

func (m *Memory) GetVersion(ctx context.Context, projectID, versionID string) (v *domain.Version, err error) {
	err = m.run(func(q *memQueries) error {
		v, err = q.GetVersion(ctx, projectID, versionID)
		return err
	})
	return v, err
}

func (m *Memory) ListVersions(ctx context.Context, projectID string) (out []domain.Version, err error) {
	err = m.run(func(q *memQueries) error {
		out, err = q.ListVersions(ctx, projectID)
		return err
	})
	return out, err
}

func (m *Memory) CountVersions(ctx context.Context, projectID string) (n int, err error) {
	err = m.run(func(q *memQueries) error {
		n, err = q.CountVersions(ctx, projectID)
		return err
	})
	return n, err
}

func (m *Memory) UpdateVersionStatus(ctx context.Context, versionID string, status domain.VersionStatus) error {
	return m.run(func(q *memQueries) error { return q.UpdateVersionStatus(ctx, versionID, status) })
}

func (m *Memory) CreateUseCases(ctx context.Context, useCases []domain.UseCase) error {
	return m.run(func(q *memQueries) error { return q.CreateUseCases(ctx, useCases) })
}

func (m *Memory) ListUseCases(ctx context.Context, versionID string) (out []domain.UseCase, err error) {
	err = m.run(func(q *memQueries) error {
		out, err = q.ListUseCases(ctx, versionID)
		return err
	})
	return out, err
}

func (m *Memory) AppendChatEvent(ctx context.Context, e *domain.ChatEvent) error {
	return m.run(func(q *memQueries) error { return q.AppendChatEvent(ctx, e) })
}

func (m *Memory) ListChatEvents(ctx context.Context, projectID string) (out []domain.ChatEvent, err error) {
	err = m.run(func(q *memQueries) error {
		out, err = q.ListChatEvents(ctx, projectID)
		return err
	})
	return out, err
}

func (m *Memory) InsertAuditLog(ctx context.Context, e domain.AuditEntry) error {
	return m.run(func(q *memQueries) error { return q.InsertAuditLog(ctx, e) })
}

// memQueries operates on a state it does not lock. The owning Memory holds
// the lock for the duration of a call or a transaction.
type memQueries struct {
	state *memState
}

func (q *memQueries) CreateProject(_ context.Context, p *domain.Project) error {
	if _, ok := q.state.projects[p.ID]; ok {
		return storeErr("create project", fmt.Errorf("duplicate id %s", p.ID))
	}
	q.state.projects[p.ID] = *p
	return nil
}

func (q *memQueries) GetProject(_ context.Context, ownerID, projectID string) (*domain.Project, error) {
	p, ok := q.state.projects[projectID]
	if !ok || p.OwnerID != ownerID {
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return &p, nil
}

func (q *memQueries) ListProjects(_ context.Context, ownerID string) ([]domain.Project, error) {
	out := make([]domain.Project, 0, 16)
	for _, p := range q.state.projects {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b domain.Project) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (q *memQueries) update(ownerID, projectID string, fn func(p *domain.Project)) error {
	p, ok := q.state.projects[projectID]
	if !ok || p.OwnerID != ownerID {
		return fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	fn(&p)
	p.UpdatedAt = time.Now().UTC()
	q.state.projects[projectID] = p
	return nil
}

func setStatus(p *domain.Project, status domain.ProjectStatus, now time.Time) {
	p.PreviousStatus = p.Status
	p.Status = status
	p.StatusChangedAt = now
}

func (q *memQueries) UpdateProjectStatus(_ context.Context, ownerID, projectID string, status domain.ProjectStatus) error {
	return q.update(ownerID, projectID, func(p *domain.Project) {
		setStatus(p, status, time.Now().UTC())
	})
}

func (q *memQueries) TransitionProjectStatus(_ context.Context, ownerID, projectID string, from, to domain.ProjectStatus) error {
	p, ok := q.state.projects[projectID]
	if !ok || p.OwnerID != ownerID {
		return fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	if p.Status != from {
		return fmt.Errorf("project %s is %s, not %s: %w", projectID, p.Status, from, domain.ErrConflict)
	}
	return q.update(ownerID, projectID, func(p *domain.Project) {
		setStatus(p, to, time.Now().UTC())
	})
}

func (q *memQueries) RecoverStaleProjects(_ context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	var n int64
	for id, p := range q.state.projects {
		if p.Status != domain.ProjectGenerating || p.StatusChangedAt.After(cutoff) {
			continue
		}
		setStatus(&p, recoveredStatus(p.PreviousStatus), now)
		p.UpdatedAt = now
		q.state.projects[id] = p
		n++
	}
	return n, nil
}

// recoveredStatus is where a stale Generating project goes back to.
func recoveredStatus(previous domain.ProjectStatus) domain.ProjectStatus {
	switch previous {
	case domain.ProjectCreated, domain.ProjectReady, domain.ProjectError:
		return previous
	}
	return domain.ProjectError
}

func (q *memQueries) UpdateProjectMetadata(_ context.Context, ownerID, projectID string, m domain.ProjectMetadata) error {
	return q.update(ownerID, projectID, func(p *domain.Project) {
		if m.CurrentVersionID != nil {
			p.CurrentVersionID = *m.CurrentVersionID
		}
		if m.CurrentProjectDir != nil {
			p.CurrentProjectDir = *m.CurrentProjectDir
		}
		if m.CurrentPreviewURL != nil {
			p.CurrentPreviewURL = *m.CurrentPreviewURL
		}
	})
}

func (q *memQueries) DeleteProject(_ context.Context, ownerID, projectID string) error {
	p, ok := q.state.projects[projectID]
	if !ok || p.OwnerID != ownerID {
		return fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	for id, v := range q.state.versions {
		if v.ProjectID == projectID {
			delete(q.state.useCases, id)
			delete(q.state.versions, id)
		}
	}
	delete(q.state.events, projectID)
	delete(q.state.projects, projectID)
	return nil
}

func (q *memQueries) CreateVersion(_ context.Context, v *domain.Version) error {
	if _, ok := q.state.projects[v.ProjectID]; !ok {
		return storeErr("create version", fmt.Errorf("unknown project %s", v.ProjectID))
	}
	for _, existing := range q.state.versions {
		if existing.ProjectID == v.ProjectID && existing.VersionNumber == v.VersionNumber {
			return storeErr("create version", fmt.Errorf("duplicate version number %d", v.VersionNumber))
		}
	}
	q.state.versions[v.ID] = *v
	return nil
}

func (q *memQueries) GetVersion(_ context.Context, projectID, versionID string) (*domain.Version, error) {
	v, ok := q.state.versions[versionID]
	if !ok || v.ProjectID != projectID {
		return nil, fmt.Errorf("version %s: %w", versionID, domain.ErrNotFound)
	}
	return &v, nil
}

func (q *memQueries) ListVersions(_ context.Context, projectID string) ([]domain.Version, error) {
	var out []domain.Version
	for _, v := range q.state.versions {
		if v.ProjectID == projectID {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b domain.Version) int {
		return a.VersionNumber - b.VersionNumber
	})
	return out, nil
}

func (q *memQueries) CountVersions(_ context.Context, projectID string) (int, error) {
	n := 0
	for _, v := range q.state.versions {
		if v.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

func (q *memQueries) UpdateVersionStatus(_ context.Context, versionID string, status domain.VersionStatus) error {
	v, ok := q.state.versions[versionID]
	if !ok {
		return fmt.Errorf("version %s: %w", versionID, domain.ErrNotFound)
	}
	v.Status = status
	q.state.versions[versionID] = v
	return nil
}

func (q *memQueries) CreateUseCases(_ context.Context, useCases []domain.UseCase) error {
	for _, uc := range useCases {
		if _, ok := q.state.versions[uc.VersionID]; !ok {
			return storeErr("create use cases", fmt.Errorf("unknown version %s", uc.VersionID))
		}
	}
	for _, uc := range useCases {
		q.state.useCases[uc.VersionID] = append(q.state.useCases[uc.VersionID], uc)
	}
	return nil
}

func (q *memQueries) ListUseCases(_ context.Context, versionID string) ([]domain.UseCase, error) {
	out := slices.Clone(q.state.useCases[versionID])
	slices.SortStableFunc(out, func(a, b domain.UseCase) int {
		switch {
		case a.Title < b.Title:
			return -1
		case a.Title > b.Title:
			return 1
		}
		return 0
	})
	return out, nil
}

func (q *memQueries) AppendChatEvent(_ context.Context, e *domain.ChatEvent) error {
	if _, ok := q.state.projects[e.ProjectID]; !ok {
		return storeErr("append chat event", fmt.Errorf("unknown project %s", e.ProjectID))
	}
	q.state.seq++
	e.Seq = q.state.seq
	q.state.events[e.ProjectID] = append(q.state.events[e.ProjectID], *e)
	return nil
}

func (q *memQueries) ListChatEvents(_ context.Context, projectID string) ([]domain.ChatEvent, error) {
	out := slices.Clone(q.state.events[projectID])
	slices.SortFunc(out, func(a, b domain.ChatEvent) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out, nil
}

func (q *memQueries) InsertAuditLog(_ context.Context, e domain.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	q.state.audit = append(q.state.audit, e)
	return nil
}
