// Package store is the record store client for projects, versions, use cases,
// chat events and audit entries.
//
// Every read or write of a project is scoped by owner id. Lookups that do not
// resolve return domain.ErrNotFound; every other failure is a *domain.StoreError.
package store

import (
	"context"
	"time"

	"github.com/filipexyz/genflow/internal/domain"
)

// Queries is the set of typed record operations.
type Queries interface {
	CreateProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, ownerID, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error)
	UpdateProjectStatus(ctx context.Context, ownerID, projectID string, status domain.ProjectStatus) error
	// TransitionProjectStatus moves a project to status to only if it is
	// still in status from. Otherwise it returns domain.ErrConflict.
	TransitionProjectStatus(ctx context.Context, ownerID, projectID string, from, to domain.ProjectStatus) error
	// RecoverStaleProjects returns projects that have been Generating for
	// longer than olderThan to their previous status.
	RecoverStaleProjects(ctx context.Context, olderThan time.Duration) (int64, error)
	UpdateProjectMetadata(ctx context.Context, ownerID, projectID string, m domain.ProjectMetadata) error
	DeleteProject(ctx context.Context, ownerID, projectID string) error

	CreateVersion(ctx context.Context, v *domain.Version) error
	GetVersion(ctx context.Context, projectID, versionID string) (*domain.Version, error)
	ListVersions(ctx context.Context, projectID string) ([]domain.Version, error)
	CountVersions(ctx context.Context, projectID string) (int, error)
	UpdateVersionStatus(ctx context.Context, versionID string, status domain.VersionStatus) error

	CreateUseCases(ctx context.Context, useCases []domain.UseCase) error
	ListUseCases(ctx context.Context, versionID string) ([]domain.UseCase, error)

	AppendChatEvent(ctx context.Context, e *domain.ChatEvent) error
	ListChatEvents(ctx context.Context, projectID string) ([]domain.ChatEvent, error)

	InsertAuditLog(ctx context.Context, e domain.AuditEntry) error
}

// Store is a Queries implementation that can run a group of writes atomically.
type Store interface {
	Queries

	// InTx runs fn inside a single transaction. If fn returns an error nothing
	// it wrote is kept.
	InTx(ctx context.Context, fn func(q Queries) error) error

	Ping(ctx context.Context) error
	Close()
}

func storeErr(op string, err error) error {
	return &domain.StoreError{Op: op, Err: err}
}
