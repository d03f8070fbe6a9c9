package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/filipexyz/genflow/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	*pgQueries
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pgQueries: &pgQueries{db: pool},
		pool:      pool,
	}
}

// Migrate applies the embedded schema. It is idempotent.
func Migrate(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn in a transaction that is rolled back unless fn succeeds.
func (p *Postgres) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

type pgQueries struct {
	db DBTX
}

const projectColumns = `id, owner_id, name, description, status, current_version_id,
	current_project_dir, current_preview_url, created_at, updated_at,
	previous_status, status_changed_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p                             domain.Project
		versionID, dir, url, previous pgtype.Text
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Status, &versionID,
		&dir, &url, &p.CreatedAt, &p.UpdatedAt, &previous, &p.StatusChangedAt)
	if err != nil {
		return nil, err
	}
	p.CurrentVersionID = versionID.String
	p.CurrentProjectDir = dir.String
	p.CurrentPreviewURL = url.String
	p.PreviousStatus = domain.ProjectStatus(previous.String)
	return &p, nil
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func (q *pgQueries) CreateProject(ctx context.Context, p *domain.Project) error {
	const sql = `
INSERT INTO projects (id, owner_id, name, description, status, current_version_id,
	current_project_dir, current_preview_url, created_at, updated_at, status_changed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`
	_, err := q.db.Exec(ctx, sql, p.ID, p.OwnerID, p.Name, p.Description, p.Status,
		text(p.CurrentVersionID), text(p.CurrentProjectDir), text(p.CurrentPreviewURL),
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return storeErr("create project", err)
	}
	return nil
}

func (q *pgQueries) GetProject(ctx context.Context, ownerID, projectID string) (*domain.Project, error) {
	sql := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1 AND owner_id = $2`
	p, err := scanProject(q.db.QueryRow(ctx, sql, projectID, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
		}
		return nil, storeErr("get project", err)
	}
	return p, nil
}

func (q *pgQueries) ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	sql := `SELECT ` + projectColumns + ` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := q.db.Query(ctx, sql, ownerID)
	if err != nil {
		return nil, storeErr("list projects", err)
	}
	defer rows.Close()

	out := make([]domain.Project, 0, 16)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, storeErr("scan project", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list projects", err)
	}
	return out, nil
}

func (q *pgQueries) UpdateProjectStatus(ctx context.Context, ownerID, projectID string, status domain.ProjectStatus) error {
	const sql = `
UPDATE projects
SET previous_status = status, status = $3, status_changed_at = NOW(), updated_at = NOW()
WHERE id = $1 AND owner_id = $2`
	tag, err := q.db.Exec(ctx, sql, projectID, ownerID, status)
	if err != nil {
		return storeErr("update project status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return nil
}

func (q *pgQueries) TransitionProjectStatus(ctx context.Context, ownerID, projectID string, from, to domain.ProjectStatus) error {
	const sql = `
UPDATE projects
SET previous_status = status, status = $4, status_changed_at = NOW(), updated_at = NOW()
WHERE id = $1 AND owner_id = $2 AND status = $3`
	tag, err := q.db.Exec(ctx, sql, projectID, ownerID, from, to)
	if err != nil {
		return storeErr("transition project status", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1 AND owner_id = $2)`,
		projectID, ownerID).Scan(&exists)
	if err != nil {
		return storeErr("transition project status", err)
	}
	if !exists {
		return fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return fmt.Errorf("project %s is no longer %s: %w", projectID, from, domain.ErrConflict)
}

func (q *pgQueries) RecoverStaleProjects(ctx context.Context, olderThan time.Duration) (int64, error) {
	const sql = `
UPDATE projects
SET status = CASE WHEN previous_status IN ('Created', 'Ready', 'Error') THEN previous_status ELSE 'Error' END,
    previous_status = status,
    status_changed_at = NOW(),
    updated_at = NOW()
WHERE status = 'Generating' AND status_changed_at <= NOW() - make_interval(secs => $1)`
	tag, err := q.db.Exec(ctx, sql, olderThan.Seconds())
	if err != nil {
		return 0, storeErr("recover stale projects", err)
	}
	return tag.RowsAffected(), nil
}

func (q *pgQueries) UpdateProjectMetadata(ctx context.Context, ownerID, projectID string, m domain.ProjectMetadata) error {
	const sql = `
UPDATE projects
SET current_version_id  = COALESCE($3, current_version_id),
    current_project_dir = COALESCE($4, current_project_dir),
    current_preview_url = COALESCE($5, current_preview_url),
    updated_at = NOW()
WHERE id = $1 AND owner_id = $2`
	tag, err := q.db.Exec(ctx, sql, projectID, ownerID, m.CurrentVersionID, m.CurrentProjectDir, m.CurrentPreviewURL)
	if err != nil {
		return storeErr("update project metadata", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return nil
}

func (q *pgQueries) DeleteProject(ctx context.Context, ownerID, projectID string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM projects WHERE id = $1 AND owner_id = $2`, projectID, ownerID)
	if err != nil {
		return storeErr("delete project", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return nil
}

func (q *pgQueries) CreateVersion(ctx context.Context, v *domain.Version) error {
	const sql = `
INSERT INTO versions (id, project_id, version_number, backup_dir, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := q.db.Exec(ctx, sql, v.ID, v.ProjectID, v.VersionNumber, v.BackupDir, v.Status, v.CreatedAt)
	if err != nil {
		return storeErr("create version", err)
	}
	return nil
}

const versionColumns = `id, project_id, version_number, backup_dir, status, created_at`

func scanVersion(row pgx.Row) (*domain.Version, error) {
	var v domain.Version
	if err := row.Scan(&v.ID, &v.ProjectID, &v.VersionNumber, &v.BackupDir, &v.Status, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (q *pgQueries) GetVersion(ctx context.Context, projectID, versionID string) (*domain.Version, error) {
	sql := `SELECT ` + versionColumns + ` FROM versions WHERE id = $1 AND project_id = $2`
	v, err := scanVersion(q.db.QueryRow(ctx, sql, versionID, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("version %s: %w", versionID, domain.ErrNotFound)
		}
		return nil, storeErr("get version", err)
	}
	return v, nil
}

func (q *pgQueries) ListVersions(ctx context.Context, projectID string) ([]domain.Version, error) {
	sql := `SELECT ` + versionColumns + ` FROM versions WHERE project_id = $1 ORDER BY version_number`
	rows, err := q.db.Query(ctx, sql, projectID)
	if err != nil {
		return nil, storeErr("list versions", err)
	}
	defer rows.Close()

	var out []domain.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, storeErr("scan version", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list versions", err)
	}
	return out, nil
}

func (q *pgQueries) CountVersions(ctx context.Context, projectID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM versions WHERE project_id = $1`, projectID).Scan(&n)
	if err != nil {
		return 0, storeErr("count versions", err)
	}
	return n, nil
}

func (q *pgQueries) UpdateVersionStatus(ctx context.Context, versionID string, status domain.VersionStatus) error {
	tag, err := q.db.Exec(ctx, `UPDATE versions SET status = $2 WHERE id = $1`, versionID, status)
	if err != nil {
		return storeErr("update version status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %s: %w", versionID, domain.ErrNotFound)
	}
	return nil
}

func (q *pgQueries) CreateUseCases(ctx context.Context, useCases []domain.UseCase) error {
	if len(useCases) == 0 {
		return nil
	}
	_, err := q.db.CopyFrom(ctx,
		pgx.Identifier{"use_cases"},
		[]string{"id", "version_id", "title", "description"},
		pgx.CopyFromSlice(len(useCases), func(i int) ([]any, error) {
			uc := useCases[i]
			return []any{uc.ID, uc.VersionID, uc.Title, uc.Description}, nil
		}),
	)
	if err != nil {
		return storeErr("create use cases", err)
	}
	return nil
}

func (q *pgQueries) ListUseCases(ctx context.Context, versionID string) ([]domain.UseCase, error) {
	const sql = `SELECT id, version_id, title, description FROM use_cases WHERE version_id = $1 ORDER BY title`
	rows, err := q.db.Query(ctx, sql, versionID)
	if err != nil {
		return nil, storeErr("list use cases", err)
	}
	defer rows.Close()

	var out []domain.UseCase
	for rows.Next() {
		var uc domain.UseCase
		if err := rows.Scan(&uc.ID, &uc.VersionID, &uc.Title, &uc.Description); err != nil {
			return nil, storeErr("scan use case", err)
		}
		out = append(out, uc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list use cases", err)
	}
	return out, nil
}

func (q *pgQueries) AppendChatEvent(ctx context.Context, e *domain.ChatEvent) error {
	const sql = `
INSERT INTO chat_events (id, project_id, sender, message, kind, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING seq`
	err := q.db.QueryRow(ctx, sql, e.ID, e.ProjectID, e.Sender, e.Message, e.Kind, e.CreatedAt).Scan(&e.Seq)
	if err != nil {
		return storeErr("append chat event", err)
	}
	return nil
}

func (q *pgQueries) ListChatEvents(ctx context.Context, projectID string) ([]domain.ChatEvent, error) {
	const sql = `
SELECT seq, id, project_id, sender, message, kind, created_at
FROM chat_events WHERE project_id = $1
ORDER BY seq`
	rows, err := q.db.Query(ctx, sql, projectID)
	if err != nil {
		return nil, storeErr("list chat events", err)
	}
	defer rows.Close()

	var out []domain.ChatEvent
	for rows.Next() {
		var e domain.ChatEvent
		if err := rows.Scan(&e.Seq, &e.ID, &e.ProjectID, &e.Sender, &e.Message, &e.Kind, &e.CreatedAt); err != nil {
			return nil, storeErr("scan chat event", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list chat events", err)
	}
	return out, nil
}

func (q *pgQueries) InsertAuditLog(ctx context.Context, e domain.AuditEntry) error {
	var ipAddr *netip.Addr
	if e.IPAddress != "" {
		if parsed, err := netip.ParseAddr(e.IPAddress); err == nil {
			ipAddr = &parsed
		}
	}

	const sql = `
INSERT INTO audit_log (actor, action, owner_id, target, detail, ip_address)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := q.db.Exec(ctx, sql, e.Actor, e.Action, text(e.OwnerID), text(e.Target), e.Detail, ipAddr)
	if err != nil {
		return storeErr("insert audit log", err)
	}
	return nil
}
