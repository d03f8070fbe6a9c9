package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectCreated    ProjectStatus = "Created"
	ProjectGenerating ProjectStatus = "Generating"
	ProjectReady      ProjectStatus = "Ready"
	ProjectError      ProjectStatus = "Error"
)

// Project is a user-owned unit of generated application code with a version history.
// It is only visible to, and mutable by, its owner.
type Project struct {
	ID                string        `json:"id"`
	OwnerID           string        `json:"user_id"`
	Name              string        `json:"name"`
	Description       string        `json:"description"`
	Status            ProjectStatus `json:"status"`
	CurrentVersionID  string        `json:"current_version_id,omitempty"`
	CurrentProjectDir string        `json:"current_project_dir,omitempty"`
	CurrentPreviewURL string        `json:"current_project_preview_url,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`

	// PreviousStatus is the status the last transition left. A stale
	// Generating project is recovered to it.
	PreviousStatus  ProjectStatus `json:"-"`
	StatusChangedAt time.Time     `json:"status_changed_at"`
}

// ProjectMetadata is a partial update of a project's pointers.
// Nil fields are left untouched.
type ProjectMetadata struct {
	CurrentVersionID  *string
	CurrentProjectDir *string
	CurrentPreviewURL *string
}

// NewProject returns a project in the Created state.
func NewProject(ownerID, name, description string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Name:            name,
		Description:     description,
		Status:          ProjectCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusChangedAt: now,
	}
}

// CanGenerate reports whether a generate run may start from this status.
// An errored project is only generatable while its current version has
// never been generated; otherwise it needs an edit or a revert.
func (s ProjectStatus) CanGenerate(current VersionStatus) bool {
	switch s {
	case ProjectCreated:
		return true
	case ProjectError:
		return current != VersionGenerated
	}
	return false
}

// CanEdit reports whether an edit run may start from this status.
func (s ProjectStatus) CanEdit() bool {
	return s == ProjectReady
}

// CanRevert reports whether a revert may start from this status.
func (s ProjectStatus) CanRevert() bool {
	return s == ProjectReady || s == ProjectError
}

// CreateProjectRequest is the request body for creating a project.
type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
