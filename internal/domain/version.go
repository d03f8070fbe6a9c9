package domain

import (
	"time"

	"github.com/google/uuid"
)

// VersionStatus is the generation state of a version.
// A failed run never touches versions, so there is no error state.
type VersionStatus string

const (
	VersionNotGenerated VersionStatus = "notGenerated"
	VersionGenerated    VersionStatus = "generated"
)

// Version is one generated or edited snapshot of a project's output.
// BackupDir is empty for the first version.
type Version struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"project_id"`
	VersionNumber int           `json:"version_number"`
	BackupDir     string        `json:"backup_dir"`
	Status        VersionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewVersion returns a NotGenerated version.
func NewVersion(projectID string, number int, backupDir string) *Version {
	return &Version{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		VersionNumber: number,
		BackupDir:     backupDir,
		Status:        VersionNotGenerated,
		CreatedAt:     time.Now().UTC(),
	}
}

// UseCase is a named feature description produced by the engine for a version.
type UseCase struct {
	ID          string `json:"id"`
	VersionID   string `json:"version_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// UseCaseSpec is a use case as reported by the generation engine.
type UseCaseSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// UseCasesFor converts engine use cases into records owned by versionID.
func UseCasesFor(versionID string, specs []UseCaseSpec) []UseCase {
	out := make([]UseCase, len(specs))
	for i, s := range specs {
		out[i] = UseCase{
			ID:          uuid.NewString(),
			VersionID:   versionID,
			Title:       s.Name,
			Description: s.Description,
		}
	}
	return out
}
