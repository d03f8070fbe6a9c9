package handler

import (
	"encoding/json"
	"net/http"

	"github.com/filipexyz/genflow/internal/audit"
	"github.com/filipexyz/genflow/internal/domain"
	"github.com/filipexyz/genflow/internal/middleware"
	"github.com/filipexyz/genflow/internal/orchestrator"
	"github.com/go-chi/chi/v5"
)

// ProjectHandler exposes project operations over HTTP.
type ProjectHandler struct {
	orch     *orchestrator.Orchestrator
	auditLog *audit.Logger
}

// NewProjectHandler creates a new ProjectHandler. auditLog may be nil.
func NewProjectHandler(orch *orchestrator.Orchestrator, auditLog *audit.Logger) *ProjectHandler {
	return &ProjectHandler{orch: orch, auditLog: auditLog}
}

// Create creates a new project with its first version.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req domain.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	p, err := h.orch.CreateProject(r.Context(), owner, req.Name, req.Description)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	h.audit(r, owner, audit.ActionProjectCreate, p.ID, map[string]any{"name": p.Name})
	writeSuccess(w, http.StatusCreated, p)
}

// List lists the owner's projects, newest first.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	projects, err := h.orch.ListProjects(r.Context(), owner)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	writeSuccess(w, http.StatusOK, projects)
}

// Get returns a single project.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	p, err := h.orch.GetProject(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, p)
}

// Messages returns the project's chat history in order.
func (h *ProjectHandler) Messages(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	events, err := h.orch.ListChatEvents(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.ChatEvent{}
	}
	writeSuccess(w, http.StatusOK, events)
}

// Versions returns the project's versions ordered by number.
func (h *ProjectHandler) Versions(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	versions, err := h.orch.ListVersions(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if versions == nil {
		versions = []domain.Version{}
	}
	writeSuccess(w, http.StatusOK, versions)
}

// UseCases returns the use cases recorded for one version.
func (h *ProjectHandler) UseCases(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	useCases, err := h.orch.ListUseCases(r.Context(), owner, chi.URLParam(r, "id"), chi.URLParam(r, "versionID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if useCases == nil {
		useCases = []domain.UseCase{}
	}
	writeSuccess(w, http.StatusOK, useCases)
}

// Generate runs the first generation. The response is sent once the run has
// finished; progress is streamed to live subscribers meanwhile.
func (h *ProjectHandler) Generate(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	msg, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	projectID := chi.URLParam(r, "id")
	res, err := h.orch.Generate(r.Context(), owner, projectID, msg)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	h.audit(r, owner, audit.ActionProjectGenerate, projectID, map[string]any{"use_cases": len(res.UseCases)})
	writeSuccess(w, http.StatusOK, res)
}

// Edit applies a change request and records a new version.
func (h *ProjectHandler) Edit(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	msg, ok := decodeMessage(w, r)
	if !ok {
		return
	}

	projectID := chi.URLParam(r, "id")
	res, err := h.orch.Edit(r.Context(), owner, projectID, msg)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	h.audit(r, owner, audit.ActionProjectEdit, projectID, map[string]any{
		"version_id":     res.VersionID,
		"version_number": res.VersionNumber,
	})
	writeSuccess(w, http.StatusOK, res)
}

// Revert makes an earlier version current again.
func (h *ProjectHandler) Revert(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	projectID := chi.URLParam(r, "id")
	res, err := h.orch.Revert(r.Context(), owner, projectID, chi.URLParam(r, "versionID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	h.audit(r, owner, audit.ActionProjectRevert, projectID, map[string]any{"version_id": res.VersionID})
	writeSuccess(w, http.StatusOK, res)
}

// Delete removes a project and its history.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	projectID := chi.URLParam(r, "id")
	if err := h.orch.DeleteProject(r.Context(), owner, projectID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	h.audit(r, owner, audit.ActionProjectDelete, projectID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProjectHandler) audit(r *http.Request, owner, action, target string, detail map[string]any) {
	if h.auditLog == nil {
		return
	}
	ctx := audit.WithIP(r.Context(), audit.IPFromRequest(r))
	h.auditLog.Log(ctx, "user:"+owner, action, owner, target, detail)
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := middleware.GetOwnerID(r.Context())
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return owner, true
}

func decodeMessage(w http.ResponseWriter, r *http.Request) (domain.ChatMessageRequest, bool) {
	var msg domain.ChatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return msg, false
	}
	return msg, true
}
