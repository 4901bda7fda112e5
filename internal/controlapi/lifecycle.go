package controlapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/edgerun/platform/internal/pkg/errors"
	"github.com/edgerun/platform/internal/pkg/response"
	"github.com/edgerun/platform/internal/repository"
)

// DisableDeployment handles POST /api/v1/deployments/{id}/disable: the
// deployment's lifecycle moves to disabled, which drops it from the fleet's
// desired state so workers prune the artifact and its route on their next
// full sync.
func (h *Handler) DisableDeployment(w http.ResponseWriter, r *http.Request) {
	h.setLifecycle(w, r, repository.LifecycleDisabled)
}

// EnableDeployment handles POST /api/v1/deployments/{id}/enable, reversing
// a disable.
func (h *Handler) EnableDeployment(w http.ResponseWriter, r *http.Request) {
	h.setLifecycle(w, r, repository.LifecycleActive)
}

// DeleteDeployment handles DELETE /api/v1/deployments/{id}. Rows are kept
// (terminal messages stay visible to operators, spec.md §7); only the
// lifecycle flips to deleted.
func (h *Handler) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	h.setLifecycle(w, r, repository.LifecycleDeleted)
}

func (h *Handler) setLifecycle(w http.ResponseWriter, r *http.Request, status repository.LifecycleStatus) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "deployment id must be an integer"))
		return
	}

	if err := h.Repo.SetDeploymentLifecycle(r.Context(), id, status); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.NotFound(w, "deployment")
			return
		}
		h.Logger.Warn("set deployment lifecycle failed", "deployment_id", id, "lifecycle", status, "error", err)
		response.Error(w, apierrors.ErrInternal)
		return
	}

	response.OK(w, map[string]any{"id": id, "lifecycle_status": string(status)})
}
