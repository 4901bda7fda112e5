package controlapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apierrors "github.com/edgerun/platform/internal/pkg/errors"
	"github.com/edgerun/platform/internal/pkg/response"
	"github.com/edgerun/platform/internal/repository"
)

// validate is a single shared validator instance, matching the teacher's
// package-level validator.New() used against request struct tags.
var validate = validator.New()

// createDeploymentRequest is the control-plane's deploy-intent submission
// payload (spec.md §1 names the user dashboard/admin UI as an out-of-scope
// collaborator; this plain JSON intent API is the narrow interface that
// collaborator calls into, not the dashboard itself — no HTML, sessions, or
// CSRF live here). Exactly one of SourceBase64 or PrecompiledArtifactPath
// must be set (checked in Handler.CreateDeployment, a cross-field rule
// validator tags alone can't express cleanly).
type createDeploymentRequest struct {
	OwnerID                 int64  `json:"owner_id" validate:"required"`
	ProjectID               int64  `json:"project_id" validate:"required"`
	Domain                  string `json:"domain" validate:"required,hostname_rfc1123"`
	DeployType              string `json:"deploy_type" validate:"required,oneof=production development"`
	SourceBase64            string `json:"source_base64,omitempty"`
	PrecompiledArtifactPath string `json:"precompiled_artifact_path,omitempty"`
}

type createDeploymentResponse struct {
	ID           int64  `json:"id"`
	TaskID       string `json:"task_id"`
	DeployStatus string `json:"deploy_status"`
}

// CreateDeployment handles POST /api/v1/deployments: the entry point that
// moves a user's deploy intent into the `waiting` state the waiting-sweep
// picks up (spec.md §4.6). Source bytes, if supplied inline, are written to
// the same blob store the coordinator later reads via
// coordinator.BlobSourceLoader, under the deployment-id-keyed path that
// loader expects.
func (h *Handler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("invalid request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		response.Error(w, apierrors.NewValidationError("request", err.Error()))
		return
	}
	if req.SourceBase64 == "" && req.PrecompiledArtifactPath == "" {
		response.Error(w, apierrors.NewValidationError("source", "one of source_base64 or precompiled_artifact_path is required"))
		return
	}
	if req.SourceBase64 != "" && req.PrecompiledArtifactPath != "" {
		response.Error(w, apierrors.NewValidationError("source", "only one of source_base64 or precompiled_artifact_path may be set"))
		return
	}

	var sourceBytes []byte
	if req.SourceBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.SourceBase64)
		if err != nil {
			response.Error(w, apierrors.NewValidationError("source_base64", "not valid base64"))
			return
		}
		sourceBytes = decoded
	}

	deployment := &repository.Deployment{
		OwnerID:         req.OwnerID,
		ProjectID:       req.ProjectID,
		TaskID:          uuid.NewString(),
		Domain:          req.Domain,
		DeployType:      repository.DeployType(req.DeployType),
		DeployStatus:    repository.DeployStatusWaiting,
		LifecycleStatus: repository.LifecycleActive,
	}
	if req.PrecompiledArtifactPath != "" {
		deployment.PrecompiledArtifactPath = &req.PrecompiledArtifactPath
	}

	if err := h.Repo.CreateDeployment(r.Context(), deployment); err != nil {
		h.Logger.Warn("create deployment failed", "error", err)
		response.Error(w, apierrors.ErrInternal)
		return
	}

	if len(sourceBytes) > 0 {
		if err := h.writeSource(r.Context(), deployment.ID, sourceBytes); err != nil {
			h.Logger.Warn("create deployment: writing source failed", "deployment_id", deployment.ID, "error", err)
			_ = h.Repo.MarkDeploymentFailed(r.Context(), deployment.ID, "failed to store source: "+err.Error())
			deployment.DeployStatus = repository.DeployStatusFailed
		}
	}

	response.Created(w, createDeploymentResponse{
		ID:           deployment.ID,
		TaskID:       deployment.TaskID,
		DeployStatus: string(deployment.DeployStatus),
	})
}

// writeSource stores the playground source at the same path
// coordinator.BlobSourceLoader reads from. h.Blob is nil in deployments
// that only ever use precompiled artifacts (PrecompiledArtifactPath path);
// a request carrying inline source against such a deployment is a
// misconfiguration, surfaced as an error rather than silently dropped.
func (h *Handler) writeSource(ctx context.Context, deploymentID int64, data []byte) error {
	if h.Blob == nil {
		return fmt.Errorf("no blob store configured for inline source upload")
	}
	return h.Blob.Write(ctx, sourcePath(deploymentID), data)
}

// sourcePath mirrors coordinator.BlobSourceLoader's private sourcePath
// helper; both sides must agree on this deployment-id-keyed convention
// (spec.md §4.6 step 1).
func sourcePath(deploymentID int64) string {
	return fmt.Sprintf("sources/%d", deploymentID)
}
