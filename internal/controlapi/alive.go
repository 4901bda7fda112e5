// Package controlapi implements the control-plane's HTTP surface: the
// worker-facing API (spec.md §6, `POST /api/v1/worker-api/alive` and
// `GET /api/v1/worker-api/deploys`) and the deploy-intent submission
// endpoint (intent.go, `POST /api/v1/deployments`) that feeds the Deploy
// Coordinator's waiting-sweep, optionally rate-limited per client IP.
//
// Grounded on the teacher's internal/bootstrap/handler (chi handler struct
// wrapping a repository.Repository, response/errors package helpers) and
// internal/middleware/auth.go for the bearer-scoped worker credential.
package controlapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/edgerun/platform/internal/blobstore"
	"github.com/edgerun/platform/internal/deployitem"
	"github.com/edgerun/platform/internal/middleware"
	apierrors "github.com/edgerun/platform/internal/pkg/errors"
	"github.com/edgerun/platform/internal/pkg/response"
	"github.com/edgerun/platform/internal/repository"
)

// Handler serves the worker-api routes plus the deploy-intent submission
// endpoint (internal/controlapi/intent.go).
type Handler struct {
	Repo   repository.Repository
	Logger *slog.Logger
	// Blob backs inline playground-source uploads on deploy-intent
	// submission (intent.go). Nil is valid for deployments that only ever
	// carry a precompiled_artifact_path.
	Blob blobstore.Store
	// Limiter, when set, throttles every IntentRoutes route, submissions and
	// lifecycle changes alike (internal/middleware.RateLimit). Nil disables
	// rate limiting.
	Limiter       middleware.RateLimiter
	LimiterConfig middleware.RateLimitConfig
}

// New builds a Handler.
func New(repo repository.Repository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Repo: repo, Logger: logger}
}

// WithBlob sets the Handler's blob store for inline source uploads and
// returns h for chaining at construction time.
func (h *Handler) WithBlob(blob blobstore.Store) *Handler {
	h.Blob = blob
	return h
}

// WithRateLimiter enables per-IP rate limiting on deploy-intent submissions
// and returns h for chaining at construction time.
func (h *Handler) WithRateLimiter(limiter middleware.RateLimiter, cfg middleware.RateLimitConfig) *Handler {
	h.Limiter = limiter
	h.LimiterConfig = cfg
	return h
}

// aliveRequest mirrors spec.md §6: `{ip: IPInfo, tasks: map<task_id,
// outcome_string>}`. The ip value is the structured identity the worker's
// agent reports (internal/agent.IPInfo); only the fields the control plane
// records are decoded here.
type aliveRequest struct {
	IP struct {
		IP       string `json:"ip"`
		Hostname string `json:"hostname"`
		Region   string `json:"region"`
	} `json:"ip"`
	Tasks map[string]string `json:"tasks"`
}

// Alive handles POST /api/v1/worker-api/alive. It records each reported
// outcome against its subtask row, then responds with the bare JSON array
// of task-content strings the worker is still expected to converge to
// (spec.md §4.5).
func (h *Handler) Alive(w http.ResponseWriter, r *http.Request) {
	var req aliveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("invalid request body"))
		return
	}
	if req.IP.IP == "" {
		response.Error(w, apierrors.NewValidationError("ip", "ip is required"))
		return
	}

	hostname := req.IP.Hostname
	if hostname == "" {
		hostname = req.IP.IP
	}
	worker, err := h.Repo.UpsertWorker(r.Context(), req.IP.IP, hostname)
	if err != nil {
		h.Logger.Warn("alive: upsert worker failed", "error", err)
		response.Error(w, apierrors.ErrInternal)
		return
	}

	for taskID, outcome := range req.Tasks {
		status, message := parseOutcome(outcome)
		if status == "" {
			continue
		}
		if err := h.Repo.UpdateDeployTaskOutcome(r.Context(), taskID, worker.ID, status, message); err != nil {
			h.Logger.Warn("alive: record outcome failed", "task_id", taskID, "error", err)
		}
	}

	pending, err := h.Repo.ListPendingDeployTasksForWorker(r.Context(), worker.ID)
	if err != nil {
		h.Logger.Warn("alive: list pending tasks failed", "error", err)
		response.Error(w, apierrors.ErrInternal)
		return
	}

	content := make([]string, len(pending))
	for i, t := range pending {
		content[i] = t.Content
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(content)
}

// parseOutcome maps the agent's outcome string (spec.md §4.5: `"success"`
// or `"failed: <reason>"`) onto a subtask status + optional message.
func parseOutcome(outcome string) (repository.TaskStatus, *string) {
	if outcome == "success" {
		return repository.TaskStatusSuccess, nil
	}
	if strings.HasPrefix(outcome, "failed") {
		msg := outcome
		return repository.TaskStatusFailed, &msg
	}
	return "", nil
}

// deploysResponse mirrors spec.md §6: `{checksum, tasks: [item, …]}`.
type deploysResponse struct {
	Checksum string            `json:"checksum"`
	Tasks    []deployitem.Item `json:"tasks"`
}

// Deploys handles GET /api/v1/worker-api/deploys, returning the complete
// fleet-wide desired-state set (spec.md §4.5 full-sync ticker).
func (h *Handler) Deploys(w http.ResponseWriter, r *http.Request) {
	subtasks, err := h.Repo.ListDesiredState(r.Context())
	if err != nil {
		h.Logger.Warn("deploys: list desired state failed", "error", err)
		response.Error(w, apierrors.ErrInternal)
		return
	}

	items := make([]deployitem.Item, 0, len(subtasks))
	for _, t := range subtasks {
		var item deployitem.Item
		if err := json.Unmarshal([]byte(t.Content), &item); err != nil {
			h.Logger.Warn("deploys: undecodable subtask content", "task_id", t.TaskID, "error", err)
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TaskID < items[j].TaskID })

	// Unlike the rest of the control-plane API, this body is the bare
	// {checksum, tasks} object the worker's full-sync ticker deserializes
	// directly (spec.md §4.5) — not the standard response.Response
	// data-envelope.
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(deploysResponse{Checksum: checksumOf(items), Tasks: items})
}

// checksumOf hashes the canonical (task-id sorted) item list so the agent
// can detect "no change" without re-applying every item each tick.
func checksumOf(items []deployitem.Item) string {
	data, _ := json.Marshal(items)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
