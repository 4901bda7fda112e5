package repository

import (
	"context"
	"time"
)

// Repository is the storage-agnostic interface the Deploy Coordinator and
// worker-facing control API are built against (grounded on the teacher's
// internal/bootstrap/repository.Repository interface-first split).
type Repository interface {
	// Deployment operations
	CreateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id int64) (*Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status DeployStatus) ([]*Deployment, error)
	ListDeploymentsByTaskID(ctx context.Context, taskID string) ([]*Deployment, error)

	// UpdateDeployStatusGuarded performs the status-guard pattern (spec.md
	// §5: "single-writer per deployment row... transactional update-if-
	// status= guard rather than optimistic retry"): the update only
	// applies if the row's current status matches fromStatus. ok reports
	// whether the guard matched and the row was updated.
	UpdateDeployStatusGuarded(ctx context.Context, id int64, fromStatus, toStatus DeployStatus) (ok bool, err error)
	MarkDeploymentFailed(ctx context.Context, id int64, reason string) error
	SetDeploymentUploadResult(ctx context.Context, id int64, storagePath, md5 string, byteSize int64) error

	// SetDeploymentLifecycle moves a deployment between active, disabled,
	// and deleted (spec.md §3 lifecycle-status). A non-active deployment
	// drops out of ListDesiredState, so workers prune it on their next full
	// sync.
	SetDeploymentLifecycle(ctx context.Context, id int64, status LifecycleStatus) error

	// Deploy task (subtask) operations
	CreateDeployTask(ctx context.Context, t *DeployTask) error
	ListDeployTasksByTaskID(ctx context.Context, taskID string) ([]*DeployTask, error)
	UpdateDeployTaskStatus(ctx context.Context, id int64, status TaskStatus, message *string) error

	// UpdateDeployTaskOutcome implements the alive endpoint's authoritative
	// outcome mapping (spec.md §4.6: "the alive endpoint is authoritative
	// for mapping task-id outcomes back to subtask rows"): it resolves the
	// (task_id, worker) pair to its subtask row and applies status.
	UpdateDeployTaskOutcome(ctx context.Context, taskID string, workerID int64, status TaskStatus, message *string) error

	// ListPendingDeployTasksForWorker returns the subtasks a worker is still
	// expected to converge to (spec.md §4.5: subtasks not
	// yet resolved to success/failed).
	ListPendingDeployTasksForWorker(ctx context.Context, workerID int64) ([]*DeployTask, error)

	// ListDesiredState returns one subtask per distinct task_id representing
	// the full fleet-wide desired state (spec.md §4.5 full-sync ticker):
	// active deployments that are either still fanning out or already
	// succeeded.
	ListDesiredState(ctx context.Context) ([]*DeployTask, error)

	// Worker operations
	UpsertWorker(ctx context.Context, address, hostname string) (*Worker, error)
	TouchWorker(ctx context.Context, address string) error
	ListOnlineWorkers(ctx context.Context, offlineAfter time.Duration) ([]*Worker, error)

	// MarkStaleWorkersOffline persists the offline transition for workers
	// whose last-seen timestamp is older than offlineAfter (spec.md §3).
	// ListOnlineWorkers already excludes them; this keeps the stored status
	// column truthful for operators.
	MarkStaleWorkersOffline(ctx context.Context, offlineAfter time.Duration) error

	// Project operations
	GetProject(ctx context.Context, id int64) (*Project, error)
	BindProductionDomain(ctx context.Context, projectID, deploymentID int64, domain string) error
}
