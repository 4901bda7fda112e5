package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) CreateDeployment(ctx context.Context, d *Deployment) error {
	query := `
		INSERT INTO deployments (owner_id, project_id, task_id, domain, storage_path, md5, byte_size,
			deploy_type, deploy_status, lifecycle_status, precompiled_artifact_path, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		d.OwnerID, d.ProjectID, d.TaskID, d.Domain, d.StoragePath, d.MD5, d.ByteSize,
		d.DeployType, d.DeployStatus, d.LifecycleStatus, d.PrecompiledArtifactPath, d.Message,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("CreateDeployment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetDeployment(ctx context.Context, id int64) (*Deployment, error) {
	query := `
		SELECT id, owner_id, project_id, task_id, domain, storage_path, md5, byte_size,
			deploy_type, deploy_status, lifecycle_status, precompiled_artifact_path, message,
			created_at, updated_at
		FROM deployments WHERE id = $1`

	var d Deployment
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.OwnerID, &d.ProjectID, &d.TaskID, &d.Domain, &d.StoragePath, &d.MD5, &d.ByteSize,
		&d.DeployType, &d.DeployStatus, &d.LifecycleStatus, &d.PrecompiledArtifactPath, &d.Message,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetDeployment: %w", err)
	}
	return &d, nil
}

func (r *PostgresRepository) ListDeploymentsByStatus(ctx context.Context, status DeployStatus) ([]*Deployment, error) {
	query := `
		SELECT id, owner_id, project_id, task_id, domain, storage_path, md5, byte_size,
			deploy_type, deploy_status, lifecycle_status, precompiled_artifact_path, message,
			created_at, updated_at
		FROM deployments WHERE deploy_status = $1 ORDER BY id ASC`

	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("ListDeploymentsByStatus: %w", err)
	}
	defer rows.Close()
	return scanDeployments(rows)
}

func (r *PostgresRepository) ListDeploymentsByTaskID(ctx context.Context, taskID string) ([]*Deployment, error) {
	query := `
		SELECT id, owner_id, project_id, task_id, domain, storage_path, md5, byte_size,
			deploy_type, deploy_status, lifecycle_status, precompiled_artifact_path, message,
			created_at, updated_at
		FROM deployments WHERE task_id = $1`

	rows, err := r.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("ListDeploymentsByTaskID: %w", err)
	}
	defer rows.Close()
	return scanDeployments(rows)
}

func scanDeployments(rows pgx.Rows) ([]*Deployment, error) {
	var out []*Deployment
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(
			&d.ID, &d.OwnerID, &d.ProjectID, &d.TaskID, &d.Domain, &d.StoragePath, &d.MD5, &d.ByteSize,
			&d.DeployType, &d.DeployStatus, &d.LifecycleStatus, &d.PrecompiledArtifactPath, &d.Message,
			&d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// UpdateDeployStatusGuarded implements the status-guard pattern (spec.md
// §5, §4.6): a single `UPDATE ... WHERE id = $1 AND deploy_status = $2`.
func (r *PostgresRepository) UpdateDeployStatusGuarded(ctx context.Context, id int64, fromStatus, toStatus DeployStatus) (bool, error) {
	query := `UPDATE deployments SET deploy_status = $3, updated_at = NOW() WHERE id = $1 AND deploy_status = $2`
	result, err := r.pool.Exec(ctx, query, id, fromStatus, toStatus)
	if err != nil {
		return false, fmt.Errorf("UpdateDeployStatusGuarded: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func (r *PostgresRepository) MarkDeploymentFailed(ctx context.Context, id int64, reason string) error {
	query := `UPDATE deployments SET deploy_status = $2, message = $3, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, DeployStatusFailed, reason)
	if err != nil {
		return fmt.Errorf("MarkDeploymentFailed: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetDeploymentLifecycle(ctx context.Context, id int64, status LifecycleStatus) error {
	query := `UPDATE deployments SET lifecycle_status = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("SetDeploymentLifecycle: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) SetDeploymentUploadResult(ctx context.Context, id int64, storagePath, md5 string, byteSize int64) error {
	query := `UPDATE deployments SET storage_path = $2, md5 = $3, byte_size = $4, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, storagePath, md5, byteSize)
	if err != nil {
		return fmt.Errorf("SetDeploymentUploadResult: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateDeployTask(ctx context.Context, t *DeployTask) error {
	query := `
		INSERT INTO deploy_tasks (deployment_id, task_id, worker_id, worker_address, content, status, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		t.DeploymentID, t.TaskID, t.WorkerID, t.WorkerAddress, t.Content, t.Status, t.Message,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("CreateDeployTask: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListDeployTasksByTaskID(ctx context.Context, taskID string) ([]*DeployTask, error) {
	query := `
		SELECT id, deployment_id, task_id, worker_id, worker_address, content, status, message, created_at, updated_at
		FROM deploy_tasks WHERE task_id = $1`
	rows, err := r.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("ListDeployTasksByTaskID: %w", err)
	}
	defer rows.Close()
	return scanDeployTasks(rows)
}

func (r *PostgresRepository) UpdateDeployTaskStatus(ctx context.Context, id int64, status TaskStatus, message *string) error {
	query := `UPDATE deploy_tasks SET status = $2, message = $3, updated_at = NOW() WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id, status, message)
	if err != nil {
		return fmt.Errorf("UpdateDeployTaskStatus: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDeployTaskOutcome implements the alive endpoint's authoritative
// status mapping (spec.md §4.6).
func (r *PostgresRepository) UpdateDeployTaskOutcome(ctx context.Context, taskID string, workerID int64, status TaskStatus, message *string) error {
	query := `UPDATE deploy_tasks SET status = $3, message = $4, updated_at = NOW() WHERE task_id = $1 AND worker_id = $2`
	_, err := r.pool.Exec(ctx, query, taskID, workerID, status, message)
	if err != nil {
		return fmt.Errorf("UpdateDeployTaskOutcome: %w", err)
	}
	return nil
}

// ListPendingDeployTasksForWorker returns this worker's not-yet-resolved
// subtasks (spec.md §4.5).
func (r *PostgresRepository) ListPendingDeployTasksForWorker(ctx context.Context, workerID int64) ([]*DeployTask, error) {
	query := `
		SELECT id, deployment_id, task_id, worker_id, worker_address, content, status, message, created_at, updated_at
		FROM deploy_tasks WHERE worker_id = $1 AND status = $2`
	rows, err := r.pool.Query(ctx, query, workerID, TaskStatusDeploying)
	if err != nil {
		return nil, fmt.Errorf("ListPendingDeployTasksForWorker: %w", err)
	}
	defer rows.Close()
	return scanDeployTasks(rows)
}

// ListDesiredState returns the fleet-wide desired state as one subtask per
// distinct task_id (spec.md §4.5 full-sync ticker).
func (r *PostgresRepository) ListDesiredState(ctx context.Context) ([]*DeployTask, error) {
	query := `
		SELECT DISTINCT ON (dt.task_id)
			dt.id, dt.deployment_id, dt.task_id, dt.worker_id, dt.worker_address, dt.content, dt.status, dt.message, dt.created_at, dt.updated_at
		FROM deploy_tasks dt
		JOIN deployments d ON d.id = dt.deployment_id
		WHERE d.lifecycle_status = $1 AND d.deploy_status IN ($2, $3)
		ORDER BY dt.task_id, dt.created_at ASC`
	rows, err := r.pool.Query(ctx, query, LifecycleActive, DeployStatusDeploying, DeployStatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("ListDesiredState: %w", err)
	}
	defer rows.Close()
	return scanDeployTasks(rows)
}

func scanDeployTasks(rows pgx.Rows) ([]*DeployTask, error) {
	var out []*DeployTask
	for rows.Next() {
		var t DeployTask
		if err := rows.Scan(&t.ID, &t.DeploymentID, &t.TaskID, &t.WorkerID, &t.WorkerAddress,
			&t.Content, &t.Status, &t.Message, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpsertWorker(ctx context.Context, address, hostname string) (*Worker, error) {
	query := `
		INSERT INTO workers (address, hostname, last_seen, status)
		VALUES ($1, $2, NOW(), $3)
		ON CONFLICT (address) DO UPDATE SET last_seen = NOW(), status = $3, hostname = EXCLUDED.hostname
		RETURNING id, address, hostname, last_seen, status`
	var w Worker
	err := r.pool.QueryRow(ctx, query, address, hostname, WorkerStatusOnline).Scan(
		&w.ID, &w.Address, &w.Hostname, &w.LastSeen, &w.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("UpsertWorker: %w", err)
	}
	return &w, nil
}

func (r *PostgresRepository) TouchWorker(ctx context.Context, address string) error {
	query := `UPDATE workers SET last_seen = NOW(), status = $2 WHERE address = $1`
	_, err := r.pool.Exec(ctx, query, address, WorkerStatusOnline)
	if err != nil {
		return fmt.Errorf("TouchWorker: %w", err)
	}
	return nil
}

// ListOnlineWorkers returns workers whose last-seen timestamp is within
// offlineAfter of now (spec.md §3: "transitions to offline when last-seen
// older than a fixed threshold").
func (r *PostgresRepository) ListOnlineWorkers(ctx context.Context, offlineAfter time.Duration) ([]*Worker, error) {
	query := `
		SELECT id, address, hostname, last_seen, status
		FROM workers WHERE last_seen > $1`
	cutoff := time.Now().Add(-offlineAfter)
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("ListOnlineWorkers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.ID, &w.Address, &w.Hostname, &w.LastSeen, &w.Status); err != nil {
			return nil, err
		}
		w.Status = WorkerStatusOnline
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) MarkStaleWorkersOffline(ctx context.Context, offlineAfter time.Duration) error {
	query := `UPDATE workers SET status = $1 WHERE last_seen <= $2 AND status <> $1`
	cutoff := time.Now().Add(-offlineAfter)
	_, err := r.pool.Exec(ctx, query, WorkerStatusOffline, cutoff)
	if err != nil {
		return fmt.Errorf("MarkStaleWorkersOffline: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetProject(ctx context.Context, id int64) (*Project, error) {
	query := `
		SELECT id, owner_id, name, production_domain, production_deployment_id, created_at, updated_at
		FROM projects WHERE id = $1`
	var p Project
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.OwnerID, &p.Name, &p.ProductionDomain, &p.ProductionDeploymentID, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetProject: %w", err)
	}
	return &p, nil
}

// BindProductionDomain implements the tie-break invariant (spec.md §4.6):
// "newest deployment that reaches success with deploy-type = production;
// ties break on higher numeric deployment id." Called by the review-sweep
// only after a guarded transition to success succeeds, so the caller
// already holds the newest candidate; a plain comparison against the
// project's currently recorded production_deployment_id enforces the tie
// rule without a second query.
func (r *PostgresRepository) BindProductionDomain(ctx context.Context, projectID, deploymentID int64, domain string) error {
	query := `
		UPDATE projects
		SET production_domain = $3, production_deployment_id = $2, updated_at = NOW()
		WHERE id = $1 AND (production_deployment_id IS NULL OR production_deployment_id < $2)`
	_, err := r.pool.Exec(ctx, query, projectID, deploymentID, domain)
	if err != nil {
		return fmt.Errorf("BindProductionDomain: %w", err)
	}
	return nil
}
