// Package coordinator implements the Deploy Coordinator (spec.md §4.6): a
// pair of cooperating control-plane sweep loops that move a deployment
// through its lifecycle and reconcile per-worker subtask outcomes into a
// terminal status.
//
// Grounded on the teacher's internal/bootstrap/nitro.Orchestrator (progress
// stages logged via slog, fmt.Errorf-wrapped failure propagation funneled
// through a single failDeployment helper) and
// internal/bootstrap/repository.Repository (interface-first repository,
// status-guarded transactional updates).
package coordinator

import (
	"context"
	"crypto/md5" //nolint:gosec // content-integrity digest shipped to workers, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgerun/platform/internal/blobstore"
	"github.com/edgerun/platform/internal/deployitem"
	"github.com/edgerun/platform/internal/repository"
)

// Config tunes sweep cadence and worker liveness (spec.md §4.6, §3).
type Config struct {
	WaitingSweepInterval time.Duration
	ReviewSweepInterval  time.Duration
	WorkerOfflineAfter   time.Duration
	DownloadBaseURL      string // control-plane base URL the worker download_url is built against
}

// Coordinator is the Deploy Coordinator (C6).
type Coordinator struct {
	Repo     repository.Repository
	Blob     blobstore.Store
	Sources  SourceLoader
	Compiler *Compiler
	Config   Config
	Logger   *slog.Logger
}

// New builds a Coordinator, defaulting unset intervals to spec.md §4.6's
// suggested cadence.
func New(repo repository.Repository, blob blobstore.Store, sources SourceLoader, compiler *Compiler, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.WaitingSweepInterval <= 0 {
		cfg.WaitingSweepInterval = 2 * time.Second
	}
	if cfg.ReviewSweepInterval <= 0 {
		cfg.ReviewSweepInterval = 2 * time.Second
	}
	if cfg.WorkerOfflineAfter <= 0 {
		cfg.WorkerOfflineAfter = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{Repo: repo, Blob: blob, Sources: sources, Compiler: compiler, Config: cfg, Logger: logger}
}

// Run blocks until ctx is done, driving both sweeps.
func (c *Coordinator) Run(ctx context.Context) {
	waitingTicker := time.NewTicker(c.Config.WaitingSweepInterval)
	reviewTicker := time.NewTicker(c.Config.ReviewSweepInterval)
	defer waitingTicker.Stop()
	defer reviewTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-waitingTicker.C:
			c.waitingSweep(ctx)
		case <-reviewTicker.C:
			c.reviewSweep(ctx)
		}
	}
}

// waitingSweep implements spec.md §4.6's waiting-sweep. Each deployment is
// processed independently; failures are isolated to that deployment.
func (c *Coordinator) waitingSweep(ctx context.Context) {
	deployments, err := c.Repo.ListDeploymentsByStatus(ctx, repository.DeployStatusWaiting)
	if err != nil {
		c.Logger.Warn("waiting sweep: list failed", "error", err)
		return
	}
	for _, d := range deployments {
		go c.processWaiting(ctx, d)
	}
}

func (c *Coordinator) processWaiting(ctx context.Context, d *repository.Deployment) {
	logger := c.Logger.With("deployment_id", d.ID, "task_id", d.TaskID)

	ok, err := c.Repo.UpdateDeployStatusGuarded(ctx, d.ID, repository.DeployStatusWaiting, repository.DeployStatusCompiling)
	if err != nil || !ok {
		return // lost the race to another sweep tick, or a transient error; retried next tick
	}

	if d.PrecompiledArtifactPath != nil {
		c.proceedWithPrecompiled(ctx, d, logger)
		return
	}

	logger.Info("compiling", "stage", "compiling")
	artifact, err := c.compile(ctx, d)
	if err != nil {
		c.fail(ctx, d.ID, fmt.Errorf("compile: %w", err), logger)
		return
	}

	c.upload(ctx, d, artifact, logger)
}

func (c *Coordinator) compile(ctx context.Context, d *repository.Deployment) ([]byte, error) {
	src, err := c.Sources.Load(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}
	return c.Compiler.Compile(ctx, d.ID, src)
}

// proceedWithPrecompiled implements the resolved pre-compiled-artifact open
// question (SPEC_FULL.md §4.6): skip compile and go straight to fan-out,
// treating the already-uploaded artifact's path as authoritative.
func (c *Coordinator) proceedWithPrecompiled(ctx context.Context, d *repository.Deployment, logger *slog.Logger) {
	if ok, err := c.Repo.UpdateDeployStatusGuarded(ctx, d.ID, repository.DeployStatusCompiling, repository.DeployStatusUploading); err != nil || !ok {
		return
	}
	data, err := c.Blob.Read(ctx, *d.PrecompiledArtifactPath)
	if err != nil {
		c.fail(ctx, d.ID, fmt.Errorf("read precompiled artifact: %w", err), logger)
		return
	}
	sum := md5.Sum(data) //nolint:gosec
	if err := c.Repo.SetDeploymentUploadResult(ctx, d.ID, *d.PrecompiledArtifactPath, hex.EncodeToString(sum[:]), int64(len(data))); err != nil {
		c.fail(ctx, d.ID, fmt.Errorf("record precompiled artifact: %w", err), logger)
		return
	}
	d.StoragePath = *d.PrecompiledArtifactPath
	d.MD5 = hex.EncodeToString(sum[:])
	d.ByteSize = int64(len(data))
	c.fanOut(ctx, d, logger)
}

// upload implements spec.md §4.6 step 3.
func (c *Coordinator) upload(ctx context.Context, d *repository.Deployment, artifact []byte, logger *slog.Logger) {
	if ok, err := c.Repo.UpdateDeployStatusGuarded(ctx, d.ID, repository.DeployStatusCompiling, repository.DeployStatusUploading); err != nil || !ok {
		return
	}

	logger.Info("uploading", "stage", "uploading")
	sum := md5.Sum(artifact) //nolint:gosec
	storagePath := fmt.Sprintf("%d/%s_%s.wasm", d.ProjectID, d.Domain, time.Now().UTC().Format("20060102150405"))

	if err := c.Blob.Write(ctx, storagePath, artifact); err != nil {
		c.fail(ctx, d.ID, fmt.Errorf("upload artifact: %w", err), logger)
		return
	}
	if err := c.Repo.SetDeploymentUploadResult(ctx, d.ID, storagePath, hex.EncodeToString(sum[:]), int64(len(artifact))); err != nil {
		c.fail(ctx, d.ID, fmt.Errorf("record upload: %w", err), logger)
		return
	}

	d.StoragePath = storagePath
	d.MD5 = hex.EncodeToString(sum[:])
	d.ByteSize = int64(len(artifact))
	c.fanOut(ctx, d, logger)
}

// fanOut implements spec.md §4.6 step 4.
func (c *Coordinator) fanOut(ctx context.Context, d *repository.Deployment, logger *slog.Logger) {
	if ok, err := c.Repo.UpdateDeployStatusGuarded(ctx, d.ID, repository.DeployStatusUploading, repository.DeployStatusDeploying); err != nil || !ok {
		return
	}

	workers, err := c.Repo.ListOnlineWorkers(ctx, c.Config.WorkerOfflineAfter)
	if err != nil {
		c.fail(ctx, d.ID, fmt.Errorf("list online workers: %w", err), logger)
		return
	}
	if len(workers) == 0 {
		c.fail(ctx, d.ID, fmt.Errorf("no online workers"), logger)
		return
	}

	taskID := d.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	// Workers pull over HTTP through the control plane's /blobs proxy when a
	// base URL is configured; otherwise the blob store's own URL scheme
	// (file:// for fs, <base>/<path> for s3) is handed out directly.
	downloadURL := c.Blob.URL(d.StoragePath)
	if c.Config.DownloadBaseURL != "" {
		downloadURL = c.Config.DownloadBaseURL + "/" + d.StoragePath
	}

	for _, w := range workers {
		item := deployitem.Item{
			UserID:      d.OwnerID,
			ProjectID:   d.ProjectID,
			DeployID:    d.ID,
			TaskID:      taskID,
			FileName:    fmt.Sprintf("%d_%s.wasm", d.ID, d.Domain),
			FileHash:    d.MD5,
			DownloadURL: downloadURL,
			Domain:      d.Domain,
		}
		content, err := json.Marshal(item)
		if err != nil {
			logger.Warn("fan-out: marshal item failed", "worker_id", w.ID, "error", err)
			continue
		}
		task := &repository.DeployTask{
			DeploymentID:  d.ID,
			TaskID:        taskID,
			WorkerID:      w.ID,
			WorkerAddress: w.Address,
			Content:       string(content),
			Status:        repository.TaskStatusDeploying,
		}
		if err := c.Repo.CreateDeployTask(ctx, task); err != nil {
			logger.Warn("fan-out: create subtask failed", "worker_id", w.ID, "error", err)
		}
	}

	logger.Info("fanned out", "stage", "deploying", "workers", len(workers))
}

func (c *Coordinator) fail(ctx context.Context, id int64, err error, logger *slog.Logger) {
	logger.Warn("deployment failed", "error", err)
	if markErr := c.Repo.MarkDeploymentFailed(ctx, id, err.Error()); markErr != nil {
		logger.Error("failed to mark deployment failed", "error", markErr)
	}
}

// reviewSweep implements spec.md §4.6's review-sweep.
func (c *Coordinator) reviewSweep(ctx context.Context) {
	if err := c.Repo.MarkStaleWorkersOffline(ctx, c.Config.WorkerOfflineAfter); err != nil {
		c.Logger.Warn("review sweep: mark stale workers failed", "error", err)
	}

	deployments, err := c.Repo.ListDeploymentsByStatus(ctx, repository.DeployStatusDeploying)
	if err != nil {
		c.Logger.Warn("review sweep: list failed", "error", err)
		return
	}
	for _, d := range deployments {
		c.reviewOne(ctx, d)
	}
}

func (c *Coordinator) reviewOne(ctx context.Context, d *repository.Deployment) {
	logger := c.Logger.With("deployment_id", d.ID, "task_id", d.TaskID)

	workers, err := c.Repo.ListOnlineWorkers(ctx, c.Config.WorkerOfflineAfter)
	if err != nil {
		logger.Warn("review: list online workers failed", "error", err)
		return
	}
	if len(workers) == 0 {
		c.fail(ctx, d.ID, fmt.Errorf("no online workers"), logger)
		return
	}

	tasks, err := c.Repo.ListDeployTasksByTaskID(ctx, d.TaskID)
	if err != nil {
		logger.Warn("review: list subtasks failed", "error", err)
		return
	}

	allSuccess := true
	anyDeploying := false
	anyFailed := false
	for _, t := range tasks {
		switch t.Status {
		case repository.TaskStatusSuccess:
		case repository.TaskStatusFailed:
			allSuccess = false
			anyFailed = true
		case repository.TaskStatusDeploying:
			allSuccess = false
			anyDeploying = true
		}
	}

	switch {
	case allSuccess && len(tasks) > 0:
		c.succeed(ctx, d, logger)
	case anyFailed && !anyDeploying:
		c.fail(ctx, d.ID, fmt.Errorf("some tasks failed"), logger)
	default:
		// still deploying; re-evaluate next tick
	}
}

func (c *Coordinator) succeed(ctx context.Context, d *repository.Deployment, logger *slog.Logger) {
	ok, err := c.Repo.UpdateDeployStatusGuarded(ctx, d.ID, repository.DeployStatusDeploying, repository.DeployStatusSuccess)
	if err != nil || !ok {
		return
	}
	logger.Info("deployment succeeded", "stage", "success")

	if d.DeployType != repository.DeployTypeProduction {
		return
	}
	// Tie-break (spec.md §4.6): newest success wins, ties break on higher
	// deployment id — BindProductionDomain only advances the bound id, never
	// regresses it, so a concurrently-succeeding older deployment can never
	// clobber a newer one.
	if err := c.Repo.BindProductionDomain(ctx, d.ProjectID, d.ID, d.Domain); err != nil {
		logger.Warn("failed to bind production domain", "error", err)
	}
}
