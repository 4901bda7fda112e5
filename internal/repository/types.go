// Package repository provides the data access layer for deployments, their
// fan-out subtasks, worker records, and projects (spec.md §3).
package repository

import "time"

// DeployType distinguishes a production rollout from a development preview
// (spec.md §3).
type DeployType string

const (
	DeployTypeProduction  DeployType = "production"
	DeployTypeDevelopment DeployType = "development"
)

// DeployStatus is the deployment lifecycle state (spec.md §3, §4.6):
// waiting → compiling → uploading → deploying → success, or → failed from
// any non-terminal state.
type DeployStatus string

const (
	DeployStatusWaiting    DeployStatus = "waiting"
	DeployStatusCompiling  DeployStatus = "compiling"
	DeployStatusUploading  DeployStatus = "uploading"
	DeployStatusDeploying  DeployStatus = "deploying"
	DeployStatusSuccess    DeployStatus = "success"
	DeployStatusFailed     DeployStatus = "failed"
)

// LifecycleStatus tracks whether a deployment record is still in play.
type LifecycleStatus string

const (
	LifecycleActive   LifecycleStatus = "active"
	LifecycleDeleted  LifecycleStatus = "deleted"
	LifecycleDisabled LifecycleStatus = "disabled"
)

// Deployment is the unit of intent (spec.md §3).
type Deployment struct {
	ID                      int64
	OwnerID                 int64
	ProjectID               int64
	TaskID                  string
	Domain                  string
	StoragePath             string
	MD5                     string
	ByteSize                int64
	DeployType              DeployType
	DeployStatus            DeployStatus
	LifecycleStatus         LifecycleStatus
	PrecompiledArtifactPath *string
	Message                 *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// TaskStatus is a deploy subtask's acknowledgement state (spec.md §3).
type TaskStatus string

const (
	TaskStatusDeploying TaskStatus = "deploying"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusFailed    TaskStatus = "failed"
)

// DeployTask is one (deployment × online worker) fan-out subtask (spec.md
// §3): "created only by C6; mutated only by C5 acknowledgements."
type DeployTask struct {
	ID            int64
	DeploymentID  int64
	TaskID        string
	WorkerID      int64
	WorkerAddress string
	Content       string
	Status        TaskStatus
	Message       *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WorkerStatus is a worker record's observed liveness (spec.md §3).
type WorkerStatus string

const (
	WorkerStatusOnline  WorkerStatus = "online"
	WorkerStatusOffline WorkerStatus = "offline"
)

// Worker is one registered worker node (spec.md §3).
type Worker struct {
	ID       int64
	Address  string
	Hostname string
	LastSeen time.Time
	Status   WorkerStatus
}

// Project tracks a project's current production-bound domain (spec.md §3,
// §4.6: "a project's production domain is bound to the newest deployment
// that reaches success with deploy-type = production").
type Project struct {
	ID                     int64
	OwnerID                int64
	Name                   string
	ProductionDomain       *string
	ProductionDeploymentID *int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
