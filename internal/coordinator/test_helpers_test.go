package coordinator

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/edgerun/platform/internal/repository"
)

// MockRepository is a mock implementation of repository.Repository for testing.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateDeployment(ctx context.Context, d *repository.Deployment) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockRepository) GetDeployment(ctx context.Context, id int64) (*repository.Deployment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Deployment), args.Error(1)
}

func (m *MockRepository) ListDeploymentsByStatus(ctx context.Context, status repository.DeployStatus) ([]*repository.Deployment, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.Deployment), args.Error(1)
}

func (m *MockRepository) ListDeploymentsByTaskID(ctx context.Context, taskID string) ([]*repository.Deployment, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.Deployment), args.Error(1)
}

func (m *MockRepository) UpdateDeployStatusGuarded(ctx context.Context, id int64, fromStatus, toStatus repository.DeployStatus) (bool, error) {
	args := m.Called(ctx, id, fromStatus, toStatus)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) MarkDeploymentFailed(ctx context.Context, id int64, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *MockRepository) SetDeploymentUploadResult(ctx context.Context, id int64, storagePath, md5 string, byteSize int64) error {
	args := m.Called(ctx, id, storagePath, md5, byteSize)
	return args.Error(0)
}

func (m *MockRepository) SetDeploymentLifecycle(ctx context.Context, id int64, status repository.LifecycleStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockRepository) CreateDeployTask(ctx context.Context, t *repository.DeployTask) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockRepository) ListDeployTasksByTaskID(ctx context.Context, taskID string) ([]*repository.DeployTask, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.DeployTask), args.Error(1)
}

func (m *MockRepository) UpdateDeployTaskStatus(ctx context.Context, id int64, status repository.TaskStatus, message *string) error {
	args := m.Called(ctx, id, status, message)
	return args.Error(0)
}

func (m *MockRepository) UpdateDeployTaskOutcome(ctx context.Context, taskID string, workerID int64, status repository.TaskStatus, message *string) error {
	args := m.Called(ctx, taskID, workerID, status, message)
	return args.Error(0)
}

func (m *MockRepository) ListPendingDeployTasksForWorker(ctx context.Context, workerID int64) ([]*repository.DeployTask, error) {
	args := m.Called(ctx, workerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.DeployTask), args.Error(1)
}

func (m *MockRepository) ListDesiredState(ctx context.Context) ([]*repository.DeployTask, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.DeployTask), args.Error(1)
}

func (m *MockRepository) UpsertWorker(ctx context.Context, address, hostname string) (*repository.Worker, error) {
	args := m.Called(ctx, address, hostname)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Worker), args.Error(1)
}

func (m *MockRepository) TouchWorker(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

func (m *MockRepository) ListOnlineWorkers(ctx context.Context, offlineAfter time.Duration) ([]*repository.Worker, error) {
	args := m.Called(ctx, offlineAfter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.Worker), args.Error(1)
}

func (m *MockRepository) MarkStaleWorkersOffline(ctx context.Context, offlineAfter time.Duration) error {
	args := m.Called(ctx, offlineAfter)
	return args.Error(0)
}

func (m *MockRepository) GetProject(ctx context.Context, id int64) (*repository.Project, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Project), args.Error(1)
}

func (m *MockRepository) BindProductionDomain(ctx context.Context, projectID, deploymentID int64, domain string) error {
	args := m.Called(ctx, projectID, deploymentID, domain)
	return args.Error(0)
}

var _ repository.Repository = (*MockRepository)(nil)

// MockBlobStore is a mock implementation of blobstore.Store for testing.
type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) Write(ctx context.Context, path string, data []byte) error {
	args := m.Called(ctx, path, data)
	return args.Error(0)
}

func (m *MockBlobStore) Read(ctx context.Context, path string) ([]byte, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBlobStore) Exists(ctx context.Context, path string) (bool, error) {
	args := m.Called(ctx, path)
	return args.Bool(0), args.Error(1)
}

func (m *MockBlobStore) URL(path string) string {
	args := m.Called(path)
	return args.String(0)
}

// stubSourceLoader always returns the same source bytes (or an error).
type stubSourceLoader struct {
	src []byte
	err error
}

func (s *stubSourceLoader) Load(ctx context.Context, deploymentID int64) ([]byte, error) {
	return s.src, s.err
}
