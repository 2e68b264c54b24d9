package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows passing either a connection pool or an active transaction
// to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// OrgStore handles organizations, environments and their API keys.
type OrgStore interface {
	CreateOrganization(ctx context.Context, tx DBTransaction, org *Organization) error
	CreateEnvironment(ctx context.Context, tx DBTransaction, env *Environment, hashedAPIKey string) error
	GetEnvironmentByID(ctx context.Context, id string) (*Environment, error)
	GetEnvironmentByAPIKeyHash(ctx context.Context, hash string) (*Environment, error)
}

// RunStore handles TaskRun persistence. Run numbers are assigned per
// environment at insert time.
type RunStore interface {
	CreateRun(ctx context.Context, tx DBTransaction, run *TaskRun) error
	GetRunByID(ctx context.Context, id string) (*TaskRun, error)
	SetRunStatus(ctx context.Context, tx DBTransaction, runID string, status TaskRunStatus) error
	LockRunToWorker(ctx context.Context, tx DBTransaction, runID, workerID, version string) error
	// StartRunAttempt bumps the attempt counter, stamps started_at on the
	// first attempt, and returns the new attempt number.
	StartRunAttempt(ctx context.Context, tx DBTransaction, runID string) (int, error)
	CompleteRun(ctx context.Context, tx DBTransaction, runID string, status TaskRunStatus, output []byte, outputType, errorCode, errorMessage string) error
	HeartbeatRun(ctx context.Context, runID string, at time.Time) error
	// ListRunsWithExpiredHeartbeats returns ids of non-terminal runs whose
	// last heartbeat is older than cutoff.
	ListRunsWithExpiredHeartbeats(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// ListRunsWaitingForDeploy returns ids of runs parked until a worker
	// version that knows their task is registered.
	ListRunsWaitingForDeploy(ctx context.Context, envID string) ([]string, error)
}

// SnapshotStore is the append-only snapshot log.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, tx DBTransaction, snapshot *ExecutionSnapshot) error
	LatestSnapshot(ctx context.Context, runID string) (*ExecutionSnapshot, error)
}

// WaitpointStore handles waitpoints and the run/waitpoint blocking joins.
type WaitpointStore interface {
	CreateWaitpoint(ctx context.Context, tx DBTransaction, wp *Waitpoint) error
	GetWaitpointByID(ctx context.Context, id string) (*Waitpoint, error)
	FindWaitpointByIdempotencyKey(ctx context.Context, envID, key string) (*Waitpoint, error)
	// CompleteWaitpoint marks a waitpoint completed. Returns false when it
	// was already completed, which callers must treat as a no-op.
	CompleteWaitpoint(ctx context.Context, tx DBTransaction, id string, output []byte, outputIsError bool, completedAt time.Time) (bool, error)
	BlockRunWithWaitpoint(ctx context.Context, tx DBTransaction, runID, waitpointID string) error
	OpenWaitpointCountForRun(ctx context.Context, runID string) (int, error)
	RunsBlockedByWaitpoint(ctx context.Context, waitpointID string) ([]string, error)
	// CompletedWaitpointsForRun returns the completed waitpoints still
	// joined to a run, oldest first.
	CompletedWaitpointsForRun(ctx context.Context, runID string) ([]Waitpoint, error)
	ClearBlockedWaitpoints(ctx context.Context, tx DBTransaction, runID string) error
	// DueWaitpoints returns pending waitpoints whose resume deadline has
	// passed. For DATETIME waitpoints the deadline is the timer; for any
	// other type it is a caller-supplied timeout.
	DueWaitpoints(ctx context.Context, now time.Time, limit int) ([]Waitpoint, error)
	// PendingWaitpointsCompletedByRun returns open RUN waitpoints that a
	// given run's completion satisfies.
	PendingWaitpointsCompletedByRun(ctx context.Context, runID string) ([]Waitpoint, error)
}

// WorkerStore handles background workers and deployments.
type WorkerStore interface {
	CreateWorker(ctx context.Context, tx DBTransaction, worker *BackgroundWorker) error
	GetWorkerByID(ctx context.Context, id string) (*BackgroundWorker, error)
	GetWorkerByVersion(ctx context.Context, envID, version string) (*BackgroundWorker, error)
	LatestWorkerForEnv(ctx context.Context, envID string) (*BackgroundWorker, error)
	// TaskEverRegistered reports whether any worker version in the
	// environment has ever carried the task identifier.
	TaskEverRegistered(ctx context.Context, envID, taskIdentifier string) (bool, error)
	CreateDeployment(ctx context.Context, tx DBTransaction, d *WorkerDeployment) error
	PromoteDeployment(ctx context.Context, deploymentID string) error
	PromotedDeploymentForEnv(ctx context.Context, envID string) (*WorkerDeployment, error)
}

// LogStore handles shipped attempt output.
type LogStore interface {
	AddRunLog(ctx context.Context, runID, content string) error
	GetRunLogs(ctx context.Context, runID string, afterID int64, limit int) ([]RunLog, error)
}
