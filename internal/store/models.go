// Package store contains the database layer for runplane.
package store

import (
	"time"

	"runplane/pkg/api"
)

// Organization is the top-level tenant. All operations are scoped by
// organization and environment.
type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// EnvironmentType distinguishes per-developer environments from pooled ones.
type EnvironmentType string

const (
	EnvironmentTypeDevelopment EnvironmentType = "development"
	EnvironmentTypeProduction  EnvironmentType = "production"
)

// Environment is an isolated run namespace inside an organization.
// API keys authenticate against exactly one environment.
type Environment struct {
	ID               string
	OrgID            string
	Type             EnvironmentType
	ConcurrencyLimit int
	CreatedAt        time.Time
}

// TaskRunStatus is the coarse, externally visible run status. Terminal
// statuses are final.
type TaskRunStatus string

const (
	TaskRunStatusDelayed               TaskRunStatus = "DELAYED"
	TaskRunStatusPending               TaskRunStatus = "PENDING"
	TaskRunStatusWaitingForDeploy      TaskRunStatus = "WAITING_FOR_DEPLOY"
	TaskRunStatusExecuting             TaskRunStatus = "EXECUTING"
	TaskRunStatusWaitingToResume       TaskRunStatus = "WAITING_TO_RESUME"
	TaskRunStatusRetryingAfterFailure  TaskRunStatus = "RETRYING_AFTER_FAILURE"
	TaskRunStatusPaused                TaskRunStatus = "PAUSED"
	TaskRunStatusCanceled              TaskRunStatus = "CANCELED"
	TaskRunStatusInterrupted           TaskRunStatus = "INTERRUPTED"
	TaskRunStatusCompletedSuccessfully TaskRunStatus = "COMPLETED_SUCCESSFULLY"
	TaskRunStatusCompletedWithErrors   TaskRunStatus = "COMPLETED_WITH_ERRORS"
	TaskRunStatusSystemFailure         TaskRunStatus = "SYSTEM_FAILURE"
	TaskRunStatusCrashed               TaskRunStatus = "CRASHED"
	TaskRunStatusExpired               TaskRunStatus = "EXPIRED"
	TaskRunStatusTimedOut              TaskRunStatus = "TIMED_OUT"
)

// IsTerminal reports whether a status is final.
func (s TaskRunStatus) IsTerminal() bool {
	switch s {
	case TaskRunStatusCanceled, TaskRunStatusInterrupted,
		TaskRunStatusCompletedSuccessfully, TaskRunStatusCompletedWithErrors,
		TaskRunStatusSystemFailure, TaskRunStatusCrashed,
		TaskRunStatusExpired, TaskRunStatusTimedOut:
		return true
	}
	return false
}

// TaskRun is the authoritative record of one triggered run. Created on
// trigger, mutated only by the state machine, never deleted.
type TaskRun struct {
	ID             string
	FriendlyID     string
	Number         int
	TaskIdentifier string
	OrgID          string
	EnvID          string
	Queue          string
	ConcurrencyKey string
	Priority       int
	Payload        []byte
	PayloadType    string
	IsTest         bool
	Tags           []string
	Machine        string
	Status         TaskRunStatus
	Attempt        int
	MaxAttempts    int
	// LockedToVersion pins the run to one worker version; empty means
	// resolve at dequeue time.
	LockedToVersion string
	// LockedWorkerID is set once resolution succeeds.
	LockedWorkerID string
	Output         []byte
	OutputType     string
	ErrorCode      string
	ErrorMessage   string
	DelayUntil     *time.Time
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	HeartbeatAt    *time.Time
}

// ExecutionSnapshot is one entry in a run's append-only snapshot log.
// Snapshots are never mutated, only superseded; the latest snapshot is
// what workers act on.
type ExecutionSnapshot struct {
	ID              string
	FriendlyID      string
	RunID           string
	ExecutionStatus api.ExecutionStatus
	Description     string
	CreatedAt       time.Time
}

// WaitpointStatus tracks whether a waitpoint is still open.
type WaitpointStatus string

const (
	WaitpointStatusPending   WaitpointStatus = "PENDING"
	WaitpointStatusCompleted WaitpointStatus = "COMPLETED"
)

// Waitpoint is a condition a run blocks on until externally satisfied.
type Waitpoint struct {
	ID             string
	FriendlyID     string
	EnvID          string
	Type           api.WaitpointType
	Status         WaitpointStatus
	IdempotencyKey string
	// CompletedByRunID is set for RUN waitpoints.
	CompletedByRunID string
	// ResumeAt is set for DATETIME waitpoints.
	ResumeAt      *time.Time
	Output        []byte
	OutputIsError bool
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

// BlockedWaitpoint joins a run to a waitpoint it is blocked on.
type BlockedWaitpoint struct {
	RunID       string
	WaitpointID string
	CreatedAt   time.Time
}

// BackgroundWorker is a versioned, immutable code artifact registered
// for an environment.
type BackgroundWorker struct {
	ID                  string
	EnvID               string
	Version             string
	Image               string
	SupportsCheckpoints bool
	CreatedAt           time.Time
	Tasks               []BackgroundWorkerTask
}

// BackgroundWorkerTask is one task definition inside a worker version.
type BackgroundWorkerTask struct {
	ID          string
	WorkerID    string
	Identifier  string
	Queue       string
	Machine     string
	MaxAttempts int
}

// WorkerDeployment points an environment at a worker version. Exactly
// one deployment per environment is promoted at a time.
type WorkerDeployment struct {
	ID         string
	EnvID      string
	WorkerID   string
	Promoted   bool
	CreatedAt  time.Time
	PromotedAt *time.Time
}

// RunLog is one shipped attempt-output line batch.
type RunLog struct {
	ID        int64
	RunID     string
	Content   string
	CreatedAt time.Time
}
