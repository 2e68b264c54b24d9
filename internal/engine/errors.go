package engine

import (
	"fmt"

	"runplane/pkg/api"
)

// Resolution error codes. These identify why a run could not be matched
// to a task definition, so operators can tell deployment lag from
// misconfiguration.
const (
	CodeNoRun                    = "NO_RUN"
	CodeNoWorker                 = "NO_WORKER"
	CodeTaskNotInLatest          = "TASK_NOT_IN_LATEST"
	CodeTaskNeverRegistered      = "TASK_NEVER_REGISTERED"
	CodeBackgroundWorkerMismatch = "BACKGROUND_WORKER_MISMATCH"
)

// Failure codes attached to terminal runs by the engine itself.
const (
	CodeHeartbeatTimeout = "HEARTBEAT_TIMEOUT"
	CodeTimedOut         = "TIMED_OUT"
	CodeCanceled         = "CANCELED"
)

// ResolutionError reports which worker/task lookup failed for a run.
type ResolutionError struct {
	Code             string
	Message          string
	ExpectedWorkerID string
	ReceivedWorkerID string
}

func (e *ResolutionError) Error() string {
	if e.ExpectedWorkerID != "" {
		return fmt.Sprintf("%s: %s (expected worker %s, got %s)",
			e.Code, e.Message, e.ExpectedWorkerID, e.ReceivedWorkerID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StaleSnapshotError rejects a run-scoped call that quoted a superseded
// snapshot. Latest carries the authoritative snapshot so the caller can
// reconcile instead of retrying blindly.
type StaleSnapshotError struct {
	RunID  string
	Got    string
	Latest api.Snapshot
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("run %s: snapshot %s superseded by %s", e.RunID, e.Got, e.Latest.ID)
}
