package api

import "time"

// DequeuedMessageVersion pins the wire shape of DequeuedMessage.
// Bump only with a backward-compatible reader on the worker side.
const DequeuedMessageVersion = "1"

// ExecutionStatus is the fine-grained run execution status carried on
// snapshots. It drives what the worker and the queue do next.
type ExecutionStatus string

const (
	ExecutionStatusRunCreated              ExecutionStatus = "RUN_CREATED"
	ExecutionStatusQueued                  ExecutionStatus = "QUEUED"
	ExecutionStatusPendingExecuting        ExecutionStatus = "PENDING_EXECUTING"
	ExecutionStatusExecuting               ExecutionStatus = "EXECUTING"
	ExecutionStatusExecutingWithWaitpoints ExecutionStatus = "EXECUTING_WITH_WAITPOINTS"
	ExecutionStatusBlockedByWaitpoints     ExecutionStatus = "BLOCKED_BY_WAITPOINTS"
	ExecutionStatusPendingCancel           ExecutionStatus = "PENDING_CANCEL"
	ExecutionStatusFinished                ExecutionStatus = "FINISHED"
)

// Snapshot is the wire form of an execution snapshot. Every run-scoped
// supervisor call must quote the latest snapshot ID; calls quoting a
// superseded one are rejected.
type Snapshot struct {
	ID              string          `json:"id"`
	FriendlyID      string          `json:"friendly_id"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	Description     string          `json:"description,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// WaitpointType discriminates what satisfies a waitpoint.
type WaitpointType string

const (
	WaitpointTypeRun      WaitpointType = "RUN"
	WaitpointTypeDateTime WaitpointType = "DATETIME"
	WaitpointTypeManual   WaitpointType = "MANUAL"
	WaitpointTypeBatch    WaitpointType = "BATCH"
)

// CompletedWaitpoint is delivered with the next DequeuedMessage once a
// waitpoint the run was blocked on has been satisfied.
type CompletedWaitpoint struct {
	ID            string        `json:"id"`
	FriendlyID    string        `json:"friendly_id"`
	Type          WaitpointType `json:"type"`
	CompletedAt   time.Time     `json:"completed_at"`
	Output        []byte        `json:"output,omitempty"`
	OutputIsError bool          `json:"output_is_error"`
}

// MachinePreset names a fixed cpu/memory shape an attempt runs with.
type MachinePreset struct {
	Name      string `json:"name"`
	CPUMillis int64  `json:"cpu_millis"`
	MemoryMB  int64  `json:"memory_mb"`
}

// Machine presets, smallest to largest. CPU in millicores, memory in MiB.
var MachinePresets = map[string]MachinePreset{
	"micro":     {Name: "micro", CPUMillis: 250, MemoryMB: 256},
	"small-1x":  {Name: "small-1x", CPUMillis: 500, MemoryMB: 512},
	"small-2x":  {Name: "small-2x", CPUMillis: 1000, MemoryMB: 1024},
	"medium-1x": {Name: "medium-1x", CPUMillis: 2000, MemoryMB: 2048},
	"medium-2x": {Name: "medium-2x", CPUMillis: 4000, MemoryMB: 4096},
	"large-1x":  {Name: "large-1x", CPUMillis: 8000, MemoryMB: 8192},
}

// DefaultMachine is used when a task does not name a preset.
const DefaultMachine = "small-1x"

// MachineResources is a cpu/memory budget used to cap what a dequeue
// call may claim.
type MachineResources struct {
	CPUMillis int64 `json:"cpu_millis"`
	MemoryMB  int64 `json:"memory_mb"`
}

// CheckpointRef points at the state saved when a run was suspended.
type CheckpointRef struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Location string `json:"location"`
}

// DequeuedMessage is the canonical unit handed from the queue to a
// worker. Its shape is versioned; see DequeuedMessageVersion.
type DequeuedMessage struct {
	Version             string               `json:"version"`
	RunID               string               `json:"run_id"`
	RunFriendlyID       string               `json:"run_friendly_id"`
	TaskIdentifier      string               `json:"task_identifier"`
	Attempt             int                  `json:"attempt"`
	Payload             []byte               `json:"payload,omitempty"`
	PayloadType         string               `json:"payload_type,omitempty"`
	Snapshot            Snapshot             `json:"snapshot"`
	Checkpoint          *CheckpointRef       `json:"checkpoint,omitempty"`
	CompletedWaitpoints []CompletedWaitpoint `json:"completed_waitpoints,omitempty"`
	WorkerID            string               `json:"worker_id"`
	WorkerVersion       string               `json:"worker_version"`
	DeploymentID        string               `json:"deployment_id,omitempty"`
	Image               string               `json:"image,omitempty"`
	Machine             MachinePreset        `json:"machine"`
	EnvID               string               `json:"env_id"`
	EnvType             string               `json:"env_type"`
	OrgID               string               `json:"org_id"`
}

// ConnectRequest introduces a worker instance to the controller.
type ConnectRequest struct {
	WorkerInstanceID string `json:"worker_instance_id"`
	Version          string `json:"version,omitempty"`
	DeploymentID     string `json:"deployment_id,omitempty"`
}

// ConnectResponse acknowledges a worker connection.
type ConnectResponse struct {
	WorkerGroup       string        `json:"worker_group"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// DequeueRequest asks for up to MaxRunCount admissible runs. EnvID pins
// a development worker to its environment's own master queue; the
// pooled fleet leaves it empty and polls the shared queue.
type DequeueRequest struct {
	WorkerInstanceID string            `json:"worker_instance_id"`
	EnvID            string            `json:"env_id,omitempty"`
	MaxRunCount      int               `json:"max_run_count"`
	MaxResources     *MachineResources `json:"max_resources,omitempty"`
}

// DequeueResponse carries zero or more dequeued runs. Empty is normal;
// the worker is expected to poll with backoff.
type DequeueResponse struct {
	Messages []DequeuedMessage `json:"messages"`
}

// HeartbeatWorkerRequest keeps a worker instance registered.
type HeartbeatWorkerRequest struct {
	WorkerInstanceID string `json:"worker_instance_id"`
}

// StartAttemptResponse is returned when a worker reports an attempt start.
type StartAttemptResponse struct {
	Snapshot Snapshot `json:"snapshot"`
	Attempt  int      `json:"attempt"`
}

// AttemptResult is the worker's report of how an attempt ended.
type AttemptResult struct {
	Ok            bool      `json:"ok"`
	Output        []byte    `json:"output,omitempty"`
	OutputType    string    `json:"output_type,omitempty"`
	Error         *RunError `json:"error,omitempty"`
	// Retryable marks a failure the run's retry policy may requeue.
	Retryable bool `json:"retryable,omitempty"`
}

// CompleteAttemptStatus tells the worker what to do with the run's
// resources after reporting a completion.
type CompleteAttemptStatus string

const (
	CompleteAttemptStatusRunFinished      CompleteAttemptStatus = "RUN_FINISHED"
	CompleteAttemptStatusRetryQueued      CompleteAttemptStatus = "RETRY_QUEUED"
	CompleteAttemptStatusRetryImmediately CompleteAttemptStatus = "RETRY_IMMEDIATELY"
)

// CompleteAttemptResponse is returned when a worker reports an attempt
// completion. On RETRY_IMMEDIATELY the same worker should rerun the task
// without going back through the queue.
type CompleteAttemptResponse struct {
	Status   CompleteAttemptStatus `json:"status"`
	Snapshot Snapshot              `json:"snapshot"`
	RetryAt  *time.Time            `json:"retry_at,omitempty"`
}

// WaitForDurationRequest suspends a run on a DATETIME waitpoint.
type WaitForDurationRequest struct {
	Duration time.Duration `json:"duration"`
}

// WaitForDurationResponse returns the waitpoint the run is now blocked on.
type WaitForDurationResponse struct {
	WaitpointID string    `json:"waitpoint_id"`
	ResumeAt    time.Time `json:"resume_at"`
	Snapshot    Snapshot  `json:"snapshot"`
}
