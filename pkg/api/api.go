// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the controller, and the worker.
package api

import "time"

// Envelope is the uniform response wrapper for every controller endpoint.
// Exactly one of Data or Error is set.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// CreateOrgRequest is the request body for bootstrapping an organization.
// Creating an org also creates its development and production environments.
type CreateOrgRequest struct {
	Name string `json:"name"`
}

// CreateOrgResponse returns the new org and the API keys for its environments.
type CreateOrgResponse struct {
	OrgID   string               `json:"org_id"`
	Name    string               `json:"name"`
	EnvKeys []EnvironmentKeyInfo `json:"env_keys"`
}

// EnvironmentKeyInfo carries a freshly minted environment API key.
// The key is only returned once, at creation time.
type EnvironmentKeyInfo struct {
	EnvID  string `json:"env_id"`
	Type   string `json:"type"` // "development" or "production"
	APIKey string `json:"api_key"`
}

// TriggerTaskRequest is the request body for triggering a task run.
type TriggerTaskRequest struct {
	Payload         []byte     `json:"payload,omitempty"`
	PayloadType     string     `json:"payload_type,omitempty"`
	Queue           string     `json:"queue,omitempty"`
	ConcurrencyKey  string     `json:"concurrency_key,omitempty"`
	Priority        int        `json:"priority,omitempty"`
	IsTest          bool       `json:"is_test,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	LockedToVersion string     `json:"locked_to_version,omitempty"`
	DelayUntil      *time.Time `json:"delay_until,omitempty"`
	Machine         string     `json:"machine,omitempty"`
}

// TriggerTaskResponse is the response body after triggering a task.
type TriggerTaskResponse struct {
	RunID      string `json:"run_id"`
	FriendlyID string `json:"friendly_id"`
	Number     int    `json:"number"`
	Status     string `json:"status"`
}

// RunResponse represents a task run in API responses.
type RunResponse struct {
	ID             string     `json:"id"`
	FriendlyID     string     `json:"friendly_id"`
	Number         int        `json:"number"`
	TaskIdentifier string     `json:"task_identifier"`
	Queue          string     `json:"queue"`
	Status         string     `json:"status"`
	IsTest         bool       `json:"is_test"`
	Tags           []string   `json:"tags,omitempty"`
	Attempt        int        `json:"attempt"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Output         []byte     `json:"output,omitempty"`
	Error          *RunError  `json:"error,omitempty"`
	Snapshot       *Snapshot  `json:"snapshot,omitempty"`
}

// RunError is the structured error attached to a failed run.
// It is always a typed code plus a message, never a bare stack trace.
type RunError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// RegisterWorkerRequest registers a background worker version for an environment.
type RegisterWorkerRequest struct {
	Version             string       `json:"version"`
	Image               string       `json:"image,omitempty"`
	SupportsCheckpoints bool         `json:"supports_checkpoints"`
	Tasks               []WorkerTask `json:"tasks"`
}

// WorkerTask describes one task definition inside a worker version.
type WorkerTask struct {
	Identifier string `json:"identifier"`
	Queue      string `json:"queue,omitempty"`
	Machine    string `json:"machine,omitempty"`
	// Retry policy for failed attempts.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// RegisterWorkerResponse is the response body after registering a worker.
type RegisterWorkerResponse struct {
	WorkerID     string `json:"worker_id"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

// QueueStatsResponse is the introspection payload for a single queue.
type QueueStatsResponse struct {
	Queue               string `json:"queue"`
	Length              int64  `json:"length"`
	CurrentConcurrency  int64  `json:"current_concurrency"`
	ConcurrencyLimit    int64  `json:"concurrency_limit"`
	EnvConcurrency      int64  `json:"env_concurrency"`
	EnvConcurrencyLimit int64  `json:"env_concurrency_limit"`
}

// DeadLetterMessage represents one dead-lettered run reference.
type DeadLetterMessage struct {
	MessageID      string    `json:"message_id"`
	RunID          string    `json:"run_id"`
	Queue          string    `json:"queue"`
	Nacks          int       `json:"nacks"`
	Reason         string    `json:"reason,omitempty"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// RedriveResponse is returned after moving a dead-lettered message back
// onto its queue.
type RedriveResponse struct {
	MessageID string `json:"message_id"`
	Queue     string `json:"queue"`
}

// CompleteWaitpointRequest completes a MANUAL waitpoint from outside.
type CompleteWaitpointRequest struct {
	Output        []byte `json:"output,omitempty"`
	OutputIsError bool   `json:"output_is_error,omitempty"`
}

// CreateWaitpointRequest creates an externally completed waitpoint.
type CreateWaitpointRequest struct {
	// Type is MANUAL or BATCH; empty means MANUAL. A BATCH waitpoint is
	// the group handle a batch coordinator completes once every item in
	// the batch has finished.
	Type           string `json:"type,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// TimeoutSeconds completes the waitpoint with a timeout outcome if no
	// completion arrives in time. 0 waits forever.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// WaitpointResponse represents a waitpoint in API responses.
type WaitpointResponse struct {
	ID          string     `json:"id"`
	FriendlyID  string     `json:"friendly_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AddLogRequest is the attempt-log payload shipped by the worker.
type AddLogRequest struct {
	Content string `json:"content"`
}

// LogEntry represents a single log line in the response.
type LogEntry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GetLogsResponse is the response body for fetching run logs.
type GetLogsResponse struct {
	Logs []LogEntry `json:"logs"`
}

// Priority bounds for queued runs. Higher runs dequeue first.
const (
	PriorityMin = 0
	PriorityMax = 100
)
