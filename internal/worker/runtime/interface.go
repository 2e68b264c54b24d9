// Package runtime provides the Runtime interface for task execution
// backends. Implementations include raw processes, Docker containers,
// and Kubernetes pods.
package runtime

import (
	"context"
	"io"
)

// Runtime starts task attempts.
type Runtime interface {
	// Start begins execution of an attempt and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for one attempt.
type StartOptions struct {
	// Image is the worker image. Ignored by the exec runtime.
	Image   string
	Command []string
	Env     map[string]string
	// CPUMillis and MemoryMB come from the run's machine preset.
	// Container runtimes enforce them; the exec runtime cannot.
	CPUMillis int64
	MemoryMB  int64
}

// ExitResult is how an attempt's process ended.
type ExitResult struct {
	ExitCode int
	// OOMKilled is set when the kernel killed the process for exceeding
	// its memory limit. The controller maps this to its own error code.
	OOMKilled bool
	Error     error
}

// Handle represents a running attempt.
type Handle interface {
	// Wait blocks until the attempt completes.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the attempt.
	Stop(ctx context.Context) error

	// StreamLogs returns a reader for the attempt's stdout/stderr.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)
}
