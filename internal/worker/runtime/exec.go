package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
// It is meant for development environments; resource limits are not
// enforced.
type ExecRuntime struct{}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime() *ExecRuntime {
	return &ExecRuntime{}
}

// Start implements Runtime.Start using os/exec. The command's stdout
// and stderr are combined into one log stream.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("exec runtime requires a command")
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create log pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// The parent's write end must close so readers see EOF when the
	// child exits.
	pw.Close()

	return &execHandle{cmd: cmd, logs: pr}, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	logs *os.File

	waitOnce sync.Once
	result   ExitResult
	waitErr  error
}

func (h *execHandle) Wait(ctx context.Context) (ExitResult, error) {
	done := make(chan struct{})
	go func() {
		h.waitOnce.Do(h.wait)
		close(done)
	}()

	select {
	case <-done:
		return h.result, h.waitErr
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	if err == nil {
		h.result = ExitResult{ExitCode: 0}
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res := ExitResult{ExitCode: exitErr.ExitCode(), Error: err}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			res.ExitCode = 128 + int(status.Signal())
		}
		h.result = res
		return
	}
	h.result = ExitResult{ExitCode: -1, Error: err}
	h.waitErr = err
}

func (h *execHandle) Stop(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.logs, nil
}
