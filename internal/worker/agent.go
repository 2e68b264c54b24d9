// Package worker contains the worker-side agent that polls the
// controller for runs and executes task attempts through a runtime.
package worker

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"runplane/internal/logger"
	"runplane/internal/supervisor"
	"runplane/internal/worker/runtime"
	"runplane/pkg/api"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Controller is the subset of the supervisor client the agent needs.
// It exists so tests can drive the agent without an HTTP server.
type Controller interface {
	Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error)
	Dequeue(ctx context.Context, req api.DequeueRequest) ([]api.DequeuedMessage, error)
	DequeueForDeployment(ctx context.Context, deploymentID string, req api.DequeueRequest) ([]api.DequeuedMessage, error)
	HeartbeatWorker(ctx context.Context, workerInstanceID string) error
	HeartbeatRun(ctx context.Context, runID, snapshotID string) (*api.Snapshot, error)
	StartAttempt(ctx context.Context, runID, snapshotID string) (*api.StartAttemptResponse, error)
	CompleteAttempt(ctx context.Context, runID, snapshotID string, result api.AttemptResult) (*api.CompleteAttemptResponse, error)
	LatestSnapshot(ctx context.Context, runID string) (*api.Snapshot, error)
	ShipLogs(ctx context.Context, runID, content string) error
}

// Config holds configuration for the worker agent.
type Config struct {
	// InstanceID identifies this worker instance to the controller.
	InstanceID string
	// Version is the worker code version reported on connect.
	Version string
	// EnvID pins a development worker to its environment's own queue.
	// Pooled workers leave it empty.
	EnvID string
	// DeploymentID pins dequeues to a single deployment. Empty means
	// the worker serves whatever the shared queue yields.
	DeploymentID string
	Concurrency  int
	PollInterval time.Duration
	// MaxBackoff caps the poll backoff when the queue is empty.
	MaxBackoff time.Duration
	// HeartbeatInterval is the default run/worker heartbeat cadence.
	// The controller's connect response overrides it.
	HeartbeatInterval time.Duration
	// AttemptTimeout bounds a single attempt's execution.
	AttemptTimeout time.Duration
}

// Agent runs the dequeue loop: it claims runs from the controller,
// starts attempts through the runtime, heartbeats them while they
// execute, and reports their results.
type Agent struct {
	controller Controller
	runtime    runtime.Runtime
	config     Config
	logger     *slog.Logger
	done       chan struct{}
}

// New creates a worker agent.
func New(ctrl Controller, rt runtime.Runtime, config Config, logger *slog.Logger) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 30 * time.Minute
	}

	return &Agent{
		controller: ctrl,
		runtime:    rt,
		config:     config,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run connects to the controller and starts the dequeue loop. It blocks
// until the context is cancelled; in-flight attempts are allowed to
// finish before it returns.
func (a *Agent) Run(ctx context.Context) error {
	conn, err := a.controller.Connect(ctx, api.ConnectRequest{
		WorkerInstanceID: a.config.InstanceID,
		Version:          a.config.Version,
		DeploymentID:     a.config.DeploymentID,
	})
	if err != nil {
		close(a.done)
		return err
	}
	if conn.HeartbeatInterval > 0 {
		a.config.HeartbeatInterval = conn.HeartbeatInterval
	}

	a.logger.Info("worker agent starting",
		"instance_id", a.config.InstanceID,
		"worker_group", conn.WorkerGroup,
		"concurrency", a.config.Concurrency)

	go a.workerHeartbeat(ctx)

	// Semaphore bounds in-flight attempts.
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// pollNow triggers an immediate re-poll when a slot frees up.
	pollNow := make(chan struct{}, 1)
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}
	triggerPoll()

	currentBackoff := a.config.PollInterval

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down, draining in-flight attempts")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			messages, err := a.dequeue(ctx, availableSlots)
			if err != nil {
				a.logger.Error("dequeue failed", "error", err)
				continue
			}

			if len(messages) == 0 {
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}
			currentBackoff = a.config.PollInterval

			for _, msg := range messages {
				sem <- struct{}{}
				wg.Add(1)
				go func(msg api.DequeuedMessage) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					a.processMessage(ctx, msg)
				}(msg)
			}

			if len(messages) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) dequeue(ctx context.Context, maxRuns int) ([]api.DequeuedMessage, error) {
	req := api.DequeueRequest{
		WorkerInstanceID: a.config.InstanceID,
		EnvID:            a.config.EnvID,
		MaxRunCount:      maxRuns,
	}
	if a.config.DeploymentID != "" {
		return a.controller.DequeueForDeployment(ctx, a.config.DeploymentID, req)
	}
	return a.controller.Dequeue(ctx, req)
}

// workerHeartbeat keeps the worker instance registered with the
// controller while the agent runs.
func (a *Agent) workerHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.controller.HeartbeatWorker(ctx, a.config.InstanceID); err != nil {
				a.logger.Warn("worker heartbeat failed", "error", err)
			}
		}
	}
}

// attemptState tracks the snapshot the worker currently quotes for a
// run. The heartbeat goroutine replaces it when the controller reports
// a newer one.
type attemptState struct {
	mu         sync.Mutex
	snapshotID string
	canceled   bool
}

func (s *attemptState) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotID
}

func (s *attemptState) set(id string) {
	s.mu.Lock()
	s.snapshotID = id
	s.mu.Unlock()
}

func (s *attemptState) cancel(latestID string) {
	s.mu.Lock()
	s.snapshotID = latestID
	s.canceled = true
	s.mu.Unlock()
}

func (s *attemptState) isCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// processMessage executes attempts for one dequeued run until the
// controller tells the worker to let go of it. Development retries
// come back as RETRY_IMMEDIATELY and rerun in place.
func (a *Agent) processMessage(ctx context.Context, msg api.DequeuedMessage) {
	ctx = logger.WithRunID(ctx, msg.RunID)
	snapshot := msg.Snapshot
	for {
		next, again := a.runAttempt(ctx, msg, snapshot)
		if !again {
			return
		}
		snapshot = next
	}
}

// runAttempt performs a single attempt. It returns the snapshot to
// start the next attempt from and whether the worker should rerun the
// task immediately.
func (a *Agent) runAttempt(ctx context.Context, msg api.DequeuedMessage, snapshot api.Snapshot) (api.Snapshot, bool) {
	log := logger.FromContext(ctx, a.logger)

	start, err := a.controller.StartAttempt(ctx, msg.RunID, snapshot.ID)
	if err != nil {
		var stale *supervisor.StaleSnapshotError
		if !errors.As(err, &stale) {
			log.Error("failed to start attempt", "error", err)
			return api.Snapshot{}, false
		}
		switch stale.Latest.ExecutionStatus {
		case api.ExecutionStatusPendingCancel:
			// Acknowledge the cancel so the run reaches its terminal state.
			a.reportResult(ctx, msg.RunID, stale.Latest.ID, canceledResult())
			return api.Snapshot{}, false
		case api.ExecutionStatusPendingExecuting:
			// Someone moved the snapshot under us but the run is still
			// ours to execute.
			start, err = a.controller.StartAttempt(ctx, msg.RunID, stale.Latest.ID)
			if err != nil {
				log.Error("failed to start attempt after reconcile", "error", err)
				return api.Snapshot{}, false
			}
		default:
			log.Info("dropping run with superseded snapshot",
				"latest_status", stale.Latest.ExecutionStatus)
			return api.Snapshot{}, false
		}
	}

	state := &attemptState{snapshotID: start.Snapshot.ID}

	tracer := otel.Tracer("worker-agent")
	attemptCtx, span := tracer.Start(ctx, "execute_attempt",
		trace.WithAttributes(
			attribute.String("run.id", msg.RunID),
			attribute.String("task.identifier", msg.TaskIdentifier),
			attribute.Int("attempt", start.Attempt),
			attribute.String("env.id", msg.EnvID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	log.Info("starting attempt", "task", msg.TaskIdentifier, "attempt", start.Attempt)

	// The attempt gets its own deadline, detached from the poll loop's
	// context so a drain does not kill in-flight work.
	execCtx, cancelExec := context.WithTimeout(context.WithoutCancel(attemptCtx), a.config.AttemptTimeout)
	defer cancelExec()

	handle, err := a.runtime.Start(execCtx, a.startOptions(msg, start.Attempt))
	if err != nil {
		span.RecordError(err)
		log.Error("failed to start runtime", "error", err)
		return a.finishAttempt(ctx, msg.RunID, state, api.AttemptResult{
			Ok: false,
			Error: &api.RunError{
				Code:    "TASK_PROCESS_SPAWN_FAILED",
				Message: err.Error(),
			},
			Retryable: true,
		})
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHeartbeat()
	go a.runHeartbeat(heartbeatCtx, msg.RunID, state, func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := handle.Stop(stopCtx); err != nil {
			log.Warn("failed to stop canceled attempt", "error", err)
		}
	})

	var logWG sync.WaitGroup
	logWG.Add(1)
	go func() {
		defer logWG.Done()
		a.streamLogs(execCtx, msg.RunID, handle)
	}()

	result, waitErr := handle.Wait(execCtx)
	logWG.Wait()
	cancelHeartbeat()

	if waitErr != nil {
		span.RecordError(waitErr)
		if execCtx.Err() == context.DeadlineExceeded {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			handle.Stop(stopCtx)
			return a.finishAttempt(ctx, msg.RunID, state, api.AttemptResult{
				Ok: false,
				Error: &api.RunError{
					Code:    "MAX_DURATION_EXCEEDED",
					Message: "Attempt exceeded its execution deadline",
				},
			})
		}
		return a.finishAttempt(ctx, msg.RunID, state, api.AttemptResult{
			Ok: false,
			Error: &api.RunError{
				Code:    "TASK_PROCESS_EXITED",
				Message: waitErr.Error(),
			},
			Retryable: true,
		})
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	return a.finishAttempt(ctx, msg.RunID, state, a.attemptResult(result))
}

// attemptResult maps how the process ended onto the result the
// controller expects.
func (a *Agent) attemptResult(result runtime.ExitResult) api.AttemptResult {
	if result.OOMKilled {
		return api.AttemptResult{
			Ok: false,
			Error: &api.RunError{
				Code:    "TASK_PROCESS_OOM_KILLED",
				Message: "Task process was killed for exceeding its memory limit",
			},
			Retryable: true,
		}
	}
	if result.ExitCode == 0 {
		return api.AttemptResult{Ok: true}
	}
	msg := "Task process exited with code " + strconv.Itoa(result.ExitCode)
	if result.Error != nil {
		msg = result.Error.Error()
	}
	return api.AttemptResult{
		Ok: false,
		Error: &api.RunError{
			Code:    "TASK_PROCESS_EXITED",
			Message: msg,
		},
		Retryable: true,
	}
}

// finishAttempt reports the attempt result and decides whether to rerun
// in place. A cancel observed by the heartbeat wins over whatever the
// process produced; the controller resolves that on its side too.
func (a *Agent) finishAttempt(ctx context.Context, runID string, state *attemptState, result api.AttemptResult) (api.Snapshot, bool) {
	if state.isCanceled() {
		result = canceledResult()
	}

	resp := a.reportResult(ctx, runID, state.get(), result)
	if resp == nil {
		return api.Snapshot{}, false
	}

	switch resp.Status {
	case api.CompleteAttemptStatusRetryImmediately:
		return resp.Snapshot, true
	case api.CompleteAttemptStatusRetryQueued:
		a.logger.Info("retry queued", "run_id", runID, "retry_at", resp.RetryAt)
	case api.CompleteAttemptStatusRunFinished:
		a.logger.Info("run finished", "run_id", runID)
	}
	return api.Snapshot{}, false
}

// reportResult completes the attempt, reconciling one stale-snapshot
// rejection against the controller's latest snapshot.
func (a *Agent) reportResult(ctx context.Context, runID, snapshotID string, result api.AttemptResult) *api.CompleteAttemptResponse {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	resp, err := a.controller.CompleteAttempt(ctx, runID, snapshotID, result)
	if err == nil {
		return resp
	}

	var stale *supervisor.StaleSnapshotError
	if errors.As(err, &stale) {
		resp, err = a.controller.CompleteAttempt(ctx, runID, stale.Latest.ID, result)
		if err == nil {
			return resp
		}
	}
	a.logger.Error("failed to complete attempt", "run_id", runID, "error", err)
	return nil
}

func canceledResult() api.AttemptResult {
	return api.AttemptResult{
		Ok: false,
		Error: &api.RunError{
			Code:    "CANCELED",
			Message: "Run was canceled",
		},
	}
}

// startOptions builds the runtime invocation for one attempt. The task
// runner process learns everything it needs from RUNPLANE_* variables.
func (a *Agent) startOptions(msg api.DequeuedMessage, attempt int) runtime.StartOptions {
	env := map[string]string{
		"RUNPLANE_RUN_ID":          msg.RunID,
		"RUNPLANE_ATTEMPT":         strconv.Itoa(attempt),
		"RUNPLANE_TASK_IDENTIFIER": msg.TaskIdentifier,
		"RUNPLANE_WORKER_VERSION":  msg.WorkerVersion,
	}
	if len(msg.Payload) > 0 {
		env["RUNPLANE_PAYLOAD"] = string(msg.Payload)
		env["RUNPLANE_PAYLOAD_TYPE"] = msg.PayloadType
	}
	return runtime.StartOptions{
		Image:     msg.Image,
		Command:   []string{"runplane-runner", msg.TaskIdentifier},
		Env:       env,
		CPUMillis: msg.Machine.CPUMillis,
		MemoryMB:  msg.Machine.MemoryMB,
	}
}

// runHeartbeat extends the run's lease while the attempt executes. A
// staleness rejection whose latest snapshot is PENDING_CANCEL means the
// run was canceled out from under us; the attempt is stopped and the
// cancel reported after Wait returns.
func (a *Agent) runHeartbeat(ctx context.Context, runID string, state *attemptState, stop func()) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := a.controller.HeartbeatRun(ctx, runID, state.get())
			if err == nil {
				if snap != nil && snap.ID != "" {
					state.set(snap.ID)
				}
				continue
			}

			var stale *supervisor.StaleSnapshotError
			if errors.As(err, &stale) {
				if stale.Latest.ExecutionStatus == api.ExecutionStatusPendingCancel {
					a.logger.Info("run canceled while executing", "run_id", runID)
					state.cancel(stale.Latest.ID)
					stop()
					return
				}
				state.set(stale.Latest.ID)
				continue
			}
			a.logger.Warn("run heartbeat failed", "run_id", runID, "error", err)
		}
	}
}

const (
	logBatchSize     = 100
	logFlushInterval = time.Second
)

// streamLogs reads the attempt's combined output and ships it to the
// controller in batches.
func (a *Agent) streamLogs(ctx context.Context, runID string, handle runtime.Handle) {
	rc, err := handle.StreamLogs(ctx)
	if err != nil {
		a.logger.Warn("failed to open log stream", "run_id", runID, "error", err)
		return
	}
	defer rc.Close()

	lineChan := make(chan string, 100)
	go func() {
		defer close(lineChan)
		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			line := scanner.Text()
			// Postgres rejects \x00 in text columns.
			if strings.Contains(line, "\x00") {
				line = strings.ReplaceAll(line, "\x00", "")
			}
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	var batch []string
	flushTicker := time.NewTicker(logFlushInterval)
	defer flushTicker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		shipCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.controller.ShipLogs(shipCtx, runID, strings.Join(batch, "\n")); err != nil {
			a.logger.Warn("failed to ship logs", "run_id", runID, "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case line, ok := <-lineChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, line)
			if len(batch) >= logBatchSize {
				flush()
			}
		case <-flushTicker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}
