package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"runplane/internal/runqueue"
	"runplane/internal/store"
	"runplane/pkg/api"
)

// TriggerRequest creates one run for a task in an environment.
type TriggerRequest struct {
	Env            *store.Environment
	TaskIdentifier string
	Payload        []byte
	PayloadType    string
	Queue          string
	ConcurrencyKey string
	Priority       int
	IsTest         bool
	Tags           []string
	// LockedToVersion pins the run to one worker version.
	LockedToVersion string
	DelayUntil      *time.Time
	Machine         string
}

// Trigger creates a TaskRun and puts it on its queue. Runs whose task
// has no registered worker yet park in WAITING_FOR_DEPLOY and are
// released when a matching worker registers.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (*store.TaskRun, error) {
	if req.TaskIdentifier == "" {
		return nil, fmt.Errorf("task identifier is required")
	}
	if req.Priority < api.PriorityMin {
		req.Priority = api.PriorityMin
	}
	if req.Priority > api.PriorityMax {
		req.Priority = api.PriorityMax
	}

	queueName := req.Queue
	machine := req.Machine
	maxAttempts := e.opts.DefaultMaxAttempts
	waitingForDeploy := false

	resolved, err := e.resolveTask(ctx, req.Env, req.TaskIdentifier, req.LockedToVersion)
	switch {
	case err == nil:
		if queueName == "" {
			queueName = resolved.Task.Queue
		}
		if machine == "" {
			machine = resolved.Task.Machine
		}
		if resolved.Task.MaxAttempts > 0 {
			maxAttempts = resolved.Task.MaxAttempts
		}
	default:
		var resErr *ResolutionError
		if !errors.As(err, &resErr) {
			return nil, err
		}
		waitingForDeploy = true
	}

	if queueName == "" {
		queueName = "task/" + req.TaskIdentifier
	}
	if machine == "" {
		machine = api.DefaultMachine
	}

	id, friendly := friendlyID("run")
	run := &store.TaskRun{
		ID:              id,
		FriendlyID:      friendly,
		TaskIdentifier:  req.TaskIdentifier,
		OrgID:           req.Env.OrgID,
		EnvID:           req.Env.ID,
		Queue:           queueName,
		ConcurrencyKey:  req.ConcurrencyKey,
		Priority:        req.Priority,
		Payload:         req.Payload,
		PayloadType:     req.PayloadType,
		IsTest:          req.IsTest,
		Tags:            req.Tags,
		Machine:         machine,
		Status:          store.TaskRunStatusPending,
		MaxAttempts:     maxAttempts,
		LockedToVersion: req.LockedToVersion,
		DelayUntil:      req.DelayUntil,
		CreatedAt:       time.Now(),
	}
	if waitingForDeploy {
		run.Status = store.TaskRunStatusWaitingForDeploy
	} else if req.DelayUntil != nil && req.DelayUntil.After(time.Now()) {
		run.Status = store.TaskRunStatusDelayed
	}

	if err := e.db.CreateRun(ctx, nil, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if _, err := e.appendSnapshot(ctx, run.ID, api.ExecutionStatusRunCreated, "Run was created"); err != nil {
		return nil, err
	}

	if waitingForDeploy {
		e.logger.InfoContext(ctx, "run waiting for deploy",
			"run_id", run.ID, "task", req.TaskIdentifier, "env_id", req.Env.ID)
		return run, nil
	}

	if err := e.enqueueRun(ctx, req.Env, run); err != nil {
		return nil, err
	}
	return run, nil
}

// enqueueRun makes the run visible to dequeue and records the QUEUED
// snapshot.
func (e *Engine) enqueueRun(ctx context.Context, env *store.Environment, run *store.TaskRun) error {
	preset := machineFor(run.Machine)

	var availableAt time.Time
	if run.DelayUntil != nil {
		availableAt = *run.DelayUntil
	}

	_, err := e.queue.Enqueue(ctx, runqueue.EnqueueRequest{
		Org:            run.OrgID,
		Env:            run.EnvID,
		EnvType:        keysEnvType(env.Type),
		QueueName:      run.Queue,
		ConcurrencyKey: run.ConcurrencyKey,
		Priority:       run.Priority,
		RunID:          run.ID,
		CPUMillis:      preset.CPUMillis,
		MemoryMB:       preset.MemoryMB,
		AvailableAt:    availableAt,
	})
	if err != nil {
		return fmt.Errorf("enqueue run %s: %w", run.ID, err)
	}

	_, err = e.appendSnapshot(ctx, run.ID, api.ExecutionStatusQueued, "Run was queued")
	return err
}

// ReleaseWaitingRuns re-resolves runs parked in WAITING_FOR_DEPLOY and
// enqueues the ones a newly registered worker can now serve.
func (e *Engine) ReleaseWaitingRuns(ctx context.Context, env *store.Environment) error {
	ids, err := e.db.ListRunsWaitingForDeploy(ctx, env.ID)
	if err != nil {
		return err
	}

	for _, runID := range ids {
		err := e.locks.WithRun(ctx, runID, func(ctx context.Context) error {
			run, err := e.db.GetRunByID(ctx, runID)
			if err != nil {
				return err
			}
			if run.Status != store.TaskRunStatusWaitingForDeploy {
				return nil
			}
			if _, err := e.resolveTask(ctx, env, run.TaskIdentifier, run.LockedToVersion); err != nil {
				var resErr *ResolutionError
				if errors.As(err, &resErr) {
					return nil
				}
				return err
			}
			if err := e.db.SetRunStatus(ctx, nil, run.ID, store.TaskRunStatusPending); err != nil {
				return err
			}
			return e.enqueueRun(ctx, env, run)
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to release waiting run",
				"run_id", runID, "error", err)
		}
	}
	return nil
}
