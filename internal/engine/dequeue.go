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

// DequeueRequest asks the engine for runnable work on a master queue.
type DequeueRequest struct {
	ConsumerID  string
	MasterQueue string
	MaxRunCount int
	// MaxResources caps the combined machine shape of the returned runs.
	MaxResources *api.MachineResources
	// DeploymentID restricts matches to runs resolving to that deployment.
	DeploymentID string
}

// Dequeue claims admissible runs and turns each into the wire message a
// worker executes. Runs that fail worker/task resolution are finished
// with the resolution code rather than returned.
func (e *Engine) Dequeue(ctx context.Context, req DequeueRequest) ([]api.DequeuedMessage, error) {
	if req.MaxRunCount <= 0 {
		req.MaxRunCount = 1
	}

	var maxCPU, maxMem int64
	if req.MaxResources != nil {
		maxCPU = req.MaxResources.CPUMillis
		maxMem = req.MaxResources.MemoryMB
	}

	claimed, err := e.queue.Dequeue(ctx, runqueue.DequeueRequest{
		ConsumerID:   req.ConsumerID,
		MasterQueue:  req.MasterQueue,
		MaxRunCount:  req.MaxRunCount,
		MaxCPUMillis: maxCPU,
		MaxMemoryMB:  maxMem,
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", req.MasterQueue, err)
	}

	messages := make([]api.DequeuedMessage, 0, len(claimed))
	for _, msg := range claimed {
		dm, err := e.prepareDequeuedRun(ctx, msg, req.DeploymentID)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to prepare dequeued run",
				"run_id", msg.RunID, "error", err)
			continue
		}
		if dm != nil {
			messages = append(messages, *dm)
		}
	}
	return messages, nil
}

// prepareDequeuedRun transitions one claimed run to PENDING_EXECUTING
// under its lock. A nil message with nil error means the run was
// finished instead of handed out (resolution failure, vanished row).
func (e *Engine) prepareDequeuedRun(ctx context.Context, msg runqueue.Message, wantDeploymentID string) (*api.DequeuedMessage, error) {
	var out *api.DequeuedMessage

	err := e.locks.WithRun(ctx, msg.RunID, func(ctx context.Context) error {
		run, err := e.db.GetRunByID(ctx, msg.RunID)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.WarnContext(ctx, "dequeued message references no run",
				"run_id", msg.RunID, "code", CodeNoRun)
			return e.queue.Acknowledge(ctx, msg.ID)
		}
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return e.queue.Acknowledge(ctx, msg.ID)
		}

		env, err := e.db.GetEnvironmentByID(ctx, run.EnvID)
		if err != nil {
			return err
		}

		resolved, err := e.resolveForRun(ctx, env, run)
		if err != nil {
			var resErr *ResolutionError
			if errors.As(err, &resErr) {
				return e.failRunResolution(ctx, run, msg.ID, resErr)
			}
			return err
		}
		if wantDeploymentID != "" && resolved.DeploymentID != wantDeploymentID {
			// Not ours; put it back untouched.
			return e.queue.Release(ctx, msg.ID, time.Time{})
		}

		if err := e.db.LockRunToWorker(ctx, nil, run.ID, resolved.Worker.ID, resolved.Worker.Version); err != nil {
			return err
		}

		completed, err := e.db.CompletedWaitpointsForRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if len(completed) > 0 {
			if err := e.db.ClearBlockedWaitpoints(ctx, nil, run.ID); err != nil {
				return err
			}
		}

		snap, err := e.appendSnapshot(ctx, run.ID, api.ExecutionStatusPendingExecuting, "Run was dequeued for execution")
		if err != nil {
			return err
		}

		out = e.buildDequeuedMessage(run, env, resolved, snap, completed)
		return nil
	})
	return out, err
}

func (e *Engine) buildDequeuedMessage(run *store.TaskRun, env *store.Environment, resolved *resolvedTask, snap *store.ExecutionSnapshot, completed []store.Waitpoint) *api.DequeuedMessage {
	waitpoints := make([]api.CompletedWaitpoint, 0, len(completed))
	for _, wp := range completed {
		cw := api.CompletedWaitpoint{
			ID:            wp.ID,
			FriendlyID:    wp.FriendlyID,
			Type:          wp.Type,
			Output:        wp.Output,
			OutputIsError: wp.OutputIsError,
		}
		if wp.CompletedAt != nil {
			cw.CompletedAt = *wp.CompletedAt
		}
		waitpoints = append(waitpoints, cw)
	}

	return &api.DequeuedMessage{
		Version:             api.DequeuedMessageVersion,
		RunID:               run.ID,
		RunFriendlyID:       run.FriendlyID,
		TaskIdentifier:      run.TaskIdentifier,
		Attempt:             run.Attempt,
		Payload:             run.Payload,
		PayloadType:         run.PayloadType,
		Snapshot:            snapshotToAPI(snap),
		CompletedWaitpoints: waitpoints,
		WorkerID:            resolved.Worker.ID,
		WorkerVersion:       resolved.Worker.Version,
		DeploymentID:        resolved.DeploymentID,
		Image:               resolved.Worker.Image,
		Machine:             machineFor(run.Machine),
		EnvID:               run.EnvID,
		EnvType:             string(env.Type),
		OrgID:               run.OrgID,
	}
}

// failRunResolution finishes a run that cannot be matched to a task
// definition. The message is acknowledged so the queue slot frees up.
func (e *Engine) failRunResolution(ctx context.Context, run *store.TaskRun, messageID string, resErr *ResolutionError) error {
	e.logger.WarnContext(ctx, "run failed worker resolution",
		"run_id", run.ID, "code", resErr.Code, "error", resErr.Message)

	if err := e.db.CompleteRun(ctx, nil, run.ID, store.TaskRunStatusSystemFailure,
		nil, "", resErr.Code, resErr.Message); err != nil {
		return err
	}
	if _, err := e.appendSnapshot(ctx, run.ID, api.ExecutionStatusFinished, resErr.Message); err != nil {
		return err
	}
	return e.queue.Acknowledge(ctx, messageID)
}
