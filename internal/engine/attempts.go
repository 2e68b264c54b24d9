package engine

import (
	"context"
	"fmt"
	"time"

	"runplane/internal/store"
	"runplane/pkg/api"
)

// StartAttempt records that a worker began executing a run. The snapshot
// the worker quotes must still be the latest one.
func (e *Engine) StartAttempt(ctx context.Context, runID, snapshotID string) (*api.StartAttemptResponse, error) {
	var resp *api.StartAttemptResponse

	err := e.locks.WithRun(ctx, runID, func(ctx context.Context) error {
		if _, err := e.checkSnapshot(ctx, runID, snapshotID); err != nil {
			return err
		}

		attempt, err := e.db.StartRunAttempt(ctx, nil, runID)
		if err != nil {
			return err
		}

		snap, err := e.appendSnapshot(ctx, runID, api.ExecutionStatusExecuting,
			fmt.Sprintf("Attempt %d started", attempt))
		if err != nil {
			return err
		}

		resp = &api.StartAttemptResponse{
			Snapshot: snapshotToAPI(snap),
			Attempt:  attempt,
		}
		return nil
	})
	return resp, err
}

// CompleteAttempt applies the worker's attempt result and tells the
// worker what to do with the run's resources.
func (e *Engine) CompleteAttempt(ctx context.Context, runID, snapshotID string, result api.AttemptResult) (*api.CompleteAttemptResponse, error) {
	var resp *api.CompleteAttemptResponse

	err := e.locks.WithRun(ctx, runID, func(ctx context.Context) error {
		latest, err := e.checkSnapshot(ctx, runID, snapshotID)
		if err != nil {
			return err
		}

		run, err := e.db.GetRunByID(ctx, runID)
		if err != nil {
			return err
		}

		// A pending cancel beats whatever the attempt produced.
		if latest.ExecutionStatus == api.ExecutionStatusPendingCancel {
			snap, err := e.finishRun(ctx, run, store.TaskRunStatusCanceled, nil, "",
				CodeCanceled, "Run was canceled while executing")
			if err != nil {
				return err
			}
			resp = &api.CompleteAttemptResponse{
				Status:   api.CompleteAttemptStatusRunFinished,
				Snapshot: snapshotToAPI(snap),
			}
			return nil
		}

		if result.Ok {
			snap, err := e.finishRun(ctx, run, store.TaskRunStatusCompletedSuccessfully,
				result.Output, result.OutputType, "", "")
			if err != nil {
				return err
			}
			resp = &api.CompleteAttemptResponse{
				Status:   api.CompleteAttemptStatusRunFinished,
				Snapshot: snapshotToAPI(snap),
			}
			return nil
		}

		if result.Retryable && run.Attempt < run.MaxAttempts {
			resp, err = e.retryRun(ctx, run, result)
			return err
		}

		// Out of attempts, or the failure class forbids retrying.
		status := store.TaskRunStatusCompletedWithErrors
		errCode, errMsg := "", ""
		if result.Error != nil {
			errCode = result.Error.Code
			errMsg = result.Error.Message
			if crashClass(result.Error.Code) {
				status = store.TaskRunStatusCrashed
			}
		}
		snap, err := e.finishRun(ctx, run, status, result.Output, result.OutputType, errCode, errMsg)
		if err != nil {
			return err
		}
		resp = &api.CompleteAttemptResponse{
			Status:   api.CompleteAttemptStatusRunFinished,
			Snapshot: snapshotToAPI(snap),
		}
		return nil
	})
	return resp, err
}

// crashClass separates infrastructure-style failures from task errors.
func crashClass(code string) bool {
	switch code {
	case "TASK_PROCESS_EXITED", "TASK_PROCESS_OOM_KILLED", "TASK_PROCESS_SIGKILL",
		CodeHeartbeatTimeout:
		return true
	}
	return false
}

// finishRun moves a run to a terminal status, writes the FINISHED
// snapshot, and frees its queue slot. Callers must hold the run lock.
func (e *Engine) finishRun(ctx context.Context, run *store.TaskRun, status store.TaskRunStatus, output []byte, outputType, errCode, errMsg string) (*store.ExecutionSnapshot, error) {
	if err := e.db.CompleteRun(ctx, nil, run.ID, status, output, outputType, errCode, errMsg); err != nil {
		return nil, err
	}
	snap, err := e.appendSnapshot(ctx, run.ID, api.ExecutionStatusFinished,
		fmt.Sprintf("Run finished with status %s", status))
	if err != nil {
		return nil, err
	}
	if err := e.queue.Acknowledge(ctx, run.ID); err != nil {
		return nil, err
	}
	e.completeRunWaitpoints(ctx, run, status, output)
	return snap, nil
}

// completeRunWaitpoints satisfies any RUN waitpoints pointed at a run
// that just reached a terminal status.
func (e *Engine) completeRunWaitpoints(ctx context.Context, run *store.TaskRun, status store.TaskRunStatus, output []byte) {
	waiting, err := e.db.PendingWaitpointsCompletedByRun(ctx, run.ID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to list run waitpoints",
			"run_id", run.ID, "error", err)
		return
	}
	outputIsError := status != store.TaskRunStatusCompletedSuccessfully
	for _, wp := range waiting {
		if err := e.CompleteWaitpoint(ctx, wp.ID, output, outputIsError); err != nil {
			e.logger.ErrorContext(ctx, "failed to complete run waitpoint",
				"run_id", run.ID, "waitpoint_id", wp.ID, "error", err)
		}
	}
}

// retryRun schedules the next attempt. Development environments rerun in
// place on the same worker; everything else goes back through the queue
// with exponential backoff.
func (e *Engine) retryRun(ctx context.Context, run *store.TaskRun, result api.AttemptResult) (*api.CompleteAttemptResponse, error) {
	if err := e.db.SetRunStatus(ctx, nil, run.ID, store.TaskRunStatusRetryingAfterFailure); err != nil {
		return nil, err
	}

	env, err := e.db.GetEnvironmentByID(ctx, run.EnvID)
	if err != nil {
		return nil, err
	}

	desc := "Attempt failed, retrying"
	if result.Error != nil {
		desc = fmt.Sprintf("Attempt failed (%s), retrying", result.Error.Code)
	}

	if env.Type == store.EnvironmentTypeDevelopment {
		snap, err := e.appendSnapshot(ctx, run.ID, api.ExecutionStatusPendingExecuting, desc)
		if err != nil {
			return nil, err
		}
		return &api.CompleteAttemptResponse{
			Status:   api.CompleteAttemptStatusRetryImmediately,
			Snapshot: snapshotToAPI(snap),
		}, nil
	}

	retryAt := time.Now().Add(e.retryDelay(run.Attempt))
	if err := e.queue.Acknowledge(ctx, run.ID); err != nil {
		return nil, err
	}
	run.DelayUntil = &retryAt
	if err := e.enqueueRun(ctx, env, run); err != nil {
		return nil, err
	}
	snap, err := e.db.LatestSnapshot(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &api.CompleteAttemptResponse{
		Status:   api.CompleteAttemptStatusRetryQueued,
		Snapshot: snapshotToAPI(snap),
		RetryAt:  &retryAt,
	}, nil
}

// retryDelay doubles per attempt from the base, capped at the max.
func (e *Engine) retryDelay(attempt int) time.Duration {
	delay := e.opts.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.opts.RetryMaxDelay {
			return e.opts.RetryMaxDelay
		}
	}
	return delay
}

// HeartbeatRun extends a run's lease. Stale snapshots are rejected so a
// worker that lost the run learns about it here.
func (e *Engine) HeartbeatRun(ctx context.Context, runID, snapshotID string) (*api.Snapshot, error) {
	latest, err := e.checkSnapshot(ctx, runID, snapshotID)
	if err != nil {
		return nil, err
	}
	if err := e.db.HeartbeatRun(ctx, runID, time.Now()); err != nil {
		return nil, err
	}
	snap := snapshotToAPI(latest)
	return &snap, nil
}

// LatestSnapshot is the reconciliation read for workers that were told
// their snapshot is stale.
func (e *Engine) LatestSnapshot(ctx context.Context, runID string) (*api.Snapshot, error) {
	latest, err := e.db.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	snap := snapshotToAPI(latest)
	return &snap, nil
}

// Cancel requests cooperative cancellation. A queued run is finished
// immediately; an executing run gets a PENDING_CANCEL snapshot the
// worker observes on its next run-scoped call.
func (e *Engine) Cancel(ctx context.Context, runID string) (*api.Snapshot, error) {
	var out *api.Snapshot

	err := e.locks.WithRun(ctx, runID, func(ctx context.Context) error {
		run, err := e.db.GetRunByID(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			latest, err := e.db.LatestSnapshot(ctx, runID)
			if err != nil {
				return err
			}
			snap := snapshotToAPI(latest)
			out = &snap
			return nil
		}

		latest, err := e.db.LatestSnapshot(ctx, runID)
		if err != nil {
			return err
		}

		switch latest.ExecutionStatus {
		case api.ExecutionStatusExecuting, api.ExecutionStatusExecutingWithWaitpoints,
			api.ExecutionStatusPendingExecuting:
			snap, err := e.appendSnapshot(ctx, runID, api.ExecutionStatusPendingCancel, "Cancellation requested")
			if err != nil {
				return err
			}
			s := snapshotToAPI(snap)
			out = &s
			return nil
		default:
			// Not on a worker; finish it here.
			snap, err := e.finishRun(ctx, run, store.TaskRunStatusCanceled, nil, "",
				CodeCanceled, "Run was canceled before execution")
			if err != nil {
				return err
			}
			s := snapshotToAPI(snap)
			out = &s
			return nil
		}
	})
	return out, err
}
