package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"runplane/internal/store"
	"runplane/pkg/api"
)

// CreateWaitpointRequest creates a waitpoint in an environment.
type CreateWaitpointRequest struct {
	EnvID string
	Type  api.WaitpointType
	// IdempotencyKey dedupes creation; a second create with the same key
	// returns the existing waitpoint.
	IdempotencyKey string
	// CompletedByRunID ties a RUN waitpoint to the child run whose
	// completion satisfies it.
	CompletedByRunID string
	// Timeout bounds how long the waitpoint may stay open; zero means
	// no bound. Expiry completes the waitpoint with a TIMED_OUT error
	// output rather than leaving blocked runs stuck.
	Timeout time.Duration
}

// CreateWaitpoint creates (or, by idempotency key, finds) a waitpoint.
func (e *Engine) CreateWaitpoint(ctx context.Context, req CreateWaitpointRequest) (*store.Waitpoint, error) {
	if req.IdempotencyKey != "" {
		existing, err := e.db.FindWaitpointByIdempotencyKey(ctx, req.EnvID, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	id, friendly := friendlyID("waitpoint")
	wp := &store.Waitpoint{
		ID:               id,
		FriendlyID:       friendly,
		EnvID:            req.EnvID,
		Type:             req.Type,
		Status:           store.WaitpointStatusPending,
		IdempotencyKey:   req.IdempotencyKey,
		CompletedByRunID: req.CompletedByRunID,
		CreatedAt:        time.Now(),
	}
	if req.Timeout > 0 {
		deadline := time.Now().Add(req.Timeout)
		wp.ResumeAt = &deadline
	}
	if err := e.db.CreateWaitpoint(ctx, nil, wp); err != nil {
		return nil, fmt.Errorf("create waitpoint: %w", err)
	}
	return wp, nil
}

// WaitForDuration suspends a run on a DATETIME waitpoint. Whether the
// run keeps its compute while waiting depends on the worker's
// checkpoint capability: checkpointing workers release their slot.
func (e *Engine) WaitForDuration(ctx context.Context, runID, snapshotID string, duration time.Duration) (*api.WaitForDurationResponse, error) {
	var resp *api.WaitForDurationResponse

	err := e.locks.WithRun(ctx, runID, func(ctx context.Context) error {
		if _, err := e.checkSnapshot(ctx, runID, snapshotID); err != nil {
			return err
		}

		run, err := e.db.GetRunByID(ctx, runID)
		if err != nil {
			return err
		}

		resumeAt := time.Now().Add(duration)
		id, friendly := friendlyID("waitpoint")
		wp := &store.Waitpoint{
			ID:         id,
			FriendlyID: friendly,
			EnvID:      run.EnvID,
			Type:       api.WaitpointTypeDateTime,
			Status:     store.WaitpointStatusPending,
			ResumeAt:   &resumeAt,
			CreatedAt:  time.Now(),
		}
		if err := e.db.CreateWaitpoint(ctx, nil, wp); err != nil {
			return err
		}

		snap, err := e.blockRun(ctx, run, wp.ID)
		if err != nil {
			return err
		}

		resp = &api.WaitForDurationResponse{
			WaitpointID: wp.ID,
			ResumeAt:    resumeAt,
			Snapshot:    snapshotToAPI(snap),
		}
		return nil
	})
	return resp, err
}

// BlockRun blocks an executing run on an existing waitpoint. Callers
// must hold the run lock.
func (e *Engine) blockRun(ctx context.Context, run *store.TaskRun, waitpointID string) (*store.ExecutionSnapshot, error) {
	if err := e.db.BlockRunWithWaitpoint(ctx, nil, run.ID, waitpointID); err != nil {
		return nil, err
	}
	if err := e.db.SetRunStatus(ctx, nil, run.ID, store.TaskRunStatusWaitingToResume); err != nil {
		return nil, err
	}

	checkpoints := false
	if run.LockedWorkerID != "" {
		worker, err := e.db.GetWorkerByID(ctx, run.LockedWorkerID)
		if err == nil {
			checkpoints = worker.SupportsCheckpoints
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if checkpoints {
		// Compute is released; free the queue slot so another run may use it.
		if err := e.queue.Acknowledge(ctx, run.ID); err != nil {
			return nil, err
		}
		return e.appendSnapshot(ctx, run.ID, api.ExecutionStatusBlockedByWaitpoints,
			"Run checkpointed and blocked on waitpoints")
	}
	return e.appendSnapshot(ctx, run.ID, api.ExecutionStatusExecutingWithWaitpoints,
		"Run blocked on waitpoints, compute retained")
}

// BlockRunOnWaitpoint is the external form of blockRun, fenced by
// snapshot id.
func (e *Engine) BlockRunOnWaitpoint(ctx context.Context, runID, snapshotID, waitpointID string) (*api.Snapshot, error) {
	var out *api.Snapshot
	err := e.locks.WithRun(ctx, runID, func(ctx context.Context) error {
		if _, err := e.checkSnapshot(ctx, runID, snapshotID); err != nil {
			return err
		}
		run, err := e.db.GetRunByID(ctx, runID)
		if err != nil {
			return err
		}
		snap, err := e.blockRun(ctx, run, waitpointID)
		if err != nil {
			return err
		}
		s := snapshotToAPI(snap)
		out = &s
		return nil
	})
	return out, err
}

// CompleteWaitpoint marks a waitpoint satisfied and resumes any runs
// that are no longer blocked. Completing an already-completed waitpoint
// is a no-op, never an error: completers may race.
func (e *Engine) CompleteWaitpoint(ctx context.Context, waitpointID string, output []byte, outputIsError bool) error {
	completed, err := e.db.CompleteWaitpoint(ctx, nil, waitpointID, output, outputIsError, time.Now())
	if err != nil {
		return err
	}
	if !completed {
		return nil
	}
	return e.resumeBlockedRuns(ctx, waitpointID)
}

// resumeBlockedRuns re-activates every run whose last open waitpoint
// just completed.
func (e *Engine) resumeBlockedRuns(ctx context.Context, waitpointID string) error {
	runIDs, err := e.db.RunsBlockedByWaitpoint(ctx, waitpointID)
	if err != nil {
		return err
	}

	for _, runID := range runIDs {
		err := e.locks.WithRun(ctx, runID, func(ctx context.Context) error {
			open, err := e.db.OpenWaitpointCountForRun(ctx, runID)
			if err != nil {
				return err
			}
			if open > 0 {
				return nil
			}
			return e.resumeRun(ctx, runID)
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to resume run",
				"run_id", runID, "waitpoint_id", waitpointID, "error", err)
		}
	}
	return nil
}

// resumeRun puts a fully unblocked run back in motion. A run that kept
// its compute resumes in place; a checkpointed one goes back through
// the queue so its completed waitpoints ride the next DequeuedMessage.
func (e *Engine) resumeRun(ctx context.Context, runID string) error {
	run, err := e.db.GetRunByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	latest, err := e.db.LatestSnapshot(ctx, runID)
	if err != nil {
		return err
	}

	switch latest.ExecutionStatus {
	case api.ExecutionStatusExecutingWithWaitpoints:
		if err := e.db.SetRunStatus(ctx, nil, runID, store.TaskRunStatusExecuting); err != nil {
			return err
		}
		_, err := e.appendSnapshot(ctx, runID, api.ExecutionStatusExecuting,
			"Waitpoints completed, resuming in place")
		return err
	case api.ExecutionStatusBlockedByWaitpoints:
		env, err := e.db.GetEnvironmentByID(ctx, run.EnvID)
		if err != nil {
			return err
		}
		if err := e.db.SetRunStatus(ctx, nil, runID, store.TaskRunStatusPending); err != nil {
			return err
		}
		run.DelayUntil = nil
		return e.enqueueRun(ctx, env, run)
	default:
		return nil
	}
}

// timeoutOutput is the structured payload delivered when a waitpoint
// expires before being satisfied.
func timeoutOutput(wp *store.Waitpoint) []byte {
	out, _ := json.Marshal(api.RunError{
		Code:    CodeTimedOut,
		Message: fmt.Sprintf("waitpoint %s timed out", wp.FriendlyID),
	})
	return out
}
