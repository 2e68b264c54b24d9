package engine

import (
	"context"
	"errors"
	"time"

	"runplane/internal/store"
	"runplane/pkg/api"
)

const (
	schedulerBatchSize = 100
	reaperBatchSize    = 100
)

// RunScheduler drives the two background loops until ctx is canceled:
// firing due waitpoints and reaping runs whose heartbeats went stale.
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("scheduler starting", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			if err := e.FireDueWaitpoints(ctx); err != nil {
				e.logger.ErrorContext(ctx, "waitpoint sweep failed", "error", err)
			}
			if err := e.ReapExpiredHeartbeats(ctx); err != nil {
				e.logger.ErrorContext(ctx, "heartbeat sweep failed", "error", err)
			}
		}
	}
}

// FireDueWaitpoints completes waitpoints whose deadline has passed. A
// DATETIME deadline is the timer the run asked for; any other type's
// deadline means the caller's timeout expired, so the completion output
// is a TIMED_OUT error the run observes as a normal outcome.
func (e *Engine) FireDueWaitpoints(ctx context.Context) error {
	due, err := e.db.DueWaitpoints(ctx, time.Now(), schedulerBatchSize)
	if err != nil {
		return err
	}

	for i := range due {
		wp := &due[i]
		var output []byte
		outputIsError := false
		if wp.Type != api.WaitpointTypeDateTime {
			output = timeoutOutput(wp)
			outputIsError = true
		}
		if err := e.CompleteWaitpoint(ctx, wp.ID, output, outputIsError); err != nil {
			e.logger.ErrorContext(ctx, "failed to fire waitpoint",
				"waitpoint_id", wp.ID, "type", wp.Type, "error", err)
		}
	}
	return nil
}

// ReapExpiredHeartbeats nacks runs whose worker stopped heartbeating.
// Requeued runs retry on another worker; runs out of nack budget are
// finished as crashed.
func (e *Engine) ReapExpiredHeartbeats(ctx context.Context) error {
	cutoff := time.Now().Add(-e.opts.HeartbeatTimeout)
	runIDs, err := e.db.ListRunsWithExpiredHeartbeats(ctx, cutoff, reaperBatchSize)
	if err != nil {
		return err
	}

	for _, runID := range runIDs {
		err := e.locks.WithRun(ctx, runID, func(ctx context.Context) error {
			return e.reapRun(ctx, runID)
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to reap run",
				"run_id", runID, "error", err)
		}
	}
	return nil
}

func (e *Engine) reapRun(ctx context.Context, runID string) error {
	run, err := e.db.GetRunByID(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() || run.Status == store.TaskRunStatusWaitingToResume {
		return nil
	}

	e.logger.WarnContext(ctx, "run heartbeat expired",
		"run_id", runID, "attempt", run.Attempt)

	deadLettered, err := e.queue.Nack(ctx, runID, time.Now())
	if err != nil {
		return err
	}
	if deadLettered {
		// Keep the message blob around for a DLQ redrive; Acknowledge
		// would delete it, so finish the row directly.
		if err := e.db.CompleteRun(ctx, nil, runID, store.TaskRunStatusCrashed, nil, "",
			CodeHeartbeatTimeout, "Worker stopped heartbeating and the retry budget is exhausted"); err != nil {
			return err
		}
		if _, err := e.appendSnapshot(ctx, runID, api.ExecutionStatusFinished,
			"Run dead-lettered after repeated heartbeat failures"); err != nil {
			return err
		}
		e.completeRunWaitpoints(ctx, run, store.TaskRunStatusCrashed, nil)
		return nil
	}

	if err := e.db.SetRunStatus(ctx, nil, runID, store.TaskRunStatusRetryingAfterFailure); err != nil {
		return err
	}
	_, err = e.appendSnapshot(ctx, runID, api.ExecutionStatusQueued,
		"Worker heartbeat expired, run requeued")
	return err
}
