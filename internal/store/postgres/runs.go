package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"runplane/internal/store"
)

const runColumns = `
	id, friendly_id, number, task_identifier, org_id, env_id, queue,
	concurrency_key, priority, payload, payload_type, is_test, tags,
	machine, status, attempt, max_attempts, locked_to_version,
	locked_worker_id, output, output_type, error_code, error_message,
	delay_until, created_at, started_at, completed_at, last_heartbeat_at
`

func (s *Store) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.TaskRun) error {
	executor := s.getExecutor(tx)

	query := `
		INSERT INTO task_runs (
			id, friendly_id, number, task_identifier, org_id, env_id, queue,
			concurrency_key, priority, payload, payload_type, is_test, tags,
			machine, status, attempt, max_attempts, locked_to_version,
			delay_until, created_at
		)
		VALUES ($1, $2, nextval('task_run_numbers'), $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING number
	`
	err := executor.QueryRowContext(ctx, query,
		run.ID, run.FriendlyID, run.TaskIdentifier, run.OrgID, run.EnvID,
		run.Queue, run.ConcurrencyKey, run.Priority, run.Payload,
		run.PayloadType, run.IsTest, pq.Array(run.Tags), run.Machine,
		run.Status, run.Attempt, run.MaxAttempts, run.LockedToVersion,
		run.DelayUntil, run.CreatedAt,
	).Scan(&run.Number)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) GetRunByID(ctx context.Context, id string) (*store.TaskRun, error) {
	query := `SELECT ` + runColumns + ` FROM task_runs WHERE id = $1`

	var run store.TaskRun
	var tags pq.StringArray
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.FriendlyID, &run.Number, &run.TaskIdentifier,
		&run.OrgID, &run.EnvID, &run.Queue, &run.ConcurrencyKey,
		&run.Priority, &run.Payload, &run.PayloadType, &run.IsTest, &tags,
		&run.Machine, &run.Status, &run.Attempt, &run.MaxAttempts,
		&run.LockedToVersion, &run.LockedWorkerID, &run.Output,
		&run.OutputType, &run.ErrorCode, &run.ErrorMessage,
		&run.DelayUntil, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
		&run.HeartbeatAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Tags = tags
	return &run, nil
}

func (s *Store) SetRunStatus(ctx context.Context, tx store.DBTransaction, runID string, status store.TaskRunStatus) error {
	executor := s.getExecutor(tx)

	res, err := executor.ExecContext(ctx,
		`UPDATE task_runs SET status = $1 WHERE id = $2`, status, runID)
	if err != nil {
		return err
	}
	return requireOneRow(res, runID)
}

func (s *Store) LockRunToWorker(ctx context.Context, tx store.DBTransaction, runID, workerID, version string) error {
	executor := s.getExecutor(tx)

	res, err := executor.ExecContext(ctx, `
		UPDATE task_runs SET locked_worker_id = $1, locked_to_version = $2 WHERE id = $3
	`, workerID, version, runID)
	if err != nil {
		return err
	}
	return requireOneRow(res, runID)
}

func (s *Store) StartRunAttempt(ctx context.Context, tx store.DBTransaction, runID string) (int, error) {
	executor := s.getExecutor(tx)

	query := `
		UPDATE task_runs
		SET attempt = attempt + 1,
			status = $1,
			started_at = COALESCE(started_at, NOW()),
			last_heartbeat_at = NOW()
		WHERE id = $2
		RETURNING attempt
	`
	var attempt int
	err := executor.QueryRowContext(ctx, query, store.TaskRunStatusExecuting, runID).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return attempt, nil
}

func (s *Store) CompleteRun(ctx context.Context, tx store.DBTransaction, runID string, status store.TaskRunStatus, output []byte, outputType, errorCode, errorMessage string) error {
	executor := s.getExecutor(tx)

	res, err := executor.ExecContext(ctx, `
		UPDATE task_runs
		SET status = $1, output = $2, output_type = $3,
			error_code = $4, error_message = $5, completed_at = NOW()
		WHERE id = $6
	`, status, output, outputType, errorCode, errorMessage, runID)
	if err != nil {
		return err
	}
	return requireOneRow(res, runID)
}

func (s *Store) HeartbeatRun(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET last_heartbeat_at = $1 WHERE id = $2`, at, runID)
	return err
}

func (s *Store) ListRunsWithExpiredHeartbeats(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM task_runs
		WHERE last_heartbeat_at < $1
		  AND status IN ($2, $3)
		ORDER BY last_heartbeat_at ASC
		LIMIT $4
	`
	rows, err := s.db.QueryContext(ctx, query,
		cutoff, store.TaskRunStatusExecuting, store.TaskRunStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListRunsWaitingForDeploy(ctx context.Context, envID string) ([]string, error) {
	query := `
		SELECT id FROM task_runs
		WHERE env_id = $1 AND status = $2
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, envID, store.TaskRunStatusWaitingForDeploy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func requireOneRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}
