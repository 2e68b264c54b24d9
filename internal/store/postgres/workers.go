package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"runplane/internal/store"
)

const workerColumns = `
	id, env_id, version, image, supports_checkpoints, created_at
`

func (s *Store) CreateWorker(ctx context.Context, tx store.DBTransaction, worker *store.BackgroundWorker) error {
	executor := s.getExecutor(tx)

	query := `
		INSERT INTO background_workers (id, env_id, version, image, supports_checkpoints, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := executor.ExecContext(ctx, query,
		worker.ID, worker.EnvID, worker.Version, worker.Image,
		worker.SupportsCheckpoints, worker.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create worker %s: %w", worker.Version, err)
	}

	taskQuery := `
		INSERT INTO background_worker_tasks (id, worker_id, identifier, queue, machine, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, task := range worker.Tasks {
		_, err := executor.ExecContext(ctx, taskQuery,
			task.ID, worker.ID, task.Identifier, task.Queue, task.Machine, task.MaxAttempts)
		if err != nil {
			return fmt.Errorf("failed to register task %s: %w", task.Identifier, err)
		}
	}
	return nil
}

func (s *Store) GetWorkerByID(ctx context.Context, id string) (*store.BackgroundWorker, error) {
	query := `SELECT ` + workerColumns + ` FROM background_workers WHERE id = $1`
	return s.loadWorker(ctx, query, id)
}

func (s *Store) GetWorkerByVersion(ctx context.Context, envID, version string) (*store.BackgroundWorker, error) {
	query := `SELECT ` + workerColumns + ` FROM background_workers WHERE env_id = $1 AND version = $2`
	return s.loadWorker(ctx, query, envID, version)
}

func (s *Store) LatestWorkerForEnv(ctx context.Context, envID string) (*store.BackgroundWorker, error) {
	query := `
		SELECT ` + workerColumns + `
		FROM background_workers
		WHERE env_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return s.loadWorker(ctx, query, envID)
}

func (s *Store) loadWorker(ctx context.Context, query string, args ...any) (*store.BackgroundWorker, error) {
	var worker store.BackgroundWorker
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&worker.ID, &worker.EnvID, &worker.Version, &worker.Image,
		&worker.SupportsCheckpoints, &worker.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worker: %w", err)
	}

	tasks, err := s.loadWorkerTasks(ctx, worker.ID)
	if err != nil {
		return nil, err
	}
	worker.Tasks = tasks
	return &worker, nil
}

func (s *Store) loadWorkerTasks(ctx context.Context, workerID string) ([]store.BackgroundWorkerTask, error) {
	query := `
		SELECT id, worker_id, identifier, queue, machine, max_attempts
		FROM background_worker_tasks
		WHERE worker_id = $1
		ORDER BY identifier ASC
	`
	rows, err := s.db.QueryContext(ctx, query, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker tasks: %w", err)
	}
	defer rows.Close()

	var tasks []store.BackgroundWorkerTask
	for rows.Next() {
		var task store.BackgroundWorkerTask
		if err := rows.Scan(&task.ID, &task.WorkerID, &task.Identifier,
			&task.Queue, &task.Machine, &task.MaxAttempts); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) TaskEverRegistered(ctx context.Context, envID, taskIdentifier string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM background_worker_tasks t
			JOIN background_workers w ON t.worker_id = w.id
			WHERE w.env_id = $1 AND t.identifier = $2
		)
	`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, envID, taskIdentifier).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check task registration: %w", err)
	}
	return exists, nil
}

func (s *Store) CreateDeployment(ctx context.Context, tx store.DBTransaction, d *store.WorkerDeployment) error {
	executor := s.getExecutor(tx)

	query := `
		INSERT INTO worker_deployments (id, env_id, worker_id, promoted, created_at, promoted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := executor.ExecContext(ctx, query,
		d.ID, d.EnvID, d.WorkerID, d.Promoted, d.CreatedAt, d.PromotedAt)
	if err != nil {
		return fmt.Errorf("failed to create deployment %s: %w", d.ID, err)
	}
	return nil
}

// PromoteDeployment demotes whatever is currently promoted for the
// deployment's environment and promotes the given one, atomically.
func (s *Store) PromoteDeployment(ctx context.Context, deploymentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var envID string
	err = tx.QueryRowContext(ctx,
		`SELECT env_id FROM worker_deployments WHERE id = $1`, deploymentID).Scan(&envID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("deployment %s: %w", deploymentID, store.ErrNotFound)
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE worker_deployments SET promoted = FALSE WHERE env_id = $1 AND promoted`, envID)
	if err != nil {
		return fmt.Errorf("failed to demote current deployment: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE worker_deployments SET promoted = TRUE, promoted_at = $2 WHERE id = $1`,
		deploymentID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to promote deployment %s: %w", deploymentID, err)
	}

	return tx.Commit()
}

func (s *Store) PromotedDeploymentForEnv(ctx context.Context, envID string) (*store.WorkerDeployment, error) {
	query := `
		SELECT id, env_id, worker_id, promoted, created_at, promoted_at
		FROM worker_deployments
		WHERE env_id = $1 AND promoted
	`
	var d store.WorkerDeployment
	err := s.db.QueryRowContext(ctx, query, envID).Scan(
		&d.ID, &d.EnvID, &d.WorkerID, &d.Promoted, &d.CreatedAt, &d.PromotedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load promoted deployment: %w", err)
	}
	return &d, nil
}
