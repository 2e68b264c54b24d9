package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"runplane/internal/store"
)

const waitpointColumns = `
	id, friendly_id, env_id, type, status, idempotency_key,
	completed_by_run_id, resume_at, output, output_is_error,
	completed_at, created_at
`

// Qualified variant for queries that join blocked_waitpoints.
const waitpointColumnsW = `
	w.id, w.friendly_id, w.env_id, w.type, w.status, w.idempotency_key,
	w.completed_by_run_id, w.resume_at, w.output, w.output_is_error,
	w.completed_at, w.created_at
`

func (s *Store) CreateWaitpoint(ctx context.Context, tx store.DBTransaction, wp *store.Waitpoint) error {
	executor := s.getExecutor(tx)

	query := `
		INSERT INTO waitpoints (id, friendly_id, env_id, type, status, idempotency_key,
			completed_by_run_id, resume_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := executor.ExecContext(ctx, query,
		wp.ID, wp.FriendlyID, wp.EnvID, wp.Type, wp.Status,
		wp.IdempotencyKey, wp.CompletedByRunID, wp.ResumeAt, wp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create waitpoint %s: %w", wp.ID, err)
	}
	return nil
}

func (s *Store) GetWaitpointByID(ctx context.Context, id string) (*store.Waitpoint, error) {
	query := `SELECT ` + waitpointColumns + ` FROM waitpoints WHERE id = $1`
	return s.scanWaitpoint(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) FindWaitpointByIdempotencyKey(ctx context.Context, envID, key string) (*store.Waitpoint, error) {
	query := `SELECT ` + waitpointColumns + ` FROM waitpoints WHERE env_id = $1 AND idempotency_key = $2`
	return s.scanWaitpoint(s.db.QueryRowContext(ctx, query, envID, key))
}

// CompleteWaitpoint transitions PENDING -> COMPLETED. The WHERE clause
// makes racing completers harmless: only the first one changes a row.
func (s *Store) CompleteWaitpoint(ctx context.Context, tx store.DBTransaction, id string, output []byte, outputIsError bool, completedAt time.Time) (bool, error) {
	executor := s.getExecutor(tx)

	res, err := executor.ExecContext(ctx, `
		UPDATE waitpoints
		SET status = $1, output = $2, output_is_error = $3, completed_at = $4
		WHERE id = $5 AND status = $6
	`, store.WaitpointStatusCompleted, output, outputIsError, completedAt,
		id, store.WaitpointStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) BlockRunWithWaitpoint(ctx context.Context, tx store.DBTransaction, runID, waitpointID string) error {
	executor := s.getExecutor(tx)

	query := `
		INSERT INTO blocked_waitpoints (run_id, waitpoint_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	_, err := executor.ExecContext(ctx, query, runID, waitpointID)
	return err
}

func (s *Store) OpenWaitpointCountForRun(ctx context.Context, runID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM blocked_waitpoints b
		JOIN waitpoints w ON b.waitpoint_id = w.id
		WHERE b.run_id = $1 AND w.status = $2
	`
	var count int
	err := s.db.QueryRowContext(ctx, query, runID, store.WaitpointStatusPending).Scan(&count)
	return count, err
}

func (s *Store) RunsBlockedByWaitpoint(ctx context.Context, waitpointID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM blocked_waitpoints WHERE waitpoint_id = $1`, waitpointID)
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

func (s *Store) CompletedWaitpointsForRun(ctx context.Context, runID string) ([]store.Waitpoint, error) {
	query := `
		SELECT ` + waitpointColumnsW + `
		FROM waitpoints w
		JOIN blocked_waitpoints b ON b.waitpoint_id = w.id
		WHERE b.run_id = $1 AND w.status = $2
		ORDER BY w.completed_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID, store.WaitpointStatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Waitpoint
	for rows.Next() {
		wp, err := scanWaitpointRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wp)
	}
	return out, rows.Err()
}

func (s *Store) ClearBlockedWaitpoints(ctx context.Context, tx store.DBTransaction, runID string) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx,
		`DELETE FROM blocked_waitpoints WHERE run_id = $1`, runID)
	return err
}

// DueWaitpoints returns pending waitpoints whose resume deadline has
// passed, regardless of type: a DATETIME deadline is the timer firing,
// any other type's deadline is a caller timeout.
func (s *Store) DueWaitpoints(ctx context.Context, now time.Time, limit int) ([]store.Waitpoint, error) {
	query := `
		SELECT ` + waitpointColumnsW + `
		FROM waitpoints w
		WHERE w.status = $1 AND w.resume_at IS NOT NULL AND w.resume_at <= $2
		ORDER BY w.resume_at ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query,
		store.WaitpointStatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Waitpoint
	for rows.Next() {
		wp, err := scanWaitpointRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wp)
	}
	return out, rows.Err()
}

func (s *Store) PendingWaitpointsCompletedByRun(ctx context.Context, runID string) ([]store.Waitpoint, error) {
	query := `
		SELECT ` + waitpointColumnsW + `
		FROM waitpoints w
		WHERE w.status = $1 AND w.type = $2 AND w.completed_by_run_id = $3
	`
	rows, err := s.db.QueryContext(ctx, query,
		store.WaitpointStatusPending, "RUN", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Waitpoint
	for rows.Next() {
		wp, err := scanWaitpointRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanWaitpoint(row *sql.Row) (*store.Waitpoint, error) {
	wp, err := scanWaitpointRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return wp, err
}

func scanWaitpointRow(row rowScanner) (*store.Waitpoint, error) {
	var wp store.Waitpoint
	err := row.Scan(
		&wp.ID, &wp.FriendlyID, &wp.EnvID, &wp.Type, &wp.Status,
		&wp.IdempotencyKey, &wp.CompletedByRunID, &wp.ResumeAt,
		&wp.Output, &wp.OutputIsError, &wp.CompletedAt, &wp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &wp, nil
}
