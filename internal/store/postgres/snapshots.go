package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"runplane/internal/store"
)

// AppendSnapshot inserts one snapshot. Snapshots are append-only; there
// is deliberately no update path.
func (s *Store) AppendSnapshot(ctx context.Context, tx store.DBTransaction, snapshot *store.ExecutionSnapshot) error {
	executor := s.getExecutor(tx)

	query := `
		INSERT INTO execution_snapshots (id, friendly_id, run_id, execution_status, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := executor.ExecContext(ctx, query,
		snapshot.ID, snapshot.FriendlyID, snapshot.RunID,
		snapshot.ExecutionStatus, snapshot.Description, snapshot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append snapshot for run %s: %w", snapshot.RunID, err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for a run. The insert
// sequence, not the timestamp, decides recency.
func (s *Store) LatestSnapshot(ctx context.Context, runID string) (*store.ExecutionSnapshot, error) {
	query := `
		SELECT id, friendly_id, run_id, execution_status, description, created_at
		FROM execution_snapshots
		WHERE run_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`
	var snap store.ExecutionSnapshot
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&snap.ID, &snap.FriendlyID, &snap.RunID,
		&snap.ExecutionStatus, &snap.Description, &snap.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
