package postgres

import (
	"context"
	"fmt"

	"runplane/internal/store"
)

func (s *Store) AddRunLog(ctx context.Context, runID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, content) VALUES ($1, $2)`, runID, content)
	if err != nil {
		return fmt.Errorf("failed to add log for run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) GetRunLogs(ctx context.Context, runID string, afterID int64, limit int) ([]store.RunLog, error) {
	query := `
		SELECT id, run_id, content, created_at
		FROM run_logs
		WHERE run_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load logs for run %s: %w", runID, err)
	}
	defer rows.Close()

	var logs []store.RunLog
	for rows.Next() {
		var l store.RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Content, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
