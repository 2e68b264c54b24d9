package postgres

import (
	"context"
	"database/sql"
	"errors"

	"runplane/internal/store"
)

func (s *Store) CreateOrganization(ctx context.Context, tx store.DBTransaction, org *store.Organization) error {
	executor := s.getExecutor(tx)

	query := `INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`
	_, err := executor.ExecContext(ctx, query, org.ID, org.Name, org.CreatedAt)
	return err
}

func (s *Store) CreateEnvironment(ctx context.Context, tx store.DBTransaction, env *store.Environment, hashedAPIKey string) error {
	executor := s.getExecutor(tx)

	query := `
		INSERT INTO environments (id, org_id, type, api_key_hash, concurrency_limit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := executor.ExecContext(ctx, query,
		env.ID, env.OrgID, env.Type, hashedAPIKey, env.ConcurrencyLimit, env.CreatedAt,
	)
	return err
}

func (s *Store) GetEnvironmentByID(ctx context.Context, id string) (*store.Environment, error) {
	query := `SELECT id, org_id, type, concurrency_limit, created_at FROM environments WHERE id = $1`
	return s.scanEnvironment(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetEnvironmentByAPIKeyHash(ctx context.Context, hash string) (*store.Environment, error) {
	query := `SELECT id, org_id, type, concurrency_limit, created_at FROM environments WHERE api_key_hash = $1`
	return s.scanEnvironment(s.db.QueryRowContext(ctx, query, hash))
}

func (s *Store) scanEnvironment(row *sql.Row) (*store.Environment, error) {
	var env store.Environment
	err := row.Scan(&env.ID, &env.OrgID, &env.Type, &env.ConcurrencyLimit, &env.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}
