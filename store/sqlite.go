package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists the update log in a single SQLite file, one row per
// update. Grounded on astromechza-automerge-experiments' cmd/four/server
// pattern (database/sql opened against the mattn/go-sqlite3 driver), here
// applied to an append-only update table rather than that repo's
// whole-document snapshot table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite open: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS ybroker_updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			data BLOB NOT NULL,
			metadata BLOB,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS ybroker_updates_path_idx ON ybroker_updates (path, id);
	`)
	if err != nil {
		return fmt.Errorf("store: sqlite migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, path string) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, metadata, created_at FROM ybroker_updates WHERE path = ? ORDER BY id ASC`, path)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite read %s: %w", path, err)
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		var data, metadata []byte
		var nanos int64
		if err := rows.Scan(&data, &metadata, &nanos); err != nil {
			return nil, fmt.Errorf("store: sqlite scan %s: %w", path, err)
		}
		out = append(out, Update{Data: data, Metadata: metadata, Timestamp: time.Unix(0, nanos)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sqlite read %s: %w", path, err)
	}
	return out, nil
}

func (s *SQLiteStore) Write(ctx context.Context, path string, data []byte, metadata []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ybroker_updates (path, data, metadata, created_at) VALUES (?, ?, ?, ?)`,
		path, data, metadata, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: sqlite write %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) Squash(ctx context.Context, path string, snapshot []byte, metadata []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: sqlite squash begin %s: %w", path, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ybroker_updates WHERE path = ?`, path); err != nil {
		return fmt.Errorf("store: sqlite squash delete %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ybroker_updates (path, data, metadata, created_at) VALUES (?, ?, ?, ?)`,
		path, snapshot, metadata, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("store: sqlite squash insert %s: %w", path, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
