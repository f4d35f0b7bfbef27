// Package sqlite provides a storage.Backend over a single SQLite database
// file, suitable for hub deployments that want durable chunks without an
// embedded LSM store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"deltahub/internal/storage"

	_ "modernc.org/sqlite"
)

const chunksSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	full_key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	byte_length INTEGER NOT NULL,
	written_at_utc_ns INTEGER NOT NULL DEFAULT (CAST(strftime('%s','now') AS INTEGER) * 1000000000)
);
`

type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(chunksSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context, key storage.Key) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM chunks WHERE full_key=?`, key.Encode())
	var value []byte
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) Save(ctx context.Context, key storage.Key, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chunks(full_key, value, byte_length) VALUES(?, ?, ?)
ON CONFLICT(full_key) DO UPDATE SET value=excluded.value, byte_length=excluded.byte_length`,
		key.Encode(), value, len(value))
	return err
}

func (s *Store) Remove(ctx context.Context, key storage.Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE full_key=?`, key.Encode())
	return err
}

func (s *Store) LoadRange(ctx context.Context, prefix storage.Key) ([]storage.Entry, error) {
	p := prefix.Encode() + storage.KeySeparator
	rows, err := s.db.QueryContext(ctx, `
SELECT full_key, value FROM chunks
WHERE substr(full_key, 1, ?) = ?
ORDER BY full_key ASC`, len(p), p)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Entry
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out = append(out, storage.Entry{Key: storage.Key(strings.Split(k, storage.KeySeparator)), Value: v})
	}
	return out, rows.Err()
}

func (s *Store) RemoveRange(ctx context.Context, prefix storage.Key) error {
	p := prefix.Encode() + storage.KeySeparator
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE substr(full_key, 1, ?) = ?`, len(p), p)
	return err
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

var _ storage.Backend = (*Store)(nil)
