// Copyright 2024-2026 Aiku AI

package identitystore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteBackend stores records in a single SQLite table keyed by (scope, id).
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Put(ctx context.Context, scope Scope, id string, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO identity_records (scope, id, data, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (scope, id) DO UPDATE SET
	data = excluded.data,
	updated_at = excluded.updated_at
`, string(scope), id, string(raw), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s record %s: %w", scope, id, err)
	}
	return nil
}

func (s *SQLiteBackend) Get(ctx context.Context, scope Scope, id string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM identity_records WHERE scope = ? AND id = ?`,
		string(scope), id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get %s record %s: %w", scope, id, err)
	}
	return []byte(data), nil
}

func (s *SQLiteBackend) Scan(ctx context.Context, scope Scope, fn func(raw []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM identity_records WHERE scope = ? ORDER BY id`,
		string(scope),
	)
	if err != nil {
		return fmt.Errorf("scan %s records: %w", scope, err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("scan %s row: %w", scope, err)
		}
		if err := fn([]byte(data)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
