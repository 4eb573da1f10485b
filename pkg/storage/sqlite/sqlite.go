// Package sqlite stores ingested log records in a SQLite database and
// backs the RPC query surface.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rexliu/udplogd/pkg/udplog"
)

// Store owns the SQLite database holding log records.
type Store struct {
	db   *sql.DB
	path string
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open initializes a SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return s.applySchema(ctx)
}

func (s *Store) applySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			received_at INTEGER NOT NULL,
			source TEXT NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_received ON records(received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_records_source ON records(source);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// WriteBatch inserts one drained batch atomically.
func (s *Store) WriteBatch(ctx context.Context, batch []udplog.Record) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO records(id, received_at, source, payload) VALUES(?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.ReceivedAt.UnixMilli(), rec.Source, string(rec.Payload)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// Tail returns the latest limit records, newest first.
func (s *Store) Tail(ctx context.Context, limit int) ([]udplog.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, received_at, source, payload
		FROM records
		ORDER BY received_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []udplog.Record
	for rows.Next() {
		var (
			id       string
			received int64
			source   string
			payload  string
		)
		if err := rows.Scan(&id, &received, &source, &payload); err != nil {
			return nil, err
		}
		out = append(out, udplog.Record{
			ID:         id,
			ReceivedAt: time.UnixMilli(received),
			Source:     source,
			Payload:    json.RawMessage(payload),
		})
	}
	return out, rows.Err()
}
