// Package store is the agent's local durable store: an embedded SQLite
// database holding the last remote snapshot, records waiting for upload, and
// the outbox of follow-up updates and deletes.
//
// Every write commits with synchronous=FULL before returning, so a record the
// engine reports as saved survives a crash or power loss.
//
// Layout:
//   - batches, tags: one row per record, keyed by client-assigned id, with
//     sync_state and a local revision counter
//   - outbox: pending remote update/delete per (collection, record_id, op)
//   - meta: small key/value table for session state and import markers
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ganadoscan/ganadoscan/internal/errors"
)

// timeLayout has fixed-width fractions so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	closed     INTEGER NOT NULL DEFAULT 0,
	sync_state TEXT NOT NULL,
	rev        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_batches_sync_state ON batches(sync_state);
CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at);

CREATE TABLE IF NOT EXISTS tags (
	id         TEXT PRIMARY KEY,
	code       TEXT NOT NULL,
	scanned_at TEXT NOT NULL,
	status     TEXT NOT NULL,
	batch_id   TEXT,
	notes      TEXT,
	sync_state TEXT NOT NULL,
	rev        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tags_batch_id ON tags(batch_id);
CREATE INDEX IF NOT EXISTS idx_tags_sync_state ON tags(sync_state);
CREATE INDEX IF NOT EXISTS idx_tags_code ON tags(code);

CREATE TABLE IF NOT EXISTS outbox (
	collection TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	op         TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	queued_at  TEXT NOT NULL,
	PRIMARY KEY (collection, record_id, op)
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops carries every record operation; Store runs them on the pool, Tx inside a transaction.
type ops struct {
	q querier
}

// Store is the local durable store.
type Store struct {
	ops
	conn *sql.DB
	path string
}

// Tx is a store transaction. It exposes the same operations as Store.
type Tx struct {
	ops
}

// Open opens (creating if needed) the database at path and applies the schema.
// The caller must Close it.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=synchronous(full)" +
		"&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{ops: ops{q: conn}, conn: conn, path: path}
	if err := s.InitSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates tables and indexes if they don't exist.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates tables and indexes with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.conn.Close()
	s.conn = nil
	return err
}

// InTx runs fn in a single write transaction. fn must only use tx.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Store(err, "begin transaction")
	}
	if err := fn(&Tx{ops: ops{q: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errors.Store(err, "commit transaction")
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
