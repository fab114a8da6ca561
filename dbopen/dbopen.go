// Package dbopen opens the SQLite database shared by the cache, catalog,
// ledger, item and sync-state stores.
//
// Pragmas travel in the DSN as modernc _pragma parameters, so every pooled
// connection gets them, not only the first one:
//
//	foreign_keys(1) journal_mode(WAL) busy_timeout(10000) synchronous(NORMAL)
//
// The caller blank-imports the driver:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("data/sourcesync.db", dbopen.WithMkdirAll())
//
// Tests use dbopen.OpenMemory(t).
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const memory = ":memory:"

type settings struct {
	busyTimeoutMs int
	mkdirAll      bool
	maxOpenConns  int
	schemas       []string
}

// Option customises Open.
type Option func(*settings)

// WithBusyTimeout sets busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(s *settings) { s.busyTimeoutMs = ms } }

// WithMkdirAll creates the parent directories of the database file.
func WithMkdirAll() Option { return func(s *settings) { s.mkdirAll = true } }

// WithMaxOpenConns caps the pool before any statement runs.
func WithMaxOpenConns(n int) Option { return func(s *settings) { s.maxOpenConns = n } }

// WithSchema queues DDL executed, in order, once the database is open.
func WithSchema(ddl string) Option { return func(s *settings) { s.schemas = append(s.schemas, ddl) } }

// DSN returns the modernc data source name for path with the store pragmas.
func DSN(path string, busyTimeoutMs int) string {
	q := url.Values{}
	for _, p := range []string{
		"foreign_keys(1)",
		"journal_mode(WAL)",
		fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs),
		"synchronous(NORMAL)",
	} {
		q.Add("_pragma", p)
	}
	if path != memory && !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?" + q.Encode()
}

// Open opens the database at path, then runs the queued schemas.
func Open(path string, opts ...Option) (*sql.DB, error) {
	s := settings{busyTimeoutMs: 10_000}
	for _, o := range opts {
		o(&s)
	}

	if s.mkdirAll && path != memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", DSN(path, s.busyTimeoutMs))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if s.maxOpenConns > 0 {
		db.SetMaxOpenConns(s.maxOpenConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping %s: %w", path, err)
	}
	for i, ddl := range s.schemas {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: schema %d: %w", i, err)
		}
	}
	return db, nil
}

// OpenMemory opens an in-memory database for tests and closes it on cleanup.
// Each connection to :memory: is its own database, so the pool is pinned to
// one connection.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memory, append([]Option{WithMaxOpenConns(1)}, opts...)...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
