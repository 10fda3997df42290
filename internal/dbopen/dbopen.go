// Package dbopen opens the control plane's SQLite database with
// production-safe pragmas applied uniformly, and a matching in-memory
// opener for tests.
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type config struct {
	busyTimeoutMs int
	synchronous   string
	foreignKeys   bool
	mkdirAll      bool
	schemas       []string
}

func defaults() config {
	return config{
		busyTimeoutMs: 10_000,
		synchronous:   "NORMAL",
		foreignKeys:   true,
	}
}

// Option customizes Open.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeoutMs = ms } }

// WithMkdirAll creates the database file's parent directory before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues inline DDL to run once pragmas are applied.
func WithSchema(ddl string) Option { return func(c *config) { c.schemas = append(c.schemas, ddl) } }

// Open opens a SQLite database at path with foreign_keys=ON,
// journal_mode=WAL, the given busy_timeout, and synchronous=NORMAL.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.busyTimeoutMs),
		fmt.Sprintf("PRAGMA synchronous=%s", cfg.synchronous),
	}
	if cfg.foreignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: pragma %q: %w", p, err)
		}
	}

	for _, ddl := range cfg.schemas {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: schema: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens a private, in-process SQLite database for tests. Each
// call returns an independent database (shared-cache is deliberately not
// used, so tests never leak state into each other).
//
// It pins the pool to a single connection: every connection to :memory:
// opens a distinct database, so a pool of more than one silently scatters
// queries across unrelated, empty databases.
func OpenMemory(opts ...Option) (*sql.DB, error) {
	opts = append([]Option{}, opts...)
	db, err := Open(":memory:", opts...)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
