// Package store provides the node's durable state: swarms, members, mutes,
// the public-key cache, issued invite tokens, the inbox and outbox, and SDK
// session continuity.
//
// The database is SQLite in WAL mode. Reads run concurrently; writes are
// serialized through a single writer lock so multi-statement mutations stay
// atomic per swarm.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
)

// Store is the node database handle.
type Store struct {
	db *sql.DB

	// writeMu serializes writers. SQLite WAL allows one writer at a time;
	// holding the lock across multi-statement transactions avoids
	// SQLITE_BUSY churn under concurrent receives.
	writeMu sync.Mutex
}

// Open opens (or creates) the node database at path, applying the WAL
// pragmas and the schema. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO schema_versions (version, applied_at) VALUES (?, ?)`,
		schemaVersion, toDB(time.Now()),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: record schema version: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// toDB renders a time for storage. Fixed-width UTC strings compare
// lexicographically in timestamp order, which the purge queries rely on.
func toDB(t time.Time) string {
	return envelope.FormatTime(t)
}

// fromDB parses a stored timestamp. Zero time on empty.
func fromDB(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := envelope.ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
