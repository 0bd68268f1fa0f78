package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps the single SQLite file holding accounts, per-model quotas,
// attempt logs, settings, api keys and the persisted signature cache tier.
type Store struct {
	db *sql.DB
}

// Pragmas are per-connection in SQLite, so they ride in the DSN where the
// driver replays them on every connection the pool opens. WAL allows
// concurrent readers with the single writer; writes stay short.
const dsnPragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)" +
	"&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"

// Open opens (creating if needed) the database at path and applies
// migrations. Paths other than ":memory:" get their parent directory created.
func Open(path string) (*Store, error) {
	dsn := path
	switch {
	case path == ":memory:":
		// A pooled in-memory database would give each connection its own
		// empty database; pin the pool to one connection instead.
		dsn = "file::memory:?" + dsnPragmas
	case strings.HasPrefix(path, "file:"):
		if strings.Contains(path, "?") {
			dsn = path + "&" + dsnPragmas
		} else {
			dsn = path + "?" + dsnPragmas
		}
	default:
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		dsn = "file:" + path + "?" + dsnPragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB { return s.db }
