// Package catalog is the durable inventory of disks, files, folder
// aggregates, balance plans, and planned moves. It is the sole mutable
// shared resource in the daemon: every other subsystem holds a transient
// handle onto a *Store rather than caching state of its own.
package catalog

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the catalog's SQLite connection. All exported methods are
// safe for concurrent use — writers serialize at SQLite's lock boundary,
// readers run against the WAL snapshot.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the catalog database at path and
// applies any outstanding schema migrations. Failure during migration
// is fatal — callers should treat a non-nil error as a reason to abort
// startup, per the catalog's schema-versioning contract.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=30000&cache=shared&_cache_size=-65536&_wal_autocheckpoint=1000&_synchronous=FULL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer SQLite; avoid "database is locked" thrash

	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("initial wal checkpoint: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for subsystems (audit) that keep their own
// tables outside the catalog's own schema but share one SQLite file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Checkpoint forces a WAL checkpoint; called on a timer from main so a
// high-throughput scan or executor run does not let the WAL grow
// unbounded between natural checkpoints.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

// Backup writes a consistent snapshot of the catalog to dest using
// SQLite's VACUUM INTO, which is safe to run concurrently with writers.
func (s *Store) Backup(dest string) error {
	_, err := s.db.Exec("VACUUM INTO ?", dest)
	return err
}
