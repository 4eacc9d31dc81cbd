// Package store is the relational persistence layer backing every entity in
// the core spec's data model. It uses modernc.org/sqlite in WAL mode,
// tuned for overlapping access from the HTTP handlers, the GC coordinator,
// and the session reconciler.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned when an optimistic-concurrency update's
// WHERE version = ? clause matches zero rows.
var ErrVersionConflict = errors.New("store: version conflict")

// Store wraps a *sql.DB with the pragmas and retry discipline every
// repository in this package relies on.
type Store struct {
	db *sql.DB
}

// DefaultMaxOpenConns bounds the connection pool; WAL allows many readers
// plus one writer, so a handful of connections lets reads proceed while
// writes serialize.
const DefaultMaxOpenConns = 4

func dsnWithPragmas(path string) string {
	return path + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
}

// Open opens (and migrates) the store at path.
func Open(path string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(path))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for repositories in this package only.
func (s *Store) DB() *sql.DB { return s.db }

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// retryOnBusy retries fn with exponential backoff on SQLITE_BUSY, the same
// discipline every writer in this package uses to tolerate overlapping
// GC/API/reconciler access against a single-writer database.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 5
	backoff := 20 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusy(lastErr) {
			return lastErr
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return lastErr
}

func checkRowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
