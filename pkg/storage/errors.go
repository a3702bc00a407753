package storage

import (
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned by Get when no row matches the query.
	ErrNotFound = errors.New("not found")
)

// Error wraps a storage failure with retryability information.
// Retryable errors come from transient contention (SQLITE_BUSY /
// SQLITE_LOCKED) that survived the engine's internal retry budget.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Retryable {
		return fmt.Sprintf("storage: %s: %v (retryable)", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a storage error caused by
// transient contention.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsForeignKeyViolation reports whether err is a foreign key constraint
// failure (e.g. inserting an event for a session that does not exist).
func IsForeignKeyViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// IsUniqueViolation reports whether err is a uniqueness constraint
// failure (e.g. a duplicate (session_id, seq) pair).
func IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// isBusy reports whether err is a SQLite contention error worth retrying.
func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Retryable: isBusy(err), Err: err}
}
