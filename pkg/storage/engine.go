// Package storage is the relational engine behind the session registry
// and the event log. It wraps a single SQLite database with bounded
// retry-on-contention semantics so callers above the sequence boundary
// never retry writes themselves.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/tether/internal/observability"
)

const (
	// DefaultMaxAttempts bounds internal retries on SQLITE_BUSY.
	DefaultMaxAttempts = 5
	// DefaultRetryBase is the first backoff delay; it doubles per attempt.
	DefaultRetryBase = 10 * time.Millisecond
)

// Result reports the outcome of a write statement.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// Engine is the storage engine adapter. All access goes through its
// retry-wrapped operations; no component touches the *sql.DB directly.
type Engine struct {
	db          *sql.DB
	logger      zerolog.Logger
	maxAttempts int
	retryBase   time.Duration
}

// Config holds engine configuration.
type Config struct {
	Path        string
	Logger      zerolog.Logger
	MaxAttempts int           // retry attempts on contention, 0 = default
	RetryBase   time.Duration // initial backoff delay, 0 = default
}

// Open opens (creating if needed) the database and bootstraps the schema.
func Open(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	e := &Engine{
		db:          db,
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	e.logger.Info().Str("path", cfg.Path).Msg("Storage engine opened")

	return e, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Run executes a write statement with retry-on-contention.
func (e *Engine) Run(ctx context.Context, query string, args ...interface{}) (Result, error) {
	var res Result
	err := e.withRetry(ctx, "run", func() error {
		r, err := e.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		res.LastInsertID, _ = r.LastInsertId()
		res.RowsAffected, _ = r.RowsAffected()
		return nil
	})
	return res, err
}

// Get runs a single-row query. scan receives the row; sql.ErrNoRows is
// translated to ErrNotFound.
func (e *Engine) Get(ctx context.Context, scan func(row *sql.Row) error, query string, args ...interface{}) error {
	return e.withRetry(ctx, "get", func() error {
		err := scan(e.db.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
}

// All runs a multi-row query, invoking each per row.
func (e *Engine) All(ctx context.Context, each func(rows *sql.Rows) error, query string, args ...interface{}) error {
	return e.withRetry(ctx, "all", func() error {
		rows, err := e.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			if err := each(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// Transaction runs fn inside a transaction, committing on nil and
// rolling back on error. The whole transaction is retried on contention.
func (e *Engine) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return e.withRetry(ctx, "transaction", func() error {
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				e.logger.Warn().Err(rbErr).Msg("Transaction rollback failed")
			}
			return err
		}

		return tx.Commit()
	})
}

// withRetry retries fn on SQLITE_BUSY/SQLITE_LOCKED with exponential
// backoff up to maxAttempts, then surfaces a retryable typed error.
// Sentinel and domain errors pass through unwrapped.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := e.retryBase

	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if !isBusy(err) {
			return wrapErr(op, err)
		}

		observability.IncStorageRetry(op)
		e.logger.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Storage contention, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return wrapErr(op, ctx.Err())
		}
		delay *= 2
	}

	return wrapErr(op, err)
}
