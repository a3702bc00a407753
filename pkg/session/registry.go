package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/storage"
)

// Registry persists sessions through the storage engine.
type Registry struct {
	engine *storage.Engine
	logger zerolog.Logger
}

// NewRegistry creates a session registry on top of the storage engine.
func NewRegistry(engine *storage.Engine, logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()

	return &Registry{
		engine: engine,
		logger: logger,
	}
}

// Create generates a new session id for kind, validates metadata, and
// persists the session with status starting.
func (r *Registry) Create(ctx context.Context, kind Kind, metadata map[string]interface{}, ownerID string) (*Session, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"tether.session",
		"session.create",
		attribute.String("kind", string(kind)),
	)
	defer span.End()

	id, err := NewID(kind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := ValidateMetadata(metadata); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:        id,
		Kind:      kind,
		Status:    StatusStarting,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
	}

	var owner interface{}
	if ownerID != "" {
		owner = ownerID
	}

	_, err = r.engine.Run(ctx,
		`INSERT INTO sessions (id, kind, status, owner_id, created_at, updated_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Kind), string(sess.Status), owner,
		now.UnixMilli(), now.UnixMilli(), string(metadataJSON),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	observability.IncSessionCreated(string(kind))
	r.updateActiveSessionsMetric(ctx)

	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().
		Str("session_id", sess.ID).
		Str("kind", string(kind)).
		Msg("Session created")

	return sess, nil
}

// FindByID looks up a session. Returns ErrNotFound when absent.
func (r *Registry) FindByID(ctx context.Context, id string) (*Session, error) {
	var sess *Session
	err := r.engine.Get(ctx, func(row *sql.Row) error {
		s, err := scanSessionRow(row)
		if err != nil {
			return err
		}
		sess = s
		return nil
	}, `SELECT id, kind, status, owner_id, created_at, updated_at, metadata
		FROM sessions WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return sess, nil
}

// List returns all sessions ordered by creation time, newest first.
func (r *Registry) List(ctx context.Context) ([]*Session, error) {
	return r.query(ctx,
		`SELECT id, kind, status, owner_id, created_at, updated_at, metadata
		 FROM sessions ORDER BY created_at DESC`)
}

// FindByStatus returns all sessions with the given status.
func (r *Registry) FindByStatus(ctx context.Context, status Status) ([]*Session, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	return r.query(ctx,
		`SELECT id, kind, status, owner_id, created_at, updated_at, metadata
		 FROM sessions WHERE status = ? ORDER BY created_at DESC`, string(status))
}

// UpdateStatus records a new status and stamps updated_at.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	res, err := r.engine.Run(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.updateActiveSessionsMetric(ctx)

	r.logger.Debug().
		Str("session_id", id).
		Str("status", string(status)).
		Msg("Session status updated")

	return nil
}

// UpdateMetadata merges patch into the stored metadata. Top-level keys
// are replaced, nil values delete keys; unrelated keys are preserved.
func (r *Registry) UpdateMetadata(ctx context.Context, id string, patch map[string]interface{}) error {
	if len(patch) == 0 {
		return nil
	}

	return r.engine.Transaction(ctx, func(tx *sql.Tx) error {
		var metadataJSON string
		err := tx.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = ?`, id).Scan(&metadataJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read session metadata: %w", err)
		}

		var current map[string]interface{}
		if err := json.Unmarshal([]byte(metadataJSON), &current); err != nil {
			return fmt.Errorf("failed to decode stored metadata: %w", err)
		}

		merged := mergeMetadata(current, patch)
		if err := ValidateMetadata(merged); err != nil {
			return err
		}

		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?`,
			string(mergedJSON), time.Now().UnixMilli(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to update session metadata: %w", err)
		}
		return nil
	})
}

// MarkAllRunningAsStopped reconciles state after an unclean shutdown:
// any session left in starting or running is forcibly stopped, since no
// in-memory producer for it can still exist. Called once at startup.
func (r *Registry) MarkAllRunningAsStopped(ctx context.Context) (int64, error) {
	res, err := r.engine.Run(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE status IN (?, ?)`,
		string(StatusStopped), time.Now().UnixMilli(),
		string(StatusStarting), string(StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile session statuses: %w", err)
	}

	if res.RowsAffected > 0 {
		r.logger.Warn().
			Int64("sessions", res.RowsAffected).
			Msg("Marked orphaned sessions as stopped")
	}
	r.updateActiveSessionsMetric(ctx)

	return res.RowsAffected, nil
}

// Delete removes a session; the storage engine cascades event deletion.
func (r *Registry) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"tether.session",
		"session.delete",
		attribute.String("session_id", id),
	)
	defer span.End()

	res, err := r.engine.Run(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.updateActiveSessionsMetric(ctx)

	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().Str("session_id", id).Msg("Session deleted")

	return nil
}

func (r *Registry) query(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	var sessions []*Session
	err := r.engine.All(ctx, func(rows *sql.Rows) error {
		s, err := scanSessionRows(rows)
		if err != nil {
			return err
		}
		sessions = append(sessions, s)
		return nil
	}, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (r *Registry) updateActiveSessionsMetric(ctx context.Context) {
	var count int
	err := r.engine.Get(ctx, func(row *sql.Row) error {
		return row.Scan(&count)
	}, `SELECT COUNT(*) FROM sessions WHERE status IN (?, ?)`,
		string(StatusStarting), string(StatusRunning))
	if err != nil {
		return
	}
	observability.SetActiveSessions(count)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSessionRow(row *sql.Row) (*Session, error)    { return scanSession(row) }
func scanSessionRows(rows *sql.Rows) (*Session, error) { return scanSession(rows) }

func scanSession(row rowScanner) (*Session, error) {
	var (
		s            Session
		kind, status string
		owner        sql.NullString
		createdAt    int64
		updatedAt    int64
		metadataJSON string
	)
	if err := row.Scan(&s.ID, &kind, &status, &owner, &createdAt, &updatedAt, &metadataJSON); err != nil {
		return nil, err
	}

	s.Kind = Kind(kind)
	s.Status = Status(status)
	if owner.Valid {
		s.OwnerID = owner.String
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.UpdatedAt = time.UnixMilli(updatedAt)

	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode session metadata: %w", err)
		}
	}

	return &s, nil
}
