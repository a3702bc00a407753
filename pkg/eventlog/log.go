package eventlog

import (
	"context"
	"database/sql"
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

// ErrSessionNotFound is returned when appending to a session id with no
// session row behind it.
var ErrSessionNotFound = errors.New("session not found")

// Notifier receives every durably appended event, after commit. The
// attach gateway uses this to tail sessions live.
type Notifier interface {
	Notify(event Event)
}

// Store is the slice of the storage engine the event log consumes.
// *storage.Engine satisfies it.
type Store interface {
	Run(ctx context.Context, query string, args ...interface{}) (storage.Result, error)
	Get(ctx context.Context, scan func(row *sql.Row) error, query string, args ...interface{}) error
	All(ctx context.Context, each func(rows *sql.Rows) error, query string, args ...interface{}) error
}

// Log is the event log. Writes are gated through the sequence
// coordinator; reads go straight to the storage engine, independent of
// the write path's locks.
type Log struct {
	engine      Store
	coordinator *Coordinator
	notifier    Notifier
	logger      zerolog.Logger
}

// Config holds event log configuration. Coordinator is optional; when
// nil the log owns a fresh one bootstrapped from its own storage.
type Config struct {
	Engine      Store
	Coordinator *Coordinator
	Notifier    Notifier
	Logger      zerolog.Logger
}

// New creates an event log.
func New(cfg Config) (*Log, error) {
	observability.EnsureRegistered()

	if cfg.Engine == nil {
		return nil, errors.New("storage engine is required")
	}

	l := &Log{
		engine:   cfg.Engine,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
	}

	if cfg.Coordinator != nil {
		l.coordinator = cfg.Coordinator
	} else {
		l.coordinator = NewCoordinator(l.bootstrapSeq, cfg.Logger)
	}

	return l, nil
}

// SetNotifier installs the live-tail notifier. Must be called before
// producers start appending.
func (l *Log) SetNotifier(n Notifier) {
	l.notifier = n
}

// Append durably writes one event and returns its assigned sequence
// number and timestamp. On storage failure the reservation is aborted:
// the counter does not advance and the same number is reused by the
// next successful append, so failures leave no gaps.
func (l *Log) Append(ctx context.Context, sessionID string, rec Record) (AppendResult, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"tether.eventlog",
		"eventlog.append",
		attribute.String("session_id", sessionID),
		attribute.String("channel", rec.Channel),
	)
	defer span.End()

	start := time.Now()

	payload, err := encodePayload(rec.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AppendResult{}, err
	}

	seq, err := l.coordinator.Reserve(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordAppend("reserve_error", time.Since(start), 0)
		return AppendResult{}, fmt.Errorf("failed to reserve sequence: %w", err)
	}

	ts := time.Now()
	_, err = l.engine.Run(ctx,
		`INSERT INTO session_events (session_id, seq, channel, type, payload, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, seq, rec.Channel, rec.Type, payload, ts.UnixMilli(),
	)
	if err != nil {
		l.coordinator.Abort(sessionID, seq)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordAppend("error", time.Since(start), 0)

		if storage.IsForeignKeyViolation(err) {
			return AppendResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return AppendResult{}, fmt.Errorf("failed to append event: %w", err)
	}

	l.coordinator.Confirm(sessionID, seq)
	observability.RecordAppend("ok", time.Since(start), len(payload))

	logger := tracing.LoggerFromContext(ctx, l.logger)
	logger.Debug().
		Int64("seq", seq).
		Str("channel", rec.Channel).
		Str("type", rec.Type).
		Int("bytes", len(payload)).
		Msg("Event appended")

	if l.notifier != nil {
		l.notifier.Notify(Event{
			SessionID: sessionID,
			Seq:       seq,
			Channel:   rec.Channel,
			Type:      rec.Type,
			Payload:   decodePayload(payload),
			Timestamp: ts,
		})
	}

	return AppendResult{Seq: seq, Timestamp: ts}, nil
}

// GetEvents returns the session's events with sequence numbers strictly
// greater than afterSeq, ascending. SeqBeforeAll selects full history.
func (l *Log) GetEvents(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error) {
	var events []Event
	err := l.engine.All(ctx, func(rows *sql.Rows) error {
		var (
			ev      Event
			payload []byte
			ts      int64
		)
		if err := rows.Scan(&ev.Seq, &ev.Channel, &ev.Type, &payload, &ts); err != nil {
			return err
		}
		ev.SessionID = sessionID
		ev.Payload = decodePayload(payload)
		ev.Timestamp = time.UnixMilli(ts)
		events = append(events, ev)
		return nil
	}, `SELECT seq, channel, type, payload, ts
		FROM session_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// GetAllEvents returns the session's full history in order.
func (l *Log) GetAllEvents(ctx context.Context, sessionID string) ([]Event, error) {
	return l.GetEvents(ctx, sessionID, SeqBeforeAll)
}

// GetLatestSeq returns the highest sequence number written for the
// session, or SeqBeforeAll when the log is empty.
func (l *Log) GetLatestSeq(ctx context.Context, sessionID string) (int64, error) {
	var latest int64
	err := l.engine.Get(ctx, func(row *sql.Row) error {
		return row.Scan(&latest)
	}, `SELECT COALESCE(MAX(seq), ?) FROM session_events WHERE session_id = ?`,
		SeqBeforeAll, sessionID)
	if err != nil {
		return SeqBeforeAll, fmt.Errorf("failed to read latest seq: %w", err)
	}
	return latest, nil
}

// GetEventCount returns the number of events stored for the session.
func (l *Log) GetEventCount(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := l.engine.Get(ctx, func(row *sql.Row) error {
		return row.Scan(&count)
	}, `SELECT COUNT(*) FROM session_events WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// DeleteEvents purges all events for a session. The session's in-memory
// counter is released so the next append re-bootstraps from whatever
// rows remain; other sessions' counters are untouched.
func (l *Log) DeleteEvents(ctx context.Context, sessionID string) error {
	res, err := l.engine.Run(ctx,
		`DELETE FROM session_events WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	l.coordinator.Release(sessionID)

	l.logger.Info().
		Str("session_id", sessionID).
		Int64("deleted", res.RowsAffected).
		Msg("Session events deleted")

	return nil
}

// CatchUp serves the replay query for a client attaching fresh or
// reattaching after a disconnect. Identical to GetEvents; idempotent
// and side-effect free.
func (l *Log) CatchUp(ctx context.Context, sessionID string, lastSeenSeq int64) ([]Event, error) {
	start := time.Now()
	events, err := l.GetEvents(ctx, sessionID, lastSeenSeq)
	if err != nil {
		return nil, err
	}
	observability.RecordReplay(time.Since(start), len(events))
	return events, nil
}

// Release clears the session's in-memory sequence state. Called by the
// owning session manager when a session is torn down.
func (l *Log) Release(sessionID string) {
	l.coordinator.Release(sessionID)
}

// bootstrapSeq reads MAX(seq)+1 for a session the process has not seen.
// MAX-based bootstrap is gap-tolerant: it stays correct even when
// earlier events were purged and left holes below the high-water mark.
func (l *Log) bootstrapSeq(ctx context.Context, sessionID string) (int64, error) {
	latest, err := l.GetLatestSeq(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return latest + 1, nil
}
