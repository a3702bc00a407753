package eventlog

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrSequenceReleased is returned when an append races a Release call
// for the same session: the reservation was requested against state
// that a concurrent teardown cleared. Lifecycle error, not transient.
var ErrSequenceReleased = errors.New("sequence state released")

// BootstrapFunc reads durable state and returns the next sequence
// number to assign for a session the process has not seen yet.
type BootstrapFunc func(ctx context.Context, sessionID string) (int64, error)

// sessionSeq is the per-session counter. Its mutex is the append lock:
// it is held from Reserve until the matching Confirm or Abort, so
// reserve -> write -> confirm is atomic with respect to other appends
// on the same session.
type sessionSeq struct {
	mu       sync.Mutex
	nextSeq  int64
	released bool
}

// Coordinator hands out sequence numbers, exactly one assignment per
// append, under concurrent callers within one process. It is owned
// explicitly by whoever constructs the event log; there is no package
// level instance.
type Coordinator struct {
	mu        sync.RWMutex
	entries   map[string]*sessionSeq
	flight    singleflight.Group
	bootstrap BootstrapFunc
	logger    zerolog.Logger
}

// NewCoordinator creates a coordinator that bootstraps unseen sessions
// through fn.
func NewCoordinator(fn BootstrapFunc, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		entries:   make(map[string]*sessionSeq),
		bootstrap: fn,
		logger:    logger,
	}
}

// Reserve returns the next sequence number for the session and holds
// the session's append lock until Confirm or Abort is called with the
// same seq. On first use the counter is bootstrapped from durable
// state; concurrent first calls share a single bootstrap read.
func (c *Coordinator) Reserve(ctx context.Context, sessionID string) (int64, error) {
	entry, err := c.entryFor(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	entry.mu.Lock()
	if entry.released {
		// Lost the race against Release on this entry. The map no
		// longer holds it, so a deliberate new use of the session id
		// goes through a fresh Reserve call and re-bootstraps.
		entry.mu.Unlock()
		return 0, ErrSequenceReleased
	}

	return entry.nextSeq, nil
}

// Confirm records that seq was durably written: the counter advances
// past it and the append lock is dropped.
func (c *Coordinator) Confirm(sessionID string, seq int64) {
	entry := c.lookup(sessionID)
	if entry == nil {
		// Bookkeeping only; log so a poisoned lifecycle is visible.
		c.logger.Error().
			Str("session_id", sessionID).
			Int64("seq", seq).
			Msg("Confirm for unknown session, sequence state lost")
		return
	}

	entry.nextSeq = seq + 1
	entry.mu.Unlock()
}

// Abort drops the append lock without advancing the counter: the write
// failed, so the reserved number is reused by the next append rather
// than left as a gap.
func (c *Coordinator) Abort(sessionID string, seq int64) {
	entry := c.lookup(sessionID)
	if entry == nil {
		c.logger.Error().
			Str("session_id", sessionID).
			Int64("seq", seq).
			Msg("Abort for unknown session, sequence state lost")
		return
	}

	entry.mu.Unlock()
}

// Release clears in-memory state for a session. It orders itself after
// any append already holding the session lock, so an in-flight
// reserve/confirm pair completes before the entry disappears.
func (c *Coordinator) Release(sessionID string) {
	entry := c.lookup(sessionID)
	if entry == nil {
		return
	}

	entry.mu.Lock()
	entry.released = true

	c.mu.Lock()
	if c.entries[sessionID] == entry {
		delete(c.entries, sessionID)
	}
	c.mu.Unlock()

	entry.mu.Unlock()

	c.flight.Forget(sessionID)

	c.logger.Debug().Str("session_id", sessionID).Msg("Sequence state released")
}

// Active returns the number of sessions with live counters.
func (c *Coordinator) Active() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Coordinator) lookup(sessionID string) *sessionSeq {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[sessionID]
}

// entryFor returns the live counter for the session, bootstrapping it
// through a single-flight read on first use. Bootstrap failures are
// not cached; the next call retries.
func (c *Coordinator) entryFor(ctx context.Context, sessionID string) (*sessionSeq, error) {
	if entry := c.lookup(sessionID); entry != nil {
		return entry, nil
	}

	v, err, _ := c.flight.Do(sessionID, func() (interface{}, error) {
		if entry := c.lookup(sessionID); entry != nil {
			return entry, nil
		}

		next, err := c.bootstrap(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		entry := &sessionSeq{nextSeq: next}
		c.mu.Lock()
		c.entries[sessionID] = entry
		c.mu.Unlock()

		c.logger.Debug().
			Str("session_id", sessionID).
			Int64("next_seq", next).
			Msg("Sequence counter bootstrapped")

		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*sessionSeq), nil
}
