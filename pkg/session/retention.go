package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/tether/internal/observability"
)

// SequenceReleaser clears in-memory sequence state for a session. The
// event log satisfies this; retention calls it after deleting rows so a
// purged session id leaves nothing behind in the process.
type SequenceReleaser interface {
	Release(sessionID string)
}

// Retention periodically removes terminal sessions (and, via cascade,
// their events) older than a configured age.
type Retention struct {
	registry  *Registry
	sequences SequenceReleaser
	maxAge    time.Duration
	schedule  string
	cron      *cron.Cron
	logger    zerolog.Logger
}

// RetentionConfig holds retention sweeper configuration.
type RetentionConfig struct {
	Registry  *Registry
	Sequences SequenceReleaser
	MaxAge    time.Duration
	Schedule  string // standard 5-field cron expression
	Logger    zerolog.Logger
}

// NewRetention creates the retention sweeper.
func NewRetention(cfg RetentionConfig) (*Retention, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "0 3 * * *"
	}

	return &Retention{
		registry:  cfg.Registry,
		sequences: cfg.Sequences,
		maxAge:    cfg.MaxAge,
		schedule:  cfg.Schedule,
		logger:    cfg.Logger,
	}, nil
}

// Start schedules the sweep. Returns an error for an invalid schedule.
func (rt *Retention) Start() error {
	if rt.cron != nil {
		return fmt.Errorf("retention is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(rt.schedule, func() {
		if _, err := rt.Sweep(context.Background()); err != nil {
			rt.logger.Error().Err(err).Msg("Retention sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", rt.schedule, err)
	}

	c.Start()
	rt.cron = c

	rt.logger.Info().
		Str("schedule", rt.schedule).
		Dur("max_age", rt.maxAge).
		Msg("Session retention started")

	return nil
}

// Stop stops the scheduler, waiting for a running sweep to finish.
func (rt *Retention) Stop() {
	if rt.cron == nil {
		return
	}
	<-rt.cron.Stop().Done()
	rt.cron = nil

	rt.logger.Info().Msg("Session retention stopped")
}

// Sweep deletes terminal sessions whose last update is older than the
// retention age. Returns the number of sessions removed.
func (rt *Retention) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-rt.maxAge)
	deleted := 0

	for _, status := range []Status{StatusStopped, StatusError} {
		sessions, err := rt.registry.FindByStatus(ctx, status)
		if err != nil {
			return deleted, fmt.Errorf("failed to list %s sessions: %w", status, err)
		}

		for _, sess := range sessions {
			if sess.UpdatedAt.After(cutoff) {
				continue
			}

			if err := rt.registry.Delete(ctx, sess.ID); err != nil {
				rt.logger.Warn().
					Str("session_id", sess.ID).
					Err(err).
					Msg("Failed to purge session")
				continue
			}
			if rt.sequences != nil {
				rt.sequences.Release(sess.ID)
			}
			deleted++

			rt.logger.Debug().
				Str("session_id", sess.ID).
				Time("updated_at", sess.UpdatedAt).
				Msg("Session purged")
		}
	}

	if deleted > 0 {
		observability.IncSessionsPurged(deleted)
		rt.logger.Info().Int("deleted", deleted).Msg("Retention sweep complete")
	}

	return deleted, nil
}
