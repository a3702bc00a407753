package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tether/pkg/storage"
)

type fakeReleaser struct {
	released []string
}

func (f *fakeReleaser) Release(sessionID string) {
	f.released = append(f.released, sessionID)
}

func setupRetentionTest(t *testing.T) (*Registry, *storage.Engine) {
	t.Helper()
	engine, err := storage.Open(storage.Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return NewRegistry(engine, zerolog.Nop()), engine
}

func backdate(t *testing.T, engine *storage.Engine, id string, age time.Duration) {
	t.Helper()
	_, err := engine.Run(context.Background(),
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().Add(-age).UnixMilli(), id)
	require.NoError(t, err)
}

func TestRetention_SweepPurgesOldTerminalSessions(t *testing.T) {
	registry, engine := setupRetentionTest(t)
	ctx := context.Background()

	oldStopped, err := registry.Create(ctx, KindShell, nil, "")
	require.NoError(t, err)
	require.NoError(t, registry.UpdateStatus(ctx, oldStopped.ID, StatusStopped))
	backdate(t, engine, oldStopped.ID, 2*time.Hour)

	oldErrored, err := registry.Create(ctx, KindAI, nil, "")
	require.NoError(t, err)
	require.NoError(t, registry.UpdateStatus(ctx, oldErrored.ID, StatusError))
	backdate(t, engine, oldErrored.ID, 2*time.Hour)

	freshStopped, err := registry.Create(ctx, KindShell, nil, "")
	require.NoError(t, err)
	require.NoError(t, registry.UpdateStatus(ctx, freshStopped.ID, StatusStopped))

	oldRunning, err := registry.Create(ctx, KindShell, nil, "")
	require.NoError(t, err)
	require.NoError(t, registry.UpdateStatus(ctx, oldRunning.ID, StatusRunning))
	backdate(t, engine, oldRunning.ID, 2*time.Hour)

	releaser := &fakeReleaser{}
	retention, err := NewRetention(RetentionConfig{
		Registry:  registry,
		Sequences: releaser,
		MaxAge:    time.Hour,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	deleted, err := retention.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.ElementsMatch(t, []string{oldStopped.ID, oldErrored.ID}, releaser.released)

	_, err = registry.FindByID(ctx, oldStopped.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = registry.FindByID(ctx, oldErrored.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// fresh terminal and old-but-running sessions survive
	_, err = registry.FindByID(ctx, freshStopped.ID)
	assert.NoError(t, err)
	_, err = registry.FindByID(ctx, oldRunning.ID)
	assert.NoError(t, err)
}

func TestRetention_StartRejectsBadSchedule(t *testing.T) {
	registry, _ := setupRetentionTest(t)

	retention, err := NewRetention(RetentionConfig{
		Registry: registry,
		Schedule: "not a cron expr",
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	assert.Error(t, retention.Start())
}

func TestRetention_StartStop(t *testing.T) {
	registry, _ := setupRetentionTest(t)

	retention, err := NewRetention(RetentionConfig{
		Registry: registry,
		Schedule: "0 3 * * *",
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, retention.Start())
	assert.Error(t, retention.Start())
	retention.Stop()
	require.NoError(t, retention.Start())
	retention.Stop()
}

func TestNewRetention_RequiresRegistry(t *testing.T) {
	_, err := NewRetention(RetentionConfig{Logger: zerolog.Nop()})
	assert.Error(t, err)
}
