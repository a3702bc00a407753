package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tether.log")

	l, err := New(Config{Level: "debug", File: path})
	require.NoError(t, err)
	defer l.Close()

	zl := l.GetZerolog()
	zl.Info().Str("component", "test").Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hello"`)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.log")

	l, err := New(Config{Level: "verbose", File: path})
	require.NoError(t, err)
	defer l.Close()

	zl := l.GetZerolog()
	zl.Debug().Msg("suppressed")
	zl.Info().Msg("visible")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "suppressed")
	assert.Contains(t, string(data), "visible")
}

func TestNew_ConsoleOnly(t *testing.T) {
	l, err := New(Config{Level: "info", Console: true})
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, SetLevel("warn"))
	require.NoError(t, SetLevel("debug"))

	err := SetLevel("loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
