package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrips(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetSessionID(ctx))
	assert.Empty(t, GetClientID(ctx))

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithSessionID(ctx, "shell_abc")
	ctx = WithClientID(ctx, "client-9")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "shell_abc", GetSessionID(ctx))
	assert.Equal(t, "client-9", GetClientID(ctx))
}

func TestGetTraceID_NilContext(t *testing.T) {
	assert.Empty(t, GetTraceID(nil))
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionID(WithTraceID(context.Background(), "trace-1"), "shell_abc")
	tagged := LoggerFromContext(ctx, base)
	tagged.Info().Msg("tagged")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"session_id":"shell_abc"`)
	assert.NotContains(t, out, "client_id")
}
