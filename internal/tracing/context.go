package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for session ID
	SessionIDKey ContextKey = "session_id"
	// ClientIDKey is the context key for the gateway client ID
	ClientIDKey ContextKey = "client_id"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(SessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithClientID adds a gateway client ID to the context
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ClientIDKey, clientID)
}

// GetClientID retrieves the gateway client ID from the context
func GetClientID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ClientIDKey).(string); ok {
		return v
	}
	return ""
}

// LoggerFromContext returns a logger enriched with whatever tracing
// identifiers the context carries.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	if id := GetTraceID(ctx); id != "" {
		lc = lc.Str("trace_id", id)
	}
	if id := GetSessionID(ctx); id != "" {
		lc = lc.Str("session_id", id)
	}
	if id := GetClientID(ctx); id != "" {
		lc = lc.Str("client_id", id)
	}
	return lc.Logger()
}
