// Package trace carries the per-call request identifier used to correlate
// client logs with backend logs.
package trace

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is the type for context keys to avoid collisions
type contextKey string

const (
	traceIDKey contextKey = "trace_id"

	// HeaderXRequestID is the header carrying the request identifier
	HeaderXRequestID = "X-Request-ID"
)

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// IDFromContext returns a trace ID from context if present
func IDFromContext(ctx context.Context) (string, bool) {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok && traceID != "" {
		return traceID, true
	}
	return "", false
}

// EnsureTraceID returns an existing trace ID from context or generates a new one
func EnsureTraceID(ctx context.Context) string {
	if traceID, ok := IDFromContext(ctx); ok {
		return traceID
	}
	return NewID()
}

// NewID generates a fresh random identifier.
func NewID() string {
	return uuid.New().String()
}
