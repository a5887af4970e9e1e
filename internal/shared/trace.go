// Package shared holds small context helpers used across the sync core.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type cycleKey struct{}
type entityKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithCycleID attaches the current sync cycle id to the context so log
// lines from drain and pull phases correlate.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleKey{}, cycleID)
}

// CycleID extracts the sync cycle id from context. Returns "" if absent.
func CycleID(ctx context.Context) string {
	if v, ok := ctx.Value(cycleKey{}).(string); ok {
		return v
	}
	return ""
}

// WithEntityID attaches the entity id currently being synced.
func WithEntityID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, entityKey{}, id)
}

// EntityID extracts the entity id from context. Returns "" if absent.
func EntityID(ctx context.Context) string {
	if v, ok := ctx.Value(entityKey{}).(string); ok {
		return v
	}
	return ""
}
