package shared

import (
	"context"

	"github.com/google/uuid"
)

// DefaultAgentID is the agent identity used when a hook does not supply one.
const DefaultAgentID = "main"

type traceKey struct{}

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

// NewRequestID generates a short request id for approval prompts. The operator
// sees and sometimes types these, so the full UUID is cut to its first group.
func NewRequestID() string {
	return uuid.NewString()[:8]
}
