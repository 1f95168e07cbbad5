package tracing

import "context"

type ctxKey int

const runIDKey ctxKey = iota

// WithRunID returns a context carrying the run id. The runner sets it
// on the turn context so tool execution can correlate spans.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext returns the run id set by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}
