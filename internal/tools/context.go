package tools

import "context"

// RunContext carries per-turn call state into tool executions. Tools are
// shared across agents and sessions, so anything agent- or
// session-scoped flows here rather than living on the tool instance.
type RunContext struct {
	SessionKey string
	AgentID    string
	Channel    string
	PeerID     string
	PeerKind   string // "dm" or "group"

	// Workspace is the calling agent's scratch directory; file tools and
	// exec resolve relative paths against it.
	Workspace string

	// ExecAllowlist restricts exec to these binaries. Empty = unrestricted.
	ExecAllowlist []string
	// AllowedSecrets are the secret names the agent may reference via
	// authRefs on exec calls.
	AllowedSecrets []string
}

type runContextKey struct{}

// WithRunContext attaches the per-turn tool state.
func WithRunContext(ctx context.Context, rc RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunContextFrom extracts the per-turn tool state; the zero value is
// returned when none was attached.
func RunContextFrom(ctx context.Context) RunContext {
	rc, _ := ctx.Value(runContextKey{}).(RunContext)
	return rc
}
