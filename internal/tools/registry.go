package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/moziai/mozi/internal/providers"
)

// Tool is one callable surface exposed to the model. Implementations
// must be safe for concurrent Execute calls; per-call state travels in
// the context (see RunContext).
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the tool's JSON Schema (type "object").
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// DefaultToolNames is the allow-list applied when neither the agent nor
// the defaults declare one.
func DefaultToolNames() []string {
	return []string{
		"exec",
		"read_file", "write_file", "edit_file", "ls", "grep", "find",
		"subagent_run",
		"skills_note",
		"memory_search", "memory_get",
	}
}

// Registry holds the process-wide tool set. Agent bindings select from
// it by name; registration order is preserved for prompt and wire
// ordering.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name
// without disturbing its position.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ProviderDefs builds wire-format definitions for the named tools,
// keeping registration order. Unknown names are skipped. A nil filter
// selects every registered tool.
func (r *Registry) ProviderDefs(names []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allowed map[string]bool
	if names != nil {
		allowed = make(map[string]bool, len(names))
		for _, n := range names {
			allowed[n] = true
		}
	}

	var defs []providers.ToolDefinition
	for _, name := range r.order {
		if allowed != nil && !allowed[name] {
			continue
		}
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs the named tool and always returns a usable Result; tool
// errors and panics become error results so the model can react instead
// of the turn aborting.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result *Result) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			result = ErrorResult(fmt.Sprintf("tool %s failed: internal error", name))
		}
	}()

	start := time.Now()
	res, err := t.Execute(ctx, args)
	if err != nil {
		slog.Warn("tool returned error", "tool", name, "error", err, "duration", time.Since(start))
		if res != nil && res.ForLLM != "" {
			res.IsError = true
			return res
		}
		return ErrorResult(err.Error()).WithError(err)
	}
	if res == nil {
		res = NewResult("")
	}
	return res
}
