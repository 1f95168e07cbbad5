package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/moziai/mozi/internal/bus"
)

// MemorySearcher is the narrow surface of the memory backend the tools
// consume. The search index itself lives outside the runtime.
type MemorySearcher interface {
	Search(ctx context.Context, query string, limit int) ([]MemoryHit, error)
	ReadFile(ctx context.Context, relPath string, from, lines int) (string, error)
}

// MemoryHit is one search result.
type MemoryHit struct {
	Path    string  `json:"path"`
	Line    int     `json:"line"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// MemorySearchRequested is the tool status announced on the lifecycle
// bus when an agent queries its memory.
const MemorySearchRequested = "search_requested"

const defaultMemorySearchLimit = 5

// MemorySearchTool queries the agent's long-term memory.
type MemorySearchTool struct {
	backend   MemorySearcher
	lifecycle *bus.LifecycleBus // optional; announces search_requested
}

func NewMemorySearchTool(backend MemorySearcher, lifecycle *bus.LifecycleBus) *MemorySearchTool {
	return &MemorySearchTool{backend: backend, lifecycle: lifecycle}
}

func (t *MemorySearchTool) Name() string        { return "memory_search" }
func (t *MemorySearchTool) Description() string { return "Search long-term memory for relevant notes" }

func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to look for",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of results (default: 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required"), nil
	}
	if t.backend == nil {
		return ErrorResult("memory backend is not configured"), nil
	}

	limit := intArg(args["limit"])
	if limit <= 0 {
		limit = defaultMemorySearchLimit
	}

	if t.lifecycle != nil {
		rc := RunContextFrom(ctx)
		t.lifecycle.PublishTool("", rc.SessionKey, bus.ToolData{
			ToolName: t.Name(),
			Status:   MemorySearchRequested,
			Result:   query,
		})
	}

	hits, err := t.backend.Search(ctx, query, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err)), nil
	}
	if len(hits) == 0 {
		return NewResult(fmt.Sprintf("No memory entries matched %q.", query)), nil
	}

	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s:%d (score %.2f)\n   %s\n", i+1, h.Path, h.Line, h.Score, strings.TrimSpace(h.Snippet))
	}
	return NewResult(sb.String()), nil
}

// MemoryGetTool reads a window of one memory file.
type MemoryGetTool struct {
	backend MemorySearcher
}

func NewMemoryGetTool(backend MemorySearcher) *MemoryGetTool {
	return &MemoryGetTool{backend: backend}
}

func (t *MemoryGetTool) Name() string        { return "memory_get" }
func (t *MemoryGetTool) Description() string { return "Read a file from long-term memory" }

func (t *MemoryGetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Memory file path as reported by memory_search",
			},
			"from": map[string]interface{}{
				"type":        "integer",
				"description": "Line number to start from (1-based)",
			},
			"lines": map[string]interface{}{
				"type":        "integer",
				"description": "Number of lines to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *MemoryGetTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	path, _ := args["path"].(string)
	if strings.TrimSpace(path) == "" {
		return ErrorResult("path is required"), nil
	}
	if t.backend == nil {
		return ErrorResult("memory backend is not configured"), nil
	}

	content, err := t.backend.ReadFile(ctx, path, intArg(args["from"]), intArg(args["lines"]))
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read memory file: %v", err)), nil
	}
	if content == "" {
		return NewResult(fmt.Sprintf("(memory file %s is empty)", path)), nil
	}
	return NewResult(content), nil
}
