package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/moziai/mozi/internal/config"
)

func TestSkillsNoteAppends(t *testing.T) {
	base := t.TempDir()
	cfg := &config.Config{Paths: config.PathsConfig{Base: base, Agents: filepath.Join(base, "agents")}}
	tool := NewSkillsNoteTool(cfg)
	ctx := WithRunContext(context.Background(), RunContext{AgentID: "main"})

	res, err := tool.Execute(ctx, map[string]interface{}{
		"skill": "pdf-extract",
		"note":  "always pass --layout for tables",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || res.ForLLM != "Recorded note for skill pdf-extract" {
		t.Fatalf("result = %+v", res)
	}

	path := filepath.Join(base, "agents", "main", "home", "skills", "pdf-extract.md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read notes: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Notes: pdf-extract\n") {
		t.Errorf("missing header: %q", data)
	}
	if !strings.Contains(string(data), "always pass --layout for tables") {
		t.Errorf("missing note body: %q", data)
	}

	if _, err := tool.Execute(ctx, map[string]interface{}{
		"skill": "pdf-extract",
		"note":  "second learning",
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, _ = os.ReadFile(path)
	if got := strings.Count(string(data), "# Notes:"); got != 1 {
		t.Errorf("header written %d times", got)
	}
	if got := strings.Count(string(data), "## "); got != 2 {
		t.Errorf("entries = %d, want 2", got)
	}
}

func TestSkillsNoteRejectsBadInput(t *testing.T) {
	cfg := &config.Config{Paths: config.PathsConfig{Agents: t.TempDir()}}
	tool := NewSkillsNoteTool(cfg)
	ctx := WithRunContext(context.Background(), RunContext{AgentID: "main"})

	tests := []struct {
		name    string
		args    map[string]interface{}
		wantMsg string
	}{
		{"path traversal", map[string]interface{}{"skill": "../evil", "note": "x"}, "invalid skill name"},
		{"slash", map[string]interface{}{"skill": "a/b", "note": "x"}, "invalid skill name"},
		{"empty note", map[string]interface{}{"skill": "ok", "note": "  "}, "skill and note are required"},
		{"empty skill", map[string]interface{}{"note": "x"}, "skill and note are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tool.Execute(ctx, tt.args)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !res.IsError || !strings.Contains(res.ForLLM, tt.wantMsg) {
				t.Errorf("result = %+v, want %q", res, tt.wantMsg)
			}
		})
	}
}
