package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/moziai/mozi/internal/config"
)

var skillNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// SkillsNoteTool appends experience notes to home/skills/<skill>.md.
// The prompt assembler tells agents to consult these before reusing a
// skill, so learnings survive across sessions.
type SkillsNoteTool struct {
	cfg *config.Config
}

func NewSkillsNoteTool(cfg *config.Config) *SkillsNoteTool {
	return &SkillsNoteTool{cfg: cfg}
}

func (t *SkillsNoteTool) Name() string { return "skills_note" }
func (t *SkillsNoteTool) Description() string {
	return "Record a learning about a skill for future sessions"
}

func (t *SkillsNoteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"skill": map[string]interface{}{
				"type":        "string",
				"description": "Name of the skill the note is about",
			},
			"note": map[string]interface{}{
				"type":        "string",
				"description": "What to remember (pitfalls, working invocations, caveats)",
			},
		},
		"required": []string{"skill", "note"},
	}
}

func (t *SkillsNoteTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	skill, _ := args["skill"].(string)
	note, _ := args["note"].(string)
	skill = strings.TrimSpace(skill)
	if skill == "" || strings.TrimSpace(note) == "" {
		return ErrorResult("skill and note are required"), nil
	}
	if !skillNamePattern.MatchString(skill) {
		return ErrorResult(fmt.Sprintf("invalid skill name: %s", skill)), nil
	}

	rc := RunContextFrom(ctx)
	agent := t.cfg.ResolveAgent(rc.AgentID)
	dir := filepath.Join(agent.Home, "skills")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create notes directory: %v", err)), nil
	}

	path := filepath.Join(dir, skill+".md")
	var entry strings.Builder
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(&entry, "# Notes: %s\n\n", skill)
	}
	fmt.Fprintf(&entry, "## %s\n\n%s\n\n", time.Now().UTC().Format("2006-01-02 15:04"), strings.TrimSpace(note))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to open notes file: %v", err)), nil
	}
	defer f.Close()
	if _, err := f.WriteString(entry.String()); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write note: %v", err)), nil
	}
	return NewResult(fmt.Sprintf("Recorded note for skill %s", skill)), nil
}
