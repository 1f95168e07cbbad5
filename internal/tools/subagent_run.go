package tools

import (
	"context"
	"fmt"
	"strings"
)

// Spawner starts background agent runs on derived session keys. The
// concrete implementation lives in the subagent package; the tool only
// validates arguments and reports the spawn.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (*SpawnInfo, error)
}

// SpawnRequest describes one background run.
type SpawnRequest struct {
	ParentSessionKey string
	ParentAgentID    string
	// AgentID selects a declared agent; empty spawns an ephemeral agent
	// inheriting the parent's prompt and model.
	AgentID string
	Prompt  string
	Model   string
	Label   string

	// Origin of the parent turn; announcements are delivered back here.
	Channel  string
	PeerID   string
	PeerKind string
}

// SpawnInfo identifies a started run.
type SpawnInfo struct {
	RunID      string
	SessionKey string
	Label      string
}

// SubagentRunTool hands work to a background agent. Findings come back
// through the announcer, so the tool itself returns immediately.
type SubagentRunTool struct {
	spawner Spawner
}

func NewSubagentRunTool(spawner Spawner) *SubagentRunTool {
	return &SubagentRunTool{spawner: spawner}
}

func (t *SubagentRunTool) Name() string { return "subagent_run" }
func (t *SubagentRunTool) Description() string {
	return "Run a task in a background subagent; findings are announced when it finishes"
}

func (t *SubagentRunTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to work on",
			},
			"agent_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional declared agent to run the task; defaults to an ephemeral copy of the calling agent",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Optional model override (provider/model)",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label for announcements",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *SubagentRunTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	prompt, _ := args["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return ErrorResult("prompt is required"), nil
	}
	if t.spawner == nil {
		return ErrorResult("subagents are not available"), nil
	}

	rc := RunContextFrom(ctx)
	agentID, _ := args["agent_id"].(string)
	model, _ := args["model"].(string)
	label, _ := args["label"].(string)

	info, err := t.spawner.Spawn(ctx, SpawnRequest{
		ParentSessionKey: rc.SessionKey,
		ParentAgentID:    rc.AgentID,
		AgentID:          strings.TrimSpace(agentID),
		Prompt:           prompt,
		Model:            strings.TrimSpace(model),
		Label:            strings.TrimSpace(label),
		Channel:          rc.Channel,
		PeerID:           rc.PeerID,
		PeerKind:         rc.PeerKind,
	})
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return AsyncResult(fmt.Sprintf(
		"Started background task %q (sessionKey %s). Findings will be announced when it completes.",
		info.Label, info.SessionKey)), nil
}
