package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeSpawner struct {
	req  SpawnRequest
	info *SpawnInfo
	err  error
}

func (f *fakeSpawner) Spawn(ctx context.Context, req SpawnRequest) (*SpawnInfo, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func TestSubagentRunSpawns(t *testing.T) {
	sp := &fakeSpawner{info: &SpawnInfo{
		RunID:      "r1",
		SessionKey: "research::agent:main:cli:dm:u1",
		Label:      "dig into logs",
	}}
	tool := NewSubagentRunTool(sp)
	ctx := WithRunContext(context.Background(), RunContext{
		SessionKey: "agent:main:cli:dm:u1",
		AgentID:    "main",
		Channel:    "cli",
		PeerID:     "u1",
		PeerKind:   "dm",
	})

	res, err := tool.Execute(ctx, map[string]interface{}{
		"prompt":   "dig into the gateway logs",
		"agent_id": "research",
		"model":    "fake/big",
		"label":    "dig into logs",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || !res.Async {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.ForLLM, `"dig into logs"`) || !strings.Contains(res.ForLLM, sp.info.SessionKey) {
		t.Errorf("ForLLM = %q", res.ForLLM)
	}

	want := SpawnRequest{
		ParentSessionKey: "agent:main:cli:dm:u1",
		ParentAgentID:    "main",
		AgentID:          "research",
		Prompt:           "dig into the gateway logs",
		Model:            "fake/big",
		Label:            "dig into logs",
		Channel:          "cli",
		PeerID:           "u1",
		PeerKind:         "dm",
	}
	if sp.req != want {
		t.Errorf("spawn request = %+v, want %+v", sp.req, want)
	}
}

func TestSubagentRunErrors(t *testing.T) {
	ctx := WithRunContext(context.Background(), RunContext{SessionKey: "k", AgentID: "main"})

	t.Run("missing prompt", func(t *testing.T) {
		tool := NewSubagentRunTool(&fakeSpawner{})
		res, err := tool.Execute(ctx, map[string]interface{}{"prompt": " "})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !res.IsError || res.ForLLM != "prompt is required" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("spawner rejects", func(t *testing.T) {
		tool := NewSubagentRunTool(&fakeSpawner{err: errors.New("max concurrent subagents reached (2/2)")})
		res, err := tool.Execute(ctx, map[string]interface{}{"prompt": "work"})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !res.IsError || !strings.Contains(res.ForLLM, "max concurrent subagents") {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("no spawner", func(t *testing.T) {
		tool := NewSubagentRunTool(nil)
		res, err := tool.Execute(ctx, map[string]interface{}{"prompt": "work"})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !res.IsError || res.ForLLM != "subagents are not available" {
			t.Errorf("result = %+v", res)
		}
	})
}
