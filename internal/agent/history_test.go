package agent

import (
	"testing"

	"github.com/moziai/mozi/internal/providers"
)

func historyTurns(users int) []providers.Message {
	var msgs []providers.Message
	for i := 0; i < users; i++ {
		msgs = append(msgs,
			providers.Message{Role: providers.RoleUser, Content: providers.BlockList{providers.TextBlock("q")}},
			providers.Message{Role: providers.RoleAssistant, Content: providers.BlockList{providers.TextBlock("a")}},
		)
	}
	return msgs
}

func TestLimitHistoryTurns(t *testing.T) {
	tests := []struct {
		name  string
		msgs  []providers.Message
		limit int
		want  int
	}{
		{"zero limit keeps all", historyTurns(5), 0, 10},
		{"negative limit keeps all", historyTurns(5), -1, 10},
		{"under limit unchanged", historyTurns(2), 5, 4},
		{"at limit unchanged", historyTurns(3), 3, 6},
		{"over limit trims oldest turns", historyTurns(5), 2, 4},
		{"single turn kept", historyTurns(5), 1, 2},
		{"empty input", nil, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LimitHistoryTurns(tt.msgs, tt.limit)
			if len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
			// The kept window must start on a user message so tool
			// results never lead the transcript.
			if len(got) > 0 && tt.limit > 0 && got[0].Role != providers.RoleUser {
				t.Errorf("first kept role = %s", got[0].Role)
			}
		})
	}
}

func TestLimitHistoryTurnsKeepsToolSpans(t *testing.T) {
	msgs := []providers.Message{
		providers.NewUserMessage("old question"),
		{Role: providers.RoleAssistant, Content: providers.BlockList{providers.TextBlock("old answer")}},
		providers.NewUserMessage("run it"),
		{Role: providers.RoleAssistant, Content: providers.BlockList{providers.ToolUseBlock("t1", "exec", nil)}},
		providers.NewToolResultMessage("t1", "exec", "done", false),
		{Role: providers.RoleAssistant, Content: providers.BlockList{providers.TextBlock("ran it")}},
	}

	got := LimitHistoryTurns(msgs, 1)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].TextContent() != "run it" {
		t.Errorf("window starts at %q", got[0].TextContent())
	}
	if got[2].Role != providers.RoleToolResult {
		t.Error("tool result separated from its turn")
	}

	// Idempotent: limiting an already-limited transcript is a no-op.
	again := LimitHistoryTurns(got, 1)
	if len(again) != len(got) {
		t.Errorf("second pass changed length: %d", len(again))
	}
}
