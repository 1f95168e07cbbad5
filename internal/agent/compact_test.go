package agent

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/moziai/mozi/internal/providers"
)

// sizedMsg builds a plain text message whose token estimate is size/4.
func sizedMsg(role string, size int) providers.Message {
	return providers.Message{Role: role, Content: providers.BlockList{providers.TextBlock(strings.Repeat("x", size))}}
}

// TestSplitMessagesByTokenShare verifies greedy packing into at most
// parts chunks with the remainder in the last chunk.
func TestSplitMessagesByTokenShare(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
		parts int
		want  []int // messages per chunk
	}{
		{"empty", nil, 2, nil},
		{"single part", []int{4, 4, 4}, 1, []int{3}},
		{"even split", []int{4, 4, 4, 4}, 2, []int{2, 2}},
		{"small then huge", []int{4, 400}, 2, []int{1, 1}},
		{"remainder in last", []int{4, 4, 4, 4, 4}, 2, []int{2, 3}},
		{"more parts than messages", []int{4, 4}, 4, []int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msgs []providers.Message
			for _, s := range tt.sizes {
				msgs = append(msgs, sizedMsg(providers.RoleUser, s))
			}
			chunks := SplitMessagesByTokenShare(msgs, tt.parts)
			if len(chunks) != len(tt.want) {
				t.Fatalf("chunk count = %d, want %d", len(chunks), len(tt.want))
			}
			total := 0
			for i, c := range chunks {
				if len(c) != tt.want[i] {
					t.Errorf("chunk %d has %d messages, want %d", i, len(c), tt.want[i])
				}
				total += len(c)
			}
			if total != len(msgs) {
				t.Errorf("chunks cover %d messages, want %d", total, len(msgs))
			}
		})
	}
}

// TestChunkMessagesByMaxTokens verifies greedy max-size chunking and
// isolation of oversized messages.
func TestChunkMessagesByMaxTokens(t *testing.T) {
	tests := []struct {
		name      string
		sizes     []int
		maxTokens int
		want      []int
	}{
		{"fits in pairs", []int{4, 4, 4, 4, 4}, 2, []int{2, 2, 1}},
		{"oversized isolated", []int{4, 40, 4}, 2, []int{1, 1, 1}},
		{"no limit", []int{4, 4}, 0, []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msgs []providers.Message
			for _, s := range tt.sizes {
				msgs = append(msgs, sizedMsg(providers.RoleUser, s))
			}
			chunks := ChunkMessagesByMaxTokens(msgs, tt.maxTokens)
			if len(chunks) != len(tt.want) {
				t.Fatalf("chunk count = %d, want %d", len(chunks), len(tt.want))
			}
			for i, c := range chunks {
				if len(c) != tt.want[i] {
					t.Errorf("chunk %d has %d messages, want %d", i, len(c), tt.want[i])
				}
			}
		})
	}
}

// TestComputeAdaptiveChunkRatio verifies the base ratio holds for small
// messages and shrinks proportionally, clamped at the minimum.
func TestComputeAdaptiveChunkRatio(t *testing.T) {
	small := []providers.Message{sizedMsg(providers.RoleUser, 4)}
	if got := ComputeAdaptiveChunkRatio(small, 10000); got != 0.4 {
		t.Errorf("small ratio = %v, want 0.4", got)
	}
	if got := ComputeAdaptiveChunkRatio(nil, 10000); got != 0.4 {
		t.Errorf("empty ratio = %v, want 0.4", got)
	}

	// avg 1000 tokens against a 6000 window loads 0.2, so the ratio
	// halves to 0.2.
	mid := []providers.Message{sizedMsg(providers.RoleUser, 4000)}
	if got := ComputeAdaptiveChunkRatio(mid, 6000); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("mid ratio = %v, want 0.2", got)
	}

	// avg 4000 tokens against a 10000 window would push below the floor.
	big := []providers.Message{sizedMsg(providers.RoleUser, 16000)}
	if got := ComputeAdaptiveChunkRatio(big, 10000); got != 0.15 {
		t.Errorf("big ratio = %v, want 0.15", got)
	}
}

// TestIsOversizedForSummary verifies the safety-margin threshold.
func TestIsOversizedForSummary(t *testing.T) {
	if IsOversizedForSummary(sizedMsg(providers.RoleUser, 164), 100) {
		t.Error("41 tokens with margin is under half the window")
	}
	if !IsOversizedForSummary(sizedMsg(providers.RoleUser, 168), 100) {
		t.Error("42 tokens with margin exceeds half the window")
	}
	if IsOversizedForSummary(sizedMsg(providers.RoleUser, 168), 0) {
		t.Error("zero window never reports oversized")
	}
}

// TestDropUnpairedToolResults verifies results without a matching
// assistant tool call are removed.
func TestDropUnpairedToolResults(t *testing.T) {
	msgs := []providers.Message{
		providers.NewUserMessage("go"),
		{Role: providers.RoleAssistant, Content: providers.BlockList{
			providers.ToolUseBlock("t1", "exec", map[string]interface{}{}),
		}},
		providers.NewToolResultMessage("t1", "exec", "ok", false),
		providers.NewToolResultMessage("t2", "exec", "orphan", false),
	}
	got := DropUnpairedToolResults(msgs)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for _, m := range got {
		if m.Role == providers.RoleToolResult && m.ToolCallID == "t2" {
			t.Error("orphaned result t2 survived")
		}
	}
}

// TestPruneHistoryForContextShare_Fits verifies transcripts within budget
// are untouched.
func TestPruneHistoryForContextShare_Fits(t *testing.T) {
	msgs := []providers.Message{sizedMsg(providers.RoleUser, 4)}
	res := PruneHistoryForContextShare(PruneHistoryOptions{Messages: msgs, MaxContextTokens: 1000})
	if len(res.Kept) != 1 || len(res.Dropped) != 0 || res.DroppedChunks != 0 {
		t.Errorf("kept=%d dropped=%d chunks=%d, want 1/0/0", len(res.Kept), len(res.Dropped), res.DroppedChunks)
	}
	if res.TokenBudget != 500 {
		t.Errorf("TokenBudget = %d, want 500", res.TokenBudget)
	}
}

// TestPruneHistoryForContextShare_DropsOldest verifies the oldest
// token-share chunk goes first.
func TestPruneHistoryForContextShare_DropsOldest(t *testing.T) {
	msgs := []providers.Message{
		sizedMsg(providers.RoleUser, 400),
		sizedMsg(providers.RoleAssistant, 400),
		sizedMsg(providers.RoleUser, 400),
		sizedMsg(providers.RoleAssistant, 400),
	}
	res := PruneHistoryForContextShare(PruneHistoryOptions{Messages: msgs, MaxContextTokens: 400})
	if len(res.Dropped) != 2 || len(res.Kept) != 2 {
		t.Fatalf("dropped=%d kept=%d, want 2/2", len(res.Dropped), len(res.Kept))
	}
	if &res.Kept[0].Content[0] == &msgs[0].Content[0] {
		t.Error("kept should start at the third message")
	}
	if res.TokensKept != 200 {
		t.Errorf("TokensKept = %d, want 200", res.TokensKept)
	}
	if res.DroppedChunks != 1 {
		t.Errorf("DroppedChunks = %d, want 1", res.DroppedChunks)
	}
}

// TestPruneHistoryForContextShare_RepairsPairing verifies a tool result
// orphaned by a chunk drop is removed from the remainder.
func TestPruneHistoryForContextShare_RepairsPairing(t *testing.T) {
	input := map[string]interface{}{"command": strings.Repeat("x", 382)}
	msgs := []providers.Message{
		sizedMsg(providers.RoleUser, 400),
		{Role: providers.RoleAssistant, Content: providers.BlockList{
			providers.ToolUseBlock("t1", "exec", input),
		}},
		providers.NewToolResultMessage("t1", "exec", strings.Repeat("r", 400), false),
		sizedMsg(providers.RoleUser, 400),
	}
	res := PruneHistoryForContextShare(PruneHistoryOptions{Messages: msgs, MaxContextTokens: 400})
	if len(res.Kept) != 1 {
		t.Fatalf("kept = %d messages, want 1", len(res.Kept))
	}
	if res.Kept[0].Role != providers.RoleUser {
		t.Errorf("kept role = %q, want user", res.Kept[0].Role)
	}
	for _, m := range res.Kept {
		if m.Role == providers.RoleToolResult {
			t.Error("orphaned tool result survived the repair")
		}
	}
}

// TestCompactMessages_NothingDropped verifies a fitting transcript passes
// through without a summary.
func TestCompactMessages_NothingDropped(t *testing.T) {
	msgs := []providers.Message{sizedMsg(providers.RoleUser, 4)}
	res := CompactMessages(context.Background(), CompactOptions{
		Messages:            msgs,
		ContextWindowTokens: 1000,
		GenerateSummary: func(context.Context, []providers.Message, string) (string, error) {
			return "unused", nil
		},
	})
	if res.Summary != "" || res.DroppedCount != 0 {
		t.Errorf("summary=%q dropped=%d, want empty/0", res.Summary, res.DroppedCount)
	}
	if len(res.KeptMessages) != 1 {
		t.Errorf("kept = %d, want 1", len(res.KeptMessages))
	}
}

// TestCompactMessages_Summarizes verifies dropped chunks are summarized
// with the preservation instruction and reclaimed tokens are counted.
func TestCompactMessages_Summarizes(t *testing.T) {
	msgs := []providers.Message{
		sizedMsg(providers.RoleUser, 400),
		sizedMsg(providers.RoleAssistant, 400),
		sizedMsg(providers.RoleUser, 400),
		sizedMsg(providers.RoleAssistant, 400),
	}
	var gotInstruction string
	var gotDropped int
	res := CompactMessages(context.Background(), CompactOptions{
		Messages:            msgs,
		ContextWindowTokens: 400,
		GenerateSummary: func(_ context.Context, dropped []providers.Message, instruction string) (string, error) {
			gotInstruction = instruction
			gotDropped = len(dropped)
			return "the gist", nil
		},
	})
	if res.Summary != "the gist" {
		t.Errorf("Summary = %q, want %q", res.Summary, "the gist")
	}
	if res.DroppedCount != 2 || gotDropped != 2 {
		t.Errorf("dropped = %d/%d, want 2", res.DroppedCount, gotDropped)
	}
	if res.TokensReclaimed != 200 {
		t.Errorf("TokensReclaimed = %d, want 200", res.TokensReclaimed)
	}
	if !strings.Contains(gotInstruction, "decisions made and their rationale") {
		t.Errorf("instruction missing preservation directive: %q", gotInstruction)
	}
}

// TestCompactMessages_SummaryFailure verifies the fallback summary names
// the dropped message count.
func TestCompactMessages_SummaryFailure(t *testing.T) {
	msgs := []providers.Message{
		sizedMsg(providers.RoleUser, 400),
		sizedMsg(providers.RoleAssistant, 400),
		sizedMsg(providers.RoleUser, 400),
		sizedMsg(providers.RoleAssistant, 400),
	}
	res := CompactMessages(context.Background(), CompactOptions{
		Messages:            msgs,
		ContextWindowTokens: 400,
		GenerateSummary: func(context.Context, []providers.Message, string) (string, error) {
			return "", errors.New("model unavailable")
		},
	})
	want := "[Previous conversation with 2 messages was compacted. Details unavailable due to summarization error.]"
	if res.Summary != want {
		t.Errorf("Summary = %q, want %q", res.Summary, want)
	}
}

// TestCreateSummaryMessage verifies the user-role wrapper and prefix.
func TestCreateSummaryMessage(t *testing.T) {
	m := CreateSummaryMessage("key facts")
	if m.Role != providers.RoleUser {
		t.Errorf("role = %q, want user", m.Role)
	}
	if got := m.TextContent(); got != "[Previous conversation summary]\n\nkey facts" {
		t.Errorf("text = %q", got)
	}
}
