package agent

import (
	"encoding/json"
	"testing"
	"unicode/utf8"

	"github.com/moziai/mozi/internal/providers"
)

// TestEstimateMessageTokens_Text verifies the ceil(chars/4) arithmetic.
func TestEstimateMessageTokens_Text(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty block", "", 0},
		{"one char rounds up", "a", 1},
		{"exact multiple", "abcd", 1},
		{"five chars", "abcde", 2},
		{"eight chars", "abcdefgh", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := providers.Message{
				Role:    providers.RoleUser,
				Content: providers.BlockList{providers.TextBlock(tt.text)},
			}
			if got := EstimateMessageTokens(msg); got != tt.want {
				t.Errorf("EstimateMessageTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

// TestEstimateMessageTokens_Image verifies the flat per-image cost is
// added on top of the text estimate.
func TestEstimateMessageTokens_Image(t *testing.T) {
	msg := providers.Message{
		Role: providers.RoleUser,
		Content: providers.BlockList{
			providers.TextBlock("look"),
			{Type: providers.BlockImage, Source: &providers.ImageSource{Type: "base64", MediaType: "image/png", Data: "AAAA"}},
			{Type: providers.BlockImage, Source: &providers.ImageSource{Type: "base64", MediaType: "image/png", Data: "BBBB"}},
		},
	}
	want := 1 + 2*imageTokenCost // ceil(4/4) + two images
	if got := EstimateMessageTokens(msg); got != want {
		t.Errorf("EstimateMessageTokens = %d, want %d", got, want)
	}
}

// TestEstimateMessageTokens_ToolUse verifies tool_use blocks are costed
// from name plus serialized arguments.
func TestEstimateMessageTokens_ToolUse(t *testing.T) {
	input := map[string]interface{}{"command": "ls -la"}
	msg := providers.Message{
		Role:    providers.RoleAssistant,
		Content: providers.BlockList{providers.ToolUseBlock("t1", "exec", input)},
	}
	data, _ := json.Marshal(input)
	wantChars := len("exec") + utf8.RuneCount(data)
	want := (wantChars + 3) / 4
	if got := EstimateMessageTokens(msg); got != want {
		t.Errorf("EstimateMessageTokens = %d, want %d", got, want)
	}
}

// TestEstimateMessageTokens_NoContent verifies content-less records are
// costed from their JSON serialization.
func TestEstimateMessageTokens_NoContent(t *testing.T) {
	exit := 0
	msg := providers.Message{
		Role:     providers.RoleBashExecution,
		Command:  "echo hi",
		Stdout:   "hi",
		ExitCode: &exit,
	}
	got := EstimateMessageTokens(msg)
	if got == 0 {
		t.Fatal("EstimateMessageTokens = 0 for bash execution record")
	}
	data, _ := json.Marshal(msg)
	want := (utf8.RuneCount(data) + 3) / 4
	if got != want {
		t.Errorf("EstimateMessageTokens = %d, want %d (json length %d)", got, want, len(data))
	}
}

// TestEstimateTokens verifies transcript totals are per-message sums.
func TestEstimateTokens(t *testing.T) {
	msgs := []providers.Message{
		providers.NewUserMessage("abcd"),     // 1
		providers.NewUserMessage("abcdefgh"), // 2
	}
	if got := EstimateTokens(msgs); got != 3 {
		t.Errorf("EstimateTokens = %d, want 3", got)
	}
	if got := EstimateTokens(nil); got != 0 {
		t.Errorf("EstimateTokens(nil) = %d, want 0", got)
	}
}

// TestCalibration verifies the drift tracker: passthrough before any
// observation, exact scaling after one, smoothing across several.
func TestCalibration(t *testing.T) {
	var c Calibration

	if got := c.Scale(1000); got != 1000 {
		t.Errorf("Scale before observation = %d, want 1000", got)
	}

	c.Observe(1000, 1500) // ratio 1.5
	if got := c.Scale(200); got != 300 {
		t.Errorf("Scale after first observation = %d, want 300", got)
	}

	// Second observation is blended, not adopted wholesale:
	// 0.7*1.5 + 0.3*3.0 = 1.95.
	c.Observe(1000, 3000)
	if got := c.Scale(100); got != 195 {
		t.Errorf("Scale after smoothing = %d, want 195", got)
	}

	// Degenerate observations never disturb the ratio.
	c.Observe(0, 500)
	c.Observe(500, 0)
	if got := c.Scale(100); got != 195 {
		t.Errorf("Scale after degenerate observations = %d, want 195", got)
	}
}
