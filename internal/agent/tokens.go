package agent

import (
	"encoding/json"
	"sync"
	"unicode/utf8"

	"github.com/moziai/mozi/internal/providers"
)

// Images are charged a flat token cost instead of their byte length.
const imageTokenCost = 2000

// EstimateMessageTokens approximates the token cost of one message as
// ceil(chars/4) over its content, plus a flat cost per image block.
// Records without content (bash executions and the like) are costed from
// their JSON serialization.
func EstimateMessageTokens(msg providers.Message) int {
	if len(msg.Content) == 0 {
		data, err := json.Marshal(msg)
		if err != nil {
			return 0
		}
		return ceilDiv4(utf8.RuneCount(data))
	}

	chars := 0
	images := 0
	for i := range msg.Content {
		b := &msg.Content[i]
		switch b.Type {
		case providers.BlockImage:
			images++
		case providers.BlockText:
			chars += utf8.RuneCountInString(b.Text)
		case providers.BlockThinking:
			chars += utf8.RuneCountInString(b.Thinking)
		case providers.BlockToolUse:
			chars += utf8.RuneCountInString(b.Name)
			chars += jsonLen(b.EffectiveInput())
		case providers.BlockToolResult:
			chars += blockContentLen(b.Content)
		default:
			chars += jsonLen(b)
		}
	}
	return ceilDiv4(chars) + images*imageTokenCost
}

// EstimateTokens approximates the token cost of a transcript.
func EstimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessageTokens(m)
	}
	return total
}

// EstimateTextTokens approximates the token cost of a bare string.
func EstimateTextTokens(s string) int {
	return ceilDiv4(utf8.RuneCountInString(s))
}

// Calibration tracks the drift between the char-based estimate and the
// prompt token counts providers actually report, which fold in system
// prompt and tool definition overhead the estimator never sees. Pruning
// and compaction arithmetic stays on the raw estimate; only the
// background compaction throttle consumes the scaled figure.
type Calibration struct {
	mu    sync.Mutex
	ratio float64 // actual/estimated, 0 until the first observation
}

// Observe records one (estimated, actual) prompt-size pair. The ratio is
// smoothed so a single unusual turn cannot whipsaw consumers.
func (c *Calibration) Observe(estimated, actual int) {
	if estimated <= 0 || actual <= 0 {
		return
	}
	r := float64(actual) / float64(estimated)
	c.mu.Lock()
	if c.ratio == 0 {
		c.ratio = r
	} else {
		c.ratio = 0.7*c.ratio + 0.3*r
	}
	c.mu.Unlock()
}

// Scale applies the observed drift to a raw estimate. Before any
// observation the estimate passes through unchanged.
func (c *Calibration) Scale(estimate int) int {
	c.mu.Lock()
	r := c.ratio
	c.mu.Unlock()
	if r == 0 {
		return estimate
	}
	return int(float64(estimate)*r + 0.5)
}

func blockContentLen(content interface{}) int {
	switch c := content.(type) {
	case nil:
		return 0
	case string:
		return utf8.RuneCountInString(c)
	default:
		return jsonLen(c)
	}
}

func jsonLen(v interface{}) int {
	if v == nil {
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return utf8.RuneCount(data)
}

func ceilDiv4(n int) int {
	return (n + 3) / 4
}
