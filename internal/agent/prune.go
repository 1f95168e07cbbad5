package agent

import (
	"fmt"
	"strings"

	"github.com/moziai/mozi/internal/providers"
)

// Tool results from these tools hold workspace state the agent usually
// needs verbatim; they are never pruned.
var alwaysProtectedTools = []string{"read_file", "write_file", "edit_file", "create_file"}

// SoftTrimSettings bound the head/tail excerpt kept by a soft trim.
type SoftTrimSettings struct {
	MaxChars  int
	HeadChars int
	TailChars int
}

// PruneSettings tune the tool-result pruner.
type PruneSettings struct {
	SoftTrimRatio        float64
	HardClearRatio       float64
	KeepLastAssistants   int
	MinPrunableChars     int
	SoftTrim             SoftTrimSettings
	HardClearPlaceholder string
	// ProtectedTools extends the built-in protected set.
	ProtectedTools []string
}

// DefaultPruneSettings returns the tuned defaults.
func DefaultPruneSettings() PruneSettings {
	return PruneSettings{
		SoftTrimRatio:        0.5,
		HardClearRatio:       0.7,
		KeepLastAssistants:   3,
		MinPrunableChars:     20000,
		SoftTrim:             SoftTrimSettings{MaxChars: 4000, HeadChars: 1500, TailChars: 1500},
		HardClearPlaceholder: "[Tool result cleared for context space]",
	}
}

// PruneStats reports what a prune pass changed.
type PruneStats struct {
	SoftTrimCount  int     `json:"softTrimCount"`
	HardClearCount int     `json:"hardClearCount"`
	CharsBefore    int     `json:"charsBefore"`
	CharsAfter     int     `json:"charsAfter"`
	CharsSaved     int     `json:"charsSaved"`
	Ratio          float64 `json:"ratio"`
}

// PruneToolResults reclaims context space from old tool results. Two
// escalating passes: soft-trim keeps a head/tail excerpt of oversized
// results; hard-clear replaces whole results with a placeholder until
// usage drops below the hard ratio. Recent turns (the last
// KeepLastAssistants assistant messages and everything after), messages
// before the first user turn, results carrying images, and protected
// tools are never touched.
func PruneToolResults(msgs []providers.Message, contextWindowTokens int, settings PruneSettings) ([]providers.Message, PruneStats) {
	stats := PruneStats{}
	if contextWindowTokens <= 0 || len(msgs) == 0 {
		return msgs, stats
	}
	charWindow := contextWindowTokens * 4

	charsOf := func(list []providers.Message) int {
		return EstimateTokens(list) * 4
	}
	stats.CharsBefore = charsOf(msgs)
	stats.CharsAfter = stats.CharsBefore
	stats.Ratio = float64(stats.CharsBefore) / float64(charWindow)
	if stats.Ratio < settings.SoftTrimRatio {
		return msgs, stats
	}

	protected := make(map[string]bool, len(alwaysProtectedTools)+len(settings.ProtectedTools))
	for _, tool := range alwaysProtectedTools {
		protected[tool] = true
	}
	for _, tool := range settings.ProtectedTools {
		protected[tool] = true
	}

	cutoff := assistantCutoffIndex(msgs, settings.KeepLastAssistants)
	firstUser := firstUserIndex(msgs)

	prunable := make([]bool, len(msgs))
	for i := range msgs {
		if i < firstUser || i >= cutoff {
			continue
		}
		m := &msgs[i]
		if m.Role != providers.RoleToolResult || protected[m.ToolName] {
			continue
		}
		hasImage := false
		for j := range m.Content {
			if m.Content[j].Type == providers.BlockImage {
				hasImage = true
				break
			}
		}
		prunable[i] = !hasImage
	}

	out := providers.CloneMessages(msgs)

	// Soft trim: oversized results keep a head/tail excerpt.
	for i := range out {
		if !prunable[i] {
			continue
		}
		text := toolResultText(&out[i])
		runes := []rune(text)
		if len(runes) <= settings.SoftTrim.MaxChars {
			continue
		}
		head := settings.SoftTrim.HeadChars
		tail := settings.SoftTrim.TailChars
		if head+tail > len(runes) {
			continue
		}
		trimmed := fmt.Sprintf("%s\n...\n%s\n\n[Trimmed: kept first %d and last %d of %d chars]",
			string(runes[:head]), string(runes[len(runes)-tail:]), head, tail, len(runes))
		setToolResultText(&out[i], trimmed)
		stats.SoftTrimCount++
	}

	stats.CharsAfter = charsOf(out)
	stats.Ratio = float64(stats.CharsAfter) / float64(charWindow)
	if stats.Ratio >= settings.HardClearRatio {
		prunableChars := 0
		for i := range out {
			if prunable[i] {
				prunableChars += len([]rune(toolResultText(&out[i])))
			}
		}
		if prunableChars >= settings.MinPrunableChars {
			for i := range out {
				if stats.Ratio < settings.HardClearRatio {
					break
				}
				if !prunable[i] {
					continue
				}
				setToolResultText(&out[i], settings.HardClearPlaceholder)
				stats.HardClearCount++
				stats.CharsAfter = charsOf(out)
				stats.Ratio = float64(stats.CharsAfter) / float64(charWindow)
			}
		}
	}

	stats.CharsSaved = stats.CharsBefore - stats.CharsAfter
	if stats.SoftTrimCount == 0 && stats.HardClearCount == 0 {
		return msgs, stats
	}
	return out, stats
}

// assistantCutoffIndex returns the index of the keep-th assistant message
// counting from the end. Everything at or after it is protected. When
// there are fewer assistants than keep, everything is protected.
func assistantCutoffIndex(msgs []providers.Message, keep int) int {
	if keep <= 0 {
		return len(msgs)
	}
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == providers.RoleAssistant {
			seen++
			if seen == keep {
				return i
			}
		}
	}
	return 0
}

func firstUserIndex(msgs []providers.Message) int {
	for i := range msgs {
		if msgs[i].Role == providers.RoleUser {
			return i
		}
	}
	return len(msgs)
}

// toolResultText extracts the textual payload of a tool-result message.
func toolResultText(m *providers.Message) string {
	var b strings.Builder
	for i := range m.Content {
		blk := &m.Content[i]
		switch blk.Type {
		case providers.BlockText:
			b.WriteString(blk.Text)
		case providers.BlockToolResult:
			if s, ok := blk.Content.(string); ok {
				b.WriteString(s)
			}
		}
	}
	return b.String()
}

// setToolResultText rewrites a tool-result message to a single
// tool_result block carrying text, preserving the pairing identity.
func setToolResultText(m *providers.Message, text string) {
	id := m.ToolCallID
	name := m.ToolName
	for i := range m.Content {
		if m.Content[i].Type == providers.BlockToolResult {
			if id == "" {
				id = m.Content[i].ToolCallID
			}
			if name == "" {
				name = m.Content[i].ToolName
			}
			break
		}
	}
	m.Content = providers.BlockList{providers.ToolResultBlock(id, name, text, m.IsError)}
}
