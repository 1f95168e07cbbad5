package agent

import (
	"context"
	"fmt"

	"github.com/moziai/mozi/internal/providers"
)

// summaryPreserveInstruction steers the summarizer toward the details a
// resumed session actually needs.
const summaryPreserveInstruction = "Preserve: decisions made and their rationale, TODO items and open questions, key constraints and requirements, file paths and important code references, error patterns and solutions found."

const summaryMessagePrefix = "[Previous conversation summary]\n\n"

const (
	adaptiveChunkBase         = 0.4
	adaptiveChunkMin          = 0.15
	summarySafetyMargin       = 1.2
	summaryMaxContextFraction = 0.5
)

// SummaryFunc produces a summary of dropped messages. instruction is the
// preservation directive passed through to the model.
type SummaryFunc func(ctx context.Context, dropped []providers.Message, instruction string) (string, error)

// SplitMessagesByTokenShare packs messages into at most parts chunks of
// roughly equal token weight. The last chunk absorbs any remainder.
func SplitMessagesByTokenShare(msgs []providers.Message, parts int) [][]providers.Message {
	if len(msgs) == 0 {
		return nil
	}
	if parts <= 1 {
		return [][]providers.Message{msgs}
	}
	total := EstimateTokens(msgs)
	target := total / parts
	if target <= 0 {
		target = 1
	}

	var chunks [][]providers.Message
	var current []providers.Message
	currentTokens := 0
	for _, m := range msgs {
		t := EstimateMessageTokens(m)
		if len(current) > 0 && currentTokens+t > target && len(chunks) < parts-1 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, m)
		currentTokens += t
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// ChunkMessagesByMaxTokens splits greedily at maxTokens boundaries. A
// single message that alone exceeds maxTokens is isolated in its own
// chunk.
func ChunkMessagesByMaxTokens(msgs []providers.Message, maxTokens int) [][]providers.Message {
	if len(msgs) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]providers.Message{msgs}
	}

	var chunks [][]providers.Message
	var current []providers.Message
	currentTokens := 0
	for _, m := range msgs {
		t := EstimateMessageTokens(m)
		if t > maxTokens {
			if len(current) > 0 {
				chunks = append(chunks, current)
				current = nil
				currentTokens = 0
			}
			chunks = append(chunks, []providers.Message{m})
			continue
		}
		if len(current) > 0 && currentTokens+t > maxTokens {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, m)
		currentTokens += t
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// ComputeAdaptiveChunkRatio scales the summarization chunk size down when
// individual messages are large relative to the context window.
func ComputeAdaptiveChunkRatio(msgs []providers.Message, contextWindow int) float64 {
	if len(msgs) == 0 || contextWindow <= 0 {
		return adaptiveChunkBase
	}
	avg := float64(EstimateTokens(msgs)) / float64(len(msgs))
	load := avg * summarySafetyMargin / float64(contextWindow)
	if load <= 0.1 {
		return adaptiveChunkBase
	}
	ratio := adaptiveChunkBase * 0.1 / load
	if ratio < adaptiveChunkMin {
		ratio = adaptiveChunkMin
	}
	return ratio
}

// IsOversizedForSummary reports whether a single message is too large to
// feed into the summarizer for the given window.
func IsOversizedForSummary(msg providers.Message, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(EstimateMessageTokens(msg))*summarySafetyMargin > summaryMaxContextFraction*float64(contextWindow)
}

// DropUnpairedToolResults removes toolResult messages whose call id does
// not match any assistant tool_use in the list. Chunked history drops
// routinely orphan results; providers reject transcripts that keep them.
func DropUnpairedToolResults(msgs []providers.Message) []providers.Message {
	liveIDs := make(map[string]bool)
	for i := range msgs {
		if msgs[i].Role != providers.RoleAssistant {
			continue
		}
		for _, call := range msgs[i].Content.ToolUses() {
			liveIDs[call.ID] = true
		}
	}
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == providers.RoleToolResult && !liveIDs[toolResultID(&m)] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// PruneHistoryOptions configure PruneHistoryForContextShare.
type PruneHistoryOptions struct {
	Messages         []providers.Message
	MaxContextTokens int
	// MaxHistoryShare caps history at this fraction of the context
	// window. Zero means the 0.5 default.
	MaxHistoryShare float64
	// Parts is the token-share split width per drop round. Zero means 2.
	Parts int
}

// PruneHistoryResult reports what PruneHistoryForContextShare kept.
type PruneHistoryResult struct {
	Kept          []providers.Message
	Dropped       []providers.Message
	ChunkCount    int
	DroppedChunks int
	TokenBudget   int
	TokensKept    int
}

// PruneHistoryForContextShare drops the oldest token-share chunk until
// the transcript fits within MaxHistoryShare of the context window,
// re-repairing tool pairing after each drop.
func PruneHistoryForContextShare(opts PruneHistoryOptions) PruneHistoryResult {
	share := opts.MaxHistoryShare
	if share <= 0 {
		share = 0.5
	}
	parts := opts.Parts
	if parts <= 0 {
		parts = 2
	}
	budget := int(float64(opts.MaxContextTokens) * share)

	kept := opts.Messages
	var dropped []providers.Message
	droppedChunks := 0
	chunkCount := 0

	for len(kept) > 0 && EstimateTokens(kept) > budget {
		chunks := SplitMessagesByTokenShare(kept, parts)
		chunkCount = len(chunks)
		if len(chunks) <= 1 {
			dropped = append(dropped, kept...)
			kept = nil
			droppedChunks++
			break
		}
		dropped = append(dropped, chunks[0]...)
		droppedChunks++
		var rest []providers.Message
		for _, c := range chunks[1:] {
			rest = append(rest, c...)
		}
		kept = DropUnpairedToolResults(rest)
	}

	return PruneHistoryResult{
		Kept:          kept,
		Dropped:       dropped,
		ChunkCount:    chunkCount,
		DroppedChunks: droppedChunks,
		TokenBudget:   budget,
		TokensKept:    EstimateTokens(kept),
	}
}

// CompactOptions configure CompactMessages.
type CompactOptions struct {
	Messages            []providers.Message
	ContextWindowTokens int
	// MaxHistoryShare: zero means the 0.5 default.
	MaxHistoryShare float64
	GenerateSummary SummaryFunc
}

// CompactResult is the outcome of a compaction pass.
type CompactResult struct {
	Summary         string
	KeptMessages    []providers.Message
	DroppedCount    int
	TokensReclaimed int
}

// CompactMessages shrinks a transcript that no longer fits: old chunks
// are dropped and replaced by a generated summary. When the summarizer
// fails, a placeholder summary records that details were lost.
func CompactMessages(ctx context.Context, opts CompactOptions) CompactResult {
	before := EstimateTokens(opts.Messages)
	pruned := PruneHistoryForContextShare(PruneHistoryOptions{
		Messages:         opts.Messages,
		MaxContextTokens: opts.ContextWindowTokens,
		MaxHistoryShare:  opts.MaxHistoryShare,
	})
	if len(pruned.Dropped) == 0 {
		return CompactResult{KeptMessages: opts.Messages}
	}

	var summary string
	if opts.GenerateSummary != nil {
		s, err := opts.GenerateSummary(ctx, pruned.Dropped, summaryPreserveInstruction)
		if err == nil && s != "" {
			summary = s
		}
	}
	if summary == "" {
		summary = fmt.Sprintf("[Previous conversation with %d messages was compacted. Details unavailable due to summarization error.]", len(pruned.Dropped))
	}

	return CompactResult{
		Summary:         summary,
		KeptMessages:    pruned.Kept,
		DroppedCount:    len(pruned.Dropped),
		TokensReclaimed: before - pruned.TokensKept,
	}
}

// CreateSummaryMessage wraps a compaction summary as a user turn.
func CreateSummaryMessage(summary string) providers.Message {
	return providers.NewUserMessage(summaryMessagePrefix + summary)
}
