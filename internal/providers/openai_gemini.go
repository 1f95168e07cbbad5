package providers

// collapseToolCallsWithoutSig strips tool-call cycles that lack a thought
// signature (required by Gemini 2.5+). Session history stored before
// signature capture doesn't have it, and Gemini rejects those messages
// with HTTP 400.
//
// The assistant's original text content (if any) is preserved; only the
// tool_use blocks and their corresponding tool-result messages are
// dropped.
func collapseToolCallsWithoutSig(msgs []Message) []Message {
	// Collect tool call ids that need collapsing. One unsigned call taints
	// the whole assistant span since partial tool_calls arrays are invalid.
	collapseIDs := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != RoleAssistant {
			continue
		}
		uses := m.Content.ToolUses()
		if len(uses) == 0 {
			continue
		}
		for _, b := range uses {
			if b.ThoughtSignature == "" {
				for _, b2 := range uses {
					collapseIDs[b2.ID] = true
				}
				break
			}
		}
	}
	if len(collapseIDs) == 0 {
		return msgs
	}

	result := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]

		if m.Role == RoleAssistant {
			uses := m.Content.ToolUses()
			if len(uses) > 0 && collapseIDs[uses[0].ID] {
				if text := m.Content.Text(); text != "" {
					kept := m
					kept.Content = BlockList{TextBlock(text)}
					result = append(result, kept)
				}

				// Skip consecutive tool results belonging to these calls.
				for i+1 < len(msgs) && msgs[i+1].Role == RoleToolResult && collapseIDs[msgs[i+1].ToolCallID] {
					i++
				}
				continue
			}
		}

		// Skip orphaned tool results whose assistant was already collapsed.
		if m.Role == RoleToolResult && collapseIDs[m.ToolCallID] {
			continue
		}

		result = append(result, m)
	}
	return result
}
