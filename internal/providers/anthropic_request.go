package providers

import "fmt"

func (p *AnthropicProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	messages := make([]map[string]interface{}, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			if blocks := userWireBlocks(msg.Content); len(blocks) > 0 {
				messages = append(messages, map[string]interface{}{
					"role":    "user",
					"content": blocks,
				})
			}

		case RoleAssistant:
			if blocks := assistantWireBlocks(msg.Content); len(blocks) > 0 {
				messages = append(messages, map[string]interface{}{
					"role":    "assistant",
					"content": blocks,
				})
			}

		case RoleToolResult:
			messages = append(messages, map[string]interface{}{
				"role":    "user",
				"content": []map[string]interface{}{toolResultWireBlock(msg)},
			})

		case RoleBashExecution:
			messages = append(messages, map[string]interface{}{
				"role":    "user",
				"content": renderBashExecution(msg),
			})
		}
	}

	body := map[string]interface{}{
		"model":      model,
		"max_tokens": 4096,
		"messages":   messages,
	}

	if stream {
		body["stream"] = true
	}

	if req.System != "" {
		body["system"] = []map[string]interface{}{
			{
				"type":          "text",
				"text":          req.System,
				"cache_control": map[string]interface{}{"type": "ephemeral"},
			},
		}
	}

	// Translate tools to Anthropic format
	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			cleanedParams := CleanSchemaForProvider("anthropic", t.Function.Parameters)
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": cleanedParams,
			})
		}
		body["tools"] = tools
	}

	// Merge options
	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}

	// Enable extended thinking if thinking_level is set
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		budget := anthropicThinkingBudget(level)
		body["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": budget,
		}
		// Anthropic requires no temperature when thinking is enabled
		delete(body, "temperature")
		// Ensure max_tokens accommodates thinking budget + response
		if maxTok, ok := body["max_tokens"].(int); !ok || maxTok < budget+4096 {
			body["max_tokens"] = budget + 8192
		}
	}

	return body
}

func userWireBlocks(content BlockList) []map[string]interface{} {
	var blocks []map[string]interface{}
	for _, b := range content {
		switch b.Type {
		case BlockText:
			if b.Text != "" {
				blocks = append(blocks, map[string]interface{}{
					"type": "text",
					"text": b.Text,
				})
			}
		case BlockImage:
			if b.Source != nil {
				blocks = append(blocks, map[string]interface{}{
					"type": "image",
					"source": map[string]interface{}{
						"type":       "base64",
						"media_type": b.Source.MediaType,
						"data":       b.Source.Data,
					},
				})
			}
		case BlockToolResult:
			blocks = append(blocks, map[string]interface{}{
				"type":        "tool_result",
				"tool_use_id": b.ToolCallID,
				"content":     toolResultText(b.Content),
				"is_error":    b.IsError,
			})
		}
	}
	return blocks
}

func assistantWireBlocks(content BlockList) []map[string]interface{} {
	var blocks []map[string]interface{}
	for _, b := range content {
		switch b.Type {
		case BlockText:
			if b.Text != "" {
				blocks = append(blocks, map[string]interface{}{
					"type": "text",
					"text": b.Text,
				})
			}
		case BlockThinking:
			wire := map[string]interface{}{
				"type":     "thinking",
				"thinking": b.Thinking,
			}
			if sig := b.EffectiveSignature(); sig != "" {
				wire["signature"] = sig
			}
			blocks = append(blocks, wire)
		case BlockToolUse:
			input := b.EffectiveInput()
			if input == nil {
				input = map[string]interface{}{}
			}
			blocks = append(blocks, map[string]interface{}{
				"type":  "tool_use",
				"id":    b.ID,
				"name":  b.Name,
				"input": input,
			})
		}
	}
	return blocks
}

func toolResultWireBlock(msg Message) map[string]interface{} {
	for _, b := range msg.Content {
		if b.Type == BlockToolResult {
			return map[string]interface{}{
				"type":        "tool_result",
				"tool_use_id": b.ToolCallID,
				"content":     toolResultText(b.Content),
				"is_error":    b.IsError,
			}
		}
	}
	return map[string]interface{}{
		"type":        "tool_result",
		"tool_use_id": msg.ToolCallID,
		"content":     msg.Content.Text(),
		"is_error":    msg.IsError,
	}
}

// toolResultText flattens a tool result body to plain text. Structured
// bodies are passed through as-is so image results survive.
func toolResultText(content interface{}) interface{} {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return v
	}
}

// renderBashExecution folds a shell-run record into user-visible text.
func renderBashExecution(msg Message) string {
	out := fmt.Sprintf("$ %s\n%s", msg.Command, msg.Stdout)
	if msg.Stderr != "" {
		out += "\n" + msg.Stderr
	}
	if msg.ExitCode != nil && *msg.ExitCode != 0 {
		out += fmt.Sprintf("\n(exit %d)", *msg.ExitCode)
	}
	return out
}

// anthropicThinkingBudget maps a thinking level to a token budget.
func anthropicThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "medium":
		return 10000
	case "high":
		return 32000
	default:
		return 10000
	}
}
