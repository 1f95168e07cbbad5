package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body := p.buildRequestBody(model, req, true)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{FinishReason: "stop"}
	// Content blocks accumulate in emission order; tool_use argument JSON
	// arrives in fragments keyed by block index.
	var blocks BlockList
	toolCallJSON := make(map[int]string)
	thinkingChars := 0

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line for large thinking chunks
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if result.Usage == nil {
					result.Usage = &Usage{}
				}
				if ev.Message.Usage.InputTokens > 0 {
					result.Usage.PromptTokens = ev.Message.Usage.InputTokens
				}
				result.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
				result.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.ContentBlock.Type {
				case "text":
					blocks = append(blocks, TextBlock(ev.ContentBlock.Text))
				case "thinking":
					blocks = append(blocks, ContentBlock{Type: BlockThinking})
				case "tool_use":
					blocks = append(blocks, ContentBlock{
						Type: BlockToolUse,
						ID:   ev.ContentBlock.ID,
						Name: strings.TrimSpace(ev.ContentBlock.Name),
					})
				default:
					// redacted_thinking and future block kinds carry no
					// replayable payload over the stream.
					blocks = append(blocks, ContentBlock{Type: ev.ContentBlock.Type})
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil || len(blocks) == 0 {
				continue
			}
			last := &blocks[len(blocks)-1]
			switch ev.Delta.Type {
			case "text_delta":
				last.Text += ev.Delta.Text
				result.Content += ev.Delta.Text
				if onChunk != nil {
					onChunk(StreamChunk{Content: ev.Delta.Text})
				}
			case "thinking_delta":
				last.Thinking += ev.Delta.Thinking
				result.Thinking += ev.Delta.Thinking
				thinkingChars += len(ev.Delta.Thinking)
				if onChunk != nil {
					onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
				}
			case "input_json_delta":
				toolCallJSON[len(blocks)-1] += ev.Delta.PartialJSON
			case "signature_delta":
				last.ThinkingSignature += ev.Delta.Signature
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.Delta.StopReason != "" {
					switch ev.Delta.StopReason {
					case "tool_use":
						result.FinishReason = "tool_calls"
					case "max_tokens":
						result.FinishReason = "length"
					default:
						result.FinishReason = "stop"
					}
				}
				if ev.Usage.OutputTokens > 0 {
					if result.Usage == nil {
						result.Usage = &Usage{}
					}
					result.Usage.CompletionTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}

		case "message_stop":
			// Stream complete
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}

	// Parse accumulated tool_use argument fragments and surface the calls.
	for i := range blocks {
		if blocks[i].Type != BlockToolUse {
			continue
		}
		args := make(map[string]interface{})
		if raw := toolCallJSON[i]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		blocks[i].Input = args
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        blocks[i].ID,
			Name:      blocks[i].Name,
			Arguments: args,
		})
	}
	result.Blocks = blocks

	if result.Usage != nil {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
		// Estimate thinking tokens from accumulated character count (~4 chars per token)
		if thinkingChars > 0 {
			result.Usage.ThinkingTokens = thinkingChars / 4
		}
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}

	return result, nil
}
