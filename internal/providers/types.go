package providers

import (
	"context"
	"time"
)

// Provider is the interface all model transports implement.
type Provider interface {
	// Chat sends messages to the model and returns a response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends messages and streams response chunks via callback.
	// Returns the final complete response after streaming ends.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// DefaultModel returns the provider's default model id.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// Option keys recognized in ChatRequest.Options. Providers ignore keys
// they do not understand.
const (
	OptMaxTokens       = "max_tokens"
	OptTemperature     = "temperature"
	OptThinkingLevel   = "thinking_level"   // "off", "low", "medium", "high"
	OptReasoningEffort = "reasoning_effort" // OpenAI o-series passthrough
	OptEnableThinking  = "enable_thinking"  // DashScope passthrough
	OptThinkingBudget  = "thinking_budget"  // DashScope passthrough
)

// ChatRequest contains the input for a Chat/ChatStream call.
type ChatRequest struct {
	System   string                 `json:"system,omitempty"`
	Messages []Message              `json:"messages"`
	Tools    []ToolDefinition       `json:"tools,omitempty"`
	Model    string                 `json:"model,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// ChatResponse is the result of one model call. Content and Thinking are
// the concatenated text and reasoning streams; Blocks preserves the
// assistant's content blocks in emission order, including thinking
// signatures, so the transcript can replay them verbatim on the next
// request.
type ChatResponse struct {
	Content      string     `json:"content"`
	Thinking     string     `json:"thinking,omitempty"`
	Blocks       BlockList  `json:"blocks,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length", "error", "aborted"
	Usage        *Usage     `json:"usage,omitempty"`
}

// AssistantMessage converts a response into a transcript message. Blocks
// are used when the transport captured them; otherwise the message body is
// synthesized from the text, thinking and tool-call fields.
func (r *ChatResponse) AssistantMessage() Message {
	msg := Message{
		Role:       RoleAssistant,
		Timestamp:  time.Now().UnixMilli(),
		StopReason: r.FinishReason,
		Usage:      r.Usage,
	}
	if len(r.Blocks) > 0 {
		msg.Content = r.Blocks
		return msg
	}
	if r.Thinking != "" {
		msg.Content = append(msg.Content, ContentBlock{Type: BlockThinking, Thinking: r.Thinking})
	}
	if r.Content != "" {
		msg.Content = append(msg.Content, TextBlock(r.Content))
	}
	for _, tc := range r.ToolCalls {
		b := ToolUseBlock(tc.ID, tc.Name, tc.Arguments)
		if sig := tc.Metadata["thought_signature"]; sig != "" {
			b.ThoughtSignature = sig
		}
		msg.Content = append(msg.Content, b)
	}
	return msg
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// ToolCall is a tool invocation requested by the model. Metadata carries
// provider-specific passback values (e.g. Gemini thought signatures).
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	ThinkingTokens      int `json:"thinking_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}
