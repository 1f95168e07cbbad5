package providers

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message roles. Transcripts are a tagged union: ordinary user/assistant
// turns plus standalone tool-result and bash-execution records.
const (
	RoleUser          = "user"
	RoleAssistant     = "assistant"
	RoleToolResult    = "toolResult"
	RoleBashExecution = "bashExecution"
)

// Content block type tags.
const (
	BlockText          = "text"
	BlockImage         = "image"
	BlockThinking      = "thinking"
	BlockToolUse       = "tool_use"
	BlockToolResult    = "tool_result"
	BlockBashExecution = "bash_execution"
)

// requestLevelFields are request options that some transports leak into
// persisted message objects. They are never valid on a message and the
// payload sanitizer strips them before dispatch.
var requestLevelFields = []string{
	"safetySettings", "model", "systemInstruction", "toolConfig",
	"temperature", "topP", "topK", "stopSequences", "maxOutputTokens",
	"responseMimeType", "userAgent", "requestType", "requestId",
	"sessionId", "generationConfig", "thinkingConfig",
}

// IsRequestLevelField reports whether key is request metadata that must
// not appear on a message object.
func IsRequestLevelField(key string) bool {
	for _, f := range requestLevelFields {
		if f == key {
			return true
		}
	}
	return false
}

// RequestLevelFields returns the set of known request-level field names.
func RequestLevelFields() []string {
	out := make([]string, len(requestLevelFields))
	copy(out, requestLevelFields)
	return out
}

// ImageSource carries inline image bytes for vision-capable models.
type ImageSource struct {
	Type      string `json:"type,omitempty"` // "base64"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ContentBlock is one ordered element of a message body.
//
// The Type tag selects which fields are meaningful:
//
//	text           Text
//	image          Source
//	thinking       Thinking, ThinkingSignature (Signature/ThoughtSignature aliases)
//	tool_use       ID, Name, Input (Arguments alias)
//	tool_result    ToolCallID, ToolName, Content, IsError
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *ImageSource `json:"source,omitempty"`

	Thinking          string `json:"thinking,omitempty"`
	ThinkingSignature string `json:"thinkingSignature,omitempty"`
	Signature         string `json:"signature,omitempty"`
	ThoughtSignature  string `json:"thought_signature,omitempty"`

	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`

	ToolCallID string      `json:"toolCallId,omitempty"`
	ToolName   string      `json:"toolName,omitempty"`
	Content    interface{} `json:"content,omitempty"`
	IsError    bool        `json:"isError,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]interface{}) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolCallID, toolName string, content interface{}, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolCallID: toolCallID, ToolName: toolName, Content: content, IsError: isError}
}

// EffectiveInput returns a tool_use block's arguments, preferring Input
// over the Arguments alias.
func (b *ContentBlock) EffectiveInput() map[string]interface{} {
	if b.Input != nil {
		return b.Input
	}
	return b.Arguments
}

// EffectiveSignature returns a thinking block's signature, checking the
// aliases different backends emit.
func (b *ContentBlock) EffectiveSignature() string {
	if b.ThinkingSignature != "" {
		return b.ThinkingSignature
	}
	if b.Signature != "" {
		return b.Signature
	}
	return b.ThoughtSignature
}

// BlockList is a message body: an ordered list of content blocks. It
// unmarshals from either a JSON string (one text block) or an array.
type BlockList []ContentBlock

func (bl *BlockList) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		*bl = nil
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*bl = BlockList{TextBlock(s)}
		return nil
	case 'n': // null
		*bl = nil
		return nil
	default:
		var blocks []ContentBlock
		if err := json.Unmarshal(data, &blocks); err != nil {
			return fmt.Errorf("content: %w", err)
		}
		*bl = BlockList(blocks)
		return nil
	}
}

// Text concatenates all text blocks.
func (bl BlockList) Text() string {
	var out string
	for _, b := range bl {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks in emission order.
func (bl BlockList) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range bl {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Message is one transcript entry.
//
// Role "user" and "assistant" carry ordered content blocks. Role
// "toolResult" pairs with an assistant tool_use by ToolCallID. Role
// "bashExecution" records a shell run outside the tool-call protocol.
// Extra round-trips any fields a transport leaked onto the object so the
// payload sanitizer can strip them.
type Message struct {
	Role         string    `json:"role"`
	Content      BlockList `json:"content,omitempty"`
	Timestamp    int64     `json:"timestamp,omitempty"` // unix ms
	StopReason   string    `json:"stopReason,omitempty"`
	Usage        *Usage    `json:"usage,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`

	// toolResult fields
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	IsError    bool   `json:"isError,omitempty"`

	// bashExecution fields
	Command  string `json:"command,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`

	// Extra holds unrecognized fields preserved across a round-trip.
	Extra map[string]interface{} `json:"-"`
}

// knownMessageKeys mirrors the json tags above.
var knownMessageKeys = map[string]bool{
	"role": true, "content": true, "timestamp": true, "stopReason": true,
	"usage": true, "errorMessage": true, "toolCallId": true,
	"toolName": true, "isError": true, "command": true, "stdout": true,
	"stderr": true, "exitCode": true,
}

type messageAlias Message

func (m *Message) UnmarshalJSON(data []byte) error {
	var a messageAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Message(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownMessageKeys[k] {
			continue
		}
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]interface{})
		}
		m.Extra[k] = val
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(messageAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// NewUserMessage builds a user message with a single text block.
func NewUserMessage(text string) Message {
	return Message{
		Role:      RoleUser,
		Content:   BlockList{TextBlock(text)},
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewToolResultMessage builds a standalone toolResult message.
func NewToolResultMessage(toolCallID, toolName, content string, isError bool) Message {
	return Message{
		Role:       RoleToolResult,
		Content:    BlockList{ToolResultBlock(toolCallID, toolName, content, isError)},
		ToolCallID: toolCallID,
		ToolName:   toolName,
		IsError:    isError,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// TextContent returns the concatenated text of the message body.
func (m *Message) TextContent() string {
	return m.Content.Text()
}

// CloneMessages deep-copies a transcript. Mutating stages in the payload
// sanitizer operate on clones so callers keep their input intact.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = cloneMessage(msgs[i])
	}
	return out
}

func cloneMessage(m Message) Message {
	c := m
	if m.Content != nil {
		c.Content = make(BlockList, len(m.Content))
		for i := range m.Content {
			c.Content[i] = cloneBlock(m.Content[i])
		}
	}
	if m.Usage != nil {
		u := *m.Usage
		c.Usage = &u
	}
	if m.ExitCode != nil {
		e := *m.ExitCode
		c.ExitCode = &e
	}
	if m.Extra != nil {
		c.Extra = make(map[string]interface{}, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = deepCloneValue(v)
		}
	}
	return c
}

func cloneBlock(b ContentBlock) ContentBlock {
	c := b
	if b.Source != nil {
		s := *b.Source
		c.Source = &s
	}
	if b.Input != nil {
		c.Input = cloneMap(b.Input)
	}
	if b.Arguments != nil {
		c.Arguments = cloneMap(b.Arguments)
	}
	if b.Content != nil {
		c.Content = deepCloneValue(b.Content)
	}
	return c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCloneValue(v)
	}
	return out
}

func deepCloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCloneValue(e)
		}
		return out
	default:
		return v
	}
}
