package agent

import (
	"sync"
	"time"

	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/prompt"
	"github.com/moziai/mozi/internal/providers"
)

// Binding is the live pairing of one session with a model: the resolved
// agent configuration, the assembled system prompt, the tool surface,
// and the working message list replayed from the persisted transcript.
//
// Two locks with distinct roles: turnMu serializes whole turns on the
// session key (held for the full think-act-observe cycle), mu guards the
// mutable fields for short reads and writes so context metrics never
// block behind a running turn.
type Binding struct {
	SessionKey string
	AgentID    string
	Agent      config.ResolvedAgent

	turnMu sync.Mutex
	mu     sync.RWMutex

	modelRef      string
	provider      providers.Provider
	spec          providers.ModelSpec
	systemPrompt  string
	promptMeta    prompt.Metadata
	thinkingLevel string
	toolNames     []string
	toolDefs      []providers.ToolDefinition
	sanitizedTools bool
	messages      []providers.Message

	calibration Calibration

	createdAt time.Time
}

// Calibration exposes the binding's estimate drift tracker. It has its
// own lock and may be used without holding the binding's.
func (b *Binding) Calibration() *Calibration {
	return &b.calibration
}

// LockTurn serializes turn execution for this session key. Exactly one
// turn per key progresses at a time; callers block until the previous
// turn releases.
func (b *Binding) LockTurn() { b.turnMu.Lock() }

// UnlockTurn releases the turn lock.
func (b *Binding) UnlockTurn() { b.turnMu.Unlock() }

// TryLockTurn acquires the turn lock only if it is free. Background
// passes (post-turn compaction) use it so they never queue behind
// inbound traffic.
func (b *Binding) TryLockTurn() bool { return b.turnMu.TryLock() }

// ModelRef returns the active "provider/model" reference.
func (b *Binding) ModelRef() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.modelRef
}

// Provider returns the active transport.
func (b *Binding) Provider() providers.Provider {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.provider
}

// Spec returns the active model's catalog entry.
func (b *Binding) Spec() providers.ModelSpec {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spec
}

// SystemPrompt returns the assembled system prompt.
func (b *Binding) SystemPrompt() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.systemPrompt
}

// PromptMeta describes the prompt assembly for diagnostics.
func (b *Binding) PromptMeta() prompt.Metadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.promptMeta
}

// ThinkingLevel returns the resolved extended-thinking level ("" or
// "off" when disabled).
func (b *Binding) ThinkingLevel() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.thinkingLevel
}

// SetThinkingLevel rebinds the thinking level in place.
func (b *Binding) SetThinkingLevel(level string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.thinkingLevel = level
}

// ToolNames returns the allow-listed tool names in registry order.
func (b *Binding) ToolNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.toolNames))
	copy(out, b.toolNames)
	return out
}

// ToolDefs returns the wire-format tool definitions, already sanitized
// when the active model requires it.
func (b *Binding) ToolDefs() []providers.ToolDefinition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.toolDefs
}

// SanitizedTools reports whether the tool schemas went through the
// Gemini sanitizer.
func (b *Binding) SanitizedTools() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sanitizedTools
}

// Messages returns a copy of the working message list.
func (b *Binding) Messages() []providers.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return providers.CloneMessages(b.messages)
}

// MessageCount returns the working list length without copying.
func (b *Binding) MessageCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

// SetMessages replaces the working message list.
func (b *Binding) SetMessages(msgs []providers.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = msgs
}

// rebindModel switches the active model in place. Used when the old and
// new model agree on tool-schema sanitization; otherwise the registry
// disposes the binding instead.
func (b *Binding) rebindModel(ref string, p providers.Provider, spec providers.ModelSpec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modelRef = ref
	b.provider = p
	b.spec = spec
}
