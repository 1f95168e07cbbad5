package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/prompt"
	"github.com/moziai/mozi/internal/providers"
	"github.com/moziai/mozi/internal/sessions"
	"github.com/moziai/mozi/internal/tools"
)

// Context window guardrails applied when a binding is created.
const (
	hardMinContextWindow = 16000
	warnContextWindow    = 32000
)

// metaThinkingLevel is the session metadata key holding a per-session
// thinking override.
const metaThinkingLevel = "thinkingLevel"

var (
	// ErrContextWindowTooSmall rejects models below the hard minimum.
	// The wording is load-bearing: the overflow classifier exempts
	// guardrail rejections from overflow recovery by these phrases.
	ErrContextWindowTooSmall = errors.New("context window too small")

	// ErrNoModelAvailable means no candidate in the precedence chain
	// resolved against the model registry.
	ErrNoModelAvailable = errors.New("no model available")
)

// SkillLister supplies the formatted skills catalog for system prompts.
// Loading and indexing skill markdown is the collaborator's concern.
type SkillLister interface {
	FormatForPrompt(names []string) string
}

// RegistryDeps are the collaborators an agent registry needs.
type RegistryDeps struct {
	Config   *config.Config
	Models   *providers.Registry
	Sessions *sessions.Store
	Tools    *tools.Registry
	Skills   SkillLister // optional
}

// Registry owns the sessionKey → binding map on the dispatch path. It
// resolves agents and models for inbound messages, creates bindings with
// replayed history, switches models, and exposes context metrics and
// compaction over live or persisted state.
type Registry struct {
	cfg      *config.Config
	models   *providers.Registry
	sessions *sessions.Store
	tools    *tools.Registry
	skills   SkillLister

	mu        sync.Mutex
	bindings  map[string]*Binding
	overrides map[string]string // sessionKey → non-persistent model override
}

// NewRegistry builds an agent registry.
func NewRegistry(deps RegistryDeps) *Registry {
	return &Registry{
		cfg:       deps.Config,
		models:    deps.Models,
		sessions:  deps.Sessions,
		tools:     deps.Tools,
		skills:    deps.Skills,
		bindings:  make(map[string]*Binding),
		overrides: make(map[string]string),
	}
}

// AcquireOptions tune binding resolution for one inbound message.
type AcquireOptions struct {
	// AgentID selects the agent explicitly; empty resolves the default.
	AgentID string
	// ChannelID and PeerKind locate the history replay limit.
	ChannelID string
	PeerKind  string
	// PromptMode overrides the prompt assembly mode. Empty picks
	// subagent-minimal for derived keys and main otherwise.
	PromptMode prompt.Mode
	// BasePrompt overrides the agent's configured system prompt
	// (ephemeral subagents share the parent's).
	BasePrompt string
	// ModelRef pins the model ahead of the usual precedence chain.
	ModelRef string
}

// Acquire returns the binding for a session key, creating or refreshing
// it as needed. An existing binding whose resolved model changed is
// rebound in place, unless the tool-sanitization requirement differs
// between the old and new model, in which case it is disposed and
// rebuilt from persisted context.
func (r *Registry) Acquire(sessionKey string, opts AcquireOptions) (*Binding, error) {
	agentID := opts.AgentID
	if agentID == "" {
		agentID = r.cfg.ResolveDefaultAgentID()
	}
	agent := r.cfg.ResolveAgent(agentID)

	ref, prov, spec, err := r.resolveModel(sessionKey, agent, opts.ModelRef)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	b, exists := r.bindings[sessionKey]
	r.mu.Unlock()

	if exists {
		current := b.ModelRef()
		if current == ref {
			return b, nil
		}
		if r.cfg.ShouldSanitizeToolSchema(current) == r.cfg.ShouldSanitizeToolSchema(ref) {
			b.rebindModel(ref, prov, spec)
			slog.Info("rebound session model", "session", sessionKey, "from", current, "to", ref)
			return b, nil
		}
		// Sanitization requirement flipped: the in-memory tool schemas
		// and message shapes no longer match the target model.
		r.Dispose(sessionKey)
		slog.Info("disposed binding for sanitize change", "session", sessionKey, "from", current, "to", ref)
	}

	return r.createBinding(sessionKey, agentID, agent, ref, prov, spec, opts)
}

func (r *Registry) createBinding(sessionKey, agentID string, agent config.ResolvedAgent, ref string, prov providers.Provider, spec providers.ModelSpec, opts AcquireOptions) (*Binding, error) {
	cw := spec.EffectiveContextWindow()
	if cw < hardMinContextWindow {
		return nil, fmt.Errorf("%w: %s has %d tokens, minimum is %d", ErrContextWindowTooSmall, ref, cw, hardMinContextWindow)
	}
	if cw < warnContextWindow {
		slog.Warn("model context window below recommended minimum",
			"model", ref, "contextWindow", cw, "recommended", warnContextWindow)
	}

	allowed := resolveToolAllowList(agent.Tools)
	sanitize := r.cfg.ShouldSanitizeToolSchema(ref)
	defs := r.tools.ProviderDefs(allowed)
	if sanitize {
		defs = providers.SanitizeToolsForGemini(defs)
	}
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Function.Name)
	}

	mode := opts.PromptMode
	if mode == "" {
		mode = prompt.ModeMain
		if sessions.IsSubagentKey(sessionKey) {
			mode = prompt.ModeSubagentMinimal
		}
	}
	base := opts.BasePrompt
	if base == "" {
		base = agent.SystemPrompt
	}
	var skillsListing string
	if r.skills != nil {
		skillsListing = r.skills.FormatForPrompt(agent.Skills)
	}
	sandboxCfg := agent.Sandbox.ToSandboxConfig()
	sysPrompt, meta := prompt.Build(prompt.Params{
		Mode:          mode,
		HomeDir:       agent.Home,
		WorkspaceDir:  agent.Workspace,
		BasePrompt:    base,
		ToolNames:     names,
		SkillsListing: skillsListing,
		SandboxPath:   sandboxCfg.WorkdirFor(agent.Workspace),
		SandboxAccess: string(sandboxCfg.WorkspaceAccess),
	})

	sess, err := r.sessions.GetOrCreate(sessionKey, agentID)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", sessionKey, err)
	}

	var msgs []providers.Message
	if len(sess.Context) > 0 {
		msgs = LimitHistoryTurns(sess.Context, r.cfg.HistoryLimitFor(opts.ChannelID, opts.PeerKind))
		if settings, enabled := pruneSettingsFromConfig(agent.ContextPruning); enabled {
			msgs, _ = PruneToolResults(msgs, cw, settings)
		}
		msgs = SanitizeForModel(msgs, ref, spec.API, spec.Provider)
	}

	thinking := agent.ThinkingLevel
	if v, ok := sess.Metadata[metaThinkingLevel].(string); ok && v != "" {
		thinking = v
	}

	b := &Binding{
		SessionKey:     sessionKey,
		AgentID:        agentID,
		Agent:          agent,
		modelRef:       ref,
		provider:       prov,
		spec:           spec,
		systemPrompt:   sysPrompt,
		promptMeta:     meta,
		thinkingLevel:  thinking,
		toolNames:      names,
		toolDefs:       defs,
		sanitizedTools: sanitize,
		messages:       msgs,
		createdAt:      time.Now().UTC(),
	}

	r.mu.Lock()
	if cur, ok := r.bindings[sessionKey]; ok {
		// Lost the creation race; the first binding wins.
		r.mu.Unlock()
		return cur, nil
	}
	r.bindings[sessionKey] = b
	r.mu.Unlock()

	slog.Info("bound session",
		"session", sessionKey, "agent", agentID, "model", ref,
		"history", len(msgs), "tools", len(names), "promptHash", meta.PromptHash)
	return b, nil
}

// resolveModel walks the model precedence chain and returns the first
// reference that resolves: explicit pin, runtime override, persisted
// session model, the agent's primary, then its fallbacks.
func (r *Registry) resolveModel(sessionKey string, agent config.ResolvedAgent, explicit string) (string, providers.Provider, providers.ModelSpec, error) {
	var candidates []string
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	r.mu.Lock()
	if o := r.overrides[sessionKey]; o != "" {
		candidates = append(candidates, o)
	}
	r.mu.Unlock()
	if sess, ok := r.sessions.Get(sessionKey); ok && sess.Model != "" {
		candidates = append(candidates, sess.Model)
	}
	if agent.Model != "" {
		candidates = append(candidates, agent.Model)
	}
	candidates = append(candidates, agent.FallbackModels...)

	var lastErr error
	for _, ref := range candidates {
		prov, spec, err := r.models.Resolve(ref)
		if err != nil {
			slog.Debug("model candidate did not resolve", "ref", ref, "error", err)
			lastErr = err
			continue
		}
		return ref, prov, spec, nil
	}
	if lastErr != nil {
		return "", nil, providers.ModelSpec{}, fmt.Errorf("%w for agent %s: %v", ErrNoModelAvailable, agent.ID, lastErr)
	}
	return "", nil, providers.ModelSpec{}, fmt.Errorf("%w for agent %s: no model configured", ErrNoModelAvailable, agent.ID)
}

// resolveToolAllowList merges the configured allow-list (already the
// agent ?? defaults merge) with the tools every agent carries. An empty
// list falls back to the built-in default set.
func resolveToolAllowList(configured []string) []string {
	names := configured
	if len(names) == 0 {
		names = tools.DefaultToolNames()
	}
	out := make([]string, 0, len(names)+1)
	seen := make(map[string]bool, len(names)+1)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	if !seen["exec"] {
		out = append(out, "exec")
	}
	return out
}

// pruneSettingsFromConfig maps the config shape onto pruner settings.
// Returns enabled=false when pruning is switched off.
func pruneSettingsFromConfig(cfg *config.ContextPruningConfig) (PruneSettings, bool) {
	s := DefaultPruneSettings()
	if cfg == nil {
		return s, true
	}
	if cfg.Enabled != nil && !*cfg.Enabled {
		return s, false
	}
	if cfg.SoftTrimRatio > 0 {
		s.SoftTrimRatio = cfg.SoftTrimRatio
	}
	if cfg.HardClearRatio > 0 {
		s.HardClearRatio = cfg.HardClearRatio
	}
	if cfg.KeepLastAssistants > 0 {
		s.KeepLastAssistants = cfg.KeepLastAssistants
	}
	if cfg.MinPrunableChars > 0 {
		s.MinPrunableChars = cfg.MinPrunableChars
	}
	if st := cfg.SoftTrim; st != nil {
		if st.MaxChars > 0 {
			s.SoftTrim.MaxChars = st.MaxChars
		}
		if st.HeadChars > 0 {
			s.SoftTrim.HeadChars = st.HeadChars
		}
		if st.TailChars > 0 {
			s.SoftTrim.TailChars = st.TailChars
		}
	}
	if hc := cfg.HardClear; hc != nil {
		if hc.Enabled != nil && !*hc.Enabled {
			// Keep soft trims but push the hard-clear trigger out of reach.
			s.HardClearRatio = 1e9
		}
		if hc.Placeholder != "" {
			s.HardClearPlaceholder = hc.Placeholder
		}
	}
	s.ProtectedTools = append(s.ProtectedTools, cfg.ProtectedTools...)
	return s, true
}

// SetSessionModel switches a session's model. With persist the
// reference is written into session state and any runtime override is
// cleared; otherwise only the runtime override is set. When the
// tool-sanitization requirement differs between the old and new model
// the live binding is disposed so the next turn rebuilds it from
// persisted context; otherwise the binding is rebound in place.
func (r *Registry) SetSessionModel(sessionKey, ref string, persist bool) error {
	prov, spec, err := r.models.Resolve(ref)
	if err != nil {
		return err
	}

	if persist {
		if _, err := r.sessions.Update(sessionKey, sessions.Update{Model: &ref}); err != nil {
			if !errors.Is(err, sessions.ErrNotFound) {
				return err
			}
			agentID := sessions.AgentIDFromKey(sessionKey)
			if agentID == "" {
				agentID = r.cfg.ResolveDefaultAgentID()
			}
			if _, err := r.sessions.GetOrCreate(sessionKey, agentID); err != nil {
				return err
			}
			if _, err := r.sessions.Update(sessionKey, sessions.Update{Model: &ref}); err != nil {
				return err
			}
		}
		r.mu.Lock()
		delete(r.overrides, sessionKey)
		r.mu.Unlock()
	} else {
		r.mu.Lock()
		r.overrides[sessionKey] = ref
		r.mu.Unlock()
	}

	r.mu.Lock()
	b := r.bindings[sessionKey]
	r.mu.Unlock()
	if b == nil {
		return nil
	}

	old := b.ModelRef()
	if old == ref {
		return nil
	}
	if r.cfg.ShouldSanitizeToolSchema(old) != r.cfg.ShouldSanitizeToolSchema(ref) {
		r.Dispose(sessionKey)
		slog.Info("disposed binding for sanitize change", "session", sessionKey, "from", old, "to", ref)
		return nil
	}
	b.rebindModel(ref, prov, spec)
	return nil
}

// SetSessionThinking persists a per-session thinking override and
// applies it to the live binding. Empty level clears the override.
func (r *Registry) SetSessionThinking(sessionKey, level string) error {
	meta := map[string]interface{}{metaThinkingLevel: level}
	if level == "" {
		meta[metaThinkingLevel] = nil
	}
	if _, err := r.sessions.Update(sessionKey, sessions.Update{Metadata: meta}); err != nil {
		return err
	}
	r.mu.Lock()
	b := r.bindings[sessionKey]
	r.mu.Unlock()
	if b != nil {
		if level == "" {
			level = b.Agent.ThinkingLevel
		}
		b.SetThinkingLevel(level)
	}
	return nil
}

// Dispose drops the live binding for a key. Persisted context is
// untouched; the next Acquire rebuilds from it.
func (r *Registry) Dispose(sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[sessionKey]; !ok {
		return false
	}
	delete(r.bindings, sessionKey)
	return true
}

// Reset drops every live binding and runtime override. The reload path
// calls it after configuration changes.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = make(map[string]*Binding)
	r.overrides = make(map[string]string)
	slog.Debug("reset all session bindings")
}

// BindingKeys returns the live binding keys in sorted order.
func (r *Registry) BindingKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.bindings))
	for k := range r.bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// binding returns the live binding for a key, if any.
func (r *Registry) binding(sessionKey string) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[sessionKey]
}

// TurnActive reports whether a turn currently holds the session's turn
// lock. Best-effort: the answer can change the moment it returns, so it
// only suits callers that skip rather than depend on exclusion.
func (r *Registry) TurnActive(sessionKey string) bool {
	b := r.binding(sessionKey)
	if b == nil {
		return false
	}
	if b.TryLockTurn() {
		b.UnlockTurn()
		return false
	}
	return true
}

// ContextUsage summarizes how full a session's context window is.
type ContextUsage struct {
	UsedTokens   int     `json:"usedTokens"`
	TotalTokens  int     `json:"totalTokens"`
	Percentage   float64 `json:"percentage"`
	MessageCount int     `json:"messageCount"`
}

// GetContextUsage reports token usage for a session, preferring the
// live binding's working list over persisted context.
func (r *Registry) GetContextUsage(sessionKey string) (ContextUsage, error) {
	msgs, spec, _, err := r.sessionState(sessionKey)
	if err != nil {
		return ContextUsage{}, err
	}
	used := EstimateTokens(msgs)
	total := spec.EffectiveContextWindow()
	u := ContextUsage{
		UsedTokens:   used,
		TotalTokens:  total,
		MessageCount: len(msgs),
	}
	if total > 0 {
		u.Percentage = float64(used) / float64(total) * 100
	}
	return u, nil
}

// ContextBreakdown partitions session token usage by role.
type ContextBreakdown struct {
	SystemPromptTokens     int `json:"systemPromptTokens"`
	UserMessageTokens      int `json:"userMessageTokens"`
	AssistantMessageTokens int `json:"assistantMessageTokens"`
	ToolResultTokens       int `json:"toolResultTokens"`
	TotalTokens            int `json:"totalTokens"`
}

// GetContextBreakdown reports per-role token usage for a session.
// Bash execution records count as tool results.
func (r *Registry) GetContextBreakdown(sessionKey string) (ContextBreakdown, error) {
	msgs, _, b, err := r.sessionState(sessionKey)
	if err != nil {
		return ContextBreakdown{}, err
	}
	var out ContextBreakdown
	if b != nil {
		out.SystemPromptTokens = EstimateTextTokens(b.SystemPrompt())
	}
	for i := range msgs {
		t := EstimateMessageTokens(msgs[i])
		switch msgs[i].Role {
		case providers.RoleUser:
			out.UserMessageTokens += t
		case providers.RoleAssistant:
			out.AssistantMessageTokens += t
		case providers.RoleToolResult, providers.RoleBashExecution:
			out.ToolResultTokens += t
		}
	}
	out.TotalTokens = out.SystemPromptTokens + out.UserMessageTokens +
		out.AssistantMessageTokens + out.ToolResultTokens
	return out, nil
}

// ResolveSessionSpec returns the model spec the next turn on this key
// would use, without creating a binding.
func (r *Registry) ResolveSessionSpec(sessionKey, agentID string) (providers.ModelSpec, error) {
	if b := r.binding(sessionKey); b != nil {
		return b.Spec(), nil
	}
	if agentID == "" {
		if sess, ok := r.sessions.Get(sessionKey); ok && sess.AgentID != "" {
			agentID = sess.AgentID
		} else {
			agentID = r.cfg.ResolveDefaultAgentID()
		}
	}
	_, _, spec, err := r.resolveModel(sessionKey, r.cfg.ResolveAgent(agentID), "")
	return spec, err
}

// sessionState returns the message list and model spec backing a
// session: the live binding's when bound, otherwise persisted context
// with the model resolved through the usual precedence.
func (r *Registry) sessionState(sessionKey string) ([]providers.Message, providers.ModelSpec, *Binding, error) {
	if b := r.binding(sessionKey); b != nil {
		return b.Messages(), b.Spec(), b, nil
	}
	sess, ok := r.sessions.Get(sessionKey)
	if !ok {
		return nil, providers.ModelSpec{}, nil, fmt.Errorf("%w: %s", sessions.ErrNotFound, sessionKey)
	}
	agentID := sess.AgentID
	if agentID == "" {
		agentID = r.cfg.ResolveDefaultAgentID()
	}
	_, _, spec, err := r.resolveModel(sessionKey, r.cfg.ResolveAgent(agentID), "")
	if err != nil {
		// Metrics still make sense without a resolvable model; fall
		// back to the default window.
		spec = providers.ModelSpec{}
	}
	return sess.Context, spec, nil, nil
}

// Compact shrinks a session's history, replacing dropped messages with
// a generated summary, and persists the result. The live binding's
// working list is updated in place when bound.
func (r *Registry) Compact(ctx context.Context, sessionKey string) (CompactResult, error) {
	msgs, spec, b, err := r.sessionState(sessionKey)
	if err != nil {
		return CompactResult{}, err
	}
	agentID := sessions.AgentIDFromKey(sessionKey)
	if b != nil {
		agentID = b.AgentID
	}
	if agentID == "" {
		agentID = r.cfg.ResolveDefaultAgentID()
	}
	agent := r.cfg.ResolveAgent(agentID)

	var share float64
	if agent.Compaction != nil {
		share = agent.Compaction.MaxHistoryShare
	}

	res := CompactMessages(ctx, CompactOptions{
		Messages:            msgs,
		ContextWindowTokens: spec.EffectiveContextWindow(),
		MaxHistoryShare:     share,
		GenerateSummary:     r.summaryFunc(agent, b),
	})
	if res.DroppedCount == 0 {
		return res, nil
	}

	compacted := append([]providers.Message{CreateSummaryMessage(res.Summary)}, res.KeptMessages...)
	if _, err := r.sessions.Update(sessionKey, sessions.Update{
		Context: compacted,
		Summary: &res.Summary,
	}); err != nil {
		return res, fmt.Errorf("persist compacted session %s: %w", sessionKey, err)
	}
	if b != nil {
		b.SetMessages(compacted)
	}
	slog.Info("compacted session",
		"session", sessionKey, "dropped", res.DroppedCount,
		"kept", len(res.KeptMessages), "reclaimedTokens", res.TokensReclaimed)
	return res, nil
}

// summaryFunc builds the summarizer for compaction: the agent's
// lifecycle model when configured, else the session's active model.
func (r *Registry) summaryFunc(agent config.ResolvedAgent, b *Binding) SummaryFunc {
	var prov providers.Provider
	var spec providers.ModelSpec
	refs := make([]string, 0, 2+len(agent.LifecycleFallbacks))
	if agent.LifecycleModel != "" {
		refs = append(refs, agent.LifecycleModel)
	}
	refs = append(refs, agent.LifecycleFallbacks...)
	for _, ref := range refs {
		if p, s, err := r.models.Resolve(ref); err == nil {
			prov, spec = p, s
			break
		}
	}
	if prov == nil && b != nil {
		prov, spec = b.Provider(), b.Spec()
	}
	if prov == nil {
		return nil
	}

	return func(ctx context.Context, dropped []providers.Message, instruction string) (string, error) {
		var sb strings.Builder
		for i := range dropped {
			switch dropped[i].Role {
			case providers.RoleUser:
				sb.WriteString("user: ")
				sb.WriteString(dropped[i].TextContent())
				sb.WriteString("\n")
			case providers.RoleAssistant:
				sb.WriteString("assistant: ")
				sb.WriteString(dropped[i].TextContent())
				sb.WriteString("\n")
			}
		}
		resp, err := prov.Chat(ctx, providers.ChatRequest{
			Messages: []providers.Message{
				providers.NewUserMessage(instruction + "\n\n" + sb.String()),
			},
			Model: spec.Model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   1024,
				providers.OptTemperature: 0.3,
			},
		})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Content), nil
	}
}

// ModelRouteResult reports modality routing: either the session's model
// already accepts the input, a switch happened, or every candidate was
// exhausted.
type ModelRouteResult struct {
	OK         bool     `json:"ok"`
	Switched   string   `json:"switched,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// EnsureSessionModelForInput checks that the session's model accepts
// the given input modalities and otherwise walks the candidate chain
// (modality-specific primary, modality fallbacks, default fallbacks),
// switching via a runtime override on the first compatible candidate.
func (r *Registry) EnsureSessionModelForInput(sessionKey string, modalities []string) (ModelRouteResult, error) {
	required := make([]string, 0, len(modalities))
	for _, m := range modalities {
		if m != "" && m != "text" {
			required = append(required, m)
		}
	}
	if len(required) == 0 {
		return ModelRouteResult{OK: true}, nil
	}

	agentID := sessions.AgentIDFromKey(sessionKey)
	if b := r.binding(sessionKey); b != nil {
		agentID = b.AgentID
	} else if sess, ok := r.sessions.Get(sessionKey); ok && sess.AgentID != "" {
		agentID = sess.AgentID
	}
	if agentID == "" {
		agentID = r.cfg.ResolveDefaultAgentID()
	}
	agent := r.cfg.ResolveAgent(agentID)

	ref, _, spec, err := r.resolveModel(sessionKey, agent, "")
	if err != nil {
		return ModelRouteResult{}, err
	}
	if supportsAll(spec, required) {
		return ModelRouteResult{OK: true}, nil
	}

	var candidates []string
	for _, m := range required {
		if m == "image" && agent.ImageModel != "" {
			candidates = append(candidates, agent.ImageModel)
		}
	}
	candidates = append(candidates, agent.ImageFallbacks...)
	candidates = append(candidates, agent.FallbackModels...)

	tried := make([]string, 0, len(candidates))
	seen := map[string]bool{ref: true}
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		tried = append(tried, c)
		_, cspec, err := r.models.Resolve(c)
		if err != nil {
			continue
		}
		if !supportsAll(cspec, required) {
			continue
		}
		if err := r.SetSessionModel(sessionKey, c, false); err != nil {
			return ModelRouteResult{}, err
		}
		slog.Info("routed session to input-capable model",
			"session", sessionKey, "from", ref, "to", c, "modalities", required)
		return ModelRouteResult{OK: true, Switched: c}, nil
	}
	return ModelRouteResult{OK: false, Candidates: tried}, nil
}

func supportsAll(spec providers.ModelSpec, modalities []string) bool {
	for _, m := range modalities {
		if !spec.SupportsInput(m) {
			return false
		}
	}
	return true
}
