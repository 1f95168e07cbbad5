package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/moziai/mozi/internal/sandbox"
)

// FlexibleStringSlice accepts "str", ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = []string{single}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Mozi runtime.
type Config struct {
	Logging   LoggingConfig            `json:"logging,omitempty"`
	Paths     PathsConfig              `json:"paths,omitempty"`
	Gateway   GatewayConfig            `json:"gateway,omitempty"`
	Telemetry TelemetryConfig          `json:"telemetry,omitempty"`
	Runtime   RuntimeConfig            `json:"runtime,omitempty"`
	Models    ModelsConfig             `json:"models,omitempty"`
	Agents    AgentsConfig             `json:"agents,omitempty"`
	Channels  map[string]ChannelConfig `json:"channels,omitempty"`
	Policies  PoliciesConfig           `json:"policies,omitempty"`
	mu        sync.RWMutex
}

// LoggingConfig controls the process-wide slog handler.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // "debug", "info" (default), "warn", "error"
	Format string `json:"format,omitempty"` // "text" (default) or "json"
	File   string `json:"file,omitempty"`   // optional log file, default stderr
}

// PathsConfig locates all persisted runtime state. Every field defaults
// relative to Base, which defaults to ~/.mozi.
type PathsConfig struct {
	Base     string `json:"base,omitempty"`
	Sessions string `json:"sessions,omitempty"` // {base}/sessions
	Agents   string `json:"agents,omitempty"`   // {base}/agents
	Secrets  string `json:"secrets,omitempty"`  // {base}/secrets.db
	Skills   string `json:"skills,omitempty"`   // {base}/skills
}

// GatewayConfig configures the WebSocket gateway listener.
type GatewayConfig struct {
	Host            string              `json:"host,omitempty"` // default "127.0.0.1"
	Port            int                 `json:"port,omitempty"` // default 18789
	Token           string              `json:"token,omitempty"`
	AllowedOrigins  FlexibleStringSlice `json:"allowedOrigins,omitempty"`
	RateLimitPerMin int                 `json:"rateLimitPerMin,omitempty"` // 0 = unlimited
	MaxMessageChars int                 `json:"maxMessageChars,omitempty"` // default 32000
}

// TelemetryConfig configures OpenTelemetry trace export. When disabled,
// spans still record to the in-process collector for context metrics.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"` // default "mozi-gateway"
	Headers     map[string]string `json:"headers,omitempty"`
}

// RuntimeConfig carries cross-cutting runtime switches.
type RuntimeConfig struct {
	// SanitizeToolSchema overrides the per-model tool schema sanitizer.
	// nil = decide from the model id, false = never sanitize.
	SanitizeToolSchema *bool      `json:"sanitizeToolSchema,omitempty"`
	Auth               AuthConfig `json:"auth,omitempty"`
	// MaxTotalBytes caps the total byte size of provider input built from
	// one inbound message. 0 = unlimited.
	MaxTotalBytes int64 `json:"maxTotalBytes,omitempty"`
}

// AuthConfig configures the secret broker.
type AuthConfig struct {
	DefaultScope string `json:"defaultScope,omitempty"` // "agent" (default) or "global"
	MasterKeyEnv string `json:"masterKeyEnv,omitempty"` // default "MOZI_MASTER_KEY"
}

// ModelsConfig declares provider credentials and the model catalog.
type ModelsConfig struct {
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	Catalog   []ModelEntry              `json:"catalog,omitempty"`
}

// ProviderConfig holds per-provider connection settings. The map key is
// the provider id used in "provider/model" references.
type ProviderConfig struct {
	APIKey  string            `json:"apiKey,omitempty"`
	BaseURL string            `json:"baseURL,omitempty"`
	API     string            `json:"api,omitempty"` // "anthropic-messages", "openai-completions", "google-generative-ai"
	Headers map[string]string `json:"headers,omitempty"`
}

// ModelEntry is one catalog row describing a model the runtime may bind.
type ModelEntry struct {
	Provider      string              `json:"provider"`
	Model         string              `json:"model"`
	API           string              `json:"api,omitempty"`     // overrides the provider's API family
	BaseURL       string              `json:"baseURL,omitempty"` // overrides the provider's base URL
	Reasoning     bool                `json:"reasoning,omitempty"`
	Input         FlexibleStringSlice `json:"input,omitempty"` // accepted modalities, default ["text"]
	ContextWindow int                 `json:"contextWindow,omitempty"`
	MaxTokens     int                 `json:"maxTokens,omitempty"`
}

// Ref returns the catalog entry's "provider/model" reference.
func (m ModelEntry) Ref() string {
	return m.Provider + "/" + m.Model
}

// AgentsConfig contains agent defaults and per-agent entries.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults,omitempty"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings inherited by every agent.
type AgentDefaults struct {
	Model              string                `json:"model,omitempty"` // primary "provider/model" reference
	FallbackModels     FlexibleStringSlice   `json:"fallbackModels,omitempty"`
	ImageModel         string                `json:"imageModel,omitempty"` // routed to when input carries images
	ImageFallbacks     FlexibleStringSlice   `json:"imageFallbacks,omitempty"`
	LifecycleModel     string                `json:"lifecycleModel,omitempty"` // used for compaction summaries and announcements
	LifecycleFallbacks FlexibleStringSlice   `json:"lifecycleFallbacks,omitempty"`
	ThinkingLevel      string                `json:"thinkingLevel,omitempty"` // "off" (default), "low", "medium", "high"
	TimeoutSeconds     int                   `json:"timeoutSeconds,omitempty"`
	MaxToolIterations  int                   `json:"maxToolIterations,omitempty"`
	Tools              FlexibleStringSlice   `json:"tools,omitempty"`
	Skills             FlexibleStringSlice   `json:"skills,omitempty"`
	ExecAllowlist      FlexibleStringSlice   `json:"execAllowlist,omitempty"`
	AllowedSecrets     FlexibleStringSlice   `json:"allowedSecrets,omitempty"`
	Subagents          *SubagentsConfig      `json:"subagents,omitempty"`
	Sandbox            *SandboxConfig        `json:"sandbox,omitempty"`
	ContextPruning     *ContextPruningConfig `json:"contextPruning,omitempty"`
	Compaction         *CompactionConfig     `json:"compaction,omitempty"`
	Heartbeat          *HeartbeatConfig      `json:"heartbeat,omitempty"`
}

// AgentSpec is one agent entry. Zero values inherit from defaults.
type AgentSpec struct {
	Main               bool                  `json:"main,omitempty"` // default agent for unbound messages
	DisplayName        string                `json:"displayName,omitempty"`
	Home               string                `json:"home,omitempty"`      // identity files, default {paths.agents}/{id}/home
	Workspace          string                `json:"workspace,omitempty"` // scratch dir, default {paths.agents}/{id}/workspace
	SystemPrompt       string                `json:"systemPrompt,omitempty"`
	Model              string                `json:"model,omitempty"`
	FallbackModels     FlexibleStringSlice   `json:"fallbackModels,omitempty"`
	ImageModel         string                `json:"imageModel,omitempty"`
	ImageFallbacks     FlexibleStringSlice   `json:"imageFallbacks,omitempty"`
	LifecycleModel     string                `json:"lifecycleModel,omitempty"`
	LifecycleFallbacks FlexibleStringSlice   `json:"lifecycleFallbacks,omitempty"`
	ThinkingLevel      string                `json:"thinkingLevel,omitempty"`
	TimeoutSeconds     int                   `json:"timeoutSeconds,omitempty"`
	MaxToolIterations  int                   `json:"maxToolIterations,omitempty"`
	Tools              FlexibleStringSlice   `json:"tools,omitempty"`
	Skills             FlexibleStringSlice   `json:"skills,omitempty"`
	ExecAllowlist      FlexibleStringSlice   `json:"execAllowlist,omitempty"`
	AllowedSecrets     FlexibleStringSlice   `json:"allowedSecrets,omitempty"`
	Subagents          *SubagentsConfig      `json:"subagents,omitempty"`
	Sandbox            *SandboxConfig        `json:"sandbox,omitempty"`
	ContextPruning     *ContextPruningConfig `json:"contextPruning,omitempty"`
	Compaction         *CompactionConfig     `json:"compaction,omitempty"`
	Heartbeat          *HeartbeatConfig      `json:"heartbeat,omitempty"`
}

// SubagentsConfig configures delegation to child agents.
type SubagentsConfig struct {
	Allow         FlexibleStringSlice `json:"allow,omitempty"`         // agent ids this agent may spawn
	MaxConcurrent int                 `json:"maxConcurrent,omitempty"` // per parent session, default 2
	Model         string              `json:"model,omitempty"`         // model override for ephemeral subagents
}

// ContextPruningConfig tunes in-context trimming of old tool results.
type ContextPruningConfig struct {
	Enabled            *bool                    `json:"enabled,omitempty"`            // default true
	SoftTrimRatio      float64                  `json:"softTrimRatio,omitempty"`      // start soft trim at this share of the window (default 0.5)
	HardClearRatio     float64                  `json:"hardClearRatio,omitempty"`     // start hard clear at this share (default 0.7)
	KeepLastAssistants int                      `json:"keepLastAssistants,omitempty"` // protect last N assistant spans (default 3)
	MinPrunableChars   int                      `json:"minPrunableChars,omitempty"`   // skip pruning below this many prunable chars (default 20000)
	SoftTrim           *ContextPruningSoftTrim  `json:"softTrim,omitempty"`
	HardClear          *ContextPruningHardClear `json:"hardClear,omitempty"`
	ProtectedTools     FlexibleStringSlice      `json:"protectedTools,omitempty"` // never pruned, merged with the built-in file tools
}

// ContextPruningSoftTrim configures how long tool results are trimmed.
type ContextPruningSoftTrim struct {
	MaxChars  int `json:"maxChars,omitempty"`  // results longer than this get trimmed (default 4000)
	HeadChars int `json:"headChars,omitempty"` // keep first N chars (default 1500)
	TailChars int `json:"tailChars,omitempty"` // keep last N chars (default 1500)
}

// ContextPruningHardClear configures replacement of old tool results.
type ContextPruningHardClear struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

// CompactionConfig configures LLM-based history summarization.
type CompactionConfig struct {
	ReserveTokensFloor int     `json:"reserveTokensFloor,omitempty"` // min reserve for the reply (default 20000)
	MaxHistoryShare    float64 `json:"maxHistoryShare,omitempty"`    // history share of the window before pruning (default 0.5)
	KeepLastMessages   int     `json:"keepLastMessages,omitempty"`   // messages kept verbatim after compaction (default 4)
}

// HeartbeatConfig schedules periodic autonomous agent turns.
type HeartbeatConfig struct {
	Enabled     bool               `json:"enabled,omitempty"`
	Cron        string             `json:"cron,omitempty"`  // cron expression, e.g. "*/30 * * * *"
	Every       string             `json:"every,omitempty"` // duration alternative to cron: "30m", "1h"
	Prompt      string             `json:"prompt,omitempty"`
	Model       string             `json:"model,omitempty"`
	ActiveHours *ActiveHoursConfig `json:"activeHours,omitempty"`
}

// ActiveHoursConfig restricts heartbeats to a time window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"`    // "HH:MM" inclusive
	End      string `json:"end,omitempty"`      // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"` // IANA name, default local
}

// SandboxConfig is the JSON shape of the per-agent sandbox settings.
type SandboxConfig struct {
	Mode            string              `json:"mode,omitempty"` // "off" (default), "docker", "apple-vm"
	Image           string              `json:"image,omitempty"`
	WorkspaceAccess string              `json:"workspaceAccess,omitempty"` // "none", "ro", "rw" (default)
	Mounts          FlexibleStringSlice `json:"mounts,omitempty"`
	Env             map[string]string   `json:"env,omitempty"`
	Network         bool                `json:"network,omitempty"`
	AutoBootstrap   bool                `json:"autoBootstrap,omitempty"`
	TimeoutMs       int                 `json:"timeoutMs,omitempty"`
	MaxOutputBytes  int                 `json:"maxOutputBytes,omitempty"`
	Apple           *AppleSandboxConfig `json:"apple,omitempty"`
}

// AppleSandboxConfig is the JSON shape of the apple-vm backend settings.
type AppleSandboxConfig struct {
	Backend string                `json:"backend,omitempty"` // "native" (default) or "vibebox"
	Vibebox *VibeboxSandboxConfig `json:"vibebox,omitempty"`
}

// VibeboxSandboxConfig is the JSON shape of the vibebox bridge settings.
type VibeboxSandboxConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	BinPath     string `json:"binPath,omitempty"`
	Provider    string `json:"provider,omitempty"`
	ProjectRoot string `json:"projectRoot,omitempty"`
}

// ToSandboxConfig converts config.SandboxConfig into sandbox.Config with
// defaults applied. The exec allowlist is attached by the caller since it
// resolves per agent.
func (sc *SandboxConfig) ToSandboxConfig() sandbox.Config {
	cfg := sandbox.DefaultConfig()

	if sc == nil {
		return cfg
	}

	switch sc.Mode {
	case "docker":
		cfg.Mode = sandbox.ModeDocker
	case "apple-vm":
		cfg.Mode = sandbox.ModeAppleVM
	default:
		cfg.Mode = sandbox.ModeOff
	}

	if sc.Image != "" {
		cfg.Image = sc.Image
	}
	switch sc.WorkspaceAccess {
	case "none":
		cfg.WorkspaceAccess = sandbox.AccessNone
	case "ro":
		cfg.WorkspaceAccess = sandbox.AccessRO
	case "rw":
		cfg.WorkspaceAccess = sandbox.AccessRW
	}
	if len(sc.Mounts) > 0 {
		cfg.Mounts = sc.Mounts
	}
	if len(sc.Env) > 0 {
		cfg.Env = sc.Env
	}
	cfg.NetworkEnabled = sc.Network
	cfg.AutoBootstrap = sc.AutoBootstrap
	if sc.TimeoutMs > 0 {
		cfg.TimeoutMs = sc.TimeoutMs
	}
	if sc.MaxOutputBytes > 0 {
		cfg.MaxOutputBytes = sc.MaxOutputBytes
	}
	if sc.Apple != nil {
		cfg.Apple.Backend = sc.Apple.Backend
		if sc.Apple.Vibebox != nil {
			cfg.Apple.Vibebox = &sandbox.VibeboxConfig{
				Enabled:     sc.Apple.Vibebox.Enabled,
				BinPath:     sc.Apple.Vibebox.BinPath,
				Provider:    sc.Apple.Vibebox.Provider,
				ProjectRoot: sc.Apple.Vibebox.ProjectRoot,
			}
		}
	}

	return cfg
}

// ChannelConfig is the per-channel configuration, keyed by channel id.
type ChannelConfig struct {
	Enabled      bool                `json:"enabled,omitempty"`
	HistoryLimit *HistoryLimitConfig `json:"historyLimit,omitempty"`
	Capabilities *CapabilitySpec     `json:"capabilities,omitempty"`
}

// HistoryLimitConfig bounds how many prior turns are replayed into a
// fresh agent binding. 0 = unlimited.
type HistoryLimitConfig struct {
	DM    int `json:"dm,omitempty"`
	Group int `json:"group,omitempty"`
}

// PoliciesConfig holds operator-level restrictions layered over channel
// and provider capabilities.
type PoliciesConfig struct {
	Capabilities *CapabilitySpec `json:"capabilities,omitempty"`
}

// CapabilitySpec declares per-modality limits for one capability profile.
// Keys of Input/Output are modality names: text, image, audio, video, file.
type CapabilitySpec struct {
	Input  map[string]ModalityLimitSpec `json:"input,omitempty"`
	Output map[string]ModalityLimitSpec `json:"output,omitempty"`
}

// ModalityLimitSpec bounds a single modality.
type ModalityLimitSpec struct {
	Enabled           *bool               `json:"enabled,omitempty"` // default true
	MaxBytes          int64               `json:"maxBytes,omitempty"`
	MaxDurationMs     int64               `json:"maxDurationMs,omitempty"`
	AcceptedMimeTypes FlexibleStringSlice `json:"acceptedMimeTypes,omitempty"`
}

// DefaultAgentID is used when no agent entry is marked main and the list
// is empty.
const DefaultAgentID = "main"

// ResolvedAgent is the effective configuration for one agent after
// merging defaults, the agent's own entry, and path fallbacks.
type ResolvedAgent struct {
	ID                 string
	DisplayName        string
	Home               string
	Workspace          string
	SystemPrompt       string
	Model              string
	FallbackModels     []string
	ImageModel         string
	ImageFallbacks     []string
	LifecycleModel     string
	LifecycleFallbacks []string
	ThinkingLevel      string
	TimeoutSeconds     int
	MaxToolIterations  int
	Tools              []string
	Skills             []string
	ExecAllowlist      []string
	AllowedSecrets     []string
	Subagents          SubagentsConfig
	Sandbox            *SandboxConfig
	ContextPruning     *ContextPruningConfig
	Compaction         *CompactionConfig
	Heartbeat          *HeartbeatConfig
}

// ResolveAgent returns the effective configuration for agentID, merging
// defaults with the agent's entry. Unknown ids resolve against defaults
// only, so callers can bind ephemeral agents.
func (c *Config) ResolveAgent(agentID string) ResolvedAgent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	r := ResolvedAgent{
		ID:                 agentID,
		Model:              d.Model,
		FallbackModels:     d.FallbackModels,
		ImageModel:         d.ImageModel,
		ImageFallbacks:     d.ImageFallbacks,
		LifecycleModel:     d.LifecycleModel,
		LifecycleFallbacks: d.LifecycleFallbacks,
		ThinkingLevel:      d.ThinkingLevel,
		TimeoutSeconds:     d.TimeoutSeconds,
		MaxToolIterations:  d.MaxToolIterations,
		Tools:              d.Tools,
		Skills:             d.Skills,
		ExecAllowlist:      d.ExecAllowlist,
		AllowedSecrets:     d.AllowedSecrets,
		Sandbox:            d.Sandbox,
		ContextPruning:     d.ContextPruning,
		Compaction:         d.Compaction,
		Heartbeat:          d.Heartbeat,
	}
	if d.Subagents != nil {
		r.Subagents = *d.Subagents
	}
	if r.TimeoutSeconds <= 0 {
		r.TimeoutSeconds = 300
	}
	if r.MaxToolIterations <= 0 {
		r.MaxToolIterations = 20
	}
	if r.Subagents.MaxConcurrent <= 0 {
		r.Subagents.MaxConcurrent = 2
	}

	spec, ok := c.Agents.List[agentID]
	if ok {
		if spec.DisplayName != "" {
			r.DisplayName = spec.DisplayName
		}
		if spec.Home != "" {
			r.Home = spec.Home
		}
		if spec.Workspace != "" {
			r.Workspace = spec.Workspace
		}
		if spec.SystemPrompt != "" {
			r.SystemPrompt = spec.SystemPrompt
		}
		if spec.Model != "" {
			r.Model = spec.Model
		}
		if len(spec.FallbackModels) > 0 {
			r.FallbackModels = spec.FallbackModels
		}
		if spec.ImageModel != "" {
			r.ImageModel = spec.ImageModel
		}
		if len(spec.ImageFallbacks) > 0 {
			r.ImageFallbacks = spec.ImageFallbacks
		}
		if spec.LifecycleModel != "" {
			r.LifecycleModel = spec.LifecycleModel
		}
		if len(spec.LifecycleFallbacks) > 0 {
			r.LifecycleFallbacks = spec.LifecycleFallbacks
		}
		if spec.ThinkingLevel != "" {
			r.ThinkingLevel = spec.ThinkingLevel
		}
		if spec.TimeoutSeconds > 0 {
			r.TimeoutSeconds = spec.TimeoutSeconds
		}
		if spec.MaxToolIterations > 0 {
			r.MaxToolIterations = spec.MaxToolIterations
		}
		if len(spec.Tools) > 0 {
			r.Tools = spec.Tools
		}
		if len(spec.Skills) > 0 {
			r.Skills = spec.Skills
		}
		if len(spec.ExecAllowlist) > 0 {
			r.ExecAllowlist = spec.ExecAllowlist
		}
		if len(spec.AllowedSecrets) > 0 {
			r.AllowedSecrets = spec.AllowedSecrets
		}
		if spec.Subagents != nil {
			r.Subagents = *spec.Subagents
			if r.Subagents.MaxConcurrent <= 0 {
				r.Subagents.MaxConcurrent = 2
			}
		}
		if spec.Sandbox != nil {
			r.Sandbox = spec.Sandbox
		}
		if spec.ContextPruning != nil {
			r.ContextPruning = spec.ContextPruning
		}
		if spec.Compaction != nil {
			r.Compaction = spec.Compaction
		}
		if spec.Heartbeat != nil {
			r.Heartbeat = spec.Heartbeat
		}
	}

	if r.DisplayName == "" {
		r.DisplayName = agentID
	}
	agentsDir := c.Paths.Agents
	if r.Home == "" {
		r.Home = filepath.Join(agentsDir, agentID, "home")
	} else {
		r.Home = ExpandHome(r.Home)
	}
	if r.Workspace == "" {
		r.Workspace = filepath.Join(agentsDir, agentID, "workspace")
	} else {
		r.Workspace = ExpandHome(r.Workspace)
	}

	return r
}

// ResolveDefaultAgentID returns the agent marked main, else the first
// declared id in sorted order, else DefaultAgentID.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.Agents.List))
	for id, spec := range c.Agents.List {
		if spec.Main {
			return id
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return DefaultAgentID
	}
	sort.Strings(ids)
	return ids[0]
}

// AgentIDs returns all declared agent ids in sorted order.
func (c *Config) AgentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.Agents.List))
	for id := range c.Agents.List {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HistoryLimitFor returns the replay turn limit for a channel and peer
// kind ("dm" or "group"). 0 = unlimited.
func (c *Config) HistoryLimitFor(channelID, peerKind string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, ok := c.Channels[channelID]
	if !ok || ch.HistoryLimit == nil {
		return 0
	}
	if peerKind == "group" {
		return ch.HistoryLimit.Group
	}
	return ch.HistoryLimit.DM
}

// ChannelCapabilities returns the capability spec declared for a channel,
// or nil when the channel carries no restrictions.
func (c *Config) ChannelCapabilities(channelID string) *CapabilitySpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, ok := c.Channels[channelID]
	if !ok {
		return nil
	}
	return ch.Capabilities
}

// PolicyCapabilities returns the operator capability policy, or nil when
// none is declared.
func (c *Config) PolicyCapabilities() *CapabilitySpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Policies.Capabilities
}

// MaxTotalInputBytes returns the configured cap on provider input built
// from one inbound message. 0 = unlimited.
func (c *Config) MaxTotalInputBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Runtime.MaxTotalBytes
}

// ShouldSanitizeToolSchema reports whether tool schemas must be rewritten
// for the given model reference. True iff the model id contains "gemini"
// (case-insensitive) and runtime.sanitizeToolSchema is not explicitly
// false.
func (c *Config) ShouldSanitizeToolSchema(modelRef string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Runtime.SanitizeToolSchema != nil && !*c.Runtime.SanitizeToolSchema {
		return false
	}
	return strings.Contains(strings.ToLower(modelRef), "gemini")
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the reload path to swap configuration in place.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logging = src.Logging
	c.Paths = src.Paths
	c.Gateway = src.Gateway
	c.Telemetry = src.Telemetry
	c.Runtime = src.Runtime
	c.Models = src.Models
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Policies = src.Policies
}
