package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/moziai/mozi/internal/config"
)

// DefaultContextWindow is assumed for models whose catalog entry does not
// declare a context window.
const DefaultContextWindow = 128000

// API family identifiers accepted in the model catalog.
const (
	APIAnthropic = "anthropic-messages"
	APIOpenAI    = "openai-completions"
)

// ModelSpec describes one model the runtime may bind: where it lives, what
// it accepts and how large its window is.
type ModelSpec struct {
	Provider      string            `json:"provider"`
	Model         string            `json:"model"`
	API           string            `json:"api,omitempty"`
	BaseURL       string            `json:"baseURL,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Reasoning     bool              `json:"reasoning,omitempty"`
	Input         []string          `json:"input,omitempty"` // accepted modalities, default ["text"]
	ContextWindow int               `json:"contextWindow,omitempty"`
	MaxTokens     int               `json:"maxTokens,omitempty"`
}

// Ref returns the "provider/model" reference for this spec.
func (s ModelSpec) Ref() string {
	return s.Provider + "/" + s.Model
}

// SupportsInput reports whether the model accepts the given modality.
// Specs without declared modalities accept text only.
func (s ModelSpec) SupportsInput(modality string) bool {
	if len(s.Input) == 0 {
		return modality == "text"
	}
	for _, m := range s.Input {
		if strings.EqualFold(m, modality) {
			return true
		}
	}
	return false
}

// EffectiveContextWindow returns the declared window or the default.
func (s ModelSpec) EffectiveContextWindow() int {
	if s.ContextWindow > 0 {
		return s.ContextWindow
	}
	return DefaultContextWindow
}

// ParseRef splits a "provider/model" reference at the first slash. Model
// ids may themselves contain slashes (OpenRouter).
func ParseRef(ref string) (provider, model string, err error) {
	i := strings.Index(ref, "/")
	if i <= 0 || i == len(ref)-1 {
		return "", "", fmt.Errorf("invalid model reference %q, want provider/model", ref)
	}
	return ref[:i], ref[i+1:], nil
}

// Registry holds the configured provider transports and the model catalog.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	specs     map[string]ModelSpec // keyed by "provider/model"
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		specs:     make(map[string]ModelSpec),
	}
}

// Register adds a provider transport, replacing any previous registration
// under the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// RegisterSpec adds a catalog entry.
func (r *Registry) RegisterSpec(spec ModelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Ref()] = spec
}

// Get returns a provider transport by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Lookup returns the catalog entry for a "provider/model" reference.
func (r *Registry) Lookup(ref string) (ModelSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[ref]
	return spec, ok
}

// Resolve maps a "provider/model" reference to its transport and spec.
// References absent from the catalog still resolve when the provider is
// registered; the returned spec then carries defaults only.
func (r *Registry) Resolve(ref string) (Provider, ModelSpec, error) {
	providerID, model, err := ParseRef(ref)
	if err != nil {
		return nil, ModelSpec{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[providerID]
	if !ok {
		return nil, ModelSpec{}, fmt.Errorf("provider %q is not configured", providerID)
	}
	spec, ok := r.specs[ref]
	if !ok {
		spec = ModelSpec{Provider: providerID, Model: model}
	}
	return p, spec, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs returns the catalog entries sorted by reference.
func (r *Registry) Specs() []ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out
}

// FromConfig builds a registry from the models section: one transport per
// configured provider plus a catalog entry per model. Providers without an
// API key are skipped so a partial config still boots.
func FromConfig(models config.ModelsConfig) *Registry {
	r := NewRegistry()

	defaults := defaultModelsByProvider(models.Catalog)

	for name, pc := range models.Providers {
		if pc.APIKey == "" {
			slog.Debug("skipping provider without api key", "provider", name)
			continue
		}
		switch {
		case pc.API == APIAnthropic || (pc.API == "" && name == "anthropic"):
			opts := []AnthropicOption{WithAnthropicBaseURL(pc.BaseURL)}
			if dm := defaults[name]; dm != "" {
				opts = append(opts, WithAnthropicModel(dm))
			}
			if len(pc.Headers) > 0 {
				opts = append(opts, WithAnthropicHeaders(pc.Headers))
			}
			r.Register(NewAnthropicProvider(pc.APIKey, opts...))
		case name == "dashscope":
			r.Register(NewDashScopeProvider(pc.APIKey, pc.BaseURL, defaults[name]))
		default:
			p := NewOpenAIProvider(name, pc.APIKey, pc.BaseURL, defaults[name])
			if len(pc.Headers) > 0 {
				p.WithHeaders(pc.Headers)
			}
			r.Register(p)
		}
		slog.Info("registered provider", "name", name)
	}

	for _, entry := range models.Catalog {
		pc := models.Providers[entry.Provider]
		spec := ModelSpec{
			Provider:      entry.Provider,
			Model:         entry.Model,
			API:           entry.API,
			BaseURL:       entry.BaseURL,
			Headers:       pc.Headers,
			Reasoning:     entry.Reasoning,
			Input:         entry.Input,
			ContextWindow: entry.ContextWindow,
			MaxTokens:     entry.MaxTokens,
		}
		if spec.API == "" {
			spec.API = pc.API
		}
		if spec.BaseURL == "" {
			spec.BaseURL = pc.BaseURL
		}
		if len(spec.Input) == 0 {
			spec.Input = []string{"text"}
		}
		r.RegisterSpec(spec)
	}

	return r
}

// defaultModelsByProvider picks each provider's first catalog model as its
// transport default.
func defaultModelsByProvider(catalog []config.ModelEntry) map[string]string {
	out := make(map[string]string)
	for _, entry := range catalog {
		if _, ok := out[entry.Provider]; !ok {
			out[entry.Provider] = entry.Model
		}
	}
	return out
}
