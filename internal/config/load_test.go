package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	res := LoadFile(filepath.Join(t.TempDir(), "config.jsonc"))
	if !res.Success {
		t.Fatalf("expected success, got errors: %v", res.Errors)
	}
	cfg := res.Config
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 18789 {
		t.Errorf("gateway defaults = %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Runtime.Auth.DefaultScope != "agent" {
		t.Errorf("runtime.auth.defaultScope = %q", cfg.Runtime.Auth.DefaultScope)
	}
	if cfg.Runtime.Auth.MasterKeyEnv != "MOZI_MASTER_KEY" {
		t.Errorf("runtime.auth.masterKeyEnv = %q", cfg.Runtime.Auth.MasterKeyEnv)
	}
}

func TestLoadParsesJSONC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	writeFile(t, path, `{
		// comments are allowed
		"logging": { "level": "debug" },
		"gateway": { "port": 9000 }, // trailing comment
	}`)

	res := LoadFile(path)
	if !res.Success {
		t.Fatalf("load failed: %v", res.Errors)
	}
	if res.Config.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", res.Config.Logging.Level)
	}
	if res.Config.Gateway.Port != 9000 {
		t.Errorf("gateway.port = %d", res.Config.Gateway.Port)
	}
}

func TestLoadIncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.jsonc"), `{
		"logging": { "level": "info", "format": "json" },
		"models": {
			"catalog": [
				{ "provider": "anthropic", "model": "claude-sonnet-4-5" }
			]
		}
	}`)
	path := filepath.Join(dir, "config.jsonc")
	writeFile(t, path, `{
		"$include": "base.jsonc",
		"logging": { "level": "debug" },
		"models": {
			"catalog": [
				{ "provider": "openai", "model": "gpt-4o-mini" }
			]
		}
	}`)

	res := LoadFile(path)
	if !res.Success {
		t.Fatalf("load failed: %v", res.Errors)
	}
	cfg := res.Config
	if cfg.Logging.Level != "debug" {
		t.Errorf("scalar should be overwritten by the including file, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("object merge should keep included values, got format %q", cfg.Logging.Format)
	}
	if len(cfg.Models.Catalog) != 2 {
		t.Fatalf("arrays should concatenate, got %d entries", len(cfg.Models.Catalog))
	}
	if cfg.Models.Catalog[0].Provider != "anthropic" || cfg.Models.Catalog[1].Provider != "openai" {
		t.Errorf("catalog order = %s, %s", cfg.Models.Catalog[0].Provider, cfg.Models.Catalog[1].Provider)
	}
}

func TestLoadIncludeCycleFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.jsonc"), `{ "$include": "b.jsonc" }`)
	writeFile(t, filepath.Join(dir, "b.jsonc"), `{ "$include": "a.jsonc" }`)

	res := LoadFile(filepath.Join(dir, "a.jsonc"))
	if res.Success {
		t.Fatal("cyclic include should fail")
	}
	if len(res.Errors) == 0 {
		t.Fatal("expected depth error")
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("MOZI_TEST_TOKEN", "tok-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	writeFile(t, path, `{
		"gateway": { "token": "${MOZI_TEST_TOKEN}", "host": "${MOZI_TEST_UNSET_VAR}" }
	}`)

	res := LoadFile(path)
	if !res.Success {
		t.Fatalf("load failed: %v", res.Errors)
	}
	if res.Config.Gateway.Token != "tok-123" {
		t.Errorf("token = %q", res.Config.Gateway.Token)
	}
	if res.Config.Gateway.Host != "${MOZI_TEST_UNSET_VAR}" {
		t.Errorf("unset reference should stay literal, got %q", res.Config.Gateway.Host)
	}
}

func TestLoadSchemaValidation(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"wrong port type", `{ "gateway": { "port": "nope" } }`},
		{"bad thinking level", `{ "agents": { "defaults": { "thinkingLevel": "ultra" } } }`},
		{"catalog entry missing model", `{ "models": { "catalog": [ { "provider": "openai" } ] } }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "config.jsonc")
			writeFile(t, path, tt.content)
			res := LoadFile(path)
			if res.Success {
				t.Fatal("expected validation failure")
			}
			if len(res.Errors) == 0 {
				t.Fatal("expected error messages")
			}
		})
	}
}

func TestResolveAgentPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Paths.Agents = filepath.Join(dir, "agents")
	cfg.Agents.List = map[string]AgentSpec{"mozi": {}}

	r := cfg.ResolveAgent("mozi")
	if want := filepath.Join(dir, "agents", "mozi", "home"); r.Home != want {
		t.Errorf("home = %q, want %q", r.Home, want)
	}
	if want := filepath.Join(dir, "agents", "mozi", "workspace"); r.Workspace != want {
		t.Errorf("workspace = %q, want %q", r.Workspace, want)
	}
	if r.TimeoutSeconds != 300 {
		t.Errorf("timeoutSeconds = %d", r.TimeoutSeconds)
	}
	if r.Subagents.MaxConcurrent != 2 {
		t.Errorf("subagents.maxConcurrent = %d", r.Subagents.MaxConcurrent)
	}
}

func TestResolveAgentOverrides(t *testing.T) {
	cfg := Default()
	cfg.Agents.Defaults.Model = "anthropic/claude-sonnet-4-5"
	cfg.Agents.Defaults.ThinkingLevel = "low"
	cfg.Agents.List = map[string]AgentSpec{
		"dev": {
			Model:          "openai/gpt-4o-mini",
			TimeoutSeconds: 60,
		},
	}

	r := cfg.ResolveAgent("dev")
	if r.Model != "openai/gpt-4o-mini" {
		t.Errorf("model = %q", r.Model)
	}
	if r.ThinkingLevel != "low" {
		t.Errorf("thinkingLevel should inherit, got %q", r.ThinkingLevel)
	}
	if r.TimeoutSeconds != 60 {
		t.Errorf("timeoutSeconds = %d", r.TimeoutSeconds)
	}
}

func TestResolveDefaultAgentID(t *testing.T) {
	cfg := Default()
	if got := cfg.ResolveDefaultAgentID(); got != DefaultAgentID {
		t.Errorf("empty list = %q", got)
	}

	cfg.Agents.List = map[string]AgentSpec{"zeta": {}, "alpha": {}}
	if got := cfg.ResolveDefaultAgentID(); got != "alpha" {
		t.Errorf("sorted fallback = %q", got)
	}

	cfg.Agents.List["zeta"] = AgentSpec{Main: true}
	if got := cfg.ResolveDefaultAgentID(); got != "zeta" {
		t.Errorf("main flag = %q", got)
	}
}

func TestShouldSanitizeToolSchema(t *testing.T) {
	cfg := Default()
	if !cfg.ShouldSanitizeToolSchema("quotio/gemini-3-flash-preview") {
		t.Error("gemini models need sanitizing")
	}
	if !cfg.ShouldSanitizeToolSchema("google/GEMINI-2.5-pro") {
		t.Error("match should be case-insensitive")
	}
	if cfg.ShouldSanitizeToolSchema("openai/gpt-4o-mini") {
		t.Error("non-gemini models must not sanitize")
	}

	off := false
	cfg.Runtime.SanitizeToolSchema = &off
	if cfg.ShouldSanitizeToolSchema("quotio/gemini-3-flash-preview") {
		t.Error("explicit false disables sanitizing")
	}
}

func TestHistoryLimitFor(t *testing.T) {
	cfg := Default()
	cfg.Channels = map[string]ChannelConfig{
		"telegram": {HistoryLimit: &HistoryLimitConfig{DM: 40, Group: 15}},
	}
	if got := cfg.HistoryLimitFor("telegram", "dm"); got != 40 {
		t.Errorf("dm limit = %d", got)
	}
	if got := cfg.HistoryLimitFor("telegram", "group"); got != 15 {
		t.Errorf("group limit = %d", got)
	}
	if got := cfg.HistoryLimitFor("discord", "dm"); got != 0 {
		t.Errorf("unknown channel = %d", got)
	}
}
