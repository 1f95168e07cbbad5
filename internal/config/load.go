package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// maxIncludeDepth bounds $include nesting so cyclic includes terminate.
const maxIncludeDepth = 10

// LoadResult is the outcome of parsing, expanding and validating a
// configuration document.
type LoadResult struct {
	Success bool     `json:"success"`
	Config  *Config  `json:"config,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Default returns a Config with baked-in defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultBaseDir returns the runtime state directory: $MOZI_HOME when
// set, otherwise ~/.mozi.
func DefaultBaseDir() string {
	if v := os.Getenv("MOZI_HOME"); v != "" {
		return ExpandHome(v)
	}
	return ExpandHome("~/.mozi")
}

// DefaultConfigPath returns the config file path: $MOZI_CONFIG_PATH when
// set, otherwise {base}/config.jsonc.
func DefaultConfigPath() string {
	if v := os.Getenv("MOZI_CONFIG_PATH"); v != "" {
		return ExpandHome(v)
	}
	return filepath.Join(DefaultBaseDir(), "config.jsonc")
}

// Load reads the config file at path. A missing file yields defaults; a
// present but invalid file is an error.
func Load(path string) (*Config, error) {
	res := LoadFile(path)
	if !res.Success {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(res.Errors, "; "))
	}
	return res.Config, nil
}

// LoadFile runs the load pipeline against the file at path. The file is
// never mutated. A missing file loads as defaults.
func LoadFile(path string) LoadResult {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.applyEnvOverrides()
			return LoadResult{Success: true, Config: cfg}
		}
		return LoadResult{Errors: []string{fmt.Sprintf("read config: %v", err)}}
	}
	return LoadBytes(raw, filepath.Dir(path))
}

// LoadBytes runs the load pipeline against raw JSONC bytes. baseDir
// anchors relative $include references. Pipeline order: parse, resolve
// includes, substitute ${ENV} references, validate against the schema,
// decode, apply defaults and env overrides.
func LoadBytes(raw []byte, baseDir string) LoadResult {
	doc, err := ParseDocument(raw)
	if err != nil {
		return LoadResult{Errors: []string{fmt.Sprintf("parse config: %v", err)}}
	}

	doc, err = resolveIncludes(doc, baseDir, 0)
	if err != nil {
		return LoadResult{Errors: []string{err.Error()}}
	}

	substituteEnvRefs(doc)

	if errs := validateDocument(doc); len(errs) > 0 {
		return LoadResult{Errors: errs}
	}

	cfg, err := decodeDocument(doc)
	if err != nil {
		return LoadResult{Errors: []string{fmt.Sprintf("decode config: %v", err)}}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return LoadResult{Success: true, Config: cfg}
}

// ParseDocument parses JSONC bytes into a generic document.
func ParseDocument(raw []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json5.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	return doc, nil
}

// resolveIncludes expands $include directives. Included documents merge
// in declaration order, then the host object's own keys merge on top so
// local values win. Nested objects may carry their own directives.
func resolveIncludes(doc map[string]interface{}, baseDir string, depth int) (map[string]interface{}, error) {
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("$include nesting exceeds depth %d", maxIncludeDepth)
	}

	merged := map[string]interface{}{}
	if inc, ok := doc["$include"]; ok {
		for _, ref := range includeRefs(inc) {
			p := ref
			if !filepath.IsAbs(p) {
				p = filepath.Join(baseDir, p)
			}
			raw, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("$include %s: %w", ref, err)
			}
			sub, err := ParseDocument(raw)
			if err != nil {
				return nil, fmt.Errorf("$include %s: %w", ref, err)
			}
			sub, err = resolveIncludes(sub, filepath.Dir(p), depth+1)
			if err != nil {
				return nil, err
			}
			mergeDocs(merged, sub)
		}
	}

	for k, v := range doc {
		if k == "$include" {
			continue
		}
		if m, ok := v.(map[string]interface{}); ok {
			sub, err := resolveIncludes(m, baseDir, depth)
			if err != nil {
				return nil, err
			}
			v = sub
		}
		if cur, ok := merged[k]; ok {
			merged[k] = mergeValue(cur, v)
		} else {
			merged[k] = v
		}
	}
	return merged, nil
}

func includeRefs(v interface{}) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []interface{}:
		refs := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				refs = append(refs, s)
			}
		}
		return refs
	}
	return nil
}

// mergeDocs deep-merges src into dst: objects merge, arrays concatenate,
// scalars from src overwrite.
func mergeDocs(dst, src map[string]interface{}) {
	for k, v := range src {
		if cur, ok := dst[k]; ok {
			dst[k] = mergeValue(cur, v)
		} else {
			dst[k] = v
		}
	}
}

func mergeValue(dst, src interface{}) interface{} {
	switch s := src.(type) {
	case map[string]interface{}:
		d, ok := dst.(map[string]interface{})
		if !ok {
			return s
		}
		mergeDocs(d, s)
		return d
	case []interface{}:
		d, ok := dst.([]interface{})
		if !ok {
			return s
		}
		return append(d, s...)
	default:
		return src
	}
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnvRefs replaces ${NAME} references in string values with the
// process environment. Unset references are left literal so they surface
// in validation or downstream errors instead of silently vanishing.
func substituteEnvRefs(v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			if s, ok := item.(string); ok {
				val[k] = expandEnvRefs(s)
				continue
			}
			substituteEnvRefs(item)
		}
	case []interface{}:
		for i, item := range val {
			if s, ok := item.(string); ok {
				val[i] = expandEnvRefs(s)
				continue
			}
			substituteEnvRefs(item)
		}
	}
}

func expandEnvRefs(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

func decodeDocument(doc map[string]interface{}) (*Config, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields. Paths are expanded and anchored
// under paths.base.
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Paths.Base == "" {
		c.Paths.Base = DefaultBaseDir()
	} else {
		c.Paths.Base = ExpandHome(c.Paths.Base)
	}
	if c.Paths.Sessions == "" {
		c.Paths.Sessions = filepath.Join(c.Paths.Base, "sessions")
	} else {
		c.Paths.Sessions = ExpandHome(c.Paths.Sessions)
	}
	if c.Paths.Agents == "" {
		c.Paths.Agents = filepath.Join(c.Paths.Base, "agents")
	} else {
		c.Paths.Agents = ExpandHome(c.Paths.Agents)
	}
	if c.Paths.Secrets == "" {
		c.Paths.Secrets = filepath.Join(c.Paths.Base, "secrets.db")
	} else {
		c.Paths.Secrets = ExpandHome(c.Paths.Secrets)
	}
	if c.Paths.Skills == "" {
		c.Paths.Skills = filepath.Join(c.Paths.Base, "skills")
	} else {
		c.Paths.Skills = ExpandHome(c.Paths.Skills)
	}

	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 18789
	}
	if c.Gateway.MaxMessageChars == 0 {
		c.Gateway.MaxMessageChars = 32000
	}

	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "grpc"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mozi-gateway"
	}

	if c.Runtime.Auth.DefaultScope == "" {
		c.Runtime.Auth.DefaultScope = "agent"
	}
	if c.Runtime.Auth.MasterKeyEnv == "" {
		c.Runtime.Auth.MasterKeyEnv = "MOZI_MASTER_KEY"
	}
}

// applyEnvOverrides overlays conventional environment variables. Env vars
// take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("MOZI_LOG_LEVEL", &c.Logging.Level)
	envStr("MOZI_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("MOZI_HOST", &c.Gateway.Host)
	if v := os.Getenv("MOZI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Provider credentials: MOZI_<PROVIDER>_API_KEY overlays
	// models.providers.<provider>.apiKey.
	for name, p := range c.Models.Providers {
		key := "MOZI_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			p.APIKey = v
			c.Models.Providers[name] = p
		}
	}

	envStr("MOZI_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("MOZI_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("MOZI_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("MOZI_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MOZI_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
