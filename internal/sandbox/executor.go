// Package sandbox runs agent shell commands behind a pluggable
// isolation backend: directly on the host, inside a long-lived
// container, or through the external vibebox bridge. All backends
// enforce the same request policy (workspace-contained cwd, forbidden
// env overrides, optional command allowlist) and produce the same
// Result shape.
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Request is one command to execute.
type Request struct {
	Command string
	// Cwd is workspace-relative or absolute; empty means the workspace
	// root. Paths escaping the workspace are rejected.
	Cwd string
	// Env adds variables for this command. Overrides of loader and
	// interpreter variables are rejected.
	Env map[string]string
	// Allowlist restricts which binaries may lead each pipeline
	// segment. Empty falls back to the configured allowlist.
	Allowlist []string
}

// Result is the outcome of one sandboxed command.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// ProbeResult reports whether a backend is ready to execute commands.
type ProbeResult struct {
	OK      bool     `json:"ok"`
	Mode    Mode     `json:"mode"`
	Message string   `json:"message"`
	Hints   []string `json:"hints,omitempty"`
}

// Executor runs commands in one sandbox backend.
type Executor interface {
	Exec(ctx context.Context, req Request) (*Result, error)
	Probe(ctx context.Context) ProbeResult
	Close() error
}

// ErrCwdEscape is returned when a requested cwd resolves outside the
// agent workspace.
var ErrCwdEscape = errors.New("cwd must be within workspace")

// EnvForbiddenError is returned when a request tries to override a
// protected environment variable.
type EnvForbiddenError struct {
	Key string
}

func (e *EnvForbiddenError) Error() string {
	return fmt.Sprintf("env %s is not allowed", e.Key)
}

// CommandNotAllowedError is returned when a pipeline segment leads with
// a binary outside the allowlist.
type CommandNotAllowedError struct {
	Binary string
}

func (e *CommandNotAllowedError) Error() string {
	return fmt.Sprintf("command not allowed: %s", e.Binary)
}

// UnavailableError means the backend itself cannot execute anything.
// Hints tell the operator how to fix it.
type UnavailableError struct {
	Message string
	Hints   []string
}

func (e *UnavailableError) Error() string {
	if len(e.Hints) == 0 {
		return e.Message
	}
	return e.Message + " (hints: " + strings.Join(e.Hints, "; ") + ")"
}

// New builds the executor for the given configuration.
func New(cfg Config, workspaceDir string) (Executor, error) {
	switch {
	case cfg.UsesVibebox():
		return newVibeboxExecutor(cfg, workspaceDir), nil
	case cfg.Mode == ModeDocker || cfg.Mode == ModeAppleVM:
		return newContainerExecutor(cfg, workspaceDir)
	default:
		return newHostExecutor(cfg, workspaceDir), nil
	}
}

// CacheKey canonicalizes the inputs that make two executors
// interchangeable: the mode, the workspace, and the mode-specific
// slice of the configuration.
func CacheKey(cfg Config, workspaceDir string) string {
	key := struct {
		Mode      Mode           `json:"mode"`
		Workspace string         `json:"workspace"`
		Vibebox   *VibeboxConfig `json:"vibebox,omitempty"`
		Container *Config        `json:"container,omitempty"`
		Allowlist []string       `json:"allowlist,omitempty"`
	}{Mode: cfg.Mode, Workspace: workspaceDir}

	switch {
	case cfg.UsesVibebox():
		key.Vibebox = cfg.Apple.Vibebox
	case cfg.Mode == ModeDocker || cfg.Mode == ModeAppleVM:
		c := cfg
		key.Container = &c
	default:
		key.Allowlist = cfg.Allowlist
	}
	b, _ := json.Marshal(key)
	return string(b)
}

// Pool caches executors by configuration identity so containers and
// bridge sessions are reused across turns.
type Pool struct {
	mu        sync.Mutex
	executors map[string]Executor
}

func NewPool() *Pool {
	return &Pool{executors: make(map[string]Executor)}
}

// For returns the cached executor for this configuration, creating it
// on first use.
func (p *Pool) For(cfg Config, workspaceDir string) (Executor, error) {
	key := CacheKey(cfg, workspaceDir)
	p.mu.Lock()
	defer p.mu.Unlock()
	if ex, ok := p.executors[key]; ok {
		return ex, nil
	}
	ex, err := New(cfg, workspaceDir)
	if err != nil {
		return nil, err
	}
	p.executors[key] = ex
	return ex, nil
}

// Close shuts down every cached executor.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, ex := range p.executors {
		if err := ex.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.executors, key)
	}
	return errors.Join(errs...)
}

// forbiddenEnv lists variables a request may never override; shadowing
// them changes which binaries run or injects code into them.
var forbiddenEnv = map[string]bool{
	"PATH":                  true,
	"LD_PRELOAD":            true,
	"LD_LIBRARY_PATH":       true,
	"DYLD_INSERT_LIBRARIES": true,
	"DYLD_LIBRARY_PATH":     true,
	"NODE_OPTIONS":          true,
}

var forbiddenEnvPrefixes = []string{"LD_", "DYLD_"}

// checkEnv validates request env overrides and returns them as a
// sorted KEY=VALUE list.
func checkEnv(env map[string]string) ([]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if envForbidden(k) {
			return nil, &EnvForbiddenError{Key: k}
		}
		out = append(out, k+"="+env[k])
	}
	return out, nil
}

func envForbidden(key string) bool {
	upper := strings.ToUpper(strings.TrimSpace(key))
	if forbiddenEnv[upper] {
		return true
	}
	for _, prefix := range forbiddenEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// resolveCwd resolves a requested cwd against the workspace root and
// rejects anything that escapes it.
func resolveCwd(workspace, cwd string) (string, error) {
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	if cwd == "" {
		return root, nil
	}
	p := cwd
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrCwdEscape
	}
	return p, nil
}

// Commands are split on shell sequencing operators so an allowlist
// cannot be bypassed by chaining.
var segmentSep = regexp.MustCompile(`\n|;|&&|\|\||\|`)

var envAssign = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// checkAllowlist verifies every pipeline segment leads with an allowed
// binary. KEY=VALUE prefixes are skipped before the binary is read and
// the check is by basename.
func checkAllowlist(command string, allow []string) error {
	if len(allow) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(allow))
	for _, a := range allow {
		allowed[strings.TrimSpace(a)] = true
	}
	for _, segment := range segmentSep.Split(command, -1) {
		bin := leadingBinary(segment)
		if bin == "" {
			continue
		}
		if base := filepath.Base(bin); !allowed[base] {
			return &CommandNotAllowedError{Binary: base}
		}
	}
	return nil
}

// leadingBinary returns the first field of a segment that is not a
// KEY=VALUE assignment.
func leadingBinary(segment string) string {
	for _, field := range strings.Fields(segment) {
		if envAssign.MatchString(field) {
			continue
		}
		return field
	}
	return ""
}

// capWriter buffers process output up to a limit and drops the rest so
// runaway commands cannot exhaust memory.
type capWriter struct {
	buf        bytes.Buffer
	max        int
	overflowed bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	if remaining := w.max - w.buf.Len(); remaining < len(p) {
		w.overflowed = true
		if remaining > 0 {
			w.buf.Write(p[:remaining])
		}
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *capWriter) String() string { return w.buf.String() }

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
