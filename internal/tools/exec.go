package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/sandbox"
	"github.com/moziai/mozi/internal/secrets"
)

// apiKeyEnvPattern matches env names that look like provider API keys.
// Direct values for those would put the secret into the transcript, so
// the tool rejects them and points the model at authRefs instead.
var apiKeyEnvPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*_API_KEY$`)

// ExecTool runs shell commands through the calling agent's sandbox
// executor. Isolation mode, binary allowlist, and workspace come from
// the agent's resolved config; named secrets are injected per call via
// authRefs.
type ExecTool struct {
	cfg    *config.Config
	pool   *sandbox.Pool
	broker *secrets.Broker // nil = authRefs unavailable
}

func NewExecTool(cfg *config.Config, pool *sandbox.Pool, broker *secrets.Broker) *ExecTool {
	return &ExecTool{cfg: cfg, pool: pool, broker: broker}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Description() string {
	return "Execute a shell command in the agent workspace and return its output"
}

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory, relative to the agent workspace",
			},
			"env": map[string]interface{}{
				"type":        "object",
				"description": "Extra environment variables. API-key style names are rejected; use authRefs instead",
			},
			"authRefs": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Names of stored secrets to inject as environment variables",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required"), nil
	}

	rc := RunContextFrom(ctx)
	agent := t.cfg.ResolveAgent(rc.AgentID)
	workspace := rc.Workspace
	if workspace == "" {
		workspace = agent.Workspace
	}
	allowlist := rc.ExecAllowlist
	if allowlist == nil {
		allowlist = agent.ExecAllowlist
	}
	allowedSecrets := rc.AllowedSecrets
	if allowedSecrets == nil {
		allowedSecrets = agent.AllowedSecrets
	}

	cwd, _ := args["cwd"].(string)

	env := map[string]string{}
	if raw, ok := args["env"].(map[string]interface{}); ok {
		for k, v := range raw {
			if apiKeyEnvPattern.MatchString(strings.TrimSpace(k)) {
				return ErrorResult(fmt.Sprintf("env %s is not allowed; reference the secret through authRefs", k)), nil
			}
			env[k] = fmt.Sprintf("%v", v)
		}
	}

	if refs := stringListArg(args["authRefs"]); len(refs) > 0 {
		resolved, errRes := t.resolveAuthRefs(ctx, refs, rc.AgentID, allowedSecrets)
		if errRes != nil {
			return errRes, nil
		}
		for k, v := range resolved {
			env[k] = v
		}
	}

	ex, err := t.pool.For(agent.Sandbox.ToSandboxConfig(), workspace)
	if err != nil {
		return fatalResult(fmt.Errorf("sandbox init: %w", err)), nil
	}

	res, err := ex.Exec(ctx, sandbox.Request{
		Command:   command,
		Cwd:       cwd,
		Env:       env,
		Allowlist: allowlist,
	})
	if err != nil {
		// A dead backend is not something the model can react to.
		var unavail *sandbox.UnavailableError
		if errors.As(err, &unavail) {
			return fatalResult(err), nil
		}
		msg := err.Error()
		// Timeouts and output caps still carry the streams gathered so far.
		if res != nil {
			if partial := joinStreams(res); partial != "" {
				msg = partial + "\n" + msg
			}
		}
		return ErrorResult(msg), nil
	}

	output := joinStreams(res)
	if res.ExitCode != 0 {
		if output == "" {
			output = fmt.Sprintf("command exited with code %d", res.ExitCode)
		}
		return ErrorResult(output), nil
	}
	if output == "" {
		output = "(command completed with no output)"
	}
	return NewResult(output), nil
}

// resolveAuthRefs maps secret names onto env variables. Each ref must
// match an entry in the agent's allowedSecrets (trimmed,
// case-insensitive); the allowlist entry is the canonical name used for
// both the broker lookup and the injected variable.
func (t *ExecTool) resolveAuthRefs(ctx context.Context, refs []string, agentID string, allowed []string) (map[string]string, *Result) {
	if t.broker == nil {
		return nil, ErrorResult("authRefs are not available: no secret store is configured")
	}
	canonical := make(map[string]string, len(allowed))
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name != "" {
			canonical[strings.ToUpper(name)] = name
		}
	}

	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		name, ok := canonical[strings.ToUpper(ref)]
		if !ok {
			return nil, ErrorResult(fmt.Sprintf("secret %s is not in this agent's allowedSecrets", ref))
		}
		value, err := t.broker.GetValue(ctx, name, agentID, "")
		if err != nil {
			if errors.Is(err, secrets.ErrNotFound) {
				return nil, ErrorResult("AUTH_MISSING " + name)
			}
			return nil, ErrorResult(fmt.Sprintf("secret %s: %v", name, err))
		}
		out[name] = value
	}
	return out, nil
}

func fatalResult(err error) *Result {
	res := ErrorResult(err.Error()).WithError(err)
	res.Fatal = true
	return res
}

// joinStreams renders a sandbox result the way models expect to read
// command output: stdout first, stderr labeled below it.
func joinStreams(res *sandbox.Result) string {
	out := res.Stdout
	if res.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += "STDERR:\n" + res.Stderr
	}
	return out
}

// stringListArg coerces a JSON array argument into []string, skipping
// non-string items.
func stringListArg(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
