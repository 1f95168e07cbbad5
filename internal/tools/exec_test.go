package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/sandbox"
	"github.com/moziai/mozi/internal/secrets"
)

func newExecRig(t *testing.T, broker *secrets.Broker) (*ExecTool, context.Context) {
	t.Helper()
	cfg := &config.Config{}
	pool := sandbox.NewPool()
	t.Cleanup(func() { pool.Close() })

	ctx := WithRunContext(context.Background(), RunContext{
		AgentID:   "main",
		Workspace: t.TempDir(),
	})
	return NewExecTool(cfg, pool, broker), ctx
}

func execCtx(ctx context.Context, mutate func(*RunContext)) context.Context {
	rc := RunContextFrom(ctx)
	mutate(&rc)
	return WithRunContext(ctx, rc)
}

func TestExecRunsCommand(t *testing.T) {
	tool, ctx := newExecRig(t, nil)
	ws := RunContextFrom(ctx).Workspace

	res, err := tool.Execute(ctx, map[string]interface{}{"command": "pwd"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.ForLLM)
	}
	if got := strings.TrimSpace(res.ForLLM); got != ws {
		t.Errorf("stdout = %q, want workspace %q", got, ws)
	}
}

func TestExecNoOutput(t *testing.T) {
	tool, ctx := newExecRig(t, nil)

	res, err := tool.Execute(ctx, map[string]interface{}{"command": "true"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ForLLM != "(command completed with no output)" {
		t.Errorf("ForLLM = %q", res.ForLLM)
	}
}

func TestExecStderrAndExitCode(t *testing.T) {
	tool, ctx := newExecRig(t, nil)

	res, err := tool.Execute(ctx, map[string]interface{}{
		"command": "echo out; echo err 1>&2; exit 3",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("want error result for nonzero exit")
	}
	if !strings.Contains(res.ForLLM, "out") || !strings.Contains(res.ForLLM, "STDERR:\nerr") {
		t.Errorf("ForLLM = %q, want stdout and labeled stderr", res.ForLLM)
	}
}

func TestExecMissingCommand(t *testing.T) {
	tool, ctx := newExecRig(t, nil)

	res, err := tool.Execute(ctx, map[string]interface{}{"command": "   "})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || res.ForLLM != "command is required" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecRequestPolicy(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]interface{}
		mutate  func(*RunContext)
		wantMsg string
	}{
		{
			name:    "cwd escape",
			args:    map[string]interface{}{"command": "pwd", "cwd": ".."},
			wantMsg: "cwd must be within workspace",
		},
		{
			name: "forbidden env",
			args: map[string]interface{}{
				"command": "pwd",
				"env":     map[string]interface{}{"PATH": "/tmp"},
			},
			wantMsg: "env PATH is not allowed",
		},
		{
			name: "api key env",
			args: map[string]interface{}{
				"command": "pwd",
				"env":     map[string]interface{}{"OPENAI_API_KEY": "sk-x"},
			},
			wantMsg: "env OPENAI_API_KEY is not allowed; reference the secret through authRefs",
		},
		{
			name:    "binary outside allowlist",
			args:    map[string]interface{}{"command": "pwd"},
			mutate:  func(rc *RunContext) { rc.ExecAllowlist = []string{"ls"} },
			wantMsg: "command not allowed: pwd",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool, ctx := newExecRig(t, nil)
			if tt.mutate != nil {
				ctx = execCtx(ctx, tt.mutate)
			}
			res, err := tool.Execute(ctx, tt.args)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !res.IsError {
				t.Fatalf("want error result, got %q", res.ForLLM)
			}
			if !strings.Contains(res.ForLLM, tt.wantMsg) {
				t.Errorf("ForLLM = %q, want %q", res.ForLLM, tt.wantMsg)
			}
		})
	}
}

func TestExecAllowlistPermitsListedBinary(t *testing.T) {
	tool, ctx := newExecRig(t, nil)
	ctx = execCtx(ctx, func(rc *RunContext) { rc.ExecAllowlist = []string{"echo"} })

	res, err := tool.Execute(ctx, map[string]interface{}{"command": "echo hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.ForLLM)
	}
	if strings.TrimSpace(res.ForLLM) != "hi" {
		t.Errorf("ForLLM = %q", res.ForLLM)
	}
}

func openTestBroker(t *testing.T) *secrets.Broker {
	t.Helper()
	key := []byte("0123456789abcdef0123456789abcdef")
	broker, err := secrets.Open(filepath.Join(t.TempDir(), "secrets.db"), key)
	if err != nil {
		t.Fatalf("open broker: %v", err)
	}
	t.Cleanup(func() { broker.Close() })
	return broker
}

func TestExecAuthRefs(t *testing.T) {
	broker := openTestBroker(t)
	ctx0 := context.Background()
	if err := broker.Set(ctx0, "GITHUB_TOKEN", "ghp_secret", secrets.ScopeGlobal, "test"); err != nil {
		t.Fatalf("set secret: %v", err)
	}

	tool, ctx := newExecRig(t, broker)
	ctx = execCtx(ctx, func(rc *RunContext) {
		rc.AllowedSecrets = []string{"GITHUB_TOKEN", "MISSING_ONE"}
	})

	t.Run("injects allowed secret", func(t *testing.T) {
		res, err := tool.Execute(ctx, map[string]interface{}{
			"command":  `printf '%s' "$GITHUB_TOKEN"`,
			"authRefs": []interface{}{" github_token "},
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if res.IsError {
			t.Fatalf("unexpected error result: %s", res.ForLLM)
		}
		if res.ForLLM != "ghp_secret" {
			t.Errorf("ForLLM = %q, want injected value", res.ForLLM)
		}
	})

	t.Run("missing value", func(t *testing.T) {
		res, err := tool.Execute(ctx, map[string]interface{}{
			"command":  "true",
			"authRefs": []interface{}{"MISSING_ONE"},
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !res.IsError || res.ForLLM != "AUTH_MISSING MISSING_ONE" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("ref outside allowedSecrets", func(t *testing.T) {
		res, err := tool.Execute(ctx, map[string]interface{}{
			"command":  "true",
			"authRefs": []interface{}{"OTHER_TOKEN"},
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !res.IsError || !strings.Contains(res.ForLLM, "not in this agent's allowedSecrets") {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("no broker", func(t *testing.T) {
		bare, bctx := newExecRig(t, nil)
		bctx = execCtx(bctx, func(rc *RunContext) { rc.AllowedSecrets = []string{"GITHUB_TOKEN"} })
		res, err := bare.Execute(bctx, map[string]interface{}{
			"command":  "true",
			"authRefs": []interface{}{"GITHUB_TOKEN"},
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !res.IsError || !strings.Contains(res.ForLLM, "no secret store is configured") {
			t.Errorf("result = %+v", res)
		}
	})
}
