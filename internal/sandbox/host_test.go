package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func physical(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("EvalSymlinks(%s): %v", path, err)
	}
	return resolved
}

func TestHostExecPwd(t *testing.T) {
	ws := t.TempDir()
	e := newHostExecutor(DefaultConfig(), ws)

	res, err := e.Exec(context.Background(), Request{Command: "pwd"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got, want := strings.TrimSpace(res.Stdout), physical(t, ws); got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
	if res.ExitCode != 0 {
		t.Errorf("exitCode = %d, want 0", res.ExitCode)
	}
}

func TestHostExecCwdSubdir(t *testing.T) {
	ws := t.TempDir()
	sub := filepath.Join(ws, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	e := newHostExecutor(DefaultConfig(), ws)

	res, err := e.Exec(context.Background(), Request{Command: "pwd", Cwd: "sub"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got, want := strings.TrimSpace(res.Stdout), physical(t, sub); got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
}

func TestHostExecCwdEscape(t *testing.T) {
	ws := t.TempDir()
	e := newHostExecutor(DefaultConfig(), ws)

	for _, cwd := range []string{"..", "/", "sub/../.."} {
		_, err := e.Exec(context.Background(), Request{Command: "pwd", Cwd: cwd})
		if !errors.Is(err, ErrCwdEscape) {
			t.Errorf("cwd %q: err = %v, want ErrCwdEscape", cwd, err)
			continue
		}
		if err.Error() != "cwd must be within workspace" {
			t.Errorf("cwd %q: message = %q", cwd, err.Error())
		}
	}
}

func TestHostExecEnvForbidden(t *testing.T) {
	ws := t.TempDir()
	e := newHostExecutor(DefaultConfig(), ws)

	for _, key := range []string{"PATH", "LD_PRELOAD", "LD_AUDIT", "DYLD_LIBRARY_PATH", "NODE_OPTIONS", "path"} {
		_, err := e.Exec(context.Background(), Request{
			Command: "pwd",
			Env:     map[string]string{key: "/tmp"},
		})
		var envErr *EnvForbiddenError
		if !errors.As(err, &envErr) {
			t.Errorf("env %s: err = %v, want EnvForbiddenError", key, err)
			continue
		}
		if envErr.Key != key {
			t.Errorf("env %s: reported key %q", key, envErr.Key)
		}
	}

	_, err := e.Exec(context.Background(), Request{
		Command: "pwd",
		Env:     map[string]string{"PATH": "/tmp"},
	})
	if err == nil || err.Error() != "env PATH is not allowed" {
		t.Errorf("PATH message = %v", err)
	}
}

func TestHostExecEnvApplied(t *testing.T) {
	ws := t.TempDir()
	e := newHostExecutor(DefaultConfig(), ws)

	res, err := e.Exec(context.Background(), Request{
		Command: `printf '%s' "$MOZI_SANDBOX_PROBE"`,
		Env:     map[string]string{"MOZI_SANDBOX_PROBE": "hello"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "hello" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hello")
	}
}

func TestHostExecAllowlist(t *testing.T) {
	ws := t.TempDir()
	e := newHostExecutor(DefaultConfig(), ws)

	_, err := e.Exec(context.Background(), Request{Command: "pwd", Allowlist: []string{"ls"}})
	var cmdErr *CommandNotAllowedError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want CommandNotAllowedError", err)
	}
	if err.Error() != "command not allowed: pwd" {
		t.Errorf("message = %q", err.Error())
	}

	// Chaining cannot smuggle a disallowed binary past the list.
	_, err = e.Exec(context.Background(), Request{Command: "pwd && ls", Allowlist: []string{"pwd"}})
	if !errors.As(err, &cmdErr) {
		t.Fatalf("chained err = %v, want CommandNotAllowedError", err)
	}
	if cmdErr.Binary != "ls" {
		t.Errorf("rejected binary = %q, want ls", cmdErr.Binary)
	}

	res, err := e.Exec(context.Background(), Request{Command: "pwd", Allowlist: []string{"pwd"}})
	if err != nil {
		t.Fatalf("allowed exec: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exitCode = %d", res.ExitCode)
	}
}

func TestHostExecExitCodeAndStderr(t *testing.T) {
	ws := t.TempDir()
	e := newHostExecutor(DefaultConfig(), ws)

	res, err := e.Exec(context.Background(), Request{Command: "echo oops 1>&2; exit 3"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exitCode = %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestHostExecTimeout(t *testing.T) {
	ws := t.TempDir()
	cfg := DefaultConfig()
	cfg.TimeoutMs = 50
	e := newHostExecutor(cfg, ws)

	_, err := e.Exec(context.Background(), Request{Command: "sleep 2"})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestHostExecOutputCap(t *testing.T) {
	ws := t.TempDir()
	cfg := DefaultConfig()
	cfg.MaxOutputBytes = 1024
	e := newHostExecutor(cfg, ws)

	res, err := e.Exec(context.Background(), Request{Command: `head -c 5000 /dev/zero | tr '\0' x`})
	if err == nil || !strings.Contains(err.Error(), "output exceeded") {
		t.Fatalf("err = %v, want output cap error", err)
	}
	if len(res.Stdout) != 1024 {
		t.Errorf("stdout kept %d bytes, want 1024", len(res.Stdout))
	}
}

func TestHostExecEmptyCommand(t *testing.T) {
	e := newHostExecutor(DefaultConfig(), t.TempDir())
	if _, err := e.Exec(context.Background(), Request{}); err == nil {
		t.Error("empty command did not error")
	}
}

func TestHostProbe(t *testing.T) {
	e := newHostExecutor(DefaultConfig(), t.TempDir())
	pr := e.Probe(context.Background())
	if !pr.OK || pr.Mode != ModeOff {
		t.Errorf("Probe = %+v, want ok in mode off", pr)
	}
}
