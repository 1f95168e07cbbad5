package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeBridge writes an executable shell script that stands in for the
// vibebox binary.
func fakeBridge(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vibebox")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func vibeboxConfig(bin string) Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeDocker
	cfg.Apple.Vibebox = &VibeboxConfig{Enabled: true, BinPath: bin}
	return cfg
}

func TestVibeboxProbeOK(t *testing.T) {
	bin := fakeBridge(t, `printf '%s' '{"ok":true,"selected":"macvm"}'`)
	e := newVibeboxExecutor(vibeboxConfig(bin), t.TempDir())

	pr := e.Probe(context.Background())
	if !pr.OK {
		t.Fatalf("Probe not ok: %+v", pr)
	}
	if pr.Message != "vibebox ready: macvm" {
		t.Errorf("message = %q", pr.Message)
	}
	if pr.Mode != ModeDocker {
		t.Errorf("mode = %q", pr.Mode)
	}
}

func TestVibeboxProbeFailure(t *testing.T) {
	bin := fakeBridge(t, `printf '%s' '{"ok":false,"error":"no provider available","fixHints":["install orbstack"]}'`)
	e := newVibeboxExecutor(vibeboxConfig(bin), t.TempDir())

	pr := e.Probe(context.Background())
	if pr.OK {
		t.Fatal("Probe reported ok for a failing bridge")
	}
	if !strings.Contains(pr.Message, "no provider available") {
		t.Errorf("message = %q", pr.Message)
	}
	if len(pr.Hints) == 0 || pr.Hints[0] != "install orbstack" {
		t.Errorf("hints = %v", pr.Hints)
	}
}

func TestVibeboxExecOK(t *testing.T) {
	bin := fakeBridge(t, `case "$1" in
exec) printf '%s' '{"ok":true,"stdout":"hi","stderr":"","exitCode":0}' ;;
*) printf '%s' '{"ok":true}' ;;
esac`)
	e := newVibeboxExecutor(vibeboxConfig(bin), t.TempDir())

	res, err := e.Exec(context.Background(), Request{Command: "echo hi"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "hi" || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestVibeboxExecNonZeroExit(t *testing.T) {
	bin := fakeBridge(t, `printf '%s' '{"ok":true,"stdout":"","stderr":"boom","exitCode":7}'`)
	e := newVibeboxExecutor(vibeboxConfig(bin), t.TempDir())

	res, err := e.Exec(context.Background(), Request{Command: "false"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 7 || res.Stderr != "boom" {
		t.Errorf("result = %+v", res)
	}
}

func TestVibeboxExecBridgeFailure(t *testing.T) {
	bin := fakeBridge(t, `printf '%s' '{"ok":false,"error":"vm not booted","fixHints":["run vibebox up"]}'`)
	e := newVibeboxExecutor(vibeboxConfig(bin), t.TempDir())

	_, err := e.Exec(context.Background(), Request{Command: "echo hi"})
	var unavail *UnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("err = %v, want UnavailableError", err)
	}
	if !strings.Contains(unavail.Message, "vm not booted") {
		t.Errorf("message = %q", unavail.Message)
	}
	if !strings.Contains(err.Error(), "run vibebox up") {
		t.Errorf("hints not surfaced: %v", err)
	}
}

func TestVibeboxExecMissingExitCode(t *testing.T) {
	bin := fakeBridge(t, `printf '%s' '{"ok":true,"stdout":"hi"}'`)
	e := newVibeboxExecutor(vibeboxConfig(bin), t.TempDir())

	_, err := e.Exec(context.Background(), Request{Command: "echo hi"})
	if err == nil || !strings.Contains(err.Error(), "missing exitCode") {
		t.Errorf("err = %v, want missing exitCode", err)
	}
}

func TestVibeboxExecNonJSON(t *testing.T) {
	bin := fakeBridge(t, `echo garbage`)
	e := newVibeboxExecutor(vibeboxConfig(bin), t.TempDir())

	_, err := e.Exec(context.Background(), Request{Command: "echo hi"})
	if err == nil || !strings.Contains(err.Error(), "non-JSON") {
		t.Errorf("err = %v, want non-JSON reply error", err)
	}
}

func TestVibeboxBridgeMissing(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "does-not-exist")
	e := newVibeboxExecutor(vibeboxConfig(bin), t.TempDir())

	_, err := e.Exec(context.Background(), Request{Command: "echo hi"})
	var unavail *UnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("err = %v, want UnavailableError", err)
	}
	if !strings.Contains(err.Error(), "install the vibebox CLI") {
		t.Errorf("hints not surfaced: %v", err)
	}
}

func TestVibeboxPolicyBeforeSpawn(t *testing.T) {
	// A policy violation must be rejected before the bridge runs, so
	// even a missing binary reports the policy error.
	bin := filepath.Join(t.TempDir(), "does-not-exist")
	e := newVibeboxExecutor(vibeboxConfig(bin), t.TempDir())

	_, err := e.Exec(context.Background(), Request{
		Command: "echo hi",
		Env:     map[string]string{"PATH": "/tmp"},
	})
	var envErr *EnvForbiddenError
	if !errors.As(err, &envErr) {
		t.Errorf("err = %v, want EnvForbiddenError", err)
	}
}
