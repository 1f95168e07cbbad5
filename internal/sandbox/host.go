package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// HostExecutor runs commands directly on the host through sh -c. It is
// the mode=off backend: no isolation, only request policy enforcement.
type HostExecutor struct {
	cfg       Config
	workspace string
}

func newHostExecutor(cfg Config, workspaceDir string) *HostExecutor {
	return &HostExecutor{cfg: cfg, workspace: workspaceDir}
}

func (e *HostExecutor) Exec(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.New("command is required")
	}
	cwd, err := resolveCwd(e.workspace, req.Cwd)
	if err != nil {
		return nil, err
	}
	env, err := checkEnv(req.Env)
	if err != nil {
		return nil, err
	}
	allow := req.Allowlist
	if len(allow) == 0 {
		allow = e.cfg.Allowlist
	}
	if err := checkAllowlist(req.Command, allow); err != nil {
		return nil, err
	}

	timeout := time.Duration(e.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxBytes := e.cfg.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	stdout := &capWriter{max: maxBytes}
	stderr := &capWriter{max: maxBytes}

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else if ctx.Err() == nil {
			return nil, fmt.Errorf("sandbox: run command: %w", runErr)
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("command timed out after %s", timeout)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if stdout.overflowed || stderr.overflowed {
		return res, fmt.Errorf("command output exceeded %d bytes", maxBytes)
	}
	return res, nil
}

func (e *HostExecutor) Probe(ctx context.Context) ProbeResult {
	return ProbeResult{OK: true, Mode: ModeOff, Message: "host execution, no isolation"}
}

func (e *HostExecutor) Close() error { return nil }
