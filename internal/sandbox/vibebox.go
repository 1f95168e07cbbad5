package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// vibeboxSlack pads the outer process deadline so the bridge's own
// timeout fires first and reports through its JSON reply.
const vibeboxSlack = 30 * time.Second

// VibeboxExecutor delegates execution to the external vibebox bridge
// binary, which manages VM-backed sandboxes the runtime cannot drive
// directly. Every subcommand runs with --json and replies on stdout.
type VibeboxExecutor struct {
	cfg       Config
	workspace string
	bin       string
	provider  string
	root      string
}

func newVibeboxExecutor(cfg Config, workspaceDir string) *VibeboxExecutor {
	e := &VibeboxExecutor{
		cfg:       cfg,
		workspace: workspaceDir,
		bin:       "vibebox",
		root:      workspaceDir,
	}
	if vb := cfg.Apple.Vibebox; vb != nil {
		if vb.BinPath != "" {
			e.bin = vb.BinPath
		}
		e.provider = vb.Provider
		if vb.ProjectRoot != "" {
			e.root = vb.ProjectRoot
		}
	}
	return e
}

// bridgeReply is the JSON contract of vibebox probe/exec. Pointer
// fields distinguish "absent" from zero values so a malformed reply is
// reported instead of read as exit 0.
type bridgeReply struct {
	OK          bool     `json:"ok"`
	Error       string   `json:"error,omitempty"`
	Selected    string   `json:"selected,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	Stdout      *string  `json:"stdout,omitempty"`
	Stderr      *string  `json:"stderr,omitempty"`
	ExitCode    *int     `json:"exitCode,omitempty"`
	FixHints    []string `json:"fixHints,omitempty"`
}

func (e *VibeboxExecutor) Exec(ctx context.Context, req Request) (*Result, error) {
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

	timeoutMs := e.cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = DefaultTimeoutMs
	}
	args := []string{"exec", "--json", "--project-root", e.root,
		"--command", req.Command,
		"--timeout", strconv.Itoa(timeoutMs),
	}
	if e.provider != "" {
		args = append(args, "--provider", e.provider)
	}
	if req.Cwd != "" {
		args = append(args, "--cwd", cwd)
	}
	for _, kv := range env {
		args = append(args, "--env", kv)
	}

	reply, err := e.run(ctx, args, time.Duration(timeoutMs)*time.Millisecond+vibeboxSlack)
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		msg := reply.Error
		if msg == "" {
			msg = "exec failed without error detail"
		}
		return nil, &UnavailableError{
			Message: fmt.Sprintf("vibebox exec %q: %s", req.Command, msg),
			Hints:   append(reply.FixHints, reply.Diagnostics...),
		}
	}
	if reply.ExitCode == nil {
		return nil, fmt.Errorf("vibebox exec %q: reply missing exitCode", req.Command)
	}
	res := &Result{ExitCode: *reply.ExitCode}
	if reply.Stdout != nil {
		res.Stdout = *reply.Stdout
	}
	if reply.Stderr != nil {
		res.Stderr = *reply.Stderr
	}
	return res, nil
}

func (e *VibeboxExecutor) Probe(ctx context.Context) ProbeResult {
	args := []string{"probe", "--json", "--project-root", e.root}
	if e.provider != "" {
		args = append(args, "--provider", e.provider)
	}
	reply, err := e.run(ctx, args, time.Minute)
	if err != nil {
		pr := ProbeResult{OK: false, Mode: e.cfg.Mode, Message: err.Error()}
		var unavail *UnavailableError
		if errors.As(err, &unavail) {
			pr.Message = unavail.Message
			pr.Hints = unavail.Hints
		}
		return pr
	}
	if !reply.OK {
		msg := reply.Error
		if msg == "" {
			msg = "probe failed without error detail"
		}
		return ProbeResult{
			OK:      false,
			Mode:    e.cfg.Mode,
			Message: "vibebox: " + msg,
			Hints:   append(reply.FixHints, reply.Diagnostics...),
		}
	}
	msg := "vibebox ready"
	if reply.Selected != "" {
		msg += ": " + reply.Selected
	}
	return ProbeResult{OK: true, Mode: e.cfg.Mode, Message: msg, Hints: reply.Diagnostics}
}

func (e *VibeboxExecutor) Close() error { return nil }

// run spawns the bridge and decodes its JSON reply. Spawn failures and
// non-JSON output are distinct errors so callers can tell a missing
// binary from a broken one.
func (e *VibeboxExecutor) run(ctx context.Context, args []string, timeout time.Duration) (*bridgeReply, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		if runErr != nil {
			return nil, &UnavailableError{
				Message: fmt.Sprintf("vibebox %s: %v (stderr: %s)", args[0], runErr, truncateForError(stderr.String())),
				Hints:   []string{"install the vibebox CLI", "set sandbox.apple.vibebox.binPath"},
			}
		}
		return nil, fmt.Errorf("vibebox %s: empty reply (args: %s)", args[0], strings.Join(args[1:], " "))
	}
	var reply bridgeReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return nil, fmt.Errorf("vibebox %s: non-JSON reply %q (stderr: %s)",
			args[0], truncateForError(string(out)), truncateForError(stderr.String()))
	}
	return &reply, nil
}

func truncateForError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
