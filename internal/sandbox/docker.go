package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// containerWorkspace is where the agent workspace is mounted inside
// the container.
const containerWorkspace = "/workspace"

var dockerHints = []string{
	"is the Docker daemon running?",
	"check DOCKER_HOST and socket permissions",
}

// ContainerExecutor runs commands inside one long-lived container per
// configuration. The container is named deterministically so restarts
// of the runtime reattach instead of leaking containers.
type ContainerExecutor struct {
	cfg       Config
	workspace string
	name      string

	mu          sync.Mutex
	cli         *client.Client
	containerID string
}

func newContainerExecutor(cfg Config, workspaceDir string) (*ContainerExecutor, error) {
	ws, err := filepath.Abs(workspaceDir)
	if err != nil {
		return nil, err
	}
	return &ContainerExecutor{
		cfg:       cfg,
		workspace: ws,
		name:      "mozi-sbx-" + shortHash(CacheKey(cfg, ws)),
	}, nil
}

func (e *ContainerExecutor) Exec(ctx context.Context, req Request) (*Result, error) {
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

	cli, containerID, err := e.ensure(ctx)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(e.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execID, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", req.Command},
		Env:          env,
		WorkingDir:   containerCwd(e.workspace, cwd),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: create exec: %w", err)
	}
	attach, err := cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("sandbox: attach exec: %w", err)
	}
	defer attach.Close()

	maxBytes := e.cfg.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	stdout := &capWriter{max: maxBytes}
	stderr := &capWriter{max: maxBytes}
	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
				fmt.Errorf("command timed out after %s", timeout)
		}
		return nil, fmt.Errorf("sandbox: read exec output: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: inspect exec: %w", err)
	}
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}
	if stdout.overflowed || stderr.overflowed {
		return res, fmt.Errorf("command output exceeded %d bytes", maxBytes)
	}
	return res, nil
}

// ensure connects to the daemon and makes sure the backing container
// exists and is running.
func (e *ContainerExecutor) ensure(ctx context.Context) (*client.Client, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, "", &UnavailableError{
				Message: fmt.Sprintf("docker client: %v", err),
				Hints:   dockerHints,
			}
		}
		if _, err := cli.Ping(ctx); err != nil {
			cli.Close()
			return nil, "", &UnavailableError{
				Message: fmt.Sprintf("docker daemon unreachable: %v", err),
				Hints:   dockerHints,
			}
		}
		e.cli = cli
	}
	if e.containerID == "" {
		id, err := e.ensureContainer(ctx)
		if err != nil {
			return nil, "", err
		}
		e.containerID = id
	}
	return e.cli, e.containerID, nil
}

func (e *ContainerExecutor) ensureContainer(ctx context.Context) (string, error) {
	info, err := e.cli.ContainerInspect(ctx, e.name)
	if err == nil {
		if !info.State.Running {
			slog.Info("starting sandbox container", "name", e.name)
			if err := e.cli.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("sandbox: start container: %w", err)
			}
		}
		return info.ID, nil
	}
	if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("sandbox: inspect container: %w", err)
	}

	if e.cfg.Image == "" {
		return "", &UnavailableError{
			Message: "sandbox image not configured",
			Hints:   []string{`set agents.defaults.sandbox.image (for example "ubuntu:24.04")`},
		}
	}

	hostCfg := &container.HostConfig{NetworkMode: "none"}
	if e.cfg.NetworkEnabled {
		hostCfg.NetworkMode = "bridge"
	}
	if e.cfg.WorkspaceAccess != AccessNone {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   e.workspace,
			Target:   containerWorkspace,
			ReadOnly: e.cfg.WorkspaceAccess == AccessRO,
		})
	}
	for _, spec := range e.cfg.Mounts {
		m, err := parseBind(spec)
		if err != nil {
			return "", err
		}
		hostCfg.Mounts = append(hostCfg.Mounts, m)
	}
	containerCfg := &container.Config{
		Image:      e.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: containerWorkspace,
		Env:        envList(e.cfg.Env),
		Labels: map[string]string{
			"io.mozi.sandbox":   "1",
			"io.mozi.workspace": e.workspace,
		},
	}

	slog.Info("creating sandbox container", "name", e.name, "image", e.cfg.Image)
	resp, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, e.name)
	if err != nil && client.IsErrNotFound(err) && e.cfg.AutoBootstrap {
		if err := e.pullImage(ctx); err != nil {
			return "", err
		}
		resp, err = e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, e.name)
	}
	if err != nil {
		return "", fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("sandbox: start container: %w", err)
	}
	return resp.ID, nil
}

func (e *ContainerExecutor) pullImage(ctx context.Context) error {
	slog.Info("pulling sandbox image", "image", e.cfg.Image)
	rc, err := e.cli.ImagePull(ctx, e.cfg.Image, image.PullOptions{})
	if err != nil {
		return &UnavailableError{
			Message: fmt.Sprintf("pull %s: %v", e.cfg.Image, err),
			Hints:   []string{"pull the sandbox image manually", "check registry access"},
		}
	}
	defer rc.Close()
	// The pull stream must be drained for the pull to complete.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (e *ContainerExecutor) Probe(ctx context.Context) ProbeResult {
	if e.cfg.Image == "" {
		return ProbeResult{
			OK:      false,
			Mode:    e.cfg.Mode,
			Message: "sandbox image not configured",
			Hints:   []string{`set agents.defaults.sandbox.image (for example "ubuntu:24.04")`},
		}
	}
	e.mu.Lock()
	cli := e.cli
	e.mu.Unlock()
	if cli == nil {
		var err error
		cli, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return ProbeResult{OK: false, Mode: e.cfg.Mode, Message: fmt.Sprintf("docker client: %v", err), Hints: dockerHints}
		}
		defer cli.Close()
	}
	if _, err := cli.Ping(ctx); err != nil {
		return ProbeResult{OK: false, Mode: e.cfg.Mode, Message: fmt.Sprintf("docker daemon unreachable: %v", err), Hints: dockerHints}
	}
	return ProbeResult{OK: true, Mode: e.cfg.Mode, Message: "container backend ready"}
}

// Close releases the daemon connection. The container itself is kept
// for reuse; the deterministic name lets the next run reattach.
func (e *ContainerExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cli == nil {
		return nil
	}
	err := e.cli.Close()
	e.cli = nil
	e.containerID = ""
	return err
}

// containerCwd maps a resolved host cwd to its path under the
// workspace mount.
func containerCwd(workspace, cwd string) string {
	rel, err := filepath.Rel(workspace, cwd)
	if err != nil || rel == "." {
		return containerWorkspace
	}
	return filepath.Join(containerWorkspace, rel)
}

// parseBind parses a "host:container[:ro]" mount spec.
func parseBind(spec string) (mount.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return mount.Mount{}, fmt.Errorf("sandbox: invalid mount %q", spec)
	}
	m := mount.Mount{Type: mount.TypeBind, Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		m.ReadOnly = parts[2] == "ro"
	}
	return m, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// ProbeDocker reports whether a Docker daemon is reachable. Doctor uses
// it to validate container sandbox configs without starting anything.
func ProbeDocker(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()
	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}
