package sandbox

// Mode selects the execution backend for agent shell commands.
type Mode string

const (
	ModeOff     Mode = "off"      // run directly on the host
	ModeDocker  Mode = "docker"   // run inside a Docker container
	ModeAppleVM Mode = "apple-vm" // run inside an Apple container VM
)

// Access controls how the agent workspace is mounted into a container.
type Access string

const (
	AccessNone Access = "none"
	AccessRO   Access = "ro"
	AccessRW   Access = "rw"
)

const (
	// DefaultTimeoutMs bounds a single exec invocation.
	DefaultTimeoutMs = 120_000
	// DefaultMaxOutputBytes caps captured stdout/stderr per stream.
	DefaultMaxOutputBytes = 4 << 20
)

// VibeboxConfig describes the external vibebox bridge binary used to
// delegate sandbox execution to a managed VM provider.
type VibeboxConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	BinPath     string `json:"binPath,omitempty"`     // default "vibebox"
	Provider    string `json:"provider,omitempty"`    // passed through to the bridge
	ProjectRoot string `json:"projectRoot,omitempty"` // default: agent workspace
}

// AppleConfig tunes the apple-vm backend.
type AppleConfig struct {
	Backend string         `json:"backend,omitempty"` // "native" (default) or "vibebox"
	Vibebox *VibeboxConfig `json:"vibebox,omitempty"`
}

// Config is the resolved sandbox configuration for one agent.
type Config struct {
	Mode            Mode
	Image           string
	WorkspaceAccess Access
	Mounts          []string
	Env             map[string]string
	NetworkEnabled  bool
	AutoBootstrap   bool
	TimeoutMs       int
	MaxOutputBytes  int
	Allowlist       []string
	Apple           AppleConfig
}

// DefaultConfig returns the sandbox defaults: host execution with a
// read-write workspace and bounded output capture.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeOff,
		WorkspaceAccess: AccessRW,
		TimeoutMs:       DefaultTimeoutMs,
		MaxOutputBytes:  DefaultMaxOutputBytes,
	}
}

// UsesVibebox reports whether exec requests should go through the
// vibebox bridge instead of the native container backend.
func (c Config) UsesVibebox() bool {
	if c.Mode != ModeDocker && c.Mode != ModeAppleVM {
		return false
	}
	if c.Apple.Backend == "vibebox" {
		return true
	}
	return c.Apple.Vibebox != nil && c.Apple.Vibebox.Enabled
}

// WorkdirFor returns the directory commands observe as their workspace:
// the host path in off mode, the container mount point otherwise.
func (c Config) WorkdirFor(hostWorkspace string) string {
	if c.Mode == ModeOff {
		return hostWorkspace
	}
	return containerWorkspace
}
