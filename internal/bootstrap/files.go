// Package bootstrap names and seeds the per-agent identity files that
// live under an agent's home directory.
package bootstrap

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Identity file names under {agent}/home.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	MemoryFile    = "MEMORY.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
)

// ContextFile is one markdown file carried into the system prompt.
type ContextFile struct {
	Name    string
	Content string
}

// Pending reports whether the agent is still in first-run bootstrap,
// i.e. BOOTSTRAP.md exists in its home directory.
func Pending(homeDir string) bool {
	_, err := os.Stat(filepath.Join(homeDir, BootstrapFile))
	return err == nil
}

// ClearPending removes BOOTSTRAP.md once first-run setup has completed.
// Removing an already-absent file is not an error.
func ClearPending(homeDir string) error {
	err := os.Remove(filepath.Join(homeDir, BootstrapFile))
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
