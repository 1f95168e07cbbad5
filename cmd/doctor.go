package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/heartbeat"
	"github.com/moziai/mozi/internal/providers"
	"github.com/moziai/mozi/internal/sandbox"
	"github.com/moziai/mozi/internal/secrets"
	"github.com/moziai/mozi/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
}

const (
	checkOK = iota
	checkWarn
	checkFail
)

// finding is one doctor check result. Fail findings make doctor exit
// non-zero; warnings do not.
type finding struct {
	level  int
	name   string
	detail string
	hint   string
}

func (f finding) badge() string {
	switch f.level {
	case checkOK:
		return "ok"
	case checkWarn:
		return "warn"
	default:
		return "error"
	}
}

func runDoctor() error {
	fmt.Println("mozi doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	var findings []finding

	cfgPath := resolveConfigPath()
	res := config.LoadFile(cfgPath)
	if !res.Success {
		findings = append(findings, finding{checkFail, "config", fmt.Sprintf("%s: %s", cfgPath, strings.Join(res.Errors, "; ")),
			"fix the listed errors, then re-run doctor"})
		printFindings(findings)
		return fmt.Errorf("1 problem found")
	}
	cfg := res.Config
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		findings = append(findings, finding{checkWarn, "config", fmt.Sprintf("%s not found, defaults in effect", cfgPath),
			"mozi config set gateway.port 18789 creates it"})
	} else {
		findings = append(findings, finding{checkOK, "config", cfgPath, ""})
	}

	findings = append(findings, checkPaths(cfg)...)
	findings = append(findings, checkMasterKey(cfg))
	findings = append(findings, checkModels(cfg)...)
	findings = append(findings, checkSandbox(cfg))
	findings = append(findings, checkHeartbeats(cfg)...)

	printFindings(findings)

	fails := 0
	warns := 0
	for _, f := range findings {
		switch f.level {
		case checkFail:
			fails++
		case checkWarn:
			warns++
		}
	}
	fmt.Println()
	if fails > 0 {
		return fmt.Errorf("%d problem(s) found", fails)
	}
	if warns > 0 {
		fmt.Printf("Doctor check complete: %d warning(s).\n", warns)
	} else {
		fmt.Println("Doctor check complete: all good.")
	}
	return nil
}

// checkPaths verifies every state directory can actually be written to,
// not just that it exists.
func checkPaths(cfg *config.Config) []finding {
	dirs := []struct{ name, path string }{
		{"paths.base", cfg.Paths.Base},
		{"paths.sessions", cfg.Paths.Sessions},
		{"paths.agents", cfg.Paths.Agents},
		{"paths.skills", cfg.Paths.Skills},
	}
	var out []finding
	for _, d := range dirs {
		if d.path == "" {
			continue
		}
		if err := probeDir(d.path); err != nil {
			out = append(out, finding{checkFail, d.name, fmt.Sprintf("%s: %v", d.path, err),
				"check ownership and permissions"})
			continue
		}
		out = append(out, finding{checkOK, d.name, d.path, ""})
	}
	return out
}

func probeDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkMasterKey(cfg *config.Config) finding {
	envName := cfg.Runtime.Auth.MasterKeyEnv
	if envName == "" {
		envName = secrets.DefaultMasterKeyEnv
	}
	if _, err := secrets.MasterKeyFromEnv(envName); err != nil {
		return finding{checkWarn, "secrets", fmt.Sprintf("%s is not set, secret broker disabled", envName),
			fmt.Sprintf("export %s=<passphrase> (digested to a 32-byte key)", envName)}
	}
	return finding{checkOK, "secrets", fmt.Sprintf("master key present in %s, store at %s", envName, cfg.Paths.Secrets), ""}
}

func checkModels(cfg *config.Config) []finding {
	reg := providers.FromConfig(cfg.Models)
	names := reg.Names()
	if len(names) == 0 {
		return []finding{{checkFail, "models", "no provider has credentials, agents cannot run turns",
			"set MOZI_ANTHROPIC_API_KEY / MOZI_OPENAI_API_KEY or models.providers.*.apiKey"}}
	}
	out := []finding{{checkOK, "models", fmt.Sprintf("providers configured: %s", strings.Join(names, ", ")), ""}}
	for _, id := range cfg.AgentIDs() {
		agent := cfg.ResolveAgent(id)
		if agent.Model == "" {
			out = append(out, finding{checkWarn, "agent." + id, "no model configured",
				"set agents.defaults.model or the agent's model field"})
			continue
		}
		if _, _, err := reg.Resolve(agent.Model); err != nil {
			out = append(out, finding{checkWarn, "agent." + id, fmt.Sprintf("model %q: %v", agent.Model, err),
				"check the provider credentials and models.catalog"})
		}
	}
	return out
}

// checkSandbox pings the Docker daemon when any agent routes exec
// through a container.
func checkSandbox(cfg *config.Config) finding {
	needsDocker := false
	for _, id := range cfg.AgentIDs() {
		sb := cfg.ResolveAgent(id).Sandbox
		if sb != nil && (sb.Mode == "docker" || sb.Mode == "apple-vm") {
			needsDocker = true
			break
		}
	}
	if !needsDocker {
		return finding{checkOK, "sandbox", "no container sandbox configured", ""}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sandbox.ProbeDocker(ctx); err != nil {
		return finding{checkFail, "sandbox", err.Error(),
			"is the Docker daemon running? check DOCKER_HOST and socket permissions"}
	}
	return finding{checkOK, "sandbox", "docker daemon reachable", ""}
}

func checkHeartbeats(cfg *config.Config) []finding {
	var out []finding
	for _, id := range cfg.AgentIDs() {
		hb := cfg.ResolveAgent(id).Heartbeat
		if hb == nil || !hb.Enabled {
			continue
		}
		if err := heartbeat.ValidateDescriptor(hb); err != nil {
			out = append(out, finding{checkFail, "heartbeat." + id, err.Error(),
				`use "every": "30m" or a five-field cron expression`})
			continue
		}
		desc := hb.Every
		if desc == "" {
			desc = hb.Cron
		}
		out = append(out, finding{checkOK, "heartbeat." + id, desc, ""})
	}
	return out
}

func printFindings(findings []finding) {
	width := 0
	for _, f := range findings {
		if w := runewidth.StringWidth(f.name); w > width {
			width = w
		}
	}
	for _, f := range findings {
		fmt.Printf("  [%-5s] %s  %s\n", f.badge(), runewidth.FillRight(f.name, width), f.detail)
		if f.hint != "" {
			fmt.Printf("  %s %s  hint: %s\n", strings.Repeat(" ", 7), runewidth.FillRight("", width), f.hint)
		}
	}
}

