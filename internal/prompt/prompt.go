// Package prompt assembles the system prompt an agent runs with: fixed
// constraints, the per-agent identity files from its home directory,
// workspace rules, runtime context, and the skills preamble.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/moziai/mozi/internal/bootstrap"
)

// NoReplyToken is the exact token an agent returns when no outbound
// reply should be sent.
const NoReplyToken = "NO_REPLY"

// Mode selects which sections the assembled prompt carries.
type Mode string

const (
	// ModeMain is the full prompt for ordinary turns.
	ModeMain Mode = "main"
	// ModeResetGreeting keeps identity and persona but drops MEMORY.md
	// and HEARTBEAT.md, for the greeting after a session reset.
	ModeResetGreeting Mode = "reset-greeting"
	// ModeSubagentMinimal drops the identity and persona section
	// entirely, for spawned subagent runs.
	ModeSubagentMinimal Mode = "subagent-minimal"
)

const coreConstraints = `You are a work assistant, not a chatbot. Do the work, report the result, and keep commentary to what the reader needs.
If no outbound reply is needed, return the exact token NO_REPLY.
Silent token: NO_REPLY`

const promptPrecedence = `When instructions conflict, the earlier entry wins:
1. Core Constraints
2. Identity & Persona (SOUL/IDENTITY/USER/MEMORY)
3. Project & Workspace Rules
4. Runtime Context
5. Skills`

const bootstrapNotice = `First-run bootstrap is pending. Work through BOOTSTRAP.md in your home directory before anything else.`

const (
	skillsScanLine   = "Scan the available skills below and use the most relevant one."
	skillsNotesLine  = "Before using a skill, check for local experience notes in home/skills/<skill>.md if present."
	skillsRecordLine = "After using a skill, record key learnings with the skills_note tool."
)

// LoadedFile records one file embedded into the prompt.
type LoadedFile struct {
	Name  string `json:"name"`
	Chars int    `json:"chars"`
}

// SkippedFile records one file that was attempted but not embedded.
type SkippedFile struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Metadata describes an assembled prompt for diagnostics.
type Metadata struct {
	Mode         Mode          `json:"mode"`
	HomeDir      string        `json:"homeDir"`
	WorkspaceDir string        `json:"workspaceDir"`
	LoadedFiles  []LoadedFile  `json:"loadedFiles"`
	SkippedFiles []SkippedFile `json:"skippedFiles"`
	PromptHash   string        `json:"promptHash"`
}

// Params are the inputs to Build.
type Params struct {
	Mode         Mode
	HomeDir      string
	WorkspaceDir string
	// BasePrompt is the agent's configured base prompt, if any.
	BasePrompt string
	// ToolNames are the enabled tool names, in registry order.
	ToolNames []string
	// WorkspaceFiles are extra rule files resolved by the caller,
	// rendered between AGENTS.md and HEARTBEAT.md.
	WorkspaceFiles []bootstrap.ContextFile
	// SkillsListing is the pre-formatted skills catalog, if any.
	SkillsListing string
	// SandboxPath and SandboxAccess describe where commands run.
	SandboxPath   string
	SandboxAccess string
}

// Build assembles the system prompt and its metadata. Missing or empty
// identity files are skipped, never fatal.
func Build(p Params) (string, Metadata) {
	if p.Mode == "" {
		p.Mode = ModeMain
	}
	meta := Metadata{Mode: p.Mode, HomeDir: p.HomeDir, WorkspaceDir: p.WorkspaceDir}

	var w sectionWriter
	w.section("# Core Constraints", coreConstraints)
	w.section("# Prompt Precedence", promptPrecedence)
	w.section("# Runtime Base Prompt", Sanitize(strings.TrimSpace(p.BasePrompt)))

	// Project & workspace rules: AGENTS.md, workspace files, HEARTBEAT.md.
	var rules []string
	if content, ok := readHomeFile(&meta, p.HomeDir, bootstrap.AgentsFile); ok {
		rules = append(rules, subsection(bootstrap.AgentsFile, content))
	}
	for _, f := range p.WorkspaceFiles {
		content := strings.TrimSpace(Sanitize(f.Content))
		if content == "" {
			meta.SkippedFiles = append(meta.SkippedFiles, SkippedFile{Name: f.Name, Reason: "empty"})
			continue
		}
		meta.LoadedFiles = append(meta.LoadedFiles, LoadedFile{Name: f.Name, Chars: utf8.RuneCountInString(content)})
		rules = append(rules, subsection(Sanitize(f.Name), content))
	}
	if p.Mode != ModeResetGreeting {
		if content, ok := readHomeFile(&meta, p.HomeDir, bootstrap.HeartbeatFile); ok {
			rules = append(rules, subsection(bootstrap.HeartbeatFile, content))
		}
	}
	w.section("# Project & Workspace Rules", strings.Join(rules, "\n\n"))

	if p.Mode != ModeSubagentMinimal {
		names := []string{bootstrap.SoulFile, bootstrap.IdentityFile, bootstrap.UserFile}
		if p.Mode == ModeMain {
			names = append(names, bootstrap.MemoryFile)
		}
		var persona []string
		for _, name := range names {
			if content, ok := readHomeFile(&meta, p.HomeDir, name); ok {
				persona = append(persona, subsection(name, content))
			}
		}
		w.section("# Identity & Persona", strings.Join(persona, "\n\n"))
	}

	var runtime []string
	if bootstrap.Pending(p.HomeDir) {
		runtime = append(runtime, subsection("Bootstrap Mode", bootstrapNotice))
	}
	if len(p.ToolNames) > 0 {
		runtime = append(runtime, subsection("Tools", "Enabled tools: "+strings.Join(p.ToolNames, ", ")))
	}
	if p.SandboxPath != "" || p.SandboxAccess != "" {
		var sb []string
		if p.SandboxPath != "" {
			sb = append(sb, "- workspace: "+Sanitize(p.SandboxPath))
		}
		if p.SandboxAccess != "" {
			sb = append(sb, "- access: "+Sanitize(p.SandboxAccess))
		}
		runtime = append(runtime, subsection("Sandbox", strings.Join(sb, "\n")))
	}
	w.section("# Runtime Context", strings.Join(runtime, "\n\n"))

	if listing := strings.TrimSpace(Sanitize(p.SkillsListing)); listing != "" {
		lines := []string{skillsScanLine, skillsNotesLine}
		for _, name := range p.ToolNames {
			if name == "skills_note" {
				lines = append(lines, skillsRecordLine)
				break
			}
		}
		w.section("# Skills", strings.Join(lines, "\n")+"\n\n"+listing)
	}

	out := w.String()
	meta.PromptHash = Hash(out)
	return out, meta
}

// Hash returns the 12-char lowercase hex digest used to correlate
// prompt builds across logs.
func Hash(promptText string) string {
	sum := sha256.Sum256([]byte(promptText))
	return hex.EncodeToString(sum[:])[:12]
}

// readHomeFile loads one identity file, recording the outcome in meta.
func readHomeFile(meta *Metadata, dir, name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		reason := err.Error()
		if errors.Is(err, fs.ErrNotExist) {
			reason = "not found"
		}
		meta.SkippedFiles = append(meta.SkippedFiles, SkippedFile{Name: name, Reason: reason})
		return "", false
	}
	content := strings.TrimSpace(Sanitize(string(data)))
	if content == "" {
		meta.SkippedFiles = append(meta.SkippedFiles, SkippedFile{Name: name, Reason: "empty"})
		return "", false
	}
	meta.LoadedFiles = append(meta.LoadedFiles, LoadedFile{Name: name, Chars: utf8.RuneCountInString(content)})
	return content, true
}

func subsection(name, body string) string {
	return fmt.Sprintf("## %s\n\n%s", name, body)
}

// sectionWriter joins non-empty top-level sections with blank lines.
type sectionWriter struct {
	b strings.Builder
}

func (w *sectionWriter) section(header, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	if w.b.Len() > 0 {
		w.b.WriteString("\n")
	}
	w.b.WriteString(header)
	w.b.WriteString("\n\n")
	w.b.WriteString(body)
	w.b.WriteString("\n")
}

func (w *sectionWriter) String() string {
	return w.b.String()
}

// bidiRunes are the bidirectional override and isolate controls that can
// visually reorder embedded text.
var bidiRunes = map[rune]bool{
	'‎': true, '‏': true,
	'‪': true, '‫': true, '‬': true, '‭': true, '‮': true,
	'⁦': true, '⁧': true, '⁨': true, '⁩': true,
}

// Sanitize strips control characters (keeping newline and tab) and bidi
// override characters from text embedded into the prompt.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || bidiRunes[r] {
			return -1
		}
		return r
	}, s)
}
