package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// File tools operate on the calling agent's workspace. Relative paths
// resolve against it and resolved paths must stay inside it; symlinks
// are followed before the containment check so links cannot point an
// operation out of the workspace.

const (
	maxReadBytes   = 100_000
	maxGrepBytes   = 50_000
	maxListEntries = 500
	maxFindEntries = 200
)

var (
	errPathOutsideWorkspace = errors.New("access denied: path outside workspace")
	errNoWorkspace          = errors.New("no workspace is configured for this agent")
)

// workspaceRoot returns the calling agent's workspace directory.
func workspaceRoot(ctx context.Context) (string, error) {
	ws := RunContextFrom(ctx).Workspace
	if ws == "" {
		return "", errNoWorkspace
	}
	return ws, nil
}

// resolveInWorkspace resolves p against the workspace root and rejects
// anything that lands outside it once symlinks are followed. Paths that
// do not exist yet resolve through their deepest existing ancestor, so
// writes may target new files but not escape through dangling links.
func resolveInWorkspace(workspace, p string) (string, error) {
	absWs, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	wsReal := absWs
	if real, err := filepath.EvalSymlinks(absWs); err == nil {
		wsReal = real
	}

	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(wsReal, target)
	}
	real, err := canonicalPath(filepath.Clean(target), 0)
	if err != nil {
		return "", err
	}
	if !pathInside(real, wsReal) {
		return "", errPathOutsideWorkspace
	}
	return real, nil
}

// canonicalPath resolves symlinks in target even when the final
// components do not exist yet. Dangling links resolve to their target
// so the escape check sees the real destination.
func canonicalPath(target string, depth int) (string, error) {
	if depth > 40 {
		return "", errors.New("access denied: too many levels of symbolic links")
	}
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(target)
		if err != nil {
			return "", errors.New("access denied: cannot resolve symlink")
		}
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(filepath.Dir(target), dest)
		}
		return canonicalPath(filepath.Clean(dest), depth+1)
	}

	// Walk up to the deepest existing ancestor, canonicalize it, and
	// reattach the missing components.
	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(target), nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
		if real, err := filepath.EvalSymlinks(current); err == nil {
			return filepath.Join(append([]string{real}, tail...)...), nil
		}
	}
}

func pathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// workspacePath combines the context lookup and containment check all
// file tools start with.
func workspacePath(ctx context.Context, p string) (resolved, root string, errRes *Result) {
	ws, err := workspaceRoot(ctx)
	if err != nil {
		return "", "", ErrorResult(err.Error())
	}
	resolved, err = resolveInWorkspace(ws, p)
	if err != nil {
		return "", "", ErrorResult(err.Error())
	}
	return resolved, ws, nil
}

// ReadFileTool reads workspace files, optionally a line window.
type ReadFileTool struct{}

func NewReadFileTool() *ReadFileTool { return &ReadFileTool{} }

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file in the workspace" }
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "Line number to start reading from (1-based)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of lines to return",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required"), nil
	}
	resolved, _, errRes := workspacePath(ctx, path)
	if errRes != nil {
		return errRes, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err)), nil
	}
	text := string(data)

	offset := intArg(args["offset"])
	limit := intArg(args["limit"])
	if offset > 1 || limit > 0 {
		lines := strings.Split(text, "\n")
		if offset > len(lines) {
			return NewResult("(offset beyond end of file)"), nil
		}
		if offset > 1 {
			lines = lines[offset-1:]
		}
		if limit > 0 && limit < len(lines) {
			lines = lines[:limit]
		}
		text = strings.Join(lines, "\n")
	}

	if len(text) > maxReadBytes {
		text = text[:maxReadBytes] + "\n... [truncated at 100KB]"
	}
	return NewResult(text), nil
}

// WriteFileTool writes or appends workspace files, creating parent
// directories as needed.
type WriteFileTool struct{}

func NewWriteFileTool() *WriteFileTool { return &WriteFileTool{} }

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories if needed"
}
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
			"append": map[string]interface{}{
				"type":        "boolean",
				"description": "Append instead of overwriting",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	path, _ := args["path"].(string)
	content, hasContent := args["content"].(string)
	if path == "" || !hasContent {
		return ErrorResult("path and content are required"), nil
	}
	resolved, _, errRes := workspacePath(ctx, path)
	if errRes != nil {
		return errRes, nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err)), nil
	}

	var err error
	if appendMode, _ := args["append"].(bool); appendMode {
		var f *os.File
		f, err = os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			_, err = f.WriteString(content)
			f.Close()
		}
	} else {
		err = os.WriteFile(resolved, []byte(content), 0o644)
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err)), nil
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path)), nil
}

// EditFileTool replaces an exact text occurrence in a workspace file.
type EditFileTool struct{}

func NewEditFileTool() *EditFileTool { return &EditFileTool{} }

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Edit a file by replacing an exact text occurrence with new text"
}
func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
			"old_text": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to find (must be unique unless replace_all is set)",
			},
			"new_text": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
			"replace_all": map[string]interface{}{
				"type":        "boolean",
				"description": "Replace every occurrence",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if path == "" || oldText == "" {
		return ErrorResult("path and old_text are required"), nil
	}
	resolved, _, errRes := workspacePath(ctx, path)
	if errRes != nil {
		return errRes, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err)), nil
	}
	text := string(data)

	count := strings.Count(text, oldText)
	if count == 0 {
		return ErrorResult(fmt.Sprintf("old_text not found in %s", path)), nil
	}
	replaceAll, _ := args["replace_all"].(bool)
	if !replaceAll && count > 1 {
		return ErrorResult(fmt.Sprintf("old_text found %d times in %s; provide more context to make it unique, or set replace_all", count, path)), nil
	}

	var updated string
	replaced := 1
	if replaceAll {
		updated = strings.ReplaceAll(text, oldText, newText)
		replaced = count
	} else {
		updated = strings.Replace(text, oldText, newText, 1)
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(resolved); err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(resolved, []byte(updated), mode); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err)), nil
	}
	return NewResult(fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, path)), nil
}

// LsTool lists a workspace directory.
type LsTool struct{}

func NewLsTool() *LsTool { return &LsTool{} }

func (t *LsTool) Name() string        { return "ls" }
func (t *LsTool) Description() string { return "List files and directories in the workspace" }
func (t *LsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list, relative to the workspace (default: workspace root)",
			},
			"recursive": map[string]interface{}{
				"type":        "boolean",
				"description": "List recursively",
			},
		},
	}
}

func (t *LsTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, _, errRes := workspacePath(ctx, path)
	if errRes != nil {
		return errRes, nil
	}

	recursive, _ := args["recursive"].(bool)
	var sb strings.Builder
	if !recursive {
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return ErrorResult(fmt.Sprintf("failed to read directory: %v", err)), nil
		}
		for _, e := range entries {
			sb.WriteString(formatDirEntry(e.Name(), e.IsDir(), entrySize(e)))
		}
		if sb.Len() == 0 {
			return NewResult("(empty directory)"), nil
		}
		return NewResult(sb.String()), nil
	}

	count := 0
	walkErr := filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if count >= maxListEntries {
			return filepath.SkipAll
		}
		if d.IsDir() && p != resolved && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(resolved, p)
		if relErr != nil || rel == "." {
			return nil
		}
		var size int64
		if info, infoErr := d.Info(); infoErr == nil {
			size = info.Size()
		}
		sb.WriteString(formatDirEntry(rel, d.IsDir(), size))
		count++
		return nil
	})
	if walkErr != nil {
		return ErrorResult(fmt.Sprintf("failed to list directory: %v", walkErr)), nil
	}
	if count >= maxListEntries {
		sb.WriteString("\n... [truncated at 500 entries]")
	}
	if sb.Len() == 0 {
		return NewResult("(empty directory)"), nil
	}
	return NewResult(sb.String()), nil
}

func formatDirEntry(name string, isDir bool, size int64) string {
	prefix := "  "
	if isDir {
		prefix = "d "
	}
	return fmt.Sprintf("%s %8d  %s\n", prefix, size, name)
}

func entrySize(e fs.DirEntry) int64 {
	if info, err := e.Info(); err == nil {
		return info.Size()
	}
	return 0
}

// GrepTool searches workspace files for a regular expression. The scan
// runs in-process so results never depend on host binaries.
type GrepTool struct{}

func NewGrepTool() *GrepTool { return &GrepTool{} }

func (t *GrepTool) Name() string        { return "grep" }
func (t *GrepTool) Description() string { return "Search workspace files for a regular expression" }
func (t *GrepTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to search, relative to the workspace (default: workspace root)",
			},
			"file_pattern": map[string]interface{}{
				"type":        "string",
				"description": "Glob to filter file names (e.g. '*.go')",
			},
			"case_insensitive": map[string]interface{}{
				"type":        "boolean",
				"description": "Case insensitive search",
			},
			"max_results": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of matching lines (default: 50)",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required"), nil
	}
	expr := pattern
	if caseInsensitive, _ := args["case_insensitive"].(bool); caseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err)), nil
	}

	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, _, errRes := workspacePath(ctx, path)
	if errRes != nil {
		return errRes, nil
	}

	filePattern, _ := args["file_pattern"].(string)
	maxResults := intArg(args["max_results"])
	if maxResults <= 0 {
		maxResults = 50
	}

	var sb strings.Builder
	matches := 0
	filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil || matches >= maxResults {
			if matches >= maxResults {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			if p != resolved && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filePattern != "" {
			if ok, _ := filepath.Match(filePattern, d.Name()); !ok {
				return nil
			}
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil || looksBinary(data) {
			return nil
		}
		rel, relErr := filepath.Rel(resolved, p)
		if relErr != nil {
			rel = p
		}
		for i, line := range strings.Split(string(data), "\n") {
			if matches >= maxResults {
				return filepath.SkipAll
			}
			if re.MatchString(line) {
				sb.WriteString(fmt.Sprintf("%s:%d:%s\n", rel, i+1, line))
				matches++
			}
		}
		return nil
	})

	if matches == 0 {
		return NewResult(fmt.Sprintf("No matches found for %q in %s", pattern, path)), nil
	}
	out := sb.String()
	if len(out) > maxGrepBytes {
		out = out[:maxGrepBytes] + "\n... [truncated]"
	}
	return NewResult(out), nil
}

// looksBinary reports whether data starts with a NUL in its first 8KB.
func looksBinary(data []byte) bool {
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return false
}

// FindTool locates workspace files by glob pattern, matching the base
// name for bare patterns and the relative path for patterns with
// separators.
type FindTool struct{}

func NewFindTool() *FindTool { return &FindTool{} }

func (t *FindTool) Name() string        { return "find" }
func (t *FindTool) Description() string { return "Find workspace files matching a glob pattern" }
func (t *FindTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Glob pattern (e.g. '*.go', 'src/**/*.ts')",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to search, relative to the workspace (default: workspace root)",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *FindTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required"), nil
	}
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, _, errRes := workspacePath(ctx, path)
	if errRes != nil {
		return errRes, nil
	}

	// Patterns with ** match by base name against their last segment;
	// other patterns with separators match the whole relative path.
	fileGlob := pattern
	matchBase := !strings.Contains(pattern, "/")
	if idx := strings.LastIndex(pattern, "/"); idx >= 0 && strings.Contains(pattern, "**") {
		fileGlob = pattern[idx+1:]
		matchBase = true
	}

	var found []string
	filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil || len(found) >= maxFindEntries {
			if len(found) >= maxFindEntries {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if p != resolved && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(resolved, p)
		if relErr != nil {
			return nil
		}
		var ok bool
		if matchBase {
			ok, _ = filepath.Match(fileGlob, d.Name())
		} else {
			ok, _ = filepath.Match(pattern, rel)
		}
		if ok {
			found = append(found, rel)
		}
		return nil
	})

	if len(found) == 0 {
		return NewResult("No files found."), nil
	}
	sort.Strings(found)
	return NewResult(strings.Join(found, "\n")), nil
}

// intArg coerces a JSON number argument into an int.
func intArg(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
