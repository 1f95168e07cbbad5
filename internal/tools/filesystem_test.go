package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fsCtx(t *testing.T) (context.Context, string) {
	t.Helper()
	ws := t.TempDir()
	ctx := WithRunContext(context.Background(), RunContext{AgentID: "main", Workspace: ws})
	return ctx, ws
}

func seedFile(t *testing.T, ws, rel, content string) {
	t.Helper()
	p := filepath.Join(ws, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("seed %s: %v", rel, err)
	}
}

func TestResolveInWorkspace(t *testing.T) {
	ws := t.TempDir()
	wsReal, err := filepath.EvalSymlinks(ws)
	if err != nil {
		wsReal = ws
	}
	seedFile(t, ws, "sub/file.txt", "x")

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"relative existing", "sub/file.txt", filepath.Join(wsReal, "sub/file.txt"), false},
		{"relative new file", "sub/new.txt", filepath.Join(wsReal, "sub/new.txt"), false},
		{"new nested dirs", "a/b/c.txt", filepath.Join(wsReal, "a/b/c.txt"), false},
		{"workspace root", ".", wsReal, false},
		{"parent escape", "../x", "", true},
		{"sneaky traversal", "sub/../../x", "", true},
		{"absolute outside", "/etc/passwd", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveInWorkspace(ws, tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("resolveInWorkspace(%q) = %q, want error", tt.path, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveInWorkspace(%q): %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("resolveInWorkspace(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolveInWorkspaceRejectsSymlinkEscape(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	seedFile(t, outside, "target.txt", "secret")

	if err := os.Symlink(filepath.Join(outside, "target.txt"), filepath.Join(ws, "link.txt")); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if _, err := resolveInWorkspace(ws, "link.txt"); err == nil {
		t.Error("existing symlink to outside target was not rejected")
	}

	// Dangling link still resolves to its would-be target.
	if err := os.Symlink(filepath.Join(outside, "missing.txt"), filepath.Join(ws, "dangling.txt")); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if _, err := resolveInWorkspace(ws, "dangling.txt"); err == nil {
		t.Error("dangling symlink to outside target was not rejected")
	}
}

func TestWriteReadEditRoundTrip(t *testing.T) {
	ctx, ws := fsCtx(t)

	write := NewWriteFileTool()
	res, err := write.Execute(ctx, map[string]interface{}{
		"path":    "notes/today.md",
		"content": "alpha beta",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.IsError || res.ForLLM != "Wrote 10 bytes to notes/today.md" {
		t.Fatalf("write result = %+v", res)
	}

	read := NewReadFileTool()
	res, err = read.Execute(ctx, map[string]interface{}{"path": "notes/today.md"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.ForLLM != "alpha beta" {
		t.Fatalf("read = %q", res.ForLLM)
	}

	edit := NewEditFileTool()
	res, err = edit.Execute(ctx, map[string]interface{}{
		"path":     "notes/today.md",
		"old_text": "beta",
		"new_text": "gamma",
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if res.IsError || res.ForLLM != "Replaced 1 occurrence(s) in notes/today.md" {
		t.Fatalf("edit result = %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(ws, "notes/today.md"))
	if string(data) != "alpha gamma" {
		t.Errorf("file = %q", data)
	}
}

func TestWriteFileAppend(t *testing.T) {
	ctx, ws := fsCtx(t)
	seedFile(t, ws, "log.txt", "one\n")

	write := NewWriteFileTool()
	res, err := write.Execute(ctx, map[string]interface{}{
		"path":    "log.txt",
		"content": "two\n",
		"append":  true,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(ws, "log.txt"))
	if string(data) != "one\ntwo\n" {
		t.Errorf("file = %q", data)
	}
}

func TestEditFileErrors(t *testing.T) {
	ctx, ws := fsCtx(t)
	seedFile(t, ws, "dup.txt", "aa aa")
	edit := NewEditFileTool()

	res, err := edit.Execute(ctx, map[string]interface{}{
		"path": "dup.txt", "old_text": "zz", "new_text": "x",
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !res.IsError || !strings.Contains(res.ForLLM, "old_text not found") {
		t.Errorf("missing text result = %+v", res)
	}

	res, err = edit.Execute(ctx, map[string]interface{}{
		"path": "dup.txt", "old_text": "aa", "new_text": "x",
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !res.IsError || !strings.Contains(res.ForLLM, "found 2 times") {
		t.Errorf("ambiguous result = %+v", res)
	}

	res, err = edit.Execute(ctx, map[string]interface{}{
		"path": "dup.txt", "old_text": "aa", "new_text": "x", "replace_all": true,
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if res.IsError || res.ForLLM != "Replaced 2 occurrence(s) in dup.txt" {
		t.Errorf("replace_all result = %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(ws, "dup.txt"))
	if string(data) != "x x" {
		t.Errorf("file = %q", data)
	}
}

func TestReadFileWindow(t *testing.T) {
	ctx, ws := fsCtx(t)
	seedFile(t, ws, "lines.txt", "l1\nl2\nl3\nl4\nl5")
	read := NewReadFileTool()

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"offset and limit", map[string]interface{}{"path": "lines.txt", "offset": float64(2), "limit": float64(2)}, "l2\nl3"},
		{"limit only", map[string]interface{}{"path": "lines.txt", "limit": float64(1)}, "l1"},
		{"offset beyond end", map[string]interface{}{"path": "lines.txt", "offset": float64(99)}, "(offset beyond end of file)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := read.Execute(ctx, tt.args)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if res.ForLLM != tt.want {
				t.Errorf("ForLLM = %q, want %q", res.ForLLM, tt.want)
			}
		})
	}
}

func TestReadFileTruncatesLargeContent(t *testing.T) {
	ctx, ws := fsCtx(t)
	seedFile(t, ws, "big.txt", strings.Repeat("a", maxReadBytes+10))

	res, err := NewReadFileTool().Execute(ctx, map[string]interface{}{"path": "big.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasSuffix(res.ForLLM, "[truncated at 100KB]") {
		t.Errorf("want truncation marker, got tail %q", res.ForLLM[len(res.ForLLM)-30:])
	}
}

func TestLsTool(t *testing.T) {
	ctx, ws := fsCtx(t)
	seedFile(t, ws, "a.txt", "abc")
	seedFile(t, ws, "sub/b.txt", "b")
	seedFile(t, ws, ".hidden/c.txt", "c")

	ls := NewLsTool()
	res, err := ls.Execute(ctx, map[string]interface{}{})
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if !strings.Contains(res.ForLLM, "a.txt") || !strings.Contains(res.ForLLM, "sub") {
		t.Errorf("flat listing = %q", res.ForLLM)
	}
	if strings.Contains(res.ForLLM, "b.txt") {
		t.Errorf("flat listing recursed: %q", res.ForLLM)
	}

	res, err = ls.Execute(ctx, map[string]interface{}{"recursive": true})
	if err != nil {
		t.Fatalf("ls -r: %v", err)
	}
	if !strings.Contains(res.ForLLM, filepath.Join("sub", "b.txt")) {
		t.Errorf("recursive listing = %q", res.ForLLM)
	}
	if strings.Contains(res.ForLLM, "c.txt") {
		t.Errorf("recursive listing entered hidden dir: %q", res.ForLLM)
	}

	res, err = ls.Execute(ctx, map[string]interface{}{"path": "missing"})
	if err != nil {
		t.Fatalf("ls missing: %v", err)
	}
	if !res.IsError {
		t.Errorf("want error for missing dir, got %q", res.ForLLM)
	}
}

func TestGrepTool(t *testing.T) {
	ctx, ws := fsCtx(t)
	seedFile(t, ws, "code.go", "func main() {\n// TODO refactor\n}")
	seedFile(t, ws, "notes.txt", "todo: buy milk")

	grep := NewGrepTool()

	res, err := grep.Execute(ctx, map[string]interface{}{"pattern": "TODO"})
	if err != nil {
		t.Fatalf("grep: %v", err)
	}
	if !strings.Contains(res.ForLLM, "code.go:2:// TODO refactor") {
		t.Errorf("output = %q", res.ForLLM)
	}
	if strings.Contains(res.ForLLM, "notes.txt") {
		t.Errorf("case-sensitive grep matched lowercase: %q", res.ForLLM)
	}

	res, err = grep.Execute(ctx, map[string]interface{}{"pattern": "TODO", "case_insensitive": true})
	if err != nil {
		t.Fatalf("grep -i: %v", err)
	}
	if !strings.Contains(res.ForLLM, "notes.txt:1:todo: buy milk") {
		t.Errorf("output = %q", res.ForLLM)
	}

	res, err = grep.Execute(ctx, map[string]interface{}{"pattern": "todo", "case_insensitive": true, "file_pattern": "*.go"})
	if err != nil {
		t.Fatalf("grep glob: %v", err)
	}
	if strings.Contains(res.ForLLM, "notes.txt") {
		t.Errorf("file_pattern did not filter: %q", res.ForLLM)
	}

	res, err = grep.Execute(ctx, map[string]interface{}{"pattern": "absent_symbol"})
	if err != nil {
		t.Fatalf("grep none: %v", err)
	}
	if !strings.Contains(res.ForLLM, `No matches found for "absent_symbol"`) {
		t.Errorf("output = %q", res.ForLLM)
	}

	res, err = grep.Execute(ctx, map[string]interface{}{"pattern": "(unclosed"})
	if err != nil {
		t.Fatalf("grep bad pattern: %v", err)
	}
	if !res.IsError || !strings.Contains(res.ForLLM, "invalid pattern") {
		t.Errorf("result = %+v", res)
	}
}

func TestGrepToolMaxResults(t *testing.T) {
	ctx, ws := fsCtx(t)
	seedFile(t, ws, "many.txt", "hit\nhit\nhit\nhit")

	res, err := NewGrepTool().Execute(ctx, map[string]interface{}{
		"pattern":     "hit",
		"max_results": float64(2),
	})
	if err != nil {
		t.Fatalf("grep: %v", err)
	}
	if got := strings.Count(res.ForLLM, "hit"); got != 2 {
		t.Errorf("matches = %d, want 2 (output %q)", got, res.ForLLM)
	}
}

func TestFindTool(t *testing.T) {
	ctx, ws := fsCtx(t)
	seedFile(t, ws, "a.go", "")
	seedFile(t, ws, "sub/b.go", "")
	seedFile(t, ws, "sub/c.txt", "")

	find := NewFindTool()
	tests := []struct {
		name    string
		pattern string
		want    string
	}{
		{"base name glob", "*.go", "a.go\n" + filepath.Join("sub", "b.go")},
		{"double star", "**/*.go", "a.go\n" + filepath.Join("sub", "b.go")},
		{"path glob", "sub/*.txt", filepath.Join("sub", "c.txt")},
		{"no match", "*.rs", "No files found."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := find.Execute(ctx, map[string]interface{}{"pattern": tt.pattern})
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if res.ForLLM != tt.want {
				t.Errorf("find(%q) = %q, want %q", tt.pattern, res.ForLLM, tt.want)
			}
		})
	}
}

func TestFileToolsRequireWorkspace(t *testing.T) {
	ctx := context.Background() // no RunContext

	res, err := NewReadFileTool().Execute(ctx, map[string]interface{}{"path": "x.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !res.IsError || !strings.Contains(res.ForLLM, "no workspace") {
		t.Errorf("result = %+v", res)
	}
}
