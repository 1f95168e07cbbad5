package sandbox

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseBind(t *testing.T) {
	tests := []struct {
		spec     string
		source   string
		target   string
		readOnly bool
		wantErr  bool
	}{
		{spec: "/host/data:/data", source: "/host/data", target: "/data"},
		{spec: "/host/data:/data:ro", source: "/host/data", target: "/data", readOnly: true},
		{spec: "/host/data:/data:rw", source: "/host/data", target: "/data"},
		{spec: "nocolon", wantErr: true},
		{spec: "a:b:c:d", wantErr: true},
	}
	for _, tt := range tests {
		m, err := parseBind(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseBind(%q) succeeded", tt.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseBind(%q): %v", tt.spec, err)
			continue
		}
		if m.Source != tt.source || m.Target != tt.target || m.ReadOnly != tt.readOnly {
			t.Errorf("parseBind(%q) = %+v", tt.spec, m)
		}
	}
}

func TestContainerCwdMapping(t *testing.T) {
	ws := t.TempDir()
	if got := containerCwd(ws, ws); got != "/workspace" {
		t.Errorf("root maps to %q", got)
	}
	if got := containerCwd(ws, filepath.Join(ws, "sub", "dir")); got != "/workspace/sub/dir" {
		t.Errorf("subdir maps to %q", got)
	}
}

func TestEnvListSorted(t *testing.T) {
	got := envList(map[string]string{"B": "2", "A": "1", "C": "3"})
	want := []string{"A=1", "B=2", "C=3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("envList = %v, want %v", got, want)
	}
	if envList(nil) != nil {
		t.Error("empty env should return nil")
	}
}

func TestContainerProbeWithoutImage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeDocker
	e, err := newContainerExecutor(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("newContainerExecutor: %v", err)
	}
	pr := e.Probe(context.Background())
	if pr.OK {
		t.Error("Probe ok without an image")
	}
	if pr.Message != "sandbox image not configured" {
		t.Errorf("message = %q", pr.Message)
	}
	if pr.Mode != ModeDocker {
		t.Errorf("mode = %q", pr.Mode)
	}
	if len(pr.Hints) == 0 {
		t.Error("no hints returned")
	}
}
