package heartbeat

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/sessions"
)

type stubProbe bool

func (s stubProbe) TurnActive(string) bool { return bool(s) }

func newTestRunner(t *testing.T, hb *config.HeartbeatConfig, probe TurnProbe) (*Runner, *bus.MessageBus, *sessions.Store) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Paths: config.PathsConfig{Base: dir, Sessions: filepath.Join(dir, "sessions")},
		Agents: config.AgentsConfig{
			List: map[string]config.AgentSpec{
				"main": {Main: true, Model: "fake/big", Heartbeat: hb},
			},
		},
	}
	store, err := sessions.NewStore(cfg.Paths.Sessions)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	mb := bus.New()
	r := NewRunner(Options{Config: cfg, Bus: mb, Sessions: store, Probe: probe})
	return r, mb, store
}

func expectNone(t *testing.T, mb *bus.MessageBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if msg, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("unexpected message published: %+v", msg)
	}
}

func TestValidateDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		hb      *config.HeartbeatConfig
		wantErr string
	}{
		{"every ok", &config.HeartbeatConfig{Every: "30m"}, ""},
		{"cron ok", &config.HeartbeatConfig{Cron: "*/5 * * * *"}, ""},
		{"neither", &config.HeartbeatConfig{}, "set either"},
		{"both", &config.HeartbeatConfig{Every: "30m", Cron: "* * * * *"}, "not both"},
		{"bad duration", &config.HeartbeatConfig{Every: "soon"}, "invalid every duration"},
		{"zero duration", &config.HeartbeatConfig{Every: "0s"}, "must be positive"},
		{"bad cron", &config.HeartbeatConfig{Cron: "61 * * * *"}, "invalid cron expression"},
		{
			"bad start",
			&config.HeartbeatConfig{Every: "1h", ActiveHours: &config.ActiveHoursConfig{Start: "25:00"}},
			"activeHours.start",
		},
		{
			"bad end",
			&config.HeartbeatConfig{Every: "1h", ActiveHours: &config.ActiveHoursConfig{End: "nope"}},
			"activeHours.end",
		},
		{
			"bad timezone",
			&config.HeartbeatConfig{Every: "1h", ActiveHours: &config.ActiveHoursConfig{Timezone: "Mars/Crater"}},
			"activeHours.timezone",
		},
		{"nil", nil, "nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDescriptor(tt.hb)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateDescriptor: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestInActiveHours(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 14, hour, min, 0, 0, time.UTC)
	}
	day := &config.ActiveHoursConfig{Start: "09:00", End: "17:00", Timezone: "UTC"}
	night := &config.ActiveHoursConfig{Start: "22:00", End: "06:00", Timezone: "UTC"}

	tests := []struct {
		name string
		now  time.Time
		ah   *config.ActiveHoursConfig
		want bool
	}{
		{"nil window", at(3, 0), nil, true},
		{"inside", at(10, 0), day, true},
		{"start inclusive", at(9, 0), day, true},
		{"end exclusive", at(17, 0), day, false},
		{"before start", at(8, 59), day, false},
		{"wrap late evening", at(23, 0), night, true},
		{"wrap early morning", at(5, 59), night, true},
		{"wrap midday", at(12, 0), night, false},
		{
			"degenerate window is open",
			at(12, 0),
			&config.ActiveHoursConfig{Start: "09:00", End: "09:00", Timezone: "UTC"},
			true,
		},
		{
			"open ended",
			at(23, 30),
			&config.ActiveHoursConfig{Timezone: "UTC"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inActiveHours(tt.now, tt.ah); got != tt.want {
				t.Errorf("inActiveHours = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFirePublishes(t *testing.T) {
	r, mb, store := newTestRunner(t, nil, nil)
	if _, err := store.GetOrCreate("agent:main:cli:dm:u1", "main"); err != nil {
		t.Fatal(err)
	}

	r.fire("main", config.HeartbeatConfig{Prompt: "check the queue", Model: "fake/mini"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no heartbeat message published")
	}
	if msg.SessionKey != "agent:main:cli:dm:u1" || msg.AgentID != "main" {
		t.Errorf("routing = key %q agent %q", msg.SessionKey, msg.AgentID)
	}
	if msg.Channel != "cli" || msg.PeerID != "u1" || msg.PeerKind != "dm" {
		t.Errorf("origin = %q %q %q", msg.Channel, msg.PeerID, msg.PeerKind)
	}
	if msg.SenderID != "heartbeat" || msg.ModelRef != "fake/mini" {
		t.Errorf("sender %q model %q", msg.SenderID, msg.ModelRef)
	}
	if !strings.HasPrefix(msg.Content, "[heartbeat ") || !strings.Contains(msg.Content, "check the queue") {
		t.Errorf("content = %q", msg.Content)
	}

	// Default prompt points the agent at HEARTBEAT.md and NO_REPLY.
	r.fire("main", config.HeartbeatConfig{})
	msg, ok = mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no default-prompt message published")
	}
	if !strings.Contains(msg.Content, "HEARTBEAT.md") || !strings.Contains(msg.Content, "NO_REPLY") {
		t.Errorf("default content = %q", msg.Content)
	}
}

func TestFireSkips(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		r, mb, _ := newTestRunner(t, nil, nil)
		r.fire("main", config.HeartbeatConfig{})
		expectNone(t, mb)
	})

	t.Run("turn active", func(t *testing.T) {
		r, mb, store := newTestRunner(t, nil, stubProbe(true))
		if _, err := store.GetOrCreate("agent:main:cli:dm:u1", "main"); err != nil {
			t.Fatal(err)
		}
		r.fire("main", config.HeartbeatConfig{})
		expectNone(t, mb)
	})

	t.Run("outside active hours", func(t *testing.T) {
		r, mb, store := newTestRunner(t, nil, nil)
		if _, err := store.GetOrCreate("agent:main:cli:dm:u1", "main"); err != nil {
			t.Fatal(err)
		}
		r.now = func() time.Time {
			return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		}
		r.fire("main", config.HeartbeatConfig{
			ActiveHours: &config.ActiveHoursConfig{Start: "13:00", End: "14:00", Timezone: "UTC"},
		})
		expectNone(t, mb)
	})
}

func TestStartSchedulesInterval(t *testing.T) {
	hb := &config.HeartbeatConfig{Enabled: true, Every: "10ms"}
	r, mb, store := newTestRunner(t, hb, nil)
	if _, err := store.GetOrCreate("agent:main:cli:dm:u1", "main"); err != nil {
		t.Fatal(err)
	}

	r.Start(context.Background())
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("interval heartbeat never fired")
	}
	if msg.SessionKey != "agent:main:cli:dm:u1" {
		t.Errorf("SessionKey = %q", msg.SessionKey)
	}
}

func TestStartSkipsInvalidDescriptor(t *testing.T) {
	hb := &config.HeartbeatConfig{Enabled: true, Cron: "not a cron"}
	r, mb, store := newTestRunner(t, hb, nil)
	if _, err := store.GetOrCreate("agent:main:cli:dm:u1", "main"); err != nil {
		t.Fatal(err)
	}

	r.Start(context.Background())
	defer r.Close()
	expectNone(t, mb)
}
