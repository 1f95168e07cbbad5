// Package heartbeat wakes configured agents on a schedule by injecting
// a synthetic inbound prompt into their most recent session. The agent's
// HEARTBEAT.md rules (surfaced by the prompt assembler) tell it what to
// check; NO_REPLY suppression keeps quiet ticks away from the user.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/sessions"
)

// defaultPrompt is sent when the descriptor sets no prompt of its own.
const defaultPrompt = "Heartbeat check: follow the HEARTBEAT.md tasks in your rules and " +
	"review recent memory for anything time-sensitive. If something needs the user's " +
	"attention, write a concise message. If not, respond with NO_REPLY."

// timestampLayout prefixes every heartbeat prompt so the agent can
// reason about elapsed time between ticks.
const timestampLayout = "2006-01-02 15:04"

// TurnProbe reports whether a session currently runs a turn.
// *agent.Registry satisfies it.
type TurnProbe interface {
	TurnActive(sessionKey string) bool
}

// Options wire a Runner.
type Options struct {
	Config   *config.Config
	Bus      bus.MessageRouter
	Sessions *sessions.Store
	Probe    TurnProbe // optional; nil never skips
}

// Runner schedules heartbeat ticks for every agent whose config carries
// an enabled descriptor. One goroutine per agent.
type Runner struct {
	cfg      *config.Config
	bus      bus.MessageRouter
	sessions *sessions.Store
	probe    TurnProbe

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	now       func() time.Time // test override
}

// NewRunner builds a heartbeat runner. Start launches the schedules.
func NewRunner(opts Options) *Runner {
	return &Runner{
		cfg:      opts.Config,
		bus:      opts.Bus,
		sessions: opts.Sessions,
		probe:    opts.Probe,
		now:      time.Now,
	}
}

// Start launches a schedule goroutine per heartbeat-enabled agent.
// Invalid descriptors are logged and skipped; doctor surfaces them.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		for _, agentID := range r.cfg.AgentIDs() {
			agent := r.cfg.ResolveAgent(agentID)
			hb := agent.Heartbeat
			if hb == nil || !hb.Enabled {
				continue
			}
			if err := ValidateDescriptor(hb); err != nil {
				slog.Warn("heartbeat descriptor invalid, skipping agent", "agent", agentID, "error", err)
				continue
			}
			r.wg.Add(1)
			go func(id string, hb config.HeartbeatConfig) {
				defer r.wg.Done()
				r.schedule(ctx, id, hb)
			}(agentID, *hb)
			slog.Info("heartbeat scheduled", "agent", agentID, "every", hb.Every, "cron", hb.Cron)
		}
	})
}

// Close stops all schedules and waits for them to exit.
func (r *Runner) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// schedule sleeps until each tick and fires. Interval descriptors use a
// ticker; cron descriptors compute the next match after every fire.
func (r *Runner) schedule(ctx context.Context, agentID string, hb config.HeartbeatConfig) {
	if hb.Every != "" {
		interval, _ := time.ParseDuration(hb.Every)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.fire(agentID, hb)
			}
		}
	}

	for {
		next, err := gronx.NextTickAfter(hb.Cron, r.now(), false)
		if err != nil {
			slog.Error("heartbeat cron evaluation failed", "agent", agentID, "cron", hb.Cron, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.fire(agentID, hb)
		}
	}
}

// fire injects one heartbeat prompt, unless the tick lands outside the
// active-hours window, no channel session exists yet, or the target
// session is mid-turn (skipped, not queued: a late heartbeat behind a
// long turn is noise by the time it runs).
func (r *Runner) fire(agentID string, hb config.HeartbeatConfig) {
	now := r.now()
	if !inActiveHours(now, hb.ActiveHours) {
		slog.Debug("heartbeat outside active hours", "agent", agentID)
		return
	}
	target, ok := r.sessions.LastUsedTarget(agentID)
	if !ok {
		slog.Debug("heartbeat has no session to wake", "agent", agentID)
		return
	}
	if r.probe != nil && r.probe.TurnActive(target.Key) {
		slog.Debug("heartbeat skipped, turn active", "agent", agentID, "session", target.Key)
		return
	}

	prompt := strings.TrimSpace(hb.Prompt)
	if prompt == "" {
		prompt = defaultPrompt
	}
	r.bus.PublishInbound(bus.InboundMessage{
		Channel:    target.Channel,
		SenderID:   "heartbeat",
		PeerID:     target.PeerID,
		PeerKind:   target.PeerKind,
		Content:    fmt.Sprintf("[heartbeat %s] %s", now.Format(timestampLayout), prompt),
		AgentID:    agentID,
		SessionKey: target.Key,
		ModelRef:   hb.Model,
	})
	slog.Info("heartbeat fired", "agent", agentID, "session", target.Key)
}

// ValidateDescriptor checks a heartbeat config for schedulability:
// exactly one of every/cron, a parseable positive interval or valid cron
// expression, and well-formed active hours. Doctor reuses it.
func ValidateDescriptor(hb *config.HeartbeatConfig) error {
	if hb == nil {
		return fmt.Errorf("heartbeat descriptor is nil")
	}
	switch {
	case hb.Every == "" && hb.Cron == "":
		return fmt.Errorf("set either every or cron")
	case hb.Every != "" && hb.Cron != "":
		return fmt.Errorf("set either every or cron, not both")
	}
	if hb.Every != "" {
		d, err := time.ParseDuration(hb.Every)
		if err != nil {
			return fmt.Errorf("invalid every duration %q: %w", hb.Every, err)
		}
		if d <= 0 {
			return fmt.Errorf("every duration must be positive, got %q", hb.Every)
		}
	}
	if hb.Cron != "" && !gronx.New().IsValid(hb.Cron) {
		return fmt.Errorf("invalid cron expression %q", hb.Cron)
	}
	if ah := hb.ActiveHours; ah != nil {
		if ah.Start != "" {
			if _, err := parseHHMM(ah.Start); err != nil {
				return fmt.Errorf("invalid activeHours.start: %w", err)
			}
		}
		if ah.End != "" {
			if _, err := parseHHMM(ah.End); err != nil {
				return fmt.Errorf("invalid activeHours.end: %w", err)
			}
		}
		if ah.Timezone != "" {
			if _, err := time.LoadLocation(ah.Timezone); err != nil {
				return fmt.Errorf("invalid activeHours.timezone %q: %w", ah.Timezone, err)
			}
		}
	}
	return nil
}

// inActiveHours reports whether now falls inside the window. Start is
// inclusive, end exclusive; a window may wrap midnight (22:00-06:00).
// Malformed fields were rejected at validation, so parse errors here
// fall back to an open window.
func inActiveHours(now time.Time, ah *config.ActiveHoursConfig) bool {
	if ah == nil {
		return true
	}
	loc := time.Local
	if ah.Timezone != "" {
		if l, err := time.LoadLocation(ah.Timezone); err == nil {
			loc = l
		}
	}
	start, end := 0, 24*60
	if ah.Start != "" {
		if m, err := parseHHMM(ah.Start); err == nil {
			start = m
		}
	}
	if ah.End != "" {
		if m, err := parseHHMM(ah.End); err == nil {
			end = m
		}
	}
	if start == end {
		return true
	}
	t := now.In(loc)
	cur := t.Hour()*60 + t.Minute()
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return h*60 + m, nil
}
