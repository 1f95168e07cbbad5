package subagent

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/moziai/mozi/internal/agent"
	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/providers"
)

// handleLifecycle tracks child-run state from the lifecycle stream.
// Events for runs the registry never spawned (the parents' own turns)
// fall through on the record lookup. Terminal phases synthesize the
// parent-facing trigger message.
func (r *Registry) handleLifecycle(ev bus.RunEvent) {
	if ev.Stream != bus.StreamLifecycle {
		return
	}
	data, ok := ev.Data.(bus.LifecycleData)
	if !ok {
		return
	}

	r.mu.Lock()
	run, ok := r.runs[ev.RunID]
	if !ok || run.ChildKey != ev.SessionKey || run.AnnouncedAt != nil {
		r.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	switch data.Phase {
	case bus.PhaseStart:
		run.Status = StatusRunning
		run.StartedAt = &now
		if data.StartedAt != nil {
			run.StartedAt = data.StartedAt
		}
		r.persistLocked()
		r.mu.Unlock()
		return
	case bus.PhaseEnd:
		run.Status = StatusCompleted
	case bus.PhaseError:
		run.Status = StatusFailed
		if data.Error != "" {
			run.Error = data.Error
		}
	default:
		r.mu.Unlock()
		return
	}
	run.EndedAt = &now
	if data.EndedAt != nil {
		run.EndedAt = data.EndedAt
	}
	run.AnnouncedAt = &now
	snapshot := *run
	r.persistLocked()
	r.mu.Unlock()

	// The child's final transcript is already flushed: the runner
	// persists before publishing the terminal phase, and this handler
	// runs synchronously on the publishing goroutine.
	r.announce(snapshot)
}

// announce injects the trigger message into the parent session. The
// parent's next turn summarizes it for the user (or stays silent).
func (r *Registry) announce(run Run) {
	if r.bus == nil || run.ParentKey == "" {
		return
	}

	phrase := "completed"
	if run.Status == StatusFailed {
		phrase = "failed"
	}
	trigger := buildTrigger(run, r.findings(run), phrase)

	r.bus.PublishInbound(bus.InboundMessage{
		Channel:    run.Channel,
		SenderID:   "subagent:" + run.RunID,
		PeerID:     run.PeerID,
		PeerKind:   run.PeerKind,
		Content:    trigger,
		AgentID:    run.ParentAgent,
		SessionKey: run.ParentKey,
	})
	slog.Info("subagent run announced",
		"runId", run.RunID, "status", run.Status, "parent", run.ParentKey)
}

// findings extracts the result text for the announcement. Failed runs
// report their error; completed runs read the child session's last
// assistant message.
func (r *Registry) findings(run Run) string {
	if run.Status == StatusFailed && run.Error != "" {
		return "Error: " + run.Error
	}
	if text := r.lastAssistantText(run.ChildKey); text != "" {
		return text
	}
	return "(no output)"
}

// lastAssistantText returns the child transcript's final assistant text,
// sanitized for delivery. A deliberate NO_REPLY yields "".
func (r *Registry) lastAssistantText(childKey string) string {
	if r.sessions == nil {
		return ""
	}
	sess, ok := r.sessions.Get(childKey)
	if !ok {
		return ""
	}
	for i := len(sess.Context) - 1; i >= 0; i-- {
		m := sess.Context[i]
		if m.Role != providers.RoleAssistant {
			continue
		}
		text := agent.SanitizeAssistantContent(m.TextContent())
		if text == "" {
			continue // tool-call step with no prose
		}
		if agent.IsSilentReply(text) {
			return ""
		}
		return text
	}
	return ""
}

func buildTrigger(run Run, findings, phrase string) string {
	label := run.Label
	if label == "" {
		label = run.Task
	}

	started := run.CreatedAt
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	ended := time.Now().UTC()
	if run.EndedAt != nil {
		ended = *run.EndedAt
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "A background task %q just %s.\n\n", label, phrase)
	sb.WriteString("Findings:\n")
	sb.WriteString(findings)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Stats: runtime %s • sessionKey %s\n\n", formatRuntime(ended.Sub(started)), run.ChildKey)
	sb.WriteString("Summarize this naturally for the user. Keep it brief (1-2 sentences).\n")
	sb.WriteString("Do not mention session keys or other internal identifiers.\n")
	sb.WriteString("You can respond with NO_REPLY if no announcement is needed.")
	return sb.String()
}

func formatRuntime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
