// Package subagent runs background agent turns on derived session keys
// and announces their findings back to the parent session. Spawned runs
// are tracked in a persistent registry so restarts never strand a
// parent waiting on work that can no longer finish.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moziai/mozi/internal/agent"
	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/prompt"
	"github.com/moziai/mozi/internal/sessions"
	"github.com/moziai/mozi/internal/tools"
)

// MaxConcurrentSubagents caps in-flight child runs per parent session
// when the agent's config does not set its own limit.
const MaxConcurrentSubagents = 2

// StateFileName is the registry's persistence file, stored under the
// sessions directory.
const StateFileName = "subagent-runs.json"

const (
	sweepInterval   = 5 * time.Minute
	announcedRunTTL = time.Hour

	maxLabelRunes = 50
)

// Run statuses. Pending covers the window between Spawn and the child's
// lifecycle start event.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

func terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Run is one tracked child run.
type Run struct {
	RunID       string     `json:"runId"`
	ChildKey    string     `json:"childKey"`
	ParentKey   string     `json:"parentKey"`
	ParentAgent string     `json:"parentAgent"`
	AgentID     string     `json:"agentId,omitempty"` // declared agent; empty for ephemeral
	Task        string     `json:"task"`
	Label       string     `json:"label,omitempty"`
	Model       string     `json:"model,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Result      string     `json:"result,omitempty"`
	Channel     string     `json:"channel,omitempty"`
	PeerID      string     `json:"peerId,omitempty"`
	PeerKind    string     `json:"peerKind,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	AnnouncedAt *time.Time `json:"announcedAt,omitempty"`
}

// TurnRunner runs one agent turn to completion. *agent.Runner satisfies
// it; tests substitute a scripted runner.
type TurnRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// Options wire a Registry.
type Options struct {
	Config    *config.Config
	Runner    TurnRunner
	Sessions  *sessions.Store   // findings lookup for announcements
	Bus       bus.MessageRouter // announcement delivery
	Lifecycle *bus.LifecycleBus
	StatePath string // empty disables persistence
}

// Registry tracks background child runs. It implements tools.Spawner.
type Registry struct {
	cfg       *config.Config
	runner    TurnRunner
	sessions  *sessions.Store
	bus       bus.MessageRouter
	statePath string

	mu       sync.Mutex
	runs     map[string]*Run               // runId → record
	counters map[string]int                // parent key → ephemeral child count
	cancels  map[string]context.CancelFunc // runId → in-flight cancel

	wg          sync.WaitGroup
	unsubscribe func()
	stop        chan struct{}
	closeOnce   sync.Once
}

// NewRegistry loads persisted state, attaches the announcer to the
// lifecycle bus, and starts the sweep timer.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		cfg:       opts.Config,
		runner:    opts.Runner,
		sessions:  opts.Sessions,
		bus:       opts.Bus,
		statePath: opts.StatePath,
		runs:      make(map[string]*Run),
		counters:  make(map[string]int),
		cancels:   make(map[string]context.CancelFunc),
		stop:      make(chan struct{}),
	}
	if r.statePath != "" {
		if err := os.MkdirAll(filepath.Dir(r.statePath), 0o755); err != nil {
			slog.Warn("create subagent state dir", "path", r.statePath, "error", err)
		}
	}
	r.load()
	if opts.Lifecycle != nil {
		r.unsubscribe = opts.Lifecycle.Subscribe(r.handleLifecycle)
	}
	go r.sweepLoop()
	return r
}

// Close detaches from the bus, cancels in-flight children, and waits for
// their goroutines to drain.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		r.mu.Lock()
		for _, cancel := range r.cancels {
			cancel()
		}
		r.mu.Unlock()
		r.wg.Wait()
	})
}

// Spawn validates the request, registers a run record, and starts the
// child turn in the background. It returns as soon as the run is
// registered; findings arrive later through the announcer.
func (r *Registry) Spawn(ctx context.Context, req tools.SpawnRequest) (*tools.SpawnInfo, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if req.ParentSessionKey == "" {
		return nil, fmt.Errorf("parent session key is required")
	}

	parentAgentID := req.ParentAgentID
	if parentAgentID == "" {
		parentAgentID = r.cfg.ResolveDefaultAgentID()
	}
	parent := r.cfg.ResolveAgent(parentAgentID)

	if req.AgentID != "" {
		if !allowlisted(parent.Subagents.Allow, req.AgentID) {
			return nil, fmt.Errorf("agent %q is not in %q's subagent allowlist", req.AgentID, parentAgentID)
		}
		if req.AgentID == r.cfg.ResolveDefaultAgentID() {
			return nil, fmt.Errorf("the primary agent cannot run as a subagent")
		}
	}

	limit := parent.Subagents.MaxConcurrent
	if limit <= 0 {
		limit = MaxConcurrentSubagents
	}

	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = shortLabel(req.Prompt)
	}

	r.mu.Lock()
	running := 0
	for _, run := range r.runs {
		if run.ParentKey == req.ParentSessionKey && !terminal(run.Status) {
			running++
		}
	}
	if running >= limit {
		r.mu.Unlock()
		return nil, fmt.Errorf("max concurrent subagents reached (%d/%d)", running, limit)
	}

	var childKey string
	runReq := agent.RunRequest{
		Content:    req.Prompt,
		Channel:    req.Channel,
		PeerID:     req.PeerID,
		PeerKind:   req.PeerKind,
		PromptMode: prompt.ModeSubagentMinimal,
	}
	if req.AgentID != "" {
		// Declared agent: it resolves its own prompt and model; the
		// request's model pin still wins when set.
		childKey = sessions.SubagentKey(req.AgentID, req.ParentSessionKey)
		runReq.AgentID = req.AgentID
		runReq.ModelRef = req.Model
	} else {
		// Ephemeral agent: inherits the parent's prompt, and its model
		// unless the request or subagent config overrides it.
		r.counters[req.ParentSessionKey]++
		ephemeralID := fmt.Sprintf("%s-sub-%d", parentAgentID, r.counters[req.ParentSessionKey])
		childKey = sessions.SubagentKey(ephemeralID, req.ParentSessionKey)
		runReq.AgentID = ephemeralID
		runReq.BasePrompt = parent.SystemPrompt
		runReq.ModelRef = firstNonEmpty(req.Model, parent.Subagents.Model, parent.Model)
	}
	runReq.SessionKey = childKey
	runReq.RunID = uuid.NewString()

	run := &Run{
		RunID:       runReq.RunID,
		ChildKey:    childKey,
		ParentKey:   req.ParentSessionKey,
		ParentAgent: parentAgentID,
		AgentID:     req.AgentID,
		Task:        req.Prompt,
		Label:       label,
		Model:       runReq.ModelRef,
		Status:      StatusPending,
		Channel:     req.Channel,
		PeerID:      req.PeerID,
		PeerKind:    req.PeerKind,
		CreatedAt:   time.Now().UTC(),
	}
	r.runs[run.RunID] = run
	r.persistLocked()
	r.wg.Add(1)
	r.mu.Unlock()

	slog.Info("subagent spawned",
		"runId", run.RunID, "child", childKey, "parent", req.ParentSessionKey, "label", label)
	go func() {
		defer r.wg.Done()
		r.execute(runReq)
	}()

	return &tools.SpawnInfo{RunID: run.RunID, SessionKey: childKey, Label: label}, nil
}

// execute drives one child turn. The run is detached from the parent's
// turn context: the child outlives the tool call that spawned it and is
// only cancelled by Close.
func (r *Registry) execute(req agent.RunRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[req.RunID] = cancel
	r.mu.Unlock()

	res, err := r.runner.Run(ctx, req)

	r.mu.Lock()
	delete(r.cancels, req.RunID)
	cancel()

	run, ok := r.runs[req.RunID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if res != nil {
		run.Result = res.Content
	}
	if err != nil && run.Error == "" {
		run.Error = err.Error()
	}

	// A failure before the runner published any lifecycle event (model
	// resolution, session open) leaves the record non-terminal and the
	// announcer blind; close it out here.
	var orphaned *Run
	if err != nil && !terminal(run.Status) {
		now := time.Now().UTC()
		run.Status = StatusFailed
		run.EndedAt = &now
		run.AnnouncedAt = &now
		snapshot := *run
		orphaned = &snapshot
	}
	r.persistLocked()
	r.mu.Unlock()

	if orphaned != nil {
		r.announce(*orphaned)
	}
}

// Runs returns the tracked records for a parent session, newest first.
// Empty parentKey returns everything.
func (r *Registry) Runs(parentKey string) []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		if parentKey != "" && run.ParentKey != parentKey {
			continue
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *Registry) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.Sweep(time.Now().UTC())
		}
	}
}

// Sweep drops announced runs older than an hour and reports how many
// were removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, run := range r.runs {
		if run.AnnouncedAt != nil && now.Sub(*run.AnnouncedAt) > announcedRunTTL {
			delete(r.runs, id)
			removed++
		}
	}
	if removed > 0 {
		r.persistLocked()
		slog.Debug("swept announced subagent runs", "removed", removed)
	}
	return removed
}

type stateFile struct {
	Runs []*Run `json:"runs"`
}

// persistLocked writes the registry state with a tmp+rename swap.
// Callers hold r.mu.
func (r *Registry) persistLocked() {
	if r.statePath == "" {
		return
	}
	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	data, err := json.MarshalIndent(stateFile{Runs: runs}, "", "  ")
	if err != nil {
		slog.Error("marshal subagent runs", "error", err)
		return
	}
	tmp := r.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("write subagent runs", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, r.statePath); err != nil {
		slog.Error("replace subagent runs", "path", r.statePath, "error", err)
	}
}

// load restores persisted runs. Anything still marked in flight was
// interrupted by a restart: the goroutine is gone, so the run is failed
// and marked announced for the sweeper to reclaim.
func (r *Registry) load() {
	if r.statePath == "" {
		return
	}
	data, err := os.ReadFile(r.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("read subagent runs", "path", r.statePath, "error", err)
		}
		return
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		slog.Warn("parse subagent runs", "path", r.statePath, "error", err)
		return
	}
	now := time.Now().UTC()
	changed := false
	for _, run := range sf.Runs {
		if run.RunID == "" {
			continue
		}
		if !terminal(run.Status) {
			run.Status = StatusFailed
			if run.Error == "" {
				run.Error = "interrupted by restart"
			}
			run.EndedAt = &now
			run.AnnouncedAt = &now
			changed = true
		}
		r.runs[run.RunID] = run
	}
	if changed {
		r.persistLocked()
	}
}

func allowlisted(allow []string, agentID string) bool {
	for _, a := range allow {
		if strings.TrimSpace(a) == agentID {
			return true
		}
	}
	return false
}

// shortLabel derives an announcement label from the task's first line.
func shortLabel(task string) string {
	s := strings.TrimSpace(task)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	runes := []rune(s)
	if len(runes) > maxLabelRunes {
		s = string(runes[:maxLabelRunes]) + "..."
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
