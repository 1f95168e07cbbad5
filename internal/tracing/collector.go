// Package tracing records agent run, model call, and tool call spans.
// Every span feeds the in-process collector (counters plus a bounded
// ring of recent spans, surfaced by gateway health); when telemetry
// export is enabled each span is mirrored onto OpenTelemetry as well,
// with model and tool spans parented under their run span.
package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span kinds recorded by the collector.
const (
	KindRun       = "run"
	KindModelCall = "model_call"
	KindToolCall  = "tool_call"
)

// ringSize bounds the recent-span buffer.
const ringSize = 256

// Span is one completed unit of work inside an agent turn.
type Span struct {
	RunID        string    `json:"runId"`
	Kind         string    `json:"kind"`
	Name         string    `json:"name"`
	AgentID      string    `json:"agentId,omitempty"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	InputTokens  int       `json:"inputTokens,omitempty"`
	OutputTokens int       `json:"outputTokens,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Stats are cumulative counters since process start.
type Stats struct {
	Runs         int64 `json:"runs"`
	Failed       int64 `json:"failed"`
	ActiveRuns   int64 `json:"activeRuns"`
	ModelCalls   int64 `json:"modelCalls"`
	ToolCalls    int64 `json:"toolCalls"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

type activeRun struct {
	agentID    string
	sessionKey string
	startedAt  time.Time

	// parent context for mirrored child spans; nil when export is off
	ctx  context.Context
	span trace.Span
}

// Collector aggregates spans from the agent runner. A nil *Collector is
// valid and records nothing, so callers never guard emission.
type Collector struct {
	tracer trace.Tracer // nil when export is disabled

	mu     sync.Mutex
	active map[string]*activeRun
	recent []Span
	next   int
	stats  Stats
}

// NewCollector builds a collector. tracer may be nil, in which case
// spans are recorded in-process only.
func NewCollector(tracer trace.Tracer) *Collector {
	return &Collector{
		tracer: tracer,
		active: make(map[string]*activeRun),
	}
}

// StartRun opens the root span for a run. EndRun must follow.
func (c *Collector) StartRun(runID, sessionKey, agentID string) {
	if c == nil {
		return
	}
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Runs++
	ar := &activeRun{agentID: agentID, sessionKey: sessionKey, startedAt: now}
	if c.tracer != nil {
		ar.ctx, ar.span = c.tracer.Start(context.Background(), "agent.run",
			trace.WithTimestamp(now),
			trace.WithAttributes(
				attribute.String("mozi.run_id", runID),
				attribute.String("mozi.agent_id", agentID),
				attribute.String("mozi.session_key", sessionKey),
			))
	}
	c.active[runID] = ar
}

// EndRun closes the run's root span and records the run in the ring.
// Unknown run ids are ignored.
func (c *Collector) EndRun(runID string, runErr error) {
	if c == nil {
		return
	}
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	ar, ok := c.active[runID]
	if !ok {
		return
	}
	delete(c.active, runID)

	sp := Span{
		RunID:     runID,
		Kind:      KindRun,
		Name:      ar.agentID,
		AgentID:   ar.agentID,
		StartTime: ar.startedAt,
		EndTime:   now,
	}
	if runErr != nil {
		c.stats.Failed++
		sp.Error = runErr.Error()
	}
	c.record(sp)

	if ar.span != nil {
		if runErr != nil {
			ar.span.SetStatus(codes.Error, runErr.Error())
		}
		ar.span.End(trace.WithTimestamp(now))
	}
}

// Emit records a completed model or tool span. When the run is still
// active and export is on, the mirrored span nests under the run span.
func (c *Collector) Emit(sp Span) {
	if c == nil {
		return
	}
	if sp.EndTime.IsZero() {
		sp.EndTime = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch sp.Kind {
	case KindModelCall:
		c.stats.ModelCalls++
		c.stats.InputTokens += int64(sp.InputTokens)
		c.stats.OutputTokens += int64(sp.OutputTokens)
	case KindToolCall:
		c.stats.ToolCalls++
	}
	c.record(sp)

	if c.tracer == nil {
		return
	}
	parent := context.Background()
	if ar, ok := c.active[sp.RunID]; ok && ar.ctx != nil {
		parent = ar.ctx
	}
	_, span := c.tracer.Start(parent, sp.Name,
		trace.WithTimestamp(sp.StartTime),
		trace.WithAttributes(
			attribute.String("mozi.run_id", sp.RunID),
			attribute.String("mozi.kind", sp.Kind),
			attribute.Int("mozi.input_tokens", sp.InputTokens),
			attribute.Int("mozi.output_tokens", sp.OutputTokens),
		))
	if sp.Error != "" {
		span.SetStatus(codes.Error, sp.Error)
	}
	span.End(trace.WithTimestamp(sp.EndTime))
}

// Stats returns a snapshot of the counters.
func (c *Collector) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.ActiveRuns = int64(len(c.active))
	return s
}

// Recent returns up to limit spans, newest first. limit <= 0 means all.
func (c *Collector) Recent(limit int) []Span {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.recent)
	if n == 0 {
		return nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	newest := n - 1
	if n == ringSize {
		newest = (c.next - 1 + n) % n
	}
	out := make([]Span, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, c.recent[(newest-i+n)%n])
	}
	return out
}

// record appends to the ring, overwriting the oldest entry once full.
// Callers hold c.mu.
func (c *Collector) record(sp Span) {
	if len(c.recent) < ringSize {
		c.recent = append(c.recent, sp)
		return
	}
	c.recent[c.next] = sp
	c.next = (c.next + 1) % ringSize
}
