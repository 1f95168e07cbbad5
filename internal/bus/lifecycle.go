package bus

import (
	"sync"
	"time"
)

// Run event streams.
const (
	StreamLifecycle = "lifecycle"
	StreamTool      = "tool"
)

// Lifecycle phases.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// Tool statuses.
const (
	ToolCalled    = "called"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// RunEvent is one lifecycle or tool event emitted during an agent run.
type RunEvent struct {
	Stream     string      `json:"stream"`
	RunID      string      `json:"run_id"`
	SessionKey string      `json:"session_key"`
	Data       interface{} `json:"data,omitempty"`
}

// LifecycleData is the payload for StreamLifecycle events.
type LifecycleData struct {
	Phase     string     `json:"phase"` // "start", "end", "error"
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ToolData is the payload for StreamTool events.
type ToolData struct {
	ToolName string `json:"tool_name"`
	Status   string `json:"status"` // "called", "completed", "error"
	Result   string `json:"result,omitempty"`
}

// RunEventHandler receives every published run event; stream filtering is the
// subscriber's concern.
type RunEventHandler func(RunEvent)

type lifecycleSub struct {
	id      uint64
	handler RunEventHandler
}

// LifecycleBus is the process-wide publisher for run lifecycle and tool
// events. Events are delivered to subscribers in emission order; handler
// invocations are sequential.
type LifecycleBus struct {
	mu     sync.Mutex
	nextID uint64
	subs   []lifecycleSub
}

// NewLifecycleBus creates an empty lifecycle bus.
func NewLifecycleBus() *LifecycleBus {
	return &LifecycleBus{}
}

// Subscribe attaches a handler and returns an unsubscribe handle.
func (lb *LifecycleBus) Subscribe(handler RunEventHandler) func() {
	lb.mu.Lock()
	lb.nextID++
	id := lb.nextID
	lb.subs = append(lb.subs, lifecycleSub{id: id, handler: handler})
	lb.mu.Unlock()

	return func() {
		lb.mu.Lock()
		defer lb.mu.Unlock()
		for i, s := range lb.subs {
			if s.id == id {
				lb.subs = append(lb.subs[:i], lb.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every subscriber. Delivery happens on the
// caller's goroutine while holding the bus lock, which guarantees emission
// order; handlers must not publish re-entrantly or block.
func (lb *LifecycleBus) Publish(event RunEvent) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	for _, s := range lb.subs {
		s.handler(event)
	}
}

// RemoveAllListeners drops every subscription.
func (lb *LifecycleBus) RemoveAllListeners() {
	lb.mu.Lock()
	lb.subs = nil
	lb.mu.Unlock()
}

// PublishLifecycle is a convenience wrapper for lifecycle-stream events.
func (lb *LifecycleBus) PublishLifecycle(runID, sessionKey string, data LifecycleData) {
	lb.Publish(RunEvent{Stream: StreamLifecycle, RunID: runID, SessionKey: sessionKey, Data: data})
}

// PublishTool is a convenience wrapper for tool-stream events.
func (lb *LifecycleBus) PublishTool(runID, sessionKey string, data ToolData) {
	lb.Publish(RunEvent{Stream: StreamTool, RunID: runID, SessionKey: sessionKey, Data: data})
}
