package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent     = "agent"
	EventChat      = "chat"
	EventLifecycle = "lifecycle"
	EventTool      = "tool"
	EventHealth    = "health"
	EventHeartbeat = "heartbeat"
	EventShutdown  = "shutdown"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
	AgentEventCompaction   = "run.compacted"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
