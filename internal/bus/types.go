package bus

import "context"

// InboundMessage represents a message received from a channel adapter
// (or synthesized by the runtime: heartbeats, subagent announcements).
type InboundMessage struct {
	Channel    string            `json:"channel"`
	AccountID  string            `json:"account_id,omitempty"` // channel account, when multi-account
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	PeerID     string            `json:"peer_id"`
	PeerKind   string            `json:"peer_kind,omitempty"` // "dm" or "group"
	ThreadID   string            `json:"thread_id,omitempty"`
	Content    string            `json:"content"`
	Media      []MediaAttachment `json:"media,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"` // target agent (multi-agent routing)
	Metadata   map[string]string `json:"metadata,omitempty"`

	// SessionKey routes to an exact session, bypassing key derivation.
	// Set on synthetic messages: heartbeats, subagent announcements.
	SessionKey string `json:"session_key,omitempty"`
	// ModelRef pins the model for this run (provider/model).
	ModelRef string `json:"model_ref,omitempty"`
	// Stream requests chunked delivery over the event feed.
	Stream bool `json:"stream,omitempty"`
}

// OutboundMessage represents a message to be delivered to a channel.
type OutboundMessage struct {
	Channel    string            `json:"channel"`
	PeerID     string            `json:"peer_id"`
	SessionKey string            `json:"session_key,omitempty"`
	Content    string            `json:"content"`
	Media      []MediaAttachment `json:"media,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is one non-text content part travelling with a message.
type MediaAttachment struct {
	URL        string `json:"url,omitempty"` // file path or URL
	MimeType   string `json:"mime_type,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"` // audio/video only
	Caption    string `json:"caption,omitempty"`
	Data       []byte `json:"-"` // raw bytes when already loaded
}

// Event is a server-side event broadcast to gateway clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and agent loops to decouple from MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channel
// adapters and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
