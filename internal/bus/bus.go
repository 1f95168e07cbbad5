package bus

import (
	"context"
	"log/slog"
	"sync"
)

const queueSize = 256

// MessageBus routes inbound/outbound messages between channel adapters and
// the agent runtime, and broadcasts server events to subscribers.
// Safe for concurrent use.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
	order    []string
}

// New creates a message bus with bounded queues.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, queueSize),
		outbound: make(chan OutboundMessage, queueSize),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message for the agent runtime.
// Drops with a warning when the queue is full rather than blocking the caller.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("inbound queue full, dropping message", "channel", msg.Channel, "peer", msg.PeerID)
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for channel delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("outbound queue full, dropping message", "channel", msg.Channel, "peer", msg.PeerID)
	}
}

// SubscribeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers an event handler under an id. Re-subscribing the same
// id replaces the handler but keeps its position in delivery order.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[id]; !exists {
		b.order = append(b.order, id)
	}
	b.handlers[id] = handler
}

// Unsubscribe removes an event handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[id]; !exists {
		return
	}
	delete(b.handlers, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Broadcast delivers an event to all subscribers sequentially, in
// subscription order. Handlers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.order))
	for _, id := range b.order {
		if h, ok := b.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
