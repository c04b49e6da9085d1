// Package bus carries inbound messages from device channels to the routing
// consumer and broadcasts in-process events.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultInboundBuffer is the inbound queue size used by New.
const DefaultInboundBuffer = 1024

// MessageBus is a buffered inbound queue plus a synchronous event fan-out.
type MessageBus struct {
	inbound chan InboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates a bus with the given inbound buffer (<= 0 uses the default).
func New(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = DefaultInboundBuffer
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, buffer),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message. When the queue is full the message is
// dropped with a warning rather than blocking the channel reader.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("inbound queue full, message dropped",
			"channel", msg.Channel, "tenant", msg.TenantID, "chat", msg.ChatID, "message_id", msg.MessageID)
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

// Subscribe registers handler under id, replacing any previous one.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Broadcast calls every handler synchronously. Handlers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

var (
	_ EventPublisher = (*MessageBus)(nil)
	_ MessageRouter  = (*MessageBus)(nil)
)
