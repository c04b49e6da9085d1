package bus

import (
	"context"
	"time"
)

// InboundMessage is a message received by a device channel.
type InboundMessage struct {
	Channel    string            `json:"channel"`   // channel instance name, e.g. "whatsapp:dev-1"
	TenantID   string            `json:"tenant_id"` // owner of the receiving device
	DeviceID   string            `json:"device_id"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"` // push name
	ChatID     string            `json:"chat_id"`               // peer JID: user or group
	Content    string            `json:"content"`
	MessageID  string            `json:"message_id,omitempty"`
	PeerKind   string            `json:"peer_kind,omitempty"` // "direct" or "group"
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Peer kinds.
const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// IsGroup reports whether the message came from a group chat.
func (m InboundMessage) IsGroup() bool { return m.PeerKind == PeerGroup }

// Event is an in-process broadcast (cache invalidation, device status).
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Cache invalidation kinds.
const (
	CacheKindRules   = "rules"
	CacheKindDevices = "devices"
)

// CacheInvalidatePayload signals cache layers to evict stale entries.
// Used with protocol.EventCacheInvalidate events.
type CacheInvalidatePayload struct {
	Kind string `json:"kind"` // CacheKind* constants
	Key  string `json:"key"`  // tenant ID; empty = invalidate all
}

// DeviceStatusPayload accompanies protocol.EventDeviceStatus events.
type DeviceStatusPayload struct {
	Channel   string `json:"channel"`
	TenantID  string `json:"tenant_id"`
	DeviceID  string `json:"device_id"`
	Connected bool   `json:"connected"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter moves inbound messages from channels to the consumer.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
}
