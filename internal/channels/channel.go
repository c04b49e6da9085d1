// Package channels provides the device channel layer.
// Each channel is one connected messaging account (a "device") that belongs
// to a tenant. Channels publish inbound messages to the bus and expose the
// send operations the routing engine uses to reply.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/autoreply/internal/bus"
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // only whitelisted groups
	GroupPolicyDisabled  GroupPolicy = "disabled"  // drop group messages
)

// Channel defines the interface that all device channels must satisfy.
type Channel interface {
	// Name returns the channel identifier, e.g. "whatsapp:<device id>".
	Name() string

	TenantID() string
	DeviceID() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// IsRunning reports whether the channel is connected and processing.
	IsRunning() bool

	SendText(ctx context.Context, peerID, text string) error
	SendMedia(ctx context.Context, peerID string, data []byte, mimeType, caption string) error
	SetTypingIndicator(ctx context.Context, peerID string, seconds int) error
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name        string
	tenantID    string
	deviceID    string
	bus         *bus.MessageBus
	running     atomic.Bool
	allowList   []string
	groupPolicy GroupPolicy
	flood       *PeerRateLimiter
}

// NewBaseChannel creates a new BaseChannel.
func NewBaseChannel(name, tenantID, deviceID string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:        name,
		tenantID:    tenantID,
		deviceID:    deviceID,
		bus:         msgBus,
		allowList:   allowList,
		groupPolicy: GroupPolicyOpen,
		flood:       NewPeerRateLimiter(DefaultPeerWindow, DefaultPeerMaxHits),
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// SetName overrides the channel name.
func (c *BaseChannel) SetName(name string) { c.name = name }

func (c *BaseChannel) TenantID() string { return c.tenantID }
func (c *BaseChannel) DeviceID() string { return c.deviceID }

// SetGroupPolicy sets the group policy ("" keeps open).
func (c *BaseChannel) SetGroupPolicy(p GroupPolicy) {
	if p != "" {
		c.groupPolicy = p
	}
}

// SetFloodLimit overrides the per-peer inbound flood guard.
func (c *BaseChannel) SetFloodLimit(window time.Duration, maxHits int) {
	c.flood = NewPeerRateLimiter(window, maxHits)
}

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// HasAllowList returns true if an allowlist is configured.
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender or chat is permitted by the allowlist.
// Entries match the full JID or its user part ("84901234567" matches
// "84901234567@s.whatsapp.net"). Empty allowlist means all are allowed.
func (c *BaseChannel) IsAllowed(id string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	user := id
	if i := strings.IndexByte(id, '@'); i > 0 {
		user = id[:i]
	}
	for _, allowed := range c.allowList {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "+")
		if allowed == id || allowed == user {
			return true
		}
	}
	return false
}

// acceptGroup evaluates the group policy for a group chat.
func (c *BaseChannel) acceptGroup(chatID string) bool {
	switch c.groupPolicy {
	case GroupPolicyDisabled:
		return false
	case GroupPolicyAllowlist:
		return c.IsAllowed(chatID)
	default:
		return true
	}
}

// Incoming is a parsed message handed to HandleMessage.
type Incoming struct {
	SenderID   string
	SenderName string
	ChatID     string
	Content    string
	MessageID  string
	PeerKind   string
	Timestamp  time.Time
	Metadata   map[string]string
}

// HandleMessage applies policy and flood checks and publishes the message
// to the bus. It reports whether the message was published.
func (c *BaseChannel) HandleMessage(in Incoming) bool {
	if in.PeerKind == bus.PeerGroup {
		if !c.acceptGroup(in.ChatID) {
			slog.Debug("group message rejected by policy", "channel", c.name, "chat_id", in.ChatID)
			return false
		}
	} else if !c.IsAllowed(in.SenderID) {
		slog.Debug("message rejected by allowlist", "channel", c.name, "sender_id", in.SenderID)
		return false
	}

	if !c.flood.Allow(in.ChatID) {
		slog.Warn("peer flooding, message dropped", "channel", c.name, "chat_id", in.ChatID)
		return false
	}

	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:    c.name,
		TenantID:   c.tenantID,
		DeviceID:   c.deviceID,
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		ChatID:     in.ChatID,
		Content:    in.Content,
		MessageID:  in.MessageID,
		PeerKind:   in.PeerKind,
		Timestamp:  in.Timestamp,
		Metadata:   in.Metadata,
	})
	return true
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
