// Package autoreply is the message-routing and conversation-state engine.
//
// For every inbound chat message the Router picks at most one rule through
// a fixed priority protocol (end keywords, keyword rules, conversation
// continuation, fallbacks), composes a reply (static bubble, AI generation
// or media), sends it through the tenant's transport session, and then
// follows the rule's next-action chain.
package autoreply

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// InboundMessage is one message delivered by a transport session.
type InboundMessage struct {
	TenantID   string    `json:"tenant_id"`
	DeviceID   string    `json:"device_id"`
	PeerID     string    `json:"peer_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Text       string    `json:"text"`
	IsGroup    bool      `json:"is_group"`
	MessageID  string    `json:"message_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// OutboundReply is what the engine sent back for a message.
type OutboundReply struct {
	Text         string `json:"text,omitempty"`
	MediaRef     string `json:"media_ref,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	Caption      string `json:"caption,omitempty"`
	UsedAI       bool   `json:"used_ai"`
	TokensUsed   int    `json:"tokens_used"`
	SourceRuleID string `json:"source_rule_id"`
}

// HasMedia reports whether the reply was sent as a media message.
func (o OutboundReply) HasMedia() bool { return o.MediaRef != "" }

// Tier identifies which step of the priority protocol decided a message.
type Tier int

const (
	TierNone Tier = iota
	TierEndKeyword
	TierKeyword
	TierContinuation
	TierFallback
)

func (t Tier) String() string {
	switch t {
	case TierEndKeyword:
		return "end_keyword"
	case TierKeyword:
		return "keyword"
	case TierContinuation:
		return "continuation"
	case TierFallback:
		return "fallback"
	default:
		return "none"
	}
}

// RouteResult is the outcome of routing one inbound message.
// Handled with a nil Reply means the message was consumed silently
// (an end keyword closed the conversation).
type RouteResult struct {
	Handled bool            `json:"handled"`
	Reply   *OutboundReply  `json:"reply,omitempty"`
	Tier    Tier            `json:"tier"`
	RuleID  string          `json:"rule_id,omitempty"`
	Chained []OutboundReply `json:"chained,omitempty"`
}

// Session is an active messaging connection able to reach a peer.
type Session interface {
	SendText(ctx context.Context, peerID, text string) error
	SendMedia(ctx context.Context, peerID string, data []byte, mimeType, caption string) error
	SetTypingIndicator(ctx context.Context, peerID string, seconds int) error
}

// Transport looks up the session that should carry a tenant's replies.
// deviceID is the device that received the message; implementations prefer
// it and fall back to any running session of the tenant.
type Transport interface {
	ActiveSession(tenantID, deviceID string) (Session, bool)
}

// GenerateOptions are the per-rule generation parameters.
type GenerateOptions struct {
	Model       string
	MaxTokens   int
	Temperature *float64 // nil leaves the provider default
}

// Generation is a completed AI response.
type Generation struct {
	Text       string
	TokensUsed int
	LatencyMs  int64
}

// AIBackend produces text for AI-driven rules.
type AIBackend interface {
	Generate(ctx context.Context, tenantID, prompt string, opts GenerateOptions) (*Generation, error)
}

// InboundSummary is the webhook view of the triggering message.
type InboundSummary struct {
	TenantID   string    `json:"tenant_id"`
	DeviceID   string    `json:"device_id"`
	PeerID     string    `json:"peer_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Text       string    `json:"text"`
	IsGroup    bool      `json:"is_group"`
	MessageID  string    `json:"message_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// OutboundSummary is the webhook view of the reply.
type OutboundSummary struct {
	Text       string `json:"text,omitempty"`
	MediaRef   string `json:"media_ref,omitempty"`
	UsedAI     bool   `json:"used_ai"`
	TokensUsed int    `json:"tokens_used"`
	Tier       string `json:"tier"`
	Chained    bool   `json:"chained"`
}

// WebhookSink receives a copy of every successful interaction.
// Delivery is fire-and-forget from the Router's point of view.
type WebhookSink interface {
	Deliver(ctx context.Context, rule *store.Rule, in InboundSummary, out OutboundSummary) error
}

func summarizeInbound(m InboundMessage) InboundSummary {
	return InboundSummary{
		TenantID:   m.TenantID,
		DeviceID:   m.DeviceID,
		PeerID:     m.PeerID,
		SenderName: m.SenderName,
		Text:       m.Text,
		IsGroup:    m.IsGroup,
		MessageID:  m.MessageID,
		Timestamp:  m.Timestamp,
	}
}
