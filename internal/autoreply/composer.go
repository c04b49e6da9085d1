package autoreply

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/autoreply/internal/metrics"
	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// DefaultAITimeout bounds a single generation call.
const DefaultAITimeout = 30 * time.Second

// Composition is a composed reply ready to be sent.
type Composition struct {
	Reply OutboundReply
	Media *store.MediaObject // nil for text-only
}

// Sendable reports whether there is anything to send.
func (c *Composition) Sendable() bool {
	return c != nil && (c.Media != nil || strings.TrimSpace(c.Reply.Text) != "")
}

// Composer turns a winning rule into reply content.
type Composer struct {
	ai        AIBackend      // nil disables AI rules (static fallback)
	media     store.MediaStore
	templates Templates
	aiTimeout time.Duration
	rnd       RandSource
	now       func() time.Time
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithRand sets the random source used for bubble and spintax choices.
func WithRand(r RandSource) ComposerOption {
	return func(c *Composer) { c.rnd = r }
}

// WithComposerClock overrides time.Now for placeholder rendering.
func WithComposerClock(now func() time.Time) ComposerOption {
	return func(c *Composer) { c.now = now }
}

// NewComposer creates a composer. ai and media may be nil.
func NewComposer(ai AIBackend, media store.MediaStore, tpl Templates, aiTimeout time.Duration, opts ...ComposerOption) *Composer {
	if aiTimeout <= 0 {
		aiTimeout = DefaultAITimeout
	}
	c := &Composer{
		ai:        ai,
		media:     media,
		templates: tpl,
		aiTimeout: aiTimeout,
		rnd:       globalRand{},
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compose builds the reply for rule. turn is the conversation turn being
// answered, 0 outside a conversation.
func (c *Composer) Compose(ctx context.Context, rule *compiledRule, msg InboundMessage, turn int) *Composition {
	out := &Composition{Reply: OutboundReply{SourceRuleID: rule.ID}}

	text, ok := "", false
	if rule.usesAI() {
		text, ok = c.generate(ctx, rule, msg, &out.Reply)
	}
	if !ok {
		text = c.static(rule, msg, turn)
	}
	out.Reply.Text = text

	if rule.SendMedia && len(rule.MediaRefs) > 0 {
		if obj := c.resolveMedia(ctx, rule); obj != nil {
			out.Media = obj
			out.Reply.MediaRef = obj.Ref
			out.Reply.MimeType = obj.MimeType
			out.Reply.Caption = text
		}
	}
	return out
}

// generate runs the AI path. It reports false when the static path should
// be used instead.
func (c *Composer) generate(ctx context.Context, rule *compiledRule, msg InboundMessage, reply *OutboundReply) (string, bool) {
	if c.ai == nil {
		slog.Warn("AI rule without AI backend, using static reply", "tenant", msg.TenantID, "rule", rule.ID)
		return "", false
	}

	prompt := c.prompt(rule, msg)
	ctx, cancel := context.WithTimeout(ctx, c.aiTimeout)
	defer cancel()

	gen, err := c.ai.Generate(ctx, msg.TenantID, prompt, GenerateOptions{
		Model:       rule.AIModel,
		MaxTokens:   rule.AIMaxTokens,
		Temperature: rule.AITemperature,
	})
	if err != nil {
		metrics.AIGenerations.WithLabelValues("error").Inc()
		slog.Warn("AI generation failed, using static reply", "tenant", msg.TenantID, "rule", rule.ID, "error", err)
		return "", false
	}
	if gen == nil || strings.TrimSpace(gen.Text) == "" {
		metrics.AIGenerations.WithLabelValues("empty").Inc()
		slog.Warn("AI generation empty, using static reply", "tenant", msg.TenantID, "rule", rule.ID)
		return "", false
	}

	metrics.AIGenerations.WithLabelValues("ok").Inc()
	metrics.AITokens.Add(float64(gen.TokensUsed))
	reply.UsedAI = true
	reply.TokensUsed = gen.TokensUsed
	return ExpandSpintax(strings.TrimSpace(gen.Text), c.rnd), true
}

func (c *Composer) prompt(rule *compiledRule, msg InboundMessage) string {
	tmpl := rule.AIPromptTemplate
	if strings.TrimSpace(tmpl) == "" {
		return msg.Text
	}
	p := c.templates.Render(tmpl, msg, c.now())
	if !strings.Contains(tmpl, "{message}") {
		p += "\n\nUser: " + msg.Text
	}
	return p
}

// static picks a bubble or the static reply text. Spintax runs before
// placeholder rendering so message text is never expanded.
func (c *Composer) static(rule *compiledRule, msg InboundMessage, turn int) string {
	text := rule.StaticReplyText
	if n := len(rule.bubbles); n > 0 {
		idx := c.rnd.IntN(n)
		if rule.BubbleOrder == store.BubbleSequential && turn > 0 {
			idx = (turn - 1) % n
		}
		text = rule.bubbles[idx].Text
	}
	return c.templates.Render(ExpandSpintax(text, c.rnd), msg, c.now())
}

// resolveMedia returns the first media ref that resolves, or nil.
func (c *Composer) resolveMedia(ctx context.Context, rule *compiledRule) *store.MediaObject {
	if c.media == nil {
		slog.Warn("media rule without media store, sending text", "rule", rule.ID)
		return nil
	}
	for _, ref := range rule.MediaRefs {
		obj, err := c.media.Resolve(ctx, ref)
		if err != nil {
			slog.Warn("media resolve failed", "rule", rule.ID, "ref", ref, "error", err)
			continue
		}
		if obj == nil || len(obj.Data) == 0 {
			slog.Warn("media resolved empty", "rule", rule.ID, "ref", ref)
			continue
		}
		return obj
	}
	return nil
}
