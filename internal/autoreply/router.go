package autoreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/autoreply/internal/conversations"
	"github.com/nextlevelbuilder/autoreply/internal/metrics"
	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// ErrNoSession is reported when a tenant has no running transport session.
var ErrNoSession = errors.New("no active session")

const (
	DefaultSendTimeout    = 20 * time.Second
	DefaultChainDelay     = 1500 * time.Millisecond
	DefaultMaxChainDepth  = 5
	DefaultWebhookTimeout = 10 * time.Second
	statsTimeout          = 5 * time.Second
)

// RouterConfig holds the Router's timing knobs. Zero values use defaults.
type RouterConfig struct {
	SendTimeout    time.Duration
	ChainDelay     time.Duration
	MaxChainDepth  int
	TypingSeconds  int // default typing indicator; rules may override
	WebhookTimeout time.Duration
}

func (c *RouterConfig) applyDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ChainDelay < 0 {
		c.ChainDelay = 0
	} else if c.ChainDelay == 0 {
		c.ChainDelay = DefaultChainDelay
	}
	if c.MaxChainDepth <= 0 {
		c.MaxChainDepth = DefaultMaxChainDepth
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = DefaultWebhookTimeout
	}
}

// Router runs one routing pass per inbound message: match, compose, send,
// commit conversation state, then follow the rule's chain.
type Router struct {
	rules     *RuleCache
	conv      *conversations.Store
	matcher   *Matcher
	composer  *Composer
	transport Transport
	stats     store.StatsStore // optional
	webhooks  WebhookSink      // optional
	cfg       RouterConfig

	tracer trace.Tracer
	locks  *keyLock
	sleep  func(ctx context.Context, d time.Duration) error
	async  sync.WaitGroup
}

// RouterDeps are the Router's collaborators. Stats and Webhooks may be nil.
type RouterDeps struct {
	Rules     *RuleCache
	Conv      *conversations.Store
	Composer  *Composer
	Transport Transport
	Stats     store.StatsStore
	Webhooks  WebhookSink
}

// NewRouter creates a Router.
func NewRouter(deps RouterDeps, cfg RouterConfig) *Router {
	cfg.applyDefaults()
	return &Router{
		rules:     deps.Rules,
		conv:      deps.Conv,
		matcher:   NewMatcher(deps.Conv),
		composer:  deps.Composer,
		transport: deps.Transport,
		stats:     deps.Stats,
		webhooks:  deps.Webhooks,
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/nextlevelbuilder/autoreply/internal/autoreply"),
		locks:     newKeyLock(),
		sleep:     sleepCtx,
	}
}

// HandleInbound routes one message and returns what was done. It never
// panics and never fails: every error is logged and reflected in the result.
// Messages for the same (tenant, peer) are processed one at a time.
func (r *Router) HandleInbound(ctx context.Context, msg InboundMessage) (res RouteResult) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "autoreply.route", trace.WithAttributes(
		attribute.String("autoreply.tenant", msg.TenantID),
		attribute.String("autoreply.device", msg.DeviceID),
		attribute.Bool("autoreply.group", msg.IsGroup),
	))

	defer func() {
		if p := recover(); p != nil {
			slog.Error("panic while routing message", "tenant", msg.TenantID, "peer", msg.PeerID,
				"panic", p, "stack", string(debug.Stack()))
			span.SetStatus(codes.Error, fmt.Sprint(p))
			res = RouteResult{}
		}
		span.SetAttributes(
			attribute.String("autoreply.tier", res.Tier.String()),
			attribute.String("autoreply.rule", res.RuleID),
			attribute.Bool("autoreply.handled", res.Handled),
		)
		span.End()

		metrics.MessagesRouted.WithLabelValues(res.Tier.String(), strconv.FormatBool(res.Reply != nil)).Inc()
		metrics.RoutingDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	unlock := r.locks.Lock(conversations.Key{TenantID: msg.TenantID, PeerID: msg.PeerID}.String())
	defer unlock()

	rules := r.rules.ActiveRules(ctx, msg.TenantID)
	d := r.matcher.Match(msg, rules)
	if d.Ended {
		metrics.ActiveConversations.Set(float64(r.conv.Len()))
	}
	if d.Rule == nil {
		return RouteResult{Handled: d.Handled, Tier: d.Tier}
	}
	rule := d.Rule

	comp := r.composer.Compose(ctx, rule, msg, d.Turn)
	if !comp.Sendable() {
		slog.Warn("rule produced no reply", "tenant", msg.TenantID, "peer", msg.PeerID, "rule", rule.ID, "tier", d.Tier)
		return RouteResult{Tier: d.Tier, RuleID: rule.ID}
	}

	sess, ok := r.transport.ActiveSession(msg.TenantID, msg.DeviceID)
	if !ok {
		slog.Warn("reply dropped", "tenant", msg.TenantID, "device", msg.DeviceID, "rule", rule.ID, "error", ErrNoSession)
		span.RecordError(ErrNoSession)
		return RouteResult{Tier: d.Tier, RuleID: rule.ID}
	}

	sent, err := r.send(ctx, sess, msg, rule, comp)
	if err != nil {
		slog.Warn("reply send failed", "tenant", msg.TenantID, "peer", msg.PeerID, "rule", rule.ID, "error", err)
		span.RecordError(err)
		return RouteResult{Tier: d.Tier, RuleID: rule.ID}
	}

	if d.PreemptConversation {
		r.conv.End(msg.TenantID, msg.PeerID)
		slog.Debug("conversation preempted", "tenant", msg.TenantID, "peer", msg.PeerID, "to_rule", rule.ID)
	}
	switch {
	case d.StartConversation:
		r.conv.Start(msg.TenantID, msg.PeerID, rule.ID)
	case d.AdvanceConversation:
		r.conv.Advance(msg.TenantID, msg.PeerID)
	}
	if d.PreemptConversation || d.StartConversation || d.AdvanceConversation {
		metrics.ActiveConversations.Set(float64(r.conv.Len()))
	}

	slog.Info("reply sent", "tenant", msg.TenantID, "peer", msg.PeerID, "rule", rule.ID,
		"tier", d.Tier, "turn", d.Turn, "ai", sent.UsedAI, "media", sent.HasMedia())
	r.recordAsync(msg, rule, sent, d.Tier, false, time.Since(start))

	res = RouteResult{Handled: true, Reply: &sent, Tier: d.Tier, RuleID: rule.ID}
	res.Chained = r.runChain(ctx, sess, msg, rule, rules)
	return res
}

// Wait blocks until background stats and webhook deliveries finish.
func (r *Router) Wait() { r.async.Wait() }

// send shows the typing indicator and delivers the composition. A failed
// media send falls back to text when there is text to send.
func (r *Router) send(ctx context.Context, sess Session, msg InboundMessage, rule *compiledRule, comp *Composition) (OutboundReply, error) {
	reply := comp.Reply

	seconds := rule.TypingSeconds
	if seconds <= 0 {
		seconds = r.cfg.TypingSeconds
	}
	if seconds > 0 {
		tctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		if err := sess.SetTypingIndicator(tctx, msg.PeerID, seconds); err != nil {
			slog.Debug("typing indicator failed", "tenant", msg.TenantID, "peer", msg.PeerID, "error", err)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()

	if comp.Media != nil {
		err := sess.SendMedia(ctx, msg.PeerID, comp.Media.Data, comp.Media.MimeType, reply.Caption)
		if err == nil {
			metrics.RepliesSent.WithLabelValues("media", "ok").Inc()
			return reply, nil
		}
		metrics.RepliesSent.WithLabelValues("media", "error").Inc()
		slog.Warn("media send failed, falling back to text", "tenant", msg.TenantID, "peer", msg.PeerID,
			"rule", rule.ID, "ref", reply.MediaRef, "error", err)
		reply.MediaRef, reply.MimeType, reply.Caption = "", "", ""
		if reply.Text == "" {
			return OutboundReply{}, fmt.Errorf("send media: %w", err)
		}
	}

	if err := sess.SendText(ctx, msg.PeerID, reply.Text); err != nil {
		metrics.RepliesSent.WithLabelValues("text", "error").Inc()
		return OutboundReply{}, fmt.Errorf("send text: %w", err)
	}
	metrics.RepliesSent.WithLabelValues("text", "ok").Inc()
	return reply, nil
}

// recordAsync writes interaction stats and fires the webhook without
// holding up the routing pass.
func (r *Router) recordAsync(msg InboundMessage, rule *compiledRule, sent OutboundReply, tier Tier, chained bool, took time.Duration) {
	if r.stats == nil && r.webhooks == nil {
		return
	}
	ruleCopy := *rule.Rule
	in := summarizeInbound(msg)
	out := OutboundSummary{
		Text:       sent.Text,
		MediaRef:   sent.MediaRef,
		UsedAI:     sent.UsedAI,
		TokensUsed: sent.TokensUsed,
		Tier:       tier.String(),
		Chained:    chained,
	}

	r.async.Add(1)
	go func() {
		defer r.async.Done()

		if r.stats != nil {
			ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
			err := r.stats.RecordInteraction(ctx, ruleCopy.ID, store.InteractionStats{
				TenantID:   msg.TenantID,
				PeerID:     msg.PeerID,
				Tokens:     sent.TokensUsed,
				DurationMs: took.Milliseconds(),
				UsedAI:     sent.UsedAI,
				Chained:    chained,
				CreatedAt:  time.Now(),
			})
			cancel()
			if err != nil {
				slog.Warn("record interaction failed", "tenant", msg.TenantID, "rule", ruleCopy.ID, "error", err)
			}
		}

		if r.webhooks != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WebhookTimeout)
			err := r.webhooks.Deliver(ctx, &ruleCopy, in, out)
			cancel()
			if err != nil {
				slog.Warn("webhook delivery failed", "tenant", msg.TenantID, "rule", ruleCopy.ID, "error", err)
			}
		}
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
