package cmd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/autoreply/internal/autoreply"
	"github.com/nextlevelbuilder/autoreply/internal/bus"
	"github.com/nextlevelbuilder/autoreply/internal/channels"
	"github.com/nextlevelbuilder/autoreply/internal/config"
	"github.com/nextlevelbuilder/autoreply/internal/metrics"
)

// inboundHandler is the routing entry point the consumer feeds.
type inboundHandler interface {
	HandleInbound(ctx context.Context, msg autoreply.InboundMessage) autoreply.RouteResult
}

// inboundConsumer drains the bus, drops duplicates and runs each message
// through the router with bounded concurrency. Messages of one peer are
// serialized inside the router.
type inboundConsumer struct {
	bus     bus.MessageRouter
	handler inboundHandler
	dedupe  *bus.DedupeCache
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
}

func newInboundConsumer(msgBus bus.MessageRouter, h inboundHandler, gw config.GatewayConfig) *inboundConsumer {
	maxHandlers := gw.MaxConcurrentHandlers
	if maxHandlers <= 0 {
		maxHandlers = 256
	}
	return &inboundConsumer{
		bus:     msgBus,
		handler: h,
		// Bridge retries and reconnect replays must not produce double replies.
		dedupe: bus.NewDedupeCache(time.Duration(gw.DedupeTTLMinutes)*time.Minute, gw.DedupeEntries),
		sem:    semaphore.NewWeighted(int64(maxHandlers)),
	}
}

// Run blocks until ctx is cancelled. In-flight handlers keep running; use
// Wait to drain them.
func (c *inboundConsumer) Run(ctx context.Context) error {
	slog.Info("inbound message consumer started")
	for {
		msg, ok := c.bus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return nil
		}

		if msg.MessageID != "" && c.dedupe.IsDuplicate(msg.Channel+":"+msg.MessageID) {
			metrics.MessagesDeduplicated.Inc()
			slog.Debug("duplicate inbound message dropped", "channel", msg.Channel, "message_id", msg.MessageID)
			continue
		}

		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		c.wg.Add(1)
		go func(m bus.InboundMessage) {
			defer c.wg.Done()
			defer c.sem.Release(1)
			c.handle(context.WithoutCancel(ctx), m)
		}(msg)
	}
}

// Wait blocks until all in-flight handlers return.
func (c *inboundConsumer) Wait() { c.wg.Wait() }

func (c *inboundConsumer) handle(ctx context.Context, m bus.InboundMessage) {
	res := c.handler.HandleInbound(ctx, toEngineMessage(m))
	if !res.Handled {
		slog.Debug("inbound message not handled", "tenant", m.TenantID, "chat", m.ChatID)
		return
	}
	slog.Info("inbound message answered",
		"tenant", m.TenantID,
		"device", m.DeviceID,
		"chat", m.ChatID,
		"tier", res.Tier.String(),
		"rule", res.RuleID,
		"chained", len(res.Chained),
	)
}

// toEngineMessage maps a channel message to the routing engine's view.
// Replies go to the chat, so a group's conversation is keyed by the group.
func toEngineMessage(m bus.InboundMessage) autoreply.InboundMessage {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return autoreply.InboundMessage{
		TenantID:   m.TenantID,
		DeviceID:   m.DeviceID,
		PeerID:     m.ChatID,
		SenderName: m.SenderName,
		Text:       m.Content,
		IsGroup:    m.IsGroup(),
		MessageID:  m.MessageID,
		Timestamp:  ts,
	}
}

// channelTransport resolves engine sessions from the channel manager.
type channelTransport struct {
	mgr *channels.Manager
}

func (t channelTransport) ActiveSession(tenantID, deviceID string) (autoreply.Session, bool) {
	ch, ok := t.mgr.ActiveSession(tenantID, deviceID)
	if !ok {
		return nil, false
	}
	return ch, true
}
