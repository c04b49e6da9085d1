package autoreply

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/autoreply/internal/metrics"
)

// runChain follows next-action references from origin, sending one reply
// per hop to the same peer. A rule is never sent twice in one pass and at
// most MaxChainDepth hops are taken. Chained replies do not touch
// conversation state.
func (r *Router) runChain(ctx context.Context, sess Session, msg InboundMessage, origin *compiledRule, rules []*compiledRule) []OutboundReply {
	var out []OutboundReply
	visited := map[string]struct{}{origin.ID: {}}
	cur := origin

	for depth := 1; cur.NextActionRef != ""; depth++ {
		start := time.Now()
		log := slog.With("tenant", msg.TenantID, "peer", msg.PeerID, "from_rule", cur.ID, "ref", cur.NextActionRef, "depth", depth)

		next := resolveNextAction(rules, cur.NextActionRef)
		if next == nil {
			metrics.ChainHops.WithLabelValues("unresolved").Inc()
			log.Debug("next action not found")
			return out
		}
		if _, seen := visited[next.ID]; seen {
			metrics.ChainHops.WithLabelValues("cycle").Inc()
			log.Warn("chain cycle stopped", "rule", next.ID)
			return out
		}
		if depth > r.cfg.MaxChainDepth {
			metrics.ChainHops.WithLabelValues("depth").Inc()
			log.Warn("chain depth limit reached", "rule", next.ID, "limit", r.cfg.MaxChainDepth)
			return out
		}
		visited[next.ID] = struct{}{}

		if err := r.sleep(ctx, r.cfg.ChainDelay); err != nil {
			metrics.ChainHops.WithLabelValues("failed").Inc()
			log.Debug("chain cancelled", "error", err)
			return out
		}

		comp := r.composer.Compose(ctx, next, msg, 0)
		if !comp.Sendable() {
			metrics.ChainHops.WithLabelValues("failed").Inc()
			log.Warn("chained rule produced no reply", "rule", next.ID)
			return out
		}
		sent, err := r.send(ctx, sess, msg, next, comp)
		if err != nil {
			metrics.ChainHops.WithLabelValues("failed").Inc()
			log.Warn("chained send failed", "rule", next.ID, "error", err)
			return out
		}

		metrics.ChainHops.WithLabelValues("sent").Inc()
		log.Info("chained reply sent", "rule", next.ID)
		r.recordAsync(msg, next, sent, TierNone, true, time.Since(start))
		out = append(out, sent)
		cur = next
	}
	return out
}
