// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoreply_messages_routed_total",
		Help: "Inbound messages routed, labelled by deciding tier and whether a reply was sent.",
	}, []string{"tier", "replied"})

	MessagesDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autoreply_messages_deduplicated_total",
		Help: "Inbound messages dropped because their message ID was already seen.",
	})

	RoutingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoreply_routing_duration_ms",
		Help:    "End-to-end routing latency (match, compose, send, chain) in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	RepliesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoreply_replies_sent_total",
		Help: "Outbound replies, labelled by kind (text, media) and status.",
	}, []string{"kind", "status"})

	AIGenerations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoreply_ai_generations_total",
		Help: "AI backend calls, labelled by status (ok, error, empty).",
	}, []string{"status"})

	AITokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autoreply_ai_tokens_total",
		Help: "Tokens consumed by AI generations.",
	})

	ChainHops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoreply_chain_hops_total",
		Help: "Next-action chain steps, labelled by outcome (sent, cycle, depth, unresolved, failed).",
	}, []string{"outcome"})

	RuleFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoreply_rule_fetches_total",
		Help: "Rule repository fetches, labelled by status.",
	}, []string{"status"})

	RulesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoreply_rules_rejected_total",
		Help: "Rules skipped or neutralised at load time, labelled by reason (config, invariant).",
	}, []string{"reason"})

	ActiveConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autoreply_active_conversations",
		Help: "Conversations currently tracked in memory.",
	})

	ConversationsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autoreply_conversations_evicted_total",
		Help: "Conversations removed by the inactivity sweeper.",
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoreply_webhook_deliveries_total",
		Help: "Webhook deliveries, labelled by status.",
	}, []string{"status"})
)
