package autoreply

import (
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/autoreply/internal/conversations"
)

// Decision is the matcher's verdict for one message.
//
// End keywords and blocked continuations are applied by the matcher itself.
// Preempt, Start and Advance are pending: the Router commits them once the
// reply has been sent.
type Decision struct {
	Tier Tier
	Rule *compiledRule

	// Handled without a Rule means an end keyword closed the conversation.
	Handled bool

	StartConversation   bool
	AdvanceConversation bool

	// PreemptConversation ends the active conversation of another rule.
	PreemptConversation bool

	// Turn is the conversation turn the reply is composed for
	// (0 when the rule is stateless).
	Turn int

	// Ended is set when the matcher removed a conversation.
	Ended bool
}

// Matcher selects the winning rule for a message through the tiered
// priority protocol.
type Matcher struct {
	conv *conversations.Store
}

// NewMatcher creates a matcher backed by conv.
func NewMatcher(conv *conversations.Store) *Matcher {
	return &Matcher{conv: conv}
}

// Match evaluates the tiers in order and stops at the first decisive one.
// rules must be in store order. The caller holds the (tenant, peer) lock.
func (m *Matcher) Match(msg InboundMessage, rules []*compiledRule) Decision {
	state, active := m.conv.Get(msg.TenantID, msg.PeerID)
	var d Decision

	// Tier 1: end keywords of every rule override everything else, but only
	// when there is a conversation to end.
	if active {
		if r := matchEndKeyword(msg.Text, rules); r != nil {
			m.conv.End(msg.TenantID, msg.PeerID)
			slog.Debug("conversation ended by keyword", "tenant", msg.TenantID, "peer", msg.PeerID, "rule", r.ID)
			return Decision{Tier: TierEndKeyword, Handled: true, Ended: true}
		}
	}

	// Tier 2 only locates the owning rule; tier 3 gets first refusal.
	var owner *compiledRule
	if active {
		owner = findRule(rules, state.RuleID)
	}

	// Tier 3: keyword rules in store order.
	for _, r := range rules {
		if r.kind != kindKeyword || !r.allows(msg.IsGroup) || !r.trigger.matches(msg.Text) {
			continue
		}
		if active && (state.RuleID != r.ID || !r.Stateful()) {
			d.PreemptConversation = true
		}
		d.Tier, d.Rule, d.Handled = TierKeyword, r, true
		if r.Stateful() {
			d.StartConversation, d.Turn = true, 1
		}
		return d
	}

	// Tier 4: continue the active conversation if its rule still allows it.
	if active {
		if reason := m.continuationBlocked(owner, state); reason != "" {
			m.conv.End(msg.TenantID, msg.PeerID)
			d.Ended = true
			slog.Debug("conversation not continued", "tenant", msg.TenantID, "peer", msg.PeerID,
				"rule", state.RuleID, "turn", state.TurnCount, "reason", reason)
		} else {
			return Decision{
				Tier:                TierContinuation,
				Rule:                owner,
				Handled:             true,
				AdvanceConversation: true,
				Turn:                state.TurnCount + 1,
			}
		}
	}

	// Tier 5: first scope-compatible fallback in store order.
	for _, r := range rules {
		if r.kind != kindFallback || !r.allows(msg.IsGroup) {
			continue
		}
		d.Tier, d.Rule, d.Handled = TierFallback, r, true
		if r.Stateful() {
			d.StartConversation, d.Turn = true, 1
		}
		return d
	}

	d.Tier = TierNone
	return d
}

// continuationBlocked returns why a conversation cannot take another turn,
// or "" when it can.
func (m *Matcher) continuationBlocked(owner *compiledRule, state conversations.State) string {
	switch {
	case owner == nil:
		return "rule no longer active"
	case owner.kind == kindInert:
		return "rule is inert"
	case !owner.Stateful():
		return "rule is not continuous"
	case owner.MaxConversationTurns > 0 && state.TurnCount >= owner.MaxConversationTurns:
		return "turn limit reached"
	case state.Expired(m.conv.Now(), m.conv.Timeout()):
		return "inactivity timeout"
	}
	return ""
}

// matchEndKeyword returns the first rule with an end keyword contained in
// text, case-insensitively.
func matchEndKeyword(text string, rules []*compiledRule) *compiledRule {
	lower := strings.ToLower(text)
	for _, r := range rules {
		for _, kw := range r.endKeywords {
			if strings.Contains(lower, kw) {
				return r
			}
		}
	}
	return nil
}
