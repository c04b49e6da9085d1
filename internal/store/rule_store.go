package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MatchMode selects how a rule's keywords are compared against message text.
type MatchMode string

const (
	MatchContains        MatchMode = "contains"         // substring of any keyword
	MatchWholeWord       MatchMode = "whole_word"       // tokenized whole-word equality
	MatchRegex           MatchMode = "regex"            // keywords OR-joined into one pattern
	MatchAICatchAll      MatchMode = "ai_catch_all"     // matches anything, replies via AI
	MatchDefaultFallback MatchMode = "default_fallback" // lowest-priority catch-all
)

// Scope restricts a rule to group chats, direct chats, or both.
type Scope string

const (
	ScopeAll        Scope = "all"
	ScopeGroup      Scope = "group"
	ScopeIndividual Scope = "individual"
)

// ConversationMode distinguishes stateless rules from multi-turn ones.
type ConversationMode string

const (
	ConversationSingle     ConversationMode = "single"
	ConversationContinuous ConversationMode = "continuous"
)

// BubbleOrder controls how a reply variant is picked from a rule's bubbles.
type BubbleOrder string

const (
	BubbleRandom     BubbleOrder = "random"
	BubbleSequential BubbleOrder = "sequential"
)

// Bubble is one candidate reply variant of a rule.
type Bubble struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Active bool   `json:"active"`
}

// Rule is an auto-response rule ("campaign") as persisted by the CRUD layer.
// The routing engine only reads rules.
type Rule struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Name              string    `json:"name,omitempty"`
	FlowKey           string    `json:"flow_key,omitempty"`
	Enabled           bool      `json:"enabled"`
	MatchMode         MatchMode `json:"match_mode"`
	Keywords          []string  `json:"keywords,omitempty"`
	Scope             Scope     `json:"scope,omitempty"`
	IsDefaultFallback bool      `json:"is_default_fallback,omitempty"`

	UseAI            bool     `json:"use_ai,omitempty"`
	AIPromptTemplate string   `json:"ai_prompt_template,omitempty"`
	AIModel          string   `json:"ai_model,omitempty"`
	AIMaxTokens      int      `json:"ai_max_tokens,omitempty"`
	AITemperature    *float64 `json:"ai_temperature,omitempty"` // nil = provider default

	StaticReplyText string      `json:"static_reply_text,omitempty"`
	MediaRefs       []string    `json:"media_refs,omitempty"`
	SendMedia       bool        `json:"send_media,omitempty"`
	Bubbles         []Bubble    `json:"bubbles,omitempty"`
	BubbleOrder     BubbleOrder `json:"bubble_order,omitempty"`

	ConversationMode     ConversationMode `json:"conversation_mode,omitempty"`
	MaxConversationTurns int              `json:"max_conversation_turns,omitempty"` // 0 = unlimited
	EndKeywords          string           `json:"end_keywords,omitempty"`           // comma-delimited

	NextActionRef string `json:"next_action_ref,omitempty"`
	WebhookURL    string `json:"webhook_url,omitempty"`
	TypingSeconds int    `json:"typing_seconds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stateful reports whether the rule keeps per-peer conversation state.
func (r *Rule) Stateful() bool {
	return r.ConversationMode == ConversationContinuous
}

// EndKeywordSet splits the comma-delimited EndKeywords column into
// lowercase, trimmed, non-empty entries. Duplicates are dropped.
func (r *Rule) EndKeywordSet() []string {
	if r.EndKeywords == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(r.EndKeywords, ",") {
		kw := strings.ToLower(strings.TrimSpace(part))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}

// SortRules orders rules oldest-created first, breaking ties by ID so the
// order never depends on how the backend happened to return rows.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

// RuleStore is the read side of rule persistence consumed by the engine.
type RuleStore interface {
	// FetchActiveRules returns the enabled rules of a tenant, oldest first.
	FetchActiveRules(ctx context.Context, tenantID string) ([]Rule, error)
}
