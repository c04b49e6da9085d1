package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// PGRuleStore implements store.RuleStore backed by Postgres.
type PGRuleStore struct {
	db *sql.DB
}

func NewPGRuleStore(db *sql.DB) *PGRuleStore {
	return &PGRuleStore{db: db}
}

const ruleSelectCols = `id, tenant_id, name, flow_key, enabled, match_mode, keywords, scope, is_default_fallback,
	use_ai, ai_prompt_template, ai_model, ai_max_tokens, ai_temperature,
	static_reply_text, media_refs, send_media, bubbles, bubble_order,
	conversation_mode, max_conversation_turns, end_keywords, next_action_ref,
	webhook_url, typing_seconds, created_at, updated_at`

func (s *PGRuleStore) FetchActiveRules(ctx context.Context, tenantID string) ([]store.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleSelectCols+` FROM auto_reply_rules
		 WHERE tenant_id = $1 AND enabled = true
		 ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var result []store.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (store.Rule, error) {
	var (
		r                                      store.Rule
		name, flowKey, prompt, model, static   sql.NullString
		endKeywords, nextAction, webhook       sql.NullString
		matchMode, scope, bubbleOrder, convMode string
		temperature                            sql.NullFloat64
		bubblesJSON                            []byte
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &name, &flowKey, &r.Enabled, &matchMode, pq.Array(&r.Keywords), &scope, &r.IsDefaultFallback,
		&r.UseAI, &prompt, &model, &r.AIMaxTokens, &temperature,
		&static, pq.Array(&r.MediaRefs), &r.SendMedia, &bubblesJSON, &bubbleOrder,
		&convMode, &r.MaxConversationTurns, &endKeywords, &nextAction,
		&webhook, &r.TypingSeconds, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return store.Rule{}, fmt.Errorf("scan rule: %w", err)
	}

	r.Name = name.String
	r.FlowKey = flowKey.String
	r.MatchMode = store.MatchMode(matchMode)
	r.Scope = store.Scope(scope)
	r.AIPromptTemplate = prompt.String
	r.AIModel = model.String
	if temperature.Valid {
		r.AITemperature = &temperature.Float64
	}
	r.StaticReplyText = static.String
	r.BubbleOrder = store.BubbleOrder(bubbleOrder)
	r.ConversationMode = store.ConversationMode(convMode)
	r.EndKeywords = endKeywords.String
	r.NextActionRef = nextAction.String
	r.WebhookURL = webhook.String

	if len(bubblesJSON) > 0 {
		if err := json.Unmarshal(bubblesJSON, &r.Bubbles); err != nil {
			// A broken bubbles column should not hide the rest of the rule.
			slog.Warn("rule bubbles not decodable", "rule", r.ID, "error", err)
			r.Bubbles = nil
		}
	}
	return r, nil
}
