package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// PGStatsStore implements store.StatsStore over the rule_interactions table.
type PGStatsStore struct {
	db *sql.DB
}

func NewPGStatsStore(db *sql.DB) *PGStatsStore {
	return &PGStatsStore{db: db}
}

func (s *PGStatsStore) RecordInteraction(ctx context.Context, ruleID string, st store.InteractionStats) error {
	createdAt := st.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_interactions (id, rule_id, tenant_id, peer_id, tokens, duration_ms, used_ai, chained, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.Must(uuid.NewV7()), ruleID, st.TenantID, st.PeerID, st.Tokens, st.DurationMs, st.UsedAI, st.Chained, createdAt,
	)
	return err
}
