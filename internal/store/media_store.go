package store

import (
	"context"
	"time"
)

// MediaObject is a resolved media file ready to be sent.
type MediaObject struct {
	Ref      string `json:"ref"`
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name,omitempty"`
}

// MediaStore resolves media references stored on rules.
type MediaStore interface {
	Resolve(ctx context.Context, ref string) (*MediaObject, error)
}

// InteractionStats is one recorded bot interaction.
type InteractionStats struct {
	TenantID   string
	PeerID     string
	Tokens     int
	DurationMs int64
	UsedAI     bool
	Chained    bool
	CreatedAt  time.Time
}

// StatsStore persists per-rule interaction statistics.
type StatsStore interface {
	RecordInteraction(ctx context.Context, ruleID string, s InteractionStats) error
}
