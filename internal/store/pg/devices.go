package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// PGDeviceStore implements store.DeviceStore backed by Postgres.
type PGDeviceStore struct {
	db *sql.DB
}

func NewPGDeviceStore(db *sql.DB) *PGDeviceStore {
	return &PGDeviceStore{db: db}
}

func (s *PGDeviceStore) ListEnabled(ctx context.Context) ([]store.DeviceInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, display_name, channel_type, credentials, config, enabled, created_at
		 FROM devices WHERE enabled = true ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var result []store.DeviceInstance
	for rows.Next() {
		var (
			d           store.DeviceInstance
			displayName sql.NullString
			creds, cfg  []byte
		)
		if err := rows.Scan(&d.ID, &d.TenantID, &displayName, &d.ChannelType, &creds, &cfg, &d.Enabled, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.DisplayName = displayName.String
		d.Credentials = creds
		d.Config = cfg
		result = append(result, d)
	}
	return result, rows.Err()
}
