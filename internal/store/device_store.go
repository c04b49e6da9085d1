package store

import (
	"context"
	"encoding/json"
	"time"
)

// DeviceInstance is one connected messaging account belonging to a tenant.
// A tenant may own several devices; each runs its own transport session.
type DeviceInstance struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	DisplayName string          `json:"display_name,omitempty"`
	ChannelType string          `json:"channel_type"` // "whatsapp"
	Credentials json.RawMessage `json:"-"`
	Config      json.RawMessage `json:"config,omitempty"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DeviceStore lists the device instances the gateway should connect.
type DeviceStore interface {
	ListEnabled(ctx context.Context) ([]DeviceInstance, error)
}
