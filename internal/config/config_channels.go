package config

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// DeviceConfig is a standalone-mode device (one messaging account).
// Managed mode reads devices from the database instead.
type DeviceConfig struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	DisplayName string         `json:"display_name,omitempty"`
	Type        string         `json:"type,omitempty"` // "whatsapp" (default)
	Disabled    bool           `json:"disabled,omitempty"`
	WhatsApp    WhatsAppConfig `json:"whatsapp"`
}

// WhatsAppConfig configures a WhatsApp bridge device.
type WhatsAppConfig struct {
	BridgeURL         string              `json:"bridge_url"`
	AllowFrom         FlexibleStringSlice `json:"allow_from,omitempty"`
	GroupPolicy       string              `json:"group_policy,omitempty"`         // "open" (default), "allowlist", "disabled"
	SendRatePerSec    float64             `json:"send_rate_per_sec,omitempty"`    // outbound pacing, default 1
	SendBurst         int                 `json:"send_burst,omitempty"`           // default 3
	FloodMaxPerMinute int                 `json:"flood_max_per_minute,omitempty"` // inbound per peer, default 30
}

// whatsappCreds is the credentials JSON of a whatsapp device instance.
type whatsappCreds struct {
	BridgeURL string `json:"bridge_url"`
}

// DeviceInstances converts the devices section into store instances, in
// the same shape the devices table produces.
func (c *Config) DeviceInstances() ([]store.DeviceInstance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]store.DeviceInstance, 0, len(c.Devices))
	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" || d.TenantID == "" {
			return nil, fmt.Errorf("devices[%d]: id and tenant_id are required", i)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = struct{}{}

		channelType := d.Type
		if channelType == "" {
			channelType = "whatsapp"
		}
		creds, err := json.Marshal(whatsappCreds{BridgeURL: d.WhatsApp.BridgeURL})
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: encode credentials: %w", i, err)
		}
		settings := d.WhatsApp
		settings.BridgeURL = ""
		cfg, err := json.Marshal(settings)
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: encode config: %w", i, err)
		}

		out = append(out, store.DeviceInstance{
			ID:          d.ID,
			TenantID:    d.TenantID,
			DisplayName: d.DisplayName,
			ChannelType: channelType,
			Credentials: creds,
			Config:      cfg,
			Enabled:     !d.Disabled,
		})
	}
	return out, nil
}

// ProviderConfig configures the OpenAI-compatible AI backend.
// APIKey is only read from env AUTOREPLY_PROVIDER_API_KEY.
type ProviderConfig struct {
	Name         string `json:"name,omitempty"` // "openai" (default), "openrouter", ...
	APIKey       string `json:"-"`
	APIBase      string `json:"api_base,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// HasProvider reports whether an AI backend can be built.
func (c *Config) HasProvider() bool {
	return c.Provider.APIKey != "" || c.Provider.APIBase != ""
}

// WebhookConfig configures interaction webhooks. Rules may carry their
// own URL; DefaultURL is used otherwise. Secret signs payloads and comes
// from env AUTOREPLY_WEBHOOK_SECRET only.
type WebhookConfig struct {
	DefaultURL string `json:"default_url,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"` // default 10
	Secret     string `json:"-"`
}

// RulesConfig configures the standalone rules file.
type RulesConfig struct {
	File  string `json:"file"`            // JSON5 rules document
	Watch *bool  `json:"watch,omitempty"` // hot reload on change (default true)
}

// WatchEnabled reports whether the rules file should be watched.
func (r RulesConfig) WatchEnabled() bool { return r.Watch == nil || *r.Watch }

// MediaConfig configures the standalone media directory.
type MediaConfig struct {
	Dir string `json:"dir"`
}
