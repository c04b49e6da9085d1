package whatsapp

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/autoreply/internal/bus"
	"github.com/nextlevelbuilder/autoreply/internal/channels"
	"github.com/nextlevelbuilder/autoreply/internal/config"
	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// whatsappCreds maps the credentials JSON of a device instance.
type whatsappCreds struct {
	BridgeURL string `json:"bridge_url"`
}

// Factory creates a WhatsApp channel from device instance data.
// An instance without a bridge URL is not ready and yields (nil, nil).
func Factory(name string, inst store.DeviceInstance, msgBus *bus.MessageBus) (channels.Channel, error) {
	var c whatsappCreds
	if len(inst.Credentials) > 0 {
		if err := json.Unmarshal(inst.Credentials, &c); err != nil {
			return nil, fmt.Errorf("decode whatsapp credentials: %w", err)
		}
	}
	if c.BridgeURL == "" {
		return nil, nil
	}

	var waCfg config.WhatsAppConfig
	if len(inst.Config) > 0 {
		if err := json.Unmarshal(inst.Config, &waCfg); err != nil {
			return nil, fmt.Errorf("decode whatsapp config: %w", err)
		}
	}
	waCfg.BridgeURL = c.BridgeURL

	ch, err := New(inst.TenantID, inst.ID, waCfg, msgBus)
	if err != nil {
		return nil, err
	}

	ch.SetName(name)
	return ch, nil
}
