package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:                  "0.0.0.0",
			Port:                  18790,
			MaxConcurrentHandlers: 256,
			InboundBuffer:         1024,
			DedupeTTLMinutes:      20,
			DedupeEntries:         5000,
		},
		Engine: EngineConfig{
			RuleRefreshSec:         60,
			RuleFetchTimeoutSec:    5,
			ConversationTimeoutMin: 30,
			SweepIntervalMin:       10,
			AITimeoutSec:           30,
			SendTimeoutSec:         20,
			ChainDelayMs:           1500,
			MaxChainDepth:          5,
		},
		Templates: TemplatesConfig{
			BotName:        "Assistant",
			DateLayout:     "2006-01-02",
			TimeLayout:     "15:04",
			DateTimeLayout: "2006-01-02 15:04",
		},
		Provider: ProviderConfig{
			Name:         "openai",
			DefaultModel: "gpt-4o-mini",
		},
		Webhook: WebhookConfig{
			TimeoutSec: 10,
		},
		Rules: RulesConfig{
			File: "~/.autoreply/rules.json5",
		},
		Media: MediaConfig{
			Dir: "~/.autoreply/media",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyFloors()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets
	envStr("AUTOREPLY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("AUTOREPLY_PROVIDER_API_KEY", &c.Provider.APIKey)
	envStr("AUTOREPLY_WEBHOOK_SECRET", &c.Webhook.Secret)
	envStr("AUTOREPLY_GATEWAY_TOKEN", &c.Gateway.Token)

	envStr("AUTOREPLY_MODE", &c.Database.Mode)

	// Gateway host/port
	envStr("AUTOREPLY_HOST", &c.Gateway.Host)
	if v := os.Getenv("AUTOREPLY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envInt("AUTOREPLY_MAX_CONCURRENT_HANDLERS", &c.Gateway.MaxConcurrentHandlers)

	// Provider
	envStr("AUTOREPLY_PROVIDER", &c.Provider.Name)
	envStr("AUTOREPLY_PROVIDER_API_BASE", &c.Provider.APIBase)
	envStr("AUTOREPLY_MODEL", &c.Provider.DefaultModel)

	// Engine
	envInt("AUTOREPLY_RULE_REFRESH_SEC", &c.Engine.RuleRefreshSec)
	envInt("AUTOREPLY_CONVERSATION_TIMEOUT_MIN", &c.Engine.ConversationTimeoutMin)
	envInt("AUTOREPLY_CHAIN_DELAY_MS", &c.Engine.ChainDelayMs)
	envInt("AUTOREPLY_MAX_CHAIN_DEPTH", &c.Engine.MaxChainDepth)

	envStr("AUTOREPLY_BOT_NAME", &c.Templates.BotName)
	envStr("AUTOREPLY_TIMEZONE", &c.Templates.Timezone)
	envStr("AUTOREPLY_WEBHOOK_URL", &c.Webhook.DefaultURL)
	envStr("AUTOREPLY_RULES_FILE", &c.Rules.File)
	envStr("AUTOREPLY_MEDIA_DIR", &c.Media.Dir)

	// Telemetry
	envStr("AUTOREPLY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AUTOREPLY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("AUTOREPLY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("AUTOREPLY_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("AUTOREPLY_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Auto-add a device if a bridge is provided via env
	if url := os.Getenv("AUTOREPLY_WHATSAPP_BRIDGE_URL"); url != "" {
		tenant := os.Getenv("AUTOREPLY_TENANT")
		if tenant == "" {
			tenant = "default"
		}
		id := os.Getenv("AUTOREPLY_DEVICE_ID")
		if id == "" {
			id = "env"
		}
		dev := DeviceConfig{ID: id, TenantID: tenant, Type: "whatsapp", WhatsApp: WhatsAppConfig{BridgeURL: url}}
		if v := os.Getenv("AUTOREPLY_WHATSAPP_ALLOW_FROM"); v != "" {
			dev.WhatsApp.AllowFrom = strings.Split(v, ",")
		}
		c.upsertDevice(dev)
	}
}

func (c *Config) upsertDevice(dev DeviceConfig) {
	for i := range c.Devices {
		if c.Devices[i].ID == dev.ID {
			c.Devices[i].WhatsApp.BridgeURL = dev.WhatsApp.BridgeURL
			if len(dev.WhatsApp.AllowFrom) > 0 {
				c.Devices[i].WhatsApp.AllowFrom = dev.WhatsApp.AllowFrom
			}
			return
		}
	}
	c.Devices = append(c.Devices, dev)
}

// applyFloors restores defaults for values that were zeroed or made
// nonsensical by the file or env.
func (c *Config) applyFloors() {
	d := Default()
	floor := func(dst *int, def int) {
		if *dst <= 0 {
			*dst = def
		}
	}
	floor(&c.Gateway.MaxConcurrentHandlers, d.Gateway.MaxConcurrentHandlers)
	floor(&c.Gateway.InboundBuffer, d.Gateway.InboundBuffer)
	floor(&c.Gateway.DedupeTTLMinutes, d.Gateway.DedupeTTLMinutes)
	floor(&c.Gateway.DedupeEntries, d.Gateway.DedupeEntries)
	floor(&c.Engine.RuleRefreshSec, d.Engine.RuleRefreshSec)
	floor(&c.Engine.RuleFetchTimeoutSec, d.Engine.RuleFetchTimeoutSec)
	floor(&c.Engine.ConversationTimeoutMin, d.Engine.ConversationTimeoutMin)
	floor(&c.Engine.SweepIntervalMin, d.Engine.SweepIntervalMin)
	floor(&c.Engine.AITimeoutSec, d.Engine.AITimeoutSec)
	floor(&c.Engine.SendTimeoutSec, d.Engine.SendTimeoutSec)
	floor(&c.Engine.MaxChainDepth, d.Engine.MaxChainDepth)
	floor(&c.Webhook.TimeoutSec, d.Webhook.TimeoutSec)
	if c.Engine.TypingSeconds < 0 {
		c.Engine.TypingSeconds = 0
	}
}

// Save writes the config to a JSON file. Secrets are never written
// because they carry json:"-".
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config, used to detect changes.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// RulesPath returns the expanded rules file path.
func (c *Config) RulesPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Rules.File)
}

// MediaPath returns the expanded media directory.
func (c *Config) MediaPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Media.Dir)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
