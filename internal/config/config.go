package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, so phone
// numbers can be written unquoted in allowlists.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the autoreply gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Engine    EngineConfig    `json:"engine"`
	Templates TemplatesConfig `json:"templates"`
	Provider  ProviderConfig  `json:"provider"`
	Webhook   WebhookConfig   `json:"webhook,omitempty"`
	Devices   []DeviceConfig  `json:"devices,omitempty"`
	Rules     RulesConfig     `json:"rules"`
	Media     MediaConfig     `json:"media"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the process: the health/metrics listener and
// inbound handling limits.
type GatewayConfig struct {
	Host                  string `json:"host"`
	Token                 string `json:"-"`                                 // ops API bearer token, env AUTOREPLY_GATEWAY_TOKEN only
	Port                  int    `json:"port"`                              // /metrics and /healthz
	MaxConcurrentHandlers int    `json:"max_concurrent_handlers,omitempty"` // default 256
	InboundBuffer         int    `json:"inbound_buffer,omitempty"`          // default 1024
	DedupeTTLMinutes      int    `json:"dedupe_ttl_minutes,omitempty"`      // default 20
	DedupeEntries         int    `json:"dedupe_entries,omitempty"`          // default 5000
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is NEVER read from config.json (secret), only from env AUTOREPLY_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`              // from env AUTOREPLY_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true if rules, devices and media live in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// EngineConfig holds the routing engine's timers and limits.
type EngineConfig struct {
	RuleRefreshSec         int `json:"rule_refresh_sec,omitempty"`         // default 60
	RuleFetchTimeoutSec    int `json:"rule_fetch_timeout_sec,omitempty"`   // default 5
	ConversationTimeoutMin int `json:"conversation_timeout_min,omitempty"` // default 30
	SweepIntervalMin       int `json:"sweep_interval_min,omitempty"`       // default 10
	AITimeoutSec           int `json:"ai_timeout_sec,omitempty"`           // default 30
	SendTimeoutSec         int `json:"send_timeout_sec,omitempty"`         // default 20
	ChainDelayMs           int `json:"chain_delay_ms,omitempty"`           // default 1500, -1 = no delay
	MaxChainDepth          int `json:"max_chain_depth,omitempty"`          // default 5
	TypingSeconds          int `json:"typing_seconds,omitempty"`           // 0 = no typing indicator
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (e EngineConfig) RuleRefresh() time.Duration      { return seconds(e.RuleRefreshSec) }
func (e EngineConfig) RuleFetchTimeout() time.Duration { return seconds(e.RuleFetchTimeoutSec) }
func (e EngineConfig) AITimeout() time.Duration        { return seconds(e.AITimeoutSec) }
func (e EngineConfig) SendTimeout() time.Duration      { return seconds(e.SendTimeoutSec) }

func (e EngineConfig) ConversationTimeout() time.Duration {
	return time.Duration(e.ConversationTimeoutMin) * time.Minute
}

func (e EngineConfig) SweepInterval() time.Duration {
	return time.Duration(e.SweepIntervalMin) * time.Minute
}

// ChainDelay returns the pause between chained replies; negative disables it.
func (e EngineConfig) ChainDelay() time.Duration {
	return time.Duration(e.ChainDelayMs) * time.Millisecond
}

// TemplatesConfig configures reply placeholders.
type TemplatesConfig struct {
	BotName        string            `json:"bot_name,omitempty"`
	TenantBotNames map[string]string `json:"tenant_bot_names,omitempty"` // tenant ID → bot name
	DateLayout     string            `json:"date_layout,omitempty"`      // Go layout, default "2006-01-02"
	TimeLayout     string            `json:"time_layout,omitempty"`      // default "15:04"
	DateTimeLayout string            `json:"datetime_layout,omitempty"`  // default "2006-01-02 15:04"
	Timezone       string            `json:"timezone,omitempty"`         // IANA name, default local
	Greetings      GreetingsConfig   `json:"greetings,omitempty"`
}

type GreetingsConfig struct {
	Morning   string `json:"morning,omitempty"`
	Afternoon string `json:"afternoon,omitempty"`
	Evening   string `json:"evening,omitempty"`
	Night     string `json:"night,omitempty"`
}

// Location resolves Timezone, falling back to time.Local.
func (t TemplatesConfig) Location() (*time.Location, error) {
	if t.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.Local, fmt.Errorf("load timezone %q: %w", t.Timezone, err)
	}
	return loc, nil
}

// TelemetryConfig configures OpenTelemetry export for routing spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "autoreply-gateway"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// MaskedCopy returns a copy safe for printing: secrets are masked.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := &Config{
		Gateway:   c.Gateway,
		Database:  c.Database,
		Engine:    c.Engine,
		Templates: c.Templates,
		Provider:  c.Provider,
		Webhook:   c.Webhook,
		Devices:   append([]DeviceConfig(nil), c.Devices...),
		Rules:     c.Rules,
		Media:     c.Media,
		Telemetry: c.Telemetry,
	}
	maskNonEmpty(&cp.Database.PostgresDSN)
	maskNonEmpty(&cp.Provider.APIKey)
	maskNonEmpty(&cp.Webhook.Secret)
	maskNonEmpty(&cp.Gateway.Token)
	if len(c.Telemetry.Headers) > 0 {
		cp.Telemetry.Headers = make(map[string]string, len(c.Telemetry.Headers))
		for k := range c.Telemetry.Headers {
			cp.Telemetry.Headers[k] = secretMask
		}
	}
	return cp
}

const secretMask = "***"

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
