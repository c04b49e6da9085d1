package autoreply

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/autoreply/internal/providers"
)

// ProviderBackend adapts an LLM provider to AIBackend.
type ProviderBackend struct {
	provider     providers.Provider
	systemPrompt string
}

// NewProviderBackend wraps p. systemPrompt is optional.
func NewProviderBackend(p providers.Provider, systemPrompt string) *ProviderBackend {
	return &ProviderBackend{provider: p, systemPrompt: systemPrompt}
}

// Generate sends prompt as a single user turn.
func (b *ProviderBackend) Generate(ctx context.Context, tenantID, prompt string, opts GenerateOptions) (*Generation, error) {
	var msgs []providers.Message
	if b.systemPrompt != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: b.systemPrompt})
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: prompt})

	options := map[string]interface{}{}
	if opts.MaxTokens > 0 {
		options[providers.OptMaxTokens] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		options[providers.OptTemperature] = *opts.Temperature
	}

	start := time.Now()
	resp, err := b.provider.Chat(ctx, providers.ChatRequest{
		Messages: msgs,
		Model:    opts.Model,
		Options:  options,
	})
	if err != nil {
		return nil, fmt.Errorf("%s generate for tenant %s: %w", b.provider.Name(), tenantID, err)
	}

	gen := &Generation{Text: resp.Content, LatencyMs: time.Since(start).Milliseconds()}
	if resp.Usage != nil {
		gen.TokensUsed = resp.Usage.TotalTokens
	}
	return gen, nil
}
