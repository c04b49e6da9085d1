package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIBase = "https://api.openai.com/v1"
	chatPath       = "/chat/completions"
	maxErrorBody   = 4 << 10
)

// ErrNoChoices is returned when a completion carries no choices.
var ErrNoChoices = errors.New("completion returned no choices")

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, Groq, OpenRouter, DeepSeek, vLLM, Ollama).
type OpenAIProvider struct {
	name         string
	apiKey       string
	endpoint     string
	defaultModel string
	client       *http.Client
	retry        RetryConfig
}

// NewOpenAIProvider creates a provider. An empty apiBase targets OpenAI.
func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		endpoint:     strings.TrimRight(apiBase, "/") + chatPath,
		defaultModel: defaultModel,
		// Per-call deadlines come from ctx; this only bounds a hung socket.
		client: &http.Client{Timeout: 2 * time.Minute},
		retry:  DefaultRetryConfig(),
	}
}

// WithRetryConfig overrides the retry policy.
func (p *OpenAIProvider) WithRetryConfig(cfg RetryConfig) *OpenAIProvider {
	p.retry = cfg
	return p
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(p.newRequest(req))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		return p.post(ctx, body)
	})
}

func (p *OpenAIProvider) newRequest(req ChatRequest) chatCompletionRequest {
	out := chatCompletionRequest{Model: req.Model, Messages: req.Messages}
	if out.Model == "" {
		out.Model = p.defaultModel
	}
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	if n, ok := req.Options[OptMaxTokens].(int); ok && n > 0 {
		out.MaxTokens = &n
	}
	if t, ok := req.Options[OptTemperature].(float64); ok {
		out.Temperature = &t
	}
	return out
}

func (p *OpenAIProvider) post(ctx context.Context, body []byte) (*ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       p.name + ": " + strings.TrimSpace(string(msg)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w", p.name, ErrNoChoices)
	}

	choice := out.Choices[0]
	result := &ChatResponse{Content: choice.Message.Content, FinishReason: choice.FinishReason, Usage: out.Usage}
	if result.FinishReason == "" {
		result.FinishReason = "stop"
	}
	return result, nil
}
