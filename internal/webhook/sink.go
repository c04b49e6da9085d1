// Package webhook delivers interaction events to tenant HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/autoreply/internal/autoreply"
	"github.com/nextlevelbuilder/autoreply/internal/metrics"
	"github.com/nextlevelbuilder/autoreply/internal/store"
)

const (
	EventInteraction = "autoreply.interaction"

	HeaderEventID   = "X-Autoreply-Event-Id"
	HeaderTimestamp = "X-Autoreply-Timestamp"
	HeaderSignature = "X-Autoreply-Signature" // "sha256=<hex hmac of body>"

	DefaultTimeout = 10 * time.Second
)

// Payload is the JSON body posted for each interaction.
type Payload struct {
	EventID    string                    `json:"event_id"`
	Event      string                    `json:"event"`
	OccurredAt time.Time                 `json:"occurred_at"`
	Rule       RuleRef                   `json:"rule"`
	Inbound    autoreply.InboundSummary  `json:"inbound"`
	Outbound   autoreply.OutboundSummary `json:"outbound"`
}

// RuleRef identifies the rule that produced the reply.
type RuleRef struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	TenantID string `json:"tenant_id"`
	FlowKey  string `json:"flow_key,omitempty"`
}

// Sink posts interaction events. Rules with their own webhook URL override
// the default; with neither, delivery is skipped.
type Sink struct {
	client     *http.Client
	defaultURL string
	secret     []byte
	now        func() time.Time
}

// NewSink creates a sink. An empty secret disables signing.
func NewSink(defaultURL, secret string, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Sink{
		client:     &http.Client{Timeout: timeout},
		defaultURL: defaultURL,
		now:        time.Now,
	}
	if secret != "" {
		s.secret = []byte(secret)
	}
	return s
}

// Deliver implements autoreply.WebhookSink.
func (s *Sink) Deliver(ctx context.Context, rule *store.Rule, in autoreply.InboundSummary, out autoreply.OutboundSummary) error {
	url := rule.WebhookURL
	if url == "" {
		url = s.defaultURL
	}
	if url == "" {
		return nil
	}

	p := Payload{
		EventID:    uuid.NewString(),
		Event:      EventInteraction,
		OccurredAt: s.now().UTC(),
		Rule:       RuleRef{ID: rule.ID, Name: rule.Name, TenantID: rule.TenantID, FlowKey: rule.FlowKey},
		Inbound:    in,
		Outbound:   out,
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, p.EventID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(p.OccurredAt.Unix(), 10))
	if s.secret != nil {
		req.Header.Set(HeaderSignature, "sha256="+Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		return fmt.Errorf("webhook %s returned %d", url, resp.StatusCode)
	}
	metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a "sha256=<hex>" signature header against body.
func Verify(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	return hmac.Equal([]byte(header[len(prefix):]), []byte(Sign(secret, body)))
}
