// Package whatsapp implements a device channel backed by a WhatsApp bridge.
// The bridge (e.g. a whatsapp-web.js or whatsmeow sidecar) speaks the
// WhatsApp protocol; this channel exchanges JSON frames with it over a
// WebSocket.
package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/autoreply/internal/bus"
	"github.com/nextlevelbuilder/autoreply/internal/channels"
	"github.com/nextlevelbuilder/autoreply/internal/config"
	"github.com/nextlevelbuilder/autoreply/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxBackoff       = 30 * time.Second

	defaultSendRate  = 1.0
	defaultSendBurst = 3
)

// Channel connects one device to its WhatsApp bridge.
type Channel struct {
	*channels.BaseChannel
	bridgeURL string
	limiter   *rate.Limiter

	mu   sync.Mutex // guards conn; also serializes writes
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// bridgeFrame is an inbound frame from the bridge.
// Expected format: {"type":"message","from":"...","chat":"...","content":"...","id":"...","from_name":"...","from_me":false,"timestamp":1700000000}
type bridgeFrame struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Chat      string `json:"chat"`
	Content   string `json:"content"`
	ID        string `json:"id"`
	FromName  string `json:"from_name"`
	FromMe    bool   `json:"from_me"`
	Timestamp int64  `json:"timestamp"`
}

type textFrame struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Content string `json:"content"`
}

type mediaFrame struct {
	Type     string `json:"type"`
	To       string `json:"to"`
	Data     string `json:"data"` // base64
	MimeType string `json:"mimetype"`
	Caption  string `json:"caption,omitempty"`
}

type typingFrame struct {
	Type     string `json:"type"`
	To       string `json:"to"`
	Duration int    `json:"duration"`
}

// New creates a WhatsApp channel for one device.
func New(tenantID, deviceID string, cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}

	base := channels.NewBaseChannel("whatsapp", tenantID, deviceID, msgBus, cfg.AllowFrom)
	base.SetGroupPolicy(channels.GroupPolicy(cfg.GroupPolicy))
	if cfg.FloodMaxPerMinute > 0 {
		base.SetFloodLimit(time.Minute, cfg.FloodMaxPerMinute)
	}

	perSec := cfg.SendRatePerSec
	if perSec <= 0 {
		perSec = defaultSendRate
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = defaultSendBurst
	}

	return &Channel{
		BaseChannel: base,
		bridgeURL:   cfg.BridgeURL,
		limiter:     rate.NewLimiter(rate.Limit(perSec), burst),
	}, nil
}

// Start connects to the bridge and begins listening. A failed first dial
// is not fatal: the listen loop keeps retrying.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "channel", c.Name(), "bridge_url", c.bridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	if err := c.connect(); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "channel", c.Name(), "error", err)
	}

	go c.listenLoop()
	return nil
}

// Stop closes the bridge connection and waits for the listen loop to exit.
func (c *Channel) Stop(ctx context.Context) error {
	slog.Info("stopping whatsapp channel", "channel", c.Name())

	if c.cancel != nil {
		c.cancel()
	}
	c.dropConn()

	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SendText sends a text message to peerID.
func (c *Channel) SendText(ctx context.Context, peerID, text string) error {
	return c.write(ctx, textFrame{Type: "message", To: peerID, Content: text}, true)
}

// SendMedia sends an image or file with an optional caption.
func (c *Channel) SendMedia(ctx context.Context, peerID string, data []byte, mimeType, caption string) error {
	return c.write(ctx, mediaFrame{
		Type:     "media",
		To:       peerID,
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
		Caption:  caption,
	}, true)
}

// SetTypingIndicator shows "typing..." to peerID. It is not paced.
func (c *Channel) SetTypingIndicator(ctx context.Context, peerID string, seconds int) error {
	return c.write(ctx, typingFrame{Type: "typing", To: peerID, Duration: seconds}, false)
}

func (c *Channel) write(ctx context.Context, frame any, paced bool) error {
	if paced {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("whatsapp send pacing: %w", err)
		}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp frame: %w", err)
	}
	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	conn, _, err := dialer.DialContext(c.ctx, c.bridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.bridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setConnected(true)
	slog.Info("whatsapp bridge connected", "channel", c.Name(), "url", c.bridgeURL)
	return nil
}

func (c *Channel) dropConn() {
	c.mu.Lock()
	wasConnected := c.conn != nil
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if wasConnected {
		c.setConnected(false)
	}
}

// setConnected updates the running flag and broadcasts the device status.
func (c *Channel) setConnected(connected bool) {
	c.SetRunning(connected)
	if b := c.Bus(); b != nil {
		b.Broadcast(bus.Event{
			Name: protocol.EventDeviceStatus,
			Payload: bus.DeviceStatusPayload{
				Channel:   c.Name(),
				TenantID:  c.TenantID(),
				DeviceID:  c.DeviceID(),
				Connected: connected,
			},
		})
	}
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop() {
	defer close(c.done)
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "channel", c.Name(), "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "channel", c.Name(), "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}

			backoff = time.Second
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("whatsapp read error, will reconnect", "channel", c.Name(), "error", err)
			}
			c.dropConn()
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("invalid whatsapp frame JSON", "channel", c.Name(), "error", err)
			continue
		}

		if frame.Type == "message" {
			c.handleIncoming(frame)
		}
	}
}

// handleIncoming converts a bridge message frame and hands it to the base.
func (c *Channel) handleIncoming(f bridgeFrame) {
	if f.From == "" || f.FromMe {
		return
	}

	chatID := f.Chat
	if chatID == "" {
		chatID = f.From
	}

	// WhatsApp groups have chatID ending in "@g.us"
	peerKind := bus.PeerDirect
	if strings.HasSuffix(chatID, "@g.us") {
		peerKind = bus.PeerGroup
	}

	content := strings.TrimSpace(f.Content)
	if content == "" {
		return
	}

	var ts time.Time
	if f.Timestamp > 0 {
		ts = time.Unix(f.Timestamp, 0)
	}

	slog.Debug("whatsapp message received",
		"channel", c.Name(),
		"sender_id", f.From,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	c.HandleMessage(channels.Incoming{
		SenderID:   f.From,
		SenderName: f.FromName,
		ChatID:     chatID,
		Content:    content,
		MessageID:  f.ID,
		PeerKind:   peerKind,
		Timestamp:  ts,
	})
}
