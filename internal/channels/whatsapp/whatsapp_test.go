package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/autoreply/internal/bus"
	"github.com/nextlevelbuilder/autoreply/internal/config"
	"github.com/nextlevelbuilder/autoreply/internal/store"
	"github.com/nextlevelbuilder/autoreply/pkg/protocol"
)

// fakeBridge accepts one connection and exposes the frames it receives.
type fakeBridge struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	received chan map[string]any
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan map[string]any, 16),
	}
	upgrader := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				fb.received <- m
			}
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBridge) url() string { return "ws" + strings.TrimPrefix(fb.srv.URL, "http") }

func (fb *fakeBridge) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fb.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never got a connection")
		return nil
	}
}

func (fb *fakeBridge) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-fb.received:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("bridge received nothing")
		return nil
	}
}

func startChannel(t *testing.T, cfg config.WhatsAppConfig, msgBus *bus.MessageBus) *Channel {
	t.Helper()
	ch, err := New("t1", "dev-1", cfg, msgBus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ch.Stop(ctx)
	})
	return ch
}

func TestNewRequiresBridgeURL(t *testing.T) {
	if _, err := New("t1", "dev-1", config.WhatsAppConfig{}, bus.New(1)); err == nil {
		t.Fatal("expected error without bridge_url")
	}
}

func TestSendFrames(t *testing.T) {
	fb := newFakeBridge(t)
	ch := startChannel(t, config.WhatsAppConfig{BridgeURL: fb.url(), SendRatePerSec: 100, SendBurst: 10}, bus.New(8))
	fb.conn(t)

	if !ch.IsRunning() {
		t.Fatal("channel should be running after connect")
	}

	ctx := context.Background()
	if err := ch.SendText(ctx, "84901234567@s.whatsapp.net", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	m := fb.next(t)
	if m["type"] != "message" || m["to"] != "84901234567@s.whatsapp.net" || m["content"] != "hello" {
		t.Errorf("text frame = %v", m)
	}

	if err := ch.SendMedia(ctx, "84901234567@s.whatsapp.net", []byte("PNG"), "image/png", "menu"); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	m = fb.next(t)
	if m["type"] != "media" || m["mimetype"] != "image/png" || m["caption"] != "menu" {
		t.Errorf("media frame = %v", m)
	}
	if m["data"] != base64.StdEncoding.EncodeToString([]byte("PNG")) {
		t.Errorf("media data = %v", m["data"])
	}

	if err := ch.SetTypingIndicator(ctx, "84901234567@s.whatsapp.net", 2); err != nil {
		t.Fatalf("SetTypingIndicator: %v", err)
	}
	m = fb.next(t)
	if m["type"] != "typing" || m["duration"] != float64(2) {
		t.Errorf("typing frame = %v", m)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	ch, err := New("t1", "dev-1", config.WhatsAppConfig{BridgeURL: "ws://127.0.0.1:1/none"}, bus.New(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.SendText(context.Background(), "x@s.whatsapp.net", "hi"); err == nil {
		t.Fatal("expected not connected error")
	}
}

func TestInboundPublishedToBus(t *testing.T) {
	fb := newFakeBridge(t)
	msgBus := bus.New(8)
	startChannel(t, config.WhatsAppConfig{BridgeURL: fb.url()}, msgBus)
	server := fb.conn(t)

	frames := []string{
		`{"type":"message","from":"me@s.whatsapp.net","content":"echo","from_me":true}`,
		`{"type":"ack","id":"x"}`,
		`{"type":"message","from":"84901234567@s.whatsapp.net","content":"   "}`,
		`{"type":"message","from":"84901234567@s.whatsapp.net","chat":"123@g.us","content":" price? ","id":"m1","from_name":"Lan","timestamp":1700000000}`,
	}
	for _, f := range frames {
		if err := server.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Content != "price?" || msg.ChatID != "123@g.us" || msg.PeerKind != bus.PeerGroup {
		t.Errorf("message = %+v", msg)
	}
	if msg.TenantID != "t1" || msg.DeviceID != "dev-1" || msg.SenderName != "Lan" || msg.MessageID != "m1" {
		t.Errorf("message identity = %+v", msg)
	}
	if !msg.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
}

func TestAllowListFiltersDirectMessages(t *testing.T) {
	fb := newFakeBridge(t)
	msgBus := bus.New(8)
	startChannel(t, config.WhatsAppConfig{BridgeURL: fb.url(), AllowFrom: []string{"+84900000001"}}, msgBus)
	server := fb.conn(t)

	_ = server.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","from":"84999999999@s.whatsapp.net","content":"blocked"}`))
	_ = server.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","from":"84900000001@s.whatsapp.net","content":"allowed"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok || msg.Content != "allowed" {
		t.Fatalf("got %+v ok=%v, want the allowed message", msg, ok)
	}
}

func TestStatusBroadcastAndReconnect(t *testing.T) {
	fb := newFakeBridge(t)
	msgBus := bus.New(8)
	status := make(chan bool, 8)
	msgBus.Subscribe("test", func(e bus.Event) {
		if e.Name != protocol.EventDeviceStatus {
			return
		}
		if p, ok := e.Payload.(bus.DeviceStatusPayload); ok {
			status <- p.Connected
		}
	})

	startChannel(t, config.WhatsAppConfig{BridgeURL: fb.url()}, msgBus)
	server := fb.conn(t)

	want := []bool{true, false, true}
	_ = server.Close()
	for i, w := range want {
		select {
		case got := <-status:
			if got != w {
				t.Fatalf("status[%d] = %v, want %v", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("status[%d] not broadcast", i)
		}
	}
	fb.conn(t)
}

func TestFactory(t *testing.T) {
	inst := store.DeviceInstance{ID: "dev-9", TenantID: "t9", ChannelType: "whatsapp"}
	ch, err := Factory("whatsapp:dev-9", inst, bus.New(1))
	if err != nil || ch != nil {
		t.Fatalf("missing creds: ch=%v err=%v, want nil,nil", ch, err)
	}

	inst.Credentials = json.RawMessage(`{"bridge_url":"ws://bridge:3001"}`)
	inst.Config = json.RawMessage(`{"group_policy":"disabled","allow_from":[84900000001]}`)
	ch, err = Factory("whatsapp:dev-9", inst, bus.New(1))
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	if ch.Name() != "whatsapp:dev-9" || ch.TenantID() != "t9" || ch.DeviceID() != "dev-9" {
		t.Errorf("identity = %s %s %s", ch.Name(), ch.TenantID(), ch.DeviceID())
	}
	wa := ch.(*Channel)
	if !wa.HasAllowList() || !wa.IsAllowed("84900000001@s.whatsapp.net") {
		t.Error("numeric allow_from entry not honored")
	}

	inst.Credentials = json.RawMessage(`{bad`)
	if _, err := Factory("whatsapp:dev-9", inst, bus.New(1)); err == nil {
		t.Error("expected decode error")
	}
}
