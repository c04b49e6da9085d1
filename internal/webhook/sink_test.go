package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nextlevelbuilder/autoreply/internal/autoreply"
	"github.com/nextlevelbuilder/autoreply/internal/store"
)

type captured struct {
	header http.Header
	body   []byte
}

func newReceiver(t *testing.T, status int) (*httptest.Server, chan captured) {
	t.Helper()
	got := make(chan captured, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{header: r.Header.Clone(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

var (
	testIn  = autoreply.InboundSummary{TenantID: "t1", PeerID: "84901234567@s.whatsapp.net", Text: "price?"}
	testOut = autoreply.OutboundSummary{Text: "It is 10k", Tier: "keyword"}
)

func TestDeliverSignedPayload(t *testing.T) {
	srv, got := newReceiver(t, http.StatusOK)
	sink := NewSink("", "s3cret", time.Second)
	sink.now = func() time.Time { return time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC) }

	rule := &store.Rule{ID: "r1", TenantID: "t1", Name: "Pricing", WebhookURL: srv.URL}
	if err := sink.Deliver(context.Background(), rule, testIn, testOut); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	c := <-got
	if !Verify([]byte("s3cret"), c.body, c.header.Get(HeaderSignature)) {
		t.Errorf("signature %q does not verify", c.header.Get(HeaderSignature))
	}
	var p Payload
	if err := json.Unmarshal(c.body, &p); err != nil {
		t.Fatal(err)
	}
	if p.EventID == "" || p.EventID != c.header.Get(HeaderEventID) {
		t.Errorf("event id %q vs header %q", p.EventID, c.header.Get(HeaderEventID))
	}
	if p.Event != EventInteraction || p.Rule.ID != "r1" || p.Rule.Name != "Pricing" {
		t.Errorf("payload = %+v", p)
	}
	if p.Inbound.Text != "price?" || p.Outbound.Text != "It is 10k" {
		t.Errorf("summaries = %+v %+v", p.Inbound, p.Outbound)
	}
	if c.header.Get(HeaderTimestamp) != "1772443800" {
		t.Errorf("timestamp header = %q", c.header.Get(HeaderTimestamp))
	}
}

func TestDeliverDefaultURLAndSkip(t *testing.T) {
	srv, got := newReceiver(t, http.StatusAccepted)

	unsigned := NewSink(srv.URL, "", 0)
	if err := unsigned.Deliver(context.Background(), &store.Rule{ID: "r2"}, testIn, testOut); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	c := <-got
	if c.header.Get(HeaderSignature) != "" {
		t.Error("unsigned sink must not send a signature")
	}

	none := NewSink("", "", 0)
	if err := none.Deliver(context.Background(), &store.Rule{ID: "r3"}, testIn, testOut); err != nil {
		t.Fatalf("no URL should be a no-op, got %v", err)
	}
	select {
	case <-got:
		t.Error("nothing should have been posted")
	default:
	}
}

func TestDeliverNon2xx(t *testing.T) {
	srv, _ := newReceiver(t, http.StatusInternalServerError)
	sink := NewSink(srv.URL, "", time.Second)
	if err := sink.Deliver(context.Background(), &store.Rule{ID: "r1"}, testIn, testOut); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"a":1}`)
	secret := []byte("k")
	good := "sha256=" + Sign(secret, body)
	flip := "0"
	if good[len(good)-1] == '0' {
		flip = "1"
	}

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", good, true},
		{"no prefix", Sign(secret, body), false},
		{"empty", "", false},
		{"tampered", good[:len(good)-1] + flip, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(secret, body, tt.header); got != tt.want {
				t.Errorf("Verify(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}
