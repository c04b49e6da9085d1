package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/autoreply/internal/autoreply"
	"github.com/nextlevelbuilder/autoreply/internal/bus"
	"github.com/nextlevelbuilder/autoreply/internal/config"
)

type chanHandler chan autoreply.InboundMessage

func (h chanHandler) HandleInbound(_ context.Context, msg autoreply.InboundMessage) autoreply.RouteResult {
	h <- msg
	return autoreply.RouteResult{Handled: true, Tier: autoreply.TierKeyword, RuleID: "r1"}
}

func TestConsumerDropsDuplicates(t *testing.T) {
	msgBus := bus.New(8)
	got := make(chanHandler, 8)
	c := newInboundConsumer(msgBus, got, config.GatewayConfig{
		MaxConcurrentHandlers: 2,
		DedupeTTLMinutes:      1,
		DedupeEntries:         10,
	})

	base := bus.InboundMessage{Channel: "whatsapp:dev-1", TenantID: "t1", DeviceID: "dev-1", ChatID: "84901234567@s.whatsapp.net"}
	for _, id := range []string{"m1", "m1", "m2"} {
		m := base
		m.MessageID = id
		m.Content = "hi " + id
		msgBus.PublishInbound(m)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			seen[m.MessageID]++
		case <-time.After(2 * time.Second):
			t.Fatalf("handler got %d messages, want 2", i)
		}
	}
	select {
	case m := <-got:
		t.Errorf("unexpected extra message %q", m.MessageID)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	<-done
	c.Wait()

	if seen["m1"] != 1 || seen["m2"] != 1 {
		t.Errorf("seen = %v", seen)
	}
}

func TestToEngineMessage(t *testing.T) {
	group := bus.InboundMessage{
		TenantID: "t1",
		DeviceID: "dev-1",
		SenderID: "84901234567@s.whatsapp.net",
		ChatID:   "120363000000000000@g.us",
		Content:  "price?",
		PeerKind: bus.PeerGroup,
	}
	m := toEngineMessage(group)
	if m.PeerID != group.ChatID {
		t.Errorf("PeerID = %q, want the group chat", m.PeerID)
	}
	if !m.IsGroup || m.Text != "price?" {
		t.Errorf("message = %+v", m)
	}
	if m.Timestamp.IsZero() {
		t.Error("zero timestamp should be replaced with now")
	}

	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	direct := bus.InboundMessage{ChatID: "84901234567@s.whatsapp.net", PeerKind: bus.PeerDirect, Timestamp: ts}
	if m := toEngineMessage(direct); m.IsGroup || !m.Timestamp.Equal(ts) {
		t.Errorf("direct message = %+v", m)
	}
}

func TestLintRulesFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	good := write("good.json5", `{
		rules: [
			{id: "r1", tenant_id: "t1", enabled: true, match_mode: "contains", keywords: ["price"], static_reply_text: "10k"},
			// inert but loadable
			{id: "r2", tenant_id: "t1", enabled: true, match_mode: "whole_word", static_reply_text: "?"},
		],
	}`)
	bad := write("bad.json5", `{rules: [{id: "r3", tenant_id: "t1", enabled: true, match_mode: "regex", keywords: ["[a-"]}]}`)

	tests := []struct {
		path    string
		wantErr bool
		wantOut string
	}{
		{good, false, "2 rules, 1 problems (0 fatal)"},
		{bad, true, "error r3"},
		{filepath.Join(dir, "missing.json5"), true, ""},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		cmd := &cobra.Command{}
		cmd.SetOut(&out)
		err := lintRulesFile(cmd, tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", filepath.Base(tt.path), err, tt.wantErr)
		}
		if tt.wantOut != "" && !strings.Contains(out.String(), tt.wantOut) {
			t.Errorf("%s: output %q missing %q", filepath.Base(tt.path), out.String(), tt.wantOut)
		}
	}
}
