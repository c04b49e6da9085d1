package bus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(time.Minute, 3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	if d.IsDuplicate("m1") {
		t.Fatal("first sighting reported duplicate")
	}
	if !d.IsDuplicate("m1") {
		t.Fatal("second sighting not reported duplicate")
	}
	if d.IsDuplicate("") || d.IsDuplicate("") {
		t.Error("empty keys must never be duplicates")
	}

	now = now.Add(2 * time.Minute)
	if d.IsDuplicate("m1") {
		t.Error("expired key reported duplicate")
	}
}

func TestDedupeCacheBounded(t *testing.T) {
	d := NewDedupeCache(time.Hour, 3)
	for i := 0; i < 10; i++ {
		d.IsDuplicate(fmt.Sprintf("m%d", i))
	}
	if n := d.Len(); n != 3 {
		t.Fatalf("Len() = %d, want 3", n)
	}
	if d.IsDuplicate("m0") {
		t.Error("oldest key should have been evicted")
	}
	if !d.IsDuplicate("m9") {
		t.Error("newest key should still be remembered")
	}
}

func TestMessageBusInbound(t *testing.T) {
	b := New(1)
	b.PublishInbound(InboundMessage{MessageID: "a"})
	b.PublishInbound(InboundMessage{MessageID: "dropped"})

	msg, ok := b.ConsumeInbound(context.Background())
	if !ok || msg.MessageID != "a" {
		t.Fatalf("got %+v ok=%v", msg, ok)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("ConsumeInbound should return false once ctx is done")
	}
}

func TestMessageBusBroadcast(t *testing.T) {
	b := New(0)
	var got []string
	b.Subscribe("a", func(e Event) { got = append(got, "a:"+e.Name) })
	b.Subscribe("b", func(e Event) { got = append(got, "b:"+e.Name) })
	b.Unsubscribe("b")

	b.Broadcast(Event{Name: "cache.invalidate"})
	if len(got) != 1 || got[0] != "a:cache.invalidate" {
		t.Errorf("got %v", got)
	}
}
