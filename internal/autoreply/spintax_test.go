package autoreply

import (
	"math/rand/v2"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestExpandSpintax(t *testing.T) {
	tests := []struct {
		name string
		in   string
		rnd  []int
		want string
	}{
		{"plain text unchanged", "Hello there, how are you?", nil, "Hello there, how are you?"},
		{"first option", "{Hi|Hello} Lan", []int{0}, "Hi Lan"},
		{"second option", "{Hi|Hello} Lan", []int{1}, "Hello Lan"},
		{"two groups", "{a|b}-{c|d}", []int{1, 0}, "b-c"},
		{"nested innermost first", "{x {y|z}|w}", []int{1, 0}, "x z"},
		{"nested outer pick", "{x {y|z}|w}", []int{0, 1}, "w"},
		{"placeholder kept", "Hi {name}, {welcome|hello}!", []int{1}, "Hi {name}, hello!"},
		{"placeholder inside option", "{Hi {name}|Hey}", []int{0}, "Hi {name}"},
		{"empty options", "a{|}b", []int{0}, "ab"},
		{"unbalanced open", "price {a|b", nil, "price {a|b"},
		{"unbalanced close", "a|b} done", nil, "a|b} done"},
		{"empty braces", "{}", nil, "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpandSpintax(tt.in, &seqRand{vals: tt.rnd})
			if got != tt.want {
				t.Errorf("ExpandSpintax(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

var residualSpin = regexp.MustCompile(`\{[^{}]*\|[^{}]*\}`)

func TestExpandSpintaxTerminatesWithoutResidue(t *testing.T) {
	alphabet := []rune("ab{}| ")
	gen := rand.New(rand.NewPCG(1, 2))
	rnd := rand.New(rand.NewPCG(3, 4))

	for i := 0; i < 2000; i++ {
		n := gen.IntN(24)
		var sb strings.Builder
		for j := 0; j < n; j++ {
			sb.WriteRune(alphabet[gen.IntN(len(alphabet))])
		}
		in := sb.String()

		done := make(chan string, 1)
		go func() { done <- ExpandSpintax(in, rnd) }()
		select {
		case out := <-done:
			if residualSpin.MatchString(out) {
				t.Fatalf("ExpandSpintax(%q) = %q still contains a spin group", in, out)
			}
			if strings.Contains(out, stashMarker) {
				t.Fatalf("ExpandSpintax(%q) = %q leaked an internal marker", in, out)
			}
		case <-time.After(time.Second):
			t.Fatalf("ExpandSpintax(%q) did not terminate", in)
		}
	}
}

func TestExpandSpintaxIsUniformish(t *testing.T) {
	counts := map[string]int{}
	for i := 0; i < 3000; i++ {
		counts[ExpandSpintax("{a|b|c}", nil)]++
	}
	for _, opt := range []string{"a", "b", "c"} {
		if counts[opt] < 800 {
			t.Errorf("option %q chosen %d/3000 times", opt, counts[opt])
		}
	}
}

func TestRenderPlaceholders(t *testing.T) {
	tpl := DefaultTemplates()
	tpl.BotName = "Mia"
	tpl.TenantBotNames = map[string]string{"t2": "Zed"}
	tpl.Location = time.UTC

	msg := inbound("where is my order")
	at := time.Date(2026, 3, 2, 14, 5, 0, 0, time.UTC) // Monday afternoon

	got := tpl.Render("{greeting} {sender_name}, I'm {bot_name}. You said: {message}. {date} {time} {day} {unknown}", msg, at)
	want := "Good afternoon Lan, I'm Mia. You said: where is my order. 2026-03-02 14:05 Monday {unknown}"
	if got != want {
		t.Errorf("Render() =\n%q\nwant\n%q", got, want)
	}

	msg.TenantID = "t2"
	if got := tpl.Render("{bot_name}", msg, at); got != "Zed" {
		t.Errorf("tenant bot name = %q, want Zed", got)
	}
}

func TestGreetingByHour(t *testing.T) {
	tpl := DefaultTemplates()
	tests := []struct {
		hour int
		want string
	}{
		{4, "Good night"},
		{5, "Good morning"},
		{11, "Good morning"},
		{12, "Good afternoon"},
		{16, "Good afternoon"},
		{17, "Good evening"},
		{20, "Good evening"},
		{21, "Good night"},
	}
	for _, tt := range tests {
		at := time.Date(2026, 1, 1, tt.hour, 0, 0, 0, time.UTC)
		if got := tpl.greeting(at); got != tt.want {
			t.Errorf("greeting(%02d:00) = %q, want %q", tt.hour, got, tt.want)
		}
	}
}
