package autoreply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/autoreply/internal/conversations"
	"github.com/nextlevelbuilder/autoreply/internal/store"
)

const (
	testTenant = "t1"
	testPeer   = "84901234567@s.whatsapp.net"
)

var baseTime = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// ruleSeq gives each test rule a strictly increasing CreatedAt.
type ruleSeq struct{ n int }

func (s *ruleSeq) rule(id string, mods ...func(*store.Rule)) store.Rule {
	s.n++
	r := store.Rule{
		ID:               id,
		TenantID:         testTenant,
		Enabled:          true,
		MatchMode:        store.MatchContains,
		Scope:            store.ScopeAll,
		ConversationMode: store.ConversationSingle,
		StaticReplyText:  "reply from " + id,
		CreatedAt:        baseTime.Add(time.Duration(s.n) * time.Minute),
	}
	for _, m := range mods {
		m(&r)
	}
	return r
}

func keywords(kw ...string) func(*store.Rule) {
	return func(r *store.Rule) { r.Keywords = kw }
}

func mode(m store.MatchMode) func(*store.Rule) {
	return func(r *store.Rule) { r.MatchMode = m }
}

func fallback() func(*store.Rule) {
	return func(r *store.Rule) {
		r.MatchMode = store.MatchDefaultFallback
		r.IsDefaultFallback = true
	}
}

func continuous(maxTurns int) func(*store.Rule) {
	return func(r *store.Rule) {
		r.ConversationMode = store.ConversationContinuous
		r.MaxConversationTurns = maxTurns
	}
}

func endKeywords(s string) func(*store.Rule) {
	return func(r *store.Rule) { r.EndKeywords = s }
}

func next(ref string) func(*store.Rule) {
	return func(r *store.Rule) { r.NextActionRef = ref }
}

func scope(s store.Scope) func(*store.Rule) {
	return func(r *store.Rule) { r.Scope = s }
}

func inbound(text string) InboundMessage {
	return InboundMessage{
		TenantID:   testTenant,
		DeviceID:   "dev-1",
		PeerID:     testPeer,
		SenderName: "Lan",
		Text:       text,
		Timestamp:  baseTime,
	}
}

// fakeClock is a settable clock shared by the stores under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: baseTime} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRuleStore serves a fixed rule list and counts fetches.
type fakeRuleStore struct {
	mu    sync.Mutex
	rules []store.Rule
	err   error
	calls int
}

func (f *fakeRuleStore) FetchActiveRules(_ context.Context, tenantID string) ([]store.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []store.Rule
	for _, r := range f.rules {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuleStore) set(rules []store.Rule, err error) {
	f.mu.Lock()
	f.rules, f.err = rules, err
	f.mu.Unlock()
}

func (f *fakeRuleStore) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sentMessage struct {
	PeerID  string
	Text    string
	Media   bool
	Mime    string
	Caption string
}

// fakeSession records sends. failText/failMedia make the matching call fail.
type fakeSession struct {
	mu        sync.Mutex
	sent      []sentMessage
	typing    int
	failText  bool
	failMedia bool
}

var errSend = errors.New("socket closed")

func (s *fakeSession) SendText(_ context.Context, peerID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failText {
		return errSend
	}
	s.sent = append(s.sent, sentMessage{PeerID: peerID, Text: text})
	return nil
}

func (s *fakeSession) SendMedia(_ context.Context, peerID string, _ []byte, mimeType, caption string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMedia {
		return errSend
	}
	s.sent = append(s.sent, sentMessage{PeerID: peerID, Media: true, Mime: mimeType, Caption: caption})
	return nil
}

func (s *fakeSession) SetTypingIndicator(context.Context, string, int) error {
	s.mu.Lock()
	s.typing++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type fakeTransport struct {
	sess Session
}

func (f fakeTransport) ActiveSession(string, string) (Session, bool) {
	if f.sess == nil {
		return nil, false
	}
	return f.sess, true
}

// fakeAI returns text/err and remembers the last prompt.
type fakeAI struct {
	mu     sync.Mutex
	text   string
	tokens int
	err    error
	prompt string
	opts   GenerateOptions
	calls  int
}

func (f *fakeAI) Generate(_ context.Context, _ string, prompt string, opts GenerateOptions) (*Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompt, f.opts = prompt, opts
	if f.err != nil {
		return nil, f.err
	}
	return &Generation{Text: f.text, TokensUsed: f.tokens}, nil
}

type fakeMedia map[string]*store.MediaObject

func (f fakeMedia) Resolve(_ context.Context, ref string) (*store.MediaObject, error) {
	if obj, ok := f[ref]; ok {
		return obj, nil
	}
	return nil, store.ErrNotFound
}

// seqRand returns the queued values in order, then zeros.
type seqRand struct {
	vals []int
}

func (s *seqRand) IntN(n int) int {
	if len(s.vals) == 0 {
		return 0
	}
	v := s.vals[0]
	s.vals = s.vals[1:]
	return v % n
}

// compiled compiles rules the way the cache does.
func compiled(t *testing.T, rules ...store.Rule) []*compiledRule {
	t.Helper()
	return compileRules(testTenant, rules)
}

func newTestConv(clock *fakeClock) *conversations.Store {
	return conversations.NewStore(30*time.Minute, conversations.WithClock(clock.Now))
}

type routerFixture struct {
	router *Router
	conv   *conversations.Store
	sess   *fakeSession
	repo   *fakeRuleStore
	ai     *fakeAI
	clock  *fakeClock
}

func newRouterFixture(t *testing.T, rules ...store.Rule) *routerFixture {
	t.Helper()
	f := &routerFixture{
		sess:  &fakeSession{},
		repo:  &fakeRuleStore{rules: rules},
		ai:    &fakeAI{text: "generated"},
		clock: newFakeClock(),
	}
	f.conv = newTestConv(f.clock)
	composer := NewComposer(f.ai, fakeMedia{}, DefaultTemplates(), time.Second,
		WithRand(&seqRand{}), WithComposerClock(f.clock.Now))
	f.router = NewRouter(RouterDeps{
		Rules:     NewRuleCache(f.repo, time.Hour, time.Second),
		Conv:      f.conv,
		Composer:  composer,
		Transport: fakeTransport{sess: f.sess},
	}, RouterConfig{})
	f.router.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func (f *routerFixture) handle(text string) RouteResult {
	return f.router.HandleInbound(context.Background(), inbound(text))
}

func (f *routerFixture) turn() int {
	st, ok := f.conv.Get(testTenant, testPeer)
	if !ok {
		return 0
	}
	return st.TurnCount
}

func ptr[T any](v T) *T { return &v }
