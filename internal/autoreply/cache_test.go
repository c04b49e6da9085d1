package autoreply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/autoreply/internal/store"
)

func ruleIDs(rules []*compiledRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newTestCache(repo store.RuleStore, clock *fakeClock) *RuleCache {
	c := NewRuleCache(repo, time.Minute, time.Second)
	c.now = clock.Now
	return c
}

func TestRuleCacheOrdersAndFilters(t *testing.T) {
	var seq ruleSeq
	newer := seq.rule("b", keywords("x"))
	older := seq.rule("a", keywords("x"))
	older.CreatedAt = newer.CreatedAt.Add(-time.Hour)
	tie := seq.rule("c", keywords("x"))
	tie.CreatedAt = newer.CreatedAt
	disabled := seq.rule("off", keywords("x"), func(r *store.Rule) { r.Enabled = false })
	foreign := seq.rule("other", keywords("x"), func(r *store.Rule) { r.TenantID = "t2" })

	repo := &fakeRuleStore{}
	c := newTestCache(repo, newFakeClock())

	// The repository returns a foreign rule to prove the cache filters it.
	got := ruleIDs(compileRules(testTenant, []store.Rule{tie, newer, disabled, older, foreign}))
	if want := []string{"a", "b", "c"}; !equalIDs(got, want) {
		t.Errorf("compileRules order = %v, want %v", got, want)
	}

	repo.set([]store.Rule{tie, newer, older}, nil)
	if got := ruleIDs(c.ActiveRules(context.Background(), testTenant)); !equalIDs(got, []string{"a", "b", "c"}) {
		t.Errorf("ActiveRules = %v", got)
	}
}

func TestRuleCacheServesFromCacheUntilExpiry(t *testing.T) {
	var seq ruleSeq
	repo := &fakeRuleStore{rules: []store.Rule{seq.rule("a", keywords("x"))}}
	clock := newFakeClock()
	c := newTestCache(repo, clock)
	ctx := context.Background()

	c.ActiveRules(ctx, testTenant)
	c.ActiveRules(ctx, testTenant)
	if n := repo.fetches(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}

	repo.set([]store.Rule{seq.rule("a", keywords("x")), seq.rule("b", keywords("y"))}, nil)
	clock.Advance(61 * time.Second)
	if got := ruleIDs(c.ActiveRules(ctx, testTenant)); len(got) != 2 {
		t.Errorf("after expiry got %v, want 2 rules", got)
	}
	if n := repo.fetches(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
}

func TestRuleCacheInvalidate(t *testing.T) {
	var seq ruleSeq
	repo := &fakeRuleStore{rules: []store.Rule{seq.rule("a", keywords("x"))}}
	c := newTestCache(repo, newFakeClock())
	ctx := context.Background()

	c.ActiveRules(ctx, testTenant)
	repo.set(nil, nil)
	c.Invalidate(testTenant)
	if got := c.ActiveRules(ctx, testTenant); len(got) != 0 {
		t.Errorf("after invalidate got %v, want none", ruleIDs(got))
	}

	repo.set([]store.Rule{seq.rule("z", keywords("x"))}, nil)
	c.InvalidateAll()
	if got := ruleIDs(c.ActiveRules(ctx, testTenant)); !equalIDs(got, []string{"z"}) {
		t.Errorf("after invalidate all got %v", got)
	}
}

func TestRuleCacheServesStaleOnFailure(t *testing.T) {
	var seq ruleSeq
	repo := &fakeRuleStore{rules: []store.Rule{seq.rule("a", keywords("x"))}}
	clock := newFakeClock()
	c := newTestCache(repo, clock)
	ctx := context.Background()

	c.ActiveRules(ctx, testTenant)
	repo.set(nil, errors.New("connection refused"))
	clock.Advance(2 * time.Minute)

	if got := ruleIDs(c.ActiveRules(ctx, testTenant)); !equalIDs(got, []string{"a"}) {
		t.Fatalf("on failure got %v, want last good [a]", got)
	}

	// A failure is remembered briefly so the repository is not hammered.
	before := repo.fetches()
	c.ActiveRules(ctx, testTenant)
	if repo.fetches() != before {
		t.Error("failed fetch should be cached for a short period")
	}
	clock.Advance(6 * time.Second)
	c.ActiveRules(ctx, testTenant)
	if repo.fetches() != before+1 {
		t.Error("repository should be retried after the failure backoff")
	}
}

func TestRuleCacheFailureWithoutHistoryIsEmpty(t *testing.T) {
	repo := &fakeRuleStore{err: errors.New("boom")}
	c := newTestCache(repo, newFakeClock())
	if got := c.ActiveRules(context.Background(), testTenant); len(got) != 0 {
		t.Errorf("got %v, want empty", ruleIDs(got))
	}
	if tenants := c.Tenants(); len(tenants) != 1 || tenants[0] != testTenant {
		t.Errorf("Tenants() = %v", tenants)
	}
}

// blockingStore holds every fetch until release is closed.
type blockingStore struct {
	fakeRuleStore
	release chan struct{}
}

func (b *blockingStore) FetchActiveRules(ctx context.Context, tenantID string) ([]store.Rule, error) {
	<-b.release
	return b.fakeRuleStore.FetchActiveRules(ctx, tenantID)
}

func TestRuleCacheCoalescesConcurrentFetches(t *testing.T) {
	var seq ruleSeq
	repo := &blockingStore{release: make(chan struct{})}
	repo.rules = []store.Rule{seq.rule("a", keywords("x"))}
	c := newTestCache(repo, newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ActiveRules(context.Background(), testTenant)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(repo.release)
	wg.Wait()

	if n := repo.fetches(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestRuleCacheCallerDeadline(t *testing.T) {
	repo := &blockingStore{release: make(chan struct{})}
	defer close(repo.release)
	c := newTestCache(repo, newFakeClock())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if got := c.ActiveRules(ctx, testTenant); got != nil {
		t.Errorf("got %v, want nil while the first fetch is pending", got)
	}
}

func TestLintRules(t *testing.T) {
	var seq ruleSeq
	problems := LintRules([]store.Rule{
		seq.rule("ok", keywords("x")),
		seq.rule("bad", keywords("[a-"), mode(store.MatchRegex)),
		seq.rule("empty", mode(store.MatchWholeWord)),
		seq.rule("scope", keywords("x"), scope("everyone")),
	})
	if len(problems) != 3 {
		t.Fatalf("got %d problems, want 3: %+v", len(problems), problems)
	}
	want := map[string]bool{"bad": true, "empty": false, "scope": false}
	for _, p := range problems {
		fatal, ok := want[p.RuleID]
		if !ok {
			t.Errorf("unexpected problem for %s", p.RuleID)
			continue
		}
		if p.Fatal != fatal {
			t.Errorf("%s fatal = %v, want %v", p.RuleID, p.Fatal, fatal)
		}
		if fatal && !errors.Is(p.Err, errRuleConfig) {
			t.Errorf("%s error %v should wrap errRuleConfig", p.RuleID, p.Err)
		}
		if !fatal && !errors.Is(p.Err, errRuleInvariant) {
			t.Errorf("%s error %v should wrap errRuleInvariant", p.RuleID, p.Err)
		}
	}
}
