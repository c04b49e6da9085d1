package autoreply

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/autoreply/internal/metrics"
	"github.com/nextlevelbuilder/autoreply/internal/store"
)

const (
	DefaultRuleRefreshInterval = 60 * time.Second
	DefaultRuleFetchTimeout    = 5 * time.Second

	// failedFetchRetry is how long a failed fetch is remembered before the
	// next caller tries the repository again.
	failedFetchRetry = 5 * time.Second
)

type ruleEntry struct {
	rules     []*compiledRule
	expiresAt time.Time
}

// RuleCache is a per-tenant, read-only view over the rule repository.
//
// Entries expire after the refresh interval and can be invalidated
// explicitly. Fetch failures never surface to callers: the last good rule
// set (or an empty one) is served instead.
type RuleCache struct {
	repo         store.RuleStore
	refresh      time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu      sync.RWMutex
	entries map[string]*ruleEntry
	group   singleflight.Group
}

// NewRuleCache wraps repo. Zero durations use the defaults.
func NewRuleCache(repo store.RuleStore, refresh, fetchTimeout time.Duration) *RuleCache {
	if refresh <= 0 {
		refresh = DefaultRuleRefreshInterval
	}
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultRuleFetchTimeout
	}
	return &RuleCache{
		repo:         repo,
		refresh:      refresh,
		fetchTimeout: fetchTimeout,
		now:          time.Now,
		entries:      make(map[string]*ruleEntry),
	}
}

// ActiveRules returns the tenant's usable rules, oldest first.
func (c *RuleCache) ActiveRules(ctx context.Context, tenantID string) []*compiledRule {
	c.mu.RLock()
	e := c.entries[tenantID]
	c.mu.RUnlock()

	if e != nil && c.now().Before(e.expiresAt) {
		return e.rules
	}

	ch := c.group.DoChan(tenantID, func() (any, error) {
		return c.load(tenantID), nil
	})
	select {
	case res := <-ch:
		return res.Val.([]*compiledRule)
	case <-ctx.Done():
		if e != nil {
			return e.rules
		}
		return nil
	}
}

// Invalidate forces the next ActiveRules call for tenantID to re-fetch.
func (c *RuleCache) Invalidate(tenantID string) {
	c.mu.Lock()
	if e, ok := c.entries[tenantID]; ok {
		e.expiresAt = time.Time{}
	}
	c.mu.Unlock()
	slog.Debug("rule cache invalidated", "tenant", tenantID)
}

// InvalidateAll expires every tenant entry.
func (c *RuleCache) InvalidateAll() {
	c.mu.Lock()
	for _, e := range c.entries {
		e.expiresAt = time.Time{}
	}
	c.mu.Unlock()
	slog.Debug("rule cache invalidated", "tenant", "*")
}

// Tenants returns the tenants currently cached.
func (c *RuleCache) Tenants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for t := range c.entries {
		out = append(out, t)
	}
	return out
}

// Run refreshes every cached tenant on its own ticker until ctx is done,
// so hot tenants rarely pay for a fetch on the message path.
func (c *RuleCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenant := range c.Tenants() {
				if ctx.Err() != nil {
					return
				}
				c.group.Do(tenant, func() (any, error) {
					return c.load(tenant), nil
				})
			}
		}
	}
}

// load fetches and compiles a tenant's rules, swapping the entry under a
// short lock. On failure the previous rules are kept.
func (c *RuleCache) load(tenantID string) []*compiledRule {
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	raw, err := c.repo.FetchActiveRules(ctx, tenantID)
	if err != nil {
		metrics.RuleFetches.WithLabelValues("error").Inc()
		slog.Warn("rule fetch failed, serving cached rules", "tenant", tenantID, "error", err)

		c.mu.Lock()
		defer c.mu.Unlock()
		e := c.entries[tenantID]
		if e == nil {
			e = &ruleEntry{}
			c.entries[tenantID] = e
		}
		e.expiresAt = c.now().Add(min(failedFetchRetry, c.refresh))
		return e.rules
	}
	metrics.RuleFetches.WithLabelValues("ok").Inc()

	rules := compileRules(tenantID, raw)

	c.mu.Lock()
	c.entries[tenantID] = &ruleEntry{rules: rules, expiresAt: c.now().Add(c.refresh)}
	c.mu.Unlock()
	return rules
}

// compileRules sorts and validates a fetched rule set. Rules of other
// tenants and disabled rules are dropped.
func compileRules(tenantID string, raw []store.Rule) []*compiledRule {
	sorted := make([]store.Rule, 0, len(raw))
	for _, r := range raw {
		if !r.Enabled {
			continue
		}
		if r.TenantID != tenantID {
			slog.Warn("rule belongs to another tenant, ignored", "tenant", tenantID, "rule", r.ID, "rule_tenant", r.TenantID)
			continue
		}
		sorted = append(sorted, r)
	}
	store.SortRules(sorted)

	out := make([]*compiledRule, 0, len(sorted))
	for _, r := range sorted {
		cr, err := compileRule(r)
		switch {
		case cr == nil:
			metrics.RulesRejected.WithLabelValues("config").Inc()
			slog.Warn("rule skipped", "tenant", tenantID, "rule", r.ID, "error", err)
			continue
		case errors.Is(err, errRuleInvariant):
			metrics.RulesRejected.WithLabelValues("invariant").Inc()
			slog.Warn("rule will never match", "tenant", tenantID, "rule", r.ID, "error", err)
		}
		out = append(out, cr)
	}
	return out
}

// Problem is a rule that failed validation.
type Problem struct {
	RuleID string
	Fatal  bool // rule is skipped entirely
	Err    error
}

// LintRules validates rules the way the cache does and reports every problem.
func LintRules(rules []store.Rule) []Problem {
	var out []Problem
	for _, r := range rules {
		cr, err := compileRule(r)
		if err == nil {
			continue
		}
		out = append(out, Problem{RuleID: r.ID, Fatal: cr == nil, Err: err})
	}
	return out
}
