package bus

import (
	"sync"
	"time"
)

// Dedupe defaults: transports redeliver on reconnect within minutes.
const (
	DefaultDedupeTTL     = 20 * time.Minute
	DefaultDedupeEntries = 5000
)

type dedupeEntry struct {
	key string
	at  time.Time
}

// DedupeCache remembers recently seen keys (message IDs) so redelivered
// messages are processed once.
type DedupeCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	seen  map[string]time.Time
	order []dedupeEntry // oldest first; may hold stale entries
	now   func() time.Time
}

// NewDedupeCache creates a cache. Zero values use the defaults.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultDedupeEntries
	}
	return &DedupeCache{
		ttl:  ttl,
		max:  maxEntries,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// IsDuplicate records key and reports whether it was already seen within
// the TTL. Empty keys are never duplicates.
func (d *DedupeCache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[key] = now
	d.order = append(d.order, dedupeEntry{key: key, at: now})
	d.evict(now)
	return false
}

// Len returns the number of remembered keys.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// evict drops expired keys and trims the cache to its size bound, oldest
// first. Caller holds d.mu.
func (d *DedupeCache) evict(now time.Time) {
	for len(d.order) > 0 {
		e := d.order[0]
		at, ok := d.seen[e.key]
		live := ok && at.Equal(e.at)
		if live && now.Sub(e.at) < d.ttl && len(d.seen) <= d.max {
			return
		}
		if live {
			delete(d.seen, e.key)
		}
		d.order = d.order[1:]
	}
}
