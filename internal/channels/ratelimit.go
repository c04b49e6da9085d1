package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedPeers caps the number of tracked keys so a device receiving
	// from many distinct chats cannot exhaust memory.
	maxTrackedPeers = 4096

	// DefaultPeerWindow is the fixed window for counting inbound messages.
	DefaultPeerWindow = 60 * time.Second

	// DefaultPeerMaxHits is the max inbound messages per peer within a window.
	// Above this the peer is most likely another bot replying to us.
	DefaultPeerMaxHits = 30
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// PeerRateLimiter is a bounded fixed-window counter per peer.
// Safe for concurrent use.
type PeerRateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	maxHits int
	entries map[string]*rateLimitEntry
	now     func() time.Time
}

// NewPeerRateLimiter creates a limiter. Zero values use the defaults.
func NewPeerRateLimiter(window time.Duration, maxHits int) *PeerRateLimiter {
	if window <= 0 {
		window = DefaultPeerWindow
	}
	if maxHits <= 0 {
		maxHits = DefaultPeerMaxHits
	}
	return &PeerRateLimiter{
		window:  window,
		maxHits: maxHits,
		entries: make(map[string]*rateLimitEntry),
		now:     time.Now,
	}
}

// Allow returns true if the key is within limits.
func (r *PeerRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedPeers {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap.
		for len(r.entries) >= maxTrackedPeers {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
