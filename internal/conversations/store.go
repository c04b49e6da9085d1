package conversations

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInactivityTimeout ends conversations that have been idle this long.
	DefaultInactivityTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often RunSweeper evicts idle conversations.
	DefaultSweepInterval = 10 * time.Minute
)

// State is the tracked progress of one conversation.
type State struct {
	Key            Key       `json:"key"`
	RuleID         string    `json:"ruleId"`
	TurnCount      int       `json:"turnCount"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Expired reports whether the conversation has been idle for at least timeout.
func (s State) Expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.LastActivityAt) >= timeout
}

// Store is the in-memory table of active conversations.
// Safe for concurrent use; callers only ever see copies of State.
type Store struct {
	mu      sync.Mutex
	states  map[Key]*State
	timeout time.Duration
	now     func() time.Time

	onEvict func(removed, remaining int)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEvictHook registers a callback run after each sweep with the number of
// states removed and the number still active.
func WithEvictHook(fn func(removed, remaining int)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// NewStore creates an empty store. timeout <= 0 uses DefaultInactivityTimeout.
func NewStore(timeout time.Duration, opts ...Option) *Store {
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	s := &Store{
		states:  make(map[Key]*State),
		timeout: timeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Timeout returns the inactivity timeout.
func (s *Store) Timeout() time.Duration { return s.timeout }

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Get returns a copy of the conversation state, if any.
func (s *Store) Get(tenantID, peerID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[Key{tenantID, peerID}]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Start creates or overwrites the conversation with turn count 1.
func (s *Store) Start(tenantID, peerID, ruleID string) State {
	now := s.now()
	st := &State{
		Key:            Key{tenantID, peerID},
		RuleID:         ruleID,
		TurnCount:      1,
		StartedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	s.states[st.Key] = st
	s.mu.Unlock()

	slog.Debug("conversation started", "tenant", tenantID, "peer", peerID, "rule", ruleID)
	return *st
}

// Advance increments the turn count and refreshes activity. No-op if absent.
func (s *Store) Advance(tenantID, peerID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[Key{tenantID, peerID}]
	if !ok {
		return State{}, false
	}
	st.TurnCount++
	st.LastActivityAt = s.now()
	return *st, true
}

// End removes the conversation. Reports whether one existed.
func (s *Store) End(tenantID, peerID string) bool {
	key := Key{tenantID, peerID}

	s.mu.Lock()
	_, ok := s.states[key]
	delete(s.states, key)
	s.mu.Unlock()

	if ok {
		slog.Debug("conversation ended", "tenant", tenantID, "peer", peerID)
	}
	return ok
}

// Sweep removes every conversation idle longer than the inactivity timeout
// and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for k, st := range s.states {
		if st.Expired(now, s.timeout) {
			delete(s.states, k)
			removed++
		}
	}
	remaining := len(s.states)
	s.mu.Unlock()

	if s.onEvict != nil {
		s.onEvict(removed, remaining)
	}
	return removed
}

// Len returns the number of active conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// List returns copies of all active conversations for a tenant
// (empty tenantID = all tenants).
func (s *Store) List(tenantID string) []State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		if tenantID == "" || st.Key.TenantID == tenantID {
			out = append(out, *st)
		}
	}
	return out
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
// interval <= 0 uses DefaultSweepInterval.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("conversation sweeper started", "interval", interval, "timeout", s.timeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Info("idle conversations evicted", "count", n, "remaining", s.Len())
			}
		}
	}
}
