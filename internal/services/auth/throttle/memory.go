package throttle

import (
	"context"
	"sync"
	"time"
)

// MemoryTracker enforces lockouts in process memory.
type MemoryTracker struct {
	mu       sync.Mutex
	failures map[string]counter
	locks    map[string]time.Time
	cfg      Config
	clock    func() time.Time
}

type counter struct {
	count     int
	expiresAt time.Time
}

// NewMemoryTracker builds an in-memory failure tracker.
func NewMemoryTracker(cfg Config, clock func() time.Time) *MemoryTracker {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryTracker{
		failures: make(map[string]counter),
		locks:    make(map[string]time.Time),
		cfg:      cfg,
		clock:    clock,
	}
}

// IsLockedOut reports whether the pair is currently locked out.
func (t *MemoryTracker) IsLockedOut(_ context.Context, email, address string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := lockKey(email, address)
	until, ok := t.locks[key]
	if !ok {
		return false, nil
	}
	if t.clock().After(until) {
		delete(t.locks, key)
		return false, nil
	}
	return true, nil
}

// RecordFailure counts one failure and reports whether it triggered a lockout.
func (t *MemoryTracker) RecordFailure(_ context.Context, email, address string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	key := failureKey(email, address)
	current, ok := t.failures[key]
	if !ok || now.After(current.expiresAt) {
		// First failure of a fresh window starts the clock.
		current = counter{expiresAt: now.Add(t.cfg.Window)}
	}
	current.count++

	if current.count >= t.cfg.MaxFailures {
		delete(t.failures, key)
		t.locks[lockKey(email, address)] = now.Add(t.cfg.LockoutDuration)
		return true, nil
	}
	t.failures[key] = current
	return false, nil
}

// Clear forgets failures and any active lockout.
func (t *MemoryTracker) Clear(_ context.Context, email, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, failureKey(email, address))
	delete(t.locks, lockKey(email, address))
	return nil
}

// DeleteExpired reaps stale counters and lapsed lockouts.
func (t *MemoryTracker) DeleteExpired(_ context.Context, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, current := range t.failures {
		if now.After(current.expiresAt) {
			delete(t.failures, key)
		}
	}
	for key, until := range t.locks {
		if now.After(until) {
			delete(t.locks, key)
		}
	}
	return nil
}
