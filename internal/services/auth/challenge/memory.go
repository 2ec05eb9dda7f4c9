package challenge

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps challenges in process memory.
//
// Suitable for single-instance deployments and tests. Expired tickets are
// rejected on read and reaped by DeleteExpired.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

type memoryEntry struct {
	ticket    Ticket
	expiresAt time.Time
}

// NewMemoryStore builds an empty in-memory challenge store.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   clock,
	}
}

// Issue stores a ticket under the given id for ttl.
func (s *MemoryStore) Issue(_ context.Context, id string, ticket Ticket, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[keyPrefix+id] = memoryEntry{
		ticket:    ticket,
		expiresAt: s.clock().Add(ttl),
	}
	return nil
}

// Consume retrieves and deletes a ticket in one step.
func (s *MemoryStore) Consume(_ context.Context, id string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyPrefix + id
	entry, ok := s.entries[key]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	delete(s.entries, key)
	if s.clock().After(entry.expiresAt) {
		return Ticket{}, ErrNotFound
	}
	return entry.ticket, nil
}

// Discard removes a ticket without returning it.
func (s *MemoryStore) Discard(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, keyPrefix+id)
	return nil
}

// DeleteExpired reaps tickets past their expiry.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
	return nil
}
