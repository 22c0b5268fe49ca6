// Package replay provides a time-windowed de-duplication store used to
// collapse rapid duplicate submissions of the same checkout or webhook
// event. Entries expire after their TTL; the store holds no other state.
package replay

import (
	"sync"
	"time"
)

// Guard records recently seen keys until they expire.
type Guard interface {
	// Seen reports whether the key was marked and has not yet expired.
	Seen(key string) bool
	// Mark records the key for the given TTL.
	Mark(key string, ttl time.Duration)
	// Forget drops the key before its TTL elapses.
	Forget(key string)
}

// Store is an in-memory Guard. Expired entries are pruned lazily on Mark,
// so the map stays bounded by the volume of marks within one window.
type Store struct {
	mu      sync.Mutex
	expiry  map[string]time.Time
	now     func() time.Time
	pruneAt time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// NewStoreWithClock creates a Store with an injected clock for tests.
func NewStoreWithClock(now func() time.Time) *Store {
	s := NewStore()
	s.now = now
	return s
}

// Seen reports whether key is currently marked.
func (s *Store) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline, ok := s.expiry[key]
	if !ok {
		return false
	}
	if s.now().After(deadline) {
		delete(s.expiry, key)
		return false
	}
	return true
}

// Mark records key for ttl. Marking an already-seen key extends its window.
func (s *Store) Mark(key string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expiry[key] = now.Add(ttl)

	if now.After(s.pruneAt) {
		for k, deadline := range s.expiry {
			if now.After(deadline) {
				delete(s.expiry, k)
			}
		}
		s.pruneAt = now.Add(ttl)
	}
}

// Forget drops a key before its TTL elapses, allowing an immediate retry.
func (s *Store) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expiry, key)
}
