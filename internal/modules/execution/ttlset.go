// Package execution consumes the orders topic and drives broker adapters.
// One goroutine owns every broker session; bus callbacks and cron jobs hand
// their work across a bounded in-process queue.
package execution

import (
	"sync"
	"time"
)

// TTLSet is a bounded time-indexed set of processed ids. Entries expire
// after the TTL; Sweep reclaims them. It is the per-process half of the
// dedup story; the recorded decision in the signal store covers restarts.
type TTLSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]time.Time
}

// NewTTLSet creates a set whose entries expire after ttl.
func NewTTLSet(ttl time.Duration) *TTLSet {
	return &TTLSet{
		ttl:   ttl,
		items: make(map[string]time.Time),
	}
}

// Seen reports whether the key is present and not expired.
func (s *TTLSet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.items[key]
	if !ok {
		return false
	}
	if time.Since(at) > s.ttl {
		delete(s.items, key)
		return false
	}
	return true
}

// Add marks the key as processed, refreshing its expiry.
func (s *TTLSet) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = time.Now()
}

// Sweep removes expired entries and returns how many were reclaimed.
func (s *TTLSet) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, at := range s.items {
		if time.Since(at) > s.ttl {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked entries, expired ones included until
// the next sweep.
func (s *TTLSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
