package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Record is a counter in its current window.
type Record struct {
	Key     string
	Count   int
	ResetAt time.Time
}

// Expired reports whether the window has passed at now.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.ResetAt)
}

// Store increments window counters. Incr must be atomic per key: when the
// record is absent or expired it starts a fresh window with count 1 and
// reset_at = now + window, otherwise it increments the count.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error)
}

// Sweeper is implemented by stores that need expired records removed.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(now) {
		rec = &Record{Key: key, Count: 1, ResetAt: now.Add(window)}
		s.records[key] = rec
		return *rec, nil
	}
	rec.Count++
	return *rec, nil
}

// Sweep implements Sweeper.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
