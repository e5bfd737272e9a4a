// Package memory keeps cached captures in process memory.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// Store is a map-backed capture.Store. Expired entries are dropped lazily on
// Get and in bulk by Sweep.
type Store struct {
	mu      sync.RWMutex
	entries map[string]capture.Entry
	clock   capture.Clock
}

var _ capture.Store = (*Store)(nil)

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New creates an empty store. A nil clock uses wall time.
func New(clock capture.Clock) *Store {
	if clock == nil {
		clock = wallClock{}
	}
	return &Store{
		entries: make(map[string]capture.Entry),
		clock:   clock,
	}
}

// Get returns the entry for key if it has not expired.
func (s *Store) Get(_ context.Context, key string) (capture.Entry, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return capture.Entry{}, false, nil
	}
	if !entry.Fresh(s.clock.Now()) {
		s.mu.Lock()
		// Another writer may have replaced it in the meantime.
		if current, still := s.entries[key]; still && !current.Fresh(s.clock.Now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return capture.Entry{}, false, nil
	}
	entry.Data = append([]byte(nil), entry.Data...)
	return entry, true, nil
}

// Put replaces the entry for key.
func (s *Store) Put(_ context.Context, key string, entry capture.Entry) error {
	entry.Data = append([]byte(nil), entry.Data...)
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if !entry.Fresh(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
