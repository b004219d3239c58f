package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
// Expired checkpoints are dropped lazily on read.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	cp        Checkpoint
	expiresAt time.Time
}

// NewMemoryStore constructs a MemoryStore. A non-positive ttl uses
// DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cp.ExecutionID] = memoryEntry{cp: cp, expiresAt: s.now().Add(s.ttl)}
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, executionID string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[executionID]
	if !ok {
		return Checkpoint{}, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, executionID)
		return Checkpoint{}, false, nil
	}
	return entry.cp, true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, executionID)
	return nil
}
