// Package inmem provides an in-process memory.Store implementation with TTL
// support, sorted sets, and native atomic conditional operations. It backs
// tests and single-node deployments; production deployments use the Redis
// store in features/memory/redis.
package inmem

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/memory"
)

type (
	// Store implements memory.Store, memory.SortedStore,
	// memory.ConditionalStore, and memory.VersionedStore in process memory.
	Store struct {
		mu     sync.Mutex
		values map[string]entry
		zsets  map[string]map[string]float64
		// now allows tests to control time.
		now func() time.Time
	}

	entry struct {
		value     string
		version   int64
		expiresAt time.Time
	}
)

var (
	_ memory.Store            = (*Store)(nil)
	_ memory.SortedStore      = (*Store)(nil)
	_ memory.ConditionalStore = (*Store)(nil)
	_ memory.VersionedStore   = (*Store)(nil)
)

// New constructs an empty store.
func New() *Store {
	return &Store{
		values: make(map[string]entry),
		zsets:  make(map[string]map[string]float64),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get returns the value for key.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set writes key to value with the given TTL.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = entry{value: value, expiresAt: s.deadline(ttl)}
	return nil
}

// SetNX writes key only when absent.
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.values[key] = entry{value: value, expiresAt: s.deadline(ttl)}
	return true, nil
}

// Del removes the given keys.
func (s *Store) Del(_ context.Context, keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, key := range keys {
		if _, ok := s.live(key); ok {
			n++
		}
		delete(s.values, key)
	}
	return n, nil
}

// Expire resets the TTL on key.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = s.deadline(ttl)
	s.values[key] = e
	return true, nil
}

// Incr atomically increments the integer value at key.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if e, ok := s.live(key); ok {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "value is not an integer", err)
		}
		n = parsed
	}
	n++
	e := s.values[key]
	e.value = strconv.FormatInt(n, 10)
	s.values[key] = e
	return n, nil
}

// Scan returns keys matching the glob pattern.
func (s *Store) Scan(_ context.Context, match string, count int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.values {
		if _, ok := s.live(key); !ok {
			continue
		}
		if ok, _ := path.Match(match, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if count > 0 && len(keys) > count {
		keys = keys[:count]
	}
	return keys, nil
}

// ZAdd inserts member into the sorted set at key.
func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.zsets[key]
	if !ok {
		set = make(map[string]float64)
		s.zsets[key] = set
	}
	set[member] = score
	return nil
}

// ZRangeByScore returns members ordered by ascending score.
func (s *Store) ZRangeByScore(_ context.Context, key string, min, max float64, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.zsets[key]
	type scored struct {
		member string
		score  float64
	}
	var hits []scored
	for member, score := range set {
		if score >= min && score <= max {
			hits = append(hits, scored{member, score})
		}
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score < hits[b].score
		}
		return hits[a].member < hits[b].member
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	members := make([]string, len(hits))
	for i, h := range hits {
		members[i] = h.member
	}
	return members, nil
}

// ZRem removes members from the sorted set.
func (s *Store) ZRem(_ context.Context, key string, members ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.zsets[key]
	n := 0
	for _, member := range members {
		if _, ok := set[member]; ok {
			n++
			delete(set, member)
		}
	}
	return n, nil
}

// DelIfEquals removes key only when its value equals expected.
func (s *Store) DelIfEquals(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

// ExpireIfEquals resets the TTL on key only when its value equals expected.
func (s *Store) ExpireIfEquals(_ context.Context, key, expected string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.value != expected {
		return false, nil
	}
	e.expiresAt = s.deadline(ttl)
	s.values[key] = e
	return true, nil
}

// LoadVersioned returns the versioned record at key.
func (s *Store) LoadVersioned(_ context.Context, key string) (memory.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return memory.VersionedRecord{}, execerrors.Newf(execerrors.CodeNotFound, "no record at %q", key)
	}
	return memory.VersionedRecord{Version: e.version, Payload: []byte(e.value)}, nil
}

// PutVersioned creates the record at version 1.
func (s *Store) PutVersioned(_ context.Context, key string, payload []byte, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.live(key); ok {
		return 0, conflict(e.version)
	}
	s.values[key] = entry{value: string(payload), version: 1, expiresAt: s.deadline(ttl)}
	return 1, nil
}

// CompareAndSet writes payload when the stored version equals expected.
func (s *Store) CompareAndSet(_ context.Context, key string, expected int64, payload []byte, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return 0, execerrors.Newf(execerrors.CodeNotFound, "no record at %q", key)
	}
	if e.version != expected {
		return 0, conflict(e.version)
	}
	next := e.version + 1
	s.values[key] = entry{value: string(payload), version: next, expiresAt: s.deadline(ttl)}
	return next, nil
}

// Reset clears all keys and sorted sets. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]entry)
	s.zsets = make(map[string]map[string]float64)
}

func conflict(current int64) error {
	return execerrors.Newf(execerrors.CodeConflict, "version conflict, record at %d", current).
		WithDetail("current_version", current)
}

// live returns the entry at key, dropping it when expired. Callers must hold mu.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.values[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.values, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
