// Package memory defines the key-value persistence contracts the orchestrator
// depends on: a flat string store with TTLs and sorted-set operations, plus
// optional capability interfaces for atomic conditional updates. Backends
// implement the capabilities natively (in-process stores) or via server-side
// scripting (Redis, see features/memory/redis).
package memory

import (
	"context"
	"time"
)

type (
	// Store is the base key-value contract. All operations are safe for
	// concurrent use. Keys and values are opaque strings; callers serialize
	// structured data themselves.
	Store interface {
		// Get returns the value for key. The boolean reports existence.
		Get(ctx context.Context, key string) (string, bool, error)
		// Set writes key to value with the given TTL. Zero TTL means no expiry.
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		// SetNX writes key only when absent. Returns true when the write happened.
		SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
		// Del removes the given keys, returning how many existed.
		Del(ctx context.Context, keys ...string) (int, error)
		// Expire resets the TTL on key. Returns false when the key does not exist.
		Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
		// Incr atomically increments the integer value at key, creating it at 1.
		Incr(ctx context.Context, key string) (int64, error)
		// Scan returns keys matching the glob pattern, up to count per call.
		Scan(ctx context.Context, match string, count int) ([]string, error)
	}

	// SortedStore adds time-ordered index operations used by the task queue.
	SortedStore interface {
		// ZAdd inserts member into the sorted set at key with the given score.
		ZAdd(ctx context.Context, key string, score float64, member string) error
		// ZRangeByScore returns members with min ≤ score ≤ max ordered by
		// ascending score, up to limit entries (0 means no limit).
		ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error)
		// ZRem removes members from the sorted set, returning how many existed.
		ZRem(ctx context.Context, key string, members ...string) (int, error)
	}

	// ConditionalStore exposes the atomic compare-guarded operations the
	// distributed lock relies on. Redis backends implement these with Lua
	// scripts; in-process backends hold a mutex.
	ConditionalStore interface {
		// DelIfEquals removes key only when its value equals expected.
		DelIfEquals(ctx context.Context, key, expected string) (bool, error)
		// ExpireIfEquals resets the TTL on key only when its value equals expected.
		ExpireIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
	}

	// VersionedRecord is a payload stored under optimistic concurrency control.
	VersionedRecord struct {
		// Version is the monotonically increasing record version, starting at 1.
		Version int64
		// Payload is the opaque serialized record.
		Payload []byte
	}

	// VersionedStore exposes version-guarded record storage. Writes carry the
	// version the writer read; the store refuses the write when the record has
	// advanced, returning a CONFLICT error that carries the current version.
	VersionedStore interface {
		// LoadVersioned returns the record at key or a NOT_FOUND error.
		LoadVersioned(ctx context.Context, key string) (VersionedRecord, error)
		// PutVersioned creates the record at version 1. Fails with CONFLICT when
		// the record already exists.
		PutVersioned(ctx context.Context, key string, payload []byte, ttl time.Duration) (int64, error)
		// CompareAndSet writes payload at version expected+1 and refreshes the
		// TTL when the stored version equals expected. Returns the new version,
		// or a CONFLICT error carrying the current version.
		CompareAndSet(ctx context.Context, key string, expected int64, payload []byte, ttl time.Duration) (int64, error)
	}
)
