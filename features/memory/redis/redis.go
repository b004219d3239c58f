// Package redis backs the runtime memory contracts with a Redis server. The
// conditional and versioned operations run as Lua scripts so compare-guarded
// updates are atomic server-side, which the distributed lock and the OCC
// state store depend on.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/memory"
)

type (
	// Store implements memory.Store, memory.SortedStore,
	// memory.ConditionalStore and memory.VersionedStore over a Redis client.
	Store struct {
		client redis.UniversalClient
		prefix string
	}

	// Options configures a Store.
	Options struct {
		// Client is the Redis connection. Required.
		Client redis.UniversalClient
		// Prefix namespaces every key. Optional.
		Prefix string
	}
)

var (
	_ memory.Store            = (*Store)(nil)
	_ memory.SortedStore      = (*Store)(nil)
	_ memory.ConditionalStore = (*Store)(nil)
	_ memory.VersionedStore   = (*Store)(nil)
	_ health.Pinger           = (*Store)(nil)
)

// delIfEquals deletes KEYS[1] only when its value equals ARGV[1].
var delIfEquals = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// expireIfEquals resets the TTL on KEYS[1] only when its value equals ARGV[1].
var expireIfEquals = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// putVersioned creates a versioned record at version 1.
// Returns {1, 1} on success, {0, currentVersion} when the record exists.
var putVersioned = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return {0, tonumber(redis.call('HGET', KEYS[1], 'version'))}
end
redis.call('HSET', KEYS[1], 'version', 1, 'payload', ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, 1}
`)

// compareAndSet writes the payload at version expected+1 when the stored
// version equals ARGV[1]. Returns {1, newVersion} on success,
// {0, currentVersion} on conflict, {-1, 0} when the record is gone.
var compareAndSet = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
	return {-1, 0}
end
if tonumber(v) ~= tonumber(ARGV[1]) then
	return {0, tonumber(v)}
end
local nv = tonumber(v) + 1
redis.call('HSET', KEYS[1], 'version', nv, 'payload', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {1, nv}
`)

// New constructs a Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Store{client: opts.Client, prefix: opts.Prefix}, nil
}

func (s *Store) key(k string) string { return s.prefix + k }

// Name implements health.Pinger.
func (s *Store) Name() string { return "memory-redis" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get implements memory.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", err)
	}
	return val, true, nil
}

// Set implements memory.Store.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return wrap("set", err)
	}
	return nil
}

// SetNX implements memory.Store.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, wrap("setnx", err)
	}
	return ok, nil
}

// Del implements memory.Store.
func (s *Store) Del(ctx context.Context, keys ...string) (int, error) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	n, err := s.client.Del(ctx, prefixed...).Result()
	if err != nil {
		return 0, wrap("del", err)
	}
	return int(n), nil
}

// Expire implements memory.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.PExpire(ctx, s.key(key), ttl).Result()
	if err != nil {
		return false, wrap("expire", err)
	}
	return ok, nil
}

// Incr implements memory.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, s.key(key)).Result()
	if err != nil {
		return 0, wrap("incr", err)
	}
	return n, nil
}

// Scan implements memory.Store. The prefix is stripped from returned keys.
func (s *Store) Scan(ctx context.Context, match string, count int) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(match), int64(count)).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(s.prefix):])
		if count > 0 && len(keys) >= count {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, wrap("scan", err)
	}
	return keys, nil
}

// ZAdd implements memory.SortedStore.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return wrap("zadd", err)
	}
	return nil
}

// ZRangeByScore implements memory.SortedStore.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, s.key(key), opt).Result()
	if err != nil {
		return nil, wrap("zrangebyscore", err)
	}
	return members, nil
}

// ZRem implements memory.SortedStore.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int, error) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.ZRem(ctx, s.key(key), args...).Result()
	if err != nil {
		return 0, wrap("zrem", err)
	}
	return int(n), nil
}

// DelIfEquals implements memory.ConditionalStore.
func (s *Store) DelIfEquals(ctx context.Context, key, expected string) (bool, error) {
	n, err := delIfEquals.Run(ctx, s.client, []string{s.key(key)}, expected).Int()
	if err != nil {
		return false, wrap("delifequals", err)
	}
	return n == 1, nil
}

// ExpireIfEquals implements memory.ConditionalStore.
func (s *Store) ExpireIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	n, err := expireIfEquals.Run(ctx, s.client, []string{s.key(key)}, expected, ttl.Milliseconds()).Int()
	if err != nil {
		return false, wrap("expireifequals", err)
	}
	return n == 1, nil
}

// LoadVersioned implements memory.VersionedStore.
func (s *Store) LoadVersioned(ctx context.Context, key string) (memory.VersionedRecord, error) {
	vals, err := s.client.HMGet(ctx, s.key(key), "version", "payload").Result()
	if err != nil {
		return memory.VersionedRecord{}, wrap("loadversioned", err)
	}
	if vals[0] == nil {
		return memory.VersionedRecord{}, execerrors.Newf(execerrors.CodeNotFound, "record %q not found", key)
	}
	var rec memory.VersionedRecord
	if _, err := fmt.Sscanf(vals[0].(string), "%d", &rec.Version); err != nil {
		return memory.VersionedRecord{}, wrap("loadversioned", err)
	}
	if payload, ok := vals[1].(string); ok {
		rec.Payload = []byte(payload)
	}
	return rec, nil
}

// PutVersioned implements memory.VersionedStore.
func (s *Store) PutVersioned(ctx context.Context, key string, payload []byte, ttl time.Duration) (int64, error) {
	return s.runVersioned(ctx, putVersioned, key, []any{payload, ttl.Milliseconds()})
}

// CompareAndSet implements memory.VersionedStore.
func (s *Store) CompareAndSet(ctx context.Context, key string, expected int64, payload []byte, ttl time.Duration) (int64, error) {
	return s.runVersioned(ctx, compareAndSet, key, []any{expected, payload, ttl.Milliseconds()})
}

func (s *Store) runVersioned(ctx context.Context, script *redis.Script, key string, args []any) (int64, error) {
	res, err := script.Run(ctx, s.client, []string{s.key(key)}, args...).Result()
	if err != nil {
		return 0, wrap("versioned write", err)
	}
	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return 0, execerrors.Newf(execerrors.CodeMemoryOperationFailed, "unexpected script reply %v", res)
	}
	status, _ := reply[0].(int64)
	version, _ := reply[1].(int64)
	switch status {
	case 1:
		return version, nil
	case 0:
		conflict := execerrors.Newf(execerrors.CodeConflict, "record %q is at version %d", key, version)
		conflict.WithDetail("current_version", version)
		return 0, conflict
	default:
		return 0, execerrors.Newf(execerrors.CodeNotFound, "record %q not found", key)
	}
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}

func wrap(op string, err error) error {
	return execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "redis "+op, err)
}
