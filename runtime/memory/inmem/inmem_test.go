package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/memory"
)

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	n, err := s.Del(ctx, "k", "missing")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetNX(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.SetNX(ctx, "k", "first", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetNX(ctx, "k", "second", 0)
	require.NoError(t, err)
	require.False(t, ok)

	v, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "first", v)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	// An expired key is free for SetNX.
	ok, err = s.SetNX(ctx, "k", "again", 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpireResetsDeadline(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set(ctx, "k", "v", time.Second))
	ok, err := s.Expire(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Expire(ctx, "missing", time.Hour)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIncr(t *testing.T) {
	ctx := context.Background()
	s := New()

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.NoError(t, s.Set(ctx, "text", "abc", 0))
	_, err = s.Incr(ctx, "text")
	require.True(t, execerrors.IsCode(err, execerrors.CodeMemoryOperationFailed))
}

func TestScanMatchesPattern(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, k := range []string{"exec:a", "exec:b", "lock:a"} {
		require.NoError(t, s.Set(ctx, k, "v", 0))
	}

	keys, err := s.Scan(ctx, "exec:*", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"exec:a", "exec:b"}, keys)

	keys, err = s.Scan(ctx, "exec:*", 1)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestSortedSetOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.ZAdd(ctx, "due", 30, "c"))
	require.NoError(t, s.ZAdd(ctx, "due", 10, "a"))
	require.NoError(t, s.ZAdd(ctx, "due", 20, "b"))

	members, err := s.ZRangeByScore(ctx, "due", 0, 25, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, members)

	n, err := s.ZRem(ctx, "due", "a", "missing")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	members, err = s.ZRangeByScore(ctx, "due", 0, 100, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, members)
}

func TestConditionalOps(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Set(ctx, "lock", "owner-1", 0))

	ok, err := s.DelIfEquals(ctx, "lock", "owner-2")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.ExpireIfEquals(ctx, "lock", "owner-1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.DelIfEquals(ctx, "lock", "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
	_, found, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	require.False(t, found)
}

func TestVersionedLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.LoadVersioned(ctx, "rec")
	require.True(t, execerrors.IsCode(err, execerrors.CodeNotFound))

	v, err := s.PutVersioned(ctx, "rec", []byte(`{"n":1}`), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	_, err = s.PutVersioned(ctx, "rec", []byte(`{"n":2}`), 0)
	require.True(t, execerrors.IsCode(err, execerrors.CodeConflict))

	rec, err := s.LoadVersioned(ctx, "rec")
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Version)
	require.Equal(t, []byte(`{"n":1}`), rec.Payload)

	v, err = s.CompareAndSet(ctx, "rec", 1, []byte(`{"n":2}`), 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	_, err = s.CompareAndSet(ctx, "rec", 1, []byte(`{"n":3}`), 0)
	require.True(t, execerrors.IsCode(err, execerrors.CodeConflict))
	require.Equal(t, int64(2), memory.ConflictVersion(err))

	_, err = s.CompareAndSet(ctx, "missing", 1, []byte("x"), 0)
	require.True(t, execerrors.IsCode(err, execerrors.CodeNotFound))
}
