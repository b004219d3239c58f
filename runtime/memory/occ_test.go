package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/memory"
	"goa.design/conductor/runtime/memory/inmem"
)

func TestSaveWithOCCCreatesAtVersionOne(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	v, err := memory.SaveWithOCC(ctx, store, "rec", memory.OCCOptions{}, func(current []byte) ([]byte, error) {
		require.Nil(t, current)
		return []byte(`{"n":1}`), nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	rec, err := store.LoadVersioned(ctx, "rec")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"n":1}`), rec.Payload)
}

func TestSaveWithOCCRebasesOnConflict(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	_, err := store.PutVersioned(ctx, "rec", []byte(`{"n":1}`), 0)
	require.NoError(t, err)

	// Simulate a concurrent writer bumping the record between the initial
	// load and the first CompareAndSet.
	applied := 0
	v, err := memory.SaveWithOCC(ctx, store, "rec", memory.OCCOptions{BaseDelay: time.Millisecond}, func(current []byte) ([]byte, error) {
		applied++
		if applied == 1 {
			_, err := store.CompareAndSet(ctx, "rec", 1, []byte(`{"n":2}`), 0)
			require.NoError(t, err)
		}
		var rec map[string]int
		require.NoError(t, json.Unmarshal(current, &rec))
		rec["n"]++
		return json.Marshal(rec)
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
	require.Equal(t, 2, applied)

	rec, err := store.LoadVersioned(ctx, "rec")
	require.NoError(t, err)
	require.JSONEq(t, `{"n":3}`, string(rec.Payload))
}

func TestSaveWithOCCGivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	_, err := store.PutVersioned(ctx, "rec", []byte("a"), 0)
	require.NoError(t, err)

	// Every apply call triggers a fresh concurrent write so the
	// CompareAndSet always sees a stale version.
	_, err = memory.SaveWithOCC(ctx, store, "rec", memory.OCCOptions{MaxRetries: 2, BaseDelay: time.Millisecond}, func(current []byte) ([]byte, error) {
		rec, err := store.LoadVersioned(ctx, "rec")
		require.NoError(t, err)
		_, err = store.CompareAndSet(ctx, "rec", rec.Version, append(current, 'x'), 0)
		require.NoError(t, err)
		return append(current, 'y'), nil
	})
	require.True(t, execerrors.IsCode(err, execerrors.CodeConflict))
}

func TestSaveWithOCCPropagatesApplyError(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	boom := errors.New("boom")

	_, err := memory.SaveWithOCC(ctx, store, "rec", memory.OCCOptions{}, func([]byte) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.LoadVersioned(ctx, "rec")
	require.True(t, execerrors.IsCode(err, execerrors.CodeNotFound))
}

func TestConflictVersion(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	_, err := store.PutVersioned(ctx, "rec", []byte("a"), 0)
	require.NoError(t, err)
	_, err = store.CompareAndSet(ctx, "rec", 99, []byte("b"), 0)
	require.Equal(t, int64(1), memory.ConflictVersion(err))
	require.Zero(t, memory.ConflictVersion(errors.New("plain")))
	require.Zero(t, memory.ConflictVersion(nil))
}
