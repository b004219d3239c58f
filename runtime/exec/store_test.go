package exec_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/exec"
	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/memory/inmem"
	"goa.design/conductor/runtime/plan"
)

func storePlan(intentID string) plan.Plan {
	return plan.Plan{
		ID:       "plan-1",
		IntentID: intentID,
		Steps: []plan.PlanStep{
			{ID: "s1", StepNumber: 0, ToolName: "calendar.create", Parameters: map[string]any{}},
		},
	}
}

func TestStateStoreCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	mem := inmem.New()
	store, err := exec.NewStateStore(exec.StateStoreOptions{Records: mem, Index: mem})
	require.NoError(t, err)

	state := exec.NewState("exec-1", "user-1", storePlan("intent-1"), map[string]any{"party_size": 4}, time.Now())
	require.NoError(t, store.Create(ctx, state))

	got, err := store.Load(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, "exec-1", got.ExecutionID)
	require.Equal(t, "user-1", got.UserID)
	require.Equal(t, exec.StatusPending, got.Status)
	require.Equal(t, float64(4), got.Context["party_size"])
	require.Len(t, got.StepStates, 1)
}

func TestStateStoreLoadMissing(t *testing.T) {
	store, err := exec.NewStateStore(exec.StateStoreOptions{Records: inmem.New()})
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "nope")
	require.True(t, execerrors.IsCode(err, execerrors.CodeNotFound))
}

func TestStateStoreMutate(t *testing.T) {
	ctx := context.Background()
	mem := inmem.New()
	store, err := exec.NewStateStore(exec.StateStoreOptions{Records: mem})
	require.NoError(t, err)

	state := exec.NewState("exec-1", "user-1", storePlan("intent-1"), nil, time.Now())
	require.NoError(t, store.Create(ctx, state))

	got, err := store.Mutate(ctx, "exec-1", func(s *exec.ExecutionState) error {
		return s.Transit(exec.StatusExecuting, "dispatch_started", time.Now())
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, exec.StatusExecuting, got.Status)

	reloaded, err := store.Load(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, exec.StatusExecuting, reloaded.Status)
	require.Equal(t, int64(2), reloaded.Version)
}

func TestStateStoreMutateRebasesOnConflict(t *testing.T) {
	ctx := context.Background()
	mem := inmem.New()
	store, err := exec.NewStateStore(exec.StateStoreOptions{Records: mem})
	require.NoError(t, err)

	state := exec.NewState("exec-1", "user-1", storePlan("intent-1"), nil, time.Now())
	require.NoError(t, store.Create(ctx, state))

	applied := 0
	got, err := store.Mutate(ctx, "exec-1", func(s *exec.ExecutionState) error {
		applied++
		if applied == 1 {
			// Competing writer advances the record between our read and write.
			payload, merr := json.Marshal(s)
			require.NoError(t, merr)
			_, cerr := mem.CompareAndSet(ctx, "exec:state:exec-1", 1, payload, time.Hour)
			require.NoError(t, cerr)
		}
		s.Context = map[string]any{"touched": true}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	require.Equal(t, int64(3), got.Version)
	require.Equal(t, true, got.Context["touched"])
}

func TestStateStoreMutateMissing(t *testing.T) {
	store, err := exec.NewStateStore(exec.StateStoreOptions{Records: inmem.New()})
	require.NoError(t, err)

	_, err = store.Mutate(context.Background(), "nope", func(*exec.ExecutionState) error { return nil })
	require.True(t, execerrors.IsCode(err, execerrors.CodeNotFound))
}

func TestStateStoreExecutionIDs(t *testing.T) {
	ctx := context.Background()
	mem := inmem.New()
	store, err := exec.NewStateStore(exec.StateStoreOptions{Records: mem, Index: mem})
	require.NoError(t, err)

	now := time.Now()
	first := exec.NewState("exec-1", "user-1", storePlan("intent-1"), nil, now.Add(-time.Minute))
	second := exec.NewState("exec-2", "user-1", storePlan("intent-1"), nil, now)
	other := exec.NewState("exec-3", "user-1", storePlan("intent-2"), nil, now)
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))
	require.NoError(t, store.Create(ctx, other))

	ids, err := store.ExecutionIDs(ctx, "intent-1")
	require.NoError(t, err)
	require.Equal(t, []string{"exec-1", "exec-2"}, ids)
}

func TestNewStateStoreRequiresRecords(t *testing.T) {
	_, err := exec.NewStateStore(exec.StateStoreOptions{})
	require.Error(t, err)
}
