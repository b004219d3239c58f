package taskqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/conductor/runtime/lock"
	"goa.design/conductor/runtime/memory/inmem"
	"goa.design/conductor/runtime/taskqueue"
)

func TestScheduleAndReadyOrdering(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	q, err := taskqueue.New(taskqueue.Options{Store: store})
	require.NoError(t, err)

	now := time.Now()
	q.SetClock(func() time.Time { return now })

	require.NoError(t, q.ScheduleResume(ctx, "exec-late", 2*time.Minute, "retry", nil))
	require.NoError(t, q.ScheduleResume(ctx, "exec-soon", time.Minute, "retry", nil))
	require.NoError(t, q.ScheduleResume(ctx, "exec-far", time.Hour, "retry", nil))

	tasks, err := q.ReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, tasks)

	now = now.Add(3 * time.Minute)
	tasks, err = q.ReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "exec-soon", tasks[0].ExecutionID)
	require.Equal(t, "exec-late", tasks[1].ExecutionID)
}

func TestScheduleReplacesExisting(t *testing.T) {
	ctx := context.Background()
	q, err := taskqueue.New(taskqueue.Options{Store: inmem.New()})
	require.NoError(t, err)

	now := time.Now()
	q.SetClock(func() time.Time { return now })

	require.NoError(t, q.ScheduleResume(ctx, "exec-1", time.Minute, "retry", map[string]any{"attempt": 1}))
	require.NoError(t, q.ScheduleResume(ctx, "exec-1", 2*time.Minute, "retry", map[string]any{"attempt": 2}))

	now = now.Add(90 * time.Second)
	tasks, err := q.ReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, tasks)

	now = now.Add(time.Minute)
	tasks, err = q.ReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, float64(2), tasks[0].Payload["attempt"])
}

func TestMarkProcessingClaimsOnce(t *testing.T) {
	ctx := context.Background()
	q, err := taskqueue.New(taskqueue.Options{Store: inmem.New()})
	require.NoError(t, err)
	require.NoError(t, q.ScheduleResume(ctx, "exec-1", 0, "retry", nil))

	ok, err := q.MarkProcessing(ctx, "exec-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.MarkProcessing(ctx, "exec-1")
	require.NoError(t, err)
	require.False(t, ok)

	tasks, err := q.ReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestReadyDropsExpiredPayloads(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	q, err := taskqueue.New(taskqueue.Options{Store: store, PayloadTTL: time.Minute})
	require.NoError(t, err)

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	q.SetClock(func() time.Time { return now })

	require.NoError(t, q.ScheduleResume(ctx, "exec-1", 0, "retry", nil))
	now = now.Add(2 * time.Minute)

	tasks, err := q.ReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestScheduleRequiresExecutionID(t *testing.T) {
	q, err := taskqueue.New(taskqueue.Options{Store: inmem.New()})
	require.NoError(t, err)
	require.Error(t, q.ScheduleResume(context.Background(), "", 0, "retry", nil))
}

func TestWorkerDrainResumesDueTasks(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	q, err := taskqueue.New(taskqueue.Options{Store: store})
	require.NoError(t, err)
	locks, err := lock.New(lock.Options{Stores: []lock.Store{store}})
	require.NoError(t, err)

	resumer := &recordingResumer{}
	w, err := taskqueue.NewWorker(taskqueue.WorkerOptions{Queue: q, Locks: locks, Resumer: resumer})
	require.NoError(t, err)

	require.NoError(t, q.ScheduleResume(ctx, "exec-1", 0, "retry", map[string]any{"step": "s1"}))
	require.NoError(t, q.ScheduleResume(ctx, "exec-2", 0, "confirmation_timeout", nil))

	w.Drain(ctx)

	resumed := resumer.ids()
	require.ElementsMatch(t, []string{"exec-1", "exec-2"}, resumed)

	// Claimed tasks are gone; a second drain is a no-op.
	w.Drain(ctx)
	require.Len(t, resumer.ids(), 2)
}

func TestWorkerRequeuesWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	q, err := taskqueue.New(taskqueue.Options{Store: store})
	require.NoError(t, err)
	locks, err := lock.New(lock.Options{
		Stores:         []lock.Store{store},
		AcquireRetries: 1,
		RetryBase:      time.Millisecond,
	})
	require.NoError(t, err)

	// Another worker holds the execution lock.
	held, err := locks.Acquire(ctx, "exec:exec-1", time.Minute)
	require.NoError(t, err)
	defer held.Release(ctx)

	resumer := &recordingResumer{}
	w, err := taskqueue.NewWorker(taskqueue.WorkerOptions{
		Queue:        q,
		Locks:        locks,
		Resumer:      resumer,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, q.ScheduleResume(ctx, "exec-1", 0, "retry", nil))
	w.Drain(ctx)

	require.Empty(t, resumer.ids())

	// The task went back on the queue for a later attempt.
	time.Sleep(20 * time.Millisecond)
	tasks, err := q.ReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "exec-1", tasks[0].ExecutionID)
}

type recordingResumer struct {
	mu    sync.Mutex
	tasks []taskqueue.Task
}

func (r *recordingResumer) Resume(_ context.Context, task taskqueue.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *recordingResumer) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.ExecutionID
	}
	return out
}
