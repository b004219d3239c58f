// Package taskqueue implements the delayed-resume queue: executions scheduled
// for retry or resumption are indexed by absolute due time in a sorted set,
// with their payloads stored alongside. A worker loop pulls due tasks,
// acquires the execution's lock, and hands the task to a resumer.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/memory"
	"goa.design/conductor/runtime/telemetry"
)

type (
	// Task is a scheduled resume request.
	Task struct {
		// ExecutionID identifies the execution to resume.
		ExecutionID string `json:"execution_id"`
		// ScheduledAt is the absolute due time (UTC).
		ScheduledAt time.Time `json:"scheduled_at"`
		// Reason records why the resume was scheduled (backoff retry,
		// confirmation timeout sweep, manual requeue).
		Reason string `json:"reason,omitempty"`
		// Payload carries opaque resume context.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// Queue stores tasks in a memory.Store + memory.SortedStore pair.
	Queue struct {
		kv     queueStore
		index  string
		prefix string
		ttl    time.Duration
		now    func() time.Time
		logger telemetry.Logger
	}

	queueStore interface {
		memory.Store
		memory.SortedStore
	}

	// Options configures the queue.
	Options struct {
		// Store backs both the payloads and the time-ordered index. Required.
		Store interface {
			memory.Store
			memory.SortedStore
		}
		// IndexKey is the sorted-set key. Defaults to "taskq:index".
		IndexKey string
		// PayloadPrefix namespaces payload keys. Defaults to "taskq:task:".
		PayloadPrefix string
		// PayloadTTL bounds how long an unprocessed payload is retained.
		// Defaults to 7 days, matching checkpoint retention.
		PayloadTTL time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

// New constructs a Queue.
func New(opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	index := opts.IndexKey
	if index == "" {
		index = "taskq:index"
	}
	prefix := opts.PayloadPrefix
	if prefix == "" {
		prefix = "taskq:task:"
	}
	ttl := opts.PayloadTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Queue{
		kv:     opts.Store,
		index:  index,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// ScheduleResume enqueues a resume for execID after the given delay. A second
// schedule for the same execution replaces the previous payload and due time.
func (q *Queue) ScheduleResume(ctx context.Context, execID string, delay time.Duration, reason string, payload map[string]any) error {
	if execID == "" {
		return fmt.Errorf("execution id is required")
	}
	due := q.now().Add(delay).UTC()
	task := Task{ExecutionID: execID, ScheduledAt: due, Reason: reason, Payload: payload}
	encoded, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.kv.Set(ctx, q.prefix+execID, string(encoded), q.ttl); err != nil {
		return execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "store task payload", err)
	}
	if err := q.kv.ZAdd(ctx, q.index, float64(due.UnixMilli()), execID); err != nil {
		return execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "index task", err)
	}
	q.logger.Debug(ctx, "resume scheduled", "execution_id", execID, "due", due.Format(time.RFC3339), "reason", reason)
	return nil
}

// ReadyTasks returns up to limit tasks whose due time has passed, ordered by
// due time ascending. Tasks whose payload expired are dropped from the index.
func (q *Queue) ReadyTasks(ctx context.Context, limit int) ([]Task, error) {
	ids, err := q.kv.ZRangeByScore(ctx, q.index, 0, float64(q.now().UnixMilli()), limit)
	if err != nil {
		return nil, execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "range ready tasks", err)
	}
	tasks := make([]Task, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := q.kv.Get(ctx, q.prefix+id)
		if err != nil {
			return nil, execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "load task payload", err)
		}
		if !ok {
			// Payload expired; drop the orphaned index entry.
			_, _ = q.kv.ZRem(ctx, q.index, id)
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			_, _ = q.kv.ZRem(ctx, q.index, id)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// MarkProcessing removes the task from the index and deletes its payload.
// Returns false when another worker already claimed it.
func (q *Queue) MarkProcessing(ctx context.Context, execID string) (bool, error) {
	removed, err := q.kv.ZRem(ctx, q.index, execID)
	if err != nil {
		return false, execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "claim task", err)
	}
	if removed == 0 {
		return false, nil
	}
	if _, err := q.kv.Del(ctx, q.prefix+execID); err != nil {
		return false, execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "delete task payload", err)
	}
	return true, nil
}
