package taskqueue

import (
	"context"
	"fmt"
	"time"

	"goa.design/conductor/runtime/lock"
	"goa.design/conductor/runtime/telemetry"
)

type (
	// Resumer is implemented by the orchestrator: it resumes a previously
	// suspended execution from its latest checkpoint.
	Resumer interface {
		Resume(ctx context.Context, task Task) error
	}

	// Worker polls the queue and resumes due executions. Each resume runs
	// under the execution's quorum lock so at most one worker owns an
	// execution at a time.
	Worker struct {
		queue        *Queue
		locks        *lock.Manager
		resumer      Resumer
		pollInterval time.Duration
		batchSize    int
		lockValidity time.Duration
		logger       telemetry.Logger
		metrics      telemetry.Metrics
	}

	// WorkerOptions configures a Worker.
	WorkerOptions struct {
		// Queue is the task queue to poll. Required.
		Queue *Queue
		// Locks serializes resumes per execution. Required.
		Locks *lock.Manager
		// Resumer handles due tasks. Required.
		Resumer Resumer
		// PollInterval is the idle polling cadence. Defaults to 500ms.
		PollInterval time.Duration
		// BatchSize bounds tasks pulled per poll. Defaults to 10.
		BatchSize int
		// LockValidity is the per-resume lock window. Defaults to 30s.
		LockValidity time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
	}
)

// NewWorker constructs a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	if opts.Resumer == nil {
		return nil, fmt.Errorf("resumer is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 10
	}
	validity := opts.LockValidity
	if validity <= 0 {
		validity = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Worker{
		queue:        opts.Queue,
		locks:        opts.Locks,
		resumer:      opts.Resumer,
		pollInterval: poll,
		batchSize:    batch,
		lockValidity: validity,
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// Run polls until ctx is canceled. Errors on individual tasks are logged and
// do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain processes all currently due tasks once. Exposed separately so tests
// and cron-style deployments can run the worker without the polling loop.
func (w *Worker) Drain(ctx context.Context) {
	tasks, err := w.queue.ReadyTasks(ctx, w.batchSize)
	if err != nil {
		w.logger.Error(ctx, "poll ready tasks", "error", err.Error())
		return
	}
	for _, task := range tasks {
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task Task) {
	claimed, err := w.queue.MarkProcessing(ctx, task.ExecutionID)
	if err != nil {
		w.logger.Error(ctx, "claim task", "execution_id", task.ExecutionID, "error", err.Error())
		return
	}
	if !claimed {
		return
	}

	held, err := w.locks.Acquire(ctx, "exec:"+task.ExecutionID, w.lockValidity)
	if err != nil {
		// Lock contention: requeue with a short delay rather than dropping
		// the resume on the floor.
		w.logger.Warn(ctx, "lock unavailable, requeueing", "execution_id", task.ExecutionID)
		if rqErr := w.queue.ScheduleResume(ctx, task.ExecutionID, w.pollInterval, task.Reason, task.Payload); rqErr != nil {
			w.logger.Error(ctx, "requeue task", "execution_id", task.ExecutionID, "error", rqErr.Error())
		}
		return
	}
	defer func() {
		if err := held.Release(ctx); err != nil {
			w.logger.Warn(ctx, "release lock", "execution_id", task.ExecutionID, "error", err.Error())
		}
	}()

	start := time.Now()
	if err := w.resumer.Resume(ctx, task); err != nil {
		w.metrics.IncCounter("taskqueue_resume_failures", 1)
		w.logger.Error(ctx, "resume failed", "execution_id", task.ExecutionID, "error", err.Error())
		return
	}
	w.metrics.RecordTimer("taskqueue_resume_duration", time.Since(start))
	w.logger.Info(ctx, "resume completed", "execution_id", task.ExecutionID, "reason", task.Reason)
}
