package exec

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"goa.design/conductor/runtime/checkpoint"
	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/failover"
	"goa.design/conductor/runtime/idempotency"
	"goa.design/conductor/runtime/intent"
	"goa.design/conductor/runtime/plan"
	"goa.design/conductor/runtime/taskqueue"
	"goa.design/conductor/runtime/telemetry"
	"goa.design/conductor/runtime/tools"
	"goa.design/conductor/runtime/trace"
	"goa.design/conductor/runtime/triage"
)

// Boundary headers forwarded into the execution context.
const (
	HeaderCorrelationID  = "x-correlation-id"
	HeaderIdempotencyKey = "x-idempotency-key"
)

type (
	// Orchestrator drives executions through the state machine. Callers must
	// serialize access per execution, normally by holding its distributed
	// lock; the orchestrator itself is safe to share across executions.
	Orchestrator struct {
		store       *StateStore
		registry    *tools.Registry
		triage      triage.Service
		failover    *failover.Engine
		guard       *idempotency.Guard
		queue       *taskqueue.Queue
		checkpoints checkpoint.Store
		identity    checkpoint.Identity
		sink        trace.Sink
		logger      telemetry.Logger
		metrics     telemetry.Metrics

		parallelism     int
		retryBase       time.Duration
		maxRetries      int
		maxParamRetries int
		now             func() time.Time
	}

	// Options configures an Orchestrator.
	Options struct {
		// Store persists execution states. Required.
		Store *StateStore
		// Registry dispatches tool invocations. Required.
		Registry *tools.Registry
		// Triage classifies tool failures. Defaults to the heuristic engine.
		Triage triage.Service
		// Failover supplies recovery policies. Defaults to an empty engine,
		// in which case the triage suggestion drives recovery directly.
		Failover *failover.Engine
		// Guard deduplicates side effects. Optional; without it every
		// dispatch invokes the tool.
		Guard *idempotency.Guard
		// Queue schedules delayed resumes. Optional; without it backoff
		// retries degrade to escalation.
		Queue *taskqueue.Queue
		// Checkpoints persists resume records. Optional.
		Checkpoints checkpoint.Store
		// Identity is the process code identity stamped into checkpoints.
		Identity checkpoint.Identity
		// Trace receives execution trace entries. Defaults to noop.
		Trace trace.Sink
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
		// Parallelism caps concurrent fan-out siblings. Defaults to 4.
		Parallelism int
		// RetryBase is the default backoff base for scheduled retries.
		// Defaults to 1s.
		RetryBase time.Duration
		// MaxRetries is the default cap on backoff retries per step.
		// Defaults to 3.
		MaxRetries int
		// MaxParamRetries caps immediate modified-parameter retries.
		// Defaults to 2.
		MaxParamRetries int
	}

	// StartOptions carries per-execution inputs.
	StartOptions struct {
		// UserID is the acting user, required for idempotency keys.
		UserID string
		// IntentType drives failover policy matching.
		IntentType intent.Type
		// PartySize is forwarded to failover policy matching when known.
		PartySize int
		// Headers are the boundary headers; correlation and idempotency
		// values are generated when absent.
		Headers map[string]string
		// Context seeds the execution context.
		Context map[string]any
	}
)

// New constructs an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: state store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("orchestrator: tool registry is required")
	}
	tri := opts.Triage
	if tri == nil {
		tri = triage.NewHeuristic(nil, nil, nil)
	}
	fo := opts.Failover
	if fo == nil {
		fo = failover.NewEngine()
	}
	sink := opts.Trace
	if sink == nil {
		sink = trace.NoopSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	maxParamRetries := opts.MaxParamRetries
	if maxParamRetries <= 0 {
		maxParamRetries = 2
	}
	return &Orchestrator{
		store:           opts.Store,
		registry:        opts.Registry,
		triage:          tri,
		failover:        fo,
		guard:           opts.Guard,
		queue:           opts.Queue,
		checkpoints:     opts.Checkpoints,
		identity:        opts.Identity,
		sink:            sink,
		logger:          logger,
		metrics:         metrics,
		parallelism:     parallelism,
		retryBase:       retryBase,
		maxRetries:      maxRetries,
		maxParamRetries: maxParamRetries,
		now:             time.Now,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Start accepts a validated plan, persists a fresh PENDING state and runs
// the dispatch loop until the execution settles or suspends.
func (o *Orchestrator) Start(ctx context.Context, p plan.Plan, opts StartOptions) (*ExecutionState, error) {
	execCtx := make(map[string]any, len(opts.Context)+4)
	for k, v := range opts.Context {
		execCtx[k] = v
	}
	correlation := opts.Headers[HeaderCorrelationID]
	if correlation == "" {
		correlation = uuid.NewString()
	}
	idemKey := opts.Headers[HeaderIdempotencyKey]
	if idemKey == "" {
		idemKey = uuid.NewString()
	}
	execCtx[ContextKeyCorrelationID] = correlation
	execCtx[ContextKeyIdempotencyKey] = idemKey
	if opts.IntentType != "" {
		execCtx["intent_type"] = string(opts.IntentType)
	}
	if opts.PartySize > 0 {
		execCtx["party_size"] = opts.PartySize
	}

	state := NewState(uuid.NewString(), opts.UserID, p, execCtx, o.now())
	if err := o.store.Create(ctx, state); err != nil {
		return nil, err
	}
	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: state.ExecutionID,
		Event:       "execution_created",
		Input:       map[string]any{"plan_id": p.ID, "steps": len(p.Steps)},
	})
	o.metrics.IncCounter("executions_started", 1)
	return o.Run(ctx, state.ExecutionID)
}

// Run drives the execution until it settles or suspends. Safe to call on
// suspended or terminal executions: terminal and awaiting states return
// immediately.
func (o *Orchestrator) Run(ctx context.Context, executionID string) (*ExecutionState, error) {
	state, err := o.store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	switch {
	case state.Status.Terminal(), state.Status == StatusAwaitingConfirmation, state.Status == StatusFailed:
		return state, nil
	case state.Status == StatusCompensating:
		return o.compensate(ctx, state)
	}
	if state.Status == StatusPending {
		state, err = o.store.Mutate(ctx, executionID, func(s *ExecutionState) error {
			return s.Transit(StatusExecuting, "dispatch_started", o.now())
		})
		if err != nil {
			return nil, err
		}
	}
	return o.dispatchLoop(ctx, state)
}

// Confirm records the user's go-ahead and resumes dispatch.
func (o *Orchestrator) Confirm(ctx context.Context, executionID string) (*ExecutionState, error) {
	state, err := o.store.Mutate(ctx, executionID, func(s *ExecutionState) error {
		s.Context[ContextKeyConfirmed] = true
		return s.Transit(StatusExecuting, "user_confirmed", o.now())
	})
	if err != nil {
		return nil, err
	}
	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: executionID,
		Event:       "confirmation_received",
	})
	return o.dispatchLoop(ctx, state)
}

// Cancel transitions the execution to CANCELLED. In-flight tool calls are
// not aborted; their late results are discarded.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, reason string) (*ExecutionState, error) {
	state, err := o.store.Mutate(ctx, executionID, func(s *ExecutionState) error {
		return s.Transit(StatusCancelled, reason, o.now())
	})
	if err != nil {
		return nil, err
	}
	o.checkpointState(ctx, state, "cancelled")
	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: executionID,
		Event:       "execution_cancelled",
		Error:       reason,
	})
	o.metrics.IncCounter("executions_settled", 1, "status", string(StatusCancelled))
	return state, nil
}

// Resume implements taskqueue.Resumer: it re-enters a suspended execution
// after checking for logic drift against the stored checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, task taskqueue.Task) error {
	state, err := o.store.Load(ctx, task.ExecutionID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return nil
	}

	if o.checkpoints != nil {
		cp, found, err := o.checkpoints.Load(ctx, task.ExecutionID)
		if err != nil {
			return execerrors.Wrap(execerrors.CodeCheckpointStoreFailed, "load checkpoint", err)
		}
		if found {
			if done, err := o.handleDrift(ctx, state, cp); done || err != nil {
				return err
			}
		}
	}

	if state.Status == StatusAwaitingConfirmation {
		return nil
	}
	_, err = o.Run(ctx, task.ExecutionID)
	return err
}

// ExecutionHistory implements tools.HistoryReader: it summarizes the
// executions recorded for an intent for the self_reflect tool.
func (o *Orchestrator) ExecutionHistory(ctx context.Context, intentID string) (any, error) {
	ids, err := o.store.ExecutionIDs(ctx, intentID)
	if err != nil {
		return nil, err
	}
	executions := make([]any, 0, len(ids))
	for _, id := range ids {
		state, err := o.store.Load(ctx, id)
		if err != nil {
			if execerrors.IsCode(err, execerrors.CodeNotFound) {
				continue
			}
			return nil, err
		}
		counts := map[StepStatus]int{}
		for _, step := range state.StepStates {
			counts[step.Status]++
		}
		summary := map[string]any{
			"execution_id": state.ExecutionID,
			"status":       string(state.Status),
			"created_at":   state.CreatedAt.Format(time.RFC3339),
			"updated_at":   state.UpdatedAt.Format(time.RFC3339),
			"steps": map[string]any{
				"total":     len(state.StepStates),
				"completed": counts[StepCompleted],
				"failed":    counts[StepFailed],
				"skipped":   counts[StepSkipped],
			},
		}
		if state.Error != nil {
			summary["error"] = map[string]any{"code": state.Error.Code, "message": state.Error.Message}
		}
		executions = append(executions, summary)
	}
	return map[string]any{"intent_id": intentID, "executions": executions}, nil
}

func (o *Orchestrator) trace(ctx context.Context, entry trace.Entry) {
	if err := o.sink.Send(ctx, entry); err != nil {
		o.logger.Warn(ctx, "trace send failed", "error", err.Error())
	}
}
