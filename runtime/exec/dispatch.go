package exec

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"goa.design/conductor/runtime/checkpoint"
	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/failover"
	"goa.design/conductor/runtime/idempotency"
	"goa.design/conductor/runtime/intent"
	"goa.design/conductor/runtime/tools"
	"goa.design/conductor/runtime/trace"
	"goa.design/conductor/runtime/triage"
)

const maxBackoff = 30 * time.Second

// stepOutcome is the result of dispatching one step.
type stepOutcome struct {
	idx       int
	input     map[string]any
	warnings  []string
	duplicate bool
	cached    json.RawMessage
	idemKey   string
	executed  bool
	result    tools.Result
}

// dispatchLoop runs ready steps until the execution settles or control must
// return to the caller (confirmation gate, scheduled retry, terminal state).
func (o *Orchestrator) dispatchLoop(ctx context.Context, state *ExecutionState) (*ExecutionState, error) {
	for {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		if exceeded, err := o.checkDeadline(ctx, state); exceeded {
			return state, err
		}

		var err error
		state, err = o.cascadeSkip(ctx, state)
		if err != nil {
			return state, err
		}

		ready := state.ReadyStepIndexes()
		if len(ready) == 0 {
			if state.Unsettled() {
				return o.failExecution(ctx, state, execerrors.New(execerrors.CodePlanCircularDependency,
					"no dispatchable step but unsettled steps remain"), "", "dispatch_deadlock")
			}
			return o.complete(ctx, state)
		}

		// Confirmation gate: an unconfirmed gated step suspends the
		// execution, but only after any preceding runnable work is done.
		var batch []int
		for _, idx := range ready {
			step := state.Plan.Steps[idx]
			if step.RequiresConfirmation && !state.Confirmed() {
				if len(batch) == 0 {
					return o.pauseForConfirmation(ctx, state, step.ID)
				}
				break
			}
			batch = append(batch, idx)
			if len(batch) == o.parallelism {
				break
			}
		}

		outcomes := o.runBatch(ctx, state, batch)

		var suspended bool
		state, suspended, err = o.applyOutcomes(ctx, state, outcomes)
		if err != nil || suspended {
			return state, err
		}
	}
}

// checkDeadline fails the execution when the plan-wide deadline has passed.
func (o *Orchestrator) checkDeadline(ctx context.Context, state *ExecutionState) (bool, error) {
	limit := state.Plan.Constraints.MaxExecutionTime
	if limit <= 0 || o.now().Before(state.CreatedAt.Add(limit)) {
		return false, nil
	}
	_, err := o.failExecution(ctx, state, execerrors.Newf(execerrors.CodeExecutionTimeout,
		"execution exceeded %s", limit), "", "execution_deadline")
	return true, err
}

// cascadeSkip marks pending steps whose dependencies failed or were skipped
// as skipped themselves, repeating until a fixpoint.
func (o *Orchestrator) cascadeSkip(ctx context.Context, state *ExecutionState) (*ExecutionState, error) {
	blocked := blockedSteps(state)
	if len(blocked) == 0 {
		return state, nil
	}
	return o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
		for {
			indexes := blockedSteps(s)
			if len(indexes) == 0 {
				return nil
			}
			now := o.now().UTC()
			for _, idx := range indexes {
				st := &s.StepStates[idx]
				st.Status = StepSkipped
				st.CompletedAt = &now
				st.Error = &ExecutionError{
					Code:    string(execerrors.CodeToolExecutionFailed),
					Message: "dependency did not complete",
					StepID:  st.StepID,
				}
			}
		}
	})
}

func blockedSteps(s *ExecutionState) []int {
	var blocked []int
	for i, step := range s.Plan.Steps {
		if s.StepStates[i].Status != StepPending {
			continue
		}
		for _, dep := range step.Dependencies {
			st := s.Step(dep)
			if st != nil && (st.Status == StepFailed || st.Status == StepSkipped) {
				blocked = append(blocked, i)
				break
			}
		}
	}
	return blocked
}

// runBatch dispatches the batch, fan-out siblings concurrently.
func (o *Orchestrator) runBatch(ctx context.Context, state *ExecutionState, batch []int) []stepOutcome {
	outcomes := make([]stepOutcome, len(batch))
	if len(batch) == 1 {
		outcomes[0] = o.runStep(ctx, state, batch[0])
		return outcomes
	}
	var wg sync.WaitGroup
	for i, idx := range batch {
		wg.Add(1)
		go func(slot, idx int) {
			defer wg.Done()
			outcomes[slot] = o.runStep(ctx, state, idx)
		}(i, idx)
	}
	wg.Wait()
	return outcomes
}

// runStep resolves parameters, consults the idempotency guard and invokes
// the tool.
func (o *Orchestrator) runStep(ctx context.Context, state *ExecutionState, idx int) stepOutcome {
	step := state.Plan.Steps[idx]
	params, warnings := resolveParams(state, step.Parameters)
	out := stepOutcome{idx: idx, input: params, warnings: warnings}

	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: state.ExecutionID,
		StepID:      step.ID,
		Event:       "step_started",
		Input:       params,
	})

	if o.guard != nil && state.UserID != "" {
		key := idempotency.Key(state.UserID, step.ToolName, params)
		out.idemKey = key
		claim, err := o.guard.Claim(ctx, key)
		if err != nil {
			// Fail open: a guard outage must not block execution, at the
			// cost of a possible duplicate side effect.
			o.logger.Warn(ctx, "idempotency claim failed", "execution_id", state.ExecutionID, "step_id", step.ID, "error", err.Error())
		} else if claim.Duplicate {
			out.duplicate = true
			out.cached = claim.CachedOutput
			return out
		}
	}

	out.executed = true
	out.result = o.registry.Execute(ctx, step.ToolName, step.ToolVersion,
		params, time.Duration(step.TimeoutMs)*time.Millisecond)
	return out
}

// applyOutcomes persists successful and duplicate outcomes in one write,
// then handles failures one at a time. The suspended result is true when
// control must return to the caller.
func (o *Orchestrator) applyOutcomes(ctx context.Context, state *ExecutionState, outcomes []stepOutcome) (*ExecutionState, bool, error) {
	var failures []stepOutcome
	state, err := o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
		now := o.now().UTC()
		for _, oc := range outcomes {
			st := &s.StepStates[oc.idx]
			st.Input = oc.input
			switch {
			case oc.duplicate && len(oc.cached) > 0:
				var output any
				if err := json.Unmarshal(oc.cached, &output); err != nil {
					output = string(oc.cached)
				}
				o.settleStep(s, st, oc.idx, StepCompleted, output, nil, now)
			case oc.duplicate:
				o.settleStep(s, st, oc.idx, StepSkipped, nil, nil, now)
			case oc.result.Success:
				st.Attempts++
				st.LatencyMs = oc.result.LatencyMs
				o.settleStep(s, st, oc.idx, StepCompleted, oc.result.Output, nil, now)
			default:
				// Failures stay in_progress until triage decides.
				st.Attempts++
				st.LatencyMs = oc.result.LatencyMs
				st.Status = StepInProgress
				if st.StartedAt == nil {
					st.StartedAt = &now
				}
			}
		}
		s.CurrentStepIndex = settledCount(s)
		return nil
	})
	if err != nil {
		return state, false, err
	}

	for _, oc := range outcomes {
		step := state.Plan.Steps[oc.idx]
		for _, warning := range oc.warnings {
			o.logger.Warn(ctx, "parameter resolution", "execution_id", state.ExecutionID, "step_id", step.ID, "warning", warning)
		}
		switch {
		case oc.duplicate:
			o.trace(ctx, trace.Entry{
				Timestamp:   o.now().UTC(),
				Phase:       trace.PhaseExecution,
				ExecutionID: state.ExecutionID,
				StepID:      step.ID,
				Event:       "step_deduplicated",
			})
		case oc.result.Success:
			if o.guard != nil && oc.idemKey != "" {
				if err := o.guard.RecordOutput(ctx, oc.idemKey, oc.result.Output); err != nil {
					o.logger.Warn(ctx, "idempotency output cache failed", "execution_id", state.ExecutionID, "error", err.Error())
				}
			}
			o.trace(ctx, trace.Entry{
				Timestamp:   o.now().UTC(),
				Phase:       trace.PhaseExecution,
				ExecutionID: state.ExecutionID,
				StepID:      step.ID,
				Event:       "step_completed",
				Output:      oc.result.Output,
				LatencyMs:   oc.result.LatencyMs,
			})
		default:
			// Free the claim so the retry path is not misread as a duplicate.
			if o.guard != nil && oc.idemKey != "" {
				if err := o.guard.Release(ctx, oc.idemKey); err != nil {
					o.logger.Warn(ctx, "idempotency release failed", "execution_id", state.ExecutionID, "error", err.Error())
				}
			}
			failures = append(failures, oc)
		}
	}

	for _, oc := range failures {
		var suspended bool
		state, suspended, err = o.handleFailure(ctx, state, oc)
		if err != nil || suspended {
			return state, suspended, err
		}
	}
	return state, false, nil
}

// settleStep records a final step status and publishes the output into the
// execution context under its topological index.
func (o *Orchestrator) settleStep(s *ExecutionState, st *StepState, idx int, status StepStatus, output any, stepErr *ExecutionError, now time.Time) {
	st.Status = status
	st.Error = stepErr
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	st.CompletedAt = &now
	if status == StepCompleted {
		st.Output = output
		s.Context["step_result:"+strconv.Itoa(idx)] = output
	}
}

func settledCount(s *ExecutionState) int {
	count := 0
	for _, st := range s.StepStates {
		if st.Status.Settled() {
			count++
		}
	}
	return count
}

// handleFailure triages the failure, consults the failover engine and
// applies the recovery action.
func (o *Orchestrator) handleFailure(ctx context.Context, state *ExecutionState, oc stepOutcome) (*ExecutionState, bool, error) {
	step := state.Plan.Steps[oc.idx]
	stepErr := oc.result.Error
	if stepErr == nil {
		stepErr = execerrors.Newf(execerrors.CodeToolExecutionFailed, "%s failed without detail", step.ToolName)
	}
	failureMsg := failureText(stepErr)

	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: state.ExecutionID,
		StepID:      step.ID,
		Event:       "step_failed",
		Error:       failureMsg,
		LatencyMs:   oc.result.LatencyMs,
	})
	o.metrics.IncCounter("step_failures", 1, "tool", step.ToolName, "code", string(stepErr.Code))

	tri := o.triage.Triage(ctx, triage.Failure{
		ToolName: step.ToolName,
		Message:  failureMsg,
		Code:     numericDetail(stepErr, "status_code"),
	})

	situation := failover.Situation{
		IntentType:    intent.Type(stringContext(state, "intent_type")),
		FailureReason: tri.Category,
		Confidence:    tri.Confidence,
		PartySize:     intContext(state, "party_size"),
		Tokens:        renderTokens(state, oc.input),
	}
	match, matched := o.failover.Evaluate(situation)

	action := tri.SuggestedAction
	var policyAction failover.Action
	if matched {
		policyAction = match.RecommendedAction
		action = policyAction.Type
	}

	switch action {
	case triage.ActionRetryBackoff:
		return o.scheduleBackoff(ctx, state, oc, stepErr, policyAction)
	case triage.ActionRetryModified:
		return o.retryModified(ctx, state, oc, stepErr, policyAction)
	case triage.ActionSkip:
		state, err := o.skipStep(ctx, state, oc.idx, stepErr)
		return state, false, err
	case triage.ActionCompensate:
		state, err := o.triggerCompensation(ctx, state, oc.idx, stepErr)
		return state, true, err
	default:
		message := match.Message
		if message == "" {
			message = failureMsg
		}
		state, err := o.escalate(ctx, state, oc.idx, stepErr, message)
		return state, true, err
	}
}

// scheduleBackoff returns the step to pending and enqueues a delayed resume.
// Exhausted retries escalate.
func (o *Orchestrator) scheduleBackoff(ctx context.Context, state *ExecutionState, oc stepOutcome, stepErr *execerrors.Error, policy failover.Action) (*ExecutionState, bool, error) {
	step := state.Plan.Steps[oc.idx]
	maxRetries := policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.maxRetries
	}
	attempts := state.StepStates[oc.idx].Attempts
	if attempts > maxRetries {
		state, err := o.escalate(ctx, state, oc.idx, stepErr, "retries exhausted for "+step.ToolName)
		return state, true, err
	}
	if o.queue == nil {
		state, err := o.escalate(ctx, state, oc.idx, stepErr, "no retry queue configured")
		return state, true, err
	}

	base := policy.RetryDelay
	if base <= 0 {
		base = o.retryBase
	}
	delay := backoffDelay(base, attempts)

	state, err := o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
		st := &s.StepStates[oc.idx]
		st.Status = StepPending
		st.Error = &ExecutionError{Code: string(stepErr.Code), Message: failureText(stepErr), StepID: step.ID}
		return nil
	})
	if err != nil {
		return state, false, err
	}
	if err := o.queue.ScheduleResume(ctx, state.ExecutionID, delay, "backoff_retry",
		map[string]any{"step_id": step.ID, "attempt": attempts}); err != nil {
		return state, false, err
	}
	o.checkpointState(ctx, state, "scheduled_retry")
	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: state.ExecutionID,
		StepID:      step.ID,
		Event:       "step_retry_scheduled",
		Output:      map[string]any{"delay_ms": delay.Milliseconds(), "attempt": attempts},
	})
	return state, true, nil
}

// retryModified re-invokes the tool immediately with policy-supplied
// parameter overrides, up to the cap.
func (o *Orchestrator) retryModified(ctx context.Context, state *ExecutionState, oc stepOutcome, stepErr *execerrors.Error, policy failover.Action) (*ExecutionState, bool, error) {
	step := state.Plan.Steps[oc.idx]
	maxRetries := policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.maxParamRetries
	}
	overrides, _ := policy.Params["param_overrides"].(map[string]any)

	params := make(map[string]any, len(oc.input)+len(overrides))
	for k, v := range oc.input {
		params[k] = v
	}
	lastErr := stepErr
	for attempt := 0; attempt < maxRetries; attempt++ {
		for k, v := range overrides {
			params[k] = v
		}
		result := o.registry.Execute(ctx, step.ToolName, step.ToolVersion,
			params, time.Duration(step.TimeoutMs)*time.Millisecond)

		var err error
		state, err = o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
			s.StepStates[oc.idx].Attempts++
			return nil
		})
		if err != nil {
			return state, false, err
		}

		if result.Success {
			state, err = o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
				st := &s.StepStates[oc.idx]
				st.Input = params
				st.LatencyMs = result.LatencyMs
				o.settleStep(s, st, oc.idx, StepCompleted, result.Output, nil, o.now().UTC())
				s.CurrentStepIndex = settledCount(s)
				return nil
			})
			if err != nil {
				return state, false, err
			}
			o.trace(ctx, trace.Entry{
				Timestamp:   o.now().UTC(),
				Phase:       trace.PhaseExecution,
				ExecutionID: state.ExecutionID,
				StepID:      step.ID,
				Event:       "step_completed_after_modify",
				Output:      result.Output,
				LatencyMs:   result.LatencyMs,
			})
			return state, false, nil
		}
		if result.Error != nil {
			lastErr = result.Error
		}
	}
	state, err := o.escalate(ctx, state, oc.idx, lastErr, "modified-parameter retries exhausted for "+step.ToolName)
	return state, true, err
}

// skipStep marks the step skipped and lets the loop continue.
func (o *Orchestrator) skipStep(ctx context.Context, state *ExecutionState, idx int, stepErr *execerrors.Error) (*ExecutionState, error) {
	step := state.Plan.Steps[idx]
	state, err := o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
		st := &s.StepStates[idx]
		o.settleStep(s, st, idx, StepSkipped, nil,
			&ExecutionError{Code: string(stepErr.Code), Message: failureText(stepErr), StepID: step.ID}, o.now().UTC())
		s.CurrentStepIndex = settledCount(s)
		return nil
	})
	if err != nil {
		return state, err
	}
	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: state.ExecutionID,
		StepID:      step.ID,
		Event:       "step_skipped",
		Error:       failureText(stepErr),
	})
	return state, nil
}

// triggerCompensation fails the step, enters COMPENSATING and unwinds.
func (o *Orchestrator) triggerCompensation(ctx context.Context, state *ExecutionState, idx int, stepErr *execerrors.Error) (*ExecutionState, error) {
	step := state.Plan.Steps[idx]
	state, err := o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
		st := &s.StepStates[idx]
		o.settleStep(s, st, idx, StepFailed, nil,
			&ExecutionError{Code: string(stepErr.Code), Message: failureText(stepErr), StepID: step.ID}, o.now().UTC())
		s.Error = &ExecutionError{Code: string(stepErr.Code), Message: failureText(stepErr), StepID: step.ID}
		return s.Transit(StatusCompensating, "compensation_triggered", o.now())
	})
	if err != nil {
		return state, err
	}
	return o.compensate(ctx, state)
}

// compensate unwinds completed side effects in reverse completion order. A
// tool named "<tool>.compensate" performs the unwind when registered; steps
// without one are left as-is.
func (o *Orchestrator) compensate(ctx context.Context, state *ExecutionState) (*ExecutionState, error) {
	type done struct {
		idx         int
		completedAt time.Time
	}
	var completed []done
	for i, st := range state.StepStates {
		if st.Status == StepCompleted && st.CompletedAt != nil {
			completed = append(completed, done{idx: i, completedAt: *st.CompletedAt})
		}
	}
	sort.Slice(completed, func(a, b int) bool {
		if !completed[a].completedAt.Equal(completed[b].completedAt) {
			return completed[a].completedAt.After(completed[b].completedAt)
		}
		return state.Plan.Steps[completed[a].idx].StepNumber > state.Plan.Steps[completed[b].idx].StepNumber
	})

	for _, d := range completed {
		step := state.Plan.Steps[d.idx]
		compTool := step.ToolName + ".compensate"
		if _, err := o.registry.Resolve(compTool, ""); err != nil {
			continue
		}
		st := state.StepStates[d.idx]
		result := o.registry.Execute(ctx, compTool, "", map[string]any{
			"input":  st.Input,
			"output": st.Output,
		}, time.Duration(step.TimeoutMs)*time.Millisecond)
		o.trace(ctx, trace.Entry{
			Timestamp:   o.now().UTC(),
			Phase:       trace.PhaseExecution,
			ExecutionID: state.ExecutionID,
			StepID:      step.ID,
			Event:       "step_compensated",
			LatencyMs:   result.LatencyMs,
		})
		if !result.Success {
			message := "compensation failed for " + step.ToolName
			if result.Error != nil {
				message = result.Error.Message
			}
			var err error
			state, err = o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
				s.Error = &ExecutionError{Code: string(execerrors.CodeToolExecutionFailed), Message: message, StepID: step.ID}
				return s.Transit(StatusFailed, "compensation_failed", o.now())
			})
			if err != nil {
				return state, err
			}
			o.checkpointState(ctx, state, "terminal")
			return state, nil
		}
	}

	state, err := o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
		return s.Transit(StatusCompensated, "compensation_complete", o.now())
	})
	if err != nil {
		return state, err
	}
	o.checkpointState(ctx, state, "terminal")
	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: state.ExecutionID,
		Event:       "execution_compensated",
	})
	o.metrics.IncCounter("executions_settled", 1, "status", string(StatusCompensated))
	return state, nil
}

// escalate fails the execution with a user-visible message.
func (o *Orchestrator) escalate(ctx context.Context, state *ExecutionState, idx int, stepErr *execerrors.Error, message string) (*ExecutionState, error) {
	step := state.Plan.Steps[idx]
	state, err := o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
		st := &s.StepStates[idx]
		o.settleStep(s, st, idx, StepFailed, nil,
			&ExecutionError{Code: string(stepErr.Code), Message: failureText(stepErr), StepID: step.ID}, o.now().UTC())
		s.Error = &ExecutionError{Code: string(stepErr.Code), Message: message, StepID: step.ID}
		s.Context[ContextKeyUserMessage] = message
		return s.Transit(StatusFailed, "escalated_to_human", o.now())
	})
	if err != nil {
		return state, err
	}
	o.checkpointState(ctx, state, "terminal")
	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: state.ExecutionID,
		StepID:      step.ID,
		Event:       "execution_failed",
		Error:       message,
	})
	o.metrics.IncCounter("executions_settled", 1, "status", string(StatusFailed))
	return state, nil
}

// failExecution records a terminal failure unrelated to a specific step.
func (o *Orchestrator) failExecution(ctx context.Context, state *ExecutionState, execErr *execerrors.Error, stepID, reason string) (*ExecutionState, error) {
	state, err := o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
		s.Error = &ExecutionError{Code: string(execErr.Code), Message: execErr.Message, StepID: stepID}
		return s.Transit(StatusFailed, reason, o.now())
	})
	if err != nil {
		return state, err
	}
	o.checkpointState(ctx, state, "terminal")
	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: state.ExecutionID,
		StepID:      stepID,
		Event:       "execution_failed",
		Error:       execErr.Message,
	})
	o.metrics.IncCounter("executions_settled", 1, "status", string(StatusFailed))
	return state, nil
}

// complete transitions a fully settled execution to COMPLETED.
func (o *Orchestrator) complete(ctx context.Context, state *ExecutionState) (*ExecutionState, error) {
	state, err := o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
		s.CurrentStepIndex = settledCount(s)
		return s.Transit(StatusCompleted, "all_steps_settled", o.now())
	})
	if err != nil {
		return state, err
	}
	o.checkpointState(ctx, state, "terminal")
	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: state.ExecutionID,
		Event:       "execution_completed",
	})
	o.metrics.IncCounter("executions_settled", 1, "status", string(StatusCompleted))
	return state, nil
}

// pauseForConfirmation suspends the execution on a confirmation gate.
func (o *Orchestrator) pauseForConfirmation(ctx context.Context, state *ExecutionState, stepID string) (*ExecutionState, error) {
	state, err := o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
		return s.Transit(StatusAwaitingConfirmation, "confirmation_required:"+stepID, o.now())
	})
	if err != nil {
		return state, err
	}
	o.checkpointState(ctx, state, "awaiting_confirmation")
	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: state.ExecutionID,
		StepID:      stepID,
		Event:       "awaiting_confirmation",
	})
	return state, nil
}

// checkpointState persists a resume record. Checkpoint failures are logged,
// not fatal: the state itself is already durable.
func (o *Orchestrator) checkpointState(ctx context.Context, state *ExecutionState, reason string) {
	if o.checkpoints == nil {
		return
	}
	snapshot, err := json.Marshal(state)
	if err != nil {
		o.logger.Error(ctx, "checkpoint snapshot failed", "execution_id", state.ExecutionID, "error", err.Error())
		return
	}
	segment := 1
	if prev, found, err := o.checkpoints.Load(ctx, state.ExecutionID); err == nil && found {
		segment = prev.SegmentNumber + 1
	}
	cp := checkpoint.Checkpoint{
		ExecutionID:   state.ExecutionID,
		CheckpointAt:  o.now().UTC(),
		GitSHA:        o.identity.GitSHA,
		LogicVersion:  o.identity.LogicVersion,
		ToolVersions:  o.identity.ToolVersions,
		StateSnapshot: snapshot,
		NextStepIndex: state.CurrentStepIndex,
		SegmentNumber: segment,
		Reason:        reason,
		Version:       state.Version,
	}
	if err := o.checkpoints.Save(ctx, cp); err != nil {
		o.logger.Error(ctx, "checkpoint save failed", "execution_id", state.ExecutionID, "error", err.Error())
	}
}

// handleDrift applies the drift recommendation on resume. The done result
// is true when the execution was suspended for manual review.
func (o *Orchestrator) handleDrift(ctx context.Context, state *ExecutionState, cp checkpoint.Checkpoint) (bool, error) {
	rec := checkpoint.Drift(cp, o.identity)
	if rec == checkpoint.DriftNone {
		return false, nil
	}

	o.trace(ctx, trace.Entry{
		Timestamp:   o.now().UTC(),
		Phase:       trace.PhaseExecution,
		ExecutionID: state.ExecutionID,
		Event:       "logic_drift_detected",
		Output: map[string]any{
			"checkpoint_sha": cp.GitSHA,
			"current_sha":    o.identity.GitSHA,
			"recommendation": string(rec),
		},
	})

	if rec == checkpoint.DriftShadowDryRun {
		if err := o.shadowDryRun(ctx, state); err == nil {
			_, err := o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
				s.Context[ContextKeyDrift] = string(rec)
				return nil
			})
			return false, err
		}
		// The dry run disagreed with the logged shapes; fall through to
		// manual review.
		rec = checkpoint.DriftManualReview
	}

	state, err := o.store.Mutate(ctx, state.ExecutionID, func(s *ExecutionState) error {
		s.Context[ContextKeyDrift] = string(checkpoint.DriftManualReview)
		if s.Status == StatusPending {
			if err := s.Transit(StatusExecuting, "resume", o.now()); err != nil {
				return err
			}
		}
		return s.Transit(StatusAwaitingConfirmation, "LOGIC_DRIFT", o.now())
	})
	if err != nil {
		return false, err
	}
	o.checkpointState(ctx, state, "awaiting_confirmation")
	return true, nil
}

// shadowDryRun replays the remaining steps against the registry without
// side effects: tools must still exist, resolvable parameters must validate
// against the current input schemas, and logged outputs must still satisfy
// the current return schemas.
func (o *Orchestrator) shadowDryRun(ctx context.Context, state *ExecutionState) error {
	for i, step := range state.Plan.Steps {
		st := state.StepStates[i]
		switch st.Status {
		case StepPending:
			if _, err := o.registry.Resolve(step.ToolName, step.ToolVersion); err != nil {
				return err
			}
			params, warnings := resolveParams(state, step.Parameters)
			if len(warnings) > 0 {
				// Unresolved forward references cannot be validated yet.
				continue
			}
			issues, err := o.registry.ValidateInput(step.ToolName, params)
			if err != nil {
				return err
			}
			if len(issues) > 0 {
				return execerrors.Newf(execerrors.CodeToolValidationFailed,
					"shadow dry run: %d issue(s) on %s", len(issues), step.ToolName)
			}
		case StepCompleted:
			if st.Output == nil {
				continue
			}
			issues, err := o.registry.ValidateOutput(step.ToolName, st.Output)
			if err != nil {
				return err
			}
			if len(issues) > 0 {
				return execerrors.Newf(execerrors.CodeToolValidationFailed,
					"shadow dry run: logged output of %s no longer matches its schema", step.ToolName)
			}
		}
	}
	return nil
}

// backoffDelay computes base·2^(attempt-1) with 10% jitter, capped at 30s.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxBackoff) {
		delay = float64(maxBackoff)
	}
	delay += delay * 0.1 * rand.Float64() //nolint:gosec // jitter doesn't need crypto rand
	if delay > float64(maxBackoff) {
		delay = float64(maxBackoff)
	}
	return time.Duration(delay)
}

// failureText flattens the error chain into the text triage rules and users
// see. The structured Message alone often names only the tool; the cause
// carries the upstream detail.
func failureText(err *execerrors.Error) string {
	if err == nil {
		return ""
	}
	if err.Cause != nil {
		return err.Message + ": " + err.Cause.Error()
	}
	return err.Message
}

// numericDetail extracts an integer detail from an error, such as the
// downstream HTTP status.
func numericDetail(err *execerrors.Error, key string) int {
	if err == nil || err.Details == nil {
		return 0
	}
	switch v := err.Details[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stringContext(state *ExecutionState, key string) string {
	s, _ := state.Context[key].(string)
	return s
}

func intContext(state *ExecutionState, key string) int {
	switch v := state.Context[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// renderTokens collects string values from the execution context and the
// step input for message-template substitution.
func renderTokens(state *ExecutionState, input map[string]any) map[string]string {
	tokens := make(map[string]string)
	for k, v := range state.Context {
		if s, ok := v.(string); ok {
			tokens[k] = s
		}
	}
	for k, v := range input {
		if s, ok := v.(string); ok {
			tokens[k] = s
		}
	}
	return tokens
}
