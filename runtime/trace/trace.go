// Package trace defines the append-only execution trace produced by the
// orchestrator, planner, and normalizer. Sinks receive entries in emission
// order; implementations must be safe for concurrent use.
package trace

import (
	"context"
	"sync"
	"time"
)

// Phase identifies which subsystem produced a trace entry.
type Phase string

const (
	// PhasePlanning covers plan generation and validation events.
	PhasePlanning Phase = "planning"
	// PhaseExecution covers orchestrator step dispatch events.
	PhaseExecution Phase = "execution"
	// PhaseNormalization covers intent normalization events.
	PhaseNormalization Phase = "normalization"
)

type (
	// Entry is a single trace record. Entries are immutable once emitted.
	Entry struct {
		// Timestamp records when the event occurred (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Phase identifies the producing subsystem.
		Phase Phase `json:"phase"`
		// ExecutionID links the entry to an execution when applicable.
		ExecutionID string `json:"execution_id,omitempty"`
		// StepID identifies the plan step involved, if any.
		StepID string `json:"step_id,omitempty"`
		// Event names what happened (e.g. "step_started", "step_completed").
		Event string `json:"event"`
		// Input carries the operation input when capture is enabled.
		Input any `json:"input,omitempty"`
		// Output carries the operation output when capture is enabled.
		Output any `json:"output,omitempty"`
		// Error holds the error message for failure events.
		Error string `json:"error,omitempty"`
		// LatencyMs is the operation latency in milliseconds, when measured.
		LatencyMs int64 `json:"latency_ms,omitempty"`
		// ModelID identifies the generator model for LLM-backed events.
		ModelID string `json:"model_id,omitempty"`
		// TokenUsage reports generator token consumption for LLM-backed events.
		TokenUsage *TokenUsage `json:"token_usage,omitempty"`
	}

	// TokenUsage mirrors generator token accounting.
	TokenUsage struct {
		Prompt     int `json:"prompt"`
		Completion int `json:"completion"`
		Total      int `json:"total"`
	}

	// Sink consumes trace entries. Send must not block the caller for long;
	// implementations that publish to external systems should buffer or drop.
	Sink interface {
		Send(ctx context.Context, entry Entry) error
	}
)

// NoopSink discards all entries.
type NoopSink struct{}

// Send discards the entry.
func (NoopSink) Send(context.Context, Entry) error { return nil }

// MemorySink accumulates entries in memory. Intended for tests and local
// debugging; entries are retained until Reset.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink constructs an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Send appends the entry.
func (s *MemorySink) Send(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a copy of the accumulated entries in emission order.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ByEvent returns the accumulated entries matching the given event name.
func (s *MemorySink) ByEvent(event string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards all accumulated entries.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
