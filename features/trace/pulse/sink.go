// Package pulse publishes execution trace entries to goa.design/pulse
// streams so dashboards and auditors can tail executions live. Entries for
// one execution share a stream; planning and normalization entries without
// an execution land on a shared stream.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/conductor/features/trace/pulse/clients/pulse"
	"goa.design/conductor/runtime/trace"
)

const sharedStream = "trace/system"

type (
	// Options configures the sink.
	Options struct {
		// Client publishes entries. Required.
		Client pulse.Client
		// StreamID derives the target stream from an entry. Defaults to
		// "trace/<executionID>" with a shared fallback stream.
		StreamID func(trace.Entry) string
	}

	// Sink implements trace.Sink over Pulse streams. Safe for concurrent
	// Send calls.
	Sink struct {
		client   pulse.Client
		streamID func(trace.Entry) string
	}
)

var _ trace.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed trace sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send implements trace.Sink.
func (s *Sink) Send(ctx context.Context, entry trace.Entry) error {
	handle, err := s.client.Stream(s.streamID(entry))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, entry.Event, payload); err != nil {
		return err
	}
	return nil
}

// Close releases sink resources.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(entry trace.Entry) string {
	if entry.ExecutionID == "" {
		return sharedStream
	}
	return fmt.Sprintf("trace/%s", entry.ExecutionID)
}
