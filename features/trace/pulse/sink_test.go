package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/conductor/features/trace/pulse/clients/pulse"
	"goa.design/conductor/runtime/trace"
)

type stubStream struct {
	events   []string
	payloads [][]byte
	err      error
}

func (s *stubStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, event)
	s.payloads = append(s.payloads, payload)
	return "1-0", nil
}

func (s *stubStream) Destroy(context.Context) error { return nil }

type stubClient struct {
	streams map[string]*stubStream
	names   []string
	err     error
	closed  bool
}

func (c *stubClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.names = append(c.names, name)
	if c.streams == nil {
		c.streams = make(map[string]*stubStream)
	}
	str, ok := c.streams[name]
	if !ok {
		str = &stubStream{}
		c.streams[name] = str
	}
	return str, nil
}

func (c *stubClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
}

func TestSendRoutesToExecutionStream(t *testing.T) {
	cli := &stubClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	entry := trace.Entry{
		Event:       "step_completed",
		ExecutionID: "exec-1",
		StepID:      "s1",
		Timestamp:   time.Now().UTC(),
	}
	require.NoError(t, sink.Send(context.Background(), entry))

	require.Equal(t, []string{"trace/exec-1"}, cli.names)
	str := cli.streams["trace/exec-1"]
	require.Equal(t, []string{"step_completed"}, str.events)

	var decoded trace.Entry
	require.NoError(t, json.Unmarshal(str.payloads[0], &decoded))
	require.Equal(t, "exec-1", decoded.ExecutionID)
	require.Equal(t, "s1", decoded.StepID)
}

func TestSendWithoutExecutionUsesSharedStream(t *testing.T) {
	cli := &stubClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), trace.Entry{Event: "intent_normalized"}))
	require.Equal(t, []string{"trace/system"}, cli.names)
}

func TestSendCustomStreamID(t *testing.T) {
	cli := &stubClient{}
	sink, err := NewSink(Options{
		Client:   cli,
		StreamID: func(trace.Entry) string { return "audit" },
	})
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), trace.Entry{Event: "execution_created", ExecutionID: "exec-1"}))
	require.Equal(t, []string{"audit"}, cli.names)
}

func TestSendPropagatesErrors(t *testing.T) {
	sink, err := NewSink(Options{Client: &stubClient{err: errors.New("redis down")}})
	require.NoError(t, err)
	require.Error(t, sink.Send(context.Background(), trace.Entry{Event: "step_started"}))

	cli := &stubClient{streams: map[string]*stubStream{
		"trace/exec-1": {err: errors.New("stream full")},
	}}
	sink, err = NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.Error(t, sink.Send(context.Background(), trace.Entry{Event: "step_started", ExecutionID: "exec-1"}))
}

func TestCloseDelegates(t *testing.T) {
	cli := &stubClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	require.NoError(t, sink.Close(context.Background()))
	require.True(t, cli.closed)
}
