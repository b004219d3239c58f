package trace

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemorySinkPreservesOrder(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()

	require.NoError(t, sink.Send(ctx, Entry{Phase: PhasePlanning, Event: "plan_generated"}))
	require.NoError(t, sink.Send(ctx, Entry{Phase: PhaseExecution, Event: "step_started", StepID: "s1"}))
	require.NoError(t, sink.Send(ctx, Entry{Phase: PhaseExecution, Event: "step_completed", StepID: "s1"}))

	entries := sink.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "plan_generated", entries[0].Event)
	require.Equal(t, "step_completed", entries[2].Event)

	started := sink.ByEvent("step_started")
	require.Len(t, started, 1)
	require.Equal(t, "s1", started[0].StepID)

	sink.Reset()
	require.Empty(t, sink.Entries())
}

func TestMemorySinkConcurrentSend(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sink.Send(ctx, Entry{Phase: PhaseExecution, Event: "step_started"})
		}()
	}
	wg.Wait()
	require.Len(t, sink.Entries(), 50)
}
