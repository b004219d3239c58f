package exec

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/memory"
)

type (
	// StateStore persists execution states under optimistic concurrency
	// control and maintains a per-intent index for history lookups.
	StateStore struct {
		records memory.VersionedStore
		index   indexStore
		prefix  string
		idxKey  string
		ttl     time.Duration
		occ     memory.OCCOptions
		now     func() time.Time
	}

	indexStore interface {
		memory.Store
		memory.SortedStore
	}

	// StateStoreOptions configures a StateStore.
	StateStoreOptions struct {
		// Records is the versioned store backing execution states. Required.
		Records memory.VersionedStore
		// Index backs the intent → executions index. Optional; without it
		// ExecutionIDs returns empty results.
		Index interface {
			memory.Store
			memory.SortedStore
		}
		// Prefix namespaces state keys. Defaults to "exec:state:".
		Prefix string
		// IndexPrefix namespaces intent index keys. Defaults to
		// "exec:intent:".
		IndexPrefix string
		// TTL bounds how long terminal states are retained. Defaults to 7
		// days.
		TTL time.Duration
		// OCC tunes the optimistic save loop.
		OCC memory.OCCOptions
	}
)

// NewStateStore constructs a StateStore.
func NewStateStore(opts StateStoreOptions) (*StateStore, error) {
	if opts.Records == nil {
		return nil, execerrors.New(execerrors.CodeMemoryOperationFailed, "versioned store is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "exec:state:"
	}
	idxKey := opts.IndexPrefix
	if idxKey == "" {
		idxKey = "exec:intent:"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	occ := opts.OCC
	occ.TTL = ttl
	return &StateStore{
		records: opts.Records,
		index:   opts.Index,
		prefix:  prefix,
		idxKey:  idxKey,
		ttl:     ttl,
		occ:     occ,
		now:     time.Now,
	}, nil
}

// Create persists a fresh state at version 1 and indexes it by intent.
func (s *StateStore) Create(ctx context.Context, state *ExecutionState) error {
	state.Version = 1
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if _, err := s.records.PutVersioned(ctx, s.prefix+state.ExecutionID, payload, s.ttl); err != nil {
		return err
	}
	if s.index != nil && state.Plan.IntentID != "" {
		key := s.idxKey + state.Plan.IntentID
		if err := s.index.ZAdd(ctx, key, float64(state.CreatedAt.UnixMilli()), state.ExecutionID); err != nil {
			return execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "index execution", err)
		}
	}
	return nil
}

// Load returns the current state for the execution.
func (s *StateStore) Load(ctx context.Context, executionID string) (*ExecutionState, error) {
	rec, err := s.records.LoadVersioned(ctx, s.prefix+executionID)
	if err != nil {
		return nil, err
	}
	var state ExecutionState
	if err := json.Unmarshal(rec.Payload, &state); err != nil {
		return nil, execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "decode execution state", err)
	}
	state.Version = rec.Version
	return &state, nil
}

// Mutate applies fn to the latest state and persists the result with OCC.
// On version conflict the state is re-loaded and fn re-applied against the
// fresh copy, so fn must be idempotent. The returned state carries the
// version assigned by the winning write.
func (s *StateStore) Mutate(ctx context.Context, executionID string, fn func(*ExecutionState) error) (*ExecutionState, error) {
	var result *ExecutionState
	version, err := memory.SaveWithOCC(ctx, s.records, s.prefix+executionID, s.occ, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, execerrors.Newf(execerrors.CodeNotFound, "execution %s not found", executionID)
		}
		var state ExecutionState
		if err := json.Unmarshal(current, &state); err != nil {
			return nil, execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "decode execution state", err)
		}
		if err := fn(&state); err != nil {
			return nil, err
		}
		state.Version++
		state.UpdatedAt = s.now().UTC()
		result = &state
		return json.Marshal(&state)
	})
	if err != nil {
		return nil, err
	}
	result.Version = version
	return result, nil
}

// ExecutionIDs returns the execution IDs recorded for the intent, oldest
// first.
func (s *StateStore) ExecutionIDs(ctx context.Context, intentID string) ([]string, error) {
	if s.index == nil {
		return nil, nil
	}
	return s.index.ZRangeByScore(ctx, s.idxKey+intentID, 0, float64(s.now().UnixMilli()), 0)
}
