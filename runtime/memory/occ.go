package memory

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"goa.design/conductor/runtime/execerrors"
)

// OCCOptions tunes the optimistic save loop.
type OCCOptions struct {
	// MaxRetries bounds how many times a conflicting write is rebased and
	// retried. Defaults to 3.
	MaxRetries int
	// BaseDelay is the initial backoff before the first rebase. Defaults to
	// 100ms. Backoff grows exponentially with jitter, capped at 1s.
	BaseDelay time.Duration
	// TTL refreshed on every successful write. Zero means no expiry.
	TTL time.Duration
}

const occMaxBackoff = time.Second

// SaveWithOCC persists a record under optimistic concurrency control. apply
// receives the current payload (nil when the record does not exist yet along
// with version 0) and returns the payload to write. On CONFLICT the current
// record is re-loaded, apply is re-invoked against the fresh payload, and the
// write is retried after an exponential backoff with jitter. Returns the
// version assigned to the successful write.
//
// A NOT_FOUND error from the store after the record was observed to exist
// aborts the save: the record expired or was deleted mid-flight and rebasing
// onto nothing would resurrect it.
func SaveWithOCC(ctx context.Context, store VersionedStore, key string, opts OCCOptions, apply func(current []byte) ([]byte, error)) (int64, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	var (
		version int64
		payload []byte
		existed bool
	)
	rec, err := store.LoadVersioned(ctx, key)
	switch {
	case err == nil:
		version, payload, existed = rec.Version, rec.Payload, true
	case execerrors.IsCode(err, execerrors.CodeNotFound):
	default:
		return 0, err
	}

	for attempt := 0; ; attempt++ {
		next, err := apply(payload)
		if err != nil {
			return 0, err
		}

		var newVersion int64
		if existed {
			newVersion, err = store.CompareAndSet(ctx, key, version, next, opts.TTL)
		} else {
			newVersion, err = store.PutVersioned(ctx, key, next, opts.TTL)
		}
		if err == nil {
			return newVersion, nil
		}
		if execerrors.IsCode(err, execerrors.CodeNotFound) {
			return 0, err
		}
		if !execerrors.IsCode(err, execerrors.CodeConflict) {
			return 0, err
		}
		if attempt >= maxRetries {
			return 0, err
		}

		// Rebase: reload the latest record before re-applying the update.
		rec, loadErr := store.LoadVersioned(ctx, key)
		if loadErr != nil {
			if existed && execerrors.IsCode(loadErr, execerrors.CodeNotFound) {
				return 0, loadErr
			}
			return 0, loadErr
		}
		version, payload, existed = rec.Version, rec.Payload, true

		delay := occBackoff(baseDelay, attempt)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// occBackoff computes min(1s, base·2^attempt) with up to 10% additive jitter.
func occBackoff(base time.Duration, attempt int) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(occMaxBackoff) {
		backoff = float64(occMaxBackoff)
	}
	backoff += backoff * 0.1 * rand.Float64() //nolint:gosec // jitter doesn't need crypto rand
	if backoff > float64(occMaxBackoff) {
		backoff = float64(occMaxBackoff)
	}
	return time.Duration(backoff)
}

// ConflictVersion extracts the current version carried by a CONFLICT error.
// Returns 0 when err is not a conflict.
func ConflictVersion(err error) int64 {
	var e *execerrors.Error
	if !errors.As(err, &e) || e.Code != execerrors.CodeConflict {
		return 0
	}
	if v, ok := e.Details["current_version"].(int64); ok {
		return v
	}
	return 0
}
