// Package idempotency deduplicates side-effecting tool invocations. A dedup
// key derives deterministically from the acting user, the tool name, and the
// normalized parameters; the first writer wins and later writers observe a
// duplicate within the TTL window.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/memory"
)

// DefaultTTL is how long a processed marker is retained.
const DefaultTTL = 24 * time.Hour

const processedMarker = "processed"

type (
	// Guard records side effects and reports duplicates.
	Guard struct {
		store  memory.Store
		prefix string
		ttl    time.Duration
	}

	// Options configures the guard.
	Options struct {
		// Store is the backing key-value store. Required.
		Store memory.Store
		// Prefix namespaces guard keys. Defaults to "idem:".
		Prefix string
		// TTL is the retention window for processed markers. Defaults to 24h.
		TTL time.Duration
	}

	// Outcome reports the result of a Claim.
	Outcome struct {
		// Duplicate is true when the side effect was already recorded.
		Duplicate bool
		// CachedOutput holds the output recorded by the first writer, when any.
		CachedOutput json.RawMessage
	}
)

// New constructs a Guard.
func New(opts Options) (*Guard, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "idem:"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: opts.Store, prefix: prefix, ttl: ttl}, nil
}

// Key derives the dedup key: the first 16 hex characters of
// sha256(userID ‖ toolName ‖ normalized parameters).
func Key(userID, toolName string, params map[string]any) string {
	sum := sha256.Sum256([]byte(userID + "|" + toolName + "|" + NormalizeParams(params)))
	return hex.EncodeToString(sum[:])[:16]
}

// NormalizeParams renders parameters into a canonical string: keys sorted,
// values JSON-encoded, so semantically identical invocations share a key.
func NormalizeParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		encoded, err := json.Marshal(params[k])
		if err != nil {
			b.WriteString(fmt.Sprintf("%v", params[k]))
			continue
		}
		b.Write(encoded)
	}
	b.WriteByte('}')
	return b.String()
}

// Claim attempts to record the side effect identified by key. The first call
// within the TTL claims the key; subsequent calls observe a duplicate and,
// when the first writer recorded an output, receive it back.
func (g *Guard) Claim(ctx context.Context, key string) (Outcome, error) {
	ok, err := g.store.SetNX(ctx, g.prefix+key, processedMarker, g.ttl)
	if err != nil {
		return Outcome{}, execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "idempotency claim", err)
	}
	if ok {
		return Outcome{}, nil
	}
	out := Outcome{Duplicate: true}
	if cached, found, err := g.store.Get(ctx, g.prefix+key+":output"); err == nil && found {
		out.CachedOutput = json.RawMessage(cached)
	}
	return out, nil
}

// Release frees the key after a failed invocation so the retry is not
// misread as a duplicate.
func (g *Guard) Release(ctx context.Context, key string) error {
	if _, err := g.store.Del(ctx, g.prefix+key, g.prefix+key+":output"); err != nil {
		return execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "idempotency release", err)
	}
	return nil
}

// RecordOutput caches the output produced by the side effect so later
// duplicates can reuse it instead of skipping the step.
func (g *Guard) RecordOutput(ctx context.Context, key string, output any) error {
	encoded, err := json.Marshal(output)
	if err != nil {
		return err
	}
	if err := g.store.Set(ctx, g.prefix+key+":output", string(encoded), g.ttl); err != nil {
		return execerrors.Wrap(execerrors.CodeMemoryOperationFailed, "idempotency output", err)
	}
	return nil
}
