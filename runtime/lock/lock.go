// Package lock implements a quorum-based distributed lock in the style of
// Redlock. A lock is held when a majority of N independent stores accept a
// set-if-absent write of a fresh lock identifier, and the validity window net
// of clock drift has not elapsed. Single-store deployments simulate three
// independent stores by keying into virtual namespaces.
package lock

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/conductor/runtime/execerrors"
	"goa.design/conductor/runtime/telemetry"
)

// Store is the per-replica contract the lock manager needs: set-if-absent
// plus compare-guarded delete and expire.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DelIfEquals(ctx context.Context, key, expected string) (bool, error)
	ExpireIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
}

type (
	// Manager acquires and releases quorum locks across a fixed set of stores.
	Manager struct {
		stores      []Store
		quorum      int
		driftFactor float64
		retries     int
		retryBase   time.Duration
		logger      telemetry.Logger
		now         func() time.Time
	}

	// Options configures the manager.
	Options struct {
		// Stores are the independent lock replicas. At least one is required;
		// a single store is expanded into three virtual namespaces.
		Stores []Store
		// DriftFactor estimates clock drift as a fraction of the validity
		// window. Defaults to 0.01.
		DriftFactor float64
		// AcquireRetries is how many additional acquisition rounds are
		// attempted after the first. Defaults to 3.
		AcquireRetries int
		// RetryBase is the initial backoff between acquisition rounds.
		// Defaults to 50ms; grows exponentially with jitter.
		RetryBase time.Duration
		// Logger receives lock lifecycle logs. Defaults to noop.
		Logger telemetry.Logger
	}

	// Lock is a held quorum lock. Callers must Release when done and may
	// Extend while still within the validity window.
	Lock struct {
		mu         sync.Mutex
		manager    *Manager
		key        string
		id         string
		acquiredAt time.Time
		validity   time.Duration
	}
)

// New constructs a Manager. A single store is wrapped into three virtual
// namespaces so quorum semantics still apply.
func New(opts Options) (*Manager, error) {
	if len(opts.Stores) == 0 {
		return nil, errors.New("at least one lock store is required")
	}
	stores := opts.Stores
	if len(stores) == 1 {
		stores = virtualize(stores[0], 3)
	}
	drift := opts.DriftFactor
	if drift <= 0 {
		drift = 0.01
	}
	retries := opts.AcquireRetries
	if retries <= 0 {
		retries = 3
	}
	base := opts.RetryBase
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{
		stores:      stores,
		quorum:      len(stores)/2 + 1,
		driftFactor: drift,
		retries:     retries,
		retryBase:   base,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Acquire attempts to take the lock named key for the given validity window.
// It retries with exponential backoff and jitter, and returns
// LOCK_ACQUIRE_FAILED when no round reaches quorum within the window.
func (m *Manager) Acquire(ctx context.Context, key string, validity time.Duration) (*Lock, error) {
	if validity <= 0 {
		return nil, errors.New("lock validity must be positive")
	}
	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		lock, err := m.tryAcquire(ctx, key, validity)
		if err == nil {
			return lock, nil
		}
		lastErr = err
		if attempt == m.retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff(m.retryBase, attempt)):
		}
	}
	return nil, execerrors.Wrap(execerrors.CodeLockAcquireFailed, "quorum not reached for "+key, lastErr).AsRecoverable()
}

func (m *Manager) tryAcquire(ctx context.Context, key string, validity time.Duration) (*Lock, error) {
	id := uuid.NewString()
	start := m.now()

	acquired := m.eachStore(ctx, func(ctx context.Context, s Store) bool {
		ok, err := s.SetNX(ctx, key, id, validity)
		return err == nil && ok
	})

	elapsed := m.now().Sub(start)
	drift := m.drift(validity)
	remaining := validity - elapsed - drift

	if acquired < m.quorum || remaining <= 0 {
		// Undo partial holdings so a competing caller is not blocked for the
		// full TTL.
		m.eachStore(ctx, func(ctx context.Context, s Store) bool {
			ok, err := s.DelIfEquals(ctx, key, id)
			return err == nil && ok
		})
		return nil, execerrors.Newf(execerrors.CodeLockAcquireFailed,
			"acquired %d/%d stores with %s remaining", acquired, len(m.stores), remaining)
	}

	m.logger.Debug(ctx, "lock acquired", "key", key, "stores", acquired, "validity_ms", remaining.Milliseconds())
	return &Lock{
		manager:    m,
		key:        key,
		id:         id,
		acquiredAt: start,
		validity:   validity - drift,
	}, nil
}

// Release drops the lock on every store where this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	released := l.manager.eachStore(ctx, func(ctx context.Context, s Store) bool {
		ok, err := s.DelIfEquals(ctx, l.key, l.id)
		return err == nil && ok
	})
	l.manager.logger.Debug(ctx, "lock released", "key", l.key, "stores", released)
	return nil
}

// Extend refreshes the TTL on every store where this holder still owns the
// lock. Success requires quorum; on success the validity window restarts.
func (l *Lock) Extend(ctx context.Context, validity time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := l.manager.now()
	extended := l.manager.eachStore(ctx, func(ctx context.Context, s Store) bool {
		ok, err := s.ExpireIfEquals(ctx, l.key, l.id, validity)
		return err == nil && ok
	})
	if extended < l.manager.quorum {
		return execerrors.Newf(execerrors.CodeLockAcquireFailed,
			"extend reached %d/%d stores", extended, len(l.manager.stores))
	}
	l.acquiredAt = start
	l.validity = validity - l.manager.drift(validity)
	return nil
}

// Valid reports whether the caller may still assume ownership: the validity
// window net of drift has not elapsed.
func (l *Lock) Valid() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.now().Before(l.acquiredAt.Add(l.validity))
}

// ID returns the unique holder identifier for this acquisition.
func (l *Lock) ID() string { return l.id }

// eachStore runs fn against every store in parallel and returns how many
// invocations reported success.
func (m *Manager) eachStore(ctx context.Context, fn func(context.Context, Store) bool) int {
	results := make(chan bool, len(m.stores))
	var wg sync.WaitGroup
	for _, s := range m.stores {
		wg.Add(1)
		go func(s Store) {
			defer wg.Done()
			results <- fn(ctx, s)
		}(s)
	}
	wg.Wait()
	close(results)
	n := 0
	for ok := range results {
		if ok {
			n++
		}
	}
	return n
}

// drift computes the clock drift allowance: ceil(validity·driftFactor) + 2ms.
func (m *Manager) drift(validity time.Duration) time.Duration {
	ms := math.Ceil(float64(validity.Milliseconds()) * m.driftFactor)
	return time.Duration(ms)*time.Millisecond + 2*time.Millisecond
}

func retryBackoff(base time.Duration, attempt int) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	backoff += backoff * 0.2 * rand.Float64() //nolint:gosec // jitter doesn't need crypto rand
	return time.Duration(backoff)
}

// virtualize fans a single store into n namespaced replicas.
func virtualize(s Store, n int) []Store {
	stores := make([]Store, n)
	for i := 0; i < n; i++ {
		stores[i] = &nsStore{inner: s, prefix: "vlock:" + string(rune('a'+i)) + ":"}
	}
	return stores
}

type nsStore struct {
	inner  Store
	prefix string
}

func (s *nsStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.inner.SetNX(ctx, s.prefix+key, value, ttl)
}

func (s *nsStore) DelIfEquals(ctx context.Context, key, expected string) (bool, error) {
	return s.inner.DelIfEquals(ctx, s.prefix+key, expected)
}

func (s *nsStore) ExpireIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	return s.inner.ExpireIfEquals(ctx, s.prefix+key, expected, ttl)
}
