package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contentgate/contentgate/internal/apperr"
	"github.com/contentgate/contentgate/internal/logging"
	"github.com/contentgate/contentgate/internal/metrics"
)

const defaultRetryEvery = time.Second

// Options controls one acquisition.
type Options struct {
	// OwnerCode identifies the caller; generated when empty.
	OwnerCode string
	// Duration is how long the lock is held before expiring on its own.
	Duration time.Duration
	// Timeout, when positive, makes Acquire poll until the lock frees or
	// the timeout elapses. Zero means a single non-blocking attempt.
	Timeout time.Duration
	// RetryEvery is the polling interval; defaults to one second.
	RetryEvery time.Duration
}

// Acquisition is the result of an Acquire call.
type Acquisition struct {
	Acquired  bool
	Renewed   bool
	TimedOut  bool
	OwnerCode string
	ExpiresAt time.Time
	// HeldBy names the current owner when acquisition failed.
	HeldBy string
}

// Manager coordinates lock acquisition. The mutex serializes local callers
// so two goroutines racing for the same resource never both reach the
// database; correctness does not depend on it.
type Manager struct {
	store Store
	mu    sync.Mutex
}

// NewManager creates a lock manager on top of a store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Acquire tries to take the named lock, optionally polling until timeout.
func (m *Manager) Acquire(ctx context.Context, resourceCode string, opts Options) (*Acquisition, error) {
	if opts.OwnerCode == "" {
		opts.OwnerCode = uuid.NewString()
	}
	if opts.RetryEvery <= 0 {
		opts.RetryEvery = defaultRetryEvery
	}

	started := time.Now()
	defer func() { metrics.RecordLockWait(time.Since(started)) }()

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = started.Add(opts.Timeout)
	}

	for {
		out, err := m.attempt(ctx, resourceCode, opts)
		if err != nil {
			return nil, err
		}
		if out.Acquired {
			result := "acquired"
			if out.Renewed {
				result = "renewed"
			}
			metrics.RecordLockAcquisition(result)
			return &Acquisition{
				Acquired:  true,
				Renewed:   out.Renewed,
				OwnerCode: opts.OwnerCode,
				ExpiresAt: out.ExpiresAt,
			}, nil
		}

		if deadline.IsZero() {
			metrics.RecordLockAcquisition("held")
			return &Acquisition{OwnerCode: opts.OwnerCode, HeldBy: out.HeldBy}, nil
		}
		if time.Now().After(deadline) {
			metrics.RecordLockAcquisition("timeout")
			return &Acquisition{OwnerCode: opts.OwnerCode, HeldBy: out.HeldBy, TimedOut: true}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryEvery):
		}
	}
}

func (m *Manager) attempt(ctx context.Context, resourceCode string, opts Options) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Attempt(ctx, resourceCode, opts.OwnerCode, time.Now().UTC().Add(opts.Duration))
}

// Release gives up the lock. Returns false, not an error, when the caller
// does not hold it.
func (m *Manager) Release(ctx context.Context, resourceCode, ownerCode string) (bool, error) {
	return m.store.Release(ctx, resourceCode, ownerCode)
}

// ExecuteLocking runs task under the named lock, failing with Conflict when
// the lock cannot be taken. Release failures after a completed task are
// logged, never raised; a leaked lock expires on its own.
func (m *Manager) ExecuteLocking(ctx context.Context, resourceCode string, opts Options, task func(ctx context.Context) error) error {
	acq, err := m.Acquire(ctx, resourceCode, opts)
	if err != nil {
		return err
	}
	if !acq.Acquired {
		return apperr.New(apperr.KindConflict, "resource %s is locked by another owner", resourceCode)
	}
	defer func() {
		released, err := m.Release(ctx, resourceCode, acq.OwnerCode)
		if err != nil || !released {
			logging.Warn("lock release failed",
				zap.String("resource", resourceCode),
				zap.Bool("released", released),
				zap.Error(err))
		}
	}()

	return task(ctx)
}
