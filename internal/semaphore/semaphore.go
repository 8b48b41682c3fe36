// Package semaphore implements the pipeline semaphore: a cluster-wide
// counter of in-flight analyses with atomic TryAcquire/Release/Observe.
// Acquisition is a single compare-and-swap, never a read-compare-increment
// sequence, so racing workers cannot overshoot the cap.
package semaphore

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/vasillieux/escaped/internal/logfields"
)

// Semaphore is the admission contract: TryAcquire, Release, Observe, and an
// operator escape hatch, Reset, for recovering from counter drift after a
// crashed worker failed to release.
type Semaphore interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	Observe(ctx context.Context) (int64, error)
	Reset(ctx context.Context) error
}

// InMemory is a single-process Semaphore backed by atomic CAS, suitable for
// single-node runs.
type InMemory struct {
	active int64
	max    int64
	logger *slog.Logger
}

// NewInMemory constructs an InMemory semaphore with the given cap.
func NewInMemory(max int64, logger *slog.Logger) *InMemory {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemory{max: max, logger: logger}
}

// TryAcquire atomically increments active and returns true iff the
// post-increment value is <= max; otherwise it atomically decrements back
// and returns false. Equivalent to a CAS loop on active < max.
func (s *InMemory) TryAcquire(ctx context.Context) (bool, error) {
	for {
		cur := atomic.LoadInt64(&s.active)
		if cur >= s.max {
			return false, nil
		}
		if atomic.CompareAndSwapInt64(&s.active, cur, cur+1) {
			return true, nil
		}
	}
}

// Release atomically decrements active. It never lets the counter go
// negative: it clamps at zero and logs instead.
func (s *InMemory) Release(ctx context.Context) error {
	for {
		cur := atomic.LoadInt64(&s.active)
		if cur <= 0 {
			s.logger.Warn("semaphore release with non-positive active count", logfields.Active(cur))
			return nil
		}
		if atomic.CompareAndSwapInt64(&s.active, cur, cur-1) {
			return nil
		}
	}
}

// Observe returns the current active count.
func (s *InMemory) Observe(ctx context.Context) (int64, error) {
	return atomic.LoadInt64(&s.active), nil
}

// Reset forces active back to 0. Operator-invoked recovery from counter
// drift after a crashed analyzer failed to release.
func (s *InMemory) Reset(ctx context.Context) error {
	old := atomic.SwapInt64(&s.active, 0)
	if old != 0 {
		s.logger.Warn("semaphore manually reset", logfields.Active(old))
	}
	return nil
}

// Max returns the configured concurrency cap.
func (s *InMemory) Max() int64 { return s.max }
