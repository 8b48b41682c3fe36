package semaphore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryTryAcquireRespectsCap(t *testing.T) {
	s := NewInMemory(2, nil)
	ctx := context.Background()

	ok1, err := s.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := s.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok2)

	ok3, err := s.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok3)

	active, err := s.Observe(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), active)
}

func TestInMemoryReleaseNeverGoesNegative(t *testing.T) {
	s := NewInMemory(1, nil)
	ctx := context.Background()

	require.NoError(t, s.Release(ctx))
	active, err := s.Observe(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), active)
}

func TestInMemoryReset(t *testing.T) {
	s := NewInMemory(1, nil)
	ctx := context.Background()
	_, _ = s.TryAcquire(ctx)
	require.NoError(t, s.Reset(ctx))
	active, err := s.Observe(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), active)
}

// TestInMemoryAdmissionCapUnderConcurrency fuzzes concurrent
// TryAcquire/Release pairs and asserts the observed active count never
// exceeds the cap.
func TestInMemoryAdmissionCapUnderConcurrency(t *testing.T) {
	const cap = 5
	const workers = 50
	s := NewInMemory(cap, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxObserved := int64(0)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryAcquire(ctx)
			require.NoError(t, err)
			if ok {
				active, _ := s.Observe(ctx)
				mu.Lock()
				if active > maxObserved {
					maxObserved = active
				}
				mu.Unlock()
				require.NoError(t, s.Release(ctx))
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxObserved, int64(cap))
	final, err := s.Observe(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), final)
}
