package cdx

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_Pacing(t *testing.T) {
	// 50 requests per second means at least 20ms between request starts,
	// measured from the end of the previous request.
	l := NewLimiter(1, 50)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
		l.Release()
	}
	elapsed := time.Since(start)

	// First request is unpaced; the next two each wait ~20ms.
	require.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestLimiter_NoPacingWhenDisabled(t *testing.T) {
	l := NewLimiter(1, 0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(ctx))
		l.Release()
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_ConcurrencyBound(t *testing.T) {
	l := NewLimiter(2, 0)
	ctx := context.Background()

	var inFlight, maxInFlight atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(ctx))
			defer l.Release()

			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxInFlight.Load(), int64(2))
}

func TestLimiter_AcquireHonorsContext(t *testing.T) {
	l := NewLimiter(1, 0)

	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
}

func TestLimiter_CancelDuringPacingReleasesSlot(t *testing.T) {
	l := NewLimiter(1, 1) // 1 rps: second acquire waits ~1s

	require.NoError(t, l.Acquire(context.Background()))
	l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Acquire(ctx))

	// The slot must be free again for an uncancelled caller.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, l.Acquire(ctx2))
	l.Release()
}
