package cdx

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds outbound requests two ways: a counting semaphore caps
// simultaneous in-flight requests, and a minimum inter-request interval
// derived from a requests-per-second ceiling paces successive requests.
// The interval is measured from the end of the previous request, not its
// start, so slow responses never allow a burst.
type Limiter struct {
	sem         *semaphore.Weighted
	minInterval time.Duration

	mu          sync.Mutex
	nextAllowed time.Time

	now func() time.Time
}

// NewLimiter creates a limiter allowing maxConcurrent in-flight requests and
// pacing starts to requestsPerSecond. A zero or negative requestsPerSecond
// disables pacing.
func NewLimiter(maxConcurrent int64, requestsPerSecond float64) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	var minInterval time.Duration
	if requestsPerSecond > 0 {
		minInterval = time.Duration(float64(time.Second) / requestsPerSecond)
	}

	return &Limiter{
		sem:         semaphore.NewWeighted(maxConcurrent),
		minInterval: minInterval,
		now:         time.Now,
	}
}

// Acquire blocks until a concurrency slot is free and the pacing interval
// since the end of the previous request has elapsed.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	if l.minInterval <= 0 {
		return nil
	}

	l.mu.Lock()
	wait := l.nextAllowed.Sub(l.now())
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.sem.Release(1)
		return ctx.Err()
	}
}

// Release marks the request finished, starting the pacing interval for the
// next one, and frees the concurrency slot.
func (l *Limiter) Release() {
	if l.minInterval > 0 {
		l.mu.Lock()
		l.nextAllowed = l.now().Add(l.minInterval)
		l.mu.Unlock()
	}
	l.sem.Release(1)
}
