package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time view of a Limiter.
type Stats struct {
	Acquired int64
	Released int64
	Peak     int64
	Waited   time.Duration
}

// AverageWait is the mean time a caller waited for a slot.
func (s Stats) AverageWait() time.Duration {
	if s.Acquired == 0 {
		return 0
	}
	return s.Waited / time.Duration(s.Acquired)
}

// Limiter is a semaphore bounding how many tasks run at once.
type Limiter struct {
	sem      chan struct{}
	active   atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
	peak     atomic.Int64
	waitNs   atomic.Int64
}

// NewLimiter creates a limiter admitting maxConcurrent holders; values
// below one admit a single holder.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{sem: make(chan struct{}, maxConcurrent)}
}

// Capacity returns the maximum number of concurrent holders.
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot. Releasing without holding a slot is a no-op.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// GoSync runs fn while holding a slot.
func (l *Limiter) GoSync(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// CurrentActive returns how many slots are held.
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// Stats returns the limiter's counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Acquired: l.acquired.Load(),
		Released: l.released.Load(),
		Peak:     l.peak.Load(),
		Waited:   time.Duration(l.waitNs.Load()),
	}
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
