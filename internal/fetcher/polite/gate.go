package polite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// originGate bounds in-flight requests for one origin and spaces sends by a
// delay measured from the end of the previous request.
type originGate struct {
	sem     *semaphore.Weighted
	mu      sync.Mutex
	lastEnd time.Time
}

func newOriginGate(concurrency int) *originGate {
	return &originGate{sem: semaphore.NewWeighted(int64(concurrency))}
}

func (g *originGate) acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("origin gate acquire: %w", err)
	}
	return nil
}

// waitFor returns how long a send must still wait for delay to elapse since
// the previous request on this origin ended.
func (g *originGate) waitFor(delay time.Duration, now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastEnd.IsZero() {
		return 0
	}
	return max(0, delay-now.Sub(g.lastEnd))
}

func (g *originGate) release(end time.Time) {
	g.mu.Lock()
	if end.After(g.lastEnd) {
		g.lastEnd = end
	}
	g.mu.Unlock()
	g.sem.Release(1)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("origin delay: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
