// Package ratelimit implements a token bucket limiter keyed by origin.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/practicewatch/internal/metrics"
)

// Limiter manages per-origin request rate ceilings.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the steady-state requests per second allowed per origin. Zero or
	// less means unlimited.
	RPS   float64
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for origin or ctx ends.
func (l *Limiter) Wait(ctx context.Context, origin string) error {
	l.mu.Lock()
	limiter, exists := l.limiters[origin]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[origin] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(origin, waited)
	}
	return nil
}

// Origins reports how many origins currently hold a bucket.
func (l *Limiter) Origins() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
