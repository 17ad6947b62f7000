package polite

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/practicewatch/internal/metrics"
	"github.com/JakeFAU/practicewatch/internal/monitor"
	"github.com/JakeFAU/practicewatch/internal/policy/ratelimit"
)

// Config controls politeness and caching.
type Config struct {
	PerOriginConcurrency int
	MinDelay             time.Duration
	MaxDelay             time.Duration
	// MaxRPSPerOrigin adds a token bucket ceiling per origin. Zero disables it.
	MaxRPSPerOrigin float64
	// CacheTTL is how long successful pages are served from memory. Zero disables caching.
	CacheTTL time.Duration
	// CacheCapacity bounds cached pages; the least recently used is evicted first. Zero is unbounded.
	CacheCapacity uint64
	// Timeout bounds each network send.
	Timeout time.Duration
	// JanitorInterval is how often expired cache entries are swept. Defaults to CacheTTL.
	JanitorInterval time.Duration
}

// Layer wraps a transport with per-origin politeness and a response cache.
type Layer struct {
	cfg       Config
	transport monitor.Fetcher
	limiter   *ratelimit.Limiter
	cache     *pageCache
	group     singleflight.Group
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	gates   map[string]*originGate
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Layer over transport. Call Start before use and Stop when done.
func New(cfg Config, transport monitor.Fetcher, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PerOriginConcurrency <= 0 {
		cfg.PerOriginConcurrency = 1
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = cfg.CacheTTL
	}
	l := &Layer{
		cfg:       cfg,
		transport: transport,
		cache:     newPageCache(cfg.CacheTTL, cfg.CacheCapacity),
		logger:    logger,
		now:       time.Now,
		gates:     make(map[string]*originGate),
		stopCh:    make(chan struct{}),
	}
	if cfg.MaxRPSPerOrigin > 0 {
		l.limiter = ratelimit.New(ratelimit.Config{RPS: cfg.MaxRPSPerOrigin, Burst: 1})
	}
	return l
}

// Start launches the cache janitor. It is safe to call more than once.
func (l *Layer) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	if !l.cache.enabled() {
		return
	}
	l.wg.Add(1)
	go l.janitor()
}

// Stop halts the janitor; later fetches fail with monitor.ErrStopped.
func (l *Layer) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.stopCh)
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Layer) janitor() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if n := l.cache.sweep(l.now()); n > 0 {
				l.logger.Debug("cache entries expired", zap.Int("removed", n))
			}
		}
	}
}

func (l *Layer) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Fetch returns the page at rawURL, from cache when fresh.
func (l *Layer) Fetch(ctx context.Context, rawURL string) (monitor.Page, error) {
	if l.isStopped() {
		return monitor.Page{}, monitor.NewFetchError(rawURL, 0, monitor.ErrStopped)
	}
	origin, err := OriginKey(rawURL)
	if err != nil {
		return monitor.Page{}, monitor.NewFetchError(rawURL, 0, err)
	}
	if page, ok := l.cache.get(rawURL, l.now()); ok {
		metrics.ObserveCacheHit(origin)
		page.FromCache = true
		return page, nil
	}

	ch := l.group.DoChan(rawURL, func() (any, error) {
		return l.fetchThroughGate(ctx, origin, rawURL)
	})
	select {
	case <-ctx.Done():
		return monitor.Page{}, monitor.NewFetchError(rawURL, 0, fmt.Errorf("await fetch: %w", ctx.Err()))
	case res := <-ch:
		if res.Err != nil {
			return monitor.Page{}, res.Err
		}
		page, _ := res.Val.(monitor.Page)
		if res.Shared {
			page.Body = append([]byte(nil), page.Body...)
		}
		return page, nil
	}
}

func (l *Layer) fetchThroughGate(ctx context.Context, origin, rawURL string) (monitor.Page, error) {
	// A concurrent leader may have filled the cache while this call queued.
	if page, ok := l.cache.get(rawURL, l.now()); ok {
		metrics.ObserveCacheHit(origin)
		page.FromCache = true
		return page, nil
	}

	gate := l.gate(origin)
	waitStart := l.now()
	if err := gate.acquire(ctx); err != nil {
		return monitor.Page{}, monitor.NewFetchError(rawURL, 0, err)
	}
	released := false
	defer func() {
		if !released {
			gate.release(time.Time{})
		}
	}()

	if err := pause(ctx, gate.waitFor(l.drawDelay(), l.now())); err != nil {
		return monitor.Page{}, monitor.NewFetchError(rawURL, 0, err)
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx, origin); err != nil {
			return monitor.Page{}, monitor.NewFetchError(rawURL, 0, err)
		}
	}
	metrics.ObserveOriginWait(origin, l.now().Sub(waitStart))

	if l.isStopped() {
		return monitor.Page{}, monitor.NewFetchError(rawURL, 0, monitor.ErrStopped)
	}
	sendCtx := ctx
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}
	page, err := l.transport.Fetch(sendCtx, rawURL)
	gate.release(l.now())
	released = true

	if err != nil {
		metrics.ObserveFetch(origin, "error")
		l.logger.Debug("fetch failed", zap.String("origin", origin), zap.String("url", rawURL), zap.Error(err))
		return monitor.Page{}, asFetchError(rawURL, err)
	}
	metrics.ObserveFetch(origin, "ok")
	if page.URL == "" {
		page.URL = rawURL
	}
	l.cache.put(rawURL, page, l.now())
	return page, nil
}

func (l *Layer) gate(origin string) *originGate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[origin]
	if !ok {
		g = newOriginGate(l.cfg.PerOriginConcurrency)
		l.gates[origin] = g
	}
	return g
}

// drawDelay picks a delay uniformly from [MinDelay, MaxDelay].
func (l *Layer) drawDelay() time.Duration {
	span := l.cfg.MaxDelay - l.cfg.MinDelay
	if span <= 0 {
		return l.cfg.MinDelay
	}
	return l.cfg.MinDelay + time.Duration(rand.Int64N(int64(span)+1))
}

func asFetchError(rawURL string, err error) error {
	var fe *monitor.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return monitor.NewFetchError(rawURL, 0, err)
}
