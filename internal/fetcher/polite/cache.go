package polite

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/JakeFAU/practicewatch/internal/monitor"
)

type cachedPage struct {
	page    monitor.Page
	expires time.Time
}

// pageCache is a TTL cache keyed by exact URL. Expiry is judged against the
// caller's clock as well as ttlcache's own, so a stale entry is never served.
type pageCache struct {
	ttl   time.Duration
	items *ttlcache.Cache[string, cachedPage]
}

func newPageCache(ttl time.Duration, capacity uint64) *pageCache {
	opts := []ttlcache.Option[string, cachedPage]{
		ttlcache.WithTTL[string, cachedPage](ttl),
		ttlcache.WithDisableTouchOnHit[string, cachedPage](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, cachedPage](capacity))
	}
	return &pageCache{ttl: ttl, items: ttlcache.New(opts...)}
}

func (c *pageCache) enabled() bool {
	return c.ttl > 0
}

func (c *pageCache) get(key string, now time.Time) (monitor.Page, bool) {
	if !c.enabled() {
		return monitor.Page{}, false
	}
	item := c.items.Get(key)
	if item == nil {
		return monitor.Page{}, false
	}
	entry := item.Value()
	if !now.Before(entry.expires) {
		c.items.Delete(key)
		return monitor.Page{}, false
	}
	return entry.page, true
}

func (c *pageCache) put(key string, page monitor.Page, now time.Time) {
	if !c.enabled() {
		return
	}
	c.items.Set(key, cachedPage{page: page, expires: now.Add(c.ttl)}, ttlcache.DefaultTTL)
}

// sweep drops expired entries and returns how many were removed.
func (c *pageCache) sweep(now time.Time) int {
	before := c.items.Len()
	c.items.DeleteExpired()
	for key, item := range c.items.Items() {
		if !now.Before(item.Value().expires) {
			c.items.Delete(key)
		}
	}
	return before - c.items.Len()
}

func (c *pageCache) len() int {
	return c.items.Len()
}
