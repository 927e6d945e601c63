package profiles

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultCacheTTL = time.Minute

// Cache is a read-through Source with a short TTL. Concurrent misses for the
// same id set share one upstream lookup.
type Cache struct {
	src Source
	ttl time.Duration
	now func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	p       Profile
	found   bool
	expires time.Time
}

// CacheOption configures Cache.
type CacheOption func(*Cache)

// WithTTL sets the cache lifetime of an entry (default 1m).
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheClock overrides the time source (tests).
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache wraps src.
func NewCache(src Source, opts ...CacheOption) *Cache {
	c := &Cache{
		src:     src,
		ttl:     defaultCacheTTL,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Lookup implements Source.
func (c *Cache) Lookup(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	ids := dedupe(userIDs)
	out := make(map[string]Profile, len(ids))
	now := c.now()

	var missing []string
	c.mu.Lock()
	for _, id := range ids {
		e, ok := c.entries[id]
		if !ok || now.After(e.expires) {
			missing = append(missing, id)
			continue
		}
		if e.found {
			out[id] = e.p
		}
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}

	sort.Strings(missing)
	v, err, _ := c.group.Do(strings.Join(missing, "\x00"), func() (any, error) {
		return c.src.Lookup(ctx, missing)
	})
	if err != nil {
		return nil, err
	}
	fetched := v.(map[string]Profile)

	expires := c.now().Add(c.ttl)
	c.mu.Lock()
	for _, id := range missing {
		p, ok := fetched[id]
		c.entries[id] = cacheEntry{p: p, found: ok, expires: expires}
		if ok {
			out[id] = p
		}
	}
	c.mu.Unlock()
	return out, nil
}
