package cache

import (
	"sync"
	"time"
)

// Item represents a cached item with expiration
type Item struct {
	Value      any
	Expiration int64
}

// expiredAt checks if the cache item has expired at the given instant
func (item Item) expiredAt(now int64) bool {
	if item.Expiration == 0 {
		return false
	}
	return now > item.Expiration
}

// Options configures a Cache
type Options struct {
	// DefaultExpiration applies to SetIfAbsent. Zero means never.
	DefaultExpiration time.Duration
	// CleanupInterval drives the background sweep. Zero disables it.
	CleanupInterval time.Duration
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// Cache is a thread-safe in-memory cache with expiration
type Cache struct {
	items             map[string]Item
	mu                sync.RWMutex
	defaultExpiration time.Duration
	cleanupInterval   time.Duration
	now               func() time.Time
	stop              chan struct{}
	stopOnce          sync.Once
}

// New creates a new cache and starts the cleanup sweep if one is configured
func New(opts Options) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Cache{
		items:             make(map[string]Item),
		defaultExpiration: opts.DefaultExpiration,
		cleanupInterval:   opts.CleanupInterval,
		now:               now,
		stop:              make(chan struct{}),
	}

	if c.cleanupInterval > 0 {
		go c.startCleanupTimer()
	}

	return c
}

// SetIfAbsent stores value under key unless a live entry already exists.
// It reports whether the value was stored.
func (c *Cache) SetIfAbsent(key string, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if item, found := c.items[key]; found && !item.expiredAt(now.UnixNano()) {
		return false
	}

	var exp int64
	if c.defaultExpiration > 0 {
		exp = now.Add(c.defaultExpiration).UnixNano()
	}
	c.items[key] = Item{
		Value:      value,
		Expiration: exp,
	}
	return true
}

// Count returns the number of items in the cache (including expired items)
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// DeleteExpired removes every expired item right away
func (c *Cache) DeleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UnixNano()
	for k, v := range c.items {
		if v.expiredAt(now) {
			delete(c.items, k)
		}
	}
}

// Stop halts the cleanup sweep. It is safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// startCleanupTimer starts the cleanup ticker
func (c *Cache) startCleanupTimer() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.DeleteExpired()
		case <-c.stop:
			return
		}
	}
}
