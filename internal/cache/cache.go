package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
)

// Cache is a process-local TTL store of JSON-encoded values. It backs the
// in-session mirror of alert dedup flags and the reverse-geocode cache.
type Cache struct {
	mu    sync.RWMutex
	items map[string]item
	now   func() time.Time
}

type item struct {
	value     []byte
	namespace string
	storedAt  time.Time
	// zero means the item never expires
	deadline time.Time
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{items: map[string]item{}, now: time.Now}
}

// WithClock replaces the time source, for tests
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// Set stores value under key for ttl. A zero ttl never expires.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration, namespace string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache %s: encode %q: %w", namespace, key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	it := item{value: raw, namespace: namespace, storedAt: c.now()}
	if ttl > 0 {
		it.deadline = it.storedAt.Add(ttl)
	}
	c.items[key] = it
	return nil
}

// Get decodes the live value for key into result
func (c *Cache) Get(key string, result interface{}) (bool, error) {
	it, ok := c.lookup(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(it.value, result); err != nil {
		return false, fmt.Errorf("cache %s: decode %q: %w", it.namespace, key, err)
	}
	return true, nil
}

// Has reports whether key holds a live value
func (c *Cache) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = map[string]item{}
	c.mu.Unlock()
}

// Stats counts live and expired items, overall and per namespace
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	stats := Stats{TotalEntries: len(c.items), ByNamespace: map[string]int{}}
	for _, it := range c.items {
		if it.expiredAt(now) {
			stats.StaleEntries++
		} else {
			stats.FreshEntries++
		}
		stats.ByNamespace[it.namespace]++
	}
	return stats
}

// CleanupStale drops expired items and returns how many were removed
func (c *Cache) CleanupStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, it := range c.items {
		if it.expiredAt(now) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// StartPeriodicCleanup removes stale entries every interval until ctx is done
func (c *Cache) StartPeriodicCleanup(ctx context.Context, interval time.Duration) {
	ctx = logging.EnsureLogger(ctx)
	go func() {
		defer func() {
			// Recover from any panics in the cache cleanup goroutine
			if r := recover(); r != nil {
				err, _ := errors.ParseStack(debug.Stack())
				skipFrames := 3
				numFrames := 5
				logging.Errorw(ctx, "Cache cleanup: recovered from panic",
					"error", r, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.CleanupStale(); removed > 0 {
					logging.Debugw(ctx, "Cache cleanup: removed stale entries", "removed", removed)
				}
			}
		}
	}()
}

func (c *Cache) lookup(key string) (item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok || it.expiredAt(c.now()) {
		return item{}, false
	}
	return it, true
}

func (it item) expiredAt(now time.Time) bool {
	return !it.deadline.IsZero() && now.After(it.deadline)
}

// Stats summarizes cache occupancy
type Stats struct {
	TotalEntries int
	FreshEntries int
	StaleEntries int
	ByNamespace  map[string]int
}
