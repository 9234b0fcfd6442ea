package eventcore

import (
	"sync"
	"time"

	"github.com/chainledger/eventcore/pkg/aggregate"
)

// DefaultCacheTTL, DefaultCacheCapacity match ReadService cache:
// 60s TTL, 1000 entries, evict lowest hit count on overflow.
const (
	DefaultCacheTTL      = 60 * time.Second
	DefaultCacheCapacity = 1000
)

type cacheEntry struct {
	model     aggregate.Aggregate
	expiresAt time.Time
	hits      int64
}

// aggregateCache is the ReadService's in-process cache: TTL expiry plus
// lowest-hit-count eviction once capacity is exceeded.
type aggregateCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	clock    func() time.Time
	entries  map[string]*cacheEntry
	onEvict  func(reason string)
}

func newAggregateCache(ttl time.Duration, capacity int, clock func() time.Time) *aggregateCache {
	return &aggregateCache{
		ttl:      ttl,
		capacity: capacity,
		clock:    clock,
		entries:  make(map[string]*cacheEntry),
	}
}

// Get returns a live, unexpired cached model, bumping its hit count.
func (c *aggregateCache) Get(aggregateID string) (aggregate.Aggregate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[aggregateID]
	if !ok {
		return nil, false
	}
	if c.clock().After(e.expiresAt) {
		delete(c.entries, aggregateID)
		if c.onEvict != nil {
			c.onEvict("ttl")
		}
		return nil, false
	}
	e.hits++
	return e.model, true
}

// Put inserts or refreshes a cached model, evicting the lowest-hit-count
// entry first if the cache is at capacity.
func (c *aggregateCache) Put(aggregateID string, model aggregate.Aggregate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[aggregateID]; !exists && len(c.entries) >= c.capacity {
		c.evictLowestHitLocked()
	}
	c.entries[aggregateID] = &cacheEntry{
		model:     model,
		expiresAt: c.clock().Add(c.ttl),
	}
}

// Delete removes an aggregate from the cache (used by rollback's "clear
// cache" step).
func (c *aggregateCache) Delete(aggregateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, aggregateID)
}

// Clear empties the entire cache.
func (c *aggregateCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

func (c *aggregateCache) evictLowestHitLocked() {
	var victim string
	var lowest int64 = -1
	for id, e := range c.entries {
		if lowest == -1 || e.hits < lowest {
			lowest = e.hits
			victim = id
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		if c.onEvict != nil {
			c.onEvict("lowest_hit_count")
		}
	}
}
