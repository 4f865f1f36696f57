package catalog

import (
	"math/rand"
	"sync"
	"time"
)

// NodeCache is a bounded, load-through, random-eviction cache from device
// path to Node. It deliberately does not implement LRU semantics: on
// overflow it evicts a uniformly random resident key, not the
// least-recently-used one, so callers must not assume recency-based
// retention. It carries its own mutex independent of the façade's
// reader/writer lock: the façade only guarantees readers can call Get
// concurrently, so the cache's own bookkeeping must synchronize itself, and
// concurrent misses for the same key are expected to each load
// independently (the loader must be idempotent).
type NodeCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*Node
	loader   func(key string) (*Node, error)
	rng      *rand.Rand
}

// NewNodeCache returns a cache with the given capacity that loads misses
// through loader. A CacheMiss surfaces as whatever error the loader itself
// returns (typically PathNotExist or StorageGroupNotSet from the tree
// lookup), per the catalog's error design.
func NewNodeCache(capacity int, loader func(key string) (*Node, error)) *NodeCache {
	return &NodeCache{
		capacity: capacity,
		entries:  make(map[string]*Node),
		loader:   loader,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Get returns the cached node for key, loading it through loader on a
// miss.
func (c *NodeCache) Get(key string) (*Node, error) {
	c.mu.Lock()
	if n, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	n, err := c.loader(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		return existing, nil
	}
	if len(c.entries) >= c.capacity {
		c.evictOneLocked()
	}
	c.entries[key] = n
	return n, nil
}

// evictOneLocked removes a uniformly random resident entry. Callers must
// hold c.mu.
func (c *NodeCache) evictOneLocked() {
	if len(c.entries) == 0 {
		return
	}
	victim := c.rng.Intn(len(c.entries))
	i := 0
	for k := range c.entries {
		if i == victim {
			delete(c.entries, k)
			return
		}
		i++
	}
}

// Clear empties the cache. Every writer that could invalidate a device
// path (delete_timeseries, delete_storage_group, or a create that
// reorganizes a branch) must call Clear.
func (c *NodeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Node)
}

// Len reports the number of resident entries.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
