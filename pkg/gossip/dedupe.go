package gossip

import (
	"container/heap"
	"sync"
	"time"
)

// dedupeEntry is a single tracked message id, adapted from the teacher's
// objects-cache CacheItem: a key plus an expiry used both for lookup misses
// and for the eviction heap's ordering.
type dedupeEntry struct {
	id      string
	expires time.Time
	index   int
}

// dedupeHeap implements container/heap.Interface ordered by soonest
// expiry, exactly like the teacher's cacheItemHeap.
type dedupeHeap []*dedupeEntry

func (h dedupeHeap) Len() int            { return len(h) }
func (h dedupeHeap) Less(i, j int) bool  { return h[i].expires.Before(h[j].expires) }
func (h dedupeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *dedupeHeap) Push(v any) {
	e := v.(*dedupeEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *dedupeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// dedupeCache is a bounded cache of recently-seen gossip message ids with
// per-entry TTL expiry, gating re-propagation of a message a peer has
// already delivered. Lookups are O(1); inserts and evictions are O(log n)
// in the expiry heap.
type dedupeCache struct {
	mu         sync.Mutex
	maxEntries int
	defaultTTL time.Duration
	entries    map[string]*dedupeEntry
	evictHeap  dedupeHeap
}

func newDedupeCache(maxEntries int, defaultTTL time.Duration) *dedupeCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	h := make(dedupeHeap, 0)
	heap.Init(&h)
	return &dedupeCache{
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		entries:    map[string]*dedupeEntry{},
		evictHeap:  h,
	}
}

// SeenBefore reports whether id is already recorded and not expired,
// without side effects.
func (c *dedupeCache) SeenBefore(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	return time.Now().Before(e.expires)
}

// Record inserts id into the cache with the given TTL (or the cache's
// default when ttl <= 0), evicting the soonest-to-expire entry if the
// cache is at capacity.
func (c *dedupeCache) Record(id string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		return
	}
	if len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	e := &dedupeEntry{id: id, expires: time.Now().Add(ttl)}
	c.entries[id] = e
	heap.Push(&c.evictHeap, e)
}

func (c *dedupeCache) evictOldest() {
	if c.evictHeap.Len() == 0 {
		return
	}
	e := heap.Pop(&c.evictHeap).(*dedupeEntry)
	delete(c.entries, e.id)
}

// Len reports the current number of tracked entries, for metrics.
func (c *dedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
