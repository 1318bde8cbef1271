// Package cache provides a generic, thread-safe LRU cache with hit/miss
// statistics and optional Prometheus export.
package cache

import (
	"container/list"
	"sync"

	"github.com/c360/semflow/errors"
)

// EvictCallback is called, outside the cache lock, for every evicted entry
type EvictCallback[V any] func(key string, value V)

type entry[V any] struct {
	key   string
	value V
}

// LRU evicts the least recently used entry once it holds more than its
// maximum size.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	stats   Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

// NewLRU creates an LRU holding at most maxSize entries
func NewLRU[V any](maxSize int, opts ...Option[V]) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "max size must be positive")
	}
	o := applyOptions(opts...)

	var m *cacheMetrics
	if o.metricsReg != nil {
		var err error
		m, err = newCacheMetrics(o.metricsReg, o.name)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
	}

	return &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		metrics: m,
		evictFn: o.evictCallback,
	}, nil
}

// Get returns the value for key and marks it recently used
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.misses.Add(1)
		c.metrics.recordMiss()
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	c.stats.hits.Add(1)
	c.metrics.recordHit()
	return el.Value.(*entry[V]).value, true
}

// Set stores value under key. It reports whether a new entry was created.
func (c *LRU[V]) Set(key string, value V) (bool, error) {
	if key == "" {
		return false, errors.WrapInvalid(errors.ErrInvalidData, "cache", "Set", "key cannot be empty")
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[V]).value = value
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return false, nil
	}

	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value})
	var evicted []*entry[V]
	for len(c.items) > c.maxSize {
		el := c.order.Back()
		e := el.Value.(*entry[V])
		delete(c.items, e.key)
		c.order.Remove(el)
		evicted = append(evicted, e)
		c.stats.evictions.Add(1)
		c.metrics.recordEviction()
	}
	c.metrics.updateSize(len(c.items))
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, e := range evicted {
			c.evictFn(e.key, e.value)
		}
	}
	return true, nil
}

// GetOrCreate returns the cached value for key or builds, stores and
// returns a new one. Errors from create are not cached.
func (c *LRU[V]) GetOrCreate(key string, create func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		return v, err
	}
	if _, err := c.Set(key, v); err != nil {
		return v, err
	}
	return v, nil
}

// Delete removes key and reports whether it existed
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	delete(c.items, key)
	c.order.Remove(el)
	c.metrics.updateSize(len(c.items))
	return true
}

// Len returns the number of entries
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns the keys, most recently used first
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}

// Stats returns a snapshot of the hit, miss and eviction counters
func (c *LRU[V]) Stats() Snapshot {
	return Snapshot{
		Hits:      c.stats.hits.Load(),
		Misses:    c.stats.misses.Load(),
		Evictions: c.stats.evictions.Load(),
		Size:      c.Len(),
	}
}
