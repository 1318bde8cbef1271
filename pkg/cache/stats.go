package cache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semflow/metric"
)

// Statistics are always collected
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Snapshot is a point-in-time copy of the statistics
type Snapshot struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// HitRatio returns hits / (hits + misses), or 0 before the first lookup
func (s Snapshot) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Option configures a cache
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metricsReg    *metric.MetricsRegistry
	name          string
	evictCallback EvictCallback[V]
}

// WithMetrics exports the cache statistics under the given name. A nil
// registry or empty name leaves metrics disabled.
func WithMetrics[V any](registry *metric.MetricsRegistry, name string) Option[V] {
	return func(o *cacheOptions[V]) {
		if registry != nil && name != "" {
			o.metricsReg = registry
			o.name = name
		}
	}
}

// WithEvictionCallback sets the eviction callback
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(o *cacheOptions[V]) {
		o.evictCallback = fn
	}
}

func applyOptions[V any](opts ...Option[V]) *cacheOptions[V] {
	o := &cacheOptions[V]{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, name string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"cache": name}
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "semflow",
			Subsystem:   "cache",
			Name:        "hits_total",
			ConstLabels: labels,
			Help:        "Total number of cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "semflow",
			Subsystem:   "cache",
			Name:        "misses_total",
			ConstLabels: labels,
			Help:        "Total number of cache misses",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "semflow",
			Subsystem:   "cache",
			Name:        "evictions_total",
			ConstLabels: labels,
			Help:        "Total number of cache evictions",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "semflow",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of entries in cache",
		}),
	}

	owner := "cache_" + name
	if err := registry.RegisterCounter(owner, "hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(owner, "misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(owner, "evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(owner, "size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *cacheMetrics) updateSize(n int) {
	if m != nil {
		m.size.Set(float64(n))
	}
}
