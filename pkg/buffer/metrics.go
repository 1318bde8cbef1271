package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semflow/metric"
)

type bufferMetrics struct {
	writes      prometheus.Counter
	drops       prometheus.Counter
	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"buffer": prefix}
	m := &bufferMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "semflow",
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Total number of buffer writes",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "semflow",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Total number of items dropped due to overflow",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "semflow",
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of items in buffer",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "semflow",
			Subsystem:   "buffer",
			Name:        "utilization",
			ConstLabels: labels,
			Help:        "Buffer utilization (0.0 to 1.0)",
		}),
	}

	if err := registry.RegisterCounter(prefix, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
