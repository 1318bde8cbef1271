package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semflow/metric"
)

// Metrics holds Prometheus metrics shared by every pool created with
// WithMetrics; series are split by a "pool" label so short-lived pools do
// not need their own registrations.
type Metrics struct {
	queueDepth     *prometheus.GaugeVec
	submitted      *prometheus.CounterVec
	processed      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	processingTime *prometheus.HistogramVec
}

// NewMetrics registers the pool metrics under subsystem. A nil registry
// returns nil, which disables metrics.
func NewMetrics(registry *metric.MetricsRegistry, subsystem string) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "semflow",
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Current worker pool queue depth",
		}, []string{"pool"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: subsystem,
			Name:      "submitted_total",
			Help:      "Total work items submitted",
		}, []string{"pool"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: subsystem,
			Name:      "processed_total",
			Help:      "Total work items processed",
		}, []string{"pool", "status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: subsystem,
			Name:      "dropped_total",
			Help:      "Total work items rejected by a full queue",
		}, []string{"pool"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "semflow",
			Subsystem: subsystem,
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing work items",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"pool"}),
	}

	owner := "worker_" + subsystem
	if err := registry.RegisterGaugeVec(owner, "queue_depth", m.queueDepth); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(owner, "submitted_total", m.submitted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(owner, "processed_total", m.processed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(owner, "dropped_total", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(owner, "processing_duration_seconds", m.processingTime); err != nil {
		return nil, err
	}

	return m, nil
}

// Forget removes the series of a pool that no longer exists.
func (m *Metrics) Forget(pool string) {
	if m == nil {
		return
	}
	m.queueDepth.DeleteLabelValues(pool)
	m.submitted.DeleteLabelValues(pool)
	m.dropped.DeleteLabelValues(pool)
	m.processingTime.DeleteLabelValues(pool)
	m.processed.DeletePartialMatch(prometheus.Labels{"pool": pool})
}
