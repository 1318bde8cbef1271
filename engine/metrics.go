package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/metric"
)

// engineMetrics holds Prometheus metrics for engine operations.
type engineMetrics struct {
	// Lifecycle operations
	deploys *prometheus.CounterVec // By status (success/failure)
	starts  *prometheus.CounterVec // By status
	stops   *prometheus.CounterVec // By status

	// Operation latency
	deployDuration prometheus.Histogram
	startDuration  prometheus.Histogram
	stopDuration   prometheus.Histogram

	// Deployment outcomes
	rejections  *prometheus.CounterVec // By error kind
	flowChanges *prometheus.CounterVec // By change: added, replaced, removed, unchanged

	// State metrics
	activeFlows prometheus.Gauge // Current number of running flows
}

// newEngineMetrics creates and registers engine metrics with the provided registry.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &engineMetrics{
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "deploys_total",
			Help:      "Total number of deploy operations",
		}, []string{"status"}),

		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "starts_total",
			Help:      "Total number of engine start operations",
		}, []string{"status"}),

		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "stops_total",
			Help:      "Total number of engine stop operations",
		}, []string{"status"}),

		deployDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "deploy_duration_seconds",
			Help:      "Deploy operation duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		}),

		startDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "start_duration_seconds",
			Help:      "Engine start operation duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		}),

		stopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "stop_duration_seconds",
			Help:      "Engine stop operation duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		}),

		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "deploy_rejections_total",
			Help:      "Total number of rejected deployments",
		}, []string{"kind"}),

		flowChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "flow_changes_total",
			Help:      "Flows added, replaced, removed or left unchanged by deployments",
		}, []string{"change"}),

		activeFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "active_flows",
			Help:      "Current number of running flows",
		}),
	}

	if err := registry.RegisterCounterVec("engine", "deploys", m.deploys); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "starts", m.starts); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "stops", m.stops); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("engine", "deploy_duration", m.deployDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("engine", "start_duration", m.startDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("engine", "stop_duration", m.stopDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "deploy_rejections", m.rejections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "flow_changes", m.flowChanges); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "active_flows", m.activeFlows); err != nil {
		return nil, err
	}

	return m, nil
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// recordDeploy records a deploy operation.
func (m *engineMetrics) recordDeploy(success bool, duration float64) {
	if m == nil {
		return
	}
	m.deploys.WithLabelValues(statusLabel(success)).Inc()
	m.deployDuration.Observe(duration)
}

// recordRejection records why a deployment was refused.
func (m *engineMetrics) recordRejection(err error) {
	if m == nil {
		return
	}
	kind := "unknown"
	if k := errors.KindOf(err); k != nil {
		kind = k.Error()
	}
	m.rejections.WithLabelValues(kind).Inc()
}

// recordChanges records the flow diff of an accepted deployment.
func (m *engineMetrics) recordChanges(r DeployResult) {
	if m == nil {
		return
	}
	m.flowChanges.WithLabelValues("added").Add(float64(len(r.Added)))
	m.flowChanges.WithLabelValues("replaced").Add(float64(len(r.Replaced)))
	m.flowChanges.WithLabelValues("removed").Add(float64(len(r.Removed)))
	m.flowChanges.WithLabelValues("unchanged").Add(float64(len(r.Unchanged)))
}

// recordStart records an engine start operation.
func (m *engineMetrics) recordStart(success bool, duration float64) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(statusLabel(success)).Inc()
	m.startDuration.Observe(duration)
}

// recordStop records an engine stop operation.
func (m *engineMetrics) recordStop(success bool, duration float64) {
	if m == nil {
		return
	}
	m.stops.WithLabelValues(statusLabel(success)).Inc()
	m.stopDuration.Observe(duration)
}

// setActiveFlows sets the running flow count.
func (m *engineMetrics) setActiveFlows(count int) {
	if m != nil {
		m.activeFlows.Set(float64(count))
	}
}
