package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded on MessagesDropped
const (
	DropInactiveTarget = "inactive_target"
	DropInactiveSource = "inactive_source"
	DropUnrouted       = "unrouted"
	DropQueueFull      = "queue_full"
	DropStopping       = "stopping"
)

// Metrics contains the runtime-level metrics shared by every flow
type Metrics struct {
	// Dispatch metrics
	MessagesDelivered  *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	NodeErrors         *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	AbandonedNodes     *prometheus.CounterVec

	// Observation channel metrics
	ObservationsDropped *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all runtime metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semflow",
				Subsystem: "messages",
				Name:      "delivered_total",
				Help:      "Total number of messages handed to a node behavior",
			},
			[]string{"flow_id", "node_type"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semflow",
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Total number of messages dropped before delivery",
			},
			[]string{"flow_id", "reason"},
		),

		NodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semflow",
				Subsystem: "nodes",
				Name:      "errors_total",
				Help:      "Total number of node runtime errors",
			},
			[]string{"flow_id", "node_type"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "semflow",
				Subsystem: "nodes",
				Name:      "processing_duration_seconds",
				Help:      "Time spent in a node behavior per message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"flow_id", "node_type"},
		),

		AbandonedNodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semflow",
				Subsystem: "nodes",
				Name:      "abandoned_total",
				Help:      "Nodes whose pending work was abandoned at stop",
			},
			[]string{"flow_id"},
		),

		ObservationsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semflow",
				Subsystem: "observe",
				Name:      "dropped_total",
				Help:      "Observation records not delivered to a slow subscriber",
			},
			[]string{"channel"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "semflow",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "semflow",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// Record methods are no-ops on a nil *Metrics.

// RecordDelivered increments the delivered counter
func (c *Metrics) RecordDelivered(flowID, nodeType string) {
	if c == nil {
		return
	}
	c.MessagesDelivered.WithLabelValues(flowID, nodeType).Inc()
}

// RecordDropped increments the dropped counter for a reason
func (c *Metrics) RecordDropped(flowID, reason string) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(flowID, reason).Inc()
}

// RecordNodeError increments the node error counter
func (c *Metrics) RecordNodeError(flowID, nodeType string) {
	if c == nil {
		return
	}
	c.NodeErrors.WithLabelValues(flowID, nodeType).Inc()
}

// RecordProcessingDuration records time spent in a behavior
func (c *Metrics) RecordProcessingDuration(flowID, nodeType string, duration time.Duration) {
	if c == nil {
		return
	}
	c.ProcessingDuration.WithLabelValues(flowID, nodeType).Observe(duration.Seconds())
}

// RecordAbandoned increments the abandoned node counter
func (c *Metrics) RecordAbandoned(flowID string) {
	if c == nil {
		return
	}
	c.AbandonedNodes.WithLabelValues(flowID).Inc()
}

// RecordObservationDropped increments the dropped observation counter
func (c *Metrics) RecordObservationDropped(channel string) {
	if c == nil {
		return
	}
	c.ObservationsDropped.WithLabelValues(channel).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}
