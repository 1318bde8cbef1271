// Package metric provides Prometheus-based metrics collection and the HTTP
// server that exposes them.
//
// A MetricsRegistry owns a private Prometheus registry with the core runtime
// metrics (Metrics) already registered, plus Go runtime collectors. Packages
// register their own collectors through the MetricsRegistrar methods, keyed by
// owner and metric name so duplicate registrations fail with an invalid error
// instead of panicking.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	go func() {
//	    if err := server.Start(); err != nil {
//	        logger.Error("metrics server", "error", err)
//	    }
//	}()
//
//	registry.CoreMetrics().RecordDelivered("flow-1", "debug")
//
// Every metric is optional for callers: constructors that accept a nil
// *MetricsRegistry disable metrics instead of failing.
package metric
