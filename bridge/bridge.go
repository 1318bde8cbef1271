// Package bridge forwards an engine's status, debug and lifecycle streams to
// NATS so that editors and monitors outside the process can follow them.
//
// Records are published as JSON on
//
//	<prefix>.status.<flow>.<node>
//	<prefix>.debug.<flow>.<node>
//	<prefix>.events.<kind>
//
// Characters that NATS reserves in subject tokens are replaced by '_'.
package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/observe"
)

// Publisher sends a payload on a subject; *natsclient.Client satisfies it
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Source provides the streams to forward; *engine.Engine satisfies it
type Source interface {
	Status() *observe.Channel[observe.Record]
	Debug() *observe.Channel[observe.Record]
	Events() *events.Bus
}

// Config selects what is forwarded
type Config struct {
	Prefix     string
	Status     bool
	Debug      bool
	Events     bool
	BufferSize int // per stream subscription
}

// DefaultConfig forwards everything under "semflow"
func DefaultConfig() Config {
	return Config{Prefix: "semflow", Status: true, Debug: true, Events: true, BufferSize: 256}
}

var jsonAPI = sonic.ConfigStd

// Bridge copies records from a Source to a Publisher
type Bridge struct {
	pub     Publisher
	src     Source
	cfg     Config
	logger  *slog.Logger
	metrics *bridgeMetrics

	published atomic.Int64
	failed    atomic.Int64
}

// New creates a bridge. A nil registry disables metrics.
func New(pub Publisher, src Source, cfg Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*Bridge, error) {
	if pub == nil || src == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "bridge", "New", "publisher and source are required")
	}
	if err := validPrefix(cfg.Prefix); err != nil {
		return nil, err
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newBridgeMetrics(registry)
	if err != nil {
		return nil, errors.WrapTransient(err, "bridge", "New", "register metrics")
	}
	return &Bridge{
		pub:     pub,
		src:     src,
		cfg:     cfg,
		logger:  logger.With("component", "bridge", "prefix", cfg.Prefix),
		metrics: m,
	}, nil
}

func validPrefix(prefix string) error {
	if prefix == "" || strings.ContainsAny(prefix, " *>") ||
		strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") || strings.Contains(prefix, "..") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "bridge", "New", "invalid subject prefix "+prefix)
	}
	return nil
}

// Published returns the number of records sent
func (b *Bridge) Published() int64 { return b.published.Load() }

// Failed returns the number of records that could not be encoded or sent
func (b *Bridge) Failed() int64 { return b.failed.Load() }

// Run forwards records until ctx ends or every source stream is closed.
// Publish failures are counted and logged; they never stop the bridge.
func (b *Bridge) Run(ctx context.Context) error {
	var status, debug <-chan observe.Record
	var evts <-chan events.Event

	if b.cfg.Status {
		sub := b.src.Status().Subscribe(b.cfg.BufferSize)
		defer sub.Close()
		status = sub.C()
	}
	if b.cfg.Debug {
		sub := b.src.Debug().Subscribe(b.cfg.BufferSize)
		defer sub.Close()
		debug = sub.C()
	}
	if b.cfg.Events {
		sub := b.src.Events().Subscribe(b.cfg.BufferSize)
		defer sub.Close()
		evts = sub.C()
	}

	b.logger.Info("Bridge running", "status", b.cfg.Status, "debug", b.cfg.Debug, "events", b.cfg.Events)
	for status != nil || debug != nil || evts != nil {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			b.send(ctx, "status", b.recordSubject("status", r), r)
		case r, ok := <-debug:
			if !ok {
				debug = nil
				continue
			}
			b.send(ctx, "debug", b.recordSubject("debug", r), r)
		case e, ok := <-evts:
			if !ok {
				evts = nil
				continue
			}
			b.send(ctx, "events", b.cfg.Prefix+".events."+token(string(e.Kind)), e)
		}
	}
	b.logger.Info("Bridge sources closed")
	return nil
}

func (b *Bridge) recordSubject(stream string, r observe.Record) string {
	return b.cfg.Prefix + "." + stream + "." + token(r.FlowID) + "." + token(r.NodeID)
}

func (b *Bridge) send(ctx context.Context, stream, subject string, v any) {
	data, err := jsonAPI.Marshal(v)
	if err == nil {
		err = b.pub.Publish(ctx, subject, data)
	}
	if err != nil {
		b.failed.Add(1)
		b.metrics.record(stream, false)
		b.logger.Warn("Forwarding failed", "subject", subject, "error", err)
		return
	}
	b.published.Add(1)
	b.metrics.record(stream, true)
}

// token makes s usable as a single subject token
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

type bridgeMetrics struct {
	forwarded *prometheus.CounterVec // by stream and status
}

func newBridgeMetrics(registry *metric.MetricsRegistry) (*bridgeMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &bridgeMetrics{
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "bridge",
			Name:      "forwarded_total",
			Help:      "Records forwarded to NATS by stream and outcome",
		}, []string{"stream", "status"}),
	}
	if err := registry.RegisterCounterVec("bridge", "forwarded", m.forwarded); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bridgeMetrics) record(stream string, ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.forwarded.WithLabelValues(stream, status).Inc()
}
