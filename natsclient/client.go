package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/health"
	"github.com/c360/semflow/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Status is a point-in-time view of the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client owns one NATS connection and its JetStream context. Repeated
// connection failures open a circuit breaker that rejects further attempts
// until a backoff elapses.
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// Circuit breaker
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	// Authentication, cleared on close
	username string
	password string
	token    string

	tlsConfig *tls.Config

	onHealthChange func(bool)

	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client for url, a comma separated server list
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "nats url")
	}
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
		clientName:       "semflow",
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient")

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	return c, nil
}

// URL returns the configured server list
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	c.metrics.RecordNATSStatus(status == StatusConnected)
}

// IsHealthy reports whether the client is connected
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Health reports the connection as a health status. A reconnecting client
// is degraded; an open circuit is unhealthy.
func (c *Client) Health() health.Status {
	switch status := c.Status(); status {
	case StatusConnected:
		return health.NewHealthy("nats", "connected")
	case StatusReconnecting, StatusConnecting:
		return health.NewDegraded("nats", status.String())
	default:
		return health.NewUnhealthy("nats", fmt.Sprintf("%s after %d failures", status, c.Failures()))
	}
}

// Failures returns the total connection failure count
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the circuit breaker's current backoff
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// recordFailure counts a failure and opens the circuit at the threshold
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	round := c.circuitFailures.Add(1)
	if round < c.circuitThreshold {
		return
	}
	c.circuitFailures.Store(0)

	current := c.Status()
	wait := c.Backoff()
	next := min(wait*2, c.maxBackoff)
	c.backoff.Store(next)

	if current == StatusCircuitOpen {
		c.logger.Warn("Circuit breaker still open", "backoff", next)
		return
	}
	if c.status.CompareAndSwap(current, StatusCircuitOpen) {
		c.metrics.RecordNATSStatus(false)
		c.logger.Warn("Circuit breaker opened", "failures", round, "retry_in", wait)
		time.AfterFunc(wait, c.halfOpen)
	}
}

// halfOpen lets the next Connect through after the backoff elapsed
func (c *Client) halfOpen() {
	if c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		c.logger.Debug("Circuit breaker half-open")
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
}

// WaitForConnection blocks until the client is connected or ctx ends
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "WaitForConnection", ctx.Err().Error())
		case <-ticker.C:
		}
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}
	return opts
}

// GetStatus returns the status with failure counters and round trip time
func (c *Client) GetStatus() *Status {
	s := &Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
	}
	if rtt, err := c.RTT(); err == nil {
		s.RTT = rtt
	}
	return s
}

// Connect dials the servers and initializes JetStream
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Client", "Connect", "client closed")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- result{conn, err}
	}()

	var conn *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			c.failConnect()
			if c.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}
		conn = r.conn
	case <-ctx.Done():
		c.failConnect()
		// The dial may still succeed; close whatever it produces.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		c.failConnect()
		return errors.WrapTransient(err, "Client", "Connect", "initialize jetstream")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	onHealth := c.onHealthChange
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS", "server", conn.ConnectedUrl())

	if onHealth != nil {
		onHealth(true)
	}
	return nil
}

func (c *Client) failConnect() {
	c.recordFailure()
	if c.Status() != StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// Close unsubscribes and drains the connection. The context deadline, when
// shorter than the drain timeout, bounds the drain.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drained := make(chan error, 1)
		conn := c.conn
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain cancelled"))
		}
		conn.Close()
		c.conn = nil
		c.js = nil
	}

	c.username, c.password, c.token = "", "", ""
	c.setStatus(StatusDisconnected)

	if len(errs) > 0 {
		c.logger.Warn("NATS close completed with errors", "errors", len(errs))
	}
	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the server
func (c *Client) RTT() (time.Duration, error) {
	conn := c.connected()
	if conn == nil {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

func (c *Client) connected() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return nil
	}
	return c.conn
}

// Subscribe delivers messages on subject to handler. Each call receives a
// context derived from ctx that expires after 30 seconds.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", subject)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Publish sends data on subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := c.connected()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", subject)
	}
	return nil
}

// Flush waits until the server has processed everything published so far
func (c *Client) Flush(ctx context.Context) error {
	conn := c.connected()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

func (c *Client) ready() (jetstream.JetStream, error) {
	switch c.Status() {
	case StatusCircuitOpen:
		return nil, ErrCircuitOpen
	case StatusConnected:
		return c.JetStream()
	default:
		return nil, ErrNotConnected
	}
}

// CreateKeyValueBucket opens the bucket named in cfg, creating it when
// missing. Losing a creation race to another process is not an error.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.ready()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		c.logger.Debug("Using existing KV bucket", "bucket", cfg.Bucket)
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if !isAlreadyExistsError(err) {
			return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
		}
		if bucket, err = js.KeyValue(ctx, cfg.Bucket); err != nil {
			return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "open bucket "+cfg.Bucket)
		}
	}
	c.logger.Info("KV bucket ready", "bucket", cfg.Bucket)
	return bucket, nil
}

// GetKeyValueBucket opens an existing bucket
func (c *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := c.ready()
	if err != nil {
		return nil, err
	}
	bucket, err := js.KeyValue(ctx, name)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, errors.WrapInvalid(errors.ErrBucketNotFound, "Client", "GetKeyValueBucket", name)
		}
		return nil, errors.WrapTransient(err, "Client", "GetKeyValueBucket", name)
	}
	return bucket, nil
}

// DeleteKeyValueBucket removes a bucket and its history
func (c *Client) DeleteKeyValueBucket(ctx context.Context, name string) error {
	js, err := c.ready()
	if err != nil {
		return err
	}
	if err := js.DeleteKeyValue(ctx, name); err != nil {
		return errors.WrapTransient(err, "Client", "DeleteKeyValueBucket", name)
	}
	return nil
}

// OnHealthChange sets a callback for connectivity changes
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHealthChange = fn
}

func (c *Client) healthCallback() func(bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onHealthChange
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Warn("NATS disconnected", "error", err)
	}
	if fn := c.healthCallback(); fn != nil {
		go fn(false)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.metrics.RecordNATSReconnect()
	c.logger.Info("NATS reconnected", "server", conn.ConnectedUrl())
	if fn := c.healthCallback(); fn != nil {
		go fn(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	if fn := c.healthCallback(); fn != nil {
		go fn(false)
	}
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	attrs := []any{"error", err}
	if sub != nil {
		attrs = append(attrs, "subject", sub.Subject)
	}
	c.logger.Error("NATS async error", attrs...)
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
