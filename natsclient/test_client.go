package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestClient is a NATS server in a container plus a connected Client
type TestClient struct {
	container testcontainers.Container
	Client    *Client
	URL       string
}

type testConfig struct {
	jetstream    bool
	kvBuckets    []string
	natsVersion  string
	timeout      time.Duration
	startTimeout time.Duration
}

// TestOption configures a test server
type TestOption func(*testConfig)

// WithJetStream enables JetStream on the test server
func WithJetStream() TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
	}
}

// WithKVBuckets pre-creates buckets; it implies JetStream
func WithKVBuckets(buckets ...string) TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.kvBuckets = append(cfg.kvBuckets, buckets...)
	}
}

// WithNATSVersion selects the nats image tag
func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) {
		cfg.natsVersion = version
	}
}

// WithTestTimeout sets the client connect timeout
func WithTestTimeout(timeout time.Duration) TestOption {
	return func(cfg *testConfig) {
		cfg.timeout = timeout
	}
}

// NewTestClient starts a server for the duration of the test
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()
	tc, err := NewSharedTestClient(opts...)
	if err != nil {
		t.Fatalf("start NATS test server: %v", err)
	}
	t.Cleanup(func() { _ = tc.Terminate() })
	return tc
}

// NewSharedTestClient starts a server that the caller terminates, for use
// from TestMain
func NewSharedTestClient(opts ...TestOption) (*TestClient, error) {
	cfg := &testConfig{
		natsVersion:  "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()
	args := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		args = append(args, "--js")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:" + cfg.natsVersion,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          args,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	tc := &TestClient{container: container}
	if err := tc.connect(ctx, cfg); err != nil {
		_ = tc.Terminate()
		return nil, err
	}
	return tc, nil
}

func (tc *TestClient) connect(ctx context.Context, cfg *testConfig) error {
	host, err := tc.container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := tc.container.MappedPort(ctx, "4222")
	if err != nil {
		return fmt.Errorf("mapped port: %w", err)
	}
	tc.URL = fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(tc.URL, WithTimeout(cfg.timeout), WithMaxReconnects(0), WithName("semflow-test"))
	if err != nil {
		return err
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	tc.Client = client

	for _, name := range cfg.kvBuckets {
		if _, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: name}); err != nil {
			return fmt.Errorf("create KV bucket %s: %w", name, err)
		}
	}
	return nil
}

// Terminate closes the client and removes the container. It is safe to
// call more than once.
func (tc *TestClient) Terminate() error {
	ctx := context.Background()
	if tc.Client != nil {
		_ = tc.Client.Close(ctx)
		tc.Client = nil
	}
	if tc.container == nil {
		return nil
	}
	err := tc.container.Terminate(ctx)
	tc.container = nil
	return err
}
