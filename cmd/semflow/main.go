// Package main implements the semflow entry point. semflow loads a flows
// deployment, runs it on the flow engine and optionally persists
// deployments and forwards runtime output over NATS.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/semflow/bridge"
	"github.com/c360/semflow/config"
	"github.com/c360/semflow/engine"
	"github.com/c360/semflow/env"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowstore"
	"github.com/c360/semflow/health"
	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/model"
	"github.com/c360/semflow/natsclient"
	"github.com/c360/semflow/nodes"
	"github.com/c360/semflow/pkg/retry"
	"github.com/c360/semflow/pkg/tlsutil"
	"github.com/c360/semflow/registry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		fs.Usage()
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.FlowsPath != "" {
		cfg.Flows.File = cliCfg.FlowsPath
	}

	slog.Info("Starting semflow",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"flows_file", cfg.Flows.File,
		"platform", cfg.Platform.ID)

	if cliCfg.Validate {
		return validateOnly(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return app.run(ctx, cliCfg.ShutdownTimeout)
}

// validateOnly checks that the flows file parses, without building nodes
func validateOnly(cfg *config.Config) error {
	if cfg.Flows.File != "" {
		data, err := config.ReadFlowsFile(cfg.Flows.File)
		if err != nil {
			return err
		}
		desc, err := model.Parse(data)
		if err != nil {
			return fmt.Errorf("invalid flows file: %w", err)
		}
		slog.Info("Flows file is valid", "flows", len(desc.Flows), "subflows", len(desc.Subflows))
	}
	if cfg.Flows.EnvFile != "" {
		if _, err := env.LoadDotenv(cfg.Flows.EnvFile); err != nil {
			return err
		}
	}
	slog.Info("Configuration is valid")
	return nil
}

// application holds everything main wires together
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *engine.Engine
	health  *health.Monitor
	metrics *metric.Server
	nats    *natsclient.Client
	store   *flowstore.Store
	bridge  *bridge.Bridge

	// the bridge outlives the signal context so it can forward the
	// records emitted while flows stop
	bridgeCancel context.CancelFunc
	bridgeDone   chan struct{}
}

func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger, health: health.NewMonitor()}
	metricsRegistry := metric.NewMetricsRegistry()

	reg := registry.New()
	if err := nodes.Register(reg); err != nil {
		return nil, fmt.Errorf("register nodes: %w", err)
	}
	slog.Info("Node types registered", "types", reg.Types())

	resolver, err := buildResolver(cfg)
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithDeployMode(engine.DeployMode(cfg.Engine.DeployMode)),
		engine.WithEnv(resolver),
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithStopGrace(cfg.Engine.StopGrace.Std()),
		engine.WithStopTimeout(cfg.Engine.StopTimeout.Std()),
		engine.WithHistory(cfg.Channels.Status, cfg.Channels.Debug, cfg.Channels.Events),
	}

	if cfg.NATS.Enabled() {
		if err := app.connectNATS(ctx, metricsRegistry); err != nil {
			return nil, err
		}
		if cfg.NATS.Persist {
			store, err := flowstore.NewStore(ctx, app.nats,
				flowstore.WithBucket(cfg.NATS.KVBucket),
				flowstore.WithRetention(cfg.NATS.Retention),
				flowstore.WithLogger(logger))
			if err != nil {
				app.closeNATS()
				return nil, fmt.Errorf("open flow store: %w", err)
			}
			app.store = store
			opts = append(opts, engine.WithRecorder(store))
		}
	}

	eng, err := engine.New(reg, logger, metricsRegistry, opts...)
	if err != nil {
		app.closeNATS()
		return nil, fmt.Errorf("create engine: %w", err)
	}
	app.engine = eng
	app.health.Register("engine", eng.Health)
	if app.nats != nil {
		app.health.Register("nats", app.nats.Health)
	}

	if app.nats != nil && len(cfg.NATS.Forward) > 0 {
		b, err := bridge.New(app.nats, eng, bridge.Config{
			Prefix:     cfg.NATS.SubjectPrefix,
			Status:     cfg.NATS.Forwards("status"),
			Debug:      cfg.NATS.Forwards("debug"),
			Events:     cfg.NATS.Forwards("events"),
			BufferSize: cfg.Channels.Events,
		}, logger, metricsRegistry)
		if err != nil {
			app.closeNATS()
			return nil, fmt.Errorf("create bridge: %w", err)
		}
		app.bridge = b
	}

	if cfg.Metrics.Port > 0 {
		app.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		app.metrics.Handle("/health", app.health.Handler(appName))
	}
	return app, nil
}

// buildResolver layers the flows env file over the process environment
func buildResolver(cfg *config.Config) (env.Resolver, error) {
	if cfg.Flows.EnvFile == "" {
		return env.OS(), nil
	}
	values, err := env.LoadDotenv(cfg.Flows.EnvFile)
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded flows env file", "path", cfg.Flows.EnvFile, "variables", len(values))
	return env.Chain{values, env.OS()}, nil
}

// connectNATS dials NATS with startup retries
func (a *application) connectNATS(ctx context.Context, registry *metric.MetricsRegistry) error {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(registry),
		natsclient.WithName(appName + "-" + a.cfg.Platform.ID),
		natsclient.WithMaxReconnects(a.cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(a.cfg.NATS.ReconnectDelay()),
	}
	switch {
	case a.cfg.NATS.Token != "":
		opts = append(opts, natsclient.WithToken(a.cfg.NATS.Token))
	case a.cfg.NATS.Username != "":
		opts = append(opts, natsclient.WithCredentials(a.cfg.NATS.Username, a.cfg.NATS.Password))
	}
	tlsConfig, err := tlsutil.LoadClientConfig(a.cfg.NATS.TLS)
	if err != nil {
		return fmt.Errorf("nats tls: %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}

	client, err := natsclient.NewClient(strings.Join(a.cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "urls", a.cfg.NATS.URLs)
	err = retry.Do(ctx, retry.Startup(), func() error {
		if err := client.Connect(ctx); err != nil {
			slog.Warn("NATS connection attempt failed", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		_ = client.Close(context.Background())
		return fmt.Errorf("connect to NATS: %w", err)
	}
	a.nats = client
	return nil
}

func (a *application) closeNATS() {
	if a.nats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.nats.Close(ctx); err != nil {
		slog.Warn("Closing NATS failed", "error", err)
	}
}

// run deploys the boot flows, starts everything and blocks until ctx ends
func (a *application) run(ctx context.Context, shutdownTimeout time.Duration) error {
	if a.metrics != nil {
		go func() {
			if err := a.metrics.Start(); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		slog.Info("Metrics server listening", "address", a.metrics.Address())
	}

	if a.bridge != nil {
		bridgeCtx, cancel := context.WithCancel(context.Background())
		a.bridgeCancel = cancel
		a.bridgeDone = make(chan struct{})
		go func() {
			defer close(a.bridgeDone)
			if err := a.bridge.Run(bridgeCtx); err != nil {
				slog.Error("Bridge stopped", "error", err)
			}
		}()
	}

	if err := a.deployBoot(ctx); err != nil {
		a.shutdown(shutdownTimeout)
		return err
	}
	if err := a.engine.Start(ctx); err != nil {
		a.shutdown(shutdownTimeout)
		return fmt.Errorf("start engine: %w", err)
	}
	slog.Info("semflow started", "revision", a.engine.Revision(), "flows", len(a.engine.Flows()))

	<-ctx.Done()
	slog.Info("Received shutdown signal")

	if err := a.shutdown(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("semflow shutdown complete")
	return nil
}

// deployBoot deploys the configured flows file, or restores the most
// recent stored deployment when there is none
func (a *application) deployBoot(ctx context.Context) error {
	if a.cfg.Flows.File != "" {
		data, err := config.ReadFlowsFile(a.cfg.Flows.File)
		if err != nil {
			return err
		}
		result, err := a.engine.DeployJSON(ctx, data)
		if err != nil {
			return fmt.Errorf("deploy %s: %w", a.cfg.Flows.File, err)
		}
		slog.Info("Flows deployed", "file", a.cfg.Flows.File, "revision", result.Revision, "added", result.Added)
		return nil
	}

	if a.store == nil {
		slog.Warn("No flows file configured, starting with an empty deployment")
		return nil
	}
	latest, err := a.store.Latest(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			slog.Info("No stored deployment, starting with an empty deployment")
			return nil
		}
		return fmt.Errorf("load stored deployment: %w", err)
	}
	result, err := a.engine.Deploy(ctx, latest.Descriptor)
	if err != nil {
		return fmt.Errorf("restore deployment %s: %w", latest.Revision, err)
	}
	slog.Info("Stored deployment restored", "stored_revision", latest.Revision, "revision", result.Revision)
	return nil
}

// shutdown stops the engine first so that the bridge drains its final
// records before NATS closes
func (a *application) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := a.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if a.bridgeDone != nil {
		// Close ended the streams, so Run returns once it has drained them
		select {
		case <-a.bridgeDone:
		case <-ctx.Done():
			slog.Warn("Bridge did not drain before the shutdown deadline")
		}
		a.bridgeCancel()
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close NATS: %w", err))
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
