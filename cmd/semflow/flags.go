package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	FlowsPath       string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("SEMFLOW_CONFIG", ""),
		"Path to configuration file, defaults apply when empty (env: SEMFLOW_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("SEMFLOW_CONFIG", ""),
		"Path to configuration file (env: SEMFLOW_CONFIG)")

	fs.StringVar(&cfg.FlowsPath, "flows", "",
		"Flows file to deploy at startup, overrides flows.file")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("SEMFLOW_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SEMFLOW_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("SEMFLOW_LOG_FORMAT", "json"),
		"Log format: json, text (env: SEMFLOW_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("SEMFLOW_DEBUG", false),
		"Enable debug logging (env: SEMFLOW_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("SEMFLOW_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: SEMFLOW_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and flows, then exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if cfg.FlowsPath != "" {
		if _, err := os.Stat(cfg.FlowsPath); err != nil {
			return fmt.Errorf("flows file not found: %s", cfg.FlowsPath)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - flow execution engine

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run a flows file with defaults
  %s --flows=flows.json

  # Run with a config file and text logs
  %s --config=/etc/semflow/config.json --log-format=text

  # Persist deployments and forward debug output to NATS
  export SEMFLOW_NATS_URLS=nats://localhost:4222
  %s --flows=flows.json

  # Validate configuration and flows only
  %s --config=config.json --flows=flows.json --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
