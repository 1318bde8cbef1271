package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/semflow/pkg/tlsutil"
)

// Duration is a time.Duration that reads "5s", "250ms" or "2d" from JSON.
// A bare number is taken as nanoseconds.
type Duration time.Duration

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON writes the duration as a string such as "5s"
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := parseDurationWithDays(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(val)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// parseDurationWithDays parses durations that may use a day suffix ("14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Config is the semflow process configuration
type Config struct {
	Platform PlatformConfig `json:"platform"`
	Engine   EngineConfig   `json:"engine"`
	Channels ChannelsConfig `json:"channels"`
	NATS     NATSConfig     `json:"nats"`
	Metrics  MetricsConfig  `json:"metrics"`
	Flows    FlowsConfig    `json:"flows"`
}

// PlatformConfig identifies this instance
type PlatformConfig struct {
	ID          string `json:"id"                    validate:"required,subject_token"`
	Environment string `json:"environment,omitempty"`
}

// EngineConfig tunes the flow engine
type EngineConfig struct {
	Workers     int      `json:"workers"      validate:"min=0,max=1024"`
	StopGrace   Duration `json:"stop_grace"   validate:"min=0"`
	StopTimeout Duration `json:"stop_timeout" validate:"min=0"`
	DeployMode  string   `json:"deploy_mode"  validate:"oneof=flows full"`
}

// ChannelsConfig sizes the history kept by the observation streams
type ChannelsConfig struct {
	Status int `json:"status" validate:"min=1"`
	Debug  int `json:"debug"  validate:"min=1"`
	Events int `json:"events" validate:"min=1"`
}

// NATSConfig enables persistence and forwarding over NATS. An empty URL
// list runs the engine standalone.
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty"           validate:"dive,required"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects"           validate:"min=-1"`
	ReconnectWait Duration `json:"reconnect_wait"           validate:"min=0"`
	SubjectPrefix string   `json:"subject_prefix"           validate:"required,subject"`
	KVBucket      string   `json:"kv_bucket"                validate:"required,subject_token"`
	Retention     int      `json:"retention"                validate:"min=0"`
	Forward       []string `json:"forward,omitempty"        validate:"dive,oneof=status debug events"`
	Persist       bool     `json:"persist"`

	TLS tlsutil.ClientConfig `json:"tls"`
}

// Enabled reports whether any NATS server is configured
func (n NATSConfig) Enabled() bool {
	return len(n.URLs) > 0
}

// MetricsConfig controls the Prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port" validate:"min=0,max=65535"`
	Path string `json:"path" validate:"required,startswith=/"`
}

// FlowsConfig names the deployment loaded at boot
type FlowsConfig struct {
	File    string `json:"file,omitempty"`
	EnvFile string `json:"env_file,omitempty"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{ID: "semflow"},
		Engine: EngineConfig{
			Workers:     0, // one per CPU
			StopGrace:   Duration(5 * time.Second),
			StopTimeout: Duration(10 * time.Second),
			DeployMode:  "flows",
		},
		Channels: ChannelsConfig{Status: 256, Debug: 256, Events: 256},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			SubjectPrefix: "semflow",
			KVBucket:      "semflow_deployments",
			Retention:     20,
			Forward:       []string{"status", "debug", "events"},
			Persist:       true,
		},
		Metrics: MetricsConfig{Port: 9090, Path: "/metrics"},
	}
}

// Forwards reports whether stream is in the forward list
func (n NATSConfig) Forwards(stream string) bool {
	for _, s := range n.Forward {
		if s == stream {
			return true
		}
	}
	return false
}

// String renders the configuration as JSON with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}
