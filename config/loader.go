package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/semflow/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SEMFLOW"

const maxEnvValueLen = 10000

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers over the defaults, then applies the environment
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "load "+path)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadConfig loads path over the defaults and validates the result. An
// empty path yields the defaults with environment overrides.
func LoadConfig(path string) (*Config, error) {
	loader := NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)
	return loader.Load()
}

func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := configLimits.read(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap overrides only the fields present in override
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) env(name string) (string, error) {
	key := l.envPrefix + "_" + name
	val := l.getenv(key)
	switch {
	case len(val) > maxEnvValueLen:
		return "", errors.WrapInvalid(fmt.Errorf("value is %d bytes, limit %d", len(val), maxEnvValueLen),
			"config", "applyEnvOverrides", key)
	case strings.ContainsRune(val, 0):
		return "", errors.WrapInvalid(fmt.Errorf("value contains a NUL byte"), "config", "applyEnvOverrides", key)
	}
	return val, nil
}

// applyEnvOverrides applies SEMFLOW_* environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"PLATFORM_ID":         &cfg.Platform.ID,
		"ENVIRONMENT":         &cfg.Platform.Environment,
		"ENGINE_DEPLOY_MODE":  &cfg.Engine.DeployMode,
		"NATS_USERNAME":       &cfg.NATS.Username,
		"NATS_PASSWORD":       &cfg.NATS.Password,
		"NATS_TOKEN":          &cfg.NATS.Token,
		"NATS_SUBJECT_PREFIX": &cfg.NATS.SubjectPrefix,
		"NATS_KV_BUCKET":      &cfg.NATS.KVBucket,
		"METRICS_PATH":        &cfg.Metrics.Path,
		"FLOWS_FILE":          &cfg.Flows.File,
		"FLOWS_ENV_FILE":      &cfg.Flows.EnvFile,
	}
	for name, dst := range strs {
		val, err := l.env(name)
		if err != nil {
			return err
		}
		if val != "" {
			*dst = val
		}
	}

	ints := map[string]*int{
		"ENGINE_WORKERS":      &cfg.Engine.Workers,
		"NATS_MAX_RECONNECTS": &cfg.NATS.MaxReconnects,
		"NATS_RETENTION":      &cfg.NATS.Retention,
		"METRICS_PORT":        &cfg.Metrics.Port,
	}
	for name, dst := range ints {
		val, err := l.env(name)
		if err != nil {
			return err
		}
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return errors.WrapInvalid(err, "config", "applyEnvOverrides", l.envPrefix+"_"+name)
		}
		*dst = n
	}

	durations := map[string]*Duration{
		"ENGINE_STOP_GRACE":   &cfg.Engine.StopGrace,
		"ENGINE_STOP_TIMEOUT": &cfg.Engine.StopTimeout,
		"NATS_RECONNECT_WAIT": &cfg.NATS.ReconnectWait,
	}
	for name, dst := range durations {
		val, err := l.env(name)
		if err != nil {
			return err
		}
		if val == "" {
			continue
		}
		d, err := parseDurationWithDays(strings.TrimSpace(val))
		if err != nil {
			return errors.WrapInvalid(err, "config", "applyEnvOverrides", l.envPrefix+"_"+name)
		}
		*dst = Duration(d)
	}

	val, err := l.env("NATS_URLS")
	if err != nil {
		return err
	}
	if val != "" {
		cfg.NATS.URLs = splitList(val)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ReconnectDelay returns the reconnect wait, falling back to 2s when unset
func (n NATSConfig) ReconnectDelay() time.Duration {
	if n.ReconnectWait <= 0 {
		return 2 * time.Second
	}
	return n.ReconnectWait.Std()
}
