package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/errors"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func loaderWithEnv(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(key string) string { return env[key] }
	return l
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.NATS.Enabled())
	assert.Equal(t, "flows", cfg.Engine.DeployMode)
	assert.Equal(t, 5*time.Second, cfg.Engine.StopGrace.Std())
	assert.True(t, cfg.NATS.Forwards("debug"))
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{`"250ms"`, 250 * time.Millisecond, false},
		{`"2d"`, 48 * time.Hour, false},
		{`1000`, time.Microsecond, false},
		{`null`, 0, false},
		{`"soon"`, 0, true},
		{`"xd"`, 0, true},
		{`true`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}

	data, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(data))
}

func TestLoader_LoadFile(t *testing.T) {
	path := writeConfig(t, "semflow.json", `{
		"platform": {"id": "edge-7"},
		"engine": {"workers": 4, "stop_grace": "2s"},
		"nats": {"urls": ["nats://a:4222", "nats://b:4222"], "reconnect_wait": "500ms"}
	}`)

	cfg, err := loaderWithEnv(nil).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "edge-7", cfg.Platform.ID)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 2*time.Second, cfg.Engine.StopGrace.Std())
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectDelay())

	// Untouched fields keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Engine.StopTimeout.Std())
	assert.Equal(t, "semflow", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoader_Layers(t *testing.T) {
	base := writeConfig(t, "base.json", `{"engine": {"workers": 2, "stop_timeout": "3s"}, "metrics": {"port": 9100}}`)
	prod := writeConfig(t, "prod.json", `{"engine": {"workers": 8}, "platform": {"environment": "prod"}}`)

	l := loaderWithEnv(nil)
	l.AddLayer(base)
	l.AddLayer(prod)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 3*time.Second, cfg.Engine.StopTimeout.Std())
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, "prod", cfg.Platform.Environment)
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := loaderWithEnv(map[string]string{
		"SEMFLOW_PLATFORM_ID":        "from-env",
		"SEMFLOW_NATS_URLS":          "nats://x:4222, nats://y:4222,",
		"SEMFLOW_ENGINE_WORKERS":     "3",
		"SEMFLOW_ENGINE_STOP_GRACE":  "1d",
		"SEMFLOW_ENGINE_DEPLOY_MODE": "full",
		"SEMFLOW_FLOWS_FILE":         "flows.json",
	})
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Platform.ID)
	assert.Equal(t, []string{"nats://x:4222", "nats://y:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 3, cfg.Engine.Workers)
	assert.Equal(t, 24*time.Hour, cfg.Engine.StopGrace.Std())
	assert.Equal(t, "full", cfg.Engine.DeployMode)
	assert.Equal(t, "flows.json", cfg.Flows.File)
}

func TestLoader_EnvOverrideErrors(t *testing.T) {
	_, err := loaderWithEnv(map[string]string{"SEMFLOW_METRICS_PORT": "ninety"}).Load()
	assert.True(t, errors.IsInvalid(err))

	_, err = loaderWithEnv(map[string]string{"SEMFLOW_NATS_RECONNECT_WAIT": "later"}).Load()
	assert.True(t, errors.IsInvalid(err))

	_, err = loaderWithEnv(map[string]string{"SEMFLOW_NATS_TOKEN": "a\x00b"}).Load()
	assert.True(t, errors.IsInvalid(err))

	_, err = loaderWithEnv(map[string]string{"SEMFLOW_PLATFORM_ID": strings.Repeat("x", maxEnvValueLen+1)}).Load()
	assert.True(t, errors.IsInvalid(err))
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("SEMFLOW_PLATFORM_ID", "setenv-id")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "setenv-id", cfg.Platform.ID)
}

func TestLoader_FileErrors(t *testing.T) {
	_, err := loaderWithEnv(nil).LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.IsInvalid(err))

	_, err = loaderWithEnv(nil).LoadFile(writeConfig(t, "semflow.yaml", "platform: {}"))
	assert.Error(t, err)

	_, err = loaderWithEnv(nil).LoadFile(writeConfig(t, "broken.json", `{"engine": `))
	assert.Error(t, err)

	depth := configLimits.maxDepth + 1
	deep := strings.Repeat(`{"a":`, depth) + "1" + strings.Repeat("}", depth)
	_, err = loaderWithEnv(nil).LoadFile(writeConfig(t, "deep.json", deep))
	assert.ErrorContains(t, err, "nests deeper than")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing platform id", func(c *Config) { c.Platform.ID = "" }, "platform.id is required"},
		{"dotted platform id", func(c *Config) { c.Platform.ID = "a.b" }, "platform.id"},
		{"bad deploy mode", func(c *Config) { c.Engine.DeployMode = "nodes" }, "engine.deploy_mode must be one of"},
		{"too many workers", func(c *Config) { c.Engine.Workers = 5000 }, "engine.workers must be at most 1024"},
		{"wildcard prefix", func(c *Config) { c.NATS.SubjectPrefix = "semflow.>" }, "not a valid NATS subject"},
		{"empty prefix token", func(c *Config) { c.NATS.SubjectPrefix = "a..b" }, "nats.subject_prefix"},
		{"unknown forward stream", func(c *Config) { c.NATS.Forward = []string{"audit"} }, "nats.forward"},
		{"blank url", func(c *Config) { c.NATS.URLs = []string{""} }, "nats.urls"},
		{"port range", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port must be at most"},
		{"relative metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"user and token", func(c *Config) {
			c.NATS.Username = "u"
			c.NATS.Token = "t"
		}, "exclusive"},
		{"password alone", func(c *Config) { c.NATS.Password = "p" }, "requires nats.username"},
		{"tls version", func(c *Config) { c.NATS.TLS.MinVersion = "1.1" }, "nats.tls.min_version must be one of"},
		{"tls cert without key", func(c *Config) {
			c.NATS.TLS.Enabled = true
			c.NATS.TLS.CertFile = "client.pem"
		}, "must be set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.NATS.Username = "flow"
	cfg.NATS.Password = "hunter2"

	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.Contains(t, s, `"password": "***"`)
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestReadFlowsFile(t *testing.T) {
	path := writeConfig(t, "flows.json", `[{"id":"f1","type":"tab"}]`)
	data, err := ReadFlowsFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tab"`)

	_, err = ReadFlowsFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrFlowsFile)
}

func TestReadFlowsFile_Limits(t *testing.T) {
	deep := strings.Repeat("[", 65) + strings.Repeat("]", 65)

	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr string
	}{
		{name: "empty path", path: func(*testing.T) string { return "" }, wantErr: "no flows file"},
		{name: "not json", path: func(t *testing.T) string { return writeConfig(t, "flows.yaml", "[]") }, wantErr: "not .json"},
		{name: "leaves working directory", path: func(*testing.T) string { return "../flows.json" }, wantErr: "leaves the working directory"},
		{name: "too long", path: func(*testing.T) string { return strings.Repeat("a", maxPathLen) + ".json" }, wantErr: "longer than"},
		{name: "directory", path: func(t *testing.T) string {
			dir := filepath.Join(t.TempDir(), "flows.json")
			require.NoError(t, os.Mkdir(dir, 0o700))
			return dir
		}, wantErr: "not a regular file"},
		{name: "too deep", path: func(t *testing.T) string { return writeConfig(t, "flows.json", deep) }, wantErr: "deeper than 64"},
		{name: "malformed", path: func(t *testing.T) string { return writeConfig(t, "flows.json", `[{"id":]`) }, wantErr: "malformed JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFlowsFile(tt.path(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrFlowsFile)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFileLimits_Size(t *testing.T) {
	small := fileLimits{kind: "test", maxBytes: 8, maxDepth: 4}
	path := writeConfig(t, "big.json", `["0123456789"]`)

	_, err := small.read(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit 8")

	ok := writeConfig(t, "ok.json", `[1]`)
	data, err := small.read(ok)
	require.NoError(t, err)
	assert.Equal(t, "[1]", string(data))
}
