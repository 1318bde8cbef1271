package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainOrder(t *testing.T) {
	c := Chain{Map{"A": "inner"}, nil, Map{"A": "outer", "B": "outer-b"}}

	v, ok := c.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, "inner", v)

	v, _ = c.Lookup("B")
	assert.Equal(t, "outer-b", v)

	_, ok = c.Lookup("C")
	assert.False(t, ok)

	front := c.With(Map{"B": "front"})
	v, _ = front.Lookup("B")
	assert.Equal(t, "front", v)
	assert.Len(t, c, 3, "With must not modify the receiver")
}

func TestExpand(t *testing.T) {
	r := Map{"HOST": "example.org", "PORT": "8080"}

	assert.Equal(t, "http://example.org:8080/x", Expand("http://${HOST}:${PORT}/x", r))
	assert.Equal(t, "missing=", Expand("missing=${NOPE}", r))
	assert.Equal(t, "$HOST stays", Expand("$HOST stays", r))
	assert.Equal(t, "plain", Expand("plain", nil))
}

func TestExpandConfig(t *testing.T) {
	r := Map{"TOPIC": "sensors"}
	cfg := map[string]any{
		"topic":  "${TOPIC}/temp",
		"count":  3.0,
		"nested": map[string]any{"t": "${TOPIC}"},
		"list":   []any{"${TOPIC}", 1.0},
	}

	out := ExpandConfig(cfg, r)
	assert.Equal(t, "sensors/temp", out["topic"])
	assert.Equal(t, 3.0, out["count"])
	assert.Equal(t, map[string]any{"t": "sensors"}, out["nested"])
	assert.Equal(t, []any{"sensors", 1.0}, out["list"])

	assert.Equal(t, "${TOPIC}/temp", cfg["topic"], "input must not be modified")
	assert.Nil(t, ExpandConfig(nil, r))
}

func TestOS(t *testing.T) {
	t.Setenv("SEMFLOW_ENV_TEST", "yes")
	v, ok := OS().Lookup("SEMFLOW_ENV_TEST")
	require.True(t, ok)
	assert.Equal(t, "yes", v)
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("API_URL=http://localhost\n# comment\nRETRIES=3\n"), 0o600))

	m, err := LoadDotenv(path)
	require.NoError(t, err)
	assert.Equal(t, Map{"API_URL": "http://localhost", "RETRIES": "3"}, m)

	_, err = LoadDotenv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
