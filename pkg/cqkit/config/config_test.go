package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqkit/cqkit/pkg/cqkit/config"
)

func TestConfigAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":       "orders",
		"enabled":    true,
		"max":        100,
		"max_float":  float64(50),
		"bad_float":  1.5,
		"timeout":    "45s",
		"timeout_n":  30,
		"types":      []any{"order.created", "order.shipped"},
		"mixed":      []any{"a", 1},
		"section":    map[string]any{"nested": "value"},
		"notsection": "plain",
	})

	t.Run("string", func(t *testing.T) {
		assert.Equal(t, "orders", cfg.String("name", "fallback"))
		assert.Equal(t, "fallback", cfg.String("missing", "fallback"))
		assert.Equal(t, "fallback", cfg.String("max", "fallback"))
	})

	t.Run("bool", func(t *testing.T) {
		assert.True(t, cfg.Bool("enabled", false))
		assert.False(t, cfg.Bool("missing", false))
	})

	t.Run("int", func(t *testing.T) {
		assert.Equal(t, 100, cfg.Int("max", 1))
		assert.Equal(t, 50, cfg.Int("max_float", 1))
		assert.Equal(t, 1, cfg.Int("bad_float", 1))
		assert.Equal(t, 1, cfg.Int("missing", 1))
	})

	t.Run("duration", func(t *testing.T) {
		assert.Equal(t, 45*time.Second, cfg.Duration("timeout", time.Second))
		assert.Equal(t, 30*time.Second, cfg.Duration("timeout_n", time.Second))
		assert.Equal(t, time.Second, cfg.Duration("missing", time.Second))
	})

	t.Run("string slice", func(t *testing.T) {
		assert.Equal(t, []string{"order.created", "order.shipped"}, cfg.StringSlice("types", nil))
		assert.Nil(t, cfg.StringSlice("mixed", nil))
		assert.Nil(t, cfg.StringSlice("missing", nil))
	})

	t.Run("section", func(t *testing.T) {
		assert.Equal(t, "value", cfg.Section("section").String("nested", ""))
		assert.Equal(t, "dflt", cfg.Section("notsection").String("nested", "dflt"))
		assert.Equal(t, "dflt", cfg.Section("missing").String("nested", "dflt"))
	})

	t.Run("has", func(t *testing.T) {
		assert.True(t, cfg.Has("name"))
		assert.False(t, cfg.Has("missing"))
	})
}

func TestNewNil(t *testing.T) {
	cfg := config.New(nil)
	assert.Equal(t, "dflt", cfg.String("anything", "dflt"))
	assert.NotNil(t, cfg.Raw())
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
event_bus:
  max_concurrent: 100
  breaker:
    enabled: true
    failure_threshold: 5
`))
	require.NoError(t, err)

	bus := cfg.Section("event_bus")
	assert.Equal(t, 100, bus.Int("max_concurrent", 0))
	assert.True(t, bus.Section("breaker").Bool("enabled", false))
	assert.Equal(t, 5, bus.Section("breaker").Int("failure_threshold", 0))
}

func TestFromYAMLInvalid(t *testing.T) {
	_, err := config.FromYAML([]byte("{not yaml: ["))
	assert.Error(t, err)
}

func TestLoaderRejectsScalarBusSection(t *testing.T) {
	// A mistyped bus section would otherwise decay to all-defaults.
	_, err := config.FromYAML([]byte("event_bus: 100\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event_bus")

	_, err = config.FromJSON([]byte(`{"command_bus": "fast"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command_bus")
}

func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{"command_bus": {"max_concurrent": 50}}`))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Section("command_bus").Int("max_concurrent", 0))
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bus.yaml")
		require.NoError(t, os.WriteFile(path, []byte("redis:\n  addr: localhost:6379\n"), 0o600))

		cfg, err := config.FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "localhost:6379", cfg.Section("redis").String("addr", ""))
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "bus.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"redis": {"addr": "localhost:6379"}}`), 0o600))

		cfg, err := config.FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "localhost:6379", cfg.Section("redis").String("addr", ""))
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := filepath.Join(dir, "bus.toml")
		require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o600))

		_, err := config.FromFile(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.FromFile(filepath.Join(dir, "absent.yaml"))
		assert.Error(t, err)
	})
}
