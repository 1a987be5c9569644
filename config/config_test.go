package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PetroPower/lifecycle/config"
	"github.com/PetroPower/lifecycle/pool"
	"github.com/PetroPower/lifecycle/resource"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lifecycle.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := config.Load("")
		require.NoError(t, err)
		require.Equal(t, pool.DefaultConfig(), cfg.PoolConfig())
		require.Equal(t, resource.DefaultConfig(), cfg.RegistryConfig())
		require.Equal(t, "info", cfg.Log.Level)
		require.False(t, cfg.Introspect.Enabled)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeFile(t, `
[pool]
max_connections = 4
connection_timeout = "5s"

[registry]
default_cleanup_deadline = "250ms"
`)
		cfg, err := config.Load(path)
		require.NoError(t, err)
		require.Equal(t, 4, cfg.Pool.MaxConnections)
		require.Equal(t, 5*time.Second, cfg.Pool.ConnectionTimeout.Std())
		require.Equal(t, 250*time.Millisecond, cfg.Registry.DefaultCleanupDeadline.Std())
		require.Equal(t, pool.DefaultConfig().IdleTimeout, cfg.Pool.IdleTimeout.Std())
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeFile(t, "[pool]\nmax_connections = 4\n")
		t.Setenv("LIFECYCLE_POOL_MAX_CONNECTIONS", "7")
		t.Setenv("LIFECYCLE_POOL_IDLE_TIMEOUT", "1m")
		t.Setenv("LIFECYCLE_LOG_LEVEL", "debug")
		cfg, err := config.Load(path)
		require.NoError(t, err)
		require.Equal(t, 7, cfg.Pool.MaxConnections)
		require.Equal(t, time.Minute, cfg.Pool.IdleTimeout.Std())
		require.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("unknown key", func(t *testing.T) {
		path := writeFile(t, "[pool]\nmax_conns = 4\n")
		_, err := config.Load(path)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
		require.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeFile(t, "[pool]\nmin_connections = 5\nmax_connections = 2\n")
		_, err := config.Load(path)
		require.ErrorContains(t, err, "MinConnections")
	})
}

func TestDecode(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		cfg := config.Default()
		cfg.Pool.MaxConnections = 3
		cfg.Introspect.Enabled = true
		var buf bytes.Buffer
		require.NoError(t, config.Encode(&buf, cfg))
		require.Contains(t, buf.String(), "30s")

		got, err := config.Decode(&buf)
		require.NoError(t, err)
		require.Equal(t, cfg, got)
	})

	t.Run("strict", func(t *testing.T) {
		_, err := config.Decode(strings.NewReader("[pool]\nmaximum = 1\n"))
		require.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := config.Decode(strings.NewReader("[pool]\nidle_timeout = \"soon\"\n"))
		require.Error(t, err)
	})

	t.Run("introspect listen address is required when enabled", func(t *testing.T) {
		_, err := config.Decode(strings.NewReader("[introspect]\nenabled = true\nlisten = \"\"\n"))
		require.ErrorContains(t, err, "Listen")
	})
}

func TestLogger(t *testing.T) {
	log, err := config.LogConfig{Level: "warn", Format: "json"}.Logger()
	require.NoError(t, err)
	require.Equal(t, logrus.WarnLevel, log.GetLevel())
	require.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	_, err = config.LogConfig{Level: "loud", Format: "text"}.Logger()
	require.Error(t, err)
}
