// Package config loads settings for pools, the resource registry, logging and the introspection
// server from TOML files and LIFECYCLE_ environment variables.
package config

import (
	"os"
	"time"

	"github.com/PetroPower/lifecycle/pool"
	"github.com/PetroPower/lifecycle/resource"
	"github.com/sirupsen/logrus"
)

// DefaultCacheTTL is how long the introspection server reuses a snapshot.
const DefaultCacheTTL = time.Second

// Config holds all settings.
type Config struct {
	Pool       PoolConfig       `mapstructure:"pool" toml:"pool"`
	Registry   RegistryConfig   `mapstructure:"registry" toml:"registry"`
	Log        LogConfig        `mapstructure:"log" toml:"log"`
	Introspect IntrospectConfig `mapstructure:"introspect" toml:"introspect"`
}

// PoolConfig mirrors pool.Config.
type PoolConfig struct {
	MinConnections      int      `mapstructure:"min_connections" toml:"min_connections" validate:"gte=0,ltefield=MaxConnections"`
	MaxConnections      int      `mapstructure:"max_connections" toml:"max_connections" validate:"gt=0"`
	ConnectionTimeout   Duration `mapstructure:"connection_timeout" toml:"connection_timeout" validate:"gt=0"`
	IdleTimeout         Duration `mapstructure:"idle_timeout" toml:"idle_timeout" validate:"gte=0"`
	HealthCheckInterval Duration `mapstructure:"health_check_interval" toml:"health_check_interval" validate:"gte=0"`
	MaxConnectRetries   int      `mapstructure:"max_connect_retries" toml:"max_connect_retries" validate:"gte=0"`
	ConnectRetryBackoff Duration `mapstructure:"connect_retry_backoff" toml:"connect_retry_backoff" validate:"gte=0"`
	// CreateRate limits new connections per second. Zero disables the limit.
	CreateRate  float64 `mapstructure:"create_rate" toml:"create_rate" validate:"gte=0"`
	CreateBurst int     `mapstructure:"create_burst" toml:"create_burst" validate:"gte=0"`
}

// RegistryConfig mirrors resource.Config.
type RegistryConfig struct {
	CleanupConcurrency     int      `mapstructure:"cleanup_concurrency" toml:"cleanup_concurrency" validate:"gt=0"`
	DefaultCleanupDeadline Duration `mapstructure:"default_cleanup_deadline" toml:"default_cleanup_deadline" validate:"gte=0"`
	FailureBuffer          int      `mapstructure:"failure_buffer" toml:"failure_buffer" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" toml:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" toml:"format" validate:"oneof=text json"`
}

// IntrospectConfig configures the HTTP snapshot endpoint.
type IntrospectConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Listen  string `mapstructure:"listen" toml:"listen" validate:"required_if=Enabled true,omitempty,hostname_port"`
	// CacheTTL is how long a snapshot is served before it is taken again.
	CacheTTL Duration `mapstructure:"cache_ttl" toml:"cache_ttl" validate:"gte=0"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	p := pool.DefaultConfig()
	r := resource.DefaultConfig()
	return &Config{
		Pool: PoolConfig{
			MinConnections:      p.MinConnections,
			MaxConnections:      p.MaxConnections,
			ConnectionTimeout:   Duration(p.ConnectionTimeout),
			IdleTimeout:         Duration(p.IdleTimeout),
			HealthCheckInterval: Duration(p.HealthCheckInterval),
			MaxConnectRetries:   p.MaxConnectRetries,
			ConnectRetryBackoff: Duration(p.ConnectRetryBackoff),
			CreateRate:          p.CreateRate,
			CreateBurst:         p.CreateBurst,
		},
		Registry: RegistryConfig{
			CleanupConcurrency:     r.CleanupConcurrency,
			DefaultCleanupDeadline: Duration(r.DefaultCleanupDeadline),
			FailureBuffer:          r.FailureBuffer,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Introspect: IntrospectConfig{
			Listen:   "127.0.0.1:9464",
			CacheTTL: Duration(DefaultCacheTTL),
		},
	}
}

// PoolConfig converts the pool section.
func (c *Config) PoolConfig() pool.Config {
	p := c.Pool
	return pool.Config{
		MinConnections:      p.MinConnections,
		MaxConnections:      p.MaxConnections,
		ConnectionTimeout:   p.ConnectionTimeout.Std(),
		IdleTimeout:         p.IdleTimeout.Std(),
		HealthCheckInterval: p.HealthCheckInterval.Std(),
		MaxConnectRetries:   p.MaxConnectRetries,
		ConnectRetryBackoff: p.ConnectRetryBackoff.Std(),
		CreateRate:          p.CreateRate,
		CreateBurst:         p.CreateBurst,
	}
}

// RegistryConfig converts the registry section.
func (c *Config) RegistryConfig() resource.Config {
	r := c.Registry
	return resource.Config{
		CleanupConcurrency:     r.CleanupConcurrency,
		DefaultCleanupDeadline: r.DefaultCleanupDeadline.Std(),
		FailureBuffer:          r.FailureBuffer,
	}
}

// Logger builds a logger writing to stderr.
func (c LogConfig) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
