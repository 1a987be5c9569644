package pool

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures a Pool.
type Config struct {
	// MinConnections is the number of idle connections the maintainer tries to keep open.
	MinConnections int
	// MaxConnections bounds idle plus checked out connections. Must be 1 or greater.
	MaxConnections int
	// ConnectionTimeout bounds Acquire calls whose context has no deadline, and the
	// validation done on release. Zero means no bound.
	ConnectionTimeout time.Duration
	// IdleTimeout is how long a connection may sit idle before the maintainer closes it.
	// Zero disables idle eviction.
	IdleTimeout time.Duration
	// HealthCheckInterval is how often idle connections are validated. Zero disables the check.
	HealthCheckInterval time.Duration
	// MaxConnectRetries is the number of extra Create+Validate attempts made before Acquire
	// gives up with ErrExhausted.
	MaxConnectRetries int
	// ConnectRetryBackoff is the pause between connect attempts.
	ConnectRetryBackoff time.Duration
	// CreateRate limits new connections per second. Zero means unlimited.
	CreateRate float64
	// CreateBurst is the burst allowed by CreateRate. Defaults to 1.
	CreateBurst int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinConnections:      0,
		MaxConnections:      10,
		ConnectionTimeout:   30 * time.Second,
		IdleTimeout:         10 * time.Minute,
		HealthCheckInterval: time.Minute,
		MaxConnectRetries:   2,
		ConnectRetryBackoff: 100 * time.Millisecond,
	}
}

func (c Config) validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("max connections must be 1 or greater")
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		return fmt.Errorf("min connections must be between 0 and %d", c.MaxConnections)
	}
	if c.MaxConnectRetries < 0 {
		return fmt.Errorf("max connect retries must not be negative")
	}
	if c.CreateRate < 0 {
		return fmt.Errorf("create rate must not be negative")
	}
	return nil
}

type options struct {
	log logrus.FieldLogger
}

// Option customizes a Pool.
type Option func(*options)

// WithLogger sets the logger used by the pool. Defaults to logrus.StandardLogger().
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}
