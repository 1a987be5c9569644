package resource

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures a Registry.
type Config struct {
	// CleanupConcurrency is the number of cleanup workers. Defaults to 4.
	CleanupConcurrency int
	// DefaultCleanupDeadline bounds CleanupAll when its context has no deadline.
	// Zero means wait for every cleanup.
	DefaultCleanupDeadline time.Duration
	// FailureBuffer is the capacity of the Failures channel. Failures reported while it is
	// full are counted and dropped.
	FailureBuffer int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CleanupConcurrency:     4,
		DefaultCleanupDeadline: 30 * time.Second,
		FailureBuffer:          64,
	}
}

type options struct {
	log      logrus.FieldLogger
	reporter FailureReporter
}

// Option customizes a Registry or a Guard.
type Option func(*options)

// WithLogger sets the logger. Defaults to logrus.StandardLogger().
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithReporter sets where a Guard sends failures of cleanups that nobody waits for, such as those
// started by Close. A Registry is a FailureReporter.
func WithReporter(r FailureReporter) Option {
	return func(o *options) { o.reporter = r }
}

func buildOptions(opts []Option) options {
	o := options{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
