package coalesce

import (
	"log/slog"
	"time"
)

// Config holds tuning for the table and dispatcher.
type Config struct {
	// GracePeriod is how long a dispatched group stays in the table,
	// measured from the moment of dispatch. Zero evicts the group as soon
	// as its results are delivered. DefaultConfig uses DefaultGracePeriod.
	GracePeriod time.Duration

	// CallTimeout bounds each downstream batched call. Default: 120s.
	CallTimeout time.Duration

	// Workers is the number of dispatch loops. Default: 1, which keeps at
	// most one downstream call in flight.
	Workers int

	// IgnoredParams are dropped from the compatibility key and from the
	// parameters forwarded downstream.
	IgnoredParams []string

	// Logger receives dispatch failures. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultGracePeriod is the grace period used by DefaultConfig.
const DefaultGracePeriod = 3 * time.Second

// DefaultConfig returns a Config with default values filled in.
func DefaultConfig() Config {
	return Config{GracePeriod: DefaultGracePeriod}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 120 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
