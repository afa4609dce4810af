package convo

import (
	"errors"
	"fmt"
	"time"
)

// MinDelay is the lower bound on the per-sender debounce delay. AddMessage
// coerces smaller values up and logs a warning.
const MinDelay = time.Second

// ErrInvalidConfig is returned by Validate for out-of-range values.
var ErrInvalidConfig = errors.New("convo: invalid configuration")

// Config holds the configuration for the conversation buffer manager.
// Designed for environment-based configuration via caarlos0/env.
type Config struct {
	// CleanupInterval is the period of the stale-entry sweep.
	CleanupInterval time.Duration `env:"CONVO_CLEANUP_INTERVAL" envDefault:"1m"`
	// StaleThreshold is the inactivity age at which an entry is destroyed
	// without flushing.
	StaleThreshold time.Duration `env:"CONVO_STALE_THRESHOLD" envDefault:"10m"`
	// DefaultDelay is used when AddMessage passes a zero delay.
	DefaultDelay time.Duration `env:"CONVO_DEFAULT_DELAY" envDefault:"4s"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: time.Minute,
		StaleThreshold:  10 * time.Minute,
		DefaultDelay:    4 * time.Second,
	}
}

// Validate enforces the configuration constraints.
func (c Config) Validate() error {
	switch {
	case c.CleanupInterval <= 0:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval))
	case c.StaleThreshold <= 0:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("stale threshold must be positive, got %s", c.StaleThreshold))
	case c.StaleThreshold < c.CleanupInterval:
		return errors.Join(ErrInvalidConfig,
			fmt.Errorf("stale threshold %s cannot be below cleanup interval %s", c.StaleThreshold, c.CleanupInterval))
	case c.DefaultDelay < MinDelay:
		return errors.Join(ErrInvalidConfig,
			fmt.Errorf("default delay %s cannot be below the %s minimum", c.DefaultDelay, MinDelay))
	}
	return nil
}
