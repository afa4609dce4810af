package buffer

import (
	"errors"
	"fmt"
	"time"
)

// MaxConcurrency caps the worker pool size of a single coordinator instance.
const MaxConcurrency = 100

// Config holds the configuration for the work buffer coordinator and its
// components. Designed for environment-based configuration via caarlos0/env.
type Config struct {
	// Worker pool
	Concurrency  int           `env:"BUFFER_CONCURRENCY" envDefault:"5"`
	PollInterval time.Duration `env:"BUFFER_POLL_INTERVAL" envDefault:"1s"`
	BatchSize    int           `env:"BUFFER_BATCH_SIZE" envDefault:"10"`

	// Retry policy
	MaxRetries             int           `env:"BUFFER_MAX_RETRIES" envDefault:"3"`
	RetryBackoffBase       time.Duration `env:"BUFFER_RETRY_BACKOFF_BASE" envDefault:"1s"`
	RetryBackoffMax        time.Duration `env:"BUFFER_RETRY_BACKOFF_MAX" envDefault:"5m"`
	RetryBackoffMultiplier float64       `env:"BUFFER_RETRY_BACKOFF_MULTIPLIER" envDefault:"2"`

	// Timeouts
	MessageTimeout    time.Duration `env:"BUFFER_MESSAGE_TIMEOUT" envDefault:"30s"`
	VisibilityTimeout time.Duration `env:"BUFFER_VISIBILITY_TIMEOUT" envDefault:"60s"`

	// Admission control
	MaxQueueSize int `env:"BUFFER_MAX_QUEUE_SIZE" envDefault:"10000"`

	// Idempotency
	IdempotencyEnabled bool `env:"BUFFER_IDEMPOTENCY_ENABLED" envDefault:"true"`

	// Circuit breaking
	CircuitBreakerEnabled   bool          `env:"BUFFER_CIRCUIT_BREAKER_ENABLED" envDefault:"true"`
	CircuitBreakerThreshold int           `env:"BUFFER_CIRCUIT_BREAKER_THRESHOLD" envDefault:"5"`
	CircuitBreakerTimeout   time.Duration `env:"BUFFER_CIRCUIT_BREAKER_TIMEOUT" envDefault:"30s"`

	// Shutdown
	DrainOnShutdown bool          `env:"BUFFER_DRAIN_ON_SHUTDOWN" envDefault:"true"`
	ShutdownTimeout time.Duration `env:"BUFFER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Metrics
	MetricsEnabled  bool          `env:"BUFFER_METRICS_ENABLED" envDefault:"false"`
	MetricsInterval time.Duration `env:"BUFFER_METRICS_INTERVAL" envDefault:"30s"`

	// Cleanup
	CleanupInterval time.Duration `env:"BUFFER_CLEANUP_INTERVAL" envDefault:"1h"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		Concurrency:             5,
		PollInterval:            time.Second,
		BatchSize:               10,
		MaxRetries:              3,
		RetryBackoffBase:        time.Second,
		RetryBackoffMax:         5 * time.Minute,
		RetryBackoffMultiplier:  2,
		MessageTimeout:          30 * time.Second,
		VisibilityTimeout:       60 * time.Second,
		MaxQueueSize:            10000,
		IdempotencyEnabled:      true,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
		DrainOnShutdown:         true,
		ShutdownTimeout:         30 * time.Second,
		MetricsEnabled:          false,
		MetricsInterval:         30 * time.Second,
		CleanupInterval:         time.Hour,
	}
}

// Validate enforces the configuration constraints. Construction of a
// coordinator fails on the first violated constraint.
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1 || c.Concurrency > MaxConcurrency:
		return errors.Join(ErrInvalidConfig,
			fmt.Errorf("concurrency must be between 1 and %d, got %d", MaxConcurrency, c.Concurrency))
	case c.PollInterval <= 0:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	case c.BatchSize <= 0:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	case c.MaxRetries < 0:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries))
	case c.RetryBackoffBase < 0:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("retry backoff base cannot be negative, got %s", c.RetryBackoffBase))
	case c.RetryBackoffMax < c.RetryBackoffBase:
		return errors.Join(ErrInvalidConfig,
			fmt.Errorf("retry backoff max %s cannot be below base %s", c.RetryBackoffMax, c.RetryBackoffBase))
	case c.RetryBackoffMultiplier <= 1:
		return errors.Join(ErrInvalidConfig,
			fmt.Errorf("retry backoff multiplier must be greater than 1, got %g", c.RetryBackoffMultiplier))
	case c.MessageTimeout <= 0:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("message timeout must be positive, got %s", c.MessageTimeout))
	case c.VisibilityTimeout <= c.MessageTimeout:
		return errors.Join(ErrInvalidConfig,
			fmt.Errorf("visibility timeout %s must exceed message timeout %s", c.VisibilityTimeout, c.MessageTimeout))
	case c.MaxQueueSize <= 0:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("max queue size must be positive, got %d", c.MaxQueueSize))
	case c.CircuitBreakerEnabled && c.CircuitBreakerThreshold < 1:
		return errors.Join(ErrInvalidConfig,
			fmt.Errorf("circuit breaker threshold must be at least 1, got %d", c.CircuitBreakerThreshold))
	case c.CircuitBreakerEnabled && c.CircuitBreakerTimeout <= 0:
		return errors.Join(ErrInvalidConfig,
			fmt.Errorf("circuit breaker timeout must be positive, got %s", c.CircuitBreakerTimeout))
	case c.ShutdownTimeout <= 0:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout))
	case c.MetricsEnabled && c.MetricsInterval <= 0:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("metrics interval must be positive, got %s", c.MetricsInterval))
	case c.CleanupInterval <= 0:
		return errors.Join(ErrInvalidConfig, fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval))
	}
	return nil
}

// backoffDelay computes the retry delay for the attempt that just failed.
// n is zero-based: the first failed attempt gets the base delay.
func backoffDelay(cfg Config, attemptCount int) time.Duration {
	n := attemptCount - 1
	if n < 0 {
		n = 0
	}

	delay := float64(cfg.RetryBackoffBase)
	for i := 0; i < n; i++ {
		delay *= cfg.RetryBackoffMultiplier
		if delay >= float64(cfg.RetryBackoffMax) {
			return cfg.RetryBackoffMax
		}
	}
	if delay > float64(cfg.RetryBackoffMax) {
		return cfg.RetryBackoffMax
	}
	return time.Duration(delay)
}
