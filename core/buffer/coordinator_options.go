package buffer

import (
	"log/slog"
	"time"
)

// CoordinatorOption is a functional option for configuring a coordinator.
type CoordinatorOption func(*coordinatorOptions)

type coordinatorOptions struct {
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
	registry *Registry
	breakers *BreakerSet
}

// WithConfig replaces the whole configuration. Validation happens in
// NewCoordinator.
func WithConfig(cfg Config) CoordinatorOption {
	return func(o *coordinatorOptions) {
		o.cfg = cfg
	}
}

// WithConcurrency sets the maximum number of parallel workers.
func WithConcurrency(n int) CoordinatorOption {
	return func(o *coordinatorOptions) {
		if n > 0 {
			o.cfg.Concurrency = n
		}
	}
}

// WithPollInterval sets the base sleep between storage polls.
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(o *coordinatorOptions) {
		if d > 0 {
			o.cfg.PollInterval = d
		}
	}
}

// WithBatchSize sets the claim batch size hint.
func WithBatchSize(n int) CoordinatorOption {
	return func(o *coordinatorOptions) {
		if n > 0 {
			o.cfg.BatchSize = n
		}
	}
}

// WithMaxQueueSize sets the pending-depth admission cap.
func WithMaxQueueSize(n int) CoordinatorOption {
	return func(o *coordinatorOptions) {
		if n > 0 {
			o.cfg.MaxQueueSize = n
		}
	}
}

// WithLogger sets the coordinator logger. Components default to a discard
// logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(o *coordinatorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock injects the wall-clock source used for timestamps, backoff, and
// latency accounting. Defaults to time.Now.
func WithClock(clock func() time.Time) CoordinatorOption {
	return func(o *coordinatorOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithRegistry shares a pre-populated handler registry.
func WithRegistry(r *Registry) CoordinatorOption {
	return func(o *coordinatorOptions) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithBreakerSet shares a breaker set between coordinators.
func WithBreakerSet(s *BreakerSet) CoordinatorOption {
	return func(o *coordinatorOptions) {
		if s != nil {
			o.breakers = s
		}
	}
}
