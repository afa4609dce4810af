package buffer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Service provides a unified management interface over the work buffer: it
// owns a Coordinator and a DLQManager on a shared storage and runs them
// under one error group. It is the intended integration point for
// applications that also run other long-lived components.
type Service struct {
	coordinator *Coordinator
	dlq         *DLQManager
	storage     Storage
	logger      *slog.Logger

	// Extra long-running components joined into Run's error group, e.g. a
	// conversation buffer manager's Run.
	runnables []func(ctx context.Context) func() error

	beforeStart func(context.Context) error
	afterStop   func() error
}

// ServiceOption configures a Service.
type ServiceOption func(*Service) error

// WithServiceLogger sets the logger for lifecycle messages and propagates it
// nowhere else; component loggers are set through their own options.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithCoordinator replaces the default coordinator.
func WithCoordinator(c *Coordinator) ServiceOption {
	return func(s *Service) error {
		if c != nil {
			s.coordinator = c
		}
		return nil
	}
}

// WithCoordinatorOptions rebuilds the coordinator with the given options.
func WithCoordinatorOptions(opts ...CoordinatorOption) ServiceOption {
	return func(s *Service) error {
		c, err := NewCoordinator(s.storage, opts...)
		if err != nil {
			return err
		}
		s.coordinator = c
		return nil
	}
}

// WithRunnable joins another long-running component into the service's error
// group. The function receives the group context and returns the task to run,
// matching the Run(ctx) func() error lifecycle shape.
func WithRunnable(run func(ctx context.Context) func() error) ServiceOption {
	return func(s *Service) error {
		if run != nil {
			s.runnables = append(s.runnables, run)
		}
		return nil
	}
}

// WithBeforeStart registers a hook that runs before any component starts,
// e.g. index creation on the storage backend.
func WithBeforeStart(hook func(context.Context) error) ServiceOption {
	return func(s *Service) error {
		s.beforeStart = hook
		return nil
	}
}

// WithAfterStop registers a hook that runs after the error group settles.
func WithAfterStop(hook func() error) ServiceOption {
	return func(s *Service) error {
		s.afterStop = hook
		return nil
	}
}

// NewService creates a work buffer service over the given storage.
func NewService(storage Storage, opts ...ServiceOption) (*Service, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}

	s := &Service{
		storage: storage,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	coordinator, err := NewCoordinator(storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	s.coordinator = coordinator

	dlq, err := NewDLQManager(storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create dlq manager: %w", err)
	}
	s.dlq = dlq

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply service option: %w", err)
		}
	}

	return s, nil
}

// Run starts every component in an error group and blocks until the context
// is cancelled or a component fails. Each component stops gracefully when the
// group context ends.
func (s *Service) Run(ctx context.Context) error {
	if s.beforeStart != nil {
		if err := s.beforeStart(ctx); err != nil {
			return fmt.Errorf("before start hook failed: %w", err)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)

	s.logger.InfoContext(ctx, "starting work buffer service")
	eg.Go(s.coordinator.Run(ctx))
	for _, run := range s.runnables {
		eg.Go(run(ctx))
	}

	err := eg.Wait()

	if s.afterStop != nil {
		if stopErr := s.afterStop(); stopErr != nil {
			if err == nil {
				err = fmt.Errorf("after stop hook failed: %w", stopErr)
			} else {
				s.logger.ErrorContext(context.Background(), "after stop hook failed",
					slog.String("error", stopErr.Error()))
			}
		}
	}

	return err
}

// Stop gracefully stops the coordinator outside of Run-based lifecycles.
func (s *Service) Stop() error {
	s.logger.Info("stopping work buffer service")
	return s.coordinator.Stop()
}

// Coordinator returns the coordinator for enqueueing and subscriptions.
func (s *Service) Coordinator() *Coordinator { return s.coordinator }

// DLQ returns the dead letter queue manager.
func (s *Service) DLQ() *DLQManager { return s.dlq }

// Storage returns the underlying storage implementation.
func (s *Service) Storage() Storage { return s.storage }

// RegisterHandler registers a message handler with the coordinator.
func (s *Service) RegisterHandler(h Handler) error {
	return s.coordinator.RegisterHandler(h)
}

// RegisterHandlers registers multiple message handlers with the coordinator.
func (s *Service) RegisterHandlers(handlers ...Handler) error {
	for _, h := range handlers {
		if err := s.coordinator.RegisterHandler(h); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue admits a message through the coordinator.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	return s.coordinator.Enqueue(ctx, req)
}
