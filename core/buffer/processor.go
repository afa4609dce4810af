package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"
)

// Processor executes one handler invocation for one claimed message with
// policy enforcement: handler lookup, circuit breaking, validation, hooks,
// timeout, and retry advisory.
type Processor struct {
	registry *Registry
	breakers *BreakerSet
	cfg      Config
	logger   *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger for dispatch diagnostics.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a message processor. breakers may be nil when
// circuit breaking is disabled in cfg.
func NewProcessor(registry *Registry, breakers *BreakerSet, cfg Config, opts ...ProcessorOption) (*Processor, error) {
	if registry == nil {
		return nil, errors.New("buffer: registry cannot be nil")
	}
	if cfg.CircuitBreakerEnabled && breakers == nil {
		return nil, errors.New("buffer: breaker set required when circuit breaking is enabled")
	}

	p := &Processor{
		registry: registry,
		breakers: breakers,
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process dispatches a claimed message to its handler. The context passed to
// the handler combines the caller's cancellation (coordinator shutdown or a
// parent context) with the effective per-message timeout. Errors come back
// annotated: IsNonRetryable reports whether the retry path should be skipped.
func (p *Processor) Process(ctx context.Context, msg *Message) (any, error) {
	handler, err := p.registry.Lookup(msg.Type)
	if err != nil {
		return nil, MarkNonRetryable(fmt.Errorf("%w: %s", ErrHandlerNotFound, msg.Type))
	}

	var done func(success bool)
	if p.cfg.CircuitBreakerEnabled {
		done, err = p.breakers.Allow(msg.Metadata.TenantID, msg.Type)
		if err != nil {
			if errors.Is(err, ErrTenantRequired) {
				return nil, MarkNonRetryable(err)
			}
			// CIRCUIT_OPEN is a fail-fast denial, retryable after the
			// breaker's reset window.
			return nil, err
		}
	}

	result, err := p.dispatch(ctx, handler, msg)
	if done != nil {
		done(err == nil)
	}
	if err != nil {
		return nil, p.adviseRetry(handler, msg, err)
	}
	return result, nil
}

// dispatch runs validate, beforeProcess, process (under timeout), and
// afterProcess.
func (p *Processor) dispatch(ctx context.Context, handler Handler, msg *Message) (any, error) {
	if v, ok := handler.(PayloadValidator); ok {
		if err := v.Validate(msg.Payload); err != nil {
			return nil, MarkNonRetryable(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		}
	}

	if b, ok := handler.(BeforeHook); ok {
		if err := b.BeforeProcess(ctx, msg); err != nil {
			return nil, fmt.Errorf("before process: %w", err)
		}
	}

	result, err := p.invoke(ctx, handler, msg)
	if err != nil {
		return nil, err
	}

	if a, ok := handler.(AfterHook); ok {
		if err := a.AfterProcess(ctx, msg, result); err != nil {
			return nil, fmt.Errorf("after process: %w", err)
		}
	}

	return result, nil
}

// invoke runs the handler under the effective timeout. The handler runs in
// its own goroutine so the deadline fires even against handlers that ignore
// cancellation; a late result from such a handler is discarded.
func (p *Processor) invoke(ctx context.Context, handler Handler, msg *Message) (any, error) {
	timeout := p.effectiveTimeout(handler)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	outCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("handler panicked",
					slog.String("message_id", msg.ID.String()),
					slog.String("type", msg.Type),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				outCh <- outcome{err: fmt.Errorf("panic in handler: %v", r)}
			}
		}()

		result, err := handler.Process(ctx, msg)
		outCh <- outcome{result: result, err: err}
	}()

	select {
	case out := <-outCh:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrMessageTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}

// effectiveTimeout is the handler's own timeout when set, capped by the
// configured message timeout.
func (p *Processor) effectiveTimeout(handler Handler) time.Duration {
	timeout := p.cfg.MessageTimeout
	if policy := policyFor(handler); policy.Timeout > 0 && policy.Timeout < timeout {
		timeout = policy.Timeout
	}
	return timeout
}

// adviseRetry consults the handler's retry advisor and annotates the error
// when retrying is pointless.
func (p *Processor) adviseRetry(handler Handler, msg *Message, err error) error {
	if IsNonRetryable(err) {
		return err
	}

	retry := DefaultRetryAdvice(err)
	if advisor, ok := handler.(RetryAdvisor); ok {
		retry = advisor.RetryOn(err, msg)
	}
	if !retry {
		return MarkNonRetryable(err)
	}
	return err
}
