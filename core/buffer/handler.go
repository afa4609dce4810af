package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Handler processes messages of a single type. Only Process is
	// mandatory; the optional capabilities below are discovered via
	// interface assertions on the same value.
	Handler interface {
		// Type returns the message type this handler consumes.
		Type() string
		// Process executes the work. The context carries a combined
		// cancellation signal: handler timeout, coordinator shutdown, and
		// any parent cancellation. The returned value is persisted as the
		// message result on success.
		Process(ctx context.Context, msg *Message) (any, error)
	}

	// PayloadValidator rejects malformed payloads before processing.
	// Validation failures are non-retryable.
	PayloadValidator interface {
		Validate(payload map[string]any) error
	}

	// BeforeHook runs before Process. Errors propagate as attempt failures.
	BeforeHook interface {
		BeforeProcess(ctx context.Context, msg *Message) error
	}

	// AfterHook runs after a successful Process.
	AfterHook interface {
		AfterProcess(ctx context.Context, msg *Message, result any) error
	}

	// RetryAdvisor decides whether a processing error is worth retrying.
	// Handlers without this capability get DefaultRetryAdvice.
	RetryAdvisor interface {
		RetryOn(err error, msg *Message) bool
	}

	// PolicyProvider overrides per-handler policy defaults.
	PolicyProvider interface {
		Policy() Policy
	}
)

// Policy is the static per-handler policy applied at dispatch time.
// Zero values defer to the coordinator configuration.
type Policy struct {
	// Timeout bounds a single Process invocation. The effective timeout is
	// the smaller of this and the configured message timeout.
	Timeout time.Duration
	// Idempotent is advisory: it documents that redelivery is safe.
	Idempotent bool
	// MaxRetries overrides the configured default for messages of this type
	// when the enqueue request does not set its own.
	MaxRetries int
	// HasMaxRetries distinguishes an explicit zero from "not set".
	HasMaxRetries bool
}

// HandlerFunc adapts plain functions into Handlers with optional
// capabilities attached through HandlerOption values.
type HandlerFunc struct {
	msgType  string
	process  func(ctx context.Context, msg *Message) (any, error)
	validate func(payload map[string]any) error
	before   func(ctx context.Context, msg *Message) error
	after    func(ctx context.Context, msg *Message, result any) error
	retryOn  func(err error, msg *Message) bool
	policy   Policy
}

// HandlerOption attaches optional capabilities to a HandlerFunc.
type HandlerOption func(*HandlerFunc)

// WithHandlerTimeout bounds a single invocation of this handler.
func WithHandlerTimeout(d time.Duration) HandlerOption {
	return func(h *HandlerFunc) {
		if d > 0 {
			h.policy.Timeout = d
		}
	}
}

// WithIdempotent documents that redelivery of this handler's messages is safe.
func WithIdempotent() HandlerOption {
	return func(h *HandlerFunc) {
		h.policy.Idempotent = true
	}
}

// WithHandlerMaxRetries sets the default retry cap for this message type.
func WithHandlerMaxRetries(n int) HandlerOption {
	return func(h *HandlerFunc) {
		if n >= 0 {
			h.policy.MaxRetries = n
			h.policy.HasMaxRetries = true
		}
	}
}

// WithValidator rejects malformed payloads before processing.
func WithValidator(fn func(payload map[string]any) error) HandlerOption {
	return func(h *HandlerFunc) {
		h.validate = fn
	}
}

// WithBeforeProcess runs before each invocation.
func WithBeforeProcess(fn func(ctx context.Context, msg *Message) error) HandlerOption {
	return func(h *HandlerFunc) {
		h.before = fn
	}
}

// WithAfterProcess runs after each successful invocation.
func WithAfterProcess(fn func(ctx context.Context, msg *Message, result any) error) HandlerOption {
	return func(h *HandlerFunc) {
		h.after = fn
	}
}

// WithRetryAdvisor overrides the default retry advice for this handler.
func WithRetryAdvisor(fn func(err error, msg *Message) bool) HandlerOption {
	return func(h *HandlerFunc) {
		h.retryOn = fn
	}
}

// NewHandlerFunc builds a Handler from a processing function.
func NewHandlerFunc(msgType string, process func(ctx context.Context, msg *Message) (any, error), opts ...HandlerOption) *HandlerFunc {
	h := &HandlerFunc{
		msgType: msgType,
		process: process,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewTypedHandler builds a Handler whose payload is decoded into T before
// processing. Decoding failures are validation failures: non-retryable.
func NewTypedHandler[T any](msgType string, process func(ctx context.Context, msg *Message, payload T) (any, error), opts ...HandlerOption) *HandlerFunc {
	return NewHandlerFunc(msgType, func(ctx context.Context, msg *Message) (any, error) {
		var payload T
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, MarkNonRetryable(errors.Join(ErrInvalidMessage, err))
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, MarkNonRetryable(errors.Join(ErrInvalidMessage, err))
		}
		return process(ctx, msg, payload)
	}, opts...)
}

func (h *HandlerFunc) Type() string { return h.msgType }

func (h *HandlerFunc) Process(ctx context.Context, msg *Message) (any, error) {
	return h.process(ctx, msg)
}

func (h *HandlerFunc) Validate(payload map[string]any) error {
	if h.validate == nil {
		return nil
	}
	return h.validate(payload)
}

func (h *HandlerFunc) BeforeProcess(ctx context.Context, msg *Message) error {
	if h.before == nil {
		return nil
	}
	return h.before(ctx, msg)
}

func (h *HandlerFunc) AfterProcess(ctx context.Context, msg *Message, result any) error {
	if h.after == nil {
		return nil
	}
	return h.after(ctx, msg, result)
}

func (h *HandlerFunc) RetryOn(err error, msg *Message) bool {
	if h.retryOn == nil {
		return DefaultRetryAdvice(err)
	}
	return h.retryOn(err, msg)
}

func (h *HandlerFunc) Policy() Policy { return h.policy }

// DefaultRetryAdvice reports whether a processing error should be retried.
// Validation failures, unknown handlers, and errors already marked
// non-retryable are final. Everything else, transient network-class
// failures included, is retried: the buffer promises at-least-once delivery
// and only the retry budget bounds redelivery.
func DefaultRetryAdvice(err error) bool {
	switch {
	case err == nil, IsNonRetryable(err):
		return false
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrHandlerNotFound):
		return false
	}
	return true
}
