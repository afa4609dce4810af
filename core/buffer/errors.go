package buffer

import "errors"

var (
	// ErrShutdownInProgress is returned by Enqueue once the coordinator has
	// started shutting down.
	ErrShutdownInProgress = errors.New("buffer: shutdown in progress")

	// ErrQueueFull is returned when the pending depth has reached the
	// configured admission cap.
	ErrQueueFull = errors.New("buffer: queue is full")

	// ErrDuplicateMessage is returned by the store when a non-terminal
	// message with the same (tenant, idempotency key) pair already exists.
	ErrDuplicateMessage = errors.New("buffer: duplicate message")

	// ErrHandlerNotFound is returned when no handler is registered for a
	// message type.
	ErrHandlerNotFound = errors.New("buffer: handler not found")

	// ErrCircuitOpen is returned when the tenant's circuit breaker for the
	// handler type denies the request.
	ErrCircuitOpen = errors.New("buffer: circuit breaker is open")

	// ErrMessageTimeout is returned when a handler exceeds its effective
	// timeout.
	ErrMessageTimeout = errors.New("buffer: message processing timed out")

	// ErrMaxRetriesExceeded marks a message that exhausted its retry budget.
	ErrMaxRetriesExceeded = errors.New("buffer: max retries exceeded")

	// ErrInvalidMessage is returned when an enqueue request is missing
	// required fields or a handler rejects the payload during validation.
	ErrInvalidMessage = errors.New("buffer: invalid message")

	// ErrPersistenceFailure wraps unrecoverable storage errors.
	ErrPersistenceFailure = errors.New("buffer: persistence failure")

	// ErrTenantRequired is a programmer error: circuit breaking is enabled
	// but the message carries no tenant identifier.
	ErrTenantRequired = errors.New("buffer: tenant id is required")

	// ErrMessageNotFound is returned by store operations targeting an
	// unknown message id.
	ErrMessageNotFound = errors.New("buffer: message not found")

	// ErrInvalidHandlerType is returned when registering a handler with an
	// empty type.
	ErrInvalidHandlerType = errors.New("buffer: handler type cannot be empty")

	// ErrStorageNil is returned when a component is constructed without a
	// storage backend.
	ErrStorageNil = errors.New("buffer: storage cannot be nil")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("buffer: invalid configuration")

	// ErrNotRunning is returned by Stop when the coordinator was never
	// started.
	ErrNotRunning = errors.New("buffer: coordinator is not running")
)

// noRetryError annotates an error as non-retryable. The coordinator skips
// the retry path for messages failing with such errors.
type noRetryError struct {
	err error
}

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// MarkNonRetryable wraps err so that IsNonRetryable reports true.
func MarkNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

// IsNonRetryable reports whether err carries a non-retryable annotation.
func IsNonRetryable(err error) bool {
	var nre *noRetryError
	return errors.As(err, &nre)
}
