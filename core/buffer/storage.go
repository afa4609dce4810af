package buffer

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EnqueuerRepository defines the interface for message creation and lookup.
type EnqueuerRepository interface {
	// CreateMessage persists a new message. When the message carries an
	// idempotency key and a non-terminal message with the same
	// (tenant, key) pair already exists, it returns ErrDuplicateMessage.
	// The unique constraint is the authority, not a prior read.
	CreateMessage(ctx context.Context, msg *Message) error

	// FindByID returns the message or (nil, nil) when not found.
	FindByID(ctx context.Context, id uuid.UUID) (*Message, error)

	// FindByIdempotencyKey returns the newest non-terminal message with the
	// given key within the tenant, or (nil, nil) when not found.
	FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*Message, error)
}

// WorkerRepository defines the interface for claim and state transitions.
type WorkerRepository interface {
	// ClaimNextBatch atomically claims up to limit pending messages whose
	// visibility time has passed, ordered by (priority ASC, createdAt ASC).
	// Each claimed message transitions to processing with the workerID set,
	// attemptCount incremented, and visibility extended by visibilityTimeout.
	// Concurrent callers never receive the same message. The returned slice
	// may be shorter than limit without error.
	ClaimNextBatch(ctx context.Context, limit int, workerID uuid.UUID, visibilityTimeout time.Duration) ([]*Message, error)

	// MarkCompleted finalizes a processing message, stores the handler
	// result and sets the completed-state retention window. Completion is
	// conditional on the message still being processing: terminal and
	// pending states are never overwritten. Returns (nil, nil) if the
	// message does not exist or was already settled elsewhere.
	MarkCompleted(ctx context.Context, id uuid.UUID, result any) (*Message, error)

	// MarkFailed appends the attempt error. If the retry budget is exhausted
	// or cause.NoRetry is set, the message becomes failed with the
	// failed-state retention window and willRetry is false. Otherwise the
	// message returns to pending, invisible for retryDelay, and willRetry
	// is true.
	MarkFailed(ctx context.Context, id uuid.UUID, cause AttemptError, retryDelay time.Duration) (willRetry bool, msg *Message, err error)

	// MoveToDLQ quarantines a message. DLQ records carry no expiry.
	// Returns (nil, nil) if the message does not exist.
	MoveToDLQ(ctx context.Context, id uuid.UUID, reason string) (*Message, error)

	// ReleaseStuckMessages fails every processing message whose claim lease
	// started more than timeout ago, with code MESSAGE_TIMEOUT and a short
	// retry delay. Returns the number of messages that elected to retry.
	ReleaseStuckMessages(ctx context.Context, timeout time.Duration) (int, error)

	// ExtendLease pushes out the visibility deadline of a processing
	// message for long-running handlers.
	ExtendLease(ctx context.Context, id uuid.UUID, d time.Duration) error
}

// StatsRepository exposes depth counters and retention cleanup.
type StatsRepository interface {
	Stats(ctx context.Context) (StoreStats, error)

	// Cleanup deletes completed and failed messages whose retention expired.
	// When olderThan is positive it overrides the per-message expiry and
	// deletes terminal messages completed before now-olderThan. DLQ records
	// are never deleted by Cleanup.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// DLQFilter narrows DLQ listings.
type DLQFilter struct {
	Limit int
	Skip  int
	Type  string
	Since time.Time
}

// RequeueOptions control the administrative DLQ-to-pending transition.
type RequeueOptions struct {
	ResetAttempts   bool
	MaxRetries      *int
	VisibilityDelay time.Duration
}

// ErrorPattern aggregates DLQ residents by error signature for post-mortems.
type ErrorPattern struct {
	ErrorCode        string      `json:"error_code"`
	ErrorMessage     string      `json:"error_message"`
	Count            int64       `json:"count"`
	SampleMessageIDs []uuid.UUID `json:"sample_message_ids"`
}

// DLQStats summarizes the dead letter queue.
type DLQStats struct {
	Total            int64            `json:"total"`
	ByType           map[string]int64 `json:"by_type"`
	OldestMessageAge time.Duration    `json:"oldest_message_age"`
}

// DLQRepository defines the management surface over dead-lettered messages.
type DLQRepository interface {
	ListDLQ(ctx context.Context, filter DLQFilter) ([]*Message, error)
	CountDLQ(ctx context.Context, msgType string) (int64, error)

	// RequeueFromDLQ moves a DLQ message back to pending. This is an
	// administrative operation and intentionally breaks terminal stability.
	// Returns (nil, nil) if the message is not in the DLQ.
	RequeueFromDLQ(ctx context.Context, id uuid.UUID, opts RequeueOptions) (*Message, error)

	DeleteFromDLQ(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteDLQByType(ctx context.Context, msgType string) (int64, error)
	DeleteDLQOlderThan(ctx context.Context, olderThan time.Duration) (int64, error)

	DLQStats(ctx context.Context) (DLQStats, error)
	DLQErrorPatterns(ctx context.Context, limit int) ([]ErrorPattern, error)
}

// Storage is the unified interface combining all repository interfaces
// required by the coordinator and the DLQ manager. Implementations of this
// interface can serve as the complete backend for the work buffer.
type Storage interface {
	EnqueuerRepository
	WorkerRepository
	StatsRepository
	DLQRepository
}
