package buffer

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State tracks the lifecycle of a message through the buffer.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDLQ        State = "dlq"
	StateTimeout    State = "timeout"
)

// Terminal reports whether no further transitions are expected except cleanup.
// The administrative DLQ requeue is exempt from this.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDLQ
}

// Priority orders messages within the buffer. Lower values win.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Valid checks if the priority is within the allowed range (0-3).
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// NormalizePriority accepts an integer in [0,3] or a case-insensitive
// priority name. Anything else falls back to PriorityNormal.
func NormalizePriority(v any) Priority {
	switch p := v.(type) {
	case nil:
		return PriorityNormal
	case Priority:
		if p.Valid() {
			return p
		}
		return PriorityNormal
	case int:
		if Priority(p).Valid() {
			return Priority(p)
		}
		return PriorityNormal
	case string:
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "critical":
			return PriorityCritical
		case "high":
			return PriorityHigh
		case "normal":
			return PriorityNormal
		case "low":
			return PriorityLow
		}
		return PriorityNormal
	default:
		return PriorityNormal
	}
}

// Metadata carries routing and tracing context alongside a message.
// TenantID isolates circuit breakers and idempotency keys between tenants.
type Metadata struct {
	CorrelationID string         `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	Source        string         `json:"source,omitempty" bson:"source,omitempty"`
	UserID        string         `json:"user_id,omitempty" bson:"user_id,omitempty"`
	TenantID      string         `json:"tenant_id,omitempty" bson:"tenant_id,omitempty"`
	TraceID       string         `json:"trace_id,omitempty" bson:"trace_id,omitempty"`
	Custom        map[string]any `json:"custom,omitempty" bson:"custom,omitempty"`
}

// AttemptError records one failed processing attempt.
type AttemptError struct {
	Message       string    `json:"message" bson:"message"`
	Code          string    `json:"code,omitempty" bson:"code,omitempty"`
	Stack         string    `json:"stack,omitempty" bson:"stack,omitempty"`
	Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
	AttemptNumber int       `json:"attempt_number" bson:"attempt_number"`
	// NoRetry advises the store to skip the retry path regardless of the
	// remaining retry budget.
	NoRetry bool `json:"no_retry,omitempty" bson:"no_retry,omitempty"`
}

// Error codes recorded in AttemptError.Code and surfaced in DLQ reports.
const (
	CodeMessageTimeout  = "MESSAGE_TIMEOUT"
	CodeCircuitOpen     = "CIRCUIT_OPEN"
	CodeHandlerNotFound = "HANDLER_NOT_FOUND"
	CodeMovedToDLQ      = "MOVED_TO_DLQ"
	CodeHandlerPanic    = "HANDLER_PANIC"
	CodeProcessingError = "PROCESSING_ERROR"
)

// Message is the unit of durable work.
type Message struct {
	ID                  uuid.UUID      `json:"id" bson:"-"`
	Type                string         `json:"type" bson:"type"`
	Priority            Priority       `json:"priority" bson:"priority"`
	State               State          `json:"state" bson:"state"`
	Payload             map[string]any `json:"payload" bson:"payload"`
	Metadata            Metadata       `json:"metadata" bson:"metadata"`
	AttemptCount        int            `json:"attempt_count" bson:"attempt_count"`
	MaxRetries          int            `json:"max_retries" bson:"max_retries"`
	VisibleAt           time.Time      `json:"visible_at" bson:"visible_at"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty" bson:"processing_started_at,omitempty"`
	LastProcessedAt     *time.Time     `json:"last_processed_at,omitempty" bson:"last_processed_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	WorkerID            *uuid.UUID     `json:"worker_id,omitempty" bson:"-"`
	Errors              []AttemptError `json:"errors,omitempty" bson:"errors,omitempty"`
	LastError           *AttemptError  `json:"last_error,omitempty" bson:"last_error,omitempty"`
	IdempotencyKey      string         `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
	Result              any            `json:"result,omitempty" bson:"result,omitempty"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" bson:"updated_at"`
}

// Retention windows applied when a message reaches a terminal state.
// DLQ records carry no expiry and are never auto-deleted.
const (
	CompletedRetention = 24 * time.Hour
	FailedRetention    = 7 * 24 * time.Hour
)

// StoreStats is a point-in-time snapshot of buffer depth by state.
type StoreStats struct {
	Pending          int64         `json:"pending"`
	Processing       int64         `json:"processing"`
	Completed        int64         `json:"completed"`
	Failed           int64         `json:"failed"`
	DLQ              int64         `json:"dlq"`
	Total            int64         `json:"total"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}
