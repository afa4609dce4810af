package buffer

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names the coordinator observations delivered to subscribers.
type EventKind string

const (
	EventEnqueued   EventKind = "enqueued"
	EventProcessing EventKind = "processing"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
	EventDLQ        EventKind = "dlq"
	EventMetrics    EventKind = "metrics"
	EventStarted    EventKind = "started"
	EventStopped    EventKind = "stopped"
)

// Event is a process-local observation emitted by the coordinator.
// Subscriptions are not persistent; fields are populated per kind.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// enqueued, processing, completed, failed, dlq
	MessageID uuid.UUID `json:"message_id,omitempty"`
	Type      string    `json:"type,omitempty"`

	// enqueued
	Priority Priority `json:"priority,omitempty"`

	// processing
	AttemptCount int `json:"attempt_count,omitempty"`

	// completed
	Result         any           `json:"result,omitempty"`
	ProcessingTime time.Duration `json:"processing_time,omitempty"`

	// failed
	Error      string        `json:"error,omitempty"`
	WillRetry  bool          `json:"will_retry,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty"`

	// dlq
	Reason string `json:"reason,omitempty"`

	// metrics
	Metrics *MetricsSnapshot `json:"metrics,omitempty"`

	// started, stopped
	WorkerID string `json:"worker_id,omitempty"`
}

// MetricsSnapshot is the payload of metrics events.
type MetricsSnapshot struct {
	QueueDepth        StoreStats    `json:"queue_depth"`
	ActiveWorkers     int           `json:"active_workers"`
	Processed         int64         `json:"processed"`
	Failed            int64         `json:"failed"`
	DeadLettered      int64         `json:"dead_lettered"`
	ProcessingTimeP50 time.Duration `json:"processing_time_p50"`
	ProcessingTimeP95 time.Duration `json:"processing_time_p95"`
	ProcessingTimeMin time.Duration `json:"processing_time_min"`
	ProcessingTimeAvg time.Duration `json:"processing_time_avg"`
	ProcessingTimeMax time.Duration `json:"processing_time_max"`
}
