package mongo

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/workbuffer/core/buffer"
)

func sampleMessage() *buffer.Message {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	started := now.Add(time.Second)
	workerID := uuid.New()

	return &buffer.Message{
		ID:       uuid.New(),
		Type:     "send_email",
		Priority: buffer.PriorityHigh,
		State:    buffer.StateProcessing,
		Payload:  map[string]any{"to": "user@example.com"},
		Metadata: buffer.Metadata{
			TenantID:      "t1",
			CorrelationID: "corr-1",
		},
		AttemptCount:        2,
		MaxRetries:          3,
		VisibleAt:           now.Add(time.Minute),
		ProcessingStartedAt: &started,
		WorkerID:            &workerID,
		Errors: []buffer.AttemptError{{
			Message:       "smtp 451",
			Code:          buffer.CodeProcessingError,
			Timestamp:     now,
			AttemptNumber: 1,
		}},
		IdempotencyKey: "order-42",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestDocRoundTrip(t *testing.T) {
	t.Parallel()

	msg := sampleMessage()
	doc := toDoc(msg)

	assert.Equal(t, msg.ID.String(), doc.ID)
	assert.Equal(t, msg.WorkerID.String(), doc.WorkerID)

	got, err := fromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestToDoc_DedupeActive(t *testing.T) {
	t.Parallel()

	t.Run("active while non-terminal", func(t *testing.T) {
		t.Parallel()
		msg := sampleMessage()
		assert.True(t, toDoc(msg).DedupeActive)
	})

	t.Run("released on terminal states", func(t *testing.T) {
		t.Parallel()
		for _, state := range []buffer.State{buffer.StateCompleted, buffer.StateFailed, buffer.StateDLQ} {
			msg := sampleMessage()
			msg.State = state
			assert.False(t, toDoc(msg).DedupeActive, "state %s", state)
		}
	})

	t.Run("inactive without a key", func(t *testing.T) {
		t.Parallel()
		msg := sampleMessage()
		msg.IdempotencyKey = ""
		assert.False(t, toDoc(msg).DedupeActive)
	})
}

func TestToDoc_NilWorkerID(t *testing.T) {
	t.Parallel()

	msg := sampleMessage()
	msg.WorkerID = nil
	doc := toDoc(msg)
	assert.Empty(t, doc.WorkerID)

	got, err := fromDoc(doc)
	require.NoError(t, err)
	assert.Nil(t, got.WorkerID)
}

func TestFromDoc_CorruptIDs(t *testing.T) {
	t.Parallel()

	t.Run("message id", func(t *testing.T) {
		t.Parallel()
		doc := toDoc(sampleMessage())
		doc.ID = "not-a-uuid"
		_, err := fromDoc(doc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt message id")
	})

	t.Run("worker id", func(t *testing.T) {
		t.Parallel()
		doc := toDoc(sampleMessage())
		doc.WorkerID = "not-a-uuid"
		_, err := fromDoc(doc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt worker id")
	})
}
