package buffer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/workbuffer/core/buffer"
)

// seedDeadLetter inserts a message and quarantines it.
func seedDeadLetter(t *testing.T, store *buffer.MemoryStorage, clock *testClock, msgType string) *buffer.Message {
	t.Helper()

	msg := newMessage(clock, msgType, buffer.PriorityNormal)
	msg.Errors = []buffer.AttemptError{{
		Message:       "handler failed",
		Code:          buffer.CodeProcessingError,
		AttemptNumber: 1,
	}}
	require.NoError(t, store.CreateMessage(context.Background(), msg))

	moved, err := store.MoveToDLQ(context.Background(), msg.ID, "Max retries (3) exceeded")
	require.NoError(t, err)
	return moved
}

func newDLQManager(t *testing.T, store *buffer.MemoryStorage) *buffer.DLQManager {
	t.Helper()
	m, err := buffer.NewDLQManager(store)
	require.NoError(t, err)
	return m
}

func TestNewDLQManager_NilStorage(t *testing.T) {
	t.Parallel()
	_, err := buffer.NewDLQManager(nil)
	assert.ErrorIs(t, err, buffer.ErrStorageNil)
}

func TestDLQManager_ListCountGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := newTestClock()
	store := buffer.NewMemoryStorage(buffer.WithMemoryClock(clock.Now))
	m := newDLQManager(t, store)

	a := seedDeadLetter(t, store, clock, "email")
	clock.Advance(time.Second)
	b := seedDeadLetter(t, store, clock, "billing")

	t.Run("list newest first", func(t *testing.T) {
		msgs, err := m.List(ctx, buffer.DLQFilter{})
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, b.ID, msgs[0].ID)
		assert.Equal(t, a.ID, msgs[1].ID)
	})

	t.Run("count by type", func(t *testing.T) {
		count, err := m.Count(ctx, "email")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("get", func(t *testing.T) {
		msg, err := m.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.ID, msg.ID)
	})

	t.Run("get rejects non-dlq messages", func(t *testing.T) {
		pending := newMessage(clock, "email", buffer.PriorityNormal)
		require.NoError(t, store.CreateMessage(ctx, pending))

		_, err := m.Get(ctx, pending.ID)
		assert.ErrorIs(t, err, buffer.ErrMessageNotFound)

		_, err = m.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, buffer.ErrMessageNotFound)
	})
}

func TestDLQManager_Retry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := newTestClock()
	store := buffer.NewMemoryStorage(buffer.WithMemoryClock(clock.Now))
	m := newDLQManager(t, store)

	dead := seedDeadLetter(t, store, clock, "email")

	t.Run("requeues with reset attempts", func(t *testing.T) {
		msg, err := m.Retry(ctx, dead.ID, buffer.RequeueOptions{ResetAttempts: true})
		require.NoError(t, err)
		assert.Equal(t, buffer.StatePending, msg.State)
		assert.Zero(t, msg.AttemptCount)
	})

	t.Run("second retry reports not found", func(t *testing.T) {
		_, err := m.Retry(ctx, dead.ID, buffer.RequeueOptions{})
		assert.ErrorIs(t, err, buffer.ErrMessageNotFound)
	})
}

func TestDLQManager_RetryBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := newTestClock()
	store := buffer.NewMemoryStorage(buffer.WithMemoryClock(clock.Now))
	m := newDLQManager(t, store)

	a := seedDeadLetter(t, store, clock, "email")
	b := seedDeadLetter(t, store, clock, "email")

	// Missing ids are skipped, not fatal.
	requeued, err := m.RetryBatch(ctx, []uuid.UUID{a.ID, uuid.New(), b.ID}, buffer.RequeueOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, requeued)

	count, err := m.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDLQManager_RetryByType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := newTestClock()
	store := buffer.NewMemoryStorage(buffer.WithMemoryClock(clock.Now))
	m := newDLQManager(t, store)

	for i := 0; i < 3; i++ {
		seedDeadLetter(t, store, clock, "email")
	}
	other := seedDeadLetter(t, store, clock, "billing")

	t.Run("empty type rejected", func(t *testing.T) {
		_, err := m.RetryByType(ctx, "", buffer.RequeueOptions{})
		assert.ErrorIs(t, err, buffer.ErrInvalidHandlerType)
	})

	t.Run("drains the type", func(t *testing.T) {
		requeued, err := m.RetryByType(ctx, "email", buffer.RequeueOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, requeued)

		count, err := m.Count(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		kept, err := m.Get(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, buffer.StateDLQ, kept.State)
	})
}

func TestDLQManager_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := newTestClock()
	store := buffer.NewMemoryStorage(buffer.WithMemoryClock(clock.Now))
	m := newDLQManager(t, store)

	a := seedDeadLetter(t, store, clock, "email")
	b := seedDeadLetter(t, store, clock, "email")
	seedDeadLetter(t, store, clock, "billing")

	t.Run("single", func(t *testing.T) {
		require.NoError(t, m.Delete(ctx, a.ID))
		assert.ErrorIs(t, m.Delete(ctx, a.ID), buffer.ErrMessageNotFound)
	})

	t.Run("batch skips missing", func(t *testing.T) {
		deleted, err := m.DeleteBatch(ctx, []uuid.UUID{b.ID, uuid.New()})
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})

	t.Run("by type", func(t *testing.T) {
		_, err := m.DeleteByType(ctx, "")
		assert.ErrorIs(t, err, buffer.ErrInvalidHandlerType)

		deleted, err := m.DeleteByType(ctx, "billing")
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})

	t.Run("old", func(t *testing.T) {
		_, err := m.DeleteOld(ctx, 0)
		assert.Error(t, err)

		stale := seedDeadLetter(t, store, clock, "stale")
		clock.Advance(72 * time.Hour)
		deleted, err := m.DeleteOld(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = m.Get(ctx, stale.ID)
		assert.ErrorIs(t, err, buffer.ErrMessageNotFound)
	})
}

func TestDLQManager_StatsAndPatterns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := newTestClock()
	store := buffer.NewMemoryStorage(buffer.WithMemoryClock(clock.Now))
	m := newDLQManager(t, store)

	seedDeadLetter(t, store, clock, "email")
	seedDeadLetter(t, store, clock, "email")
	seedDeadLetter(t, store, clock, "billing")

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByType["email"])

	patterns, err := m.GetErrorPatterns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, buffer.CodeProcessingError, patterns[0].ErrorCode)
	assert.Equal(t, "handler failed", patterns[0].ErrorMessage)
	assert.Equal(t, int64(3), patterns[0].Count)
}

func TestDLQManager_Export(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := newTestClock()
	store := buffer.NewMemoryStorage(buffer.WithMemoryClock(clock.Now))
	m := newDLQManager(t, store)

	t.Run("empty queue exports an empty array", func(t *testing.T) {
		var buf bytes.Buffer
		exported, err := m.Export(ctx, &buf, buffer.DLQFilter{})
		require.NoError(t, err)
		assert.Zero(t, exported)
		assert.JSONEq(t, "[]", buf.String())
	})

	for i := 0; i < 5; i++ {
		seedDeadLetter(t, store, clock, "email")
		clock.Advance(time.Second)
	}
	seedDeadLetter(t, store, clock, "billing")

	t.Run("exports valid json", func(t *testing.T) {
		var buf bytes.Buffer
		exported, err := m.Export(ctx, &buf, buffer.DLQFilter{})
		require.NoError(t, err)
		assert.Equal(t, 6, exported)

		var decoded []map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		assert.Len(t, decoded, 6)
		assert.Equal(t, "dlq", decoded[0]["state"])
	})

	t.Run("honors type and limit", func(t *testing.T) {
		var buf bytes.Buffer
		exported, err := m.Export(ctx, &buf, buffer.DLQFilter{Type: "email", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, exported)

		var decoded []map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		require.Len(t, decoded, 2)
		for _, entry := range decoded {
			assert.Equal(t, "email", entry["type"])
		}
	})
}
