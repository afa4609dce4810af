package buffer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/workbuffer/core/buffer"
)

// fastConfig keeps end-to-end tests snappy without violating the
// configuration constraints.
func fastConfig() buffer.Config {
	cfg := buffer.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MessageTimeout = 500 * time.Millisecond
	cfg.VisibilityTimeout = time.Second
	cfg.RetryBackoffBase = 20 * time.Millisecond
	cfg.RetryBackoffMax = time.Second
	cfg.CircuitBreakerEnabled = false
	return cfg
}

// eventRecorder collects coordinator events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []buffer.Event
}

func (r *eventRecorder) record(ev buffer.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofKind(kind buffer.EventKind) []buffer.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []buffer.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) waitFor(t *testing.T, kind buffer.EventKind, n int) []buffer.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.ofKind(kind)) >= n
	}, 5*time.Second, 10*time.Millisecond, "waiting for %d %q events", n, kind)
	return r.ofKind(kind)
}

func startCoordinator(t *testing.T, store buffer.Storage, opts ...buffer.CoordinatorOption) (*buffer.Coordinator, *eventRecorder) {
	t.Helper()

	opts = append([]buffer.CoordinatorOption{buffer.WithConfig(fastConfig())}, opts...)
	c, err := buffer.NewCoordinator(store, opts...)
	require.NoError(t, err)

	rec := &eventRecorder{}
	c.Subscribe(rec.record)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		if err := c.Stop(); err != nil && !errors.Is(err, buffer.ErrNotRunning) {
			t.Errorf("stop: %v", err)
		}
	})
	return c, rec
}

func TestNewCoordinator_Validation(t *testing.T) {
	t.Parallel()

	t.Run("nil storage", func(t *testing.T) {
		t.Parallel()
		_, err := buffer.NewCoordinator(nil)
		assert.ErrorIs(t, err, buffer.ErrStorageNil)
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		cfg := buffer.DefaultConfig()
		cfg.Concurrency = 0
		_, err := buffer.NewCoordinator(buffer.NewMemoryStorage(), buffer.WithConfig(cfg))
		assert.ErrorIs(t, err, buffer.ErrInvalidConfig)
	})
}

func TestCoordinator_Enqueue_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, err := buffer.NewCoordinator(buffer.NewMemoryStorage(), buffer.WithConfig(fastConfig()))
	require.NoError(t, err)

	t.Run("type required", func(t *testing.T) {
		_, err := c.Enqueue(ctx, buffer.EnqueueRequest{Payload: map[string]any{}})
		assert.ErrorIs(t, err, buffer.ErrInvalidMessage)
	})

	t.Run("payload required", func(t *testing.T) {
		_, err := c.Enqueue(ctx, buffer.EnqueueRequest{Type: "send_email"})
		assert.ErrorIs(t, err, buffer.ErrInvalidMessage)
	})
}

func TestCoordinator_Enqueue_QueueFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, err := buffer.NewCoordinator(buffer.NewMemoryStorage(),
		buffer.WithConfig(fastConfig()),
		buffer.WithMaxQueueSize(1))
	require.NoError(t, err)

	_, err = c.Enqueue(ctx, buffer.EnqueueRequest{Type: "job", Payload: map[string]any{"n": 1}})
	require.NoError(t, err)

	_, err = c.Enqueue(ctx, buffer.EnqueueRequest{Type: "job", Payload: map[string]any{"n": 2}})
	assert.ErrorIs(t, err, buffer.ErrQueueFull)
}

func TestCoordinator_Enqueue_Idempotency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, err := buffer.NewCoordinator(buffer.NewMemoryStorage(), buffer.WithConfig(fastConfig()))
	require.NoError(t, err)

	req := buffer.EnqueueRequest{
		Type:           "charge",
		Payload:        map[string]any{"amount": 100},
		IdempotencyKey: "order-42",
		Metadata:       buffer.Metadata{TenantID: "t1"},
	}

	first, err := c.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := c.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)
}

func TestCoordinator_Enqueue_MaxRetriesResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := buffer.NewMemoryStorage()
	c, err := buffer.NewCoordinator(store, buffer.WithConfig(fastConfig()))
	require.NoError(t, err)

	require.NoError(t, c.RegisterHandler(buffer.NewHandlerFunc("capped",
		func(ctx context.Context, msg *buffer.Message) (any, error) { return nil, nil },
		buffer.WithHandlerMaxRetries(7))))

	find := func(t *testing.T, id uuid.UUID) *buffer.Message {
		t.Helper()
		msg, err := store.FindByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, msg)
		return msg
	}

	t.Run("request override wins", func(t *testing.T) {
		override := 1
		res, err := c.Enqueue(ctx, buffer.EnqueueRequest{
			Type: "capped", Payload: map[string]any{}, MaxRetries: &override})
		require.NoError(t, err)
		assert.Equal(t, 1, find(t, res.MessageID).MaxRetries)
	})

	t.Run("handler policy beats config", func(t *testing.T) {
		res, err := c.Enqueue(ctx, buffer.EnqueueRequest{Type: "capped", Payload: map[string]any{}})
		require.NoError(t, err)
		assert.Equal(t, 7, find(t, res.MessageID).MaxRetries)
	})

	t.Run("config default otherwise", func(t *testing.T) {
		res, err := c.Enqueue(ctx, buffer.EnqueueRequest{Type: "uncapped", Payload: map[string]any{}})
		require.NoError(t, err)
		assert.Equal(t, fastConfig().MaxRetries, find(t, res.MessageID).MaxRetries)
	})
}

func TestCoordinator_ProcessesMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := buffer.NewMemoryStorage()
	c, rec := startCoordinator(t, store)

	require.NoError(t, c.RegisterHandler(buffer.NewHandlerFunc("send_email",
		func(ctx context.Context, msg *buffer.Message) (any, error) {
			return map[string]any{"status": "sent"}, nil
		})))

	res, err := c.Enqueue(ctx, buffer.EnqueueRequest{
		Type:     "send_email",
		Payload:  map[string]any{"to": "user@example.com"},
		Priority: "high",
	})
	require.NoError(t, err)

	completed := rec.waitFor(t, buffer.EventCompleted, 1)
	assert.Equal(t, res.MessageID, completed[0].MessageID)
	assert.Equal(t, map[string]any{"status": "sent"}, completed[0].Result)

	msg, err := store.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, buffer.StateCompleted, msg.State)
	assert.Equal(t, buffer.PriorityHigh, msg.Priority)
	assert.Equal(t, 1, msg.AttemptCount)

	enqueued := rec.ofKind(buffer.EventEnqueued)
	require.Len(t, enqueued, 1)
	assert.Equal(t, buffer.PriorityHigh, enqueued[0].Priority)
	rec.waitFor(t, buffer.EventProcessing, 1)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.True(t, stats.IsRunning)
}

func TestCoordinator_RetriesWithBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := buffer.NewMemoryStorage()
	c, rec := startCoordinator(t, store)

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, c.RegisterHandler(buffer.NewHandlerFunc("flaky",
		func(ctx context.Context, msg *buffer.Message) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return nil, errors.New("upstream 503")
			}
			return "done", nil
		})))

	res, err := c.Enqueue(ctx, buffer.EnqueueRequest{Type: "flaky", Payload: map[string]any{}})
	require.NoError(t, err)

	rec.waitFor(t, buffer.EventCompleted, 1)

	failed := rec.ofKind(buffer.EventFailed)
	require.Len(t, failed, 2)
	// Exponential backoff from the base delay: the first failed attempt
	// waits the base, the second doubles it.
	assert.True(t, failed[0].WillRetry)
	assert.Equal(t, 20*time.Millisecond, failed[0].RetryDelay)
	assert.True(t, failed[1].WillRetry)
	assert.Equal(t, 40*time.Millisecond, failed[1].RetryDelay)

	msg, err := store.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, buffer.StateCompleted, msg.State)
	assert.Equal(t, 3, msg.AttemptCount)
	assert.Len(t, msg.Errors, 2)
}

func TestCoordinator_ExhaustedRetriesLandInDLQ(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := buffer.NewMemoryStorage()
	c, rec := startCoordinator(t, store)

	require.NoError(t, c.RegisterHandler(buffer.NewHandlerFunc("doomed",
		func(ctx context.Context, msg *buffer.Message) (any, error) {
			return nil, errors.New("permanently broken")
		})))

	maxRetries := 1
	res, err := c.Enqueue(ctx, buffer.EnqueueRequest{
		Type: "doomed", Payload: map[string]any{}, MaxRetries: &maxRetries})
	require.NoError(t, err)

	dlq := rec.waitFor(t, buffer.EventDLQ, 1)
	assert.Equal(t, res.MessageID, dlq[0].MessageID)
	assert.Equal(t, "Max retries (1) exceeded", dlq[0].Reason)

	// maxRetries=1 means two attempts total.
	failed := rec.ofKind(buffer.EventFailed)
	require.Len(t, failed, 2)
	assert.True(t, failed[0].WillRetry)
	assert.False(t, failed[1].WillRetry)

	msg, err := store.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, buffer.StateDLQ, msg.State)
	assert.Equal(t, 2, msg.AttemptCount)
	assert.Nil(t, msg.ExpiresAt)

	assert.Equal(t, int64(1), c.Stats().DeadLettered)
}

func TestCoordinator_UnroutableMessageLandsInDLQ(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := buffer.NewMemoryStorage()
	c, rec := startCoordinator(t, store)

	res, err := c.Enqueue(ctx, buffer.EnqueueRequest{Type: "nobody_home", Payload: map[string]any{}})
	require.NoError(t, err)

	dlq := rec.waitFor(t, buffer.EventDLQ, 1)
	assert.Equal(t, res.MessageID, dlq[0].MessageID)
	assert.Equal(t, "no handler registered for message type: nobody_home", dlq[0].Reason)

	// Unroutable messages never burn the retry budget.
	failed := rec.ofKind(buffer.EventFailed)
	require.Len(t, failed, 1)
	assert.False(t, failed[0].WillRetry)
}

func TestCoordinator_NonRetryableFailureRestsAsFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := buffer.NewMemoryStorage()
	c, rec := startCoordinator(t, store)

	require.NoError(t, c.RegisterHandler(buffer.NewHandlerFunc("strict",
		func(ctx context.Context, msg *buffer.Message) (any, error) {
			return nil, buffer.MarkNonRetryable(errors.New("corrupt payload"))
		})))

	res, err := c.Enqueue(ctx, buffer.EnqueueRequest{Type: "strict", Payload: map[string]any{}})
	require.NoError(t, err)

	rec.waitFor(t, buffer.EventFailed, 1)

	require.Eventually(t, func() bool {
		msg, err := store.FindByID(ctx, res.MessageID)
		return err == nil && msg != nil && msg.State == buffer.StateFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Budget was not exhausted, so no DLQ promotion.
	assert.Empty(t, rec.ofKind(buffer.EventDLQ))
}

func TestCoordinator_VisibilityDelay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := buffer.NewMemoryStorage()
	c, rec := startCoordinator(t, store)

	require.NoError(t, c.RegisterHandler(buffer.NewHandlerFunc("later",
		func(ctx context.Context, msg *buffer.Message) (any, error) { return nil, nil })))

	start := time.Now()
	_, err := c.Enqueue(ctx, buffer.EnqueueRequest{
		Type:            "later",
		Payload:         map[string]any{},
		VisibilityDelay: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	completed := rec.waitFor(t, buffer.EventCompleted, 1)
	assert.GreaterOrEqual(t, completed[0].Timestamp.Sub(start), 200*time.Millisecond)
}

func TestCoordinator_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, err := buffer.NewCoordinator(buffer.NewMemoryStorage(), buffer.WithConfig(fastConfig()))
	require.NoError(t, err)

	t.Run("stop before start", func(t *testing.T) {
		assert.ErrorIs(t, c.Stop(), buffer.ErrNotRunning)
	})

	t.Run("healthcheck before start", func(t *testing.T) {
		assert.ErrorIs(t, c.Healthcheck(ctx), buffer.ErrNotRunning)
	})

	require.NoError(t, c.Start(ctx))

	t.Run("start is idempotent", func(t *testing.T) {
		assert.NoError(t, c.Start(ctx))
	})

	t.Run("healthcheck while running", func(t *testing.T) {
		assert.NoError(t, c.Healthcheck(ctx))
	})

	require.NoError(t, c.Stop())

	t.Run("enqueue after stop", func(t *testing.T) {
		_, err := c.Enqueue(ctx, buffer.EnqueueRequest{Type: "job", Payload: map[string]any{}})
		assert.ErrorIs(t, err, buffer.ErrShutdownInProgress)
	})

	t.Run("no restart", func(t *testing.T) {
		assert.Error(t, c.Start(ctx))
	})

	t.Run("second stop", func(t *testing.T) {
		assert.ErrorIs(t, c.Stop(), buffer.ErrNotRunning)
	})
}

func TestCoordinator_DrainWaitsForInflightWork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := buffer.NewMemoryStorage()
	c, err := buffer.NewCoordinator(store, buffer.WithConfig(fastConfig()))
	require.NoError(t, err)

	rec := &eventRecorder{}
	c.Subscribe(rec.record)

	require.NoError(t, c.RegisterHandler(buffer.NewHandlerFunc("slow",
		func(ctx context.Context, msg *buffer.Message) (any, error) {
			time.Sleep(150 * time.Millisecond)
			return "finished", nil
		})))
	require.NoError(t, c.Start(ctx))

	res, err := c.Enqueue(ctx, buffer.EnqueueRequest{Type: "slow", Payload: map[string]any{}})
	require.NoError(t, err)

	rec.waitFor(t, buffer.EventProcessing, 1)

	require.NoError(t, c.StopWithOptions(buffer.StopOptions{Drain: true, Timeout: 2 * time.Second}))

	msg, err := store.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, buffer.StateCompleted, msg.State)
}

func TestCoordinator_ConcurrentDuplicateEnqueues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := buffer.NewMemoryStorage()
	c, err := buffer.NewCoordinator(store, buffer.WithConfig(fastConfig()))
	require.NoError(t, err)

	req := buffer.EnqueueRequest{
		Type:           "charge",
		Payload:        map[string]any{"amount": 100},
		IdempotencyKey: "order-42",
		Metadata:       buffer.Metadata{TenantID: "t1"},
	}

	const callers = 8
	results := make([]buffer.EnqueueResult, callers)
	errs := make([]error, callers)

	var start sync.WaitGroup
	start.Add(1)
	var done sync.WaitGroup
	for i := 0; i < callers; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			start.Wait()
			results[i], errs[i] = c.Enqueue(ctx, req)
		}(i)
	}
	start.Done()
	done.Wait()

	originals := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if !results[i].Duplicate {
			originals++
		}
		assert.Equal(t, results[0].MessageID, results[i].MessageID)
	}
	assert.Equal(t, 1, originals, "exactly one caller wins the unique constraint")

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	holder, err := store.FindByIdempotencyKey(ctx, "t1", "order-42")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, results[0].MessageID, holder.ID)
}

func TestCoordinator_StopClaimsNoFurtherWork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := buffer.NewMemoryStorage()
	c, err := buffer.NewCoordinator(store,
		buffer.WithConfig(fastConfig()),
		buffer.WithConcurrency(1))
	require.NoError(t, err)

	rec := &eventRecorder{}
	c.Subscribe(rec.record)

	require.NoError(t, c.RegisterHandler(buffer.NewHandlerFunc("slow",
		func(ctx context.Context, msg *buffer.Message) (any, error) {
			time.Sleep(300 * time.Millisecond)
			return nil, nil
		})))
	require.NoError(t, c.Start(ctx))

	for i := 0; i < 4; i++ {
		_, err := c.Enqueue(ctx, buffer.EnqueueRequest{Type: "slow", Payload: map[string]any{"n": i}})
		require.NoError(t, err)
	}

	rec.waitFor(t, buffer.EventProcessing, 1)

	require.NoError(t, c.StopWithOptions(buffer.StopOptions{Drain: true, Timeout: 2 * time.Second}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed, "only the in-flight message drains")
	assert.Equal(t, int64(3), stats.Pending)

	// Nothing may pick up work once Stop has returned.
	time.Sleep(200 * time.Millisecond)
	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(3), stats.Pending)
	assert.Zero(t, stats.Processing)
}

func TestCoordinator_SweepRecoversLostClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := fastConfig()
	cfg.MessageTimeout = 100 * time.Millisecond
	cfg.VisibilityTimeout = 300 * time.Millisecond

	store := buffer.NewMemoryStorage()

	// Seed a message and claim it under a foreign worker id, simulating a
	// coordinator that died mid-flight without settling.
	now := time.Now()
	msg := &buffer.Message{
		ID:         uuid.New(),
		Type:       "ship_order",
		Priority:   buffer.PriorityNormal,
		State:      buffer.StatePending,
		Payload:    map[string]any{"order": 7},
		MaxRetries: 3,
		VisibleAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.CreateMessage(ctx, msg))
	claimed, err := store.ClaimNextBatch(ctx, 1, uuid.New(), cfg.VisibilityTimeout)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	c, _ := startCoordinator(t, store, buffer.WithConfig(cfg))
	require.NoError(t, c.RegisterHandler(buffer.NewHandlerFunc("ship_order",
		func(ctx context.Context, msg *buffer.Message) (any, error) {
			return "shipped", nil
		})))

	// The sweep returns the lost claim to pending; redelivery waits out the
	// stuck-release retry delay before the handler finally runs.
	require.Eventually(t, func() bool {
		got, err := store.FindByID(ctx, msg.ID)
		return err == nil && got != nil && got.State == buffer.StateCompleted
	}, 15*time.Second, 25*time.Millisecond)

	got, err := store.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount, "one lost attempt, one redelivery")
	require.Len(t, got.Errors, 1)
	assert.Equal(t, buffer.CodeMessageTimeout, got.Errors[0].Code)
	assert.Equal(t, "shipped", got.Result)
}

func TestCoordinator_Run(t *testing.T) {
	t.Parallel()

	c, err := buffer.NewCoordinator(buffer.NewMemoryStorage(), buffer.WithConfig(fastConfig()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)()
	}()

	require.Eventually(t, func() bool {
		return c.Stats().IsRunning
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.False(t, c.Stats().IsRunning)
}
