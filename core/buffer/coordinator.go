package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type coordinatorState int

const (
	stateCreated coordinatorState = iota
	stateRunning
	stateShuttingDown
	stateStopped
)

// commitTimeout bounds the storage writes that settle a finished attempt.
// Commits run on a background context so a shutdown never loses a result.
const commitTimeout = 10 * time.Second

// latencyWindowCap bounds the per-interval latency sample buffer.
const latencyWindowCap = 8192

// EnqueueRequest describes a message to admit into the buffer.
type EnqueueRequest struct {
	// Type routes the message to its handler. Required.
	Type string
	// Payload is the opaque work description. Required.
	Payload map[string]any
	// Priority accepts an int in [0,3], a Priority, or a case-insensitive
	// name ("critical", "HIGH", ...). Unknown values become normal.
	Priority any
	// Metadata carries tenant, correlation, and tracing context.
	Metadata Metadata
	// IdempotencyKey deduplicates across non-terminal messages of the same
	// tenant. Ignored when idempotency is disabled.
	IdempotencyKey string
	// MaxRetries overrides the handler and configuration defaults.
	MaxRetries *int
	// VisibilityDelay postpones the first delivery.
	VisibilityDelay time.Duration
}

// EnqueueResult reports the admitted (or deduplicated) message.
type EnqueueResult struct {
	MessageID uuid.UUID `json:"message_id"`
	Type      string    `json:"type"`
	State     State     `json:"state"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// StopOptions control the shutdown sequence.
type StopOptions struct {
	// Drain waits for in-flight workers before cancelling them.
	Drain bool
	// Timeout caps the drain wait. Zero uses the configured default.
	Timeout time.Duration
}

// CoordinatorStats is an observability snapshot.
type CoordinatorStats struct {
	Processed     int64
	Failed        int64
	DeadLettered  int64
	ActiveWorkers int32
	IsRunning     bool
}

// Coordinator orchestrates producers, the worker pool, and the background
// sweeps of the work buffer: enqueue admission, polling, claimed-message
// dispatch, retry/DLQ bookkeeping, stuck-message recovery, metrics, and
// graceful drain.
type Coordinator struct {
	storage   Storage
	registry  *Registry
	breakers  *BreakerSet
	processor *Processor
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time
	workerID  uuid.UUID

	mu         sync.Mutex
	state      coordinatorState
	loopCtx    context.Context
	loopCancel context.CancelFunc
	workCtx    context.Context
	workCancel context.CancelFunc

	loops   sync.WaitGroup
	workers sync.WaitGroup
	active  atomic.Int32
	wake    chan struct{}

	eventCh      chan Event
	dispatchQuit chan struct{}
	dispatchDone chan struct{}
	subMu        sync.RWMutex
	subs         []func(Event)

	processed    atomic.Int64
	failedCount  atomic.Int64
	deadLettered atomic.Int64

	latMu     sync.Mutex
	latencies []time.Duration
}

// NewCoordinator creates a work buffer coordinator over the given storage.
func NewCoordinator(storage Storage, opts ...CoordinatorOption) (*Coordinator, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}

	options := &coordinatorOptions{
		cfg:    DefaultConfig(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(options)
	}

	if err := options.cfg.Validate(); err != nil {
		return nil, err
	}

	registry := options.registry
	if registry == nil {
		registry = NewRegistry(WithRegistryLogger(options.logger))
	}

	breakers := options.breakers
	if breakers == nil && options.cfg.CircuitBreakerEnabled {
		breakers = NewBreakerSet(
			options.cfg.CircuitBreakerThreshold,
			options.cfg.CircuitBreakerTimeout,
			WithBreakerLogger(options.logger),
		)
	}

	processor, err := NewProcessor(registry, breakers, options.cfg,
		WithProcessorLogger(options.logger))
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		storage:      storage,
		registry:     registry,
		breakers:     breakers,
		processor:    processor,
		cfg:          options.cfg,
		logger:       options.logger,
		clock:        options.clock,
		workerID:     uuid.New(),
		wake:         make(chan struct{}, 1),
		eventCh:      make(chan Event, 256),
		dispatchQuit: make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}, nil
}

// RegisterHandler registers a message handler with the coordinator's
// registry.
func (c *Coordinator) RegisterHandler(h Handler) error {
	return c.registry.Register(h)
}

// Registry exposes the handler registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Breakers exposes the circuit breaker set, or nil when breaking is
// disabled.
func (c *Coordinator) Breakers() *BreakerSet { return c.breakers }

// Subscribe registers an observer for coordinator events. Observers run on
// the dispatcher goroutine and must return quickly.
func (c *Coordinator) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, fn)
}

// Start launches the polling loop, the stuck-message sweep, the cleanup job,
// the metrics emitter (when enabled), and the event dispatcher. Start is
// idempotent: a second call logs a warning and returns nil. A stopped
// coordinator cannot be restarted.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateRunning:
		c.mu.Unlock()
		c.logger.Warn("coordinator already started", slog.String("worker_id", c.workerID.String()))
		return nil
	case stateShuttingDown, stateStopped:
		c.mu.Unlock()
		return errors.New("buffer: coordinator cannot be restarted")
	}

	c.workCtx, c.workCancel = context.WithCancel(ctx)
	c.loopCtx, c.loopCancel = context.WithCancel(c.workCtx)
	c.state = stateRunning
	c.mu.Unlock()

	go c.dispatchEvents()

	c.loops.Add(3)
	go c.pollLoop()
	go c.sweepLoop()
	go c.cleanupLoop()
	if c.cfg.MetricsEnabled {
		c.loops.Add(1)
		go c.metricsLoop()
	}

	c.logger.Info("coordinator started",
		slog.String("worker_id", c.workerID.String()),
		slog.Int("concurrency", c.cfg.Concurrency),
		slog.Duration("poll_interval", c.cfg.PollInterval))
	c.emit(Event{Kind: EventStarted, WorkerID: c.workerID.String()})

	return nil
}

// Stop shuts down with the configured drain policy and timeout.
func (c *Coordinator) Stop() error {
	return c.StopWithOptions(StopOptions{
		Drain:   c.cfg.DrainOnShutdown,
		Timeout: c.cfg.ShutdownTimeout,
	})
}

// StopWithOptions stops polling and sweeps immediately, optionally drains
// in-flight workers up to the timeout, cancels the rest, and returns once
// every in-flight task has settled.
func (c *Coordinator) StopWithOptions(opts StopOptions) error {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state = stateShuttingDown
	loopCancel, workCancel := c.loopCancel, c.workCancel
	c.mu.Unlock()

	loopCancel()
	// Wait for the poll loop before counting in-flight workers: every
	// worker spawn happens before this returns, so the drain and the final
	// wait below see the full set.
	c.loops.Wait()

	if opts.Drain {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = c.cfg.ShutdownTimeout
		}

		c.logger.Info("draining in-flight workers",
			slog.String("worker_id", c.workerID.String()),
			slog.Duration("timeout", timeout))

		done := make(chan struct{})
		go func() {
			c.workers.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			c.logger.Warn("drain timeout exceeded, cancelling remaining workers",
				slog.String("worker_id", c.workerID.String()),
				slog.Int("active", int(c.active.Load())))
		}
	}

	workCancel()
	c.workers.Wait()

	c.emit(Event{Kind: EventStopped, WorkerID: c.workerID.String()})
	close(c.dispatchQuit)
	<-c.dispatchDone

	c.mu.Lock()
	c.state = stateStopped
	c.mu.Unlock()

	c.logger.Info("coordinator stopped", slog.String("worker_id", c.workerID.String()))
	return nil
}

// Run provides errgroup compatibility: it starts the coordinator, waits for
// context cancellation, and performs a graceful stop.
func (c *Coordinator) Run(ctx context.Context) func() error {
	return func() error {
		if err := c.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		if err := c.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
		return nil
	}
}

// Enqueue admits a message into the buffer. Admission fails with
// ErrShutdownInProgress once shutdown begins and with ErrQueueFull when the
// pending depth has reached the cap. With idempotency enabled, a duplicate
// key resolves to the existing message and Duplicate is set.
func (c *Coordinator) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.Type == "" {
		return EnqueueResult{}, fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	if req.Payload == nil {
		return EnqueueResult{}, fmt.Errorf("%w: payload is required", ErrInvalidMessage)
	}

	c.mu.Lock()
	if c.state == stateShuttingDown || c.state == stateStopped {
		c.mu.Unlock()
		return EnqueueResult{}, ErrShutdownInProgress
	}
	c.mu.Unlock()

	// The depth check and the insert are deliberately not atomic: slight
	// over-admission converges within one poll interval (no global lock on
	// the hot path).
	stats, err := c.storage.Stats(ctx)
	if err != nil {
		return EnqueueResult{}, errors.Join(ErrPersistenceFailure, err)
	}
	if stats.Pending >= int64(c.cfg.MaxQueueSize) {
		return EnqueueResult{}, fmt.Errorf("%w: %d pending messages", ErrQueueFull, stats.Pending)
	}

	now := c.clock()
	msg := &Message{
		ID:         uuid.New(),
		Type:       req.Type,
		Priority:   NormalizePriority(req.Priority),
		State:      StatePending,
		Payload:    req.Payload,
		Metadata:   req.Metadata,
		MaxRetries: c.resolveMaxRetries(req),
		VisibleAt:  now.Add(req.VisibilityDelay),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if c.cfg.IdempotencyEnabled {
		msg.IdempotencyKey = req.IdempotencyKey
	}

	if err := c.storage.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, ErrDuplicateMessage) && msg.IdempotencyKey != "" {
			existing, findErr := c.storage.FindByIdempotencyKey(ctx, msg.Metadata.TenantID, msg.IdempotencyKey)
			if findErr == nil && existing != nil {
				return EnqueueResult{
					MessageID: existing.ID,
					Type:      existing.Type,
					State:     existing.State,
					Duplicate: true,
				}, nil
			}
		}
		return EnqueueResult{}, err
	}

	c.emit(Event{
		Kind:      EventEnqueued,
		MessageID: msg.ID,
		Type:      msg.Type,
		Priority:  msg.Priority,
	})

	// Wake the poll loop early when a worker slot is free.
	if int(c.active.Load()) < c.cfg.Concurrency {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}

	return EnqueueResult{MessageID: msg.ID, Type: msg.Type, State: msg.State}, nil
}

// resolveMaxRetries picks the retry cap: request override, then handler
// policy, then configuration default.
func (c *Coordinator) resolveMaxRetries(req EnqueueRequest) int {
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		return *req.MaxRetries
	}
	if h, err := c.registry.Lookup(req.Type); err == nil {
		if policy := policyFor(h); policy.HasMaxRetries {
			return policy.MaxRetries
		}
	}
	return c.cfg.MaxRetries
}

// pollLoop is the single logical poller: it claims batches sized to the
// free worker slots and spawns one worker task per claimed message.
func (c *Coordinator) pollLoop() {
	defer c.loops.Done()

	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-c.wake:
		case <-timer.C:
		}

		interval := c.cfg.PollInterval

		if available := c.cfg.Concurrency - int(c.active.Load()); available > 0 {
			limit := min(available, c.cfg.BatchSize)

			claimed, err := c.storage.ClaimNextBatch(c.loopCtx, limit, c.workerID, c.cfg.VisibilityTimeout)
			switch {
			case err != nil && c.loopCtx.Err() != nil:
				return
			case err != nil:
				c.logger.Error("claim batch failed",
					slog.String("worker_id", c.workerID.String()),
					slog.String("error", err.Error()))
				interval = 5 * c.cfg.PollInterval
			default:
				// A claim that lands during shutdown must not spawn workers
				// past drain accounting; the messages stay processing and
				// the stuck sweep returns them to pending.
				if c.loopCtx.Err() != nil {
					return
				}
				for _, msg := range claimed {
					c.active.Add(1)
					c.workers.Add(1)
					go c.runWorker(msg)
				}
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// runWorker executes one claimed message end to end and settles it in the
// store. Settlement writes use a background context so a shutdown cannot
// lose the outcome of finished work.
func (c *Coordinator) runWorker(msg *Message) {
	defer c.workers.Done()
	defer c.active.Add(-1)

	c.emit(Event{
		Kind:         EventProcessing,
		MessageID:    msg.ID,
		Type:         msg.Type,
		AttemptCount: msg.AttemptCount,
	})

	start := c.clock()
	result, err := c.processor.Process(c.workCtx, msg)
	elapsed := c.clock().Sub(start)

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	if err == nil {
		c.settleSuccess(ctx, msg, result, elapsed)
		return
	}
	c.settleFailure(ctx, msg, err)
}

func (c *Coordinator) settleSuccess(ctx context.Context, msg *Message, result any, elapsed time.Duration) {
	updated, err := c.storage.MarkCompleted(ctx, msg.ID, result)
	if err != nil {
		c.logger.Error("mark completed failed",
			slog.String("message_id", msg.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	if updated == nil {
		// The lease was lost and the message settled elsewhere before this
		// commit landed; that outcome stands.
		c.logger.Warn("late completion discarded, message already settled",
			slog.String("message_id", msg.ID.String()),
			slog.String("type", msg.Type))
		return
	}

	c.processed.Add(1)
	c.recordLatency(elapsed)
	c.emit(Event{
		Kind:           EventCompleted,
		MessageID:      msg.ID,
		Type:           msg.Type,
		Result:         result,
		ProcessingTime: elapsed,
	})
}

func (c *Coordinator) settleFailure(ctx context.Context, msg *Message, procErr error) {
	delay := backoffDelay(c.cfg, msg.AttemptCount)
	cause := AttemptError{
		Message:       procErr.Error(),
		Code:          classifyError(procErr),
		Timestamp:     c.clock(),
		AttemptNumber: msg.AttemptCount,
		NoRetry:       IsNonRetryable(procErr),
	}

	willRetry, updated, err := c.storage.MarkFailed(ctx, msg.ID, cause, delay)
	if err != nil {
		c.logger.Error("mark failed failed",
			slog.String("message_id", msg.ID.String()),
			slog.String("error", err.Error()))
		return
	}

	c.failedCount.Add(1)

	ev := Event{
		Kind:      EventFailed,
		MessageID: msg.ID,
		Type:      msg.Type,
		Error:     procErr.Error(),
		WillRetry: willRetry,
	}
	if willRetry {
		ev.RetryDelay = delay
	}
	c.emit(ev)

	if willRetry {
		return
	}

	// DLQ promotion: exhausted retry budgets and unroutable messages are
	// quarantined; other non-retryable failures rest as failed.
	var reason string
	switch {
	case errors.Is(procErr, ErrHandlerNotFound):
		reason = "no handler registered for message type: " + msg.Type
	case updated != nil && updated.AttemptCount > updated.MaxRetries:
		reason = fmt.Sprintf("Max retries (%d) exceeded", updated.MaxRetries)
	default:
		return
	}

	if _, err := c.storage.MoveToDLQ(ctx, msg.ID, reason); err != nil {
		c.logger.Error("move to dlq failed",
			slog.String("message_id", msg.ID.String()),
			slog.String("error", err.Error()))
		return
	}

	c.deadLettered.Add(1)
	c.emit(Event{
		Kind:      EventDLQ,
		MessageID: msg.ID,
		Type:      msg.Type,
		Reason:    reason,
	})
}

// sweepLoop returns stuck messages to the pending pool. A message is stuck
// when its claim lease (visibility timeout) expired without settlement,
// which means its worker crashed or ignored cancellation.
func (c *Coordinator) sweepLoop() {
	defer c.loops.Done()

	ticker := time.NewTicker(c.cfg.VisibilityTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-ticker.C:
			released, err := c.storage.ReleaseStuckMessages(c.loopCtx, c.cfg.VisibilityTimeout)
			if err != nil {
				if c.loopCtx.Err() == nil {
					c.logger.Error("stuck message sweep failed", slog.String("error", err.Error()))
				}
				continue
			}
			if released > 0 {
				c.logger.Warn("released stuck messages", slog.Int("count", released))
			}
		}
	}
}

// cleanupLoop deletes terminal messages whose retention expired.
func (c *Coordinator) cleanupLoop() {
	defer c.loops.Done()

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-ticker.C:
			deleted, err := c.storage.Cleanup(c.loopCtx, 0)
			if err != nil {
				if c.loopCtx.Err() == nil {
					c.logger.Error("cleanup failed", slog.String("error", err.Error()))
				}
				continue
			}
			if deleted > 0 {
				c.logger.Info("cleaned up expired messages", slog.Int64("deleted", deleted))
			}
		}
	}
}

// metricsLoop periodically emits a metrics snapshot event.
func (c *Coordinator) metricsLoop() {
	defer c.loops.Done()

	ticker := time.NewTicker(c.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-ticker.C:
			snapshot := c.snapshotMetrics()
			c.emit(Event{Kind: EventMetrics, Metrics: &snapshot})
		}
	}
}

func (c *Coordinator) snapshotMetrics() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		ActiveWorkers: int(c.active.Load()),
		Processed:     c.processed.Load(),
		Failed:        c.failedCount.Load(),
		DeadLettered:  c.deadLettered.Load(),
	}

	if stats, err := c.storage.Stats(c.loopCtx); err == nil {
		snapshot.QueueDepth = stats
	}

	c.latMu.Lock()
	window := c.latencies
	c.latencies = nil
	c.latMu.Unlock()

	if len(window) == 0 {
		return snapshot
	}

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	var total time.Duration
	for _, d := range window {
		total += d
	}
	snapshot.ProcessingTimeMin = window[0]
	snapshot.ProcessingTimeMax = window[len(window)-1]
	snapshot.ProcessingTimeAvg = total / time.Duration(len(window))
	snapshot.ProcessingTimeP50 = window[len(window)/2]
	snapshot.ProcessingTimeP95 = window[len(window)*95/100]

	return snapshot
}

func (c *Coordinator) recordLatency(d time.Duration) {
	c.latMu.Lock()
	defer c.latMu.Unlock()
	if len(c.latencies) < latencyWindowCap {
		c.latencies = append(c.latencies, d)
	}
}

// emit queues an event for the dispatcher. A full buffer drops the event
// rather than blocking the hot path.
func (c *Coordinator) emit(ev Event) {
	ev.Timestamp = c.clock()
	select {
	case c.eventCh <- ev:
	default:
		c.logger.Warn("event buffer full, dropping event", slog.String("kind", string(ev.Kind)))
	}
}

// dispatchEvents fans queued events out to subscribers. On shutdown it
// drains what is already buffered, then exits.
func (c *Coordinator) dispatchEvents() {
	defer close(c.dispatchDone)

	deliver := func(ev Event) {
		c.subMu.RLock()
		subs := c.subs
		c.subMu.RUnlock()
		for _, fn := range subs {
			fn(ev)
		}
	}

	for {
		select {
		case ev := <-c.eventCh:
			deliver(ev)
		case <-c.dispatchQuit:
			for {
				select {
				case ev := <-c.eventCh:
					deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Stats returns current coordinator counters for observability.
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	isRunning := c.state == stateRunning
	c.mu.Unlock()

	return CoordinatorStats{
		Processed:     c.processed.Load(),
		Failed:        c.failedCount.Load(),
		DeadLettered:  c.deadLettered.Load(),
		ActiveWorkers: c.active.Load(),
		IsRunning:     isRunning,
	}
}

// Healthcheck validates that the coordinator is running and not saturated.
func (c *Coordinator) Healthcheck(ctx context.Context) error {
	stats := c.Stats()
	if !stats.IsRunning {
		return ErrNotRunning
	}
	if int(stats.ActiveWorkers) >= c.cfg.Concurrency {
		return fmt.Errorf("buffer: all %d worker slots busy", c.cfg.Concurrency)
	}
	return nil
}

// classifyError maps dispatch errors to attempt error codes.
func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrMessageTimeout):
		return CodeMessageTimeout
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrHandlerNotFound):
		return CodeHandlerNotFound
	default:
		return CodeProcessingError
	}
}
