// Package buffer provides a durable work buffer: a persistent, priority-aware
// message queue with a bounded worker pool, at-least-once delivery under a
// visibility timeout, exponential-backoff retries, per-tenant circuit
// breaking, idempotent enqueue, graceful drain, and a managed dead letter
// queue.
//
// # Features
//
//   - Message enqueueing with four priority levels and deterministic ordering
//   - Bounded concurrent worker pool with batch claiming
//   - Visibility-timeout leases: crashed workers never lose messages
//   - Exponential backoff retries with a configurable cap
//   - Per (tenant, handler type) circuit breakers with strict tenant isolation
//   - Idempotency keys deduplicating across non-terminal messages
//   - In-memory storage for testing and development
//   - Extensible repository interfaces for custom storage backends
//   - Graceful drain on shutdown with a hard cancellation deadline
//   - Dead letter queue with inspection, requeue, purge, and export
//   - Process-local event stream for observability
//
// # Basic Usage
//
// Create a coordinator over a storage backend, register handlers, and start:
//
//	import "github.com/dmitrymomot/workbuffer/core/buffer"
//
//	// Create storage (in-memory for development)
//	storage := buffer.NewMemoryStorage()
//
//	coord, err := buffer.NewCoordinator(storage,
//		buffer.WithConcurrency(10),
//		buffer.WithPollInterval(time.Second),
//	)
//
//	// Register a handler for a message type
//	handler := buffer.NewHandlerFunc("send_email", func(ctx context.Context, msg *buffer.Message) (any, error) {
//		return nil, sendEmail(msg.Payload)
//	})
//	coord.RegisterHandler(handler)
//
//	// Start processing
//	ctx := context.Background()
//	coord.Start(ctx)
//	defer coord.Stop()
//
//	// Enqueue work
//	res, err := coord.Enqueue(ctx, buffer.EnqueueRequest{
//		Type:     "send_email",
//		Payload:  map[string]any{"to": "user@example.com"},
//		Priority: buffer.PriorityHigh,
//		Metadata: buffer.Metadata{TenantID: "acme"},
//	})
//
// # Typed Handlers
//
// NewTypedHandler decodes the payload into a concrete type before invoking
// the handler. Payloads that do not decode fail without retrying:
//
//	type EmailPayload struct {
//		To      string `json:"to"`
//		Subject string `json:"subject"`
//	}
//
//	handler := buffer.NewTypedHandler("send_email",
//		func(ctx context.Context, msg *buffer.Message, email EmailPayload) (any, error) {
//			return nil, emailService.Send(email.To, email.Subject)
//		})
//
// # Priorities
//
// Four levels order delivery; within a level, older messages go first.
// Enqueue accepts the Priority constants, plain ints, or case-insensitive
// names ("critical", "high", "normal", "low"):
//
//	coord.Enqueue(ctx, buffer.EnqueueRequest{
//		Type:     "billing_sync",
//		Payload:  payload,
//		Priority: buffer.PriorityCritical,
//	})
//
// # Retries and the Dead Letter Queue
//
// Failed attempts retry with exponential backoff until the retry budget is
// spent, then the message moves to the dead letter queue. Handlers can opt
// out of retries for specific errors:
//
//	err := buffer.MarkNonRetryable(errors.New("account closed"))
//
// The DLQ manager provides the administrative surface:
//
//	dlq, _ := buffer.NewDLQManager(storage)
//	stats, _ := dlq.GetStats(ctx)
//	dlq.Retry(ctx, messageID, buffer.RequeueOptions{ResetAttempts: true})
//
// # Circuit Breaking
//
// Each (tenant, handler type) pair gets its own breaker. Consecutive failures
// open it; open breakers fail fast with ErrCircuitOpen and the denied attempt
// retries later like any other failure. One tenant's breaker never affects
// another tenant.
//
// # Graceful Shutdown
//
// Stop halts polling immediately, drains in-flight workers up to the
// configured timeout, then cancels whatever remains:
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(coord.Run(ctx))
//	// ...
//	g.Wait()
//
// # Custom Storage Backends
//
// Implement the Storage interface (EnqueuerRepository, WorkerRepository,
// StatsRepository, DLQRepository) to back the buffer with a database. The
// mongo integration package provides a production implementation.
package buffer
