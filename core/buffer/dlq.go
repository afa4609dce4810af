package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// dlqStorage is what the manager needs from the store: the DLQ management
// surface plus message lookup.
type dlqStorage interface {
	EnqueuerRepository
	DLQRepository
}

// DLQManager is the administrative surface over dead-lettered messages:
// inspection, requeue, deletion, and export. Requeue deliberately breaks
// terminal stability; it exists for operators, not for handlers.
type DLQManager struct {
	storage dlqStorage
	logger  *slog.Logger
}

// DLQManagerOption configures a DLQManager.
type DLQManagerOption func(*DLQManager)

// WithDLQLogger sets the logger for administrative operations.
func WithDLQLogger(logger *slog.Logger) DLQManagerOption {
	return func(m *DLQManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewDLQManager creates a DLQ manager over the given storage.
func NewDLQManager(storage dlqStorage, opts ...DLQManagerOption) (*DLQManager, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	m := &DLQManager{
		storage: storage,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// List returns dead-lettered messages, newest first, narrowed by the filter.
func (m *DLQManager) List(ctx context.Context, filter DLQFilter) ([]*Message, error) {
	return m.storage.ListDLQ(ctx, filter)
}

// Count returns the number of dead-lettered messages, optionally narrowed to
// one message type.
func (m *DLQManager) Count(ctx context.Context, msgType string) (int64, error) {
	return m.storage.CountDLQ(ctx, msgType)
}

// Get returns one dead-lettered message by id.
func (m *DLQManager) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	msg, err := m.storage.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.State != StateDLQ {
		return nil, fmt.Errorf("%w: %s is not in the dead letter queue", ErrMessageNotFound, id)
	}
	return msg, nil
}

// Retry moves one dead-lettered message back to pending.
func (m *DLQManager) Retry(ctx context.Context, id uuid.UUID, opts RequeueOptions) (*Message, error) {
	msg, err := m.storage.RequeueFromDLQ(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %s is not in the dead letter queue", ErrMessageNotFound, id)
	}

	m.logger.Info("dlq message requeued",
		slog.String("message_id", id.String()),
		slog.String("type", msg.Type),
		slog.Bool("reset_attempts", opts.ResetAttempts))
	return msg, nil
}

// RetryBatch requeues a set of dead-lettered messages and returns the count
// that transitioned. Missing ids are skipped; storage errors abort the batch.
func (m *DLQManager) RetryBatch(ctx context.Context, ids []uuid.UUID, opts RequeueOptions) (int, error) {
	requeued := 0
	for _, id := range ids {
		msg, err := m.storage.RequeueFromDLQ(ctx, id, opts)
		if err != nil {
			return requeued, fmt.Errorf("requeue %s: %w", id, err)
		}
		if msg != nil {
			requeued++
		}
	}

	m.logger.Info("dlq batch requeued",
		slog.Int("requested", len(ids)),
		slog.Int("requeued", requeued))
	return requeued, nil
}

// RetryByType requeues every dead-lettered message of the given type, paging
// through the queue until it is drained of that type.
func (m *DLQManager) RetryByType(ctx context.Context, msgType string, opts RequeueOptions) (int, error) {
	if msgType == "" {
		return 0, fmt.Errorf("%w: type is required", ErrInvalidHandlerType)
	}

	const pageSize = 100
	requeued := 0
	for {
		page, err := m.storage.ListDLQ(ctx, DLQFilter{Limit: pageSize, Type: msgType})
		if err != nil {
			return requeued, err
		}
		if len(page) == 0 {
			break
		}
		for _, msg := range page {
			moved, err := m.storage.RequeueFromDLQ(ctx, msg.ID, opts)
			if err != nil {
				return requeued, fmt.Errorf("requeue %s: %w", msg.ID, err)
			}
			if moved != nil {
				requeued++
			}
		}
	}

	m.logger.Info("dlq type requeued",
		slog.String("type", msgType),
		slog.Int("requeued", requeued))
	return requeued, nil
}

// Delete permanently removes one dead-lettered message.
func (m *DLQManager) Delete(ctx context.Context, id uuid.UUID) error {
	deleted, err := m.storage.DeleteFromDLQ(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %s is not in the dead letter queue", ErrMessageNotFound, id)
	}
	return nil
}

// DeleteBatch permanently removes a set of dead-lettered messages and
// returns the count removed.
func (m *DLQManager) DeleteBatch(ctx context.Context, ids []uuid.UUID) (int64, error) {
	var deleted int64
	for _, id := range ids {
		ok, err := m.storage.DeleteFromDLQ(ctx, id)
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", id, err)
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// DeleteByType permanently removes every dead-lettered message of the type.
func (m *DLQManager) DeleteByType(ctx context.Context, msgType string) (int64, error) {
	if msgType == "" {
		return 0, fmt.Errorf("%w: type is required", ErrInvalidHandlerType)
	}
	deleted, err := m.storage.DeleteDLQByType(ctx, msgType)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("dlq type purged",
			slog.String("type", msgType),
			slog.Int64("deleted", deleted))
	}
	return deleted, nil
}

// DeleteOld permanently removes dead-lettered messages older than the given
// age. This is the only expiry the DLQ has, and it only runs on demand.
func (m *DLQManager) DeleteOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("buffer: olderThan must be positive")
	}
	deleted, err := m.storage.DeleteDLQOlderThan(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("dlq aged messages purged",
			slog.Duration("older_than", olderThan),
			slog.Int64("deleted", deleted))
	}
	return deleted, nil
}

// GetStats summarizes the dead letter queue.
func (m *DLQManager) GetStats(ctx context.Context) (DLQStats, error) {
	return m.storage.DLQStats(ctx)
}

// GetErrorPatterns groups DLQ residents by their final error signature,
// most frequent first, up to limit groups.
func (m *DLQManager) GetErrorPatterns(ctx context.Context, limit int) ([]ErrorPattern, error) {
	if limit <= 0 {
		limit = 10
	}
	return m.storage.DLQErrorPatterns(ctx, limit)
}

// Export writes the filtered DLQ contents to w as a JSON array, paging
// through storage so the whole queue never sits in memory at once.
func (m *DLQManager) Export(ctx context.Context, w io.Writer, filter DLQFilter) (int, error) {
	const pageSize = 100

	enc := json.NewEncoder(w)
	exported := 0

	if _, err := w.Write([]byte("[")); err != nil {
		return 0, err
	}

	skip := filter.Skip
	remaining := filter.Limit
	for {
		limit := pageSize
		if remaining > 0 && remaining < limit {
			limit = remaining
		}

		page, err := m.storage.ListDLQ(ctx, DLQFilter{
			Limit: limit,
			Skip:  skip,
			Type:  filter.Type,
			Since: filter.Since,
		})
		if err != nil {
			return exported, err
		}

		for _, msg := range page {
			if exported > 0 {
				if _, err := w.Write([]byte(",")); err != nil {
					return exported, err
				}
			}
			if err := enc.Encode(msg); err != nil {
				return exported, fmt.Errorf("encode %s: %w", msg.ID, err)
			}
			exported++
		}

		skip += len(page)
		if remaining > 0 {
			remaining -= len(page)
			if remaining <= 0 {
				break
			}
		}
		if len(page) < limit {
			break
		}
	}

	if _, err := w.Write([]byte("]")); err != nil {
		return exported, err
	}
	return exported, nil
}
