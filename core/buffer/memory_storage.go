package buffer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements the full Storage interface in memory for testing
// and local development. All operations are guarded by a single mutex, which
// also makes claims atomic: concurrent callers never receive the same
// message.
type MemoryStorage struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]*Message
	byState  map[State][]uuid.UUID

	// idempotency maps tenant+key to the current non-terminal holder.
	idempotency map[string]uuid.UUID
	dedupe      bool

	clock func() time.Time
}

// MemoryStorageOption configures a MemoryStorage.
type MemoryStorageOption func(*MemoryStorage)

// WithMemoryClock injects the wall-clock source used for all timestamps.
func WithMemoryClock(clock func() time.Time) MemoryStorageOption {
	return func(ms *MemoryStorage) {
		if clock != nil {
			ms.clock = clock
		}
	}
}

// WithIdempotencyDisabled turns off (tenant, idempotencyKey) deduplication.
func WithIdempotencyDisabled() MemoryStorageOption {
	return func(ms *MemoryStorage) {
		ms.dedupe = false
	}
}

// NewMemoryStorage creates a new in-memory storage implementation.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	ms := &MemoryStorage{
		messages:    make(map[uuid.UUID]*Message),
		byState:     make(map[State][]uuid.UUID),
		idempotency: make(map[string]uuid.UUID),
		dedupe:      true,
		clock:       time.Now,
	}

	for _, opt := range opts {
		opt(ms)
	}

	return ms
}

func dedupeKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

// CreateMessage stores a new message. The idempotency check and the insert
// happen under the same lock, which is the in-memory equivalent of a unique
// index being the authority at insert time.
func (ms *MemoryStorage) CreateMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message cannot be nil", ErrInvalidMessage)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.messages[msg.ID]; exists {
		return fmt.Errorf("%w: id %s already exists", ErrDuplicateMessage, msg.ID)
	}

	if ms.dedupe && msg.IdempotencyKey != "" {
		key := dedupeKey(msg.Metadata.TenantID, msg.IdempotencyKey)
		if holder, exists := ms.idempotency[key]; exists {
			if m, ok := ms.messages[holder]; ok && !m.State.Terminal() {
				return fmt.Errorf("%w: idempotency key %q", ErrDuplicateMessage, msg.IdempotencyKey)
			}
			// Stale entry for a terminal holder; the key is free again.
			delete(ms.idempotency, key)
		}
		ms.idempotency[key] = msg.ID
	}

	cp := cloneMessage(msg)
	ms.messages[msg.ID] = cp
	ms.byState[cp.State] = append(ms.byState[cp.State], cp.ID)

	return nil
}

// FindByID returns a copy of the message or (nil, nil) when not found.
func (ms *MemoryStorage) FindByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	msg, ok := ms.messages[id]
	if !ok {
		return nil, nil
	}
	return cloneMessage(msg), nil
}

// FindByIdempotencyKey returns the newest non-terminal message holding the
// key within the tenant, or (nil, nil).
func (ms *MemoryStorage) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	id, ok := ms.idempotency[dedupeKey(tenantID, key)]
	if !ok {
		return nil, nil
	}
	msg, ok := ms.messages[id]
	if !ok || msg.State.Terminal() {
		return nil, nil
	}
	return cloneMessage(msg), nil
}

// ClaimNextBatch atomically claims up to limit eligible pending messages
// ordered by (priority ASC, createdAt ASC).
func (ms *MemoryStorage) ClaimNextBatch(ctx context.Context, limit int, workerID uuid.UUID, visibilityTimeout time.Duration) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.clock()

	candidates := make([]*Message, 0, limit)
	for _, id := range ms.byState[StatePending] {
		msg := ms.messages[id]
		if msg.VisibleAt.After(now) {
			continue
		}
		candidates = append(candidates, msg)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*Message, 0, len(candidates))
	for _, msg := range candidates {
		started := now
		wid := workerID

		msg.State = StateProcessing
		msg.WorkerID = &wid
		msg.ProcessingStartedAt = &started
		msg.LastProcessedAt = &started
		msg.VisibleAt = now.Add(visibilityTimeout)
		msg.AttemptCount++
		msg.UpdatedAt = now

		ms.removeFromStateIndex(msg.ID, StatePending)
		ms.byState[StateProcessing] = append(ms.byState[StateProcessing], msg.ID)

		claimed = append(claimed, cloneMessage(msg))
	}

	return claimed, nil
}

// MarkCompleted finalizes a processing message and stores the handler
// result. A message that is no longer processing was already settled
// elsewhere, e.g. swept and retried after a lost lease; its outcome stands
// and the late completion is a no-op.
func (ms *MemoryStorage) MarkCompleted(ctx context.Context, id uuid.UUID, result any) (*Message, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg, ok := ms.messages[id]
	if !ok {
		return nil, nil
	}
	if msg.State != StateProcessing {
		return nil, nil
	}

	now := ms.clock()
	expires := now.Add(CompletedRetention)

	ms.removeFromStateIndex(id, msg.State)
	msg.State = StateCompleted
	msg.Result = result
	msg.CompletedAt = &now
	msg.ExpiresAt = &expires
	msg.WorkerID = nil
	msg.ProcessingStartedAt = nil
	msg.UpdatedAt = now
	ms.byState[StateCompleted] = append(ms.byState[StateCompleted], id)

	ms.releaseDedupeKey(msg)

	return cloneMessage(msg), nil
}

// MarkFailed appends the attempt error and either schedules a retry or
// settles the message as failed.
func (ms *MemoryStorage) MarkFailed(ctx context.Context, id uuid.UUID, cause AttemptError, retryDelay time.Duration) (bool, *Message, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg, ok := ms.messages[id]
	if !ok {
		return false, nil, ErrMessageNotFound
	}
	if msg.State != StateProcessing {
		// The claim was already settled elsewhere, e.g. the handler
		// completed between a stuck-sweep scan and this call.
		return false, nil, fmt.Errorf("%w: message %s is not processing", ErrInvalidMessage, id)
	}

	now := ms.clock()
	if cause.Timestamp.IsZero() {
		cause.Timestamp = now
	}
	if cause.AttemptNumber == 0 {
		cause.AttemptNumber = msg.AttemptCount
	}

	msg.Errors = append(msg.Errors, cause)
	last := cause
	msg.LastError = &last
	msg.UpdatedAt = now

	willRetry := !cause.NoRetry && msg.AttemptCount <= msg.MaxRetries

	ms.removeFromStateIndex(id, msg.State)
	if willRetry {
		msg.State = StatePending
		msg.VisibleAt = now.Add(retryDelay)
		msg.WorkerID = nil
		msg.ProcessingStartedAt = nil
		ms.byState[StatePending] = append(ms.byState[StatePending], id)
	} else {
		expires := now.Add(FailedRetention)
		msg.State = StateFailed
		msg.ExpiresAt = &expires
		msg.WorkerID = nil
		msg.ProcessingStartedAt = nil
		ms.byState[StateFailed] = append(ms.byState[StateFailed], id)
		ms.releaseDedupeKey(msg)
	}

	return willRetry, cloneMessage(msg), nil
}

// MoveToDLQ quarantines a message without an expiry.
func (ms *MemoryStorage) MoveToDLQ(ctx context.Context, id uuid.UUID, reason string) (*Message, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg, ok := ms.messages[id]
	if !ok {
		return nil, nil
	}

	now := ms.clock()

	ms.removeFromStateIndex(id, msg.State)
	msg.State = StateDLQ
	msg.LastError = &AttemptError{
		Message:       reason,
		Code:          CodeMovedToDLQ,
		Timestamp:     now,
		AttemptNumber: msg.AttemptCount,
	}
	msg.ExpiresAt = nil
	msg.WorkerID = nil
	msg.ProcessingStartedAt = nil
	msg.UpdatedAt = now
	ms.byState[StateDLQ] = append(ms.byState[StateDLQ], id)

	ms.releaseDedupeKey(msg)

	return cloneMessage(msg), nil
}

// ReleaseStuckMessages fails every processing message whose lease started
// more than timeout ago. Returns the number that elected to retry.
func (ms *MemoryStorage) ReleaseStuckMessages(ctx context.Context, timeout time.Duration) (int, error) {
	ms.mu.RLock()
	cutoff := ms.clock().Add(-timeout)
	var stuck []uuid.UUID
	for _, id := range ms.byState[StateProcessing] {
		msg := ms.messages[id]
		if msg.ProcessingStartedAt != nil && !msg.ProcessingStartedAt.After(cutoff) {
			stuck = append(stuck, id)
		}
	}
	ms.mu.RUnlock()

	retried := 0
	for _, id := range stuck {
		cause := AttemptError{
			Message: "processing exceeded visibility timeout",
			Code:    CodeMessageTimeout,
		}
		willRetry, _, err := ms.MarkFailed(ctx, id, cause, 5*time.Second)
		if err != nil {
			continue
		}
		if willRetry {
			retried++
		}
	}

	return retried, nil
}

// ExtendLease pushes out the visibility deadline of a processing message.
func (ms *MemoryStorage) ExtendLease(ctx context.Context, id uuid.UUID, d time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg, ok := ms.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.State != StateProcessing {
		return fmt.Errorf("%w: message %s is not processing", ErrInvalidMessage, id)
	}

	msg.VisibleAt = ms.clock().Add(d)
	msg.UpdatedAt = ms.clock()
	return nil
}

// Stats returns depth counters by state and the oldest pending age.
func (ms *MemoryStorage) Stats(ctx context.Context) (StoreStats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	now := ms.clock()
	stats := StoreStats{
		Pending:    int64(len(ms.byState[StatePending])),
		Processing: int64(len(ms.byState[StateProcessing])),
		Completed:  int64(len(ms.byState[StateCompleted])),
		Failed:     int64(len(ms.byState[StateFailed])),
		DLQ:        int64(len(ms.byState[StateDLQ])),
		Total:      int64(len(ms.messages)),
	}

	for _, id := range ms.byState[StatePending] {
		if age := now.Sub(ms.messages[id].CreatedAt); age > stats.OldestPendingAge {
			stats.OldestPendingAge = age
		}
	}

	return stats, nil
}

// Cleanup deletes completed and failed messages whose retention expired.
// DLQ records are never touched.
func (ms *MemoryStorage) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.clock()
	var deleted int64

	for _, state := range []State{StateCompleted, StateFailed} {
		for _, id := range append([]uuid.UUID(nil), ms.byState[state]...) {
			msg := ms.messages[id]
			expired := false
			if olderThan > 0 {
				ref := msg.CompletedAt
				if ref == nil {
					ref = &msg.UpdatedAt
				}
				expired = !ref.After(now.Add(-olderThan))
			} else {
				expired = msg.ExpiresAt != nil && !msg.ExpiresAt.After(now)
			}
			if expired {
				ms.removeFromStateIndex(id, state)
				delete(ms.messages, id)
				deleted++
			}
		}
	}

	return deleted, nil
}

// ListDLQ returns dead-lettered messages, newest first.
func (ms *MemoryStorage) ListDLQ(ctx context.Context, filter DLQFilter) ([]*Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var matched []*Message
	for _, id := range ms.byState[StateDLQ] {
		msg := ms.messages[id]
		if filter.Type != "" && msg.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && msg.UpdatedAt.Before(filter.Since) {
			continue
		}
		matched = append(matched, msg)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	if filter.Skip > 0 {
		if filter.Skip >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Skip:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*Message, len(matched))
	for i, msg := range matched {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

// CountDLQ counts dead-lettered messages, optionally by type.
func (ms *MemoryStorage) CountDLQ(ctx context.Context, msgType string) (int64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if msgType == "" {
		return int64(len(ms.byState[StateDLQ])), nil
	}

	var count int64
	for _, id := range ms.byState[StateDLQ] {
		if ms.messages[id].Type == msgType {
			count++
		}
	}
	return count, nil
}

// RequeueFromDLQ moves a DLQ message back to pending.
func (ms *MemoryStorage) RequeueFromDLQ(ctx context.Context, id uuid.UUID, opts RequeueOptions) (*Message, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg, ok := ms.messages[id]
	if !ok || msg.State != StateDLQ {
		return nil, nil
	}

	now := ms.clock()

	ms.removeFromStateIndex(id, StateDLQ)
	msg.State = StatePending
	msg.VisibleAt = now.Add(opts.VisibilityDelay)
	msg.ExpiresAt = nil
	msg.UpdatedAt = now
	if opts.ResetAttempts {
		msg.AttemptCount = 0
	}
	if opts.MaxRetries != nil {
		msg.MaxRetries = *opts.MaxRetries
	}
	ms.byState[StatePending] = append(ms.byState[StatePending], id)

	return cloneMessage(msg), nil
}

// DeleteFromDLQ removes a single DLQ message.
func (ms *MemoryStorage) DeleteFromDLQ(ctx context.Context, id uuid.UUID) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg, ok := ms.messages[id]
	if !ok || msg.State != StateDLQ {
		return false, nil
	}

	ms.removeFromStateIndex(id, StateDLQ)
	delete(ms.messages, id)
	return true, nil
}

// DeleteDLQByType removes every DLQ message of the given type.
func (ms *MemoryStorage) DeleteDLQByType(ctx context.Context, msgType string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var deleted int64
	for _, id := range append([]uuid.UUID(nil), ms.byState[StateDLQ]...) {
		if ms.messages[id].Type == msgType {
			ms.removeFromStateIndex(id, StateDLQ)
			delete(ms.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteDLQOlderThan removes DLQ messages quarantined before now-olderThan.
func (ms *MemoryStorage) DeleteDLQOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cutoff := ms.clock().Add(-olderThan)
	var deleted int64
	for _, id := range append([]uuid.UUID(nil), ms.byState[StateDLQ]...) {
		if ms.messages[id].UpdatedAt.Before(cutoff) {
			ms.removeFromStateIndex(id, StateDLQ)
			delete(ms.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

// DLQStats summarizes the dead letter queue.
func (ms *MemoryStorage) DLQStats(ctx context.Context) (DLQStats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	now := ms.clock()
	stats := DLQStats{ByType: make(map[string]int64)}
	for _, id := range ms.byState[StateDLQ] {
		msg := ms.messages[id]
		stats.Total++
		stats.ByType[msg.Type]++
		if age := now.Sub(msg.CreatedAt); age > stats.OldestMessageAge {
			stats.OldestMessageAge = age
		}
	}
	return stats, nil
}

// DLQErrorPatterns groups DLQ residents by (code, message) signature.
func (ms *MemoryStorage) DLQErrorPatterns(ctx context.Context, limit int) ([]ErrorPattern, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	grouped := make(map[string]*ErrorPattern)
	for _, id := range ms.byState[StateDLQ] {
		msg := ms.messages[id]

		code, text := "UNKNOWN", ""
		// The DLQ reason overwrites lastError; the original failure is the
		// most recent entry in the attempt log.
		if n := len(msg.Errors); n > 0 {
			code, text = msg.Errors[n-1].Code, msg.Errors[n-1].Message
		} else if msg.LastError != nil {
			code, text = msg.LastError.Code, msg.LastError.Message
		}

		key := code + "\x00" + text
		p, ok := grouped[key]
		if !ok {
			p = &ErrorPattern{ErrorCode: code, ErrorMessage: text}
			grouped[key] = p
		}
		p.Count++
		if len(p.SampleMessageIDs) < 5 {
			p.SampleMessageIDs = append(p.SampleMessageIDs, msg.ID)
		}
	}

	patterns := make([]ErrorPattern, 0, len(grouped))
	for _, p := range grouped {
		patterns = append(patterns, *p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return strings.Compare(patterns[i].ErrorCode, patterns[j].ErrorCode) < 0
	})

	if limit > 0 && len(patterns) > limit {
		patterns = patterns[:limit]
	}
	return patterns, nil
}

// releaseDedupeKey frees the idempotency key once its holder went terminal.
// Callers must hold the write lock.
func (ms *MemoryStorage) releaseDedupeKey(msg *Message) {
	if msg.IdempotencyKey == "" {
		return
	}
	key := dedupeKey(msg.Metadata.TenantID, msg.IdempotencyKey)
	if holder, ok := ms.idempotency[key]; ok && holder == msg.ID {
		delete(ms.idempotency, key)
	}
}

func (ms *MemoryStorage) removeFromStateIndex(id uuid.UUID, state State) {
	ids := ms.byState[state]
	for i, candidate := range ids {
		if candidate == id {
			ms.byState[state] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// cloneMessage copies a message so callers never share mutable state with
// the store. Payload and metadata maps are shallow-copied; the store treats
// payload contents as opaque and never mutates them.
func cloneMessage(msg *Message) *Message {
	cp := *msg
	if msg.WorkerID != nil {
		wid := *msg.WorkerID
		cp.WorkerID = &wid
	}
	cp.Errors = append([]AttemptError(nil), msg.Errors...)
	if msg.LastError != nil {
		last := *msg.LastError
		cp.LastError = &last
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	cp.ProcessingStartedAt = copyTime(msg.ProcessingStartedAt)
	cp.LastProcessedAt = copyTime(msg.LastProcessedAt)
	cp.CompletedAt = copyTime(msg.CompletedAt)
	cp.ExpiresAt = copyTime(msg.ExpiresAt)
	return &cp
}
