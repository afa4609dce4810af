package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/workbuffer/core/buffer"
)

// DefaultCollection is the collection backing the work buffer.
const DefaultCollection = "buffer_messages"

// messageDoc is the persisted shape of a buffer message. IDs are stored as
// strings; the dedupe_active flag mirrors the non-terminal lifetime of the
// idempotency key so the partial unique index releases keys on settlement.
type messageDoc struct {
	ID                  string                `bson:"_id"`
	Type                string                `bson:"type"`
	Priority            buffer.Priority       `bson:"priority"`
	State               buffer.State          `bson:"state"`
	Payload             map[string]any        `bson:"payload"`
	Metadata            buffer.Metadata       `bson:"metadata"`
	AttemptCount        int                   `bson:"attempt_count"`
	MaxRetries          int                   `bson:"max_retries"`
	VisibleAt           time.Time             `bson:"visible_at"`
	ProcessingStartedAt *time.Time            `bson:"processing_started_at,omitempty"`
	LastProcessedAt     *time.Time            `bson:"last_processed_at,omitempty"`
	CompletedAt         *time.Time            `bson:"completed_at,omitempty"`
	WorkerID            string                `bson:"worker_id,omitempty"`
	Errors              []buffer.AttemptError `bson:"errors,omitempty"`
	LastError           *buffer.AttemptError  `bson:"last_error,omitempty"`
	IdempotencyKey      string                `bson:"idempotency_key,omitempty"`
	DedupeActive        bool                  `bson:"dedupe_active,omitempty"`
	Result              any                   `bson:"result,omitempty"`
	ExpiresAt           *time.Time            `bson:"expires_at,omitempty"`
	CreatedAt           time.Time             `bson:"created_at"`
	UpdatedAt           time.Time             `bson:"updated_at"`
}

func toDoc(msg *buffer.Message) *messageDoc {
	doc := &messageDoc{
		ID:                  msg.ID.String(),
		Type:                msg.Type,
		Priority:            msg.Priority,
		State:               msg.State,
		Payload:             msg.Payload,
		Metadata:            msg.Metadata,
		AttemptCount:        msg.AttemptCount,
		MaxRetries:          msg.MaxRetries,
		VisibleAt:           msg.VisibleAt,
		ProcessingStartedAt: msg.ProcessingStartedAt,
		LastProcessedAt:     msg.LastProcessedAt,
		CompletedAt:         msg.CompletedAt,
		Errors:              msg.Errors,
		LastError:           msg.LastError,
		IdempotencyKey:      msg.IdempotencyKey,
		DedupeActive:        msg.IdempotencyKey != "" && !msg.State.Terminal(),
		Result:              msg.Result,
		ExpiresAt:           msg.ExpiresAt,
		CreatedAt:           msg.CreatedAt,
		UpdatedAt:           msg.UpdatedAt,
	}
	if msg.WorkerID != nil {
		doc.WorkerID = msg.WorkerID.String()
	}
	return doc
}

func fromDoc(doc *messageDoc) (*buffer.Message, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("mongo: corrupt message id %q: %w", doc.ID, err)
	}

	msg := &buffer.Message{
		ID:                  id,
		Type:                doc.Type,
		Priority:            doc.Priority,
		State:               doc.State,
		Payload:             doc.Payload,
		Metadata:            doc.Metadata,
		AttemptCount:        doc.AttemptCount,
		MaxRetries:          doc.MaxRetries,
		VisibleAt:           doc.VisibleAt,
		ProcessingStartedAt: doc.ProcessingStartedAt,
		LastProcessedAt:     doc.LastProcessedAt,
		CompletedAt:         doc.CompletedAt,
		Errors:              doc.Errors,
		LastError:           doc.LastError,
		IdempotencyKey:      doc.IdempotencyKey,
		Result:              doc.Result,
		ExpiresAt:           doc.ExpiresAt,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
	}
	if doc.WorkerID != "" {
		wid, err := uuid.Parse(doc.WorkerID)
		if err != nil {
			return nil, fmt.Errorf("mongo: corrupt worker id %q: %w", doc.WorkerID, err)
		}
		msg.WorkerID = &wid
	}
	return msg, nil
}

// Storage implements buffer.Storage on a MongoDB collection. Claims use
// find-and-modify, so concurrent coordinators sharing the collection never
// receive the same message.
type Storage struct {
	col   *mongo.Collection
	clock func() time.Time
}

// StorageOption configures a Storage.
type StorageOption func(*storageOptions)

type storageOptions struct {
	collection string
	clock      func() time.Time
}

// WithCollection overrides the backing collection name.
func WithCollection(name string) StorageOption {
	return func(o *storageOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithStorageClock injects the wall-clock source used for all timestamps.
func WithStorageClock(clock func() time.Time) StorageOption {
	return func(o *storageOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewStorage creates a MongoDB-backed buffer storage.
func NewStorage(db *mongo.Database, opts ...StorageOption) (*Storage, error) {
	if db == nil {
		return nil, errors.New("mongo: database cannot be nil")
	}

	o := &storageOptions{
		collection: DefaultCollection,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	return &Storage{
		col:   db.Collection(o.collection),
		clock: o.clock,
	}, nil
}

// EnsureIndexes creates the indexes the buffer depends on:
//
//   - the claim path (state, visible_at, priority, created_at)
//   - a partial unique index enforcing one active idempotency key per tenant
//   - a TTL index expiring terminal messages at expires_at
//   - the stuck-message sweep (state, processing_started_at)
//   - DLQ listings (state, updated_at desc)
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "visible_at", Value: 1},
				{Key: "priority", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "metadata.tenant_id", Value: 1},
				{Key: "idempotency_key", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"dedupe_active": true}),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{
			Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "processing_started_at", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "updated_at", Value: -1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("mongo: create indexes: %w", err)
	}
	return nil
}

// CreateMessage inserts a message. The partial unique index is the dedupe
// authority: a concurrent insert with the same active (tenant, key) pair
// loses with ErrDuplicateMessage.
func (s *Storage) CreateMessage(ctx context.Context, msg *buffer.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message cannot be nil", buffer.ErrInvalidMessage)
	}

	if _, err := s.col.InsertOne(ctx, toDoc(msg)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: idempotency key %q", buffer.ErrDuplicateMessage, msg.IdempotencyKey)
		}
		return errors.Join(buffer.ErrPersistenceFailure, err)
	}
	return nil
}

// FindByID returns the message or (nil, nil) when not found.
func (s *Storage) FindByID(ctx context.Context, id uuid.UUID) (*buffer.Message, error) {
	var doc messageDoc
	err := s.col.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(buffer.ErrPersistenceFailure, err)
	}
	return fromDoc(&doc)
}

// FindByIdempotencyKey returns the active holder of the key within the
// tenant, or (nil, nil).
func (s *Storage) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*buffer.Message, error) {
	var doc messageDoc
	err := s.col.FindOne(ctx, bson.M{
		"metadata.tenant_id": tenantID,
		"idempotency_key":    key,
		"dedupe_active":      true,
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(buffer.ErrPersistenceFailure, err)
	}
	return fromDoc(&doc)
}

// ClaimNextBatch claims up to limit eligible pending messages with a
// find-and-modify loop, one document per round trip, ordered by
// (priority ASC, created_at ASC).
func (s *Storage) ClaimNextBatch(ctx context.Context, limit int, workerID uuid.UUID, visibilityTimeout time.Duration) ([]*buffer.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := s.clock()
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	claimed := make([]*buffer.Message, 0, limit)
	for len(claimed) < limit {
		var doc messageDoc
		err := s.col.FindOneAndUpdate(ctx,
			bson.M{
				"state":      buffer.StatePending,
				"visible_at": bson.M{"$lte": now},
			},
			bson.M{
				"$set": bson.M{
					"state":                 buffer.StateProcessing,
					"worker_id":             workerID.String(),
					"processing_started_at": now,
					"last_processed_at":     now,
					"visible_at":            now.Add(visibilityTimeout),
					"updated_at":            now,
				},
				"$inc": bson.M{"attempt_count": 1},
			},
			opts,
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, errors.Join(buffer.ErrPersistenceFailure, err)
		}

		msg, err := fromDoc(&doc)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, msg)
	}

	return claimed, nil
}

// MarkCompleted finalizes a processing message and stores the handler
// result. The state predicate makes the transition conditional: a message
// already settled elsewhere, e.g. swept and retried after a lost lease,
// keeps its outcome and the late completion is a no-op.
func (s *Storage) MarkCompleted(ctx context.Context, id uuid.UUID, result any) (*buffer.Message, error) {
	now := s.clock()

	var doc messageDoc
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{
			"_id":   id.String(),
			"state": buffer.StateProcessing,
		},
		bson.M{
			"$set": bson.M{
				"state":        buffer.StateCompleted,
				"result":       result,
				"completed_at": now,
				"expires_at":   now.Add(buffer.CompletedRetention),
				"updated_at":   now,
			},
			"$unset": bson.M{
				"worker_id":             "",
				"processing_started_at": "",
				"dedupe_active":         "",
			},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(buffer.ErrPersistenceFailure, err)
	}
	return fromDoc(&doc)
}

// MarkFailed appends the attempt error and either schedules a retry or
// settles the message as failed. The retry transition is guarded by the
// document's own retry budget, so the decision is atomic with the update.
func (s *Storage) MarkFailed(ctx context.Context, id uuid.UUID, cause buffer.AttemptError, retryDelay time.Duration) (bool, *buffer.Message, error) {
	now := s.clock()
	if cause.Timestamp.IsZero() {
		cause.Timestamp = now
	}

	returnAfter := options.FindOneAndUpdate().SetReturnDocument(options.After)

	if !cause.NoRetry {
		var doc messageDoc
		err := s.col.FindOneAndUpdate(ctx,
			bson.M{
				"_id":   id.String(),
				"state": buffer.StateProcessing,
				"$expr": bson.M{"$lte": bson.A{"$attempt_count", "$max_retries"}},
			},
			bson.M{
				"$push": bson.M{"errors": cause},
				"$set": bson.M{
					"last_error": cause,
					"state":      buffer.StatePending,
					"visible_at": now.Add(retryDelay),
					"updated_at": now,
				},
				"$unset": bson.M{
					"worker_id":             "",
					"processing_started_at": "",
				},
			},
			returnAfter,
		).Decode(&doc)
		if err == nil {
			msg, convErr := fromDoc(&doc)
			return true, msg, convErr
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil, errors.Join(buffer.ErrPersistenceFailure, err)
		}
	}

	var doc messageDoc
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{
			"_id":   id.String(),
			"state": buffer.StateProcessing,
		},
		bson.M{
			"$push": bson.M{"errors": cause},
			"$set": bson.M{
				"last_error": cause,
				"state":      buffer.StateFailed,
				"expires_at": now.Add(buffer.FailedRetention),
				"updated_at": now,
			},
			"$unset": bson.M{
				"worker_id":             "",
				"processing_started_at": "",
				"dedupe_active":         "",
			},
		},
		returnAfter,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		existing, findErr := s.FindByID(ctx, id)
		if findErr != nil {
			return false, nil, findErr
		}
		if existing == nil {
			return false, nil, buffer.ErrMessageNotFound
		}
		// The claim was already settled elsewhere, e.g. the handler
		// completed between a stuck-sweep scan and this call.
		return false, nil, fmt.Errorf("%w: message %s is not processing", buffer.ErrInvalidMessage, id)
	}
	if err != nil {
		return false, nil, errors.Join(buffer.ErrPersistenceFailure, err)
	}

	msg, convErr := fromDoc(&doc)
	return false, msg, convErr
}

// MoveToDLQ quarantines a message without an expiry.
func (s *Storage) MoveToDLQ(ctx context.Context, id uuid.UUID, reason string) (*buffer.Message, error) {
	existing, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	now := s.clock()
	lastError := buffer.AttemptError{
		Message:       reason,
		Code:          buffer.CodeMovedToDLQ,
		Timestamp:     now,
		AttemptNumber: existing.AttemptCount,
	}

	var doc messageDoc
	err = s.col.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String()},
		bson.M{
			"$set": bson.M{
				"state":      buffer.StateDLQ,
				"last_error": lastError,
				"updated_at": now,
			},
			"$unset": bson.M{
				"expires_at":            "",
				"worker_id":             "",
				"processing_started_at": "",
				"dedupe_active":         "",
			},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(buffer.ErrPersistenceFailure, err)
	}
	return fromDoc(&doc)
}

// ReleaseStuckMessages fails every processing message whose lease started
// more than timeout ago. Returns the number that elected to retry.
func (s *Storage) ReleaseStuckMessages(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := s.clock().Add(-timeout)

	cursor, err := s.col.Find(ctx, bson.M{
		"state":                 buffer.StateProcessing,
		"processing_started_at": bson.M{"$lte": cutoff},
	})
	if err != nil {
		return 0, errors.Join(buffer.ErrPersistenceFailure, err)
	}

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, errors.Join(buffer.ErrPersistenceFailure, err)
	}

	retried := 0
	for _, doc := range docs {
		id, err := uuid.Parse(doc.ID)
		if err != nil {
			continue
		}
		cause := buffer.AttemptError{
			Message:       "processing exceeded visibility timeout",
			Code:          buffer.CodeMessageTimeout,
			AttemptNumber: doc.AttemptCount,
		}
		willRetry, _, err := s.MarkFailed(ctx, id, cause, 5*time.Second)
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
func (s *Storage) ExtendLease(ctx context.Context, id uuid.UUID, d time.Duration) error {
	now := s.clock()
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": id.String(), "state": buffer.StateProcessing},
		bson.M{"$set": bson.M{"visible_at": now.Add(d), "updated_at": now}},
	)
	if err != nil {
		return errors.Join(buffer.ErrPersistenceFailure, err)
	}
	if res.MatchedCount == 0 {
		existing, findErr := s.FindByID(ctx, id)
		if findErr != nil {
			return findErr
		}
		if existing == nil {
			return buffer.ErrMessageNotFound
		}
		return fmt.Errorf("%w: message %s is not processing", buffer.ErrInvalidMessage, id)
	}
	return nil
}

// Stats returns depth counters by state and the oldest pending age.
func (s *Storage) Stats(ctx context.Context) (buffer.StoreStats, error) {
	cursor, err := s.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   "$state",
			"count": bson.M{"$sum": 1},
		}}},
	})
	if err != nil {
		return buffer.StoreStats{}, errors.Join(buffer.ErrPersistenceFailure, err)
	}

	var rows []struct {
		State buffer.State `bson:"_id"`
		Count int64        `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return buffer.StoreStats{}, errors.Join(buffer.ErrPersistenceFailure, err)
	}

	var stats buffer.StoreStats
	for _, row := range rows {
		stats.Total += row.Count
		switch row.State {
		case buffer.StatePending:
			stats.Pending = row.Count
		case buffer.StateProcessing:
			stats.Processing = row.Count
		case buffer.StateCompleted:
			stats.Completed = row.Count
		case buffer.StateFailed:
			stats.Failed = row.Count
		case buffer.StateDLQ:
			stats.DLQ = row.Count
		}
	}

	var oldest struct {
		CreatedAt time.Time `bson:"created_at"`
	}
	err = s.col.FindOne(ctx,
		bson.M{"state": buffer.StatePending},
		options.FindOne().
			SetSort(bson.D{{Key: "created_at", Value: 1}}).
			SetProjection(bson.M{"created_at": 1}),
	).Decode(&oldest)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
	case err != nil:
		return stats, errors.Join(buffer.ErrPersistenceFailure, err)
	default:
		stats.OldestPendingAge = s.clock().Sub(oldest.CreatedAt)
	}

	return stats, nil
}

// Cleanup deletes completed and failed messages whose retention expired.
// The TTL index does this continuously; Cleanup exists for immediate,
// observable deletion. DLQ records are never touched.
func (s *Storage) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.clock()

	filter := bson.M{
		"state": bson.M{"$in": bson.A{buffer.StateCompleted, buffer.StateFailed}},
	}
	if olderThan > 0 {
		cutoff := now.Add(-olderThan)
		filter["$or"] = bson.A{
			bson.M{"completed_at": bson.M{"$lte": cutoff}},
			bson.M{"completed_at": nil, "updated_at": bson.M{"$lte": cutoff}},
		}
	} else {
		filter["expires_at"] = bson.M{"$lte": now}
	}

	res, err := s.col.DeleteMany(ctx, filter)
	if err != nil {
		return 0, errors.Join(buffer.ErrPersistenceFailure, err)
	}
	return res.DeletedCount, nil
}

// ListDLQ returns dead-lettered messages, newest first.
func (s *Storage) ListDLQ(ctx context.Context, filter buffer.DLQFilter) ([]*buffer.Message, error) {
	query := bson.M{"state": buffer.StateDLQ}
	if filter.Type != "" {
		query["type"] = filter.Type
	}
	if !filter.Since.IsZero() {
		query["updated_at"] = bson.M{"$gte": filter.Since}
	}

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if filter.Skip > 0 {
		opts.SetSkip(int64(filter.Skip))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.col.Find(ctx, query, opts)
	if err != nil {
		return nil, errors.Join(buffer.ErrPersistenceFailure, err)
	}

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Join(buffer.ErrPersistenceFailure, err)
	}

	out := make([]*buffer.Message, 0, len(docs))
	for i := range docs {
		msg, err := fromDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// CountDLQ counts dead-lettered messages, optionally by type.
func (s *Storage) CountDLQ(ctx context.Context, msgType string) (int64, error) {
	query := bson.M{"state": buffer.StateDLQ}
	if msgType != "" {
		query["type"] = msgType
	}
	count, err := s.col.CountDocuments(ctx, query)
	if err != nil {
		return 0, errors.Join(buffer.ErrPersistenceFailure, err)
	}
	return count, nil
}

// RequeueFromDLQ moves a DLQ message back to pending.
func (s *Storage) RequeueFromDLQ(ctx context.Context, id uuid.UUID, opts buffer.RequeueOptions) (*buffer.Message, error) {
	existing, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.State != buffer.StateDLQ {
		return nil, nil
	}

	now := s.clock()
	set := bson.M{
		"state":      buffer.StatePending,
		"visible_at": now.Add(opts.VisibilityDelay),
		"updated_at": now,
	}
	if opts.ResetAttempts {
		set["attempt_count"] = 0
	}
	if opts.MaxRetries != nil {
		set["max_retries"] = *opts.MaxRetries
	}
	if existing.IdempotencyKey != "" {
		set["dedupe_active"] = true
	}

	var doc messageDoc
	err = s.col.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String(), "state": buffer.StateDLQ},
		bson.M{
			"$set":   set,
			"$unset": bson.M{"expires_at": ""},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		// A newer message took the idempotency key while this one sat in
		// the DLQ.
		return nil, fmt.Errorf("%w: idempotency key %q", buffer.ErrDuplicateMessage, existing.IdempotencyKey)
	}
	if err != nil {
		return nil, errors.Join(buffer.ErrPersistenceFailure, err)
	}
	return fromDoc(&doc)
}

// DeleteFromDLQ removes a single DLQ message.
func (s *Storage) DeleteFromDLQ(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.col.DeleteOne(ctx, bson.M{"_id": id.String(), "state": buffer.StateDLQ})
	if err != nil {
		return false, errors.Join(buffer.ErrPersistenceFailure, err)
	}
	return res.DeletedCount > 0, nil
}

// DeleteDLQByType removes every DLQ message of the given type.
func (s *Storage) DeleteDLQByType(ctx context.Context, msgType string) (int64, error) {
	res, err := s.col.DeleteMany(ctx, bson.M{"state": buffer.StateDLQ, "type": msgType})
	if err != nil {
		return 0, errors.Join(buffer.ErrPersistenceFailure, err)
	}
	return res.DeletedCount, nil
}

// DeleteDLQOlderThan removes DLQ messages quarantined before now-olderThan.
func (s *Storage) DeleteDLQOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.clock().Add(-olderThan)
	res, err := s.col.DeleteMany(ctx, bson.M{
		"state":      buffer.StateDLQ,
		"updated_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, errors.Join(buffer.ErrPersistenceFailure, err)
	}
	return res.DeletedCount, nil
}

// DLQStats summarizes the dead letter queue.
func (s *Storage) DLQStats(ctx context.Context) (buffer.DLQStats, error) {
	cursor, err := s.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"state": buffer.StateDLQ}}},
		{{Key: "$group", Value: bson.M{
			"_id":    "$type",
			"count":  bson.M{"$sum": 1},
			"oldest": bson.M{"$min": "$created_at"},
		}}},
	})
	if err != nil {
		return buffer.DLQStats{}, errors.Join(buffer.ErrPersistenceFailure, err)
	}

	var rows []struct {
		Type   string    `bson:"_id"`
		Count  int64     `bson:"count"`
		Oldest time.Time `bson:"oldest"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return buffer.DLQStats{}, errors.Join(buffer.ErrPersistenceFailure, err)
	}

	now := s.clock()
	stats := buffer.DLQStats{ByType: make(map[string]int64)}
	for _, row := range rows {
		stats.Total += row.Count
		stats.ByType[row.Type] = row.Count
		if age := now.Sub(row.Oldest); age > stats.OldestMessageAge {
			stats.OldestMessageAge = age
		}
	}
	return stats, nil
}

// DLQErrorPatterns groups DLQ residents by their final attempt-log signature,
// most frequent first. The DLQ reason overwrites last_error, so the original
// failure is the most recent entry in the attempt log.
func (s *Storage) DLQErrorPatterns(ctx context.Context, limit int) ([]buffer.ErrorPattern, error) {
	if limit <= 0 {
		limit = 10
	}

	cursor, err := s.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"state": buffer.StateDLQ}}},
		{{Key: "$project", Value: bson.M{
			"sig": bson.M{"$ifNull": bson.A{
				bson.M{"$arrayElemAt": bson.A{"$errors", -1}},
				"$last_error",
			}},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id": bson.M{
				"code":    bson.M{"$ifNull": bson.A{"$sig.code", "UNKNOWN"}},
				"message": bson.M{"$ifNull": bson.A{"$sig.message", ""}},
			},
			"count":   bson.M{"$sum": 1},
			"samples": bson.M{"$push": "$_id"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id.code", Value: 1}}}},
		{{Key: "$limit", Value: limit}},
		{{Key: "$project", Value: bson.M{
			"count":   1,
			"samples": bson.M{"$slice": bson.A{"$samples", 5}},
		}}},
	})
	if err != nil {
		return nil, errors.Join(buffer.ErrPersistenceFailure, err)
	}

	var rows []struct {
		Key struct {
			Code    string `bson:"code"`
			Message string `bson:"message"`
		} `bson:"_id"`
		Count   int64    `bson:"count"`
		Samples []string `bson:"samples"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, errors.Join(buffer.ErrPersistenceFailure, err)
	}

	patterns := make([]buffer.ErrorPattern, 0, len(rows))
	for _, row := range rows {
		p := buffer.ErrorPattern{
			ErrorCode:    row.Key.Code,
			ErrorMessage: row.Key.Message,
			Count:        row.Count,
		}
		for _, raw := range row.Samples {
			if id, err := uuid.Parse(raw); err == nil {
				p.SampleMessageIDs = append(p.SampleMessageIDs, id)
			}
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}
