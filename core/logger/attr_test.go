package logger_test

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/workbuffer/core/logger"
)

func TestError(t *testing.T) {
	t.Parallel()

	t.Run("nil error yields empty attr", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, slog.Attr{}, logger.Error(nil))
	})

	t.Run("wraps the error under the error key", func(t *testing.T) {
		t.Parallel()
		attr := logger.Error(errors.New("boom"))
		assert.Equal(t, "error", attr.Key)
		assert.Equal(t, "boom", attr.Value.String())
	})
}

func TestErrors(t *testing.T) {
	t.Parallel()

	t.Run("all nil yields empty attr", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, slog.Attr{}, logger.Errors(nil, nil))
	})

	t.Run("keeps order with index keys", func(t *testing.T) {
		t.Parallel()
		attr := logger.Errors(errors.New("first"), nil, errors.New("third"))
		assert.Equal(t, "errors", attr.Key)

		group := attr.Value.Group()
		assert.Len(t, group, 2)
		assert.Equal(t, "0", group[0].Key)
		assert.Equal(t, "2", group[1].Key)
	})
}

func TestIdentifierAttrs(t *testing.T) {
	t.Parallel()

	id := uuid.New()

	tests := []struct {
		name    string
		attr    slog.Attr
		wantKey string
		want    string
	}{
		{"message id", logger.MessageID(id), "message_id", id.String()},
		{"message type", logger.MessageType("send_email"), "message_type", "send_email"},
		{"tenant id", logger.TenantID("t1"), "tenant_id", "t1"},
		{"worker id", logger.WorkerID(id), "worker_id", id.String()},
		{"sender key", logger.SenderKey("t1:alice"), "sender_key", "t1:alice"},
		{"trace id", logger.TraceID("trace-1"), "trace_id", "trace-1"},
		{"correlation id", logger.CorrelationID("corr-1"), "correlation_id", "corr-1"},
		{"component", logger.Component("coordinator"), "component", "coordinator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantKey, tt.attr.Key)
			assert.Equal(t, tt.want, tt.attr.Value.String())
		})
	}
}

func TestZeroValuesYieldEmptyAttrs(t *testing.T) {
	t.Parallel()

	empty := slog.Attr{}
	assert.Equal(t, empty, logger.MessageID(uuid.Nil))
	assert.Equal(t, empty, logger.MessageType(""))
	assert.Equal(t, empty, logger.TenantID(""))
	assert.Equal(t, empty, logger.WorkerID(uuid.Nil))
	assert.Equal(t, empty, logger.SenderKey(""))
	assert.Equal(t, empty, logger.TraceID(""))
	assert.Equal(t, empty, logger.CorrelationID(""))
	assert.Equal(t, empty, logger.ID("key", nil))
	assert.Equal(t, empty, logger.Key("key", nil))
}

func TestCounterAttrs(t *testing.T) {
	t.Parallel()

	attr := logger.Attempt(3)
	assert.Equal(t, "attempt", attr.Key)
	assert.Equal(t, int64(3), attr.Value.Int64())

	attr = logger.RetryCount(2)
	assert.Equal(t, "retry_count", attr.Key)
	assert.Equal(t, int64(2), attr.Value.Int64())

	attr = logger.Count("released", 7)
	assert.Equal(t, "released", attr.Key)
	assert.Equal(t, int64(7), attr.Value.Int64())
}

func TestTimingAttrs(t *testing.T) {
	t.Parallel()

	attr := logger.Duration(250 * time.Millisecond)
	assert.Equal(t, "duration", attr.Key)
	assert.Equal(t, 250*time.Millisecond, attr.Value.Duration())

	attr = logger.Elapsed(time.Now().Add(-time.Second))
	assert.Equal(t, "elapsed", attr.Key)
	assert.GreaterOrEqual(t, attr.Value.Duration(), time.Second)
}

func TestGroup(t *testing.T) {
	t.Parallel()

	attr := logger.Group("message",
		logger.MessageType("send_email"),
		logger.Attempt(1))
	assert.Equal(t, "message", attr.Key)
	assert.Len(t, attr.Value.Group(), 2)
}
