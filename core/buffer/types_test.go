package buffer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/workbuffer/core/buffer"
)

func TestNormalizePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want buffer.Priority
	}{
		{"nil defaults to normal", nil, buffer.PriorityNormal},
		{"priority value", buffer.PriorityCritical, buffer.PriorityCritical},
		{"priority out of range", buffer.Priority(9), buffer.PriorityNormal},
		{"int in range", 1, buffer.PriorityHigh},
		{"int zero", 0, buffer.PriorityCritical},
		{"int out of range", 42, buffer.PriorityNormal},
		{"negative int", -1, buffer.PriorityNormal},
		{"lowercase name", "critical", buffer.PriorityCritical},
		{"uppercase name", "HIGH", buffer.PriorityHigh},
		{"padded name", "  low  ", buffer.PriorityLow},
		{"unknown name", "urgent", buffer.PriorityNormal},
		{"unsupported type", 3.14, buffer.PriorityNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, buffer.NormalizePriority(tt.in))
		})
	}
}

func TestPriority_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "critical", buffer.PriorityCritical.String())
	assert.Equal(t, "high", buffer.PriorityHigh.String())
	assert.Equal(t, "normal", buffer.PriorityNormal.String())
	assert.Equal(t, "low", buffer.PriorityLow.String())
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, buffer.StatePending.Terminal())
	assert.False(t, buffer.StateProcessing.Terminal())
	assert.True(t, buffer.StateCompleted.Terminal())
	assert.True(t, buffer.StateFailed.Terminal())
	assert.True(t, buffer.StateDLQ.Terminal())
}
