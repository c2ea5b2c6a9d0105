package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	task := NewTask("analyze_market", map[string]any{"symbol": "BTCUSDT"})

	require.NotEmpty(t, task.ID)
	assert.Equal(t, "analyze_market", task.Type)
	assert.Equal(t, PriorityNormal, task.Priority)
	assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
	assert.Equal(t, 0, task.RetryCount)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Task)
		wantErr bool
	}{
		{
			name:   "valid task",
			mutate: func(t *Task) {},
		},
		{
			name:    "empty id",
			mutate:  func(t *Task) { t.ID = "" },
			wantErr: true,
		},
		{
			name:    "empty type",
			mutate:  func(t *Task) { t.Type = "" },
			wantErr: true,
		},
		{
			name:    "priority out of range",
			mutate:  func(t *Task) { t.Priority = Priority(7) },
			wantErr: true,
		},
		{
			name:    "retry count exceeds budget",
			mutate:  func(t *Task) { t.RetryCount = 4 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewTask("validate_signal", nil)
			tt.mutate(task)

			err := task.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTask)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskCanRetry(t *testing.T) {
	task := NewTask("monitor_position", nil)
	task.MaxRetries = 2

	assert.True(t, task.CanRetry())
	task.RetryCount = 1
	assert.True(t, task.CanRetry())
	task.RetryCount = 2
	assert.False(t, task.CanRetry())
}

func TestTaskChaining(t *testing.T) {
	task := NewTask("analyze_market", nil).
		WithPriority(PriorityCritical).
		WithTimeout(5 * time.Second)

	assert.Equal(t, PriorityCritical, task.Priority)
	assert.Equal(t, 5*time.Second, task.Timeout)
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "LOW", PriorityLow.String())
	assert.Equal(t, "NORMAL", PriorityNormal.String())
	assert.Equal(t, "HIGH", PriorityHigh.String())
	assert.Equal(t, "CRITICAL", PriorityCritical.String())
}
