// Package agent implements the cooperative task runtime shared by all
// specialist agents: one priority-aware queue per agent, retries, timeouts,
// and graceful shutdown.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority classifies a task within an agent's queue.
// FIFO ordering is guaranteed within a single priority class only.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical

	numPriorities = 4
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// DefaultMaxRetries is applied when a task does not specify its own limit
const DefaultMaxRetries = 3

var (
	// ErrInvalidTask indicates a task failed validation on submit
	ErrInvalidTask = errors.New("invalid task")

	// ErrDuplicateTask indicates a task with the same ID is already executing
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrAgentStopped indicates the agent no longer accepts tasks
	ErrAgentStopped = errors.New("agent stopped")

	// ErrQueueFull indicates the agent's queue for the task's priority is full
	ErrQueueFull = errors.New("task queue full")
)

// Task is a unit of work processed by exactly one agent.
// Created by the submitter; mutated only by the owning agent's loop.
type Task struct {
	ID         string         `json:"task_id"`
	Type       string         `json:"task_type"`
	Priority   Priority       `json:"priority"`
	Params     map[string]any `json:"params,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
}

// NewTask creates a task with a generated ID and default retry budget
func NewTask(taskType string, params map[string]any) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Priority:   PriorityNormal,
		Params:     params,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: DefaultMaxRetries,
	}
}

// WithPriority sets the task priority and returns the task for chaining
func (t *Task) WithPriority(p Priority) *Task {
	t.Priority = p
	return t
}

// WithTimeout sets a per-execution deadline and returns the task for chaining
func (t *Task) WithTimeout(d time.Duration) *Task {
	t.Timeout = d
	return t
}

// Validate checks the task invariants before it enters a queue
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty task_id", ErrInvalidTask)
	}
	if t.Type == "" {
		return fmt.Errorf("%w: empty task_type", ErrInvalidTask)
	}
	if t.Priority < PriorityLow || t.Priority > PriorityCritical {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidTask, t.Priority)
	}
	if t.RetryCount > t.MaxRetries {
		return fmt.Errorf("%w: retry_count %d exceeds max_retries %d", ErrInvalidTask, t.RetryCount, t.MaxRetries)
	}
	return nil
}

// CanRetry reports whether the task has retry budget remaining
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}
