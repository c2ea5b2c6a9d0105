package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/metrics"
)

const (
	// pausedYield is how long the loop sleeps before re-checking a paused agent
	pausedYield = 500 * time.Millisecond

	// dequeueTimeout bounds a single blocking dequeue so the loop can observe
	// state changes; a timeout is not an error
	dequeueTimeout = 1 * time.Second

	// retryBackoff is the fixed sleep before a failed task is re-enqueued
	retryBackoff = 1 * time.Second

	// maxConsecutiveErrors flips the agent into the terminal ERROR state
	maxConsecutiveErrors = 10
)

// State is the lifecycle state of an agent
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateError   State = "ERROR"
	StateStopped State = "STOPPED"
)

// Processor executes a single task. Implementations must be idempotent or
// tolerate re-execution: retries are idempotency-blind.
type Processor interface {
	Process(ctx context.Context, task *Task) (any, error)
}

// ProcessorFunc adapts a function to the Processor interface
type ProcessorFunc func(ctx context.Context, task *Task) (any, error)

// Process implements Processor
func (f ProcessorFunc) Process(ctx context.Context, task *Task) (any, error) {
	return f(ctx, task)
}

// Result is the terminal outcome of a task delivered to Do callers
type Result struct {
	Value any
	Err   error
}

type item struct {
	task  *Task
	reply chan Result
}

// Agent is an actor owning one priority-aware task queue.
// Tasks execute strictly one at a time; FIFO within a priority class.
type Agent struct {
	id   string
	proc Processor

	queues [numPriorities]chan *item

	state   State
	stateMu sync.RWMutex

	// inFlight holds ids of tasks queued or executing; duplicates are rejected
	inFlight   map[string]struct{}
	inFlightMu sync.Mutex

	consecErrors int

	metrics *Metrics
	prom    *metrics.Core

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}

	log zerolog.Logger
}

// Option configures an Agent
type Option func(*Agent)

// WithQueueSize overrides the per-priority queue capacity (default 100)
func WithQueueSize(n int) Option {
	return func(a *Agent) {
		for i := range a.queues {
			a.queues[i] = make(chan *item, n)
		}
	}
}

// New creates an agent in the IDLE state
func New(id string, proc Processor, log zerolog.Logger, opts ...Option) *Agent {
	a := &Agent{
		id:       id,
		proc:     proc,
		state:    StateIdle,
		inFlight: make(map[string]struct{}),
		metrics:  newMetrics(),
		prom:     metrics.GetCore(),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		log:      log.With().Str("agent_id", id).Logger(),
	}
	for i := range a.queues {
		a.queues[i] = make(chan *item, 100)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent identifier
func (a *Agent) ID() string {
	return a.id
}

// State returns the current lifecycle state
func (a *Agent) State() State {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

// Start transitions IDLE -> RUNNING and launches the execution loop
func (a *Agent) Start(ctx context.Context) error {
	a.stateMu.Lock()
	if a.state != StateIdle {
		a.stateMu.Unlock()
		return fmt.Errorf("agent %s: cannot start from state %s", a.id, a.state)
	}
	a.state = StateRunning
	a.stateMu.Unlock()

	go a.loop(ctx)

	a.log.Info().Msg("Agent started")
	return nil
}

// Stop transitions to STOPPED and waits for the loop up to timeout
func (a *Agent) Stop(timeout time.Duration) error {
	a.setState(StateStopped)
	a.stopOnce.Do(func() { close(a.stopCh) })

	select {
	case <-a.loopDone:
		return nil
	case <-time.After(timeout):
		a.log.Warn().Dur("timeout", timeout).Msg("Agent loop did not exit before deadline")
		return fmt.Errorf("agent %s: shutdown timed out after %s", a.id, timeout)
	}
}

// Pause suspends task execution; queued tasks are retained
func (a *Agent) Pause() {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.state == StateRunning {
		a.state = StatePaused
		a.log.Info().Msg("Agent paused")
	}
}

// Resume continues task execution after a pause
func (a *Agent) Resume() {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.state == StatePaused {
		a.state = StateRunning
		a.log.Info().Msg("Agent resumed")
	}
}

// Submit enqueues a task without waiting for its result
func (a *Agent) Submit(task *Task) error {
	return a.enqueue(task, nil)
}

// Do enqueues a task and blocks until its terminal result or ctx expiry.
// The orchestrator uses this to await rule actions with a per-action timeout.
func (a *Agent) Do(ctx context.Context, task *Task) (any, error) {
	reply := make(chan Result, 1)
	if err := a.enqueue(task, reply); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) enqueue(task *Task, reply chan Result) error {
	if err := task.Validate(); err != nil {
		return err
	}

	switch a.State() {
	case StateStopped, StateError:
		return ErrAgentStopped
	}

	a.inFlightMu.Lock()
	if _, dup := a.inFlight[task.ID]; dup {
		a.inFlightMu.Unlock()
		a.log.Warn().Str("task_id", task.ID).Str("task_type", task.Type).Msg("Duplicate task rejected")
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	a.inFlight[task.ID] = struct{}{}
	a.inFlightMu.Unlock()

	select {
	case a.queues[task.Priority] <- &item{task: task, reply: reply}:
		a.prom.TasksSubmitted.WithLabelValues(a.id).Inc()
		return nil
	default:
		a.release(task.ID)
		return fmt.Errorf("%w: agent %s priority %s", ErrQueueFull, a.id, task.Priority)
	}
}

func (a *Agent) release(taskID string) {
	a.inFlightMu.Lock()
	delete(a.inFlight, taskID)
	a.inFlightMu.Unlock()
}

// Status describes the agent for health checks and monitoring
type Status struct {
	ID         string          `json:"agent_id"`
	State      State           `json:"state"`
	QueueDepth int             `json:"queue_depth"`
	Metrics    MetricsSnapshot `json:"metrics"`
}

// Status returns a point-in-time snapshot of the agent
func (a *Agent) Status() Status {
	depth := 0
	for i := range a.queues {
		depth += len(a.queues[i])
	}
	return Status{
		ID:         a.id,
		State:      a.State(),
		QueueDepth: depth,
		Metrics:    a.metrics.Snapshot(),
	}
}

// Metrics returns the live metrics collector
func (a *Agent) Metrics() *Metrics {
	return a.metrics
}

// loop is the single execution loop. Runs until stop, context cancellation,
// or the consecutive-error limit.
func (a *Agent) loop(ctx context.Context) {
	defer close(a.loopDone)
	defer func() {
		snap := a.metrics.Snapshot()
		a.log.Info().
			Int64("total", snap.TotalTasks).
			Int64("completed", snap.CompletedTasks).
			Int64("failed", snap.FailedTasks).
			Float64("success_rate", snap.SuccessRate).
			Msg("Agent loop exited, final metrics")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		default:
		}

		switch a.State() {
		case StatePaused:
			select {
			case <-time.After(pausedYield):
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			}
			continue
		case StateRunning:
			it := a.dequeue(ctx)
			if it == nil {
				continue // dequeue timeout keeps the agent RUNNING
			}
			a.execute(ctx, it)
			if a.consecErrors >= maxConsecutiveErrors {
				a.log.Error().
					Int("consecutive_errors", a.consecErrors).
					Msg("Consecutive error limit reached, entering ERROR state")
				a.setState(StateError)
				return
			}
		default:
			return
		}
	}
}

// dequeue pops the next task, draining higher priority classes
// opportunistically, then blocking up to dequeueTimeout across all classes.
func (a *Agent) dequeue(ctx context.Context) *item {
	for p := numPriorities - 1; p >= 0; p-- {
		select {
		case it := <-a.queues[p]:
			return it
		default:
		}
	}

	timer := time.NewTimer(dequeueTimeout)
	defer timer.Stop()

	select {
	case it := <-a.queues[PriorityCritical]:
		return it
	case it := <-a.queues[PriorityHigh]:
		return it
	case it := <-a.queues[PriorityNormal]:
		return it
	case it := <-a.queues[PriorityLow]:
		return it
	case <-timer.C:
		return nil
	case <-a.stopCh:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (a *Agent) execute(ctx context.Context, it *item) {
	task := it.task

	start := time.Now()
	value, err := a.runProcess(ctx, task)
	duration := time.Since(start)

	if err == nil {
		a.release(task.ID)
		a.consecErrors = 0
		a.metrics.recordTask(duration, true)
		a.prom.TasksCompleted.WithLabelValues(a.id).Inc()
		a.prom.TaskDuration.WithLabelValues(a.id).Observe(duration.Seconds())
		deliver(it, Result{Value: value})
		return
	}

	a.consecErrors++
	a.metrics.recordError()
	a.log.Warn().
		Err(err).
		Str("task_id", task.ID).
		Str("task_type", task.Type).
		Int("retry_count", task.RetryCount).
		Msg("Task execution failed")

	if task.CanRetry() {
		task.RetryCount++
		select {
		case <-time.After(retryBackoff):
		case <-a.stopCh:
			a.release(task.ID)
			deliver(it, Result{Err: ErrAgentStopped})
			return
		case <-ctx.Done():
			a.release(task.ID)
			deliver(it, Result{Err: ctx.Err()})
			return
		}
		select {
		case a.queues[task.Priority] <- it:
			return
		default:
			// Queue filled up while backing off; treat as terminal
		}
	}

	a.release(task.ID)
	a.metrics.recordTask(duration, false)
	a.prom.TasksFailed.WithLabelValues(a.id).Inc()
	deliver(it, Result{Err: err})
}

// runProcess executes the processor under the task deadline, if any
func (a *Agent) runProcess(ctx context.Context, task *Task) (any, error) {
	pctx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	done := make(chan Result, 1)
	go func() {
		v, err := a.proc.Process(pctx, task)
		done <- Result{Value: v, Err: err}
	}()

	select {
	case res := <-done:
		return res.Value, res.Err
	case <-pctx.Done():
		if task.Timeout > 0 {
			return nil, fmt.Errorf("task %s timed out after %s: %w", task.ID, task.Timeout, pctx.Err())
		}
		return nil, fmt.Errorf("task %s cancelled: %w", task.ID, pctx.Err())
	}
}

func deliver(it *item, res Result) {
	if it.reply != nil {
		it.reply <- res
	}
}
