package agent

import (
	"sync"
	"time"
)

// ewmaAlpha weights the moving average of task durations
const ewmaAlpha = 0.1

// Metrics tracks per-agent task counters. Mutated only from the agent loop;
// reads take a snapshot under the mutex.
type Metrics struct {
	mu sync.Mutex

	totalTasks     int64
	completedTasks int64
	failedTasks    int64
	errors         int64

	avgDuration time.Duration
	lastTaskAt  time.Time
	lastErrorAt time.Time
	startedAt   time.Time
}

// MetricsSnapshot is an immutable view of agent metrics
type MetricsSnapshot struct {
	TotalTasks     int64         `json:"total_tasks"`
	CompletedTasks int64         `json:"completed_tasks"`
	FailedTasks    int64         `json:"failed_tasks"`
	Errors         int64         `json:"errors"`
	SuccessRate    float64       `json:"success_rate"`
	AvgDuration    time.Duration `json:"avg_task_duration"`
	LastTaskAt     time.Time     `json:"last_task_at"`
	LastErrorAt    time.Time     `json:"last_error_at"`
	UptimeSeconds  float64       `json:"uptime_seconds"`
}

func newMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

// recordTask records one terminal task outcome and its duration
func (m *Metrics) recordTask(duration time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalTasks++
	m.lastTaskAt = time.Now()

	if ok {
		m.completedTasks++
	} else {
		m.failedTasks++
	}

	if m.avgDuration == 0 {
		m.avgDuration = duration
	} else {
		m.avgDuration = time.Duration(ewmaAlpha*float64(duration) + (1-ewmaAlpha)*float64(m.avgDuration))
	}
}

// recordError records a loop-level error (retried attempts included)
func (m *Metrics) recordError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errors++
	m.lastErrorAt = time.Now()
}

// Snapshot returns a consistent copy of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	successRate := 0.0
	if m.totalTasks > 0 {
		successRate = float64(m.completedTasks) / float64(m.totalTasks)
	}

	return MetricsSnapshot{
		TotalTasks:     m.totalTasks,
		CompletedTasks: m.completedTasks,
		FailedTasks:    m.failedTasks,
		Errors:         m.errors,
		SuccessRate:    successRate,
		AvgDuration:    m.avgDuration,
		LastTaskAt:     m.lastTaskAt,
		LastErrorAt:    m.lastErrorAt,
		UptimeSeconds:  time.Since(m.startedAt).Seconds(),
	}
}
