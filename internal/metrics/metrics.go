package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Core holds process-wide Prometheus metrics shared by the trading core.
// Registered once; every component receives the same instance.
type Core struct {
	// Agent runtime
	TasksSubmitted *prometheus.CounterVec // agent_id
	TasksCompleted *prometheus.CounterVec // agent_id
	TasksFailed    *prometheus.CounterVec // agent_id
	TaskDuration   *prometheus.HistogramVec

	// AI gateway
	AICalls        *prometheus.CounterVec // agent_type, outcome (hit|miss|skipped|error)
	AICallsSaved   prometheus.Counter
	AICostUSD      prometheus.Counter
	AIRateLimits   prometheus.Counter
	AIBudgetEvents *prometheus.CounterVec // level (warning|exceeded), period (daily|monthly)

	// Orchestrator
	EventsHandled  *prometheus.CounterVec // event_type
	FinalDecisions *prometheus.CounterVec // event_type, decision
	RuleDuration   prometheus.Histogram

	// Strategies
	Decisions            *prometheus.CounterVec // strategy, decision
	MarginBlocks         prometheus.Counter
	ProtectionActivation *prometheus.CounterVec // mode
}

var (
	coreInstance *Core
	coreOnce     sync.Once
)

// GetCore returns the singleton metrics instance.
// sync.Once guards against duplicate Prometheus registration.
func GetCore() *Core {
	coreOnce.Do(func() {
		coreInstance = &Core{
			TasksSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradepilot_agent_tasks_submitted_total",
				Help: "Total tasks submitted per agent",
			}, []string{"agent_id"}),
			TasksCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradepilot_agent_tasks_completed_total",
				Help: "Total tasks completed per agent",
			}, []string{"agent_id"}),
			TasksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradepilot_agent_tasks_failed_total",
				Help: "Total tasks failed per agent (terminal failures only)",
			}, []string{"agent_id"}),
			TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "tradepilot_agent_task_duration_seconds",
				Help:    "Task processing duration per agent",
				Buckets: prometheus.DefBuckets,
			}, []string{"agent_id"}),
			AICalls: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradepilot_ai_calls_total",
				Help: "AI gateway calls by agent type and outcome",
			}, []string{"agent_type", "outcome"}),
			AICallsSaved: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradepilot_ai_calls_saved_total",
				Help: "Provider calls avoided by sampling and caching",
			}),
			AICostUSD: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradepilot_ai_cost_usd_total",
				Help: "Accumulated AI provider cost in USD",
			}),
			AIRateLimits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradepilot_ai_rate_limits_total",
				Help: "HTTP 429 responses observed from the AI provider",
			}),
			AIBudgetEvents: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradepilot_ai_budget_events_total",
				Help: "Budget threshold crossings",
			}, []string{"level", "period"}),
			EventsHandled: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradepilot_orchestration_events_total",
				Help: "Orchestration events handled by type",
			}, []string{"event_type"}),
			FinalDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradepilot_orchestration_decisions_total",
				Help: "Final decisions emitted by event type",
			}, []string{"event_type", "decision"}),
			RuleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "tradepilot_orchestration_rule_duration_seconds",
				Help:    "Duration of rule execution per event",
				Buckets: prometheus.DefBuckets,
			}),
			Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradepilot_strategy_decisions_total",
				Help: "Strategy decisions by type",
			}, []string{"strategy", "decision"}),
			MarginBlocks: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradepilot_margin_limit_blocks_total",
				Help: "Entries blocked by the margin-cap enforcer",
			}),
			ProtectionActivation: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradepilot_protection_mode_activations_total",
				Help: "Protection mode transitions by target mode",
			}, []string{"mode"}),
		}
	})
	return coreInstance
}
