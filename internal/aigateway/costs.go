package aigateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/altvane/tradepilot/internal/config"
	"github.com/altvane/tradepilot/internal/metrics"
)

const (
	dailyCostTTL  = 90 * 24 * time.Hour
	hourlyCostTTL = 7 * 24 * time.Hour
	agentCostTTL  = 30 * 24 * time.Hour

	// budgetWarningRatio is the fraction of a budget that triggers a warning
	budgetWarningRatio = 0.8
)

// BudgetEvent reports a crossed spending line
type BudgetEvent struct {
	Period string  `json:"period"` // daily | monthly
	Level  string  `json:"level"`  // warning | exceeded
	Spent  float64 `json:"spent"`
	Budget float64 `json:"budget"`
}

// Type renders the canonical event name, e.g. daily_budget_exceeded
func (e BudgetEvent) Type() string {
	return e.Period + "_budget_" + e.Level
}

// Severity maps the crossed line onto the orchestration severity scale
func (e BudgetEvent) Severity() string {
	if e.Level == "exceeded" {
		return "critical"
	}
	return "warning"
}

// CostTracker prices provider calls and aggregates spend in Redis. All hash
// writes for one call go through a single transactional pipeline.
type CostTracker struct {
	client *redis.Client
	cfg    config.AIConfig
	prom   *metrics.Core

	mu           sync.Mutex
	sessionCost  float64
	sessionCalls int64
	fired        map[string]string // budget event type -> period already fired

	now func() time.Time
}

// NewCostTracker creates a cost tracker with the configured price table
func NewCostTracker(client *redis.Client, cfg config.AIConfig) *CostTracker {
	return &CostTracker{
		client: client,
		cfg:    cfg,
		prom:   metrics.GetCore(),
		fired:  make(map[string]string),
		now:    time.Now,
	}
}

// price converts a token usage into USD via the per-million table
func (t *CostTracker) price(u Usage) float64 {
	return (float64(u.PromptTokens)*t.cfg.InputPricePerM +
		float64(u.CompletionTokens)*t.cfg.OutputPricePerM +
		float64(u.CacheReadTokens)*t.cfg.CacheReadPricePerM +
		float64(u.CacheWriteTokens)*t.cfg.CacheWritePricePerM) / 1e6
}

func dailyKey(ts time.Time) string {
	return "ai:cost:daily:" + ts.UTC().Format("2006-01-02")
}

func hourlyKey(ts time.Time) string {
	return "ai:cost:hourly:" + ts.UTC().Format("2006-01-02:15")
}

func agentKey(agentType AgentType) string {
	return "ai:cost:agent:" + string(agentType)
}

// Track prices one provider call and updates the three aggregate hashes
func (t *CostTracker) Track(ctx context.Context, agentType AgentType, usage Usage) (*CostInfo, error) {
	cost := t.price(usage)
	info := &CostInfo{Usage: usage, CostUSD: cost}

	t.mu.Lock()
	t.sessionCost += cost
	t.sessionCalls++
	t.mu.Unlock()

	t.prom.AICostUSD.Add(cost)

	now := t.now()
	keys := []struct {
		key string
		ttl time.Duration
	}{
		{dailyKey(now), dailyCostTTL},
		{hourlyKey(now), hourlyCostTTL},
		{agentKey(agentType), agentCostTTL},
	}

	pipe := t.client.TxPipeline()
	for _, k := range keys {
		pipe.HIncrByFloat(ctx, k.key, "total_cost", cost)
		pipe.HIncrBy(ctx, k.key, "total_calls", 1)
		pipe.HIncrBy(ctx, k.key, "input_tokens", int64(usage.PromptTokens))
		pipe.HIncrBy(ctx, k.key, "output_tokens", int64(usage.CompletionTokens))
		pipe.HIncrBy(ctx, k.key, "cache_read_tokens", int64(usage.CacheReadTokens))
		pipe.HIncrBy(ctx, k.key, "cache_write_tokens", int64(usage.CacheWriteTokens))
		pipe.Expire(ctx, k.key, k.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return info, fmt.Errorf("persist cost aggregates: %w", err)
	}
	return info, nil
}

// DailyCost returns the tracked spend for a UTC date
func (t *CostTracker) DailyCost(ctx context.Context, date time.Time) (float64, error) {
	raw, err := t.client.HGet(ctx, dailyKey(date), "total_cost").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daily cost: %w", err)
	}
	cost, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse daily cost %q: %w", raw, err)
	}
	return cost, nil
}

// MonthlyCost sums daily hashes for one UTC year-month via SCAN
func (t *CostTracker) MonthlyCost(ctx context.Context, year int, month time.Month) (float64, error) {
	pattern := fmt.Sprintf("ai:cost:daily:%04d-%02d-*", year, month)

	total := 0.0
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, fmt.Errorf("scan monthly costs: %w", err)
		}
		for _, key := range keys {
			raw, err := t.client.HGet(ctx, key, "total_cost").Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("read %s: %w", key, err)
			}
			cost, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			total += cost
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}

// AgentCost returns the aggregate hash for one agent type
func (t *CostTracker) AgentCost(ctx context.Context, agentType AgentType) (map[string]string, error) {
	fields, err := t.client.HGetAll(ctx, agentKey(agentType)).Result()
	if err != nil {
		return nil, fmt.Errorf("read agent cost %s: %w", agentType, err)
	}
	return fields, nil
}

// CheckBudget compares spend against the daily and monthly budgets and
// returns newly crossed lines. Each line fires once per period.
func (t *CostTracker) CheckBudget(ctx context.Context) ([]BudgetEvent, error) {
	now := t.now().UTC()

	daily, err := t.DailyCost(ctx, now)
	if err != nil {
		return nil, err
	}
	monthly, err := t.MonthlyCost(ctx, now.Year(), now.Month())
	if err != nil {
		return nil, err
	}

	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	var events []BudgetEvent
	t.mu.Lock()
	defer t.mu.Unlock()

	check := func(period, level, marker string, spent, budget float64) {
		evt := BudgetEvent{Period: period, Level: level, Spent: spent, Budget: budget}
		if budget <= 0 || t.fired[evt.Type()] == marker {
			return
		}
		t.fired[evt.Type()] = marker
		events = append(events, evt)
	}

	if daily >= t.cfg.DailyBudgetUSD {
		check("daily", "exceeded", day, daily, t.cfg.DailyBudgetUSD)
	} else if daily >= t.cfg.DailyBudgetUSD*budgetWarningRatio {
		check("daily", "warning", day, daily, t.cfg.DailyBudgetUSD)
	}

	if monthly >= t.cfg.MonthlyBudgetUSD {
		check("monthly", "exceeded", month, monthly, t.cfg.MonthlyBudgetUSD)
	} else if monthly >= t.cfg.MonthlyBudgetUSD*budgetWarningRatio {
		check("monthly", "warning", month, monthly, t.cfg.MonthlyBudgetUSD)
	}

	for _, evt := range events {
		t.prom.AIBudgetEvents.WithLabelValues(evt.Level, evt.Period).Inc()
		log.Warn().
			Str("event", evt.Type()).
			Float64("spent_usd", evt.Spent).
			Float64("budget_usd", evt.Budget).
			Msg("AI budget line crossed")
	}
	return events, nil
}

// SessionTotals returns in-process spend since start
func (t *CostTracker) SessionTotals() (cost float64, calls int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionCost, t.sessionCalls
}
