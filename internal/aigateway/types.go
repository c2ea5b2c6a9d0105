// Package aigateway is the single path between the trading core and any LLM.
// Every call runs through the sampler, the response cache, the provider and
// the cost tracker, in that order.
package aigateway

import (
	"time"
)

// AgentType identifies the caller for sampling and cost attribution
type AgentType string

const (
	AgentTypeMarketRegime       AgentType = "market_regime"
	AgentTypeSignalValidator    AgentType = "signal_validator"
	AgentTypeAnomalyDetector    AgentType = "anomaly_detector"
	AgentTypeRiskMonitor        AgentType = "risk_monitor"
	AgentTypePortfolioOptimizer AgentType = "portfolio_optimizer"
	AgentTypeStrategy           AgentType = "strategy"
)

// ResponseType selects the cache bucket and TTL for a call
type ResponseType string

const (
	ResponseTypeSignalValidation ResponseType = "signal_validation"
	ResponseTypeMarketAnalysis   ResponseType = "market_analysis"
	ResponseTypeAnomalyAnalysis  ResponseType = "anomaly_analysis"
	ResponseTypeRiskAssessment   ResponseType = "risk_assessment"
	ResponseTypePortfolioOpt     ResponseType = "portfolio_optimization"
	ResponseTypeStrategyGen      ResponseType = "strategy_generation"
)

// responseTTLs is the whitelist of response types and their cache TTLs
var responseTTLs = map[ResponseType]time.Duration{
	ResponseTypeSignalValidation: 60 * time.Second,
	ResponseTypeMarketAnalysis:   300 * time.Second,
	ResponseTypeAnomalyAnalysis:  300 * time.Second,
	ResponseTypeRiskAssessment:   300 * time.Second,
	ResponseTypePortfolioOpt:     1800 * time.Second,
	ResponseTypeStrategyGen:      3600 * time.Second,
}

// CallRequest is one gateway invocation
type CallRequest struct {
	AgentType    AgentType      `json:"agent_type"`
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	ResponseType ResponseType   `json:"response_type"`
	Context      map[string]any `json:"context,omitempty"`
	Symbol       string         `json:"symbol,omitempty"`
	Temperature  float64        `json:"temperature,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`

	// SkipCache bypasses the response cache read (writes still happen)
	SkipCache bool `json:"skip_cache,omitempty"`
}

// Usage is the provider's token accounting for one call
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// CostInfo is the computed cost of one provider call
type CostInfo struct {
	Usage   Usage   `json:"usage"`
	CostUSD float64 `json:"cost_usd"`
}

// CallResult is the gateway's answer. Exactly one of the paths applies:
// cache hit, skipped (skip reason set), or a fresh provider response.
// Sampled is true only when a real provider call was made.
type CallResult struct {
	Response   string    `json:"response"`
	CostInfo   *CostInfo `json:"cost_info,omitempty"`
	CacheHit   bool      `json:"cache_hit"`
	Sampled    bool      `json:"sampled"`
	SkipReason string    `json:"skip_reason,omitempty"`
}

// Skipped reports whether the call never reached the provider because a
// gate (sampler, event gate, rate limit) held it back
func (r *CallResult) Skipped() bool {
	return r.SkipReason != ""
}

// EventType classifies market events at the gateway pre-gate
type EventType string

const (
	EventPriceChange     EventType = "PRICE_CHANGE"
	EventVolumeSpike     EventType = "VOLUME_SPIKE"
	EventTrendReversal   EventType = "TREND_REVERSAL"
	EventSupportBreak    EventType = "SUPPORT_BREAK"
	EventResistanceBreak EventType = "RESISTANCE_BREAK"
	EventHighVolatility  EventType = "HIGH_VOLATILITY"
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventAnomalyDetected EventType = "ANOMALY_DETECTED"
)

// EventPriority orders market events at the pre-gate
type EventPriority string

const (
	EventPriorityCritical EventPriority = "CRITICAL"
	EventPriorityHigh     EventPriority = "HIGH"
	EventPriorityMedium   EventPriority = "MEDIUM"
	EventPriorityLow      EventPriority = "LOW"
)

// MarketEvent is one market observation offered to the gateway pre-gate
type MarketEvent struct {
	EventID   string         `json:"event_id"`
	EventType EventType      `json:"event_type"`
	Symbol    string         `json:"symbol"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  EventPriority  `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
}
