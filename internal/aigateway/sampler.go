package aigateway

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/altvane/tradepilot/internal/config"
)

const (
	// backoffCap bounds the rate-limit multiplier on sampling intervals
	backoffCap = 8.0

	// adaptiveWindow is how many recent provider outcomes ADAPTIVE considers
	adaptiveWindow = 20

	// adaptiveErrorRate is the error fraction above which ADAPTIVE throttles
	adaptiveErrorRate = 0.3
)

// Sampler decides whether an AI call should happen at all. It owns the
// per-key last-call timestamps and the shared rate-limit backoff.
type Sampler struct {
	configs map[AgentType]config.SamplingConfig

	mu       sync.Mutex
	lastCall map[string]time.Time
	prevCtx  map[string]map[string]any
	backoff  float64
	outcomes []bool // true = provider error

	now func() time.Time
}

// NewSampler creates a sampler from per-agent-type configuration
func NewSampler(configs map[string]config.SamplingConfig) *Sampler {
	typed := make(map[AgentType]config.SamplingConfig, len(configs))
	for k, v := range configs {
		typed[AgentType(k)] = v
	}
	return &Sampler{
		configs:  typed,
		lastCall: make(map[string]time.Time),
		prevCtx:  make(map[string]map[string]any),
		backoff:  1,
		now:      time.Now,
	}
}

func (s *Sampler) key(agentType AgentType, symbol string, cfg config.SamplingConfig) string {
	if cfg.CacheBySymbol && symbol != "" {
		return string(agentType) + ":" + symbol
	}
	return string(agentType)
}

// Decide reports whether the call should proceed; when it should not, the
// returned reason explains the skip.
func (s *Sampler) Decide(agentType AgentType, symbol string, ctxData map[string]any) (bool, string) {
	cfg, ok := s.configs[agentType]
	if !ok || cfg.Strategy == "" || cfg.Strategy == "always" {
		return true, ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch cfg.Strategy {
	case "periodic":
		return s.decidePeriodic(agentType, symbol, cfg)
	case "change_based":
		return s.decideChangeBased(agentType, symbol, cfg, ctxData)
	case "threshold":
		return s.decideThreshold(cfg, ctxData)
	case "adaptive":
		// Error-rate driven: throttle to periodic while the provider is unhealthy
		if s.errorRate() > adaptiveErrorRate {
			return s.decidePeriodic(agentType, symbol, cfg)
		}
		return true, ""
	default:
		return true, ""
	}
}

func (s *Sampler) decidePeriodic(agentType AgentType, symbol string, cfg config.SamplingConfig) (bool, string) {
	interval := s.effectiveInterval(cfg)

	key := s.key(agentType, symbol, cfg)
	last, seen := s.lastCall[key]
	if !seen {
		return true, ""
	}
	if elapsed := s.now().Sub(last); elapsed < interval {
		return false, "too_soon_periodic"
	}
	return true, ""
}

// effectiveInterval scales the base interval by the rate-limit backoff and
// clamps it to [min_interval, max_interval]
func (s *Sampler) effectiveInterval(cfg config.SamplingConfig) time.Duration {
	seconds := float64(cfg.IntervalSeconds) * s.backoff
	if cfg.MinInterval > 0 && seconds < float64(cfg.MinInterval) {
		seconds = float64(cfg.MinInterval)
	}
	if cfg.MaxInterval > 0 && seconds > float64(cfg.MaxInterval) {
		seconds = float64(cfg.MaxInterval)
	}
	return time.Duration(seconds * float64(time.Second))
}

func (s *Sampler) decideChangeBased(agentType AgentType, symbol string, cfg config.SamplingConfig, ctxData map[string]any) (bool, string) {
	key := s.key(agentType, symbol, cfg)
	prev, seen := s.prevCtx[key]
	if !seen {
		s.prevCtx[key] = ctxData
		return true, ""
	}

	change := avgPercentChange(prev, ctxData)
	if change < cfg.Threshold*100 {
		return false, "change_below_threshold"
	}

	s.prevCtx[key] = ctxData
	return true, ""
}

func (s *Sampler) decideThreshold(cfg config.SamplingConfig, ctxData map[string]any) (bool, string) {
	value, ok := numeric(ctxData["metric_value"])
	if !ok || value < cfg.Threshold {
		return false, "metric_below_threshold"
	}
	return true, ""
}

// MarkCalled records that a real provider call happened for the key
func (s *Sampler) MarkCalled(agentType AgentType, symbol string) {
	cfg := s.configs[agentType]

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCall[s.key(agentType, symbol, cfg)] = s.now()
}

// RecordSuccess halves the rate-limit backoff (floor 1) and feeds ADAPTIVE
func (s *Sampler) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backoff /= 2
	if s.backoff < 1 {
		s.backoff = 1
	}
	s.pushOutcome(false)
}

// RecordRateLimit doubles the rate-limit backoff (cap 8) and feeds ADAPTIVE
func (s *Sampler) RecordRateLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backoff *= 2
	if s.backoff > backoffCap {
		s.backoff = backoffCap
	}
	s.pushOutcome(true)

	log.Warn().Float64("backoff", s.backoff).Msg("Provider rate limited, widening sampling intervals")
}

// RecordError feeds a non-429 provider failure into the ADAPTIVE window
func (s *Sampler) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushOutcome(true)
}

func (s *Sampler) pushOutcome(failed bool) {
	s.outcomes = append(s.outcomes, failed)
	if len(s.outcomes) > adaptiveWindow {
		s.outcomes = s.outcomes[len(s.outcomes)-adaptiveWindow:]
	}
}

func (s *Sampler) errorRate() float64 {
	if len(s.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, failed := range s.outcomes {
		if failed {
			failures++
		}
	}
	return float64(failures) / float64(len(s.outcomes))
}

// Backoff returns the current rate-limit multiplier, for monitoring
func (s *Sampler) Backoff() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}

// avgPercentChange averages |new-old|/|old| over numeric fields present in
// both contexts, in percent
func avgPercentChange(prev, next map[string]any) float64 {
	total := 0.0
	count := 0
	for field, oldVal := range prev {
		oldNum, ok := numeric(oldVal)
		if !ok || oldNum == 0 {
			continue
		}
		newNum, ok := numeric(next[field])
		if !ok {
			continue
		}
		total += math.Abs(newNum-oldNum) / math.Abs(oldNum) * 100
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
