package aigateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/altvane/tradepilot/internal/config"
)

func samplerWithClock(configs map[string]config.SamplingConfig) (*Sampler, *time.Time) {
	s := NewSampler(configs)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSamplerAlwaysAndUnknownProceed(t *testing.T) {
	s := NewSampler(map[string]config.SamplingConfig{
		"market_regime": {Strategy: "always"},
	})

	proceed, _ := s.Decide(AgentTypeMarketRegime, "BTCUSDT", nil)
	assert.True(t, proceed)

	// Agent types with no sampling config are never throttled
	proceed, _ = s.Decide(AgentTypeRiskMonitor, "", nil)
	assert.True(t, proceed)
}

func TestSamplerPeriodic(t *testing.T) {
	s, now := samplerWithClock(map[string]config.SamplingConfig{
		"market_regime": {Strategy: "periodic", IntervalSeconds: 60, MinInterval: 30, MaxInterval: 600, CacheBySymbol: true},
	})

	// First call always proceeds
	proceed, _ := s.Decide(AgentTypeMarketRegime, "BTCUSDT", nil)
	assert.True(t, proceed)
	s.MarkCalled(AgentTypeMarketRegime, "BTCUSDT")

	// Too soon
	*now = now.Add(30 * time.Second)
	proceed, reason := s.Decide(AgentTypeMarketRegime, "BTCUSDT", nil)
	assert.False(t, proceed)
	assert.Equal(t, "too_soon_periodic", reason)

	// Other symbols have their own clocks
	proceed, _ = s.Decide(AgentTypeMarketRegime, "ETHUSDT", nil)
	assert.True(t, proceed)

	// Past the interval
	*now = now.Add(31 * time.Second)
	proceed, _ = s.Decide(AgentTypeMarketRegime, "BTCUSDT", nil)
	assert.True(t, proceed)
}

func TestSamplerBackoffDoublesAndHalves(t *testing.T) {
	s := NewSampler(nil)

	assert.Equal(t, 1.0, s.Backoff())

	s.RecordRateLimit()
	assert.Equal(t, 2.0, s.Backoff())
	s.RecordRateLimit()
	s.RecordRateLimit()
	assert.Equal(t, 8.0, s.Backoff())

	// Capped at 8
	s.RecordRateLimit()
	assert.Equal(t, 8.0, s.Backoff())

	s.RecordSuccess()
	assert.Equal(t, 4.0, s.Backoff())
	s.RecordSuccess()
	s.RecordSuccess()
	s.RecordSuccess()
	// Floored at 1
	assert.Equal(t, 1.0, s.Backoff())
}

func TestSamplerBackoffWidensPeriodicInterval(t *testing.T) {
	s, now := samplerWithClock(map[string]config.SamplingConfig{
		"market_regime": {Strategy: "periodic", IntervalSeconds: 60, MaxInterval: 600},
	})

	proceed, _ := s.Decide(AgentTypeMarketRegime, "", nil)
	assert.True(t, proceed)
	s.MarkCalled(AgentTypeMarketRegime, "")

	s.RecordRateLimit() // backoff 2: effective interval 120s

	*now = now.Add(90 * time.Second)
	proceed, _ = s.Decide(AgentTypeMarketRegime, "", nil)
	assert.False(t, proceed)

	*now = now.Add(31 * time.Second)
	proceed, _ = s.Decide(AgentTypeMarketRegime, "", nil)
	assert.True(t, proceed)
}

func TestSamplerPeriodicClampsToMaxInterval(t *testing.T) {
	s, now := samplerWithClock(map[string]config.SamplingConfig{
		"market_regime": {Strategy: "periodic", IntervalSeconds: 60, MaxInterval: 100},
	})

	proceed, _ := s.Decide(AgentTypeMarketRegime, "", nil)
	assert.True(t, proceed)
	s.MarkCalled(AgentTypeMarketRegime, "")

	// Backoff 8 would mean 480s, but max_interval caps at 100s
	for i := 0; i < 3; i++ {
		s.RecordRateLimit()
	}

	*now = now.Add(101 * time.Second)
	proceed, _ = s.Decide(AgentTypeMarketRegime, "", nil)
	assert.True(t, proceed)
}

func TestSamplerChangeBased(t *testing.T) {
	s, _ := samplerWithClock(map[string]config.SamplingConfig{
		"risk_monitor": {Strategy: "change_based", Threshold: 0.05},
	})

	first := map[string]any{"price": 100.0, "volume": 1000.0}
	proceed, _ := s.Decide(AgentTypeRiskMonitor, "", first)
	assert.True(t, proceed)

	// 1% average move is below the 5% threshold
	small := map[string]any{"price": 101.0, "volume": 1010.0}
	proceed, reason := s.Decide(AgentTypeRiskMonitor, "", small)
	assert.False(t, proceed)
	assert.Equal(t, "change_below_threshold", reason)

	// 10% move passes
	big := map[string]any{"price": 110.0, "volume": 1100.0}
	proceed, _ = s.Decide(AgentTypeRiskMonitor, "", big)
	assert.True(t, proceed)
}

func TestSamplerThreshold(t *testing.T) {
	s, _ := samplerWithClock(map[string]config.SamplingConfig{
		"risk_monitor": {Strategy: "threshold", Threshold: 0.7},
	})

	proceed, reason := s.Decide(AgentTypeRiskMonitor, "", map[string]any{"metric_value": 0.5})
	assert.False(t, proceed)
	assert.Equal(t, "metric_below_threshold", reason)

	proceed, _ = s.Decide(AgentTypeRiskMonitor, "", map[string]any{"metric_value": 0.9})
	assert.True(t, proceed)

	// Missing metric fails closed
	proceed, _ = s.Decide(AgentTypeRiskMonitor, "", nil)
	assert.False(t, proceed)
}

func TestSamplerAdaptiveThrottlesOnErrors(t *testing.T) {
	s, now := samplerWithClock(map[string]config.SamplingConfig{
		"market_regime": {Strategy: "adaptive", IntervalSeconds: 60},
	})

	// Healthy provider: behaves like ALWAYS
	for i := 0; i < 10; i++ {
		s.RecordSuccess()
	}
	proceed, _ := s.Decide(AgentTypeMarketRegime, "", nil)
	assert.True(t, proceed)
	s.MarkCalled(AgentTypeMarketRegime, "")
	proceed, _ = s.Decide(AgentTypeMarketRegime, "", nil)
	assert.True(t, proceed)

	// Over 30% errors: behaves like PERIODIC
	for i := 0; i < 10; i++ {
		s.RecordError()
	}
	s.MarkCalled(AgentTypeMarketRegime, "")
	*now = now.Add(10 * time.Second)
	proceed, _ = s.Decide(AgentTypeMarketRegime, "", nil)
	assert.False(t, proceed)

	*now = now.Add(60 * time.Second)
	proceed, _ = s.Decide(AgentTypeMarketRegime, "", nil)
	assert.True(t, proceed)
}

func TestAvgPercentChange(t *testing.T) {
	prev := map[string]any{"a": 100.0, "b": 200.0, "text": "ignored"}
	next := map[string]any{"a": 110.0, "b": 180.0}

	// (10% + 10%) / 2
	assert.InDelta(t, 10.0, avgPercentChange(prev, next), 1e-9)

	assert.Equal(t, 0.0, avgPercentChange(map[string]any{}, next))
}
