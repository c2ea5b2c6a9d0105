package specialist

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altvane/tradepilot/internal/agent"
)

func goodSignal() map[string]any {
	return map[string]any{
		"symbol":                "BTCUSDT",
		"side":                  "buy",
		"confidence":            0.8,
		"stop_loss_percent":     2.0,
		"take_profit_percent":   4.0,
		"leverage":              5.0,
		"position_size_percent": 20.0,
		"regime":                string(RegimeTrendingUp),
		"rsi":                   55.0,
		"volume_ratio":          1.5,
	}
}

func validateSignal(t *testing.T, params map[string]any) *ValidationResult {
	t.Helper()
	proc := NewValidatorProcessor(nil, zerolog.Nop())
	out, err := proc.Process(context.Background(), agent.NewTask(TaskValidateSignal, params))
	require.NoError(t, err)
	return out.(*ValidationResult)
}

func TestValidateSignalApproves(t *testing.T) {
	result := validateSignal(t, goodSignal())

	assert.True(t, result.Approved)
	assert.Empty(t, result.FailedRules)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestValidateSignalCriticalRuleBlocks(t *testing.T) {
	low := goodSignal()
	low["confidence"] = 0.5

	result := validateSignal(t, low)
	assert.False(t, result.Approved)
	assert.Contains(t, result.FailedRules, "confidence_floor")
	assert.Contains(t, result.Reason, "critical")

	noStop := goodSignal()
	delete(noStop, "stop_loss_percent")
	result = validateSignal(t, noStop)
	assert.False(t, result.Approved)
	assert.Contains(t, result.FailedRules, "stop_loss_set")

	malformed := goodSignal()
	malformed["side"] = "sideways"
	result = validateSignal(t, malformed)
	assert.False(t, result.Approved)
	assert.Contains(t, result.FailedRules, "signal_shape")
}

func TestValidateSignalNeedsSevenRules(t *testing.T) {
	// Three non-critical failures leave 6/9: below the approval floor even
	// though every critical rule passes
	// rsi_extremes, regime_alignment and volume_confirmation all fail
	weak := goodSignal()
	weak["rsi"] = 80.0
	weak["regime"] = string(RegimeTrendingDown)
	weak["volume_ratio"] = 0.2

	result := validateSignal(t, weak)
	assert.False(t, result.Approved)
	assert.Len(t, result.FailedRules, 3)
	assert.Contains(t, result.Reason, "6/9")

	// Two failures still clear the floor
	weak["volume_ratio"] = 1.5
	result = validateSignal(t, weak)
	assert.True(t, result.Approved)
}

func TestValidateSignalWarnings(t *testing.T) {
	aggressive := goodSignal()
	aggressive["leverage"] = 15.0
	aggressive["position_size_percent"] = 40.0
	aggressive["volume_ratio"] = 0.8
	delete(aggressive, "regime")

	result := validateSignal(t, aggressive)
	assert.True(t, result.Approved)
	assert.Len(t, result.Warnings, 4)
}

func TestValidateSignalRiskReward(t *testing.T) {
	thin := goodSignal()
	thin["take_profit_percent"] = 2.5 // 1.25:1 against a 2% stop

	result := validateSignal(t, thin)
	assert.Contains(t, result.FailedRules, "risk_reward")
}

func validateRebalancing(t *testing.T, params map[string]any) *ValidationResult {
	t.Helper()
	proc := NewValidatorProcessor(nil, zerolog.Nop())
	out, err := proc.Process(context.Background(), agent.NewTask(TaskValidateRebalancing, params))
	require.NoError(t, err)
	return out.(*ValidationResult)
}

func TestValidateRebalancingApproves(t *testing.T) {
	result := validateRebalancing(t, map[string]any{
		"current_weights": map[string]float64{"BTCUSDT": 0.5, "ETHUSDT": 0.3, "SOLUSDT": 0.2},
		"target_weights":  map[string]float64{"BTCUSDT": 0.4, "ETHUSDT": 0.35, "SOLUSDT": 0.25},
		"min_alloc":       0.05,
		"max_alloc":       0.5,
	})

	assert.True(t, result.Approved)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestValidateRebalancingRejects(t *testing.T) {
	// Weights not summing to one
	result := validateRebalancing(t, map[string]any{
		"current_weights": map[string]float64{"BTCUSDT": 0.5, "ETHUSDT": 0.5},
		"target_weights":  map[string]float64{"BTCUSDT": 0.6, "ETHUSDT": 0.6},
	})
	assert.False(t, result.Approved)
	assert.Contains(t, result.FailedRules, "weights_sum_to_one")

	// Single change over 25 pp
	result = validateRebalancing(t, map[string]any{
		"current_weights": map[string]float64{"BTCUSDT": 0.7, "ETHUSDT": 0.3},
		"target_weights":  map[string]float64{"BTCUSDT": 0.3, "ETHUSDT": 0.7},
	})
	assert.False(t, result.Approved)
	assert.Contains(t, result.FailedRules, "max_single_change:BTCUSDT")

	// Allocation bounds
	result = validateRebalancing(t, map[string]any{
		"current_weights": map[string]float64{"BTCUSDT": 0.5, "ETHUSDT": 0.5},
		"target_weights":  map[string]float64{"BTCUSDT": 0.97, "ETHUSDT": 0.03},
		"min_alloc":       0.05,
		"max_alloc":       0.8,
	})
	assert.False(t, result.Approved)
	assert.Contains(t, result.FailedRules, "min_alloc:ETHUSDT")
	assert.Contains(t, result.FailedRules, "max_alloc:BTCUSDT")

	// No target at all
	result = validateRebalancing(t, map[string]any{})
	assert.False(t, result.Approved)
}
