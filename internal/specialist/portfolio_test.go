package specialist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altvane/tradepilot/internal/agent"
	"github.com/altvane/tradepilot/internal/exchange"
	"github.com/altvane/tradepilot/internal/market"
)

func portfolioFixture(t *testing.T) (*PortfolioProcessor, *exchange.MockExchange, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mock := exchange.NewMockExchange(10000)
	feed := market.NewFeed(market.NewCandleCache(client, time.Minute), mock)

	proc := NewPortfolioProcessor(feed, client, zerolog.Nop())
	proc.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return proc, mock, client
}

func candlesFromCloses(closes []float64) []exchange.Candle {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]exchange.Candle, len(closes))
	for i, c := range closes {
		candles[i] = exchange.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c * 1.001,
			Low:       c * 0.999,
			Close:     c,
			Volume:    100,
			CloseTime: base.Add(time.Duration(i+1) * time.Hour),
		}
	}
	return candles
}

// steadyCloses compounds a constant per-candle return
func steadyCloses(n int, rate float64) []float64 {
	closes := make([]float64, n)
	closes[0] = 100
	for i := 1; i < n; i++ {
		closes[i] = closes[i-1] * (1 + rate)
	}
	return closes
}

// choppyCloses alternates a big up and a small down move
func choppyCloses(n int, up, down float64) []float64 {
	closes := make([]float64, n)
	closes[0] = 100
	for i := 1; i < n; i++ {
		if i%2 == 1 {
			closes[i] = closes[i-1] * (1 + up)
		} else {
			closes[i] = closes[i-1] * (1 - down)
		}
	}
	return closes
}

func invertCloses(closes []float64) []float64 {
	out := make([]float64, len(closes))
	for i, c := range closes {
		out[i] = 20000 / c
	}
	return out
}

func TestAnalyzePortfolio(t *testing.T) {
	proc, mock, client := portfolioFixture(t)
	ctx := context.Background()

	mock.SeedCandles("BTCUSDT", "1h", candlesFromCloses(steadyCloses(169, 0.001)))
	mock.SeedCandles("ETHUSDT", "1h", candlesFromCloses(choppyCloses(169, 0.05, 0.01)))

	out, err := proc.Process(ctx, agent.NewTask(TaskAnalyzePortfolio, map[string]any{
		"user_id": "u1",
		"weights": map[string]float64{"BTCUSDT": 0.6, "ETHUSDT": 0.4},
	}))
	require.NoError(t, err)

	analysis := out.(*PortfolioAnalysis)
	require.Len(t, analysis.Assets, 2)
	assert.Greater(t, analysis.Assets["BTCUSDT"].MeanReturn, 0.0)
	assert.Greater(t, analysis.Assets["ETHUSDT"].Volatility, analysis.Assets["BTCUSDT"].Volatility)
	assert.Greater(t, analysis.ExpectedReturn, 0.0)

	ttl, err := client.TTL(ctx, portfolioAnalysisKey("u1")).Result()
	require.NoError(t, err)
	assert.InDelta(t, analysisTTL.Seconds(), ttl.Seconds(), 2)
}

func TestCalculateCorrelation(t *testing.T) {
	proc, mock, _ := portfolioFixture(t)
	ctx := context.Background()

	choppy := choppyCloses(169, 0.05, 0.01)
	mock.SeedCandles("AUSDT", "1h", candlesFromCloses(choppy))
	mock.SeedCandles("BUSDT", "1h", candlesFromCloses(choppy))
	mock.SeedCandles("CUSDT", "1h", candlesFromCloses(invertCloses(choppy)))

	out, err := proc.Process(ctx, agent.NewTask(TaskCalculateCorrelation, map[string]any{
		"symbols": []string{"AUSDT", "BUSDT", "CUSDT"},
	}))
	require.NoError(t, err)

	matrix := out.(map[string]map[string]float64)
	assert.InDelta(t, 1.0, matrix["AUSDT"]["BUSDT"], 1e-9)
	assert.Less(t, matrix["AUSDT"]["CUSDT"], -0.9)
	assert.InDelta(t, 1.0, matrix["AUSDT"]["AUSDT"], 1e-9)

	_, err = proc.Process(ctx, agent.NewTask(TaskCalculateCorrelation, map[string]any{
		"symbols": []string{"AUSDT"},
	}))
	assert.Error(t, err)
}

func TestOptimizeWeightsObjectives(t *testing.T) {
	stats := map[string]*AssetStats{
		"STABLE": {Symbol: "STABLE", MeanReturn: 0.001, Variance: 0.0001, Volatility: 0.01, Sharpe: 0.1},
		"ROCKET": {Symbol: "ROCKET", MeanReturn: 0.02, Variance: 0.01, Volatility: 0.1, Sharpe: 0.2},
	}

	conservative := optimizeWeights(stats, RiskLevelConservative, 0.05, 0.95)
	assert.Greater(t, conservative["STABLE"], conservative["ROCKET"])

	aggressive := optimizeWeights(stats, RiskLevelAggressive, 0.05, 0.95)
	assert.Greater(t, aggressive["ROCKET"], aggressive["STABLE"])

	moderate := optimizeWeights(stats, RiskLevelModerate, 0.05, 0.95)
	assert.Greater(t, moderate["ROCKET"], moderate["STABLE"])

	for _, weights := range []map[string]float64{conservative, aggressive, moderate} {
		sum := 0.0
		for _, w := range weights {
			assert.GreaterOrEqual(t, w, 0.05-1e-9)
			assert.LessOrEqual(t, w, 0.95+1e-9)
			sum += w
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}
}

func TestClampNormalizeInfeasibleBounds(t *testing.T) {
	// Two assets capped at 40% cannot sum to 1: fall back to equal weights
	weights := clampNormalize(map[string]float64{"A": 0.9, "B": 0.1}, 0.05, 0.40)
	assert.InDelta(t, 0.5, weights["A"], 1e-9)
	assert.InDelta(t, 0.5, weights["B"], 1e-9)
}

func TestSuggestRebalancing(t *testing.T) {
	proc, mock, client := portfolioFixture(t)
	ctx := context.Background()

	mock.SeedCandles("BTCUSDT", "1h", candlesFromCloses(steadyCloses(169, 0.0001)))
	mock.SeedCandles("ETHUSDT", "1h", candlesFromCloses(choppyCloses(169, 0.05, 0.01)))

	out, err := proc.Process(ctx, agent.NewTask(TaskSuggestRebalancing, map[string]any{
		"user_id":         "u1",
		"risk_level":      RiskLevelAggressive,
		"current_weights": map[string]float64{"BTCUSDT": 0.5, "ETHUSDT": 0.5},
		"min_alloc":       0.1,
		"max_alloc":       0.9,
	}))
	require.NoError(t, err)

	suggestion := out.(*RebalancingSuggestion)
	assert.True(t, suggestion.Rebalance)
	assert.Greater(t, suggestion.TargetWeights["ETHUSDT"], suggestion.TargetWeights["BTCUSDT"])
	assert.Greater(t, suggestion.MaxDelta, defaultRebalanceThreshold)

	sum := 0.0
	for _, w := range suggestion.TargetWeights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)

	ttl, err := client.TTL(ctx, portfolioSuggestionKey("u1")).Result()
	require.NoError(t, err)
	assert.InDelta(t, suggestionTTL.Seconds(), ttl.Seconds(), 2)
}

func TestSuggestRebalancingBelowThreshold(t *testing.T) {
	proc, mock, client := portfolioFixture(t)
	ctx := context.Background()

	// Identical assets optimize to the weights the portfolio already holds
	closes := steadyCloses(169, 0.001)
	mock.SeedCandles("BTCUSDT", "1h", candlesFromCloses(closes))
	mock.SeedCandles("ETHUSDT", "1h", candlesFromCloses(closes))

	out, err := proc.Process(ctx, agent.NewTask(TaskSuggestRebalancing, map[string]any{
		"user_id":         "u1",
		"current_weights": map[string]float64{"BTCUSDT": 0.5, "ETHUSDT": 0.5},
		"min_alloc":       0.1,
		"max_alloc":       0.9,
	}))
	require.NoError(t, err)

	suggestion := out.(*RebalancingSuggestion)
	assert.False(t, suggestion.Rebalance)
	assert.Contains(t, suggestion.Reason, "below")

	// Skipped suggestions are not persisted
	exists, _ := client.Exists(ctx, portfolioSuggestionKey("u1")).Result()
	assert.Zero(t, exists)
}

func TestApplyRebalancing(t *testing.T) {
	proc, _, client := portfolioFixture(t)
	ctx := context.Background()

	out, err := proc.Process(ctx, agent.NewTask(TaskApplyRebalancing, map[string]any{
		"user_id":        "u1",
		"suggestion_id":  "s-1",
		"target_weights": map[string]float64{"BTCUSDT": 0.6, "ETHUSDT": 0.4},
	}))
	require.NoError(t, err)

	event := out.(map[string]any)
	eventID := event["event_id"].(string)
	require.NotEmpty(t, eventID)

	ttl, err := client.TTL(ctx, portfolioHistoryKey(eventID)).Result()
	require.NoError(t, err)
	assert.InDelta(t, historyTTL.Seconds(), ttl.Seconds(), 2)

	ids, err := client.LRange(ctx, portfolioUserHistoryKey("u1"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{eventID}, ids)

	_, err = proc.Process(ctx, agent.NewTask(TaskApplyRebalancing, map[string]any{
		"target_weights": map[string]float64{"BTCUSDT": 1.0},
	}))
	assert.Error(t, err)
}
