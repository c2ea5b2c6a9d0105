package specialist

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altvane/tradepilot/internal/agent"
	"github.com/altvane/tradepilot/internal/exchange"
	"github.com/altvane/tradepilot/internal/indicators"
	"github.com/altvane/tradepilot/internal/market"
)

func regimeFixture(t *testing.T) (*RegimeProcessor, *exchange.MockExchange, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mock := exchange.NewMockExchange(10000)
	feed := market.NewFeed(market.NewCandleCache(client, time.Minute), mock)

	proc := NewRegimeProcessor(feed, client, nil, "1h", zerolog.Nop())
	return proc, mock, client
}

// trendingCandles rises one unit per bar with a tight range
func trendingCandles(n int, lastVolume float64) []exchange.Candle {
	base := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	candles := make([]exchange.Candle, n)
	for i := range candles {
		c := 100.0 + float64(i)
		vol := 100.0
		if i == n-1 {
			vol = lastVolume
		}
		candles[i] = exchange.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			Open:      c - 0.5,
			High:      c + 0.5,
			Low:       c - 1,
			Close:     c,
			Volume:    vol,
			CloseTime: base.Add(time.Duration(i+1) * time.Hour),
		}
	}
	return candles
}

func TestRegimeClassifyPriority(t *testing.T) {
	bb := &indicators.Bands{Upper: 110, Middle: 100, Lower: 90}

	tests := []struct {
		name    string
		readout regimeReadout
		want    Regime
	}{
		{
			// Low volume wins even in a strong trend
			name:    "low volume first",
			readout: regimeReadout{price: 105, emaFast: 104, emaSlow: 100, adx: 40, atr: 1, avgATR: 1, volumeRatio: 0.2, bb: bb},
			want:    RegimeLowVolume,
		},
		{
			name:    "volatile beats trending",
			readout: regimeReadout{price: 105, emaFast: 104, emaSlow: 100, adx: 40, atr: 3, avgATR: 1, volumeRatio: 1, bb: bb},
			want:    RegimeVolatile,
		},
		{
			name:    "trending up on adx and ema stack",
			readout: regimeReadout{price: 105, emaFast: 104, emaSlow: 100, adx: 30, atr: 1, avgATR: 1, volumeRatio: 1, bb: bb},
			want:    RegimeTrendingUp,
		},
		{
			name:    "trending down on inverted stack",
			readout: regimeReadout{price: 95, emaFast: 96, emaSlow: 100, adx: 30, atr: 1, avgATR: 1, volumeRatio: 1, bb: bb},
			want:    RegimeTrendingDown,
		},
		{
			name:    "ranging on low adx in middle band",
			readout: regimeReadout{price: 100, emaFast: 100, emaSlow: 100, adx: 15, atr: 1, avgATR: 1, volumeRatio: 1, bb: bb},
			want:    RegimeRanging,
		},
		{
			// ADX 30 without EMA alignment, ADX too high for ranging
			name:    "unknown when no rule fires",
			readout: regimeReadout{price: 100, emaFast: 101, emaSlow: 100, adx: 30, atr: 1, avgATR: 1, volumeRatio: 1, bb: bb},
			want:    RegimeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, conf := classify(&tt.readout)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, conf, 0.0)
			assert.LessOrEqual(t, conf, 1.0)
		})
	}
}

func TestInMiddleBand(t *testing.T) {
	bb := &indicators.Bands{Upper: 110, Middle: 100, Lower: 90}

	// Middle 40% of a 20-wide band is [96, 104]
	assert.True(t, inMiddleBand(100, bb))
	assert.True(t, inMiddleBand(96, bb))
	assert.True(t, inMiddleBand(104, bb))
	assert.False(t, inMiddleBand(95, bb))
	assert.False(t, inMiddleBand(105, bb))
}

func TestRegimeAnalyzeMarketTrendingUp(t *testing.T) {
	proc, mock, client := regimeFixture(t)
	ctx := context.Background()

	mock.SeedCandles("BTCUSDT", "1h", trendingCandles(100, 100))

	out, err := proc.Process(ctx, agent.NewTask(TaskAnalyzeMarket, map[string]any{"symbol": "BTCUSDT"}))
	require.NoError(t, err)

	result := out.(*RegimeResult)
	assert.Equal(t, RegimeTrendingUp, result.Regime)
	assert.Greater(t, result.Confidence, 0.4)
	assert.Greater(t, result.ADX, trendingADXMin)

	// Classification is cached per symbol for five minutes
	ttl, err := client.TTL(ctx, regimeCacheKey("BTCUSDT")).Result()
	require.NoError(t, err)
	assert.InDelta(t, regimeCacheTTL.Seconds(), ttl.Seconds(), 2)
}

func TestRegimeAnalyzeMarketLowVolume(t *testing.T) {
	proc, mock, _ := regimeFixture(t)

	// Dried-up last candle trumps the trend
	mock.SeedCandles("BTCUSDT", "1h", trendingCandles(100, 10))

	out, err := proc.Process(context.Background(), agent.NewTask(TaskAnalyzeMarket, map[string]any{"symbol": "BTCUSDT"}))
	require.NoError(t, err)
	assert.Equal(t, RegimeLowVolume, out.(*RegimeResult).Regime)
}

func TestRegimeGetCurrentRegimeServesCache(t *testing.T) {
	proc, _, client := regimeFixture(t)
	ctx := context.Background()

	cached := &RegimeResult{Symbol: "ETHUSDT", Regime: RegimeRanging, Confidence: 0.7}
	payload, _ := json.Marshal(cached)
	require.NoError(t, client.Set(ctx, regimeCacheKey("ETHUSDT"), payload, regimeCacheTTL).Err())

	// No candles seeded: success proves the cache path was taken
	out, err := proc.Process(ctx, agent.NewTask(TaskGetCurrentRegime, map[string]any{"symbol": "ETHUSDT"}))
	require.NoError(t, err)
	assert.Equal(t, RegimeRanging, out.(*RegimeResult).Regime)
}

func TestRegimeRejectsThinHistory(t *testing.T) {
	proc, mock, _ := regimeFixture(t)

	mock.SeedCandles("BTCUSDT", "1h", trendingCandles(30, 100))

	_, err := proc.Process(context.Background(), agent.NewTask(TaskAnalyzeMarket, map[string]any{"symbol": "BTCUSDT"}))
	assert.Error(t, err)
}

func TestRegimeUnknownTaskType(t *testing.T) {
	proc, _, _ := regimeFixture(t)

	_, err := proc.Process(context.Background(), agent.NewTask("melt_market", nil))
	assert.Error(t, err)

	_, err = proc.Process(context.Background(), agent.NewTask(TaskAnalyzeMarket, nil))
	assert.Error(t, err) // missing symbol
}

func TestNewAnalyzeMarketTask(t *testing.T) {
	task := NewAnalyzeMarketTask("BTCUSDT")
	assert.Equal(t, TaskAnalyzeMarket, task.Type)
	assert.Equal(t, agent.PriorityHigh, task.Priority)
	assert.Equal(t, regimeTaskTimeout, task.Timeout)
}
