package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticSeries builds a deterministic wave around a rising trend
func syntheticSeries(n int) *Series {
	s := &Series{
		Open:   make([]float64, n),
		High:   make([]float64, n),
		Low:    make([]float64, n),
		Close:  make([]float64, n),
		Volume: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		base := 100 + 0.1*float64(i)
		wave := 2 * math.Sin(float64(i)/7)
		c := base + wave
		s.Open[i] = c - 0.2
		s.High[i] = c + 1.0
		s.Low[i] = c - 1.0
		s.Close[i] = c
		s.Volume[i] = 1000 + 50*math.Abs(wave)
	}
	return s
}

func TestEMA(t *testing.T) {
	prices := []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}

	ema, err := EMA(prices, 5)
	require.NoError(t, err)

	// EMA of a rising series trails the last price but beats the mean
	assert.Greater(t, ema, 14.5)
	assert.Less(t, ema, 19.0)

	_, err = EMA(prices, 0)
	assert.Error(t, err)
	_, err = EMA(prices, 11)
	assert.Error(t, err)
}

func TestRSIBounds(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	rsi, err := RSI(up, 14)
	require.NoError(t, err)
	assert.Greater(t, rsi, 70.0)
	assert.LessOrEqual(t, rsi, 100.0)

	down := make([]float64, 30)
	for i := range down {
		down[i] = 100 - float64(i)
	}
	rsi, err = RSI(down, 14)
	require.NoError(t, err)
	assert.Less(t, rsi, 30.0)
	assert.GreaterOrEqual(t, rsi, 0.0)
}

func TestBollingerBandsOrdering(t *testing.T) {
	s := syntheticSeries(60)

	bands, err := BollingerBands(s.Close, 20)
	require.NoError(t, err)

	assert.Greater(t, bands.Upper, bands.Middle)
	assert.Greater(t, bands.Middle, bands.Lower)
	assert.Greater(t, bands.Width, 0.0)
}

func TestMACD(t *testing.T) {
	s := syntheticSeries(120)

	macd, err := MACD(s.Close, 12, 26, 9)
	require.NoError(t, err)
	assert.InDelta(t, macd.MACD-macd.Signal, macd.Histogram, 1e-9)

	_, err = MACD(s.Close[:20], 12, 26, 9)
	assert.Error(t, err)
}

func TestSMA(t *testing.T) {
	v := []float64{1, 2, 3, 4, 5}
	sma, err := SMA(v, 5)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, sma, 1e-9)

	sma, err = SMA(v, 2)
	require.NoError(t, err)
	assert.InDelta(t, 4.5, sma, 1e-9)
}

func TestATR(t *testing.T) {
	s := syntheticSeries(60)

	atr, err := ATR(s.High, s.Low, s.Close, 14)
	require.NoError(t, err)

	// Every candle spans at least 2.0 high-to-low
	assert.GreaterOrEqual(t, atr, 2.0)

	_, err = ATR(s.High[:10], s.Low[:10], s.Close[:10], 14)
	assert.Error(t, err)
}

func TestATRPercentileRange(t *testing.T) {
	s := syntheticSeries(200)

	pct, err := ATRPercentile(s.High, s.Low, s.Close, 14, 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pct, 0.0)
	assert.LessOrEqual(t, pct, 100.0)
}

func TestADXRange(t *testing.T) {
	s := syntheticSeries(100)

	adx, err := ADX(s.High, s.Low, s.Close, 14)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, adx, 0.0)
	assert.LessOrEqual(t, adx, 100.0)

	_, err = ADX(s.High[:20], s.Low[:20], s.Close[:20], 14)
	assert.Error(t, err)

	_, err = ADX(s.High, s.Low[:50], s.Close, 14)
	assert.Error(t, err)
}

func TestComputeSnapshot(t *testing.T) {
	s := syntheticSeries(250)

	snap, err := ComputeSnapshot(s)
	require.NoError(t, err)

	assert.Equal(t, s.Close[249], snap.Close)
	assert.Greater(t, snap.EMAFast, 0.0)
	assert.Greater(t, snap.EMATrend, 0.0)
	assert.Greater(t, snap.ATR, 0.0)
	assert.Greater(t, snap.VolumeSMA, 0.0)
	assert.Greater(t, snap.Resistance, snap.Support)

	// Rising trend keeps the fast EMA above the 200-period EMA
	assert.Greater(t, snap.EMAFast, snap.EMATrend)
}

func TestComputeSnapshotTooFewCandles(t *testing.T) {
	s := syntheticSeries(50)

	_, err := ComputeSnapshot(s)
	assert.Error(t, err)
}

func TestSupportResistance(t *testing.T) {
	n := 60
	high := make([]float64, n)
	low := make([]float64, n)
	for i := 0; i < n; i++ {
		high[i] = 105 + 3*math.Sin(float64(i)/5)
		low[i] = 95 + 3*math.Sin(float64(i)/5)
	}

	support, resistance := SupportResistance(high, low, 100)
	assert.Less(t, support, 100.0)
	assert.Greater(t, resistance, 100.0)
}

func TestVolumeRatio(t *testing.T) {
	snap := &Snapshot{Volume: 1500, VolumeSMA: 1000}
	assert.InDelta(t, 1.5, snap.VolumeRatio(), 1e-9)

	empty := &Snapshot{Volume: 1500}
	assert.Equal(t, 0.0, empty.VolumeRatio())
}
