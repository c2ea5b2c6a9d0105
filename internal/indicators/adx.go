package indicators

import (
	"fmt"
	"math"
	"sort"
)

// ADX returns the most recent Average Directional Index.
// Implemented with Wilder smoothing; not available in cinar/indicator v2.
func ADX(high, low, close []float64, period int) (float64, error) {
	if len(high) != len(low) || len(high) != len(close) {
		return 0, fmt.Errorf("adx: high, low and close must have the same length")
	}
	if period < 1 {
		return 0, fmt.Errorf("adx: invalid period %d", period)
	}
	n := len(close)
	if n < period*2 {
		return 0, fmt.Errorf("adx: need at least %d candles, got %d", period*2, n)
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-close[i-1]),
				math.Abs(low[i]-close[i-1])))

		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]

		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]

		if diSum := plusDI + minusDI; diSum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / diSum
		}
	}

	adxValues := smoothWilder(dx, period)
	return adxValues[n-1], nil
}

// ATR returns the most recent Average True Range with Wilder smoothing
func ATR(high, low, close []float64, period int) (float64, error) {
	series, err := atrSeries(high, low, close, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// ATRPercentile returns the rank (0..100) of the current ATR within the
// trailing window of ATR values. High percentiles mark volatility expansion.
func ATRPercentile(high, low, close []float64, period, window int) (float64, error) {
	series, err := atrSeries(high, low, close, period)
	if err != nil {
		return 0, err
	}

	// Drop the warmup zeros before the first smoothed value
	series = series[period:]
	if window > 0 && len(series) > window {
		series = series[len(series)-window:]
	}
	if len(series) < 2 {
		return 0, fmt.Errorf("atr percentile: window too small")
	}

	current := series[len(series)-1]
	sorted := append([]float64(nil), series...)
	sort.Float64s(sorted)

	below := 0
	for _, v := range sorted {
		if v < current {
			below++
		}
	}
	return 100 * float64(below) / float64(len(sorted)-1), nil
}

// AvgATR returns the mean of the smoothed ATR series, skipping the warmup.
// Used to judge whether the current range is unusually wide.
func AvgATR(high, low, close []float64, period int) (float64, error) {
	series, err := atrSeries(high, low, close, period)
	if err != nil {
		return 0, err
	}
	series = series[period-1:]
	sum := 0.0
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series)), nil
}

func atrSeries(high, low, close []float64, period int) ([]float64, error) {
	if len(high) != len(low) || len(high) != len(close) {
		return nil, fmt.Errorf("atr: high, low and close must have the same length")
	}
	if period < 1 {
		return nil, fmt.Errorf("atr: invalid period %d", period)
	}
	n := len(close)
	if n < period+1 {
		return nil, fmt.Errorf("atr: need at least %d candles, got %d", period+1, n)
	}

	tr := make([]float64, n)
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-close[i-1]),
				math.Abs(low[i]-close[i-1])))
	}
	return smoothWilder(tr, period), nil
}

// smoothWilder applies Wilder's smoothing: a simple average seed followed by
// result[i] = (result[i-1]*(period-1) + data[i]) / period
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}
