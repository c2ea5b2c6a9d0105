package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

// chanFrom feeds a price slice into a closed channel for the cinar pipeline API
func chanFrom(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

// collect drains an indicator output channel into a slice
func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// last returns the most recent value of a computed series
func last(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("indicator produced no values")
	}
	return values[len(values)-1], nil
}

// EMA returns the most recent exponential moving average over the period
func EMA(prices []float64, period int) (float64, error) {
	if period < 1 || period > len(prices) {
		return 0, fmt.Errorf("ema: invalid period %d for %d prices", period, len(prices))
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return last(collect(ema.Compute(chanFrom(prices))))
}

// RSI returns the most recent relative strength index over the period
func RSI(prices []float64, period int) (float64, error) {
	if period < 1 || period > len(prices) {
		return 0, fmt.Errorf("rsi: invalid period %d for %d prices", period, len(prices))
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	return last(collect(rsi.Compute(chanFrom(prices))))
}

// Bands holds the most recent Bollinger Band values
type Bands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	// Width is (upper-lower)/middle, used as a squeeze measure
	Width float64 `json:"width"`
}

// BollingerBands returns the most recent bands over the period (2 std dev)
func BollingerBands(prices []float64, period int) (*Bands, error) {
	if period < 1 || period > len(prices) {
		return nil, fmt.Errorf("bollinger: invalid period %d for %d prices", period, len(prices))
	}

	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	lowerCh, middleCh, upperCh := bb.Compute(chanFrom(prices))

	lower := collect(lowerCh)
	middle := collect(middleCh)
	upper := collect(upperCh)

	if len(lower) == 0 || len(middle) == 0 || len(upper) == 0 {
		return nil, fmt.Errorf("bollinger: produced no values")
	}

	b := &Bands{
		Upper:  upper[len(upper)-1],
		Middle: middle[len(middle)-1],
		Lower:  lower[len(lower)-1],
	}
	if b.Middle != 0 {
		b.Width = (b.Upper - b.Lower) / b.Middle
	}
	return b, nil
}

// MACDResult holds the most recent MACD line, signal line and histogram,
// plus the previous bar's histogram for momentum direction checks
type MACDResult struct {
	MACD          float64 `json:"macd"`
	Signal        float64 `json:"signal"`
	Histogram     float64 `json:"histogram"`
	PrevHistogram float64 `json:"prev_histogram"`
}

// HistogramRising reports MACD momentum building bar over bar
func (r *MACDResult) HistogramRising() bool {
	return r.Histogram > r.PrevHistogram
}

// HistogramFalling reports MACD momentum fading bar over bar
func (r *MACDResult) HistogramFalling() bool {
	return r.Histogram < r.PrevHistogram
}

// MACD returns the most recent MACD values for the given periods
func MACD(prices []float64, fast, slow, signal int) (*MACDResult, error) {
	if fast < 1 || slow <= fast || signal < 1 {
		return nil, fmt.Errorf("macd: invalid periods fast=%d slow=%d signal=%d", fast, slow, signal)
	}
	if len(prices) < slow+signal {
		return nil, fmt.Errorf("macd: need at least %d prices, got %d", slow+signal, len(prices))
	}

	macd := trend.NewMacdWithPeriod[float64](fast, slow, signal)
	macdCh, signalCh := macd.Compute(chanFrom(prices))

	macdValues := collect(macdCh)
	signalValues := collect(signalCh)

	if len(macdValues) == 0 || len(signalValues) == 0 {
		return nil, fmt.Errorf("macd: produced no values")
	}

	r := &MACDResult{
		MACD:   macdValues[len(macdValues)-1],
		Signal: signalValues[len(signalValues)-1],
	}
	r.Histogram = r.MACD - r.Signal
	if len(macdValues) > 1 && len(signalValues) > 1 {
		r.PrevHistogram = macdValues[len(macdValues)-2] - signalValues[len(signalValues)-2]
	}
	return r, nil
}

// SMA returns the simple moving average of the last period values
func SMA(values []float64, period int) (float64, error) {
	if period < 1 || period > len(values) {
		return 0, fmt.Errorf("sma: invalid period %d for %d values", period, len(values))
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}
