package indicators

import (
	"fmt"
)

// Default periods used by the strategy pipeline
const (
	PeriodEMAFast   = 9
	PeriodEMAMedium = 21
	PeriodEMASlow   = 50
	PeriodEMATrend  = 200
	PeriodRSI       = 14
	PeriodBollinger = 20
	PeriodMACDFast  = 12
	PeriodMACDSlow  = 26
	PeriodMACDSig   = 9
	PeriodATR       = 14
	PeriodADX       = 14
	PeriodVolumeSMA = 20

	// atrPercentileWindow bounds the trailing ATR rank window
	atrPercentileWindow = 100

	// swingLookback is how many bars each side confirm a swing point
	swingLookback = 2
)

// MinCandles is the fewest candles a full snapshot needs.
// EMA200 dominates; callers should fetch at least this many.
const MinCandles = PeriodEMATrend

// Series holds aligned OHLCV columns, oldest first
type Series struct {
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// Len returns the number of candles in the series
func (s *Series) Len() int {
	return len(s.Close)
}

func (s *Series) validate() error {
	n := len(s.Close)
	if n == 0 {
		return fmt.Errorf("series: empty")
	}
	if len(s.Open) != n || len(s.High) != n || len(s.Low) != n || len(s.Volume) != n {
		return fmt.Errorf("series: column lengths differ")
	}
	return nil
}

// Snapshot is a point-in-time indicator readout for one symbol/timeframe
type Snapshot struct {
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`

	EMAFast   float64 `json:"ema_fast"`
	EMAMedium float64 `json:"ema_medium"`
	EMASlow   float64 `json:"ema_slow"`
	EMATrend  float64 `json:"ema_trend"`

	RSI float64 `json:"rsi"`

	Bollinger Bands      `json:"bollinger"`
	MACD      MACDResult `json:"macd"`

	ATR           float64 `json:"atr"`
	ATRPercentile float64 `json:"atr_percentile"`
	ADX           float64 `json:"adx"`

	Support    float64 `json:"support"`
	Resistance float64 `json:"resistance"`
	VolumeSMA  float64 `json:"volume_sma"`
}

// VolumeRatio is current volume relative to its moving average
func (s *Snapshot) VolumeRatio() float64 {
	if s.VolumeSMA == 0 {
		return 0
	}
	return s.Volume / s.VolumeSMA
}

// TrendBullish reports the fast/medium/slow EMA stack pointing up
func (s *Snapshot) TrendBullish() bool {
	return s.EMAFast > s.EMAMedium && s.EMAMedium > s.EMASlow
}

// TrendBearish reports the fast/medium/slow EMA stack pointing down
func (s *Snapshot) TrendBearish() bool {
	return s.EMAFast < s.EMAMedium && s.EMAMedium < s.EMASlow
}

// ComputeSnapshot derives the full indicator readout from an OHLCV series.
// Returns an error when the series is shorter than MinCandles.
func ComputeSnapshot(s *Series) (*Snapshot, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	n := s.Len()
	if n < MinCandles {
		return nil, fmt.Errorf("snapshot: need at least %d candles, got %d", MinCandles, n)
	}

	snap := &Snapshot{
		Close:  s.Close[n-1],
		Volume: s.Volume[n-1],
	}

	var err error
	if snap.EMAFast, err = EMA(s.Close, PeriodEMAFast); err != nil {
		return nil, err
	}
	if snap.EMAMedium, err = EMA(s.Close, PeriodEMAMedium); err != nil {
		return nil, err
	}
	if snap.EMASlow, err = EMA(s.Close, PeriodEMASlow); err != nil {
		return nil, err
	}
	if snap.EMATrend, err = EMA(s.Close, PeriodEMATrend); err != nil {
		return nil, err
	}
	if snap.RSI, err = RSI(s.Close, PeriodRSI); err != nil {
		return nil, err
	}

	bands, err := BollingerBands(s.Close, PeriodBollinger)
	if err != nil {
		return nil, err
	}
	snap.Bollinger = *bands

	macd, err := MACD(s.Close, PeriodMACDFast, PeriodMACDSlow, PeriodMACDSig)
	if err != nil {
		return nil, err
	}
	snap.MACD = *macd

	if snap.ATR, err = ATR(s.High, s.Low, s.Close, PeriodATR); err != nil {
		return nil, err
	}
	if snap.ATRPercentile, err = ATRPercentile(s.High, s.Low, s.Close, PeriodATR, atrPercentileWindow); err != nil {
		return nil, err
	}
	if snap.ADX, err = ADX(s.High, s.Low, s.Close, PeriodADX); err != nil {
		return nil, err
	}
	if snap.VolumeSMA, err = SMA(s.Volume, PeriodVolumeSMA); err != nil {
		return nil, err
	}

	snap.Support, snap.Resistance = SupportResistance(s.High, s.Low, snap.Close)
	return snap, nil
}

// SupportResistance finds the nearest swing low below and swing high above
// the current price. Falls back to the window extremes when no swing
// qualifies.
func SupportResistance(high, low []float64, price float64) (support, resistance float64) {
	n := len(high)

	window := 50
	if n < window {
		window = n
	}
	start := n - window

	minLow := low[start]
	maxHigh := high[start]
	for i := start; i < n; i++ {
		if low[i] < minLow {
			minLow = low[i]
		}
		if high[i] > maxHigh {
			maxHigh = high[i]
		}
	}
	support, resistance = minLow, maxHigh

	for i := start + swingLookback; i < n-swingLookback; i++ {
		if isSwingLow(low, i) && low[i] < price && low[i] > support {
			support = low[i]
		}
		if isSwingHigh(high, i) && high[i] > price && (resistance == maxHigh || high[i] < resistance) {
			resistance = high[i]
		}
	}
	return support, resistance
}

func isSwingLow(low []float64, i int) bool {
	for j := 1; j <= swingLookback; j++ {
		if low[i] > low[i-j] || low[i] > low[i+j] {
			return false
		}
	}
	return true
}

func isSwingHigh(high []float64, i int) bool {
	for j := 1; j <= swingLookback; j++ {
		if high[i] < high[i-j] || high[i] < high[i+j] {
			return false
		}
	}
	return true
}
