package strategy

import (
	"github.com/altvane/tradepilot/internal/indicators"
	"github.com/altvane/tradepilot/internal/margin"
)

// Momentum is the base trend-following strategy on the 1 h timeframe
type Momentum struct {
	core
}

func newMomentum(cfg Config) Strategy {
	m := &Momentum{
		core: newCore("momentum", "ETHUSDT", "1h", 3, 15, margin.MaxMarginPercentStandard, cfg),
	}
	m.entry = m.entrySignalFor
	return m
}

func (m *Momentum) entrySignalFor(snap *indicators.Snapshot, regime Regime) *entrySignal {
	return standardEntry(snap, regime)
}

// standardEntry holds the per-regime entry rules shared by the momentum
// strategy and the adaptive variant's sub-modes
func standardEntry(snap *indicators.Snapshot, regime Regime) *entrySignal {
	switch regime {
	case RegimeTrendingUp:
		return trendLongEntry(snap)
	case RegimeTrendingDown:
		return trendShortEntry(snap)
	case RegimeRanging:
		if sig := rangeLongEntry(snap); sig != nil {
			return sig
		}
		return rangeShortEntry(snap)
	case RegimeHighVolatility:
		return extremeOversoldEntry(snap)
	}
	return nil
}

// trendLongEntry fires on a strong bullish alignment in an uptrend
func trendLongEntry(snap *indicators.Snapshot) *entrySignal {
	if snap.Close > snap.EMAMedium &&
		snap.EMAMedium > snap.EMASlow &&
		snap.RSI > 50 && snap.RSI < 75 &&
		snap.MACD.MACD > snap.MACD.Signal && snap.MACD.HistogramRising() &&
		snap.VolumeRatio() > 1.2 {
		return &entrySignal{
			action:     ActionEnterLong,
			confidence: 0.85,
			reasoning:  "strong bullish momentum with volume confirmation",
		}
	}
	return nil
}

// trendShortEntry mirrors the long rule for a downtrend
func trendShortEntry(snap *indicators.Snapshot) *entrySignal {
	if snap.Close < snap.EMAMedium &&
		snap.EMAMedium < snap.EMASlow &&
		snap.RSI > 25 && snap.RSI < 50 &&
		snap.MACD.MACD < snap.MACD.Signal && snap.MACD.HistogramFalling() &&
		snap.VolumeRatio() > 1.2 {
		return &entrySignal{
			action:     ActionEnterShort,
			confidence: 0.80,
			sizeMult:   0.8,
			reasoning:  "strong bearish momentum with volume confirmation",
		}
	}
	return nil
}

// rangeLongEntry buys an oversold extreme once selling momentum fades
func rangeLongEntry(snap *indicators.Snapshot) *entrySignal {
	if snap.RSI < 30 &&
		snap.Close < snap.Bollinger.Lower &&
		snap.MACD.HistogramRising() {
		return &entrySignal{
			action:     ActionEnterLong,
			confidence: 0.75,
			sizeMult:   0.6,
			levCap:     8,
			reasoning:  "oversold bounce at the lower band",
		}
	}
	return nil
}

// rangeShortEntry fades an overbought extreme
func rangeShortEntry(snap *indicators.Snapshot) *entrySignal {
	if snap.RSI > 70 && snap.Close > snap.Bollinger.Upper {
		return &entrySignal{
			action:     ActionEnterShort,
			confidence: 0.70,
			sizeMult:   0.5,
			levCap:     5,
			reasoning:  "overbought fade at the upper band",
		}
	}
	return nil
}

// extremeOversoldEntry is the only trade taken in a high-volatility regime
func extremeOversoldEntry(snap *indicators.Snapshot) *entrySignal {
	if snap.RSI < 20 &&
		snap.Close < snap.Bollinger.Lower*0.98 &&
		snap.VolumeRatio() > 2 {
		return &entrySignal{
			action:     ActionEnterLong,
			confidence: 0.70,
			sizeMult:   0.4,
			levCap:     5,
			slMult:     1.5,
			tpMult:     1.5,
			reasoning:  "capitulation flush with panic volume",
		}
	}
	return nil
}
