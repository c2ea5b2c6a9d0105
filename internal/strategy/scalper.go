package strategy

import (
	"github.com/altvane/tradepilot/internal/indicators"
	"github.com/altvane/tradepilot/internal/margin"
)

// VolRegime classifies where current volatility sits in its recent range
type VolRegime string

const (
	VolCompression VolRegime = "COMPRESSION"
	VolExpansion   VolRegime = "EXPANSION"
	VolHigh        VolRegime = "HIGH_VOL"
	VolExhaustion  VolRegime = "EXHAUSTION"
)

const (
	compressionPercentile = 25.0
	highVolPercentile     = 75.0
	exhaustionPercentile  = 90.0

	// vcpMaxWidth marks a Bollinger squeeze tight enough to count as a
	// volatility contraction
	vcpMaxWidth = 0.05
)

// Scalper trades SOL on the 15 m timeframe under the wider scalper margin
// class. It keys off the volatility cycle rather than the trend alone and
// exits through staged take profits.
type Scalper struct {
	core
}

func newScalper(cfg Config) Strategy {
	s := &Scalper{
		core: newCore("sol_scalper", "SOLUSDT", "15m", 5, 10, margin.MaxMarginPercentScalper, cfg),
	}
	s.entry = s.entrySignalFor
	return s
}

// classifyVolRegime ranks the current ATR against its trailing window.
// An exhaustion print needs both stretched volatility and a stretched RSI.
func classifyVolRegime(snap *indicators.Snapshot) VolRegime {
	pct := snap.ATRPercentile
	switch {
	case pct >= exhaustionPercentile && (snap.RSI >= 75 || snap.RSI <= 25):
		return VolExhaustion
	case pct >= highVolPercentile:
		return VolHigh
	case pct <= compressionPercentile && snap.Bollinger.Width <= vcpMaxWidth:
		return VolCompression
	default:
		return VolExpansion
	}
}

func (s *Scalper) entrySignalFor(snap *indicators.Snapshot, regime Regime) *entrySignal {
	switch classifyVolRegime(snap) {
	case VolCompression:
		return compressionBreakoutEntry(snap)
	case VolExpansion:
		return expansionEntry(snap)
	case VolHigh:
		if sig := extremeOversoldEntry(snap); sig != nil {
			sig.stagedTP = true
			return sig
		}
		return nil
	default:
		// Exhaustion: the move is spent, stand aside
		return nil
	}
}

// compressionBreakoutEntry anticipates the expansion out of a squeeze
func compressionBreakoutEntry(snap *indicators.Snapshot) *entrySignal {
	if snap.Close > snap.EMAFast &&
		snap.EMAFast > snap.EMAMedium &&
		snap.MACD.HistogramRising() &&
		snap.VolumeRatio() > 1.5 {
		return &entrySignal{
			action:     ActionEnterLong,
			confidence: 0.75,
			stagedTP:   true,
			reasoning:  "squeeze breakout with volume expansion",
		}
	}
	return nil
}

// expansionEntry rides an established expansion in either direction
func expansionEntry(snap *indicators.Snapshot) *entrySignal {
	if snap.TrendBullish() &&
		snap.RSI > 45 && snap.RSI < 80 &&
		snap.MACD.MACD > snap.MACD.Signal {
		return &entrySignal{
			action:     ActionEnterLong,
			confidence: 0.80,
			stagedTP:   true,
			reasoning:  "trend continuation in volatility expansion",
		}
	}
	if snap.TrendBearish() &&
		snap.RSI > 20 && snap.RSI < 55 &&
		snap.MACD.MACD < snap.MACD.Signal {
		return &entrySignal{
			action:     ActionEnterShort,
			confidence: 0.75,
			sizeMult:   0.8,
			stagedTP:   true,
			reasoning:  "trend continuation short in volatility expansion",
		}
	}
	return nil
}
