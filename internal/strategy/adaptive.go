package strategy

import (
	"sync"

	"github.com/altvane/tradepilot/internal/indicators"
	"github.com/altvane/tradepilot/internal/margin"
)

// SubMode is the adaptive strategy's active trading posture
type SubMode string

const (
	SubBullMomentum  SubMode = "BULL_MOMENTUM"
	SubBearFade      SubMode = "BEAR_FADE"
	SubMeanReversion SubMode = "MEAN_REVERSION"
	SubHighVolDefend SubMode = "HIGH_VOL_DEFENSIVE"
)

// hysteresisConfirmations is how many consecutive analyze passes must agree
// on a new regime before the sub-mode switches
const hysteresisConfirmations = 2

// Adaptive switches between sub-strategies as the market regime shifts.
// The switch lags the regime by a confirmation window so a single noisy
// bar cannot whipsaw the posture.
type Adaptive struct {
	core

	mu            sync.Mutex
	active        SubMode
	pending       SubMode
	pendingStreak int
}

func newAdaptive(cfg Config) Strategy {
	a := &Adaptive{
		core:   newCore("adaptive", "BTCUSDT", "1h", 3, 15, margin.MaxMarginPercentStandard, cfg),
		active: SubMeanReversion,
	}
	a.entry = a.entrySignalFor
	return a
}

// ActiveMode returns the current sub-mode
func (a *Adaptive) ActiveMode() SubMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func subModeFor(regime Regime) SubMode {
	switch regime {
	case RegimeTrendingUp:
		return SubBullMomentum
	case RegimeTrendingDown:
		return SubBearFade
	case RegimeHighVolatility:
		return SubHighVolDefend
	default:
		return SubMeanReversion
	}
}

// advance updates the hysteresis state with this pass's regime and returns
// the sub-mode to trade with
func (a *Adaptive) advance(regime Regime) SubMode {
	a.mu.Lock()
	defer a.mu.Unlock()

	target := subModeFor(regime)
	if target == a.active {
		a.pendingStreak = 0
		return a.active
	}
	if target != a.pending {
		a.pending = target
		a.pendingStreak = 1
		return a.active
	}
	a.pendingStreak++
	if a.pendingStreak >= hysteresisConfirmations {
		a.log.Info().
			Str("from", string(a.active)).
			Str("to", string(target)).
			Str("regime", string(regime)).
			Msg("Sub-mode switched")
		a.active = target
		a.pendingStreak = 0
	}
	return a.active
}

func (a *Adaptive) entrySignalFor(snap *indicators.Snapshot, regime Regime) *entrySignal {
	switch a.advance(regime) {
	case SubBullMomentum:
		return trendLongEntry(snap)
	case SubBearFade:
		return bearFadeEntry(snap)
	case SubHighVolDefend:
		return extremeOversoldEntry(snap)
	default:
		if sig := rangeLongEntry(snap); sig != nil {
			return sig
		}
		return rangeShortEntry(snap)
	}
}

// bearFadeEntry shorts rallies back into the mid-band while the downtrend
// holds, instead of chasing the move lower
func bearFadeEntry(snap *indicators.Snapshot) *entrySignal {
	if snap.RSI > 60 &&
		snap.Close > snap.Bollinger.Middle &&
		snap.MACD.HistogramFalling() {
		return &entrySignal{
			action:     ActionEnterShort,
			confidence: 0.75,
			sizeMult:   0.7,
			levCap:     8,
			reasoning:  "rally fade into resistance within a downtrend",
		}
	}
	return nil
}
