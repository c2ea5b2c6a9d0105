package strategy

import (
	"github.com/altvane/tradepilot/internal/indicators"
	"github.com/altvane/tradepilot/internal/specialist"
)

// Regime is the market regime a strategy trades against
type Regime string

const (
	RegimeTrendingUp     Regime = "TRENDING_UP"
	RegimeTrendingDown   Regime = "TRENDING_DOWN"
	RegimeRanging        Regime = "RANGING"
	RegimeHighVolatility Regime = "HIGH_VOLATILITY"
)

const (
	trendUpRatio   = 1.02
	trendDownRatio = 0.98

	// highVolSigma is ATR/close above which volatility dominates the trend
	highVolSigma = 0.03
)

// classifyRegime applies the EMA ratio rule with a volatility override.
// Used whenever the market-regime agent has no fresher answer.
func classifyRegime(snap *indicators.Snapshot) Regime {
	if snap.Close > 0 && snap.ATR/snap.Close > highVolSigma {
		return RegimeHighVolatility
	}
	switch {
	case snap.EMASlow > 0 && snap.EMAMedium > snap.EMASlow*trendUpRatio:
		return RegimeTrendingUp
	case snap.EMASlow > 0 && snap.EMAMedium < snap.EMASlow*trendDownRatio:
		return RegimeTrendingDown
	default:
		return RegimeRanging
	}
}

// validatorRegime maps the strategy regime onto the vocabulary the signal
// validator's alignment rule understands
func validatorRegime(r Regime) string {
	if r == RegimeHighVolatility {
		return string(specialist.RegimeVolatile)
	}
	return string(r)
}
