package strategy

import "github.com/altvane/tradepilot/internal/indicators"

const (
	baseSizePercent = 50.0
	maxSizePercent  = 80.0

	baseStopLossPercent   = 2.0
	baseTakeProfitPercent = 4.0

	// volatility bands for parameter scaling, as ATR/close
	elevatedSigma = 0.02
	extremeSigma  = 0.03

	trendLeverage         = 15
	elevatedSigmaLeverage = 8
	extremeSigmaLeverage  = 5
)

// dynParams are the volatility- and regime-adjusted trade parameters for
// one analyze pass
type dynParams struct {
	sigma    float64
	leverage int
	sizePct  float64
	slPct    float64
	tpPct    float64
}

// computeDynParams derives leverage, size and SL/TP from the current
// volatility sigma = ATR/close, then applies regime and protection scaling
func computeDynParams(snap *indicators.Snapshot, regime Regime, mode Mode, baseLeverage, maxLeverage int) dynParams {
	p := dynParams{}
	if snap.Close > 0 {
		p.sigma = snap.ATR / snap.Close
	}

	switch {
	case p.sigma > extremeSigma:
		p.leverage = extremeSigmaLeverage
	case p.sigma > elevatedSigma:
		p.leverage = elevatedSigmaLeverage
	case regime == RegimeTrendingUp:
		p.leverage = trendLeverage
	default:
		p.leverage = baseLeverage
	}
	if maxLeverage > 0 && p.leverage > maxLeverage {
		p.leverage = maxLeverage
	}

	p.sizePct = baseSizePercent
	switch {
	case p.sigma > extremeSigma:
		p.sizePct *= 0.3
	case p.sigma > elevatedSigma:
		p.sizePct *= 0.5
	}
	switch regime {
	case RegimeTrendingUp:
		// full size
	case RegimeTrendingDown:
		p.sizePct *= 0.7
	case RegimeRanging:
		p.sizePct *= 0.5
	case RegimeHighVolatility:
		p.sizePct *= 0.3
	}
	switch mode {
	case ModeCautious:
		p.sizePct *= 0.5
	case ModeDefensive:
		p.sizePct *= 0.25
	}
	if p.sizePct > maxSizePercent {
		p.sizePct = maxSizePercent
	}

	p.slPct = baseStopLossPercent
	p.tpPct = baseTakeProfitPercent
	switch {
	case p.sigma > extremeSigma:
		p.slPct *= 2
		p.tpPct *= 2
	case p.sigma > elevatedSigma:
		p.slPct *= 1.5
		p.tpPct *= 1.5
	}
	switch regime {
	case RegimeTrendingUp:
		p.tpPct *= 1.5
	case RegimeRanging:
		p.slPct *= 0.8
		p.tpPct *= 0.7
	}

	return p
}
