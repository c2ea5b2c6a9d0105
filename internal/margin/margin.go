// Package margin enforces hard per-strategy margin caps. The caps are
// compile-time constants: nothing at runtime can loosen them.
package margin

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/exchange"
)

const (
	// SafetyBufferPercent shrinks the hard cap into the effective cap
	SafetyBufferPercent = 2.0

	// MinFreeMarginPercent is the floor of headroom required to open anything
	MinFreeMarginPercent = 5.0

	// MaxMarginPercentStandard applies to the 1 h momentum strategy class
	MaxMarginPercentStandard = 30.0

	// MaxMarginPercentScalper applies to the 15 m scalper strategy class
	MaxMarginPercentScalper = 40.0

	// safeSizeFactor is the second safety margin applied when sizing from
	// scratch; ValidateOrder's 0.9 adjustment is the only factor on the
	// validate path
	safeSizeFactor = 0.80

	// minPositionSize is the smallest order quantity worth placing
	minPositionSize = 0.001
)

// Status is the derived margin picture for one user and strategy class.
// Always computed fresh from the exchange; never stored.
type Status struct {
	TotalBalance       float64 `json:"total_balance"`
	AvailableMargin    float64 `json:"available_margin"` // total × (MAX − buffer) / 100
	UsedMargin         float64 `json:"used_margin"`
	MarginUsagePercent float64 `json:"margin_usage_percent"`
	RemainingMargin    float64 `json:"remaining_margin"` // floored at 0
	CanOpenPosition    bool    `json:"can_open_position"`
	MaxPositionValue   float64 `json:"max_position_value"` // notional at 1x leverage
}

// Enforcer validates orders against one strategy class's margin cap
type Enforcer struct {
	maxMarginPercent float64
	log              zerolog.Logger
}

// New creates an enforcer for the given class cap.
// Pass MaxMarginPercentStandard or MaxMarginPercentScalper.
func New(maxMarginPercent float64, log zerolog.Logger) *Enforcer {
	return &Enforcer{
		maxMarginPercent: maxMarginPercent,
		log:              log.With().Str("component", "margin").Logger(),
	}
}

// MaxMarginPercent returns the hard cap this enforcer applies
func (e *Enforcer) MaxMarginPercent() float64 {
	return e.maxMarginPercent
}

// PositionMargin is the initial margin a position consumes
func PositionMargin(p exchange.Position) float64 {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return p.Notional() / float64(lev)
}

// GetMarginStatus derives the current margin picture from the exchange.
// Used margin comes from the supplied positions when given, otherwise from
// the wallet's used field. Any exchange error fails closed: a zero status
// that cannot open positions.
func (e *Enforcer) GetMarginStatus(ctx context.Context, exch exchange.Client, positions []exchange.Position) *Status {
	bal, err := exch.FetchBalance(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Balance fetch failed, margin status fails closed")
		return &Status{}
	}
	if bal.Total <= 0 {
		return &Status{}
	}

	used := bal.Used
	if len(positions) > 0 {
		used = 0
		for _, p := range positions {
			used += PositionMargin(p)
		}
	}

	available := bal.Total * (e.maxMarginPercent - SafetyBufferPercent) / 100
	remaining := math.Max(0, available-used)

	return &Status{
		TotalBalance:       bal.Total,
		AvailableMargin:    available,
		UsedMargin:         used,
		MarginUsagePercent: used / bal.Total * 100,
		RemainingMargin:    remaining,
		CanOpenPosition:    remaining > bal.Total*MinFreeMarginPercent/100,
		MaxPositionValue:   remaining,
	}
}

// ValidateOrder checks a requested margin amount against the cap.
// Rejections return the remaining headroom as the adjusted margin so the
// caller can retry with it; adjustments shave the projection to 90% of the
// remaining headroom.
func (e *Enforcer) ValidateOrder(requestedMargin float64, status *Status) (bool, string, float64) {
	if status == nil || status.TotalBalance <= 0 {
		return false, "no balance available", 0
	}
	if requestedMargin <= 0 {
		return false, "requested margin must be positive", 0
	}

	projectedPercent := (status.UsedMargin + requestedMargin) / status.TotalBalance * 100
	if projectedPercent > e.maxMarginPercent {
		e.log.Warn().
			Float64("requested", requestedMargin).
			Float64("projected_percent", projectedPercent).
			Float64("max_percent", e.maxMarginPercent).
			Msg("Order rejected by margin cap")
		return false,
			fmt.Sprintf("margin limit exceeded: %.1f%% > %.1f%% cap", projectedPercent, e.maxMarginPercent),
			status.RemainingMargin
	}

	if status.UsedMargin+requestedMargin > status.AvailableMargin {
		adjusted := status.RemainingMargin * 0.9
		e.log.Info().
			Float64("requested", requestedMargin).
			Float64("adjusted", adjusted).
			Msg("Order margin adjusted to stay under effective cap")
		return true,
			fmt.Sprintf("margin adjusted from %.2f to %.2f to honor the safety buffer", requestedMargin, adjusted),
			adjusted
	}

	return true, "", requestedMargin
}

// CalculateSafePositionSize converts the remaining headroom into an order
// quantity: 80% of remaining margin at the target leverage, rounded to six
// decimals, floored at the minimum tradable size. Zero when no position may
// be opened.
func (e *Enforcer) CalculateSafePositionSize(status *Status, price, leverage float64) float64 {
	if status == nil || !status.CanOpenPosition {
		return 0
	}
	if price <= 0 || leverage <= 0 {
		return 0
	}

	margin := status.RemainingMargin * safeSizeFactor
	qty := round6(margin * leverage / price)
	if qty < minPositionSize {
		return minPositionSize
	}
	return qty
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
