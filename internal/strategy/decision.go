// Package strategy implements the autonomous trading strategies: a base
// momentum variant, an adaptive regime-switching variant and a short-timeframe
// scalper. Every strategy runs the same decision pipeline and differs only in
// its entry rules and sizing posture.
package strategy

import "time"

// Action is a strategy's output token
type Action string

const (
	ActionEnterLong        Action = "ENTER_LONG"
	ActionEnterShort       Action = "ENTER_SHORT"
	ActionExitLong         Action = "EXIT_LONG"
	ActionExitShort        Action = "EXIT_SHORT"
	ActionIncreasePosition Action = "INCREASE_POSITION"
	ActionDecreasePosition Action = "DECREASE_POSITION"
	ActionEmergencyExit    Action = "EMERGENCY_EXIT"
	ActionHold             Action = "HOLD"
)

// Decision is the full output of one analyze pass.
// PositionSizePercent is expressed against the strategy class's margin
// budget, not the whole balance.
type Decision struct {
	Action              Action    `json:"action"`
	Confidence          float64   `json:"confidence"`
	PositionSizePercent float64   `json:"position_size_percent"`
	TargetLeverage      int       `json:"target_leverage"`
	StopLossPercent     float64   `json:"stop_loss_percent"`
	TakeProfitPercent   float64   `json:"take_profit_percent"`

	// Multi-stage take profits, set only by the scalper
	TP1           float64   `json:"tp1,omitempty"`
	TP2           float64   `json:"tp2,omitempty"`
	TP3           float64   `json:"tp3,omitempty"`
	TPAllocations []float64 `json:"tp_allocations,omitempty"`

	Reasoning string    `json:"reasoning"`
	Warnings  []string  `json:"warnings,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsEntry reports whether the decision opens a new position
func (d *Decision) IsEntry() bool {
	return d.Action == ActionEnterLong || d.Action == ActionEnterShort
}

// IsExit reports whether the decision closes an existing position
func (d *Decision) IsExit() bool {
	return d.Action == ActionExitLong || d.Action == ActionExitShort || d.Action == ActionEmergencyExit
}

func holdDecision(reason string) *Decision {
	return &Decision{
		Action:    ActionHold,
		Reasoning: reason,
		Timestamp: time.Now().UTC(),
	}
}
