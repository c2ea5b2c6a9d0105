package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/agent"
	"github.com/altvane/tradepilot/internal/exchange"
	"github.com/altvane/tradepilot/internal/indicators"
	"github.com/altvane/tradepilot/internal/margin"
	"github.com/altvane/tradepilot/internal/metrics"
	"github.com/altvane/tradepilot/internal/specialist"
)

const (
	// candleFetchLimit leaves slack above the snapshot minimum
	candleFetchLimit = indicators.MinCandles + 50

	// liquidationProximity is the mark-to-liquidation distance that forces
	// an emergency exit
	liquidationProximity = 0.02

	validatorTimeout = 5 * time.Second
)

// Strategy is one per-user, per-symbol autonomous trading state machine
type Strategy interface {
	Name() string
	Symbol() string
	Timeframe() string
	AnalyzeAndDecide(ctx context.Context, exch exchange.Client, userID string, positions []exchange.Position) (*Decision, error)
	RecordTradeResult(pnl float64)
	DailyReset(now time.Time)
}

// entrySignal is a variant's raw entry opinion before sizing and validation
type entrySignal struct {
	action     Action
	confidence float64
	sizeMult   float64 // 0 means 1.0
	levCap     int     // 0 means no extra cap
	slMult     float64 // 0 means 1.0
	tpMult     float64 // 0 means 1.0
	stagedTP   bool
	reasoning  string
}

// core runs the shared decision pipeline. Variants plug in their entry
// rules through the entry hook.
type core struct {
	name         string
	symbol       string
	timeframe    string
	baseLeverage int
	maxLeverage  int

	enforcer   *margin.Enforcer
	protection *Protection
	validator  *agent.Agent
	prom       *metrics.Core
	log        zerolog.Logger

	entry func(snap *indicators.Snapshot, regime Regime) *entrySignal
}

func newCore(name, symbol, timeframe string, baseLev, maxLev int, classCap float64, cfg Config) core {
	if cfg.Symbol != "" {
		symbol = cfg.Symbol
	}
	if cfg.BaseLeverage > 0 {
		baseLev = cfg.BaseLeverage
	}
	if cfg.MaxLeverage > 0 {
		maxLev = cfg.MaxLeverage
	}
	log := cfg.Log.With().Str("strategy", name).Str("symbol", symbol).Logger()
	return core{
		name:         name,
		symbol:       symbol,
		timeframe:    timeframe,
		baseLeverage: baseLev,
		maxLeverage:  maxLev,
		enforcer:     margin.New(classCap, cfg.Log),
		protection:   NewProtection(log),
		validator:    cfg.Validator,
		prom:         metrics.GetCore(),
		log:          log,
	}
}

func (c *core) Name() string      { return c.name }
func (c *core) Symbol() string    { return c.symbol }
func (c *core) Timeframe() string { return c.timeframe }

// Protection exposes the ladder for the bot runtime
func (c *core) Protection() *Protection { return c.protection }

// RecordTradeResult folds a closed trade into the protection ladder
func (c *core) RecordTradeResult(pnl float64) { c.protection.RecordTrade(pnl) }

// DailyReset applies the UTC-midnight protection rollover
func (c *core) DailyReset(now time.Time) { c.protection.DailyReset(now) }

// AnalyzeAndDecide runs the full decision pipeline for one tick
func (c *core) AnalyzeAndDecide(ctx context.Context, exch exchange.Client, userID string, positions []exchange.Position) (*Decision, error) {
	if c.protection.Mode() == ModeLockdown {
		return c.finish(holdDecision("trading suspended")), nil
	}

	candles, err := exch.FetchOHLCV(ctx, c.symbol, c.timeframe, candleFetchLimit)
	if err != nil {
		c.log.Warn().Err(err).Msg("Candle fetch failed")
		return c.finish(holdDecision("exchange unavailable")), nil
	}
	snap, err := indicators.ComputeSnapshot(exchange.SeriesFrom(candles))
	if err != nil {
		c.log.Warn().Err(err).Msg("Indicator snapshot failed")
		return c.finish(holdDecision("insufficient market data")), nil
	}

	regime := classifyRegime(snap)
	mode := c.protection.Mode()
	params := computeDynParams(snap, regime, mode, c.baseLeverage, c.maxLeverage)

	if pos := positionFor(positions, c.symbol); pos != nil {
		if d := c.checkExits(pos, snap, params); d != nil {
			return c.finish(d), nil
		}
		return c.finish(holdDecision("position open, no exit condition")), nil
	}

	status := c.enforcer.GetMarginStatus(ctx, exch, positions)
	if !status.CanOpenPosition {
		c.prom.MarginBlocks.Inc()
		return c.finish(holdDecision("margin headroom exhausted")), nil
	}

	sig := c.entry(snap, regime)
	if sig == nil {
		return c.finish(holdDecision(fmt.Sprintf("no entry signal in %s regime", regime))), nil
	}
	d := c.buildDecision(sig, params, snap)

	if blocked := c.enforceMargin(d, status); blocked != nil {
		return c.finish(blocked), nil
	}

	if c.validator != nil && d.IsEntry() {
		d = c.validateSignal(ctx, d, regime, snap)
	}
	return c.finish(d), nil
}

// buildDecision applies the signal's multipliers to the dynamic parameters
func (c *core) buildDecision(sig *entrySignal, p dynParams, snap *indicators.Snapshot) *Decision {
	d := &Decision{
		Action:              sig.action,
		Confidence:          sig.confidence,
		PositionSizePercent: p.sizePct * orOne(sig.sizeMult),
		TargetLeverage:      p.leverage,
		StopLossPercent:     p.slPct * orOne(sig.slMult),
		TakeProfitPercent:   p.tpPct * orOne(sig.tpMult),
		Reasoning:           sig.reasoning,
		Timestamp:           time.Now().UTC(),
	}
	if sig.levCap > 0 && d.TargetLeverage > sig.levCap {
		d.TargetLeverage = sig.levCap
	}
	if d.PositionSizePercent > maxSizePercent {
		d.PositionSizePercent = maxSizePercent
	}
	if sig.stagedTP && snap.Close > 0 {
		atrPct := snap.ATR / snap.Close * 100
		d.TP1 = round2(1.5 * atrPct)
		d.TP2 = round2(2.5 * atrPct)
		d.TP3 = round2(4.0 * atrPct)
		d.TPAllocations = []float64{30, 40, 30}
	}
	return d
}

// checkExits evaluates the open position against stop loss, take profit,
// liquidation proximity and trend reversal, in that order
func (c *core) checkExits(pos *exchange.Position, snap *indicators.Snapshot, p dynParams) *Decision {
	if pos.EntryPrice <= 0 || snap.Close <= 0 {
		return nil
	}

	long := pos.Side == exchange.PositionLong
	exitAction := ActionExitShort
	movePct := (pos.EntryPrice - snap.Close) / pos.EntryPrice * 100
	if long {
		exitAction = ActionExitLong
		movePct = (snap.Close - pos.EntryPrice) / pos.EntryPrice * 100
	}

	if movePct <= -p.slPct {
		return exitDecision(exitAction, 0.95,
			fmt.Sprintf("stop loss hit: %.2f%% against entry", -movePct))
	}
	if movePct >= p.tpPct {
		return exitDecision(exitAction, 0.9,
			fmt.Sprintf("take profit hit: %.2f%% in favor", movePct))
	}
	if pos.LiquidationPrice > 0 &&
		math.Abs(snap.Close-pos.LiquidationPrice)/snap.Close < liquidationProximity {
		return exitDecision(ActionEmergencyExit, 1.0, "liquidation price within proximity threshold")
	}

	if long && snap.Close < snap.EMAMedium && snap.MACD.MACD < snap.MACD.Signal && snap.RSI < 50 {
		return exitDecision(exitAction, 0.8, "trend reversal against long position")
	}
	if !long && snap.Close > snap.EMAMedium && snap.MACD.MACD > snap.MACD.Signal && snap.RSI > 50 {
		return exitDecision(exitAction, 0.8, "trend reversal against short position")
	}
	return nil
}

// enforceMargin translates the size percent into a margin request and runs
// it through the class enforcer. Returns a HOLD decision when blocked,
// otherwise mutates the decision in place.
func (c *core) enforceMargin(d *Decision, status *margin.Status) *Decision {
	if !d.IsEntry() || status.AvailableMargin <= 0 {
		return nil
	}

	requested := status.AvailableMargin * d.PositionSizePercent / 100
	allowed, msg, adjusted := c.enforcer.ValidateOrder(requested, status)
	if !allowed {
		c.prom.MarginBlocks.Inc()
		return holdDecision(msg)
	}
	if adjusted < requested {
		d.PositionSizePercent = adjusted / status.AvailableMargin * 100
		d.Warnings = append(d.Warnings, msg)
	}
	return nil
}

// validateSignal runs the entry through the signal-validator agent.
// A rejection turns the decision into HOLD; an approval with warnings
// keeps it at reduced confidence. Validator outages keep the decision
// with a warning attached.
func (c *core) validateSignal(ctx context.Context, d *Decision, regime Regime, snap *indicators.Snapshot) *Decision {
	side := "buy"
	if d.Action == ActionEnterShort {
		side = "sell"
	}
	task := agent.NewTask(specialist.TaskValidateSignal, map[string]any{
		"symbol":                c.symbol,
		"side":                  side,
		"confidence":            d.Confidence,
		"stop_loss_percent":     d.StopLossPercent,
		"take_profit_percent":   d.TakeProfitPercent,
		"leverage":              float64(d.TargetLeverage),
		"position_size_percent": d.PositionSizePercent,
		"regime":                validatorRegime(regime),
		"rsi":                   snap.RSI,
		"volume_ratio":          snap.VolumeRatio(),
	}).WithPriority(agent.PriorityHigh).WithTimeout(validatorTimeout)

	vctx, cancel := context.WithTimeout(ctx, validatorTimeout)
	defer cancel()

	res, err := c.validator.Do(vctx, task)
	if err != nil {
		c.log.Warn().Err(err).Msg("Signal validation unavailable")
		d.Warnings = append(d.Warnings, "signal validation unavailable: "+err.Error())
		return d
	}
	vr, ok := res.(*specialist.ValidationResult)
	if !ok {
		d.Warnings = append(d.Warnings, "signal validation returned unexpected result")
		return d
	}

	if !vr.Approved {
		h := holdDecision("signal rejected: " + vr.Reason)
		h.Warnings = vr.FailedRules
		return h
	}
	if len(vr.Warnings) > 0 {
		d.Confidence *= 0.8
		d.Warnings = append(d.Warnings, vr.Warnings...)
	}
	return d
}

// finish records the decision metric and returns the decision unchanged
func (c *core) finish(d *Decision) *Decision {
	c.prom.Decisions.WithLabelValues(c.name, string(d.Action)).Inc()
	c.log.Info().
		Str("action", string(d.Action)).
		Float64("confidence", d.Confidence).
		Float64("size_percent", d.PositionSizePercent).
		Int("leverage", d.TargetLeverage).
		Str("reasoning", d.Reasoning).
		Msg("Decision")
	return d
}

func positionFor(positions []exchange.Position, symbol string) *exchange.Position {
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].Size > 0 {
			return &positions[i]
		}
	}
	return nil
}

func exitDecision(action Action, confidence float64, reason string) *Decision {
	return &Decision{
		Action:              action,
		Confidence:          confidence,
		PositionSizePercent: 100,
		Reasoning:           reason,
		Timestamp:           time.Now().UTC(),
	}
}

func orOne(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
