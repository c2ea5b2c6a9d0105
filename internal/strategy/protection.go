package strategy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/altvane/tradepilot/internal/metrics"
)

// Mode is the progressive protection level of one bot
type Mode string

const (
	ModeNormal    Mode = "NORMAL"
	ModeCautious  Mode = "CAUTIOUS"
	ModeDefensive Mode = "DEFENSIVE"
	ModeLockdown  Mode = "LOCKDOWN"
)

const (
	cautiousLossStreak  = 2
	defensiveLossStreak = 3
	lockdownLossStreak  = 5

	// lockdownDailyLoss locks trading for the rest of the UTC day
	lockdownDailyLoss = -1000.0
)

// Protection tracks closed-trade results and escalates the protection mode.
// The bot runtime records every closed trade; strategies only read the mode.
type Protection struct {
	mu                sync.Mutex
	mode              Mode
	consecutiveLosses int
	dailyPnL          float64
	day               time.Time

	prom *metrics.Core
	log  zerolog.Logger
	now  func() time.Time
}

// NewProtection starts in NORMAL mode with a fresh daily window
func NewProtection(log zerolog.Logger) *Protection {
	p := &Protection{
		mode: ModeNormal,
		prom: metrics.GetCore(),
		log:  log.With().Str("component", "protection").Logger(),
		now:  time.Now,
	}
	p.day = utcDay(p.now())
	return p
}

// Mode returns the current protection mode, rolling the daily window first
func (p *Protection) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDay(p.now())
	return p.mode
}

// ConsecutiveLosses returns the current losing streak
func (p *Protection) ConsecutiveLosses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveLosses
}

// DailyPnL returns the realized PnL of the current UTC day
func (p *Protection) DailyPnL() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDay(p.now())
	return p.dailyPnL
}

// RecordTrade folds one closed trade into the ladder. A win resets the
// losing streak; a loss extends it.
func (p *Protection) RecordTrade(pnl float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rollDay(p.now())
	p.dailyPnL += pnl
	if pnl < 0 {
		p.consecutiveLosses++
	} else {
		p.consecutiveLosses = 0
	}

	next := p.ladder()
	if next != p.mode {
		p.setMode(next)
	}
}

// DailyReset applies the UTC-midnight rollover immediately
func (p *Protection) DailyReset(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDay(now)
}

// ladder maps the tracked counters to a mode
func (p *Protection) ladder() Mode {
	switch {
	case p.consecutiveLosses >= lockdownLossStreak || p.dailyPnL <= lockdownDailyLoss:
		return ModeLockdown
	case p.consecutiveLosses >= defensiveLossStreak:
		return ModeDefensive
	case p.consecutiveLosses >= cautiousLossStreak:
		return ModeCautious
	default:
		return ModeNormal
	}
}

// rollDay resets the daily window and demotes a standing LOCKDOWN to
// DEFENSIVE when a new UTC day begins. Callers hold the mutex.
func (p *Protection) rollDay(now time.Time) {
	today := utcDay(now)
	if !today.After(p.day) {
		return
	}
	p.day = today
	p.dailyPnL = 0
	if p.mode == ModeLockdown {
		p.setMode(ModeDefensive)
	}
}

func (p *Protection) setMode(next Mode) {
	prev := p.mode
	p.mode = next
	p.prom.ProtectionActivation.WithLabelValues(string(next)).Inc()
	p.log.Warn().
		Str("from", string(prev)).
		Str("to", string(next)).
		Int("consecutive_losses", p.consecutiveLosses).
		Float64("daily_pnl", p.dailyPnL).
		Msg("Protection mode changed")
}

func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
