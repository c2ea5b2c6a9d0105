package market

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// defaultMoveThresholdPct is the per-symbol price move that fires MoveFunc
const defaultMoveThresholdPct = 1.0

// MoveFunc receives a tick whose price moved past the watcher threshold
// relative to the last reported reference price
type MoveFunc func(md *MarketData, changePct float64)

// Watcher drains the tick queue the collector fills, tracks the latest
// price per symbol, and reports significant moves. It is the in-process
// consumer of the stream pipeline.
type Watcher struct {
	queue        *Queue
	thresholdPct float64
	onMove       MoveFunc
	log          zerolog.Logger

	mu   sync.RWMutex
	last map[string]float64
	ref  map[string]float64
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithMoveThreshold overrides the percent move that triggers MoveFunc
func WithMoveThreshold(pct float64) WatcherOption {
	return func(w *Watcher) { w.thresholdPct = pct }
}

// NewWatcher creates a queue consumer. onMove may be nil; the watcher then
// only maintains last prices.
func NewWatcher(queue *Queue, onMove MoveFunc, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		queue:        queue,
		thresholdPct: defaultMoveThresholdPct,
		onMove:       onMove,
		log:          log.With().Str("component", "market_watcher").Logger(),
		last:         make(map[string]float64),
		ref:          make(map[string]float64),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// LastPrice returns the most recent streamed price for a symbol
func (w *Watcher) LastPrice(symbol string) (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	price, ok := w.last[symbol]
	return price, ok
}

// Run consumes ticks until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	for {
		md, err := w.queue.Pop(ctx)
		if err != nil {
			return err
		}
		w.observe(md)
	}
}

// observe folds one tick into the price state, firing onMove when the
// price has moved past the threshold since the last reference point
func (w *Watcher) observe(md *MarketData) {
	if md.Price <= 0 {
		return
	}

	w.mu.Lock()
	w.last[md.Symbol] = md.Price

	ref, ok := w.ref[md.Symbol]
	if !ok {
		w.ref[md.Symbol] = md.Price
		w.mu.Unlock()
		return
	}

	changePct := (md.Price - ref) / ref * 100
	if math.Abs(changePct) < w.thresholdPct {
		w.mu.Unlock()
		return
	}
	w.ref[md.Symbol] = md.Price
	w.mu.Unlock()

	w.log.Info().
		Str("symbol", md.Symbol).
		Float64("price", md.Price).
		Float64("change_percent", changePct).
		Msg("Significant price move")

	if w.onMove != nil {
		w.onMove(md, changePct)
	}
}
