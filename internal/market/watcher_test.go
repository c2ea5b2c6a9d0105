package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedMove struct {
	symbol    string
	price     float64
	changePct float64
}

func watcherFixture(thresholdPct float64) (*Watcher, *[]recordedMove) {
	moves := &[]recordedMove{}
	w := NewWatcher(NewQueue(16), func(md *MarketData, changePct float64) {
		*moves = append(*moves, recordedMove{md.Symbol, md.Price, changePct})
	}, WithMoveThreshold(thresholdPct))
	return w, moves
}

func TestWatcherTracksLastPrice(t *testing.T) {
	w, _ := watcherFixture(1.0)

	w.observe(tick("BTCUSDT", 50000))
	w.observe(tick("BTCUSDT", 50100))
	w.observe(tick("ETHUSDT", 3000))

	price, ok := w.LastPrice("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50100.0, price)

	price, ok = w.LastPrice("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 3000.0, price)

	_, ok = w.LastPrice("SOLUSDT")
	assert.False(t, ok)
}

func TestWatcherFiresOnThresholdMove(t *testing.T) {
	w, moves := watcherFixture(1.0)

	w.observe(tick("BTCUSDT", 50000)) // reference
	w.observe(tick("BTCUSDT", 50400)) // +0.8%, below threshold
	require.Empty(t, *moves)

	w.observe(tick("BTCUSDT", 50600)) // +1.2% from reference
	require.Len(t, *moves, 1)
	assert.Equal(t, "BTCUSDT", (*moves)[0].symbol)
	assert.InDelta(t, 1.2, (*moves)[0].changePct, 1e-9)

	// Reference resets to the firing price
	w.observe(tick("BTCUSDT", 50700)) // +0.2% from new reference
	assert.Len(t, *moves, 1)
}

func TestWatcherFiresOnDownMove(t *testing.T) {
	w, moves := watcherFixture(1.0)

	w.observe(tick("ETHUSDT", 3000))
	w.observe(tick("ETHUSDT", 2960)) // -1.33%

	require.Len(t, *moves, 1)
	assert.InDelta(t, -4.0/3, (*moves)[0].changePct, 1e-9)
}

func TestWatcherIgnoresBadTicks(t *testing.T) {
	w, moves := watcherFixture(1.0)

	w.observe(tick("BTCUSDT", 0))
	w.observe(tick("BTCUSDT", -1))

	_, ok := w.LastPrice("BTCUSDT")
	assert.False(t, ok)
	assert.Empty(t, *moves)
}

func TestWatcherRunDrainsQueue(t *testing.T) {
	q := NewQueue(16)
	var moves []recordedMove
	w := NewWatcher(q, func(md *MarketData, changePct float64) {
		moves = append(moves, recordedMove{md.Symbol, md.Price, changePct})
	})

	require.True(t, q.Push(tick("BTCUSDT", 50000)))
	require.True(t, q.Push(tick("BTCUSDT", 51000))) // +2%

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		price, ok := w.LastPrice("BTCUSDT")
		return ok && price == 51000
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.Len(t, moves, 1)
	assert.InDelta(t, 2.0, moves[0].changePct, 1e-9)
}
