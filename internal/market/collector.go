package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// defaultStreamURL is the Binance USD-M futures combined-stream endpoint
	defaultStreamURL = "wss://fstream.binance.com/stream"

	// reconnectBackoff paces reconnect attempts after a dropped stream
	reconnectBackoff = 5 * time.Second

	readDeadline = 90 * time.Second
)

// MarketData is one normalized tick from the exchange stream
type MarketData struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// Queue is a bounded tick buffer shared between the collector and the
// strategy loops. On overflow the oldest tick is dropped and the push is
// retried once; a tick that still does not fit is counted and discarded.
type Queue struct {
	ch      chan *MarketData
	dropped atomic.Int64
}

// NewQueue creates a bounded tick queue
func NewQueue(size int) *Queue {
	return &Queue{ch: make(chan *MarketData, size)}
}

// Push offers a tick without blocking. Reports whether the tick was kept.
func (q *Queue) Push(md *MarketData) bool {
	select {
	case q.ch <- md:
		return true
	default:
	}

	// Full: evict the oldest and retry once
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- md:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop blocks until a tick arrives or ctx expires
func (q *Queue) Pop(ctx context.Context) (*MarketData, error) {
	select {
	case md := <-q.ch:
		return md, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of buffered ticks
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns how many ticks were discarded after eviction
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Collector maintains one WebSocket subscription for a set of symbols and
// pushes every tick into the shared queue.
type Collector struct {
	url     string
	symbols []string
	queue   *Queue
	log     zerolog.Logger
}

// CollectorOption configures a Collector
type CollectorOption func(*Collector)

// WithStreamURL overrides the stream endpoint, used by tests
func WithStreamURL(url string) CollectorOption {
	return func(c *Collector) { c.url = url }
}

// NewCollector creates a tick collector for the given symbols
func NewCollector(symbols []string, queue *Queue, opts ...CollectorOption) *Collector {
	c := &Collector{
		url:     defaultStreamURL,
		symbols: symbols,
		queue:   queue,
		log:     log.With().Str("component", "market_collector").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// streamPath builds the combined-stream query for the subscribed symbols
func (c *Collector) streamPath() string {
	streams := make([]string, 0, len(c.symbols))
	for _, s := range c.symbols {
		streams = append(streams, strings.ToLower(s)+"@aggTrade")
	}
	return c.url + "?streams=" + strings.Join(streams, "/")
}

// Run connects and pumps ticks until ctx is cancelled, reconnecting on error
func (c *Collector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.pump(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Dur("backoff", reconnectBackoff).Msg("Stream dropped, reconnecting")
		}

		select {
		case <-time.After(reconnectBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Collector) pump(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.streamPath(), nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	c.log.Info().Int("symbols", len(c.symbols)).Msg("Market stream connected")

	// Unblock ReadMessage when the context is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}

		md, err := parseTick(payload)
		if err != nil {
			c.log.Debug().Err(err).Msg("Unparseable stream message skipped")
			continue
		}

		if !c.queue.Push(md) {
			c.log.Warn().
				Str("symbol", md.Symbol).
				Int64("dropped_total", c.queue.Dropped()).
				Msg("Tick queue saturated, tick dropped")
		}
	}
}

// aggTradeEvent is the Binance combined-stream aggTrade envelope
type aggTradeEvent struct {
	Data struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Quantity  string `json:"q"`
		TradeTime int64  `json:"T"`
	} `json:"data"`
}

// parseTick normalizes one stream payload into MarketData
func parseTick(payload []byte) (*MarketData, error) {
	var evt aggTradeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}
	if evt.Data.EventType != "aggTrade" || evt.Data.Symbol == "" {
		return nil, fmt.Errorf("unexpected stream event %q", evt.Data.EventType)
	}

	price, err := strconv.ParseFloat(evt.Data.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", evt.Data.Price, err)
	}
	qty, err := strconv.ParseFloat(evt.Data.Quantity, 64)
	if err != nil {
		return nil, fmt.Errorf("parse quantity %q: %w", evt.Data.Quantity, err)
	}

	return &MarketData{
		Symbol:    evt.Data.Symbol,
		Price:     price,
		Quantity:  qty,
		Timestamp: time.UnixMilli(evt.Data.TradeTime),
	}, nil
}
