package exchange

import (
	"time"

	"github.com/altvane/tradepilot/internal/indicators"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the execution style of an order
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
	OrderTypeTakeProfit OrderType = "take_profit_market"
)

// OrderStatus represents the current state of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// PositionSide is the direction of an open derivatives position
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Candle is one OHLCV bar, oldest-first in slices
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// SeriesFrom converts candles into indicator input columns
func SeriesFrom(candles []Candle) *indicators.Series {
	s := &indicators.Series{
		Open:   make([]float64, len(candles)),
		High:   make([]float64, len(candles)),
		Low:    make([]float64, len(candles)),
		Close:  make([]float64, len(candles)),
		Volume: make([]float64, len(candles)),
	}
	for i, c := range candles {
		s.Open[i] = c.Open
		s.High[i] = c.High
		s.Low[i] = c.Low
		s.Close[i] = c.Close
		s.Volume[i] = c.Volume
	}
	return s
}

// Balance is the futures wallet state in the quote currency
type Balance struct {
	Total float64 `json:"total"`
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
}

// Position is an open derivatives position
type Position struct {
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	Size             float64      `json:"size"`
	EntryPrice       float64      `json:"entry_price"`
	MarkPrice        float64      `json:"mark_price"`
	UnrealizedPnL    float64      `json:"unrealized_pnl"`
	Leverage         int          `json:"leverage"`
	LiquidationPrice float64      `json:"liquidation_price"`
}

// Notional is the position value at the mark price
func (p *Position) Notional() float64 {
	return p.Size * p.MarkPrice
}

// OrderRequest describes an order to be placed
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Type       OrderType `json:"type"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price,omitempty"`
	StopPrice  float64   `json:"stop_price,omitempty"`
	ReduceOnly bool      `json:"reduce_only,omitempty"`
}

// Order is the exchange's view of a placed order
type Order struct {
	ID           string      `json:"id"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Status       OrderStatus `json:"status"`
	Quantity     float64     `json:"quantity"`
	Price        float64     `json:"price,omitempty"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}
