package exchange

import (
	"context"
	"errors"
)

// ErrInsufficientBalance marks orders the wallet cannot cover
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrOrderNotFound marks cancel attempts on unknown orders
var ErrOrderNotFound = errors.New("order not found")

// Client is the exchange surface the trading core depends on.
// Implementations: BinanceClient (USD-M futures) and MockExchange (paper).
type Client interface {
	// FetchBalance returns the quote-currency wallet state
	FetchBalance(ctx context.Context) (*Balance, error)

	// FetchOHLCV returns up to limit candles for symbol/timeframe, oldest first
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)

	// FetchPositions returns open positions, optionally filtered by symbol
	FetchPositions(ctx context.Context, symbols ...string) ([]Position, error)

	// CreateOrder places an order and returns the exchange's record of it
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// CancelOrder cancels an open order by exchange order id
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// SetLeverage changes the leverage for a symbol
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Close releases any held connections
	Close() error
}
