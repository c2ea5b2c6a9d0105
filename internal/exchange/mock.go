package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockExchange is an in-memory paper exchange used for dry-run trading and
// tests. Market orders fill immediately at the last seeded close.
type MockExchange struct {
	mu sync.Mutex

	total    float64
	candles  map[string][]Candle
	position map[string]*Position
	leverage map[string]int
	orders   map[string]*Order

	// failures maps method name to an injected error
	failures map[string]error
}

// NewMockExchange creates a paper exchange with the given starting balance
func NewMockExchange(initialBalance float64) *MockExchange {
	return &MockExchange{
		total:    initialBalance,
		candles:  make(map[string][]Candle),
		position: make(map[string]*Position),
		leverage: make(map[string]int),
		orders:   make(map[string]*Order),
		failures: make(map[string]error),
	}
}

func candleKey(symbol, timeframe string) string {
	return symbol + ":" + timeframe
}

// SeedCandles loads candles for a symbol/timeframe, oldest first
func (m *MockExchange) SeedCandles(symbol, timeframe string, candles []Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[candleKey(symbol, timeframe)] = candles
}

// SetBalance overrides the wallet total
func (m *MockExchange) SetBalance(total float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
}

// FailWith injects an error for one Client method name, e.g. "FetchBalance".
// A nil error clears the injection.
func (m *MockExchange) FailWith(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func (m *MockExchange) injected(method string) error {
	return m.failures[method]
}

// lastPrice returns the most recent close for the symbol across timeframes
func (m *MockExchange) lastPrice(symbol string) float64 {
	for key, candles := range m.candles {
		if len(candles) == 0 {
			continue
		}
		if strings.HasPrefix(key, symbol+":") {
			return candles[len(candles)-1].Close
		}
	}
	return 0
}

// usedMargin sums initial margin across open positions
func (m *MockExchange) usedMargin() float64 {
	used := 0.0
	for _, p := range m.position {
		lev := p.Leverage
		if lev < 1 {
			lev = 1
		}
		used += p.Size * p.EntryPrice / float64(lev)
	}
	return used
}

// FetchBalance implements Client
func (m *MockExchange) FetchBalance(ctx context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("FetchBalance"); err != nil {
		return nil, err
	}

	used := m.usedMargin()
	return &Balance{
		Total: m.total,
		Free:  m.total - used,
		Used:  used,
	}, nil
}

// FetchOHLCV implements Client
func (m *MockExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("FetchOHLCV"); err != nil {
		return nil, err
	}

	candles, ok := m.candles[candleKey(symbol, timeframe)]
	if !ok {
		return nil, fmt.Errorf("no candles seeded for %s %s", symbol, timeframe)
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out, nil
}

// FetchPositions implements Client
func (m *MockExchange) FetchPositions(ctx context.Context, symbols ...string) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("FetchPositions"); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	var positions []Position
	for _, p := range m.position {
		if len(wanted) > 0 && !wanted[p.Symbol] {
			continue
		}
		cp := *p
		if mark := m.lastPrice(p.Symbol); mark > 0 {
			cp.MarkPrice = mark
			if cp.Side == PositionLong {
				cp.UnrealizedPnL = (mark - cp.EntryPrice) * cp.Size
			} else {
				cp.UnrealizedPnL = (cp.EntryPrice - mark) * cp.Size
			}
		}
		positions = append(positions, cp)
	}
	return positions, nil
}

// CreateOrder implements Client. Market orders fill at the last seeded close
// and update the tracked position; limit orders rest as open.
func (m *MockExchange) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CreateOrder"); err != nil {
		return nil, err
	}

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %f", req.Quantity)
	}

	order := &Order{
		ID:        uuid.New().String(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		CreatedAt: time.Now(),
	}

	if req.Type != OrderTypeMarket {
		order.Status = OrderStatusOpen
		m.orders[order.ID] = order
		return order, nil
	}

	fillPrice := m.lastPrice(req.Symbol)
	if fillPrice == 0 {
		fillPrice = req.Price
	}
	if fillPrice == 0 {
		return nil, fmt.Errorf("no price available for %s", req.Symbol)
	}

	lev := m.leverage[req.Symbol]
	if lev < 1 {
		lev = 1
	}

	// New exposure must fit in free margin; reduce-only fills always pass
	if !req.ReduceOnly {
		required := req.Quantity * fillPrice / float64(lev)
		if free := m.total - m.usedMargin(); required > free {
			return nil, fmt.Errorf("%w: need %.2f, free %.2f", ErrInsufficientBalance, required, free)
		}
	}

	m.applyFill(req, fillPrice, lev)

	order.Status = OrderStatusFilled
	order.FilledQty = req.Quantity
	order.AvgFillPrice = fillPrice
	m.orders[order.ID] = order
	return order, nil
}

// applyFill nets a fill into the tracked position for the symbol
func (m *MockExchange) applyFill(req OrderRequest, price float64, lev int) {
	dir := PositionLong
	if req.Side == OrderSideSell {
		dir = PositionShort
	}

	pos, ok := m.position[req.Symbol]
	if !ok {
		m.position[req.Symbol] = &Position{
			Symbol:     req.Symbol,
			Side:       dir,
			Size:       req.Quantity,
			EntryPrice: price,
			MarkPrice:  price,
			Leverage:   lev,
		}
		return
	}

	if pos.Side == dir {
		// Extend: size-weighted entry
		newSize := pos.Size + req.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Size + price*req.Quantity) / newSize
		pos.Size = newSize
		return
	}

	// Opposite side reduces, closes, or flips
	closed := req.Quantity
	if closed > pos.Size {
		closed = pos.Size
	}
	pnl := (price - pos.EntryPrice) * closed
	if pos.Side == PositionShort {
		pnl = -pnl
	}
	m.total += pnl

	remaining := req.Quantity - pos.Size
	switch {
	case remaining < 0:
		pos.Size -= req.Quantity
	case remaining == 0:
		delete(m.position, req.Symbol)
	default:
		m.position[req.Symbol] = &Position{
			Symbol:     req.Symbol,
			Side:       dir,
			Size:       remaining,
			EntryPrice: price,
			MarkPrice:  price,
			Leverage:   lev,
		}
	}
}

// CancelOrder implements Client
func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CancelOrder"); err != nil {
		return err
	}

	order, ok := m.orders[orderID]
	if !ok || order.Symbol != symbol {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status != OrderStatusOpen {
		return fmt.Errorf("order %s is %s, cannot cancel", orderID, order.Status)
	}
	order.Status = OrderStatusCancelled
	return nil
}

// SetLeverage implements Client
func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("SetLeverage"); err != nil {
		return err
	}

	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("invalid leverage %d", leverage)
	}
	m.leverage[symbol] = leverage
	return nil
}

// Close implements Client
func (m *MockExchange) Close() error {
	return nil
}

// Order returns the tracked order by id, for assertions
func (m *MockExchange) Order(id string) (*Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}
