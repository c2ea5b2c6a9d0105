package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const quoteAsset = "USDT"

// BinanceConfig configures the USD-M futures client
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	Retry     RetryConfig
}

// BinanceClient implements Client against Binance USD-M futures
type BinanceClient struct {
	client  *futures.Client
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	log     zerolog.Logger
}

// NewBinanceClient creates a futures client with retry and circuit breaking
func NewBinanceClient(cfg BinanceConfig) *BinanceClient {
	if cfg.Testnet {
		futures.UseTestnet = true
		log.Info().Msg("Binance futures client initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance futures client initialized (LIVE TRADING mode)")
	}

	logger := log.With().Str("component", "exchange").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Exchange circuit breaker state changed")
		},
	})

	return &BinanceClient{
		client:  futures.NewClient(cfg.APIKey, cfg.SecretKey),
		breaker: breaker,
		retry:   cfg.Retry,
		log:     logger,
	}
}

// call wraps an API operation in the retry policy and circuit breaker
func (b *BinanceClient) call(ctx context.Context, op func() error) error {
	return WithRetry(ctx, b.retry, func() error {
		_, err := b.breaker.Execute(func() (interface{}, error) {
			return nil, op()
		})
		return err
	})
}

// FetchBalance returns the USDT futures wallet state
func (b *BinanceClient) FetchBalance(ctx context.Context) (*Balance, error) {
	var balances []*futures.Balance
	err := b.call(ctx, func() error {
		var apiErr error
		balances, apiErr = b.client.NewGetBalanceService().Do(ctx)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	for _, bal := range balances {
		if bal.Asset != quoteAsset {
			continue
		}
		total, _ := strconv.ParseFloat(bal.Balance, 64)
		free, _ := strconv.ParseFloat(bal.AvailableBalance, 64)
		return &Balance{
			Total: total,
			Free:  free,
			Used:  total - free,
		}, nil
	}
	return nil, fmt.Errorf("fetch balance: no %s balance in response", quoteAsset)
}

// FetchOHLCV returns up to limit candles for symbol/timeframe, oldest first
func (b *BinanceClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	var klines []*futures.Kline
	err := b.call(ctx, func() error {
		var apiErr error
		klines, apiErr = b.client.NewKlinesService().
			Symbol(symbol).
			Interval(timeframe).
			Limit(limit).
			Do(ctx)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch ohlcv %s %s: %w", symbol, timeframe, err)
	}

	candles := make([]Candle, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePrice, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)
		candles = append(candles, Candle{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	return candles, nil
}

// FetchPositions returns open positions, optionally filtered by symbol
func (b *BinanceClient) FetchPositions(ctx context.Context, symbols ...string) ([]Position, error) {
	var risks []*futures.PositionRisk
	err := b.call(ctx, func() error {
		var apiErr error
		risks, apiErr = b.client.NewGetPositionRiskService().Do(ctx)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	var positions []Position
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		if len(wanted) > 0 && !wanted[r.Symbol] {
			continue
		}

		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		liq, _ := strconv.ParseFloat(r.LiquidationPrice, 64)
		leverage, _ := strconv.Atoi(r.Leverage)

		side := PositionLong
		size := amt
		if amt < 0 {
			side = PositionShort
			size = -amt
		}

		positions = append(positions, Position{
			Symbol:           r.Symbol,
			Side:             side,
			Size:             size,
			EntryPrice:       entry,
			MarkPrice:        mark,
			UnrealizedPnL:    pnl,
			Leverage:         leverage,
			LiquidationPrice: liq,
		})
	}
	return positions, nil
}

// CreateOrder places an order on the futures market
func (b *BinanceClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	side := futures.SideTypeBuy
	if req.Side == OrderSideSell {
		side = futures.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(formatQty(req.Quantity))

	switch req.Type {
	case OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(formatQty(req.Price))
	case OrderTypeStopMarket:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(formatQty(req.StopPrice)).
			WorkingType(futures.WorkingTypeMarkPrice)
	case OrderTypeTakeProfit:
		svc = svc.Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(formatQty(req.StopPrice)).
			WorkingType(futures.WorkingTypeMarkPrice)
	default:
		return nil, fmt.Errorf("create order: unsupported type %q", req.Type)
	}

	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	var resp *futures.CreateOrderResponse
	err := b.call(ctx, func() error {
		var apiErr error
		resp, apiErr = svc.Do(ctx)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("create order %s %s: %w", req.Symbol, req.Side, err)
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)

	order := &Order{
		ID:           strconv.FormatInt(resp.OrderID, 10),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Status:       mapOrderStatus(resp.Status),
		Quantity:     req.Quantity,
		Price:        req.Price,
		FilledQty:    filled,
		AvgFillPrice: avgPrice,
		CreatedAt:    time.Now(),
	}

	b.log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("type", string(order.Type)).
		Float64("quantity", order.Quantity).
		Str("status", string(order.Status)).
		Msg("Order placed")

	return order, nil
}

// CancelOrder cancels an open order by exchange order id
func (b *BinanceClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel order: invalid order id %q: %w", orderID, err)
	}

	err = b.call(ctx, func() error {
		_, apiErr := b.client.NewCancelOrderService().
			Symbol(symbol).
			OrderID(id).
			Do(ctx)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("cancel order %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// SetLeverage changes the leverage for a symbol
func (b *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	err := b.call(ctx, func() error {
		_, apiErr := b.client.NewChangeLeverageService().
			Symbol(symbol).
			Leverage(leverage).
			Do(ctx)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("set leverage %s x%d: %w", symbol, leverage, err)
	}

	b.log.Info().Str("symbol", symbol).Int("leverage", leverage).Msg("Leverage updated")
	return nil
}

// Close implements Client; the REST client holds no persistent connections
func (b *BinanceClient) Close() error {
	return nil
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func mapOrderStatus(s futures.OrderStatusType) OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return OrderStatusOpen
	case futures.OrderStatusTypePartiallyFilled:
		return OrderStatusOpen
	case futures.OrderStatusTypeFilled:
		return OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return OrderStatusRejected
	default:
		return OrderStatusPending
	}
}
