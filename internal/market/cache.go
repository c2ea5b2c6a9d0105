package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/altvane/tradepilot/internal/exchange"
)

// cacheOpTimeout bounds cache round-trips so a slow Redis never blocks a
// strategy tick
const cacheOpTimeout = 500 * time.Millisecond

// CandleCache stores recent OHLCV series in Redis under
// market:candles:{symbol}:{timeframe}
type CandleCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCandleCache creates a candle cache. A zero ttl defaults to 60s.
func NewCandleCache(client *redis.Client, ttl time.Duration) *CandleCache {
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &CandleCache{client: client, ttl: ttl}
}

func candleCacheKey(symbol, timeframe string) string {
	return fmt.Sprintf("market:candles:%s:%s", symbol, timeframe)
}

// Put stores the candle series, replacing any previous entry
func (c *CandleCache) Put(ctx context.Context, symbol, timeframe string, candles []exchange.Candle) error {
	payload, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("marshal candles: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	key := candleCacheKey(symbol, timeframe)
	if err := c.client.Set(opCtx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache candles %s: %w", key, err)
	}
	return nil
}

// Get returns up to limit cached candles, oldest first.
// A miss or a cache error returns (nil, false); misses never fail callers.
func (c *CandleCache) Get(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, bool) {
	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	key := candleCacheKey(symbol, timeframe)
	raw, err := c.client.Get(opCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("Candle cache read error, treating as miss")
		}
		return nil, false
	}

	var candles []exchange.Candle
	if err := json.Unmarshal([]byte(raw), &candles); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Corrupt candle cache entry")
		return nil, false
	}

	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, true
}

// Feed fetches candles cache-first, falling back to the exchange and
// refreshing the cache on a miss.
type Feed struct {
	cache  *CandleCache
	client exchange.Client
}

// NewFeed creates a cache-first candle feed
func NewFeed(cache *CandleCache, client exchange.Client) *Feed {
	return &Feed{cache: cache, client: client}
}

// Candles returns at least limit candles for symbol/timeframe when available
func (f *Feed) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	if cached, ok := f.cache.Get(ctx, symbol, timeframe, limit); ok && len(cached) >= limit {
		return cached, nil
	}

	candles, err := f.client.FetchOHLCV(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s %s: %w", symbol, timeframe, err)
	}

	if err := f.cache.Put(ctx, symbol, timeframe, candles); err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("Candle cache refresh failed")
	}
	return candles, nil
}
