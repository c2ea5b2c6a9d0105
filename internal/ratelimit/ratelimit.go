// Package ratelimit provides a Redis-backed sliding-window limiter shared
// across processes, with an in-process token-bucket fallback when Redis is
// unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Limiter enforces at most maxEvents per window for each key
type Limiter struct {
	client    *redis.Client
	maxEvents int
	window    time.Duration

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

// New creates a sliding-window limiter
func New(client *redis.Client, maxEvents int, window time.Duration) *Limiter {
	return &Limiter{
		client:    client,
		maxEvents: maxEvents,
		window:    window,
		fallback:  make(map[string]*rate.Limiter),
	}
}

func limiterKey(key string) string {
	return "rate_limit:" + key
}

// Allow reports whether one more event fits in the window for key.
// Redis failures fall back to the in-process limiter rather than blocking.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	ok, err := l.allowRedis(ctx, key)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Rate limiter falling back to in-process")
		return l.allowLocal(key)
	}
	return ok
}

// allowRedis runs the sorted-set sliding window: trim expired members,
// count, and record the event inside one pipeline.
func (l *Limiter) allowRedis(ctx context.Context, key string) (bool, error) {
	if l.client == nil {
		return false, fmt.Errorf("no redis client")
	}

	now := time.Now()
	rkey := limiterKey(key)
	windowStart := now.Add(-l.window)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit window trim: %w", err)
	}

	if countCmd.Val() >= int64(l.maxEvents) {
		return false, nil
	}

	add := l.client.TxPipeline()
	add.ZAdd(ctx, rkey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.New().String(),
	})
	add.Expire(ctx, rkey, l.window)
	if _, err := add.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit record: %w", err)
	}
	return true, nil
}

// allowLocal approximates the window with a token bucket per key
func (l *Limiter) allowLocal(key string) bool {
	l.mu.Lock()
	lim, ok := l.fallback[key]
	if !ok {
		perSecond := float64(l.maxEvents) / l.window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), l.maxEvents)
		l.fallback[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
