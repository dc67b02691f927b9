package domain

import (
	"context"
	"time"
)

// TickerCache serves repeated price reads without hitting the exchange. The
// TTL must stay strictly shorter than any trading decision horizon.
type TickerCache interface {
	Set(ctx context.Context, t Ticker, ttl time.Duration) error
	Get(ctx context.Context, exchange, symbol string) (Ticker, error)
}

// CandleCache keeps the most recent closed bars per (exchange, symbol,
// timeframe). Written by the connector, read by the Capital Manager for
// ATR-based sizing.
type CandleCache interface {
	Push(ctx context.Context, c Candle, keep int, ttl time.Duration) error
	// Recent returns up to n bars, oldest first.
	Recent(ctx context.Context, exchange, symbol, timeframe string, n int) ([]Candle, error)
}

// RateLimiter provides distributed rate limiting (shared across restarts).
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
