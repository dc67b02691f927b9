package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// TickerCache implements domain.TickerCache using Redis hashes.
// Each symbol's latest ticker is stored as a hash at key
// "ticker:{exchange}:{symbol}" with fields "last", "bid", "ask" and "ts"
// (Unix nanosecond timestamp). The key expires after the caller's TTL so a
// stalled feed surfaces as a missing price, not a stale one.
type TickerCache struct {
	rdb *redis.Client
}

// NewTickerCache creates a TickerCache backed by the given Client.
func NewTickerCache(c *Client) *TickerCache {
	return &TickerCache{rdb: c.Underlying()}
}

func tickerKey(exchange, symbol string) string {
	return "ticker:" + exchange + ":" + symbol
}

// Set stores the latest ticker for a symbol with the given TTL.
func (tc *TickerCache) Set(ctx context.Context, t domain.Ticker, ttl time.Duration) error {
	key := tickerKey(t.Exchange, t.Symbol)
	fields := map[string]interface{}{
		"last": t.Last.String(),
		"bid":  t.Bid.String(),
		"ask":  t.Ask.String(),
		"ts":   strconv.FormatInt(t.Ts.UnixNano(), 10),
	}

	pipe := tc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set ticker %s %s: %w", t.Exchange, t.Symbol, err)
	}
	return nil
}

// Get retrieves the latest ticker for a symbol.
// It returns domain.ErrNotFound when the key does not exist or has expired.
func (tc *TickerCache) Get(ctx context.Context, exchange, symbol string) (domain.Ticker, error) {
	key := tickerKey(exchange, symbol)
	vals, err := tc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: get ticker %s %s: %w", exchange, symbol, err)
	}
	if len(vals) == 0 {
		return domain.Ticker{}, domain.ErrNotFound
	}

	t := domain.Ticker{Exchange: exchange, Symbol: symbol}

	if t.Last, err = parseField(vals, "last"); err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: ticker %s %s: %w", exchange, symbol, err)
	}
	if t.Bid, err = parseField(vals, "bid"); err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: ticker %s %s: %w", exchange, symbol, err)
	}
	if t.Ask, err = parseField(vals, "ask"); err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: ticker %s %s: %w", exchange, symbol, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.Ticker{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: parse ticker ts %s %s: %w", exchange, symbol, err)
	}
	t.Ts = time.Unix(0, tsNano).UTC()

	return t, nil
}

func parseField(vals map[string]string, field string) (decimal.Decimal, error) {
	s, ok := vals[field]
	if !ok {
		return decimal.Decimal{}, domain.ErrNotFound
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

// Compile-time interface check.
var _ domain.TickerCache = (*TickerCache)(nil)
