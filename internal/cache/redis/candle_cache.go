package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tidebot/internal/domain"
)

// CandleCache implements domain.CandleCache using Redis lists.
// Closed bars for one (exchange, symbol, timeframe) live newest-first in a
// list at key "candles:{exchange}:{symbol}:{timeframe}", JSON-encoded and
// trimmed to the caller's retention. Open bars are never pushed.
type CandleCache struct {
	rdb *redis.Client
}

// NewCandleCache creates a CandleCache backed by the given Client.
func NewCandleCache(c *Client) *CandleCache {
	return &CandleCache{rdb: c.Underlying()}
}

func candleKey(exchange, symbol, timeframe string) string {
	return "candles:" + exchange + ":" + symbol + ":" + timeframe
}

// Push appends a closed bar, trimming the list to keep bars and refreshing
// the TTL. Open bars are rejected so indicator reads never see a moving bar.
func (cc *CandleCache) Push(ctx context.Context, c domain.Candle, keep int, ttl time.Duration) error {
	if !c.Closed {
		return domain.NewFault(domain.KindValidationFailed, "open candle cannot be cached")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis: marshal candle %s %s: %w", c.Exchange, c.Symbol, err)
	}

	key := candleKey(c.Exchange, c.Symbol, c.Timeframe)
	pipe := cc.rdb.Pipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, int64(keep)-1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: push candle %s %s: %w", c.Exchange, c.Symbol, err)
	}
	return nil
}

// Recent returns up to n bars, oldest first. It returns domain.ErrNotFound
// when no bars are cached for the key.
func (cc *CandleCache) Recent(ctx context.Context, exchange, symbol, timeframe string, n int) ([]domain.Candle, error) {
	key := candleKey(exchange, symbol, timeframe)
	raws, err := cc.rdb.LRange(ctx, key, 0, int64(n)-1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis: recent candles %s %s: %w", exchange, symbol, err)
	}
	if len(raws) == 0 {
		return nil, domain.ErrNotFound
	}

	// The list is newest-first; unmarshal in reverse to hand back
	// chronological order.
	out := make([]domain.Candle, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var c domain.Candle
		if err := json.Unmarshal([]byte(raws[i]), &c); err != nil {
			return nil, fmt.Errorf("redis: unmarshal candle %s %s: %w", exchange, symbol, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.CandleCache = (*CandleCache)(nil)
