// Package connector is the only exchange-facing component: it pumps market
// data onto the bus, executes approved trade commands, and answers
// reconciliation snapshot requests. Exchange credentials live here and
// nowhere else.
package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tidebot/internal/domain"
	"tidebot/internal/exchange"
)

// FeedConfig tunes the market-data path.
type FeedConfig struct {
	Exchange   string
	Symbols    []string
	Timeframes []string

	TickerTTL  time.Duration
	CandleTTL  time.Duration
	CandleKeep int

	// PollInterval is the REST fallback cadence while the websocket is down.
	PollInterval time.Duration
}

// Feed normalizes market data onto the bus and into the short-TTL caches.
// Frames normally arrive over the websocket; when the stream goes stale a
// circuit breaker flips the symbols to REST polling until frames flow again.
type Feed struct {
	cfg     FeedConfig
	bus     domain.Bus
	tickers domain.TickerCache
	candles domain.CandleCache
	rest    exchange.Exchange
	stream  exchange.Stream
	limiter domain.RateLimiter
	logger  *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time // symbol|timeframe -> newest published open time
	polling  bool
}

// NewFeed builds the feed. Call Handlers before constructing the websocket
// stream, then SetStream with the built stream, then Run.
func NewFeed(cfg FeedConfig, bus domain.Bus, tickers domain.TickerCache, candles domain.CandleCache,
	rest exchange.Exchange, limiter domain.RateLimiter, logger *slog.Logger) *Feed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &Feed{
		cfg:      cfg,
		bus:      bus,
		tickers:  tickers,
		candles:  candles,
		rest:     rest,
		limiter:  limiter,
		logger:   logger.With(slog.String("component", "feed")),
		lastSeen: make(map[string]time.Time),
	}
}

// Handlers returns the stream callbacks that route frames through the feed.
func (f *Feed) Handlers() exchange.StreamHandlers {
	return exchange.StreamHandlers{
		OnCandle: f.onCandle,
		OnTicker: f.onTicker,
	}
}

// SetStream attaches the websocket stream whose health drives the circuit
// breaker.
func (f *Feed) SetStream(s exchange.Stream) { f.stream = s }

// Run drives the websocket stream and the REST fallback until ctx ends.
func (f *Feed) Run(ctx context.Context) error {
	if f.stream != nil {
		go func() {
			_ = f.stream.Run(ctx)
		}()
	}

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.checkCircuit(ctx)
		}
	}
}

func (f *Feed) checkCircuit(ctx context.Context) {
	healthy := f.stream != nil && f.stream.Healthy()

	f.mu.Lock()
	wasPolling := f.polling
	f.polling = !healthy
	f.mu.Unlock()

	if healthy {
		if wasPolling {
			f.logger.InfoContext(ctx, "stream recovered, rest polling off")
		}
		return
	}
	if !wasPolling {
		f.logger.WarnContext(ctx, "stream unhealthy, falling back to rest polling")
	}
	f.poll(ctx)
}

// poll fetches tickers and recent candles over REST for every symbol. Runs
// under the market_data endpoint budget.
func (f *Feed) poll(ctx context.Context) {
	for _, sym := range f.cfg.Symbols {
		if err := f.limiter.Wait(ctx, "market_data"); err != nil {
			return
		}
		if tk, err := f.rest.TickerPrice(ctx, sym); err == nil {
			f.onTicker(tk)
		} else {
			f.logger.WarnContext(ctx, "rest ticker failed",
				slog.String("symbol", sym), slog.String("error", err.Error()))
		}

		for _, tf := range f.cfg.Timeframes {
			if err := f.limiter.Wait(ctx, "market_data"); err != nil {
				return
			}
			candles, err := f.rest.Klines(ctx, sym, tf, 3)
			if err != nil {
				f.logger.WarnContext(ctx, "rest klines failed",
					slog.String("symbol", sym), slog.String("timeframe", tf),
					slog.String("error", err.Error()))
				continue
			}
			for _, c := range candles {
				f.onCandle(c)
			}
		}
	}
}

// onCandle publishes the bar on its market-data key and caches it once
// closed. Re-polled bars are deduplicated by open time so the REST fallback
// never double-publishes.
func (f *Feed) onCandle(c domain.Candle) {
	if c.Closed && !f.markSeen(c) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := domain.MarketDataKey(c.Exchange, c.Symbol)
	if err := f.bus.Publish(ctx, key, c); err != nil {
		f.logger.Warn("publish candle failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	if c.Closed {
		if err := f.candles.Push(ctx, c, f.cfg.CandleKeep, f.cfg.CandleTTL); err != nil {
			f.logger.Warn("cache candle failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}

func (f *Feed) onTicker(t domain.Ticker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.tickers.Set(ctx, t, f.cfg.TickerTTL); err != nil {
		f.logger.Warn("cache ticker failed",
			slog.String("symbol", t.Symbol), slog.String("error", err.Error()))
	}
}

// markSeen records a closed bar and reports whether it is new for its
// symbol/timeframe.
func (f *Feed) markSeen(c domain.Candle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := c.Symbol + "|" + c.Timeframe
	if last, ok := f.lastSeen[k]; ok && !c.OpenTime.After(last) {
		return false
	}
	f.lastSeen[k] = c.OpenTime
	return true
}
