package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
	"tidebot/internal/exchange"
)

const (
	defaultStreamURL = "wss://stream.binance.com:9443"

	wsReadLimit    = 1 << 20
	wsPongWait     = 90 * time.Second
	wsPingInterval = 30 * time.Second

	reconnectMin = 2 * time.Second
	reconnectMax = 60 * time.Second
)

// StreamConfig configures one combined market-data stream.
type StreamConfig struct {
	URL        string   // defaults to the production stream endpoint
	Exchange   string   // venue name stamped on every frame
	Symbols    []string // internal "BASE/QUOTE" symbols
	Timeframes []string // kline intervals, e.g. "1m", "5m"
	StaleAfter time.Duration
}

// Stream multiplexes kline and ticker streams over one websocket and
// normalizes frames into domain types. It reconnects forever with exponential
// backoff; Healthy goes false once no frame arrived within StaleAfter.
type Stream struct {
	cfg      StreamConfig
	handlers exchange.StreamHandlers
	byWire   map[string]string
	logger   *slog.Logger

	lastFrame atomic.Int64 // unix nanos of the last decoded frame
}

// NewStream builds a Stream; Run must be called to start it.
func NewStream(cfg StreamConfig, handlers exchange.StreamHandlers, logger *slog.Logger) *Stream {
	if cfg.URL == "" {
		cfg.URL = defaultStreamURL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	byWire := make(map[string]string, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		byWire[wireSymbol(s)] = s
	}
	return &Stream{
		cfg:      cfg,
		handlers: handlers,
		byWire:   byWire,
		logger:   logger.With(slog.String("component", "ws"), slog.String("exchange", cfg.Exchange)),
	}
}

// Healthy reports whether a frame was decoded within the staleness window.
func (s *Stream) Healthy() bool {
	last := s.lastFrame.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < s.cfg.StaleAfter
}

// Run connects and pumps frames until ctx ends. Every disconnect is retried
// with exponential backoff; the error returned is always ctx.Err().
func (s *Stream) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		err := s.connectAndPump(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.WarnContext(ctx, "stream disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (s *Stream) connectAndPump(ctx context.Context) error {
	endpoint := s.streamEndpoint()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	// Binance pings from the server side as well; answering resets our
	// deadline too.
	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	s.logger.InfoContext(ctx, "stream connected", slog.String("url", endpoint))

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pumpCtx, conn)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(payload)
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// streamEndpoint builds the combined-stream URL: one kline stream per
// symbol/timeframe pair plus one 24h ticker stream per symbol.
func (s *Stream) streamEndpoint() string {
	var names []string
	for _, sym := range s.cfg.Symbols {
		wire := strings.ToLower(wireSymbol(sym))
		for _, tf := range s.cfg.Timeframes {
			names = append(names, wire+"@kline_"+tf)
		}
		names = append(names, wire+"@ticker")
	}
	return strings.TrimRight(s.cfg.URL, "/") + "/stream?streams=" + strings.Join(names, "/")
}

func (s *Stream) dispatch(payload []byte) {
	var frame wsCombinedFrame
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Stream == "" {
		return
	}
	s.lastFrame.Store(time.Now().UnixNano())

	switch {
	case strings.Contains(frame.Stream, "@kline_"):
		s.onKline(frame.Data)
	case strings.HasSuffix(frame.Stream, "@ticker"):
		s.onTicker(frame.Data)
	}
}

func (s *Stream) onKline(data json.RawMessage) {
	if s.handlers.OnCandle == nil {
		return
	}
	var ev wsKlineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("bad kline frame", slog.String("error", err.Error()))
		return
	}
	s.handlers.OnCandle(domain.Candle{
		Exchange:  s.cfg.Exchange,
		Symbol:    s.internalSymbol(ev.Symbol),
		Timeframe: ev.Kline.Interval,
		OpenTime:  time.UnixMilli(ev.Kline.OpenTime).UTC(),
		Open:      ev.Kline.Open,
		High:      ev.Kline.High,
		Low:       ev.Kline.Low,
		Close:     ev.Kline.Close,
		Volume:    ev.Kline.Volume,
		Closed:    ev.Kline.Closed,
	})
}

// wsTickerEvent is the 24h rolling ticker frame.
type wsTickerEvent struct {
	Symbol string          `json:"s"`
	Last   decimal.Decimal `json:"c"`
	Bid    decimal.Decimal `json:"b"`
	Ask    decimal.Decimal `json:"a"`
	Ts     int64           `json:"E"`
}

func (s *Stream) onTicker(data json.RawMessage) {
	if s.handlers.OnTicker == nil {
		return
	}
	var ev wsTickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("bad ticker frame", slog.String("error", err.Error()))
		return
	}
	s.handlers.OnTicker(domain.Ticker{
		Exchange: s.cfg.Exchange,
		Symbol:   s.internalSymbol(ev.Symbol),
		Last:     ev.Last,
		Bid:      ev.Bid,
		Ask:      ev.Ask,
		Ts:       time.UnixMilli(ev.Ts).UTC(),
	})
}

func (s *Stream) internalSymbol(wire string) string {
	if sym, ok := s.byWire[wire]; ok {
		return sym
	}
	return wire
}

var _ exchange.Stream = (*Stream)(nil)
