// Package binance adapts the Binance spot REST and websocket APIs to the
// exchange contract. All prices and quantities cross this boundary as
// decimals; Binance error codes are folded into the domain error taxonomy so
// the connector can pick retry or terminal handling without venue knowledge.
package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tidebot/internal/crypto"
	"tidebot/internal/domain"
	"tidebot/internal/exchange"
)

const (
	defaultBaseURL = "https://api.binance.com"
	defaultTimeout = 10 * time.Second
)

// Config carries the venue-specific knobs for one Binance account.
type Config struct {
	Name    string        // routing-key segment, e.g. "binance"
	BaseURL string        // defaults to the production spot API
	Timeout time.Duration // per-request HTTP timeout
	Symbols []string      // internal "BASE/QUOTE" universe this account trades
}

// Client is the Binance spot REST client.
type Client struct {
	name           string
	http           *resty.Client
	auth           *crypto.HMACAuth
	internalByWire map[string]string
	logger         *slog.Logger
}

// New builds a Client for one account. The symbol universe drives wire symbol
// translation both ways; orders for symbols outside it still round-trip, they
// just keep their wire form.
func New(cfg Config, auth *crypto.HMACAuth, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	httpc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	byWire := make(map[string]string, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		byWire[wireSymbol(s)] = s
	}

	return &Client{
		name:           cfg.Name,
		http:           httpc,
		auth:           auth,
		internalByWire: byWire,
		logger:         logger.With(slog.String("component", "exchange"), slog.String("exchange", cfg.Name)),
	}
}

// Name returns the configured venue name.
func (c *Client) Name() string { return c.name }

// PlaceOrder submits a spot order. The request's ClientOrderID becomes
// newClientOrderId so a resubmission with the same id is rejected
// exchange-side instead of double-filling.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (domain.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", wireSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", req.Amount.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "FULL")
	if req.Type == domain.OrderLimit {
		if !req.Price.Valid {
			return domain.ExchangeOrder{}, domain.NewFault(domain.KindValidationFailed, "limit order without price")
		}
		params.Set("price", req.Price.Decimal.String())
		params.Set("timeInForce", "GTC")
	}

	var out orderResponse
	if err := c.signed(ctx, http.MethodPost, "/api/v3/order", params, &out); err != nil {
		return domain.ExchangeOrder{}, err
	}
	return c.toExchangeOrder(out), nil
}

// CancelOrder cancels an open order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", wireSymbol(symbol))
	params.Set("orderId", exchangeOrderID)

	var out orderResponse
	return c.signed(ctx, http.MethodDelete, "/api/v3/order", params, &out)
}

// OrderByClientID looks up an order by its client order id. Returns
// exchange.ErrOrderNotFound when Binance has never seen the id.
func (c *Client) OrderByClientID(ctx context.Context, symbol, clientOrderID string) (domain.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", wireSymbol(symbol))
	params.Set("origClientOrderId", clientOrderID)

	var out orderResponse
	if err := c.signed(ctx, http.MethodGet, "/api/v3/order", params, &out); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == codeOrderNotFound {
			return domain.ExchangeOrder{}, exchange.ErrOrderNotFound
		}
		return domain.ExchangeOrder{}, err
	}
	return c.toExchangeOrder(out), nil
}

// OpenOrders lists every open order on the account across all symbols.
func (c *Client) OpenOrders(ctx context.Context) ([]domain.ExchangeOrder, error) {
	var rows []orderResponse
	if err := c.signed(ctx, http.MethodGet, "/api/v3/openOrders", url.Values{}, &rows); err != nil {
		return nil, err
	}
	out := make([]domain.ExchangeOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, c.toExchangeOrder(r))
	}
	return out, nil
}

// Balances reports non-zero account holdings.
func (c *Client) Balances(ctx context.Context) ([]domain.Balance, error) {
	var acct accountResponse
	if err := c.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &acct); err != nil {
		return nil, err
	}
	var out []domain.Balance
	for _, b := range acct.Balances {
		if b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		out = append(out, domain.Balance{Currency: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	return out, nil
}

// Klines fetches recent candles, oldest first, dropping the still-forming
// last row so callers only ever see closed candles.
func (c *Client) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("symbol", wireSymbol(symbol))
	params.Set("interval", timeframe)
	// Fetch one extra because the newest row is usually still open.
	params.Set("limit", fmt.Sprintf("%d", limit+1))

	resp, err := c.http.R().SetContext(ctx).SetQueryParamsFromValues(params).Get("/api/v3/klines")
	if err != nil {
		return nil, c.classifyTransport(err)
	}
	if resp.IsError() {
		return nil, c.classifyAPI(resp.StatusCode(), resp.Body())
	}

	rows, err := parseKlines(resp.Body())
	if err != nil {
		return nil, domain.WrapFault(domain.KindExchangePermanent, "decode klines", err)
	}

	now := time.Now()
	candles := make([]domain.Candle, 0, len(rows))
	for _, r := range rows {
		if r.closeTime.After(now) {
			continue // still forming
		}
		candles = append(candles, domain.Candle{
			Exchange:  c.name,
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  r.openTime,
			Open:      r.open,
			High:      r.high,
			Low:       r.low,
			Close:     r.close,
			Volume:    r.volume,
			Closed:    true,
		})
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// TickerPrice fetches the current best bid/ask plus last traded price.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (domain.Ticker, error) {
	wire := wireSymbol(symbol)

	var book bookTicker
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("symbol", wire).
		SetResult(&book).
		Get("/api/v3/ticker/bookTicker")
	if err != nil {
		return domain.Ticker{}, c.classifyTransport(err)
	}
	if resp.IsError() {
		return domain.Ticker{}, c.classifyAPI(resp.StatusCode(), resp.Body())
	}

	var last priceTicker
	resp, err = c.http.R().SetContext(ctx).
		SetQueryParam("symbol", wire).
		SetResult(&last).
		Get("/api/v3/ticker/price")
	if err != nil {
		return domain.Ticker{}, c.classifyTransport(err)
	}
	if resp.IsError() {
		return domain.Ticker{}, c.classifyAPI(resp.StatusCode(), resp.Body())
	}

	return domain.Ticker{
		Exchange: c.name,
		Symbol:   symbol,
		Last:     last.Price,
		Bid:      book.BidPrice,
		Ask:      book.AskPrice,
		Ts:       time.Now().UTC(),
	}, nil
}

// signed issues an HMAC-signed request. Signed endpoints carry every
// parameter in the query string, including POSTs.
func (c *Client) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	q := c.auth.SignQuery(params)
	name, value := c.auth.HeaderKey()

	resp, err := c.http.R().SetContext(ctx).
		SetHeader(name, value).
		SetQueryParamsFromValues(q).
		SetResult(out).
		Execute(method, path)
	if err != nil {
		return c.classifyTransport(err)
	}
	if resp.IsError() {
		return c.classifyAPI(resp.StatusCode(), resp.Body())
	}
	return nil
}

func (c *Client) internalSymbol(wire string) string {
	if s, ok := c.internalByWire[wire]; ok {
		return s
	}
	return wire
}

type klineRow struct {
	openTime  time.Time
	closeTime time.Time
	open      decimal.Decimal
	high      decimal.Decimal
	low       decimal.Decimal
	close     decimal.Decimal
	volume    decimal.Decimal
}

// parseKlines decodes the positional array-of-arrays kline payload.
func parseKlines(body []byte) ([]klineRow, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw [][]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	rows := make([]klineRow, 0, len(raw))
	for i, r := range raw {
		if len(r) < 7 {
			return nil, fmt.Errorf("kline row %d: want 7+ fields, got %d", i, len(r))
		}
		openMs, err := cellInt(r[0])
		if err != nil {
			return nil, fmt.Errorf("kline row %d open time: %w", i, err)
		}
		closeMs, err := cellInt(r[6])
		if err != nil {
			return nil, fmt.Errorf("kline row %d close time: %w", i, err)
		}
		row := klineRow{
			openTime:  time.UnixMilli(openMs).UTC(),
			closeTime: time.UnixMilli(closeMs).UTC(),
		}
		for j, dst := range []*decimal.Decimal{&row.open, &row.high, &row.low, &row.close, &row.volume} {
			d, err := cellDecimal(r[j+1])
			if err != nil {
				return nil, fmt.Errorf("kline row %d field %d: %w", i, j+1, err)
			}
			*dst = d
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func cellInt(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("not a number: %T", v)
	}
	return n.Int64()
}

func cellDecimal(v any) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("not a string: %T", v)
	}
	return decimal.NewFromString(s)
}

var _ exchange.Exchange = (*Client)(nil)
