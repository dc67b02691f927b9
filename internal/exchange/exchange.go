// Package exchange defines the internal contract the connector programs
// against. Each venue (Binance spot is the reference implementation) adapts
// its REST and websocket surfaces to this small, stable interface; external
// chaos never leaks past it.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// ErrOrderNotFound is returned by OrderByClientID when the venue has no order
// for the client id. Callers treat it as "safe to submit", not as a failure.
var ErrOrderNotFound = errors.New("exchange: order not found")

// OrderRequest is a normalized order the connector submits to a venue.
// ClientOrderID carries the proposal id so retried submissions are
// deduplicated exchange-side.
type OrderRequest struct {
	Symbol        string
	Side          domain.Side
	Type          domain.OrderType
	Amount        decimal.Decimal
	Price         decimal.NullDecimal // limit orders only
	ClientOrderID string
}

// Exchange is the venue contract. Implementations must classify every failure
// into the domain error taxonomy (exchange_transient, exchange_permanent,
// rate_limited, timeout) so callers can decide retry vs terminal event without
// knowing the venue.
type Exchange interface {
	// Name returns the configured venue name (routing-key segment).
	Name() string

	// PlaceOrder submits an order and returns the venue's view of it.
	PlaceOrder(ctx context.Context, req OrderRequest) (domain.ExchangeOrder, error)
	// CancelOrder cancels an open order.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	// OrderByClientID looks an order up by its client order id; used before a
	// retried submission to avoid duplicates.
	OrderByClientID(ctx context.Context, symbol, clientOrderID string) (domain.ExchangeOrder, error)
	// OpenOrders lists every open order on the account.
	OpenOrders(ctx context.Context) ([]domain.ExchangeOrder, error)
	// Balances reports account holdings per currency.
	Balances(ctx context.Context) ([]domain.Balance, error)

	// Klines fetches the most recent closed candles, oldest first.
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error)
	// TickerPrice fetches the current best bid/ask and last price.
	TickerPrice(ctx context.Context, symbol string) (domain.Ticker, error)
}

// Stream delivers normalized market data frames. Implementations reconnect
// with exponential backoff; Healthy reports whether frames are flowing so the
// connector's circuit breaker can switch symbols to REST polling.
type Stream interface {
	// Run blocks, delivering frames to the handlers until ctx ends.
	Run(ctx context.Context) error
	// Healthy reports whether the stream delivered a frame recently.
	Healthy() bool
}

// StreamHandlers receives normalized frames from a Stream.
type StreamHandlers struct {
	OnCandle func(domain.Candle)
	OnTicker func(domain.Ticker)
}

// Snapshot assembles exchange ground truth for reconciliation: open orders,
// balances, and spot positions derived from balances over the traded symbol
// universe.
func Snapshot(ctx context.Context, ex Exchange, symbols []string) (domain.ExchangeSnapshot, error) {
	orders, err := ex.OpenOrders(ctx)
	if err != nil {
		return domain.ExchangeSnapshot{}, err
	}
	balances, err := ex.Balances(ctx)
	if err != nil {
		return domain.ExchangeSnapshot{}, err
	}
	return domain.ExchangeSnapshot{
		Exchange:  ex.Name(),
		Orders:    orders,
		Positions: PositionsFromBalances(balances, symbols),
		Balances:  balances,
		TakenAt:   time.Now().UTC(),
	}, nil
}

// PositionsFromBalances derives spot "positions" from non-zero base-currency
// balances over the traded symbol universe. Spot venues have no native
// position endpoint; holding the base asset of a traded symbol is the
// position. Entry price is unknown at this layer.
func PositionsFromBalances(balances []domain.Balance, symbols []string) []domain.ExchangePosition {
	byCurrency := make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		byCurrency[b.Currency] = b.Total()
	}

	var out []domain.ExchangePosition
	for _, sym := range symbols {
		base := BaseCurrency(sym)
		if base == "" {
			continue
		}
		total, ok := byCurrency[base]
		if !ok || total.IsZero() {
			continue
		}
		out = append(out, domain.ExchangePosition{Symbol: sym, Size: total})
	}
	return out
}

// BaseCurrency extracts the base currency from a "BASE/QUOTE" symbol.
func BaseCurrency(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i]
		}
	}
	return ""
}
