package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is a known value.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType is the order kind sent to the exchange.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// TradeStatus tracks the order lifecycle:
//
//	pending -> submitted -> open -> {partial* -> filled | canceled | rejected | failed}
//
// Terminal statuses are write-once; partial may repeat as fills accumulate.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeSubmitted TradeStatus = "submitted"
	TradeOpen      TradeStatus = "open"
	TradePartial   TradeStatus = "partial"
	TradeFilled    TradeStatus = "filled"
	TradeCanceled  TradeStatus = "canceled"
	TradeRejected  TradeStatus = "rejected"
	TradeFailed    TradeStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeFilled, TradeCanceled, TradeRejected, TradeFailed:
		return true
	}
	return false
}

func (s TradeStatus) rank() int {
	switch s {
	case TradePending:
		return 0
	case TradeSubmitted:
		return 1
	case TradeOpen:
		return 2
	case TradePartial:
		return 3
	case TradeFilled, TradeCanceled, TradeRejected, TradeFailed:
		return 4
	}
	return -1
}

// CanTransition reports whether moving from -> to is a legal, monotonic step
// of the status machine. Backward transitions and writes past a terminal
// status are rejected; partial -> partial is allowed (fills accumulate).
func CanTransition(from, to TradeStatus) bool {
	if from.rank() < 0 || to.rank() < 0 {
		return false
	}
	if from.Terminal() {
		return false
	}
	if from == TradePartial && to == TradePartial {
		return true
	}
	return to.rank() > from.rank()
}

// Trade is one row of the append-only order journal. ClientOrderID carries
// the proposal_id and doubles as the exchange-side idempotency key;
// ExchangeOrderID is unique once known.
type Trade struct {
	ID              int64
	StrategyID      int64
	PortfolioID     int64
	Exchange        string
	Symbol          string
	ExchangeOrderID string
	ClientOrderID   string
	ReservationID   string
	Type            OrderType
	Side            Side
	Amount          decimal.Decimal
	Price           decimal.NullDecimal
	FilledAmount    decimal.Decimal
	AvgFillPrice    decimal.NullDecimal
	Fee             decimal.NullDecimal
	FeeCurrency     string
	RealizedPnL     decimal.NullDecimal
	Status          TradeStatus
	ErrorKind       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FillInfo carries fill details alongside a status update.
type FillInfo struct {
	FilledAmount decimal.Decimal
	AvgFillPrice decimal.NullDecimal
	Fee          decimal.NullDecimal
	FeeCurrency  string
}
