package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioStore reads capital pools and their rules. Balance mutation goes
// through ReservationStore so the ledger invariant survives crashes.
type PortfolioStore interface {
	GetByID(ctx context.Context, id int64) (Portfolio, error)
	GetByName(ctx context.Context, name string) (Portfolio, error)
	List(ctx context.Context) ([]Portfolio, error)
	ListRules(ctx context.Context, portfolioID int64) ([]PortfolioRule, error)
	// SetAvailable overwrites available_capital; reconciliation repair only.
	SetAvailable(ctx context.Context, id int64, available decimal.Decimal) error
}

// StrategyStore reads and toggles strategy configuration rows.
type StrategyStore interface {
	GetByID(ctx context.Context, id int64) (Strategy, error)
	GetByName(ctx context.Context, name string) (Strategy, error)
	List(ctx context.Context, activeOnly bool) ([]Strategy, error)
	SetActive(ctx context.Context, id int64, active bool) error
	// PortfolioFor resolves strategy_portfolio_map.
	PortfolioFor(ctx context.Context, strategyID int64) (Portfolio, error)
	// EnsureManual returns the reserved pseudo-strategy used for adopted
	// positions, creating it (inactive, mapped to the given portfolio) when
	// missing.
	EnsureManual(ctx context.Context, portfolioID int64) (Strategy, error)
}

// TradeStore is the append-only order journal.
type TradeStore interface {
	// Save inserts the trade; idempotent on exchange_order_id and on
	// client_order_id (a replay returns the existing row's id).
	Save(ctx context.Context, t Trade) (int64, error)
	// UpdateStatus applies a monotonic transition keyed by exchange order id;
	// backward transitions return ErrStaleTransition.
	UpdateStatus(ctx context.Context, exchangeOrderID string, to TradeStatus, fill *FillInfo) error
	// AttachExchangeOrder records the exchange's id for a journal row known
	// so far only by client order id, moving it to submitted.
	AttachExchangeOrder(ctx context.Context, clientOrderID, exchangeOrderID string) error
	// MarkFailed finalizes a row that never reached the exchange.
	MarkFailed(ctx context.Context, clientOrderID string, kind Kind) error
	SetRealizedPnL(ctx context.Context, exchangeOrderID string, pnl decimal.Decimal) error
	GetByExchangeOrderID(ctx context.Context, exchangeOrderID string) (Trade, error)
	GetByClientOrderID(ctx context.Context, clientOrderID string) (Trade, error)
	// GetByReservationID resolves the journal row holding a reservation
	// (timeout sweep and reconciliation repair).
	GetByReservationID(ctx context.Context, reservationID string) (Trade, error)
	// ListOpen returns non-terminal rows (pending, submitted, open, partial).
	ListOpen(ctx context.Context) ([]Trade, error)
	// RealizedPnLSince sums realized PnL for a portfolio's trades after t.
	RealizedPnLSince(ctx context.Context, portfolioID int64, t time.Time) (decimal.Decimal, error)
	// ClosedPnLForStrategy returns recent realized PnL observations for Kelly
	// estimation, newest first.
	ClosedPnLForStrategy(ctx context.Context, strategyID int64, limit int) ([]decimal.Decimal, error)
	// ListTerminalBefore pages terminal rows older than the cutoff (archival).
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]Trade, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
}

// PositionStore persists the derived holdings view.
type PositionStore interface {
	// Upsert atomically replaces the row keyed by (strategy_id, symbol).
	Upsert(ctx context.Context, p Position) error
	Get(ctx context.Context, strategyID int64, symbol string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListByPortfolio(ctx context.Context, portfolioID int64) ([]Position, error)
}

// ReservationStore earmarks capital atomically against a portfolio.
// Reserve/Release/Settle each run in a single transaction; the portfolio row
// is the concurrency-control point.
type ReservationStore interface {
	// Reserve decrements available_capital and records the hold. Fails with
	// ErrInsufficientCapital when the decrement would go negative.
	Reserve(ctx context.Context, portfolioID, strategyID int64, amount decimal.Decimal) (Reservation, error)
	// Release returns a held reservation's amount to available_capital.
	// Idempotent: releasing a non-held reservation is a no-op.
	Release(ctx context.Context, id string) error
	// Settle consumes a held reservation after a fill. cashDelta is the
	// signed quote-currency flow of the fill (negative spend for buys,
	// positive proceeds for sells); available receives amount+cashDelta and
	// total receives cashDelta, keeping the ledger invariant exact.
	Settle(ctx context.Context, id string, cashDelta decimal.Decimal) error
	Get(ctx context.Context, id string) (Reservation, error)
	ListHeld(ctx context.Context) ([]Reservation, error)
	ListHeldByPortfolio(ctx context.Context, portfolioID int64) ([]Reservation, error)
}

// SnapshotStore persists worker state for warm restarts.
type SnapshotStore interface {
	Save(ctx context.Context, strategyID int64, state []byte, barTime time.Time) error
	Load(ctx context.Context, strategyID int64) (state []byte, barTime time.Time, err error)
	Delete(ctx context.Context, strategyID int64) error
}
