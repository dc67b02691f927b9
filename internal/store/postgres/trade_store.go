package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. The trades table
// is the append-only order journal: rows are inserted once, keyed by
// client_order_id, and only move forward through the status machine.
type TradeStore struct {
	pool *pgxpool.Pool
	// read serves lag-tolerant queries (archival paging, PnL history).
	read *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore. read may equal pool when no replica
// is configured.
func NewTradeStore(pool, read *pgxpool.Pool) *TradeStore {
	if read == nil {
		read = pool
	}
	return &TradeStore{pool: pool, read: read}
}

const tradeSelectCols = `id, strategy_id, portfolio_id, exchange, symbol,
	COALESCE(exchange_order_id, ''), client_order_id, COALESCE(reservation_id, ''),
	order_type, side, amount::text, price::text, filled_amount::text,
	avg_fill_price::text, fee::text, COALESCE(fee_currency, ''), realized_pnl::text,
	status, COALESCE(error_kind, ''), created_at, updated_at`

func scanTradeRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Trade, error) {
	var t domain.Trade
	var orderType, side, status string
	var amount, filled string
	var price, avgFill, fee, pnl *string

	err := scanner.Scan(
		&t.ID, &t.StrategyID, &t.PortfolioID, &t.Exchange, &t.Symbol,
		&t.ExchangeOrderID, &t.ClientOrderID, &t.ReservationID,
		&orderType, &side, &amount, &price, &filled,
		&avgFill, &fee, &t.FeeCurrency, &pnl,
		&status, &t.ErrorKind, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}

	t.Type = domain.OrderType(orderType)
	t.Side = domain.Side(side)
	t.Status = domain.TradeStatus(status)

	if t.Amount, err = parseDec(amount); err != nil {
		return domain.Trade{}, err
	}
	if t.FilledAmount, err = parseDec(filled); err != nil {
		return domain.Trade{}, err
	}
	if t.Price, err = parseNullDec(price); err != nil {
		return domain.Trade{}, err
	}
	if t.AvgFillPrice, err = parseNullDec(avgFill); err != nil {
		return domain.Trade{}, err
	}
	if t.Fee, err = parseNullDec(fee); err != nil {
		return domain.Trade{}, err
	}
	if t.RealizedPnL, err = parseNullDec(pnl); err != nil {
		return domain.Trade{}, err
	}
	return t, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Save inserts a journal row and returns its id. Replays are idempotent: a
// duplicate client_order_id or exchange_order_id returns the existing row's
// id instead of writing a second one.
func (s *TradeStore) Save(ctx context.Context, t domain.Trade) (int64, error) {
	const query = `
		INSERT INTO trades (
			strategy_id, portfolio_id, exchange, symbol,
			exchange_order_id, client_order_id, reservation_id,
			order_type, side, amount, price, filled_amount,
			avg_fill_price, fee, fee_currency, realized_pnl,
			status, error_kind
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10::numeric, $11::numeric, $12::numeric,
			$13::numeric, $14::numeric, $15, $16::numeric,
			$17, $18
		)
		ON CONFLICT (client_order_id) DO NOTHING
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		t.StrategyID, t.PortfolioID, t.Exchange, t.Symbol,
		nullStr(t.ExchangeOrderID), t.ClientOrderID, nullStr(t.ReservationID),
		string(t.Type), string(t.Side),
		t.Amount.String(), nullDecArg(t.Price), t.FilledAmount.String(),
		nullDecArg(t.AvgFillPrice), nullDecArg(t.Fee), nullStr(t.FeeCurrency),
		nullDecArg(t.RealizedPnL),
		string(t.Status), nullStr(t.ErrorKind),
	).Scan(&id)
	if err == nil {
		return id, nil
	}

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// client_order_id conflict: the row already exists from an earlier
		// attempt, return it.
		if err := s.pool.QueryRow(ctx,
			`SELECT id FROM trades WHERE client_order_id = $1`,
			t.ClientOrderID).Scan(&id); err != nil {
			return 0, fmt.Errorf("postgres: save trade %s: resolve replay: %w", t.ClientOrderID, err)
		}
		return id, nil
	case isUniqueViolation(err) && t.ExchangeOrderID != "":
		// exchange_order_id conflict: another row already journals this
		// exchange order (adoption replay).
		if err := s.pool.QueryRow(ctx,
			`SELECT id FROM trades WHERE exchange_order_id = $1`,
			t.ExchangeOrderID).Scan(&id); err != nil {
			return 0, fmt.Errorf("postgres: save trade %s: resolve adoption replay: %w", t.ClientOrderID, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("postgres: save trade %s: %w", t.ClientOrderID, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// UpdateStatus applies one status-machine step keyed by exchange order id.
// Backward or terminal-overwriting transitions return ErrStaleTransition.
// A non-nil fill also records the accumulated fill details.
func (s *TradeStore) UpdateStatus(ctx context.Context, exchangeOrderID string, to domain.TradeStatus, fill *domain.FillInfo) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: update trade status %s: begin: %w", exchangeOrderID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM trades WHERE exchange_order_id = $1 FOR UPDATE`,
		exchangeOrderID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: update trade status %s: read: %w", exchangeOrderID, err)
	}

	if !domain.CanTransition(domain.TradeStatus(current), to) {
		return fmt.Errorf("postgres: trade %s: %s -> %s: %w",
			exchangeOrderID, current, to, domain.ErrStaleTransition)
	}

	if fill != nil {
		_, err = tx.Exec(ctx,
			`UPDATE trades SET status = $2, filled_amount = $3::numeric,
			        avg_fill_price = $4::numeric, fee = $5::numeric,
			        fee_currency = COALESCE($6, fee_currency), updated_at = NOW()
			 WHERE exchange_order_id = $1`,
			exchangeOrderID, string(to),
			fill.FilledAmount.String(), nullDecArg(fill.AvgFillPrice),
			nullDecArg(fill.Fee), nullStr(fill.FeeCurrency))
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE trades SET status = $2, updated_at = NOW()
			 WHERE exchange_order_id = $1`,
			exchangeOrderID, string(to))
	}
	if err != nil {
		return fmt.Errorf("postgres: update trade status %s: write: %w", exchangeOrderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: update trade status %s: commit: %w", exchangeOrderID, err)
	}
	return nil
}

// AttachExchangeOrder records the exchange-assigned id on a pending row and
// moves it to submitted. A replay that already attached the same id is a
// no-op.
func (s *TradeStore) AttachExchangeOrder(ctx context.Context, clientOrderID, exchangeOrderID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET exchange_order_id = $2, status = 'submitted', updated_at = NOW()
		 WHERE client_order_id = $1 AND status = 'pending'`,
		clientOrderID, exchangeOrderID)
	if err != nil {
		return fmt.Errorf("postgres: attach exchange order %s: %w", clientOrderID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var existing *string
	err = s.pool.QueryRow(ctx,
		`SELECT exchange_order_id FROM trades WHERE client_order_id = $1`,
		clientOrderID).Scan(&existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: attach exchange order %s: read: %w", clientOrderID, err)
	}
	if existing != nil && *existing == exchangeOrderID {
		return nil
	}
	return fmt.Errorf("postgres: attach exchange order %s: %w", clientOrderID, domain.ErrStaleTransition)
}

// MarkFailed finalizes a row that never reached the exchange. Replays against
// an already-failed row are no-ops.
func (s *TradeStore) MarkFailed(ctx context.Context, clientOrderID string, kind domain.Kind) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET status = 'failed', error_kind = $2, updated_at = NOW()
		 WHERE client_order_id = $1 AND status IN ('pending', 'submitted')`,
		clientOrderID, string(kind))
	if err != nil {
		return fmt.Errorf("postgres: mark trade failed %s: %w", clientOrderID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM trades WHERE client_order_id = $1`,
		clientOrderID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: mark trade failed %s: read: %w", clientOrderID, err)
	}
	if domain.TradeStatus(status) == domain.TradeFailed {
		return nil
	}
	return fmt.Errorf("postgres: mark trade failed %s: status %s: %w",
		clientOrderID, status, domain.ErrStaleTransition)
}

// SetRealizedPnL records the realized PnL computed at settlement.
func (s *TradeStore) SetRealizedPnL(ctx context.Context, exchangeOrderID string, pnl decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET realized_pnl = $2::numeric, updated_at = NOW()
		 WHERE exchange_order_id = $1`,
		exchangeOrderID, pnl.String())
	if err != nil {
		return fmt.Errorf("postgres: set realized pnl %s: %w", exchangeOrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByExchangeOrderID retrieves a journal row by exchange order id.
func (s *TradeStore) GetByExchangeOrderID(ctx context.Context, exchangeOrderID string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE exchange_order_id = $1`,
		exchangeOrderID)

	t, err := scanTradeRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade by exchange order %s: %w", exchangeOrderID, err)
	}
	return t, nil
}

// GetByClientOrderID retrieves a journal row by client order id.
func (s *TradeStore) GetByClientOrderID(ctx context.Context, clientOrderID string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE client_order_id = $1`,
		clientOrderID)

	t, err := scanTradeRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade by client order %s: %w", clientOrderID, err)
	}
	return t, nil
}

// GetByReservationID retrieves the journal row that holds a reservation.
func (s *TradeStore) GetByReservationID(ctx context.Context, reservationID string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE reservation_id = $1`,
		reservationID)

	t, err := scanTradeRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade by reservation %s: %w", reservationID, err)
	}
	return t, nil
}

// ListOpen returns all non-terminal rows, oldest first.
func (s *TradeStore) ListOpen(ctx context.Context) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE status IN ('pending', 'submitted', 'open', 'partial')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open trades: %w", err)
	}
	return trades, nil
}

// RealizedPnLSince sums realized PnL for a portfolio's trades updated at or
// after t.
func (s *TradeStore) RealizedPnLSince(ctx context.Context, portfolioID int64, t time.Time) (decimal.Decimal, error) {
	var sum string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0)::text FROM trades
		 WHERE portfolio_id = $1 AND realized_pnl IS NOT NULL AND updated_at >= $2`,
		portfolioID, t).Scan(&sum)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("postgres: realized pnl since for portfolio %d: %w", portfolioID, err)
	}
	return parseDec(sum)
}

// ClosedPnLForStrategy returns recent realized PnL observations for a
// strategy, newest first. The Kelly estimator consumes these.
func (s *TradeStore) ClosedPnLForStrategy(ctx context.Context, strategyID int64, limit int) ([]decimal.Decimal, error) {
	rows, err := s.read.Query(ctx,
		`SELECT realized_pnl::text FROM trades
		 WHERE strategy_id = $1 AND realized_pnl IS NOT NULL
		 ORDER BY updated_at DESC LIMIT $2`,
		strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: closed pnl for strategy %d: %w", strategyID, err)
	}
	defer rows.Close()

	var out []decimal.Decimal
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("postgres: scan closed pnl: %w", err)
		}
		d, err := parseDec(v)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListTerminalBefore pages terminal rows last touched before the cutoff,
// oldest first, for archival.
func (s *TradeStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error) {
	rows, err := s.read.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE status IN ('filled', 'canceled', 'rejected', 'failed') AND updated_at < $1
		 ORDER BY updated_at LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal trades before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal trades: %w", err)
	}
	return trades, nil
}

// DeleteByIDs removes archived rows. Returns the number deleted.
func (s *TradeStore) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
