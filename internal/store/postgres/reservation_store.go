package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// ReservationStore implements domain.ReservationStore using PostgreSQL.
// Reserve, Release and Settle each run in one transaction touching the
// reservation row and its portfolio's balance, so the ledger invariant
// (available + held = total) holds at every commit point.
type ReservationStore struct {
	pool *pgxpool.Pool
}

// NewReservationStore creates a new ReservationStore backed by the given
// connection pool.
func NewReservationStore(pool *pgxpool.Pool) *ReservationStore {
	return &ReservationStore{pool: pool}
}

const reservationSelectCols = `id, portfolio_id, strategy_id, amount::text,
	status, created_at, released_at`

func scanReservationRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Reservation, error) {
	var r domain.Reservation
	var amount, status string

	err := scanner.Scan(
		&r.ID, &r.PortfolioID, &r.StrategyID, &amount,
		&status, &r.CreatedAt, &r.ReleasedAt,
	)
	if err != nil {
		return domain.Reservation{}, err
	}

	r.Status = domain.ReservationStatus(status)
	if r.Amount, err = parseDec(amount); err != nil {
		return domain.Reservation{}, err
	}
	return r, nil
}

// Reserve earmarks amount against the portfolio: available_capital is
// decremented and a held reservation row records the hold. Returns
// ErrInsufficientCapital when the decrement would go negative.
func (s *ReservationStore) Reserve(ctx context.Context, portfolioID, strategyID int64, amount decimal.Decimal) (domain.Reservation, error) {
	if amount.Sign() < 0 {
		return domain.Reservation{}, domain.NewFault(domain.KindValidationFailed,
			"reservation amount must be non-negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("postgres: reserve: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The balance check and decrement are one statement; the portfolio row
	// lock serializes concurrent reserves.
	tag, err := tx.Exec(ctx,
		`UPDATE portfolios
		 SET available_capital = available_capital - $2::numeric, updated_at = NOW()
		 WHERE id = $1 AND available_capital >= $2::numeric`,
		portfolioID, amount.String())
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("postgres: reserve: debit portfolio %d: %w", portfolioID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM portfolios WHERE id = $1)`,
			portfolioID).Scan(&exists); err != nil {
			return domain.Reservation{}, fmt.Errorf("postgres: reserve: check portfolio %d: %w", portfolioID, err)
		}
		if !exists {
			return domain.Reservation{}, domain.ErrNotFound
		}
		return domain.Reservation{}, domain.ErrInsufficientCapital
	}

	r := domain.Reservation{
		ID:          uuid.New().String(),
		PortfolioID: portfolioID,
		StrategyID:  strategyID,
		Amount:      amount,
		Status:      domain.ReservationHeld,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO reservations (id, portfolio_id, strategy_id, amount, status)
		 VALUES ($1, $2, $3, $4::numeric, $5)
		 RETURNING created_at`,
		r.ID, r.PortfolioID, r.StrategyID, r.Amount.String(), string(r.Status),
	).Scan(&r.CreatedAt)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("postgres: reserve: insert %s: %w", r.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Reservation{}, fmt.Errorf("postgres: reserve: commit %s: %w", r.ID, err)
	}
	return r, nil
}

// Release returns a held reservation's amount to available_capital.
// Idempotent: releasing an already released or settled reservation is a
// no-op.
func (s *ReservationStore) Release(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: release %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var portfolioID int64
	var amount string
	err = tx.QueryRow(ctx,
		`UPDATE reservations SET status = 'released', released_at = NOW()
		 WHERE id = $1 AND status = 'held'
		 RETURNING portfolio_id, amount::text`,
		id).Scan(&portfolioID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.finishedOrMissing(ctx, tx, id)
		}
		return fmt.Errorf("postgres: release %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE portfolios
		 SET available_capital = available_capital + $2::numeric, updated_at = NOW()
		 WHERE id = $1`,
		portfolioID, amount); err != nil {
		return fmt.Errorf("postgres: release %s: credit portfolio %d: %w", id, portfolioID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: release %s: commit: %w", id, err)
	}
	return nil
}

// finishedOrMissing resolves a Release replay: nil when the reservation
// already left held (the release or settle took effect earlier), ErrNotFound
// when it never existed.
func (s *ReservationStore) finishedOrMissing(ctx context.Context, tx pgx.Tx, id string) error {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM reservations WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: reservation %s: read status: %w", id, err)
	}
	return nil
}

// Settle consumes a held reservation after a fill. cashDelta is the signed
// quote-currency flow of the fill: available receives amount+cashDelta and
// total receives cashDelta. Settling an already settled reservation is a
// no-op; settling a released one returns ErrStaleTransition since its amount
// was already returned.
func (s *ReservationStore) Settle(ctx context.Context, id string, cashDelta decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: settle %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var portfolioID int64
	var amount string
	err = tx.QueryRow(ctx,
		`UPDATE reservations SET status = 'settled', released_at = NOW()
		 WHERE id = $1 AND status = 'held'
		 RETURNING portfolio_id, amount::text`,
		id).Scan(&portfolioID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var status string
			err := tx.QueryRow(ctx,
				`SELECT status FROM reservations WHERE id = $1`, id).Scan(&status)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return domain.ErrNotFound
				}
				return fmt.Errorf("postgres: settle %s: read status: %w", id, err)
			}
			if domain.ReservationStatus(status) == domain.ReservationSettled {
				return nil
			}
			return fmt.Errorf("postgres: settle %s: status %s: %w",
				id, status, domain.ErrStaleTransition)
		}
		return fmt.Errorf("postgres: settle %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE portfolios
		 SET available_capital = available_capital + $2::numeric + $3::numeric,
		     total_capital = total_capital + $3::numeric,
		     updated_at = NOW()
		 WHERE id = $1`,
		portfolioID, amount, cashDelta.String()); err != nil {
		return fmt.Errorf("postgres: settle %s: apply to portfolio %d: %w", id, portfolioID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: settle %s: commit: %w", id, err)
	}
	return nil
}

// Get retrieves a reservation by id.
func (s *ReservationStore) Get(ctx context.Context, id string) (domain.Reservation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reservationSelectCols+` FROM reservations WHERE id = $1`, id)

	r, err := scanReservationRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Reservation{}, domain.ErrNotFound
		}
		return domain.Reservation{}, fmt.Errorf("postgres: get reservation %s: %w", id, err)
	}
	return r, nil
}

// ListHeld returns all held reservations, oldest first.
func (s *ReservationStore) ListHeld(ctx context.Context) ([]domain.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reservationSelectCols+` FROM reservations
		 WHERE status = 'held' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list held reservations: %w", err)
	}
	defer rows.Close()
	return scanHeldRows(rows)
}

// ListHeldByPortfolio returns held reservations for one portfolio, oldest
// first.
func (s *ReservationStore) ListHeldByPortfolio(ctx context.Context, portfolioID int64) ([]domain.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reservationSelectCols+` FROM reservations
		 WHERE status = 'held' AND portfolio_id = $1 ORDER BY created_at`,
		portfolioID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list held reservations for portfolio %d: %w", portfolioID, err)
	}
	defer rows.Close()
	return scanHeldRows(rows)
}

func scanHeldRows(rows pgx.Rows) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ domain.ReservationStore = (*ReservationStore)(nil)
