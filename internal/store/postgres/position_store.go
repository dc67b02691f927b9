package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tidebot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Positions
// are a derived view over the trades journal, keyed by (strategy_id, symbol).
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection
// pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, strategy_id, exchange, symbol,
	entry_price::text, current_size::text, unrealized_pnl::text, realized_pnl::text,
	is_open, opened_at, updated_at`

func scanPositionRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Position, error) {
	var p domain.Position
	var entry, size, unrealized, realized string

	err := scanner.Scan(
		&p.ID, &p.StrategyID, &p.Exchange, &p.Symbol,
		&entry, &size, &unrealized, &realized,
		&p.IsOpen, &p.OpenedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	if p.EntryPrice, err = parseDec(entry); err != nil {
		return domain.Position{}, err
	}
	if p.CurrentSize, err = parseDec(size); err != nil {
		return domain.Position{}, err
	}
	if p.UnrealizedPnL, err = parseDec(unrealized); err != nil {
		return domain.Position{}, err
	}
	if p.RealizedPnL, err = parseDec(realized); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Upsert atomically replaces the row keyed by (strategy_id, symbol).
// opened_at is kept across updates unless the position reopens after being
// flat.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	openedAt := p.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (
			strategy_id, exchange, symbol, entry_price, current_size,
			unrealized_pnl, realized_pnl, is_open, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5::numeric,
			$6::numeric, $7::numeric, $8, $9, NOW()
		)
		ON CONFLICT (strategy_id, symbol) DO UPDATE SET
			exchange       = EXCLUDED.exchange,
			entry_price    = EXCLUDED.entry_price,
			current_size   = EXCLUDED.current_size,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl   = EXCLUDED.realized_pnl,
			is_open        = EXCLUDED.is_open,
			opened_at      = CASE
				WHEN NOT positions.is_open AND EXCLUDED.is_open THEN EXCLUDED.opened_at
				ELSE positions.opened_at
			END,
			updated_at     = NOW()`,
		p.StrategyID, p.Exchange, p.Symbol,
		p.EntryPrice.String(), p.CurrentSize.String(),
		p.UnrealizedPnL.String(), p.RealizedPnL.String(),
		p.IsOpen, openedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %d %s: %w", p.StrategyID, p.Symbol, err)
	}
	return nil
}

// Get retrieves the position for a (strategy, symbol) pair.
func (s *PositionStore) Get(ctx context.Context, strategyID int64, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE strategy_id = $1 AND symbol = $2`,
		strategyID, symbol)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d %s: %w", strategyID, symbol, err)
	}
	return p, nil
}

// ListOpen returns all open positions.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE is_open ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListByPortfolio returns all positions for strategies drawing from the
// given portfolio, open and closed.
func (s *PositionStore) ListByPortfolio(ctx context.Context, portfolioID int64) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.strategy_id, p.exchange, p.symbol,
		        p.entry_price::text, p.current_size::text,
		        p.unrealized_pnl::text, p.realized_pnl::text,
		        p.is_open, p.opened_at, p.updated_at
		 FROM positions p
		 JOIN strategy_portfolio_map m ON m.strategy_id = p.strategy_id
		 WHERE m.portfolio_id = $1
		 ORDER BY p.id`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for portfolio %d: %w", portfolioID, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan portfolio positions: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
