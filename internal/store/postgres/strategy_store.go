package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tidebot/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a new StrategyStore backed by the given connection
// pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategySelectCols = `id, name, type, exchange, symbol, timeframe,
	parameters, position_sizing_config, is_active, created_at, updated_at`

func scanStrategyRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Strategy, error) {
	var st domain.Strategy
	var params, sizing []byte

	err := scanner.Scan(
		&st.ID, &st.Name, &st.Type, &st.Exchange, &st.Symbol, &st.Timeframe,
		&params, &sizing, &st.IsActive, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &st.Parameters); err != nil {
			return domain.Strategy{}, fmt.Errorf("parameters for %s: %w", st.Name, err)
		}
	}
	if len(sizing) > 0 {
		if err := json.Unmarshal(sizing, &st.Sizing); err != nil {
			return domain.Strategy{}, fmt.Errorf("sizing config for %s: %w", st.Name, err)
		}
	}
	return st, nil
}

// GetByID retrieves a strategy by id.
func (s *StrategyStore) GetByID(ctx context.Context, id int64) (domain.Strategy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE id = $1`, id)

	st, err := scanStrategyRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %d: %w", id, err)
	}
	return st, nil
}

// GetByName retrieves a strategy by its unique name.
func (s *StrategyStore) GetByName(ctx context.Context, name string) (domain.Strategy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE name = $1`, name)

	st, err := scanStrategyRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", name, err)
	}
	return st, nil
}

// List returns strategies ordered by id, optionally only active ones.
func (s *StrategyStore) List(ctx context.Context, activeOnly bool) ([]domain.Strategy, error) {
	query := `SELECT ` + strategySelectCols + ` FROM strategies`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		st, err := scanStrategyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetActive toggles a strategy's active flag.
func (s *StrategyStore) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET is_active = $2, updated_at = NOW() WHERE id = $1`,
		id, active)
	if err != nil {
		return fmt.Errorf("postgres: set strategy %d active=%t: %w", id, active, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// PortfolioFor resolves the portfolio a strategy draws from.
func (s *StrategyStore) PortfolioFor(ctx context.Context, strategyID int64) (domain.Portfolio, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT p.id, p.name, p.parent_id, p.base_currency,
		        p.total_capital::text, p.available_capital::text, p.is_active,
		        p.created_at, p.updated_at
		 FROM portfolios p
		 JOIN strategy_portfolio_map m ON m.portfolio_id = p.id
		 WHERE m.strategy_id = $1`, strategyID)

	p, err := scanPortfolioRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Portfolio{}, domain.ErrNotFound
		}
		return domain.Portfolio{}, fmt.Errorf("postgres: portfolio for strategy %d: %w", strategyID, err)
	}
	return p, nil
}

// EnsureManual returns the reserved pseudo-strategy that carries adopted
// positions, creating it inactive and mapped to the given portfolio when it
// does not exist yet. It is never spawned as a worker.
func (s *StrategyStore) EnsureManual(ctx context.Context, portfolioID int64) (domain.Strategy, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: ensure manual strategy: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO strategies (name, type, is_active)
		 VALUES ($1, $1, FALSE)
		 ON CONFLICT (name) DO NOTHING`,
		domain.ManualStrategyName); err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: ensure manual strategy: insert: %w", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE name = $1`,
		domain.ManualStrategyName)
	st, err := scanStrategyRow(row)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: ensure manual strategy: read: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO strategy_portfolio_map (strategy_id, portfolio_id)
		 VALUES ($1, $2)
		 ON CONFLICT (strategy_id) DO NOTHING`,
		st.ID, portfolioID); err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: ensure manual strategy: map: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Strategy{}, fmt.Errorf("postgres: ensure manual strategy: commit: %w", err)
	}
	return st, nil
}

// Compile-time interface check.
var _ domain.StrategyStore = (*StrategyStore)(nil)
