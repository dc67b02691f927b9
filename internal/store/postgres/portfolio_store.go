package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// PortfolioStore implements domain.PortfolioStore using PostgreSQL.
type PortfolioStore struct {
	pool *pgxpool.Pool
}

// NewPortfolioStore creates a new PortfolioStore backed by the given
// connection pool.
func NewPortfolioStore(pool *pgxpool.Pool) *PortfolioStore {
	return &PortfolioStore{pool: pool}
}

const portfolioSelectCols = `id, name, parent_id, base_currency,
	total_capital::text, available_capital::text, is_active,
	created_at, updated_at`

func scanPortfolioRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Portfolio, error) {
	var p domain.Portfolio
	var total, available string

	err := scanner.Scan(
		&p.ID, &p.Name, &p.ParentID, &p.BaseCurrency,
		&total, &available, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Portfolio{}, err
	}

	if p.TotalCapital, err = parseDec(total); err != nil {
		return domain.Portfolio{}, err
	}
	if p.AvailableCapital, err = parseDec(available); err != nil {
		return domain.Portfolio{}, err
	}
	return p, nil
}

// GetByID retrieves a portfolio by id.
func (s *PortfolioStore) GetByID(ctx context.Context, id int64) (domain.Portfolio, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+portfolioSelectCols+` FROM portfolios WHERE id = $1`, id)

	p, err := scanPortfolioRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Portfolio{}, domain.ErrNotFound
		}
		return domain.Portfolio{}, fmt.Errorf("postgres: get portfolio %d: %w", id, err)
	}
	return p, nil
}

// GetByName retrieves a portfolio by its unique name.
func (s *PortfolioStore) GetByName(ctx context.Context, name string) (domain.Portfolio, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+portfolioSelectCols+` FROM portfolios WHERE name = $1`, name)

	p, err := scanPortfolioRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Portfolio{}, domain.ErrNotFound
		}
		return domain.Portfolio{}, fmt.Errorf("postgres: get portfolio %s: %w", name, err)
	}
	return p, nil
}

// List returns all portfolios ordered by id.
func (s *PortfolioStore) List(ctx context.Context) ([]domain.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+portfolioSelectCols+` FROM portfolios ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list portfolios: %w", err)
	}
	defer rows.Close()

	var out []domain.Portfolio
	for rows.Next() {
		p, err := scanPortfolioRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListRules returns all rules attached to a portfolio, active and inactive,
// ordered by id. Rule evaluation skips inactive rows.
func (s *PortfolioStore) ListRules(ctx context.Context, portfolioID int64) ([]domain.PortfolioRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, rule_type, rule_value, is_active, created_at
		 FROM portfolio_rules WHERE portfolio_id = $1 ORDER BY id`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules for portfolio %d: %w", portfolioID, err)
	}
	defer rows.Close()

	var out []domain.PortfolioRule
	for rows.Next() {
		var r domain.PortfolioRule
		var ruleType string
		if err := rows.Scan(
			&r.ID, &r.PortfolioID, &ruleType, &r.Value, &r.IsActive, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan portfolio rule: %w", err)
		}
		r.Type = domain.RuleType(ruleType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetAvailable overwrites available_capital. Reconciliation repair is the
// only caller; normal balance movement goes through reservations.
func (s *PortfolioStore) SetAvailable(ctx context.Context, id int64, available decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE portfolios SET available_capital = $2::numeric, updated_at = NOW() WHERE id = $1`,
		id, available.String())
	if err != nil {
		return fmt.Errorf("postgres: set available for portfolio %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.PortfolioStore = (*PortfolioStore)(nil)
