package capital

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// Rule payloads are stored as JSON on portfolio_rules.value.
type blockedSymbolValue struct {
	Symbols []string `json:"symbols"`
}

// pctValue is shared by the percentage rules; Pct is 0-100.
type pctValue struct {
	Pct decimal.Decimal `json:"pct"`
}

var oneHundred = decimal.NewFromInt(100)

func decodeRule[T any](rule domain.PortfolioRule) (T, error) {
	var v T
	if err := json.Unmarshal(rule.Value, &v); err != nil {
		return v, domain.WrapFault(domain.KindConfigInvalid,
			fmt.Sprintf("rule %s payload", rule.Type), err)
	}
	return v, nil
}

// checkBlockedSymbol rejects proposals on a denylisted symbol.
func checkBlockedSymbol(rule domain.PortfolioRule, p domain.Proposal) error {
	v, err := decodeRule[blockedSymbolValue](rule)
	if err != nil {
		return err
	}
	for _, s := range v.Symbols {
		if s == p.Symbol {
			return domain.Faultf(domain.KindValidationFailed, "symbol %s is blocked", p.Symbol)
		}
	}
	return nil
}

// checkDailyLoss rejects opening trades once the rolling 24h realized loss
// reaches the limit. Closing trades always pass so positions can be unwound.
func (m *Manager) checkDailyLoss(ctx context.Context, rule domain.PortfolioRule,
	portfolio domain.Portfolio, closing bool) error {
	if closing {
		return nil
	}
	v, err := decodeRule[pctValue](rule)
	if err != nil {
		return err
	}
	pnl, err := m.trades.RealizedPnLSince(ctx, portfolio.ID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("capital: realized pnl for portfolio %d: %w", portfolio.ID, err)
	}
	limit := portfolio.TotalCapital.Mul(v.Pct).Div(oneHundred)
	if pnl.Neg().GreaterThanOrEqual(limit) {
		return domain.Faultf(domain.KindValidationFailed,
			"daily loss %s reached %s%% of capital", pnl.Abs(), v.Pct)
	}
	return nil
}

// checkPositionSize caps a single trade's notional at pct of total capital.
func checkPositionSize(rule domain.PortfolioRule, portfolio domain.Portfolio, notional decimal.Decimal) error {
	v, err := decodeRule[pctValue](rule)
	if err != nil {
		return err
	}
	limit := portfolio.TotalCapital.Mul(v.Pct).Div(oneHundred)
	if notional.GreaterThan(limit) {
		return domain.Faultf(domain.KindValidationFailed,
			"notional %s exceeds position limit %s", notional, limit)
	}
	return nil
}

// checkExposure caps projected open notional (book value of open positions
// plus the new trade) at pct of total capital. Closing trades reduce
// exposure and pass.
func (m *Manager) checkExposure(ctx context.Context, rule domain.PortfolioRule,
	portfolio domain.Portfolio, notional decimal.Decimal, closing bool) error {
	if closing {
		return nil
	}
	v, err := decodeRule[pctValue](rule)
	if err != nil {
		return err
	}
	open, err := m.positions.ListByPortfolio(ctx, portfolio.ID)
	if err != nil {
		return fmt.Errorf("capital: list positions for portfolio %d: %w", portfolio.ID, err)
	}
	projected := notional
	for _, pos := range open {
		if !pos.IsOpen {
			continue
		}
		projected = projected.Add(pos.EntryPrice.Mul(pos.CurrentSize.Abs()))
	}
	limit := portfolio.TotalCapital.Mul(v.Pct).Div(oneHundred)
	if projected.GreaterThan(limit) {
		return domain.Faultf(domain.KindValidationFailed,
			"projected exposure %s exceeds limit %s", projected, limit)
	}
	return nil
}
