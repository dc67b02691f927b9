package capital

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"tidebot/internal/domain"
)

// size dispatches on the strategy's sizing model and returns the base-asset
// amount to trade. Sizing errors come back as validation faults; store and
// cache failures propagate as-is.
func (m *Manager) size(ctx context.Context, p domain.Proposal, row domain.Strategy,
	portfolio domain.Portfolio) (decimal.Decimal, error) {
	model := row.Sizing.Model
	if model == "" {
		model = m.cfg.DefaultSizingModel
	}
	switch model {
	case domain.SizingFixedFractional:
		return sizeFixedFractional(p, row.Sizing, portfolio)
	case domain.SizingVolatilityAdjusted:
		return m.sizeVolatilityAdjusted(ctx, p, row, portfolio)
	case domain.SizingKelly:
		return m.sizeKelly(ctx, p, row, portfolio)
	}
	return decimal.Zero, domain.Faultf(domain.KindConfigInvalid,
		"strategy %d: unknown sizing model %q", row.ID, model)
}

// sizeFixedFractional risks a fixed fraction of available capital against the
// proposal's stop distance: size = (available x risk_pct) / stop_distance.
func sizeFixedFractional(p domain.Proposal, sizing domain.SizingConfig,
	portfolio domain.Portfolio) (decimal.Decimal, error) {
	if sizing.RiskPct.Sign() <= 0 {
		return decimal.Zero, domain.Faultf(domain.KindConfigInvalid,
			"risk_pct must be positive, got %s", sizing.RiskPct)
	}
	dist, err := p.StopDistance()
	if err != nil {
		return decimal.Zero, domain.WrapFault(domain.KindValidationFailed,
			"fixed-fractional sizing needs a stop-loss", err)
	}
	return riskOverDistance(portfolio.AvailableCapital, sizing.RiskPct, dist)
}

// sizeVolatilityAdjusted derives the stop distance from recent volatility:
// stop_distance = atr_multiple x ATR(atr_period) over cached closed bars.
func (m *Manager) sizeVolatilityAdjusted(ctx context.Context, p domain.Proposal,
	row domain.Strategy, portfolio domain.Portfolio) (decimal.Decimal, error) {
	sizing := row.Sizing
	if sizing.RiskPct.Sign() <= 0 {
		return decimal.Zero, domain.Faultf(domain.KindConfigInvalid,
			"risk_pct must be positive, got %s", sizing.RiskPct)
	}
	period := sizing.ATRPeriod
	if period <= 0 {
		period = 14
	}
	multiple := sizing.ATRMultiple
	if multiple.Sign() <= 0 {
		multiple = decimal.NewFromInt(2)
	}

	bars, err := m.candles.Recent(ctx, p.Exchange, p.Symbol, row.Timeframe, period+1)
	if err != nil {
		return decimal.Zero, fmt.Errorf("capital: recent candles for %s %s: %w", p.Exchange, p.Symbol, err)
	}
	if len(bars) <= period {
		return decimal.Zero, domain.Faultf(domain.KindValidationFailed,
			"volatility sizing needs %d bars, have %d", period+1, len(bars))
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		closes[i] = b.Close.InexactFloat64()
	}
	series := talib.Atr(highs, lows, closes, period)
	atr := series[len(series)-1]
	if atr <= 0 {
		return decimal.Zero, domain.Faultf(domain.KindValidationFailed,
			"ATR(%d) is zero, cannot size", period)
	}

	dist := multiple.Mul(decimal.NewFromFloat(atr))
	return riskOverDistance(portfolio.AvailableCapital, sizing.RiskPct, dist)
}

// sizeKelly allocates a fraction of available capital from the strategy's own
// closed-trade record: f = p - (1-p)/R, scaled down by kelly_fraction and
// capped at the global maximum. Below the minimum sample the fixed-fractional
// fallback is used.
func (m *Manager) sizeKelly(ctx context.Context, p domain.Proposal,
	row domain.Strategy, portfolio domain.Portfolio) (decimal.Decimal, error) {
	pnls, err := m.trades.ClosedPnLForStrategy(ctx, row.ID, m.cfg.KellySampleSize)
	if err != nil {
		return decimal.Zero, fmt.Errorf("capital: closed pnl for strategy %d: %w", row.ID, err)
	}
	if len(pnls) < m.cfg.KellyMinTrades {
		return sizeFixedFractional(p, row.Sizing, portfolio)
	}

	var wins, losses []float64
	for _, pnl := range pnls {
		v := pnl.InexactFloat64()
		if v > 0 {
			wins = append(wins, v)
		} else if v < 0 {
			losses = append(losses, -v)
		}
	}
	if len(wins) == 0 {
		return decimal.Zero, domain.Faultf(domain.KindValidationFailed,
			"strategy %d has no winning trades, Kelly size is zero", row.ID)
	}

	winProb := float64(len(wins)) / float64(len(pnls))
	f := winProb
	if len(losses) > 0 {
		ratio := stat.Mean(wins, nil) / stat.Mean(losses, nil)
		f = winProb - (1-winProb)/ratio
	}
	if f <= 0 {
		return decimal.Zero, domain.Faultf(domain.KindValidationFailed,
			"strategy %d Kelly fraction %.4f is non-positive", row.ID, f)
	}

	fraction := decimal.NewFromFloat(f)
	if scale := row.Sizing.KellyFraction; scale.Sign() > 0 {
		fraction = fraction.Mul(scale)
	}
	if fraction.GreaterThan(m.cfg.KellyMaxFraction) {
		fraction = m.cfg.KellyMaxFraction
	}
	return portfolio.AvailableCapital.Mul(fraction).Div(p.SignalPrice), nil
}

func riskOverDistance(available, riskPct, dist decimal.Decimal) (decimal.Decimal, error) {
	if dist.Sign() <= 0 {
		return decimal.Zero, domain.NewFault(domain.KindValidationFailed,
			"stop distance must be positive")
	}
	return available.Mul(riskPct).Div(dist), nil
}
