package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

const (
	defaultSMAFast         = 10
	defaultSMASlow         = 50
	defaultStopLossPct     = 0.02
	defaultTakeProfitPct   = 0.04
	defaultCrossConfidence = 0.6
)

func init() {
	Register("sma_cross", func(cfg domain.Strategy) (Strategy, error) { return NewSMACross(cfg) })
}

// SMACross trades moving-average crossovers: fast SMA crossing above the slow
// SMA buys, crossing below sells. The following keys are read from
// strategies.parameters:
//
//   - "fast_period" (int): fast SMA length. Defaults to 10.
//   - "slow_period" (int): slow SMA length. Defaults to 50.
//   - "stop_loss_pct" (float64): stop distance as a fraction of the signal
//     price. Defaults to 0.02.
//   - "take_profit_pct" (float64): take-profit distance as a fraction of the
//     signal price. Defaults to 0.04.
type SMACross struct {
	cfg  domain.Strategy
	fast int
	slow int
	stop float64
	take float64
}

// NewSMACross builds the strategy from its configuration row.
func NewSMACross(cfg domain.Strategy) (*SMACross, error) {
	s := &SMACross{
		cfg:  cfg,
		fast: paramInt(cfg.Parameters, "fast_period", defaultSMAFast),
		slow: paramInt(cfg.Parameters, "slow_period", defaultSMASlow),
		stop: paramFloat(cfg.Parameters, "stop_loss_pct", defaultStopLossPct),
		take: paramFloat(cfg.Parameters, "take_profit_pct", defaultTakeProfitPct),
	}
	if err := validatePeriods("sma_cross", s.fast, s.slow); err != nil {
		return nil, err
	}
	if s.fast >= s.slow {
		return nil, fmt.Errorf("sma_cross: fast_period %d must be < slow_period %d", s.fast, s.slow)
	}
	if s.stop <= 0 || s.stop >= 1 {
		return nil, fmt.Errorf("sma_cross: stop_loss_pct %g must be in (0, 1)", s.stop)
	}
	return s, nil
}

func (s *SMACross) Name() string { return "sma_cross" }

// Warmup needs one extra bar past the slow period to detect a cross.
func (s *SMACross) Warmup() int { return s.slow + 1 }

func (s *SMACross) RequiredSubscriptions() []string {
	return []string{domain.MarketDataKey(s.cfg.Exchange, s.cfg.Symbol)}
}

func (s *SMACross) PopulateIndicators(f *Frame) error {
	f.SMA("sma_fast", s.fast)
	f.SMA("sma_slow", s.slow)
	return nil
}

// OnData signals on the bar where the fast SMA crosses the slow one. The
// relation on the previous bar decides whether this bar is a cross, so a
// restart mid-trend does not re-signal.
func (s *SMACross) OnData(_ context.Context, bar domain.Candle, f *Frame) (*domain.Proposal, error) {
	n := f.Len()
	if n < s.Warmup() {
		return nil, nil
	}

	fastPrev, ok1 := f.At("sma_fast", n-2)
	slowPrev, ok2 := f.At("sma_slow", n-2)
	fastNow, ok3 := f.At("sma_fast", n-1)
	slowNow, ok4 := f.At("sma_slow", n-1)
	if !ok1 || !ok2 || !ok3 || !ok4 || fastPrev == 0 || slowPrev == 0 {
		return nil, nil
	}

	var side domain.Side
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		side = domain.SideBuy
	case fastPrev >= slowPrev && fastNow < slowNow:
		side = domain.SideSell
	default:
		return nil, nil
	}

	return s.proposal(bar, side, fastNow, slowNow), nil
}

func (s *SMACross) proposal(bar domain.Candle, side domain.Side, fast, slow float64) *domain.Proposal {
	price := bar.Close
	stopPct := decimal.NewFromFloat(s.stop)
	takePct := decimal.NewFromFloat(s.take)

	var stop, take decimal.Decimal
	if side == domain.SideBuy {
		stop = price.Mul(decimal.NewFromInt(1).Sub(stopPct))
		take = price.Mul(decimal.NewFromInt(1).Add(takePct))
	} else {
		stop = price.Mul(decimal.NewFromInt(1).Add(stopPct))
		take = price.Mul(decimal.NewFromInt(1).Sub(takePct))
	}

	return &domain.Proposal{
		ProposalID:      uuid.New().String(),
		StrategyID:      s.cfg.ID,
		Exchange:        s.cfg.Exchange,
		Symbol:          s.cfg.Symbol,
		Side:            side,
		SignalPrice:     price,
		StopLossPrice:   decimal.NewNullDecimal(stop),
		TakeProfitPrice: decimal.NewNullDecimal(take),
		Confidence:      defaultCrossConfidence,
		Params: map[string]any{
			"sma_fast": fast,
			"sma_slow": slow,
		},
		CreatedAt: time.Now().UTC(),
	}
}
