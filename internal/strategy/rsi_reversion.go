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
	defaultRSIPeriod     = 14
	defaultRSIOversold   = 30.0
	defaultRSIOverbought = 70.0
)

func init() {
	Register("rsi_reversion", func(cfg domain.Strategy) (Strategy, error) { return NewRSIReversion(cfg) })
}

// RSIReversion trades oversold/overbought reversions: RSI dropping below the
// oversold level buys, rising above the overbought level sells. Signals fire
// on the crossing bar only, not while the level holds. Keys read from
// strategies.parameters:
//
//   - "rsi_period" (int): RSI length. Defaults to 14.
//   - "oversold" (float64): buy threshold. Defaults to 30.
//   - "overbought" (float64): sell threshold. Defaults to 70.
//   - "stop_loss_pct" (float64): stop distance fraction. Defaults to 0.02.
type RSIReversion struct {
	cfg        domain.Strategy
	period     int
	oversold   float64
	overbought float64
	stop       float64
}

// NewRSIReversion builds the strategy from its configuration row.
func NewRSIReversion(cfg domain.Strategy) (*RSIReversion, error) {
	s := &RSIReversion{
		cfg:        cfg,
		period:     paramInt(cfg.Parameters, "rsi_period", defaultRSIPeriod),
		oversold:   paramFloat(cfg.Parameters, "oversold", defaultRSIOversold),
		overbought: paramFloat(cfg.Parameters, "overbought", defaultRSIOverbought),
		stop:       paramFloat(cfg.Parameters, "stop_loss_pct", defaultStopLossPct),
	}
	if err := validatePeriods("rsi_reversion", s.period); err != nil {
		return nil, err
	}
	if s.oversold >= s.overbought {
		return nil, fmt.Errorf("rsi_reversion: oversold %g must be < overbought %g", s.oversold, s.overbought)
	}
	return s, nil
}

func (s *RSIReversion) Name() string { return "rsi_reversion" }

// Warmup needs the RSI seed plus one bar to detect the crossing.
func (s *RSIReversion) Warmup() int { return s.period + 2 }

func (s *RSIReversion) RequiredSubscriptions() []string {
	return []string{domain.MarketDataKey(s.cfg.Exchange, s.cfg.Symbol)}
}

func (s *RSIReversion) PopulateIndicators(f *Frame) error {
	f.RSI("rsi", s.period)
	return nil
}

func (s *RSIReversion) OnData(_ context.Context, bar domain.Candle, f *Frame) (*domain.Proposal, error) {
	n := f.Len()
	if n < s.Warmup() {
		return nil, nil
	}
	prev, ok1 := f.At("rsi", n-2)
	now, ok2 := f.At("rsi", n-1)
	if !ok1 || !ok2 || prev == 0 {
		return nil, nil
	}

	var side domain.Side
	switch {
	case prev >= s.oversold && now < s.oversold:
		side = domain.SideBuy
	case prev <= s.overbought && now > s.overbought:
		side = domain.SideSell
	default:
		return nil, nil
	}

	price := bar.Close
	stopPct := decimal.NewFromFloat(s.stop)
	var stop decimal.Decimal
	if side == domain.SideBuy {
		stop = price.Mul(decimal.NewFromInt(1).Sub(stopPct))
	} else {
		stop = price.Mul(decimal.NewFromInt(1).Add(stopPct))
	}

	// Confidence scales with how far past the threshold the RSI sits.
	confidence := 0.5
	if side == domain.SideBuy {
		confidence += (s.oversold - now) / (2 * s.oversold)
	} else {
		confidence += (now - s.overbought) / (2 * (100 - s.overbought))
	}
	if confidence > 1 {
		confidence = 1
	}

	return &domain.Proposal{
		ProposalID:    uuid.New().String(),
		StrategyID:    s.cfg.ID,
		Exchange:      s.cfg.Exchange,
		Symbol:        s.cfg.Symbol,
		Side:          side,
		SignalPrice:   price,
		StopLossPrice: decimal.NewNullDecimal(stop),
		Confidence:    confidence,
		Params:        map[string]any{"rsi": now},
		CreatedAt:     time.Now().UTC(),
	}, nil
}
