package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"tidebot/internal/domain"
)

const defaultDCAEvery = "24h"

func init() {
	Register("dca", func(cfg domain.Strategy) (Strategy, error) { return NewDCA(cfg) })
}

// DCA buys on a fixed schedule regardless of price. The last-buy watermark is
// part of the worker snapshot, so a restart does not double-buy inside one
// interval; a missed interval is skipped, never caught up. Keys read from
// strategies.parameters:
//
//   - "every" (string, time.ParseDuration): purchase interval. Defaults
//     to "24h".
//   - "stop_loss_pct" (float64): stop distance fraction, consumed by the
//     sizing model. Defaults to 0.02.
type DCA struct {
	cfg   domain.Strategy
	every time.Duration
	stop  float64

	lastBuy time.Time
}

// NewDCA builds the strategy from its configuration row.
func NewDCA(cfg domain.Strategy) (*DCA, error) {
	everyStr := paramString(cfg.Parameters, "every", defaultDCAEvery)
	every, err := time.ParseDuration(everyStr)
	if err != nil {
		return nil, fmt.Errorf("dca: bad every %q: %w", everyStr, err)
	}
	if every < time.Minute {
		return nil, fmt.Errorf("dca: every %s must be at least 1m", every)
	}
	return &DCA{
		cfg:   cfg,
		every: every,
		stop:  paramFloat(cfg.Parameters, "stop_loss_pct", defaultStopLossPct),
	}, nil
}

func (s *DCA) Name() string { return "dca" }

// Warmup is one bar; DCA only needs a reference price.
func (s *DCA) Warmup() int { return 1 }

func (s *DCA) RequiredSubscriptions() []string {
	return []string{domain.MarketDataKey(s.cfg.Exchange, s.cfg.Symbol)}
}

func (s *DCA) PopulateIndicators(*Frame) error { return nil }

// OnData buys when the bar time has moved a full interval past the last buy.
// Bar time, not wall clock, keys the decision so replayed history stays
// deterministic.
func (s *DCA) OnData(_ context.Context, bar domain.Candle, _ *Frame) (*domain.Proposal, error) {
	if !s.lastBuy.IsZero() && bar.OpenTime.Sub(s.lastBuy) < s.every {
		return nil, nil
	}
	s.lastBuy = bar.OpenTime

	price := bar.Close
	stop := price.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(s.stop)))

	return &domain.Proposal{
		ProposalID:    uuid.New().String(),
		StrategyID:    s.cfg.ID,
		Exchange:      s.cfg.Exchange,
		Symbol:        s.cfg.Symbol,
		Side:          domain.SideBuy,
		SignalPrice:   price,
		StopLossPrice: decimal.NewNullDecimal(stop),
		Confidence:    1,
		Params:        map[string]any{"every": s.every.String()},
		CreatedAt:     time.Now().UTC(),
	}, nil
}

type dcaState struct {
	LastBuy time.Time `msgpack:"last_buy"`
}

// Snapshot persists the last-buy watermark.
func (s *DCA) Snapshot() ([]byte, error) {
	return msgpack.Marshal(dcaState{LastBuy: s.lastBuy})
}

// Restore loads the last-buy watermark.
func (s *DCA) Restore(data []byte) error {
	var st dcaState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("dca: restore: %w", err)
	}
	s.lastBuy = st.LastBuy
	return nil
}

var _ Snapshotter = (*DCA)(nil)
