package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Proposal is a strategy's request to trade, published on
// request.capital.allocation.<strategy_id>. It is not yet an order: only the
// Capital Manager can turn it into a commands.execute_trade.
type Proposal struct {
	ProposalID      string              `json:"proposal_id"` // uuid, idempotency key
	StrategyID      int64               `json:"strategy_id"`
	Exchange        string              `json:"exchange"`
	Symbol          string              `json:"symbol"`
	Side            Side                `json:"side"`
	SignalPrice     decimal.Decimal     `json:"signal_price"`
	StopLossPrice   decimal.NullDecimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.NullDecimal `json:"take_profit_price"`
	Confidence      float64             `json:"confidence"`
	Params          map[string]any      `json:"strategy_params,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// Validate checks structural sanity before a proposal enters the pipeline.
func (p Proposal) Validate() error {
	if p.ProposalID == "" {
		return NewFault(KindValidationFailed, "proposal_id missing")
	}
	if p.StrategyID <= 0 {
		return NewFault(KindValidationFailed, "strategy_id missing")
	}
	if p.Exchange == "" || p.Symbol == "" {
		return NewFault(KindValidationFailed, "exchange/symbol missing")
	}
	if !p.Side.Valid() {
		return Faultf(KindValidationFailed, "invalid side %q", p.Side)
	}
	if p.SignalPrice.Sign() <= 0 {
		return NewFault(KindValidationFailed, "signal_price must be positive")
	}
	if p.StopLossPrice.Valid && p.StopLossPrice.Decimal.Sign() <= 0 {
		return NewFault(KindValidationFailed, "stop_loss_price must be positive")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return Faultf(KindValidationFailed, "confidence %v outside [0,1]", p.Confidence)
	}
	return nil
}

// StopDistance returns |signal - stop| when a stop-loss is set.
func (p Proposal) StopDistance() (decimal.Decimal, error) {
	if !p.StopLossPrice.Valid {
		return decimal.Zero, fmt.Errorf("proposal %s: no stop_loss_price", p.ProposalID)
	}
	return p.SignalPrice.Sub(p.StopLossPrice.Decimal).Abs(), nil
}
