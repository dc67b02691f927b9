package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProposal() Proposal {
	return Proposal{
		ProposalID:    "0b6cf53e-54c8-4b5b-a54a-2c2f26b34f31",
		StrategyID:    1,
		Exchange:      "binance",
		Symbol:        "BTC/USDT",
		Side:          SideBuy,
		SignalPrice:   d("50000"),
		StopLossPrice: decimal.NewNullDecimal(d("49000")),
		Confidence:    0.8,
	}
}

func TestProposalValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Proposal)
		wantErr string
	}{
		{"valid", func(p *Proposal) {}, ""},
		{"missing id", func(p *Proposal) { p.ProposalID = "" }, "proposal_id missing"},
		{"missing strategy", func(p *Proposal) { p.StrategyID = 0 }, "strategy_id missing"},
		{"missing symbol", func(p *Proposal) { p.Symbol = "" }, "exchange/symbol missing"},
		{"bad side", func(p *Proposal) { p.Side = "hold" }, `invalid side "hold"`},
		{"zero price", func(p *Proposal) { p.SignalPrice = decimal.Zero }, "signal_price must be positive"},
		{"negative stop", func(p *Proposal) { p.StopLossPrice = decimal.NewNullDecimal(d("-1")) }, "stop_loss_price must be positive"},
		{"confidence above one", func(p *Proposal) { p.Confidence = 1.2 }, "outside [0,1]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := validProposal()
			tc.mutate(&p)
			err := p.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, KindValidationFailed, kind)
		})
	}
}

func TestStopDistance(t *testing.T) {
	t.Parallel()

	p := validProposal()
	dist, err := p.StopDistance()
	require.NoError(t, err)
	assert.True(t, dist.Equal(d("1000")), "distance %s", dist)

	p.Side = SideSell
	p.StopLossPrice = decimal.NewNullDecimal(d("51000"))
	dist, err = p.StopDistance()
	require.NoError(t, err)
	assert.True(t, dist.Equal(d("1000")))

	p.StopLossPrice = decimal.NullDecimal{}
	_, err = p.StopDistance()
	assert.Error(t, err)
}
