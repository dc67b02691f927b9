package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		from TradeStatus
		to   TradeStatus
		want bool
	}{
		{"pending to submitted", TradePending, TradeSubmitted, true},
		{"pending to failed", TradePending, TradeFailed, true},
		{"submitted to open", TradeSubmitted, TradeOpen, true},
		{"submitted to filled", TradeSubmitted, TradeFilled, true},
		{"open to partial", TradeOpen, TradePartial, true},
		{"partial to partial", TradePartial, TradePartial, true},
		{"partial to filled", TradePartial, TradeFilled, true},
		{"open to canceled", TradeOpen, TradeCanceled, true},
		{"open to submitted backward", TradeOpen, TradeSubmitted, false},
		{"partial to open backward", TradePartial, TradeOpen, false},
		{"filled is terminal", TradeFilled, TradeCanceled, false},
		{"canceled is terminal", TradeCanceled, TradeFilled, false},
		{"rejected is terminal", TradeRejected, TradeFailed, false},
		{"failed is terminal", TradeFailed, TradeFilled, false},
		{"same non-partial status", TradeOpen, TradeOpen, false},
		{"unknown status", TradeStatus("bogus"), TradeFilled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, CanTransition(tc.from, tc.to))
		})
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []TradeStatus{TradeFilled, TradeCanceled, TradeRejected, TradeFailed} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range []TradeStatus{TradePending, TradeSubmitted, TradeOpen, TradePartial} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}
