package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"commands.execute_trade", "commands.execute_trade", true},
		{"commands.execute_trade", "commands.control", false},
		{"events.*", "events.trade_executed", true},
		{"events.*", "events.capital.denied.7", true},
		{"events.*", "alerts.reconcile.failed", false},
		{"market_data.binance.*", "market_data.binance.BTC/USDT", true},
		{"market_data.binance.*", "market_data.kraken.BTC/USDT", false},
		{"request.capital.allocation.*", "request.capital.allocation.42", true},
		{"events.capital.denied.42", "events.capital.denied.42", true},
		{"events.capital.denied.42", "events.capital.denied.421", false},
		{"system.health.*", "system.health.connector", true},
		{"*.clock.*", "market_data.clock.tick_1m", true},
		{"alerts.*", "alerts.rate_limit.saturated", true},
		{"market_data.?inance.ETH/USDT", "market_data.binance.ETH/USDT", true},
		{"", "", true},
		{"*", "anything.at.all", true},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+"~"+tc.key, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, MatchKey(tc.pattern, tc.key))
		})
	}
}

func TestKeyBuilders(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "market_data.binance.BTC/USDT", MarketDataKey("binance", "BTC/USDT"))
	assert.Equal(t, "request.capital.allocation.42", AllocationKey(42))
	assert.Equal(t, "events.capital.denied.42", CapitalDeniedKey(42))
	assert.Equal(t, "market_data.clock.tick_1m", ClockKey("tick_1m"))
	assert.Equal(t, "system.health.engine", HealthKey("engine"))
	assert.True(t, MatchKey(AllocationPattern, AllocationKey(7)))
}
