package domain

import (
	"fmt"
	"strings"
)

// Routing keys are dotted-segment names; this schema is a stable contract.
const (
	KeyExecuteTrade  = "commands.execute_trade"
	KeyControl       = "commands.control"
	KeySnapshotState = "commands.snapshot_state"

	KeyTradeExecuted = "events.trade_executed"
	KeyTradeFailed   = "events.trade_failed"

	KeyReady = "system.ready"
	KeyHalt  = "system.halt"

	// Alert keys published on the best-effort class.
	AlertBackpressureDrop    = "alerts.backpressure.drop"
	AlertReconcileFailed     = "alerts.reconcile.failed"
	AlertReconcileOrphan     = "alerts.reconcile.orphan"
	AlertReconcileDrift      = "alerts.reconcile.drift"
	AlertStrategyHalted      = "alerts.strategy.halted"
	AlertRateLimitSaturated  = "alerts.rate_limit.saturated"
	AlertReservationStale    = "alerts.reservation.stale"
	AlertInternalBug         = "alerts.internal_bug"
	AlertComponentUnhealthy  = "alerts.component.unhealthy"
	AlertWorkerRestartsNoisy = "alerts.worker.restarts"
)

// MarketDataKey names the tick/candle stream for one symbol on one exchange.
func MarketDataKey(exchange, symbol string) string {
	return fmt.Sprintf("market_data.%s.%s", exchange, symbol)
}

// ClockKey names a scheduler tick stream (e.g. market_data.clock.tick_1m).
func ClockKey(tick string) string {
	return "market_data.clock." + tick
}

// AllocationKey is where a worker publishes proposals for one strategy.
func AllocationKey(strategyID int64) string {
	return fmt.Sprintf("request.capital.allocation.%d", strategyID)
}

// AllocationPattern matches every strategy's allocation requests.
const AllocationPattern = "request.capital.allocation.*"

// CapitalDeniedKey is where the Capital Manager refuses one strategy's
// proposals.
func CapitalDeniedKey(strategyID int64) string {
	return fmt.Sprintf("events.capital.denied.%d", strategyID)
}

// SnapshotReplyKey correlates a reconciliation snapshot reply to its request.
func SnapshotReplyKey(correlationID string) string {
	return "events.reconcile.snapshot." + correlationID
}

// WorkerStopKey is where the engine asks one worker to stop gracefully.
func WorkerStopKey(strategyID int64) string {
	return fmt.Sprintf("system.worker.stop.%d", strategyID)
}

// HealthKey is the heartbeat channel for one component.
func HealthKey(component string) string {
	return "system.health." + component
}

// OperatorReplyKey carries responses to operator commands.
func OperatorReplyKey(correlationID string) string {
	return "events.operator." + correlationID
}

// LogKey is the structured-log relay channel for one component.
func LogKey(component string) string {
	return "system.log." + component
}

// MatchKey reports whether a routing key matches a subscription pattern.
// Patterns use the same glob subset Redis PSUBSCRIBE understands: '*' matches
// any run of characters and '?' matches one character. A pattern without
// wildcards must match exactly.
func MatchKey(pattern, key string) bool {
	return matchGlob(pattern, key)
}

func matchGlob(pattern, key string) bool {
	// Fast path: no wildcards.
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == key
	}
	pi, ki := 0, 0
	star, starK := -1, -1
	for ki < len(key) {
		switch {
		case pi < len(pattern) && (pattern[pi] == key[ki] || pattern[pi] == '?'):
			pi++
			ki++
		case pi < len(pattern) && pattern[pi] == '*':
			star, starK = pi, ki
			pi++
		case star >= 0:
			starK++
			pi, ki = star+1, starK
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
