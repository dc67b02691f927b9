// Package strategy defines the contract trading strategies implement and the
// built-in implementations (sma_cross, rsi_reversion, dca). A strategy runs
// single-threaded inside its worker process, sees bars through a Frame, and
// emits proposals; it never talks to the exchange or the database.
package strategy

import (
	"context"
	"fmt"

	"tidebot/internal/domain"
)

// Strategy is the required contract. PopulateIndicators must be deterministic
// with respect to the frame contents; OnData is called once per closed bar
// after indicators are populated.
type Strategy interface {
	Name() string
	// Warmup is the number of bars needed before OnData produces signals.
	Warmup() int
	// RequiredSubscriptions lists the bus patterns this strategy consumes.
	RequiredSubscriptions() []string
	PopulateIndicators(f *Frame) error
	OnData(ctx context.Context, bar domain.Candle, f *Frame) (*domain.Proposal, error)
}

// Starter is implemented by strategies that need setup before the first bar.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Stopper is implemented by strategies that need teardown on graceful stop.
type Stopper interface {
	OnStop(ctx context.Context) error
}

// Snapshotter is implemented by strategies carrying state that must survive a
// restart (the worker persists it alongside the bar ring).
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore([]byte) error
}

// paramFloat reads a float parameter with a default. JSON numbers arrive as
// float64; ints are accepted too.
func paramFloat(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

// paramInt reads an integer parameter with a default.
func paramInt(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return def
}

// paramString reads a string parameter with a default.
func paramString(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

// validatePeriods rejects nonsensical indicator periods up front so a bad
// strategies row fails at worker start, not mid-trading.
func validatePeriods(name string, periods ...int) error {
	for _, p := range periods {
		if p < 1 {
			return fmt.Errorf("%s: period %d must be >= 1", name, p)
		}
	}
	return nil
}
