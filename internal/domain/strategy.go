package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ManualStrategyName is the reserved pseudo-strategy that carries positions
// adopted during reconciliation. It is never spawned as a worker.
const ManualStrategyName = "manual"

// SizingModel selects the position-sizing formula.
type SizingModel string

const (
	SizingFixedFractional    SizingModel = "FixedFractional"
	SizingVolatilityAdjusted SizingModel = "VolatilityAdjusted"
	SizingKelly              SizingModel = "Kelly"
)

// SizingConfig is the position_sizing_config payload on a strategy row.
type SizingConfig struct {
	Model SizingModel `json:"model"`
	// RiskPct is the fraction of available capital risked per trade
	// (FixedFractional and VolatilityAdjusted).
	RiskPct decimal.Decimal `json:"risk_pct"`
	// ATRPeriod and ATRMultiple parameterize VolatilityAdjusted sizing:
	// stop distance = ATRMultiple x ATR(ATRPeriod).
	ATRPeriod   int             `json:"atr_period,omitempty"`
	ATRMultiple decimal.Decimal `json:"atr_multiple,omitempty"`
	// KellyFraction scales the raw Kelly f down (fractional Kelly).
	KellyFraction decimal.Decimal `json:"kelly_fraction,omitempty"`
}

// Strategy is a static configuration row. The running worker mirrors
// IsActive; Type selects the registered implementation.
type Strategy struct {
	ID         int64
	Name       string
	Type       string
	Exchange   string
	Symbol     string
	Timeframe  string
	Parameters map[string]any
	Sizing     SizingConfig
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
