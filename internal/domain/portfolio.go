package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio is a pool of capital, optionally nested under a parent. Ledger
// invariant: available_capital + sum of held reservations = total_capital.
type Portfolio struct {
	ID               int64
	Name             string
	ParentID         *int64
	BaseCurrency     string
	TotalCapital     decimal.Decimal
	AvailableCapital decimal.Decimal
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RuleType identifies a portfolio policy.
type RuleType string

const (
	RuleBlockedSymbol           RuleType = "BLOCKED_SYMBOL"
	RuleMaxPositionSizePct      RuleType = "MAX_POSITION_SIZE_PCT"
	RuleMaxPortfolioExposurePct RuleType = "MAX_PORTFOLIO_EXPOSURE_PCT"
	RuleMaxDailyLossPct         RuleType = "MAX_DAILY_LOSS_PCT"
)

// PortfolioRule is a policy attached to a portfolio. A proposal must satisfy
// every active rule on its portfolio.
type PortfolioRule struct {
	ID          int64
	PortfolioID int64
	Type        RuleType
	Value       json.RawMessage // structured payload, shape depends on Type
	IsActive    bool
	CreatedAt   time.Time
}

// ReservationStatus tracks earmarked capital. Held reservations count against
// available capital; released ones returned it; settled ones were consumed by
// a fill.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationReleased ReservationStatus = "released"
	ReservationSettled  ReservationStatus = "settled"
)

// Reservation is capital earmarked for one in-flight proposal.
type Reservation struct {
	ID          string // uuid
	PortfolioID int64
	StrategyID  int64
	Amount      decimal.Decimal
	Status      ReservationStatus
	CreatedAt   time.Time
	ReleasedAt  *time.Time
}
