package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ExecuteTradeCommand is the approved order the Capital Manager publishes on
// commands.execute_trade. ReservationID lets the connector's terminal event
// settle or release the earmarked capital.
type ExecuteTradeCommand struct {
	ProposalID      string              `json:"proposal_id"`
	ReservationID   string              `json:"reservation_id"`
	StrategyID      int64               `json:"strategy_id"`
	PortfolioID     int64               `json:"portfolio_id"`
	Exchange        string              `json:"exchange"`
	Symbol          string              `json:"symbol"`
	Side            Side                `json:"side"`
	Type            OrderType           `json:"type"`
	Amount          decimal.Decimal     `json:"amount"`
	LimitPrice      decimal.NullDecimal `json:"limit_price"`
	StopLossPrice   decimal.NullDecimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.NullDecimal `json:"take_profit_price"`
	IssuedAt        time.Time           `json:"issued_at"`
}

// TradeExecutedEvent is the single terminal success event for one order.
// Consumers must stay idempotent keyed by ExchangeOrderID.
type TradeExecutedEvent struct {
	ExchangeOrderID string              `json:"exchange_order_id"`
	ProposalID      string              `json:"proposal_id"`
	ReservationID   string              `json:"reservation_id"`
	StrategyID      int64               `json:"strategy_id"`
	PortfolioID     int64               `json:"portfolio_id"`
	Exchange        string              `json:"exchange"`
	Symbol          string              `json:"symbol"`
	Side            Side                `json:"side"`
	Amount          decimal.Decimal     `json:"amount"`
	FilledAmount    decimal.Decimal     `json:"filled_amount"`
	AvgFillPrice    decimal.NullDecimal `json:"avg_fill_price"`
	Fee             decimal.NullDecimal `json:"fee"`
	FeeCurrency     string              `json:"fee_currency,omitempty"`
	Status          TradeStatus         `json:"status"` // filled or canceled
	ExecutedAt      time.Time           `json:"executed_at"`
}

// TradeFailedEvent is the single terminal failure event for one order (or for
// a command that never became an order). Kind is from the stable taxonomy.
type TradeFailedEvent struct {
	ProposalID      string    `json:"proposal_id"`
	ReservationID   string    `json:"reservation_id"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	StrategyID      int64     `json:"strategy_id"`
	PortfolioID     int64     `json:"portfolio_id"`
	Exchange        string    `json:"exchange"`
	Symbol          string    `json:"symbol"`
	Kind            Kind      `json:"kind"`
	Reason          string    `json:"reason"`
	FailedAt        time.Time `json:"failed_at"`
}

// CapitalDeniedEvent tells a worker why its proposal was refused.
type CapitalDeniedEvent struct {
	ProposalID string    `json:"proposal_id"`
	StrategyID int64     `json:"strategy_id"`
	Rule       string    `json:"rule,omitempty"` // rule type or pipeline stage that fired
	Kind       Kind      `json:"kind"`
	Reason     string    `json:"reason"`
	DeniedAt   time.Time `json:"denied_at"`
}

// Operator command names recognized on commands.control.
const (
	CmdStartStrategy   = "start_strategy"
	CmdStopStrategy    = "stop_strategy"
	CmdEmergencyHalt   = "emergency_halt"
	CmdPortfolioStatus = "portfolio_status"
	CmdStrategyList    = "strategy_list"
	CmdReconcileNow    = "reconcile_now"
)

// ControlCommand is an operator command published by external UIs.
type ControlCommand struct {
	Name          string    `json:"name"`
	StrategyID    int64     `json:"strategy_id,omitempty"`
	Policy        string    `json:"policy,omitempty"`     // reconcile_now: orphan policy override
	ClearHalt     bool      `json:"clear_halt,omitempty"` // reconcile_now: lift emergency halt
	CorrelationID string    `json:"correlation_id"`
	IssuedAt      time.Time `json:"issued_at"`
}

// OperatorReply answers a ControlCommand on events.operator.<correlation_id>.
type OperatorReply struct {
	CorrelationID string          `json:"correlation_id"`
	Command       string          `json:"command"`
	OK            bool            `json:"ok"`
	Error         string          `json:"error,omitempty"`
	Detail        json.RawMessage `json:"detail,omitempty"`
	RepliedAt     time.Time       `json:"replied_at"`
}

// Heartbeat is the periodic health signal each component publishes on
// system.health.<component>.
type Heartbeat struct {
	Component  string    `json:"component"`
	PID        int       `json:"pid"`
	UptimeSecs int64     `json:"uptime_secs"`
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
	At         time.Time `json:"at"`
}

// SnapshotRequest asks the connector for exchange ground truth.
type SnapshotRequest struct {
	CorrelationID string    `json:"correlation_id"`
	RequestedAt   time.Time `json:"requested_at"`
}

// ExchangeOrder is an order as the exchange reports it.
type ExchangeOrder struct {
	ExchangeOrderID string              `json:"exchange_order_id"`
	ClientOrderID   string              `json:"client_order_id"`
	Symbol          string              `json:"symbol"`
	Side            Side                `json:"side"`
	Type            OrderType           `json:"type"`
	Price           decimal.NullDecimal `json:"price"`
	Amount          decimal.Decimal     `json:"amount"`
	FilledAmount    decimal.Decimal     `json:"filled_amount"`
	AvgFillPrice    decimal.NullDecimal `json:"avg_fill_price"`
	Fee             decimal.NullDecimal `json:"fee"`
	Status          TradeStatus         `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
}

// ExchangePosition is a holding as the exchange reports it. For spot venues
// the connector derives these from balances over the traded symbol universe;
// EntryPrice is unknown in that case.
type ExchangePosition struct {
	Symbol     string              `json:"symbol"`
	Size       decimal.Decimal     `json:"size"` // signed
	EntryPrice decimal.NullDecimal `json:"entry_price"`
}

// ExchangeSnapshot is the connector's reply to a SnapshotRequest: ground
// truth for one exchange.
type ExchangeSnapshot struct {
	Exchange  string             `json:"exchange"`
	Orders    []ExchangeOrder    `json:"orders"`
	Positions []ExchangePosition `json:"positions"`
	Balances  []Balance          `json:"balances"`
	TakenAt   time.Time          `json:"taken_at"`
}

// SnapshotReply bundles every configured exchange's snapshot.
type SnapshotReply struct {
	CorrelationID string             `json:"correlation_id"`
	Snapshots     []ExchangeSnapshot `json:"snapshots"`
	Err           string             `json:"err,omitempty"`
}

// ClockTick is published by the engine scheduler on market_data.clock.<name>.
type ClockTick struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// Alert is the payload for alerts.* keys.
type Alert struct {
	Severity string    `json:"severity"` // info, warning, critical
	Kind     Kind      `json:"kind,omitempty"`
	Message  string    `json:"message"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// WorkerStop asks one worker to finish its current message, flush its
// snapshot, and exit.
type WorkerStop struct {
	StrategyID int64     `json:"strategy_id"`
	Reason     string    `json:"reason"`
	IssuedAt   time.Time `json:"issued_at"`
}
