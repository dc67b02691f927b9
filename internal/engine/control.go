package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

const controlGroup = "engine"

// runControl serves operator commands from the commands.control stream.
// Every command gets a reply on events.operator.<correlation_id>, success or
// not; a command that cannot even be decoded is acked and logged because
// redelivering garbage helps nobody.
func (e *Engine) runControl(ctx context.Context) error {
	deliveries, err := e.bus.QueueConsume(ctx, domain.KeyControl, controlGroup, "engine-control")
	if err != nil {
		return fmt.Errorf("engine: consume control commands: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return domain.NewFault(domain.KindBusUnavailable, "control stream closed")
			}
			var cmd domain.ControlCommand
			if err := d.Envelope.Decode(&cmd); err != nil {
				e.logger.ErrorContext(ctx, "undecodable control command",
					slog.String("entry_id", d.EntryID),
					slog.String("error", err.Error()))
			} else {
				e.handleCommand(ctx, cmd)
			}
			if err := e.bus.Ack(ctx, d); err != nil {
				e.logger.WarnContext(ctx, "control ack failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd domain.ControlCommand) {
	var (
		detail json.RawMessage
		err    error
	)
	switch cmd.Name {
	case domain.CmdStartStrategy:
		err = e.startStrategy(ctx, cmd.StrategyID)
	case domain.CmdStopStrategy:
		err = e.stopStrategy(ctx, cmd.StrategyID)
	case domain.CmdEmergencyHalt:
		err = e.emergencyHalt(ctx)
	case domain.CmdPortfolioStatus:
		detail, err = e.portfolioStatus(ctx)
	case domain.CmdStrategyList:
		detail, err = e.strategyList(ctx)
	case domain.CmdReconcileNow:
		detail, err = e.reconcileNow(ctx, cmd)
	default:
		err = domain.Faultf(domain.KindValidationFailed, "unknown command %q", cmd.Name)
	}

	reply := domain.OperatorReply{
		CorrelationID: cmd.CorrelationID,
		Command:       cmd.Name,
		OK:            err == nil,
		Detail:        detail,
		RepliedAt:     time.Now().UTC(),
	}
	if err != nil {
		reply.Error = err.Error()
		e.logger.WarnContext(ctx, "operator command failed",
			slog.String("command", cmd.Name),
			slog.String("error", err.Error()))
	}
	if pubErr := e.bus.Publish(ctx, domain.OperatorReplyKey(cmd.CorrelationID), reply); pubErr != nil {
		e.logger.ErrorContext(ctx, "operator reply publish failed",
			slog.String("command", cmd.Name),
			slog.String("error", pubErr.Error()))
	}
}

func (e *Engine) startStrategy(ctx context.Context, id int64) error {
	row, err := e.strategies.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if row.Name == domain.ManualStrategyName {
		return domain.NewFault(domain.KindValidationFailed, "the manual pseudo-strategy never runs as a worker")
	}
	if err := e.strategies.SetActive(ctx, id, true); err != nil {
		return err
	}
	e.supervisor.Start(ctx, id)
	e.logger.InfoContext(ctx, "strategy started", slog.Int64("strategy_id", id))
	return nil
}

func (e *Engine) stopStrategy(ctx context.Context, id int64) error {
	if err := e.strategies.SetActive(ctx, id, false); err != nil {
		return err
	}
	e.supervisor.Stop(ctx, id, "operator stop")
	e.logger.InfoContext(ctx, "strategy stopped", slog.Int64("strategy_id", id))
	return nil
}

// emergencyHalt raises the retained halt flag first so the connector refuses
// new orders even if worker draining stalls.
func (e *Engine) emergencyHalt(ctx context.Context) error {
	if err := e.bus.SetFlag(ctx, domain.KeyHalt, true); err != nil {
		return fmt.Errorf("engine: set halt flag: %w", err)
	}
	e.supervisor.StopAll(ctx, "emergency halt")
	e.logger.WarnContext(ctx, "emergency halt engaged")
	return nil
}

type portfolioStatusRow struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	BaseCurrency     string          `json:"base_currency"`
	TotalCapital     decimal.Decimal `json:"total_capital"`
	AvailableCapital decimal.Decimal `json:"available_capital"`
	HeldReservations int             `json:"held_reservations"`
	HeldAmount       decimal.Decimal `json:"held_amount"`
	IsActive         bool            `json:"is_active"`
}

func (e *Engine) portfolioStatus(ctx context.Context) (json.RawMessage, error) {
	portfolios, err := e.portfolios.List(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]portfolioStatusRow, 0, len(portfolios))
	for _, p := range portfolios {
		held, err := e.reservations.ListHeldByPortfolio(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		heldAmount := decimal.Zero
		for _, r := range held {
			heldAmount = heldAmount.Add(r.Amount)
		}
		rows = append(rows, portfolioStatusRow{
			ID:               p.ID,
			Name:             p.Name,
			BaseCurrency:     p.BaseCurrency,
			TotalCapital:     p.TotalCapital,
			AvailableCapital: p.AvailableCapital,
			HeldReservations: len(held),
			HeldAmount:       heldAmount,
			IsActive:         p.IsActive,
		})
	}
	return json.Marshal(rows)
}

type strategyListRow struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	IsActive  bool   `json:"is_active"`
	Running   bool   `json:"running"`
}

func (e *Engine) strategyList(ctx context.Context) (json.RawMessage, error) {
	rows, err := e.strategies.List(ctx, false)
	if err != nil {
		return nil, err
	}
	running := make(map[int64]bool)
	for _, id := range e.supervisor.Running() {
		running[id] = true
	}
	out := make([]strategyListRow, 0, len(rows))
	for _, s := range rows {
		out = append(out, strategyListRow{
			ID:        s.ID,
			Name:      s.Name,
			Type:      s.Type,
			Exchange:  s.Exchange,
			Symbol:    s.Symbol,
			Timeframe: s.Timeframe,
			IsActive:  s.IsActive,
			Running:   running[s.ID],
		})
	}
	return json.Marshal(out)
}

func (e *Engine) reconcileNow(ctx context.Context, cmd domain.ControlCommand) (json.RawMessage, error) {
	if cmd.ClearHalt {
		if err := e.bus.SetFlag(ctx, domain.KeyHalt, false); err != nil {
			return nil, fmt.Errorf("engine: clear halt flag: %w", err)
		}
		e.logger.InfoContext(ctx, "halt flag cleared by operator")
	}
	report, err := e.reconciler.Run(ctx, cmd.Policy)
	if err != nil {
		e.alertReconcileFailed(ctx, err)
		return nil, err
	}
	return json.Marshal(report)
}
