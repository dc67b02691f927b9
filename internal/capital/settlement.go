package capital

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// terminalPattern matches both terminal event keys.
const terminalPattern = "events.trade_*"

// RunSettlement consumes terminal trade events and closes the reservation
// loop: fills settle capital and move positions, failures release the hold.
// Replays are no-ops because Settle and Release only act on held rows.
func (m *Manager) RunSettlement(ctx context.Context) error {
	deliveries, err := m.bus.QueueConsume(ctx, terminalPattern, consumerGroup, m.cfg.Consumer+"-settle")
	if err != nil {
		return fmt.Errorf("capital: consume terminal events: %w", err)
	}
	m.logger.InfoContext(ctx, "settlement running")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err()
			}
			var err error
			switch d.Envelope.Key {
			case domain.KeyTradeExecuted:
				err = m.settleExecuted(ctx, d.Envelope)
			case domain.KeyTradeFailed:
				err = m.settleFailed(ctx, d.Envelope)
			}
			if err != nil {
				m.logger.ErrorContext(ctx, "settlement failed",
					slog.String("key", d.Envelope.Key),
					slog.String("error", err.Error()))
				continue
			}
			if err := m.bus.Ack(ctx, d); err != nil {
				m.logger.WarnContext(ctx, "ack failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Manager) settleExecuted(ctx context.Context, env domain.Envelope) error {
	var event domain.TradeExecutedEvent
	if err := env.Decode(&event); err != nil {
		m.logger.WarnContext(ctx, "undecodable trade_executed dropped", slog.String("error", err.Error()))
		return nil
	}

	reservation, err := m.reservations.Get(ctx, event.ReservationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.logger.WarnContext(ctx, "executed event references unknown reservation",
				slog.String("reservation_id", event.ReservationID),
				slog.String("exchange_order_id", event.ExchangeOrderID))
			return nil
		}
		return fmt.Errorf("capital: load reservation %s: %w", event.ReservationID, err)
	}
	if reservation.Status != domain.ReservationHeld {
		// Replay of an already-settled fill.
		return nil
	}

	if err := m.reservations.Settle(ctx, reservation.ID, fillCashDelta(event)); err != nil {
		return fmt.Errorf("capital: settle reservation %s: %w", reservation.ID, err)
	}

	if event.FilledAmount.Sign() > 0 {
		if err := m.applyFill(ctx, event); err != nil {
			return err
		}
	}

	m.logger.InfoContext(ctx, "trade settled",
		slog.String("exchange_order_id", event.ExchangeOrderID),
		slog.String("reservation_id", reservation.ID),
		slog.String("filled", event.FilledAmount.String()),
		slog.String("status", string(event.Status)))
	return nil
}

// fillCashDelta is the signed quote-currency flow of the fill: negative spend
// for buys, positive proceeds for sells, fees always subtract. A zero-fill
// cancel yields zero so the full hold returns to available.
func fillCashDelta(event domain.TradeExecutedEvent) decimal.Decimal {
	if event.FilledAmount.Sign() == 0 {
		return decimal.Zero
	}
	price := event.AvgFillPrice.Decimal
	if !event.AvgFillPrice.Valid {
		price = decimal.Zero
	}
	notional := event.FilledAmount.Mul(price)
	delta := notional
	if event.Side == domain.SideBuy {
		delta = notional.Neg()
	}
	if event.Fee.Valid {
		delta = delta.Sub(event.Fee.Decimal)
	}
	return delta
}

// applyFill folds the fill into the (strategy, symbol) position and records
// the realized PnL on the journal row.
func (m *Manager) applyFill(ctx context.Context, event domain.TradeExecutedEvent) error {
	pos, err := m.positions.Get(ctx, event.StrategyID, event.Symbol)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("capital: load position %d/%s: %w", event.StrategyID, event.Symbol, err)
		}
		pos = domain.Position{
			StrategyID: event.StrategyID,
			Exchange:   event.Exchange,
			Symbol:     event.Symbol,
			OpenedAt:   event.ExecutedAt,
		}
	}

	price := event.AvgFillPrice.Decimal
	fee := decimal.Zero
	if event.Fee.Valid {
		fee = event.Fee.Decimal
	}
	realized := pos.ApplyFill(event.Side, event.FilledAmount, price, fee)
	pos.MarkPrice(price)
	pos.UpdatedAt = time.Now().UTC()

	if err := m.positions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("capital: upsert position %d/%s: %w", event.StrategyID, event.Symbol, err)
	}
	if err := m.trades.SetRealizedPnL(ctx, event.ExchangeOrderID, realized); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("capital: record realized pnl for %s: %w", event.ExchangeOrderID, err)
	}
	return nil
}

func (m *Manager) settleFailed(ctx context.Context, env domain.Envelope) error {
	var event domain.TradeFailedEvent
	if err := env.Decode(&event); err != nil {
		m.logger.WarnContext(ctx, "undecodable trade_failed dropped", slog.String("error", err.Error()))
		return nil
	}
	if event.ReservationID == "" {
		return nil
	}
	if err := m.reservations.Release(ctx, event.ReservationID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.logger.WarnContext(ctx, "failed event references unknown reservation",
				slog.String("reservation_id", event.ReservationID))
			return nil
		}
		return fmt.Errorf("capital: release reservation %s: %w", event.ReservationID, err)
	}
	m.logger.InfoContext(ctx, "reservation released",
		slog.String("reservation_id", event.ReservationID),
		slog.String("proposal_id", event.ProposalID),
		slog.String("kind", string(event.Kind)))
	return nil
}
