package capital

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tidebot/internal/domain"
)

// RunSweeper repairs reservations whose terminal event never arrived. Each
// sweep checks held reservations past the timeout against the trades journal:
// a terminal row settles or releases the hold, an unknown order raises
// alerts.reservation.stale and is left for reconciliation.
func (m *Manager) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.sweep(ctx); err != nil {
				m.logger.ErrorContext(ctx, "reservation sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Manager) sweep(ctx context.Context) error {
	held, err := m.reservations.ListHeld(ctx)
	if err != nil {
		return fmt.Errorf("capital: list held reservations: %w", err)
	}

	cutoff := time.Now().Add(-m.cfg.ReservationTimeout)
	for _, reservation := range held {
		if reservation.CreatedAt.After(cutoff) {
			continue
		}
		if err := m.sweepOne(ctx, reservation); err != nil {
			m.logger.ErrorContext(ctx, "stale reservation repair failed",
				slog.String("reservation_id", reservation.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (m *Manager) sweepOne(ctx context.Context, reservation domain.Reservation) error {
	trade, err := m.trades.GetByReservationID(ctx, reservation.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.alertStale(ctx, reservation, "no journal row for reservation")
			return nil
		}
		return fmt.Errorf("capital: journal lookup for reservation %s: %w", reservation.ID, err)
	}

	switch trade.Status {
	case domain.TradeFilled, domain.TradeCanceled:
		// Missed trade_executed: settle from journal truth.
		event := domain.TradeExecutedEvent{
			ExchangeOrderID: trade.ExchangeOrderID,
			ProposalID:      trade.ClientOrderID,
			ReservationID:   reservation.ID,
			StrategyID:      trade.StrategyID,
			PortfolioID:     trade.PortfolioID,
			Exchange:        trade.Exchange,
			Symbol:          trade.Symbol,
			Side:            trade.Side,
			Amount:          trade.Amount,
			FilledAmount:    trade.FilledAmount,
			AvgFillPrice:    trade.AvgFillPrice,
			Fee:             trade.Fee,
			Status:          trade.Status,
			ExecutedAt:      trade.UpdatedAt,
		}
		if err := m.reservations.Settle(ctx, reservation.ID, fillCashDelta(event)); err != nil {
			return fmt.Errorf("capital: settle stale reservation %s: %w", reservation.ID, err)
		}
		if event.FilledAmount.Sign() > 0 {
			if err := m.applyFill(ctx, event); err != nil {
				return err
			}
		}
		m.logger.WarnContext(ctx, "stale reservation settled from journal",
			slog.String("reservation_id", reservation.ID),
			slog.String("exchange_order_id", trade.ExchangeOrderID))
		return nil

	case domain.TradeRejected, domain.TradeFailed:
		// Missed trade_failed: return the hold.
		if err := m.reservations.Release(ctx, reservation.ID); err != nil {
			return fmt.Errorf("capital: release stale reservation %s: %w", reservation.ID, err)
		}
		m.logger.WarnContext(ctx, "stale reservation released from journal",
			slog.String("reservation_id", reservation.ID))
		return nil
	}

	// Order still in flight on the exchange; reconciliation owns it now.
	m.alertStale(ctx, reservation, fmt.Sprintf("order %s still %s past reservation timeout",
		trade.ClientOrderID, trade.Status))
	return nil
}

func (m *Manager) alertStale(ctx context.Context, reservation domain.Reservation, detail string) {
	alert := domain.Alert{
		Severity: "warning",
		Message: fmt.Sprintf("reservation %s (portfolio %d, %s) held past timeout",
			reservation.ID, reservation.PortfolioID, reservation.Amount),
		Detail: detail,
		At:     time.Now().UTC(),
	}
	if err := m.bus.Publish(ctx, domain.AlertReservationStale, alert); err != nil {
		m.logger.WarnContext(ctx, "stale alert publish failed", slog.String("error", err.Error()))
	}
	m.logger.WarnContext(ctx, "stale reservation",
		slog.String("reservation_id", reservation.ID),
		slog.String("detail", detail))
}
