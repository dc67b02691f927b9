package engine

import (
	"context"
	"fmt"
	"log/slog"

	"tidebot/internal/domain"
)

// AlertNotifier is the engine's view of the notification fan-out.
type AlertNotifier interface {
	Notify(ctx context.Context, event, title, message string) error
	NotifyAlert(ctx context.Context, key string, alert domain.Alert) error
}

// runBridge relays bus alerts and terminal trade events to the operator
// channels. Alerts are best-effort pub/sub; terminal events ride the durable
// class under the bridge's own consumer group so they survive engine
// restarts.
func (e *Engine) runBridge(ctx context.Context) error {
	alerts, err := e.bus.Subscribe(ctx, "alerts.*")
	if err != nil {
		return fmt.Errorf("engine: subscribe alerts: %w", err)
	}
	terminal, err := e.bus.QueueConsume(ctx, "events.trade_*", "notifier", "engine-bridge")
	if err != nil {
		return fmt.Errorf("engine: consume terminal events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-alerts:
			if !ok {
				return domain.NewFault(domain.KindBusUnavailable, "alert channel closed")
			}
			e.bridgeAlert(ctx, env)
		case d, ok := <-terminal:
			if !ok {
				return domain.NewFault(domain.KindBusUnavailable, "terminal event stream closed")
			}
			e.bridgeTerminal(ctx, d.Envelope)
			if err := e.bus.Ack(ctx, d); err != nil {
				e.logger.WarnContext(ctx, "terminal event ack failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

func (e *Engine) bridgeAlert(ctx context.Context, env domain.Envelope) {
	var alert domain.Alert
	if err := env.Decode(&alert); err != nil {
		e.logger.WarnContext(ctx, "undecodable alert",
			slog.String("key", env.Key),
			slog.String("error", err.Error()))
		return
	}
	if err := e.notifier.NotifyAlert(ctx, env.Key, alert); err != nil {
		e.logger.WarnContext(ctx, "alert notification failed",
			slog.String("key", env.Key),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) bridgeTerminal(ctx context.Context, env domain.Envelope) {
	var title, message string
	switch env.Key {
	case domain.KeyTradeExecuted:
		var ev domain.TradeExecutedEvent
		if err := env.Decode(&ev); err != nil {
			e.logger.WarnContext(ctx, "undecodable trade event",
				slog.String("error", err.Error()))
			return
		}
		title = fmt.Sprintf("Trade %s", ev.Status)
		message = fmt.Sprintf("%s %s %s @ %s on %s",
			ev.Side, ev.FilledAmount, ev.Symbol, ev.AvgFillPrice.Decimal, ev.Exchange)
	case domain.KeyTradeFailed:
		var ev domain.TradeFailedEvent
		if err := env.Decode(&ev); err != nil {
			e.logger.WarnContext(ctx, "undecodable trade event",
				slog.String("error", err.Error()))
			return
		}
		title = "Trade failed"
		message = fmt.Sprintf("%s on %s: %s", ev.Symbol, ev.Exchange, ev.Reason)
	default:
		return
	}
	if err := e.notifier.Notify(ctx, env.Key, title, message); err != nil {
		e.logger.WarnContext(ctx, "trade notification failed",
			slog.String("key", env.Key),
			slog.String("error", err.Error()))
	}
}
