package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tidebot/internal/domain"
)

// runHealthWatch tracks heartbeats on system.health.* and alerts once per
// silence. A component that resumes beating clears its unhealthy mark, so a
// later outage alerts again.
func (e *Engine) runHealthWatch(ctx context.Context) error {
	beats, err := e.bus.Subscribe(ctx, domain.HealthKey("*"))
	if err != nil {
		return fmt.Errorf("engine: subscribe heartbeats: %w", err)
	}

	lastSeen := make(map[string]time.Time)
	unhealthy := make(map[string]bool)
	threshold := time.Duration(e.cfg.MissedHeartbeats) * e.cfg.HeartbeatInterval

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-beats:
			if !ok {
				return domain.NewFault(domain.KindBusUnavailable, "heartbeat channel closed")
			}
			var hb domain.Heartbeat
			if err := env.Decode(&hb); err != nil {
				e.logger.WarnContext(ctx, "undecodable heartbeat",
					slog.String("key", env.Key),
					slog.String("error", err.Error()))
				continue
			}
			lastSeen[hb.Component] = hb.At
			if unhealthy[hb.Component] {
				delete(unhealthy, hb.Component)
				e.logger.InfoContext(ctx, "component recovered",
					slog.String("unhealthy_component", hb.Component))
			}
		case now := <-ticker.C:
			for component, at := range lastSeen {
				if unhealthy[component] || now.Sub(at) <= threshold {
					continue
				}
				unhealthy[component] = true
				e.alertUnhealthy(ctx, component, now.Sub(at))
			}
		}
	}
}

func (e *Engine) alertUnhealthy(ctx context.Context, component string, silence time.Duration) {
	alert := domain.Alert{
		Severity: "warning",
		Message:  fmt.Sprintf("component %s missed heartbeats", component),
		Detail:   fmt.Sprintf("no heartbeat for %s", silence.Truncate(time.Second)),
		At:       time.Now().UTC(),
	}
	if err := e.bus.Publish(ctx, domain.AlertComponentUnhealthy, alert); err != nil {
		e.logger.ErrorContext(ctx, "unhealthy alert publish failed",
			slog.String("error", err.Error()))
	}
	e.logger.WarnContext(ctx, "component unhealthy",
		slog.String("unhealthy_component", component),
		slog.Duration("silence", silence))
}
