package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"tidebot/internal/domain"
)

// runScheduler drives the clock tick channels, periodic reconciliation, and
// monthly archival. Clock ticks ride cron so tick_1m lands on minute
// boundaries instead of process-start offsets. The ticks are part of the bus
// surface for schedule-driven consumers outside this tree; the shipped
// strategies key on bar open time instead so replayed history stays
// deterministic.
func (e *Engine) runScheduler(ctx context.Context) error {
	c := cron.New()

	if _, err := c.AddFunc("* * * * *", func() { e.publishTick(ctx, "tick_1m") }); err != nil {
		return fmt.Errorf("engine: schedule tick_1m: %w", err)
	}
	if _, err := c.AddFunc("0 * * * *", func() { e.publishTick(ctx, "tick_1h") }); err != nil {
		return fmt.Errorf("engine: schedule tick_1h: %w", err)
	}
	if e.cfg.ArchiveEnabled && e.archiver != nil {
		if _, err := c.AddFunc(e.cfg.ArchiveCron, func() { e.runArchive(ctx) }); err != nil {
			return fmt.Errorf("engine: schedule archival %q: %w", e.cfg.ArchiveCron, err)
		}
	}

	c.Start()
	defer c.Stop()

	ticker := time.NewTicker(e.cfg.PeriodicReconcile)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.periodicReconcile(ctx)
		}
	}
}

func (e *Engine) publishTick(ctx context.Context, name string) {
	tick := domain.ClockTick{Name: name, At: time.Now().UTC()}
	if err := e.bus.Publish(ctx, domain.ClockKey(name), tick); err != nil {
		e.logger.WarnContext(ctx, "clock tick publish failed",
			slog.String("tick", name),
			slog.String("error", err.Error()))
	}
}

// periodicReconcile repairs drift in the background. Unlike the startup run a
// failure here does not stop trading; it alerts and waits for the next cycle.
func (e *Engine) periodicReconcile(ctx context.Context) {
	report, err := e.reconciler.Run(ctx, "")
	if err != nil {
		e.logger.ErrorContext(ctx, "periodic reconciliation failed",
			slog.String("error", err.Error()))
		e.alertReconcileFailed(ctx, err)
		return
	}
	if report.OrdersRepaired > 0 || report.OrdersCanceled > 0 || report.Orphans > 0 || report.DriftRepaired > 0 {
		e.logger.WarnContext(ctx, "periodic reconciliation found drift",
			slog.Int("orders_repaired", report.OrdersRepaired),
			slog.Int("orders_canceled", report.OrdersCanceled),
			slog.Int("orphans", report.Orphans),
			slog.Int("drift_repaired", report.DriftRepaired))
	}
}

func (e *Engine) runArchive(ctx context.Context) {
	if err := e.archiver.Archive(ctx); err != nil {
		e.logger.ErrorContext(ctx, "trade archival failed",
			slog.String("error", err.Error()))
	}
}
