// Package engine is the orchestrator process: it reconciles state before
// anything trades, supervises one worker process per active strategy, serves
// operator commands, and runs the clock, health, and notification loops.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"tidebot/internal/domain"
	"tidebot/internal/reconcile"
)

// Reconciler is the engine's view of the reconciliation protocol.
type Reconciler interface {
	Run(ctx context.Context, policyOverride string) (reconcile.Report, error)
}

// Archiver exports aged terminal trades to cold storage.
type Archiver interface {
	Archive(ctx context.Context) error
}

// Config tunes the orchestrator loops.
type Config struct {
	PeriodicReconcile time.Duration
	HeartbeatInterval time.Duration
	// MissedHeartbeats is how many intervals of silence mark a component
	// unhealthy.
	MissedHeartbeats int
	ArchiveEnabled   bool
	ArchiveCron      string
}

func (c *Config) fill() {
	if c.PeriodicReconcile <= 0 {
		c.PeriodicReconcile = 15 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = 3
	}
	if c.ArchiveCron == "" {
		c.ArchiveCron = "0 3 1 * *"
	}
}

// Engine wires the orchestrator's subsystems together.
type Engine struct {
	cfg          Config
	bus          domain.Bus
	strategies   domain.StrategyStore
	portfolios   domain.PortfolioStore
	reservations domain.ReservationStore
	reconciler   Reconciler
	supervisor   *Supervisor
	archiver     Archiver // nil disables archival
	notifier     AlertNotifier
	logger       *slog.Logger
}

// New builds an Engine. archiver and notifier may be nil.
func New(cfg Config, bus domain.Bus, strategies domain.StrategyStore,
	portfolios domain.PortfolioStore, reservations domain.ReservationStore,
	reconciler Reconciler, supervisor *Supervisor,
	archiver Archiver, notifier AlertNotifier, logger *slog.Logger) *Engine {
	cfg.fill()
	return &Engine{
		cfg:          cfg,
		bus:          bus,
		strategies:   strategies,
		portfolios:   portfolios,
		reservations: reservations,
		reconciler:   reconciler,
		supervisor:   supervisor,
		archiver:     archiver,
		notifier:     notifier,
		logger:       logger.With(slog.String("component", "engine")),
	}
}

// Run drives the mandatory startup order, then blocks on the subsystem group
// until ctx ends. Reconciliation failure aborts startup; nothing trades.
func (e *Engine) Run(ctx context.Context) error {
	report, err := e.reconciler.Run(ctx, "")
	if err != nil {
		e.alertReconcileFailed(ctx, err)
		return domain.WrapFault(domain.KindReconcileDrift, "startup reconciliation failed", err)
	}
	if report.Frozen {
		e.logger.WarnContext(ctx, "starting with trading frozen: orphan positions need operator review")
	}

	if err := e.spawnWorkers(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.runControl(ctx) })
	g.Go(func() error { return e.runScheduler(ctx) })
	g.Go(func() error { return e.runHealthWatch(ctx) })
	if e.notifier != nil {
		g.Go(func() error { return e.runBridge(ctx) })
	}

	if err := e.setReady(ctx, true); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "system ready",
		slog.Int("orders_repaired", report.OrdersRepaired),
		slog.Int("orders_canceled", report.OrdersCanceled),
		slog.Bool("frozen", report.Frozen))

	err = g.Wait()

	// Best effort on the way down; the flag must not advertise a dead engine.
	downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = e.setReady(downCtx, false)
	e.supervisor.StopAll(downCtx, "engine shutdown")
	return err
}

func (e *Engine) spawnWorkers(ctx context.Context) error {
	rows, err := e.strategies.List(ctx, true)
	if err != nil {
		return fmt.Errorf("engine: list active strategies: %w", err)
	}
	for _, row := range rows {
		if row.Name == domain.ManualStrategyName {
			continue
		}
		e.supervisor.Start(ctx, row.ID)
	}
	e.logger.InfoContext(ctx, "workers spawned", slog.Int("count", len(rows)))
	return nil
}

func (e *Engine) setReady(ctx context.Context, on bool) error {
	if err := e.bus.SetFlag(ctx, domain.KeyReady, on); err != nil {
		return fmt.Errorf("engine: set ready flag: %w", err)
	}
	return e.bus.Publish(ctx, domain.KeyReady, map[string]any{
		"ready": on,
		"at":    time.Now().UTC(),
	})
}

func (e *Engine) alertReconcileFailed(ctx context.Context, cause error) {
	kind, _ := domain.KindOf(cause)
	alert := domain.Alert{
		Severity: "critical",
		Kind:     kind,
		Message:  "reconciliation failed, trading disabled",
		Detail:   cause.Error(),
		At:       time.Now().UTC(),
	}
	if err := e.bus.Publish(ctx, domain.AlertReconcileFailed, alert); err != nil {
		e.logger.ErrorContext(ctx, "reconcile-failed alert publish failed",
			slog.String("error", err.Error()))
	}
}
