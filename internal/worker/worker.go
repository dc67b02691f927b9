// Package worker hosts one strategy in its own process: a single-threaded
// event loop fed by the bus, a bounded bar frame, and a persisted snapshot so
// restarts resume where the strategy left off. The worker publishes proposals
// and nothing else; orders are someone else's job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tidebot/internal/domain"
	"tidebot/internal/strategy"
)

// Config tunes one worker's runtime.
type Config struct {
	MaxBars          int
	SnapshotInterval time.Duration
	SignalCooldown   time.Duration
}

func (c *Config) fill() {
	if c.MaxBars < 10 {
		c.MaxBars = 500
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
}

// Worker runs one strategy instance against the bus.
type Worker struct {
	cfg       Config
	row       domain.Strategy
	strat     strategy.Strategy
	bus       domain.Bus
	snapshots domain.SnapshotStore
	logger    *slog.Logger

	frame         *strategy.Frame
	cooldownUntil time.Time
	lastBarTime   time.Time
}

// New builds a worker for one strategy row.
func New(cfg Config, row domain.Strategy, strat strategy.Strategy, bus domain.Bus,
	snapshots domain.SnapshotStore, logger *slog.Logger) *Worker {
	cfg.fill()
	return &Worker{
		cfg:       cfg,
		row:       row,
		strat:     strat,
		bus:       bus,
		snapshots: snapshots,
		logger: logger.With(
			slog.String("component", "worker"),
			slog.Int64("strategy_id", row.ID),
			slog.String("strategy", row.Name)),
	}
}

// Run restores state, subscribes, and drives the event loop until ctx ends or
// a stop signal arrives. The snapshot is flushed on every exit path.
func (w *Worker) Run(ctx context.Context) error {
	w.frame = strategy.NewFrame(w.cfg.MaxBars)
	if err := w.restore(ctx); err != nil {
		return err
	}

	if starter, ok := w.strat.(strategy.Starter); ok {
		if err := starter.OnStart(ctx); err != nil {
			return fmt.Errorf("worker %d: start: %w", w.row.ID, err)
		}
	}

	frames, err := w.subscribeMarketData(ctx)
	if err != nil {
		return err
	}
	denials, err := w.bus.Subscribe(ctx, domain.CapitalDeniedKey(w.row.ID))
	if err != nil {
		return fmt.Errorf("worker %d: subscribe denials: %w", w.row.ID, err)
	}
	stops, err := w.bus.Subscribe(ctx, domain.WorkerStopKey(w.row.ID))
	if err != nil {
		return fmt.Errorf("worker %d: subscribe stop: %w", w.row.ID, err)
	}

	snapTicker := time.NewTicker(w.cfg.SnapshotInterval)
	defer snapTicker.Stop()

	w.logger.InfoContext(ctx, "worker running",
		slog.String("type", w.row.Type),
		slog.Int("warmup", w.strat.Warmup()),
		slog.Int("bars_restored", w.frame.Len()))

	for {
		select {
		case <-ctx.Done():
			w.shutdown(ctx)
			return ctx.Err()

		case env, ok := <-stops:
			if !ok {
				w.shutdown(ctx)
				return ctx.Err()
			}
			var stop domain.WorkerStop
			_ = env.Decode(&stop)
			w.logger.InfoContext(ctx, "stop requested", slog.String("reason", stop.Reason))
			w.shutdown(ctx)
			return nil

		case env, ok := <-frames:
			if !ok {
				w.shutdown(ctx)
				return ctx.Err()
			}
			w.handleFrame(ctx, env)

		case env, ok := <-denials:
			if !ok {
				continue
			}
			w.handleDenial(ctx, env)

		case <-snapTicker.C:
			w.flush(ctx)
		}
	}
}

// subscribeMarketData merges every required subscription into one channel,
// preserving per-pattern FIFO (one forwarding goroutine per subscription).
func (w *Worker) subscribeMarketData(ctx context.Context) (<-chan domain.Envelope, error) {
	patterns := w.strat.RequiredSubscriptions()
	if len(patterns) == 1 {
		return w.bus.Subscribe(ctx, patterns[0])
	}

	merged := make(chan domain.Envelope, 64)
	for _, p := range patterns {
		ch, err := w.bus.Subscribe(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("worker %d: subscribe %s: %w", w.row.ID, p, err)
		}
		go func() {
			for env := range ch {
				select {
				case merged <- env:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	return merged, nil
}

// handleFrame feeds one market-data envelope to the strategy. Only closed
// bars advance the frame; forming frames and non-candle keys are skipped.
func (w *Worker) handleFrame(ctx context.Context, env domain.Envelope) {
	if strings.HasPrefix(env.Key, "market_data.clock.") {
		return
	}
	var bar domain.Candle
	if err := env.Decode(&bar); err != nil {
		w.logger.WarnContext(ctx, "bad market data frame", slog.String("error", err.Error()))
		return
	}
	if !bar.Closed {
		return
	}
	w.onBar(ctx, bar)
}

// onBar runs one closed bar through the strategy and publishes the proposal,
// subject to the signal cooldown.
func (w *Worker) onBar(ctx context.Context, bar domain.Candle) {
	w.frame.Push(bar)
	w.lastBarTime = bar.OpenTime

	if err := w.strat.PopulateIndicators(w.frame); err != nil {
		w.logger.ErrorContext(ctx, "populate indicators failed", slog.String("error", err.Error()))
		return
	}
	proposal, err := w.strat.OnData(ctx, bar, w.frame)
	if err != nil {
		w.logger.ErrorContext(ctx, "strategy error", slog.String("error", err.Error()))
		return
	}
	if proposal == nil {
		return
	}
	if now := time.Now(); now.Before(w.cooldownUntil) {
		w.logger.DebugContext(ctx, "signal suppressed by cooldown",
			slog.Time("until", w.cooldownUntil))
		return
	}
	if err := proposal.Validate(); err != nil {
		w.logger.ErrorContext(ctx, "invalid proposal dropped", slog.String("error", err.Error()))
		return
	}

	key := domain.AllocationKey(w.row.ID)
	if err := w.bus.QueuePublish(ctx, key, proposal); err != nil {
		w.logger.ErrorContext(ctx, "publish proposal failed", slog.String("error", err.Error()))
		return
	}
	w.cooldownUntil = time.Now().Add(w.cfg.SignalCooldown)
	w.logger.InfoContext(ctx, "proposal published",
		slog.String("proposal_id", proposal.ProposalID),
		slog.String("side", string(proposal.Side)),
		slog.String("signal_price", proposal.SignalPrice.String()))
}

// handleDenial logs the refusal and extends the cooldown so a denied
// condition does not spam the capital manager every bar.
func (w *Worker) handleDenial(ctx context.Context, env domain.Envelope) {
	var denial domain.CapitalDeniedEvent
	if err := env.Decode(&denial); err != nil {
		return
	}
	w.cooldownUntil = time.Now().Add(w.cfg.SignalCooldown)
	w.logger.WarnContext(ctx, "proposal denied",
		slog.String("proposal_id", denial.ProposalID),
		slog.String("rule", denial.Rule),
		slog.String("reason", denial.Reason))
}

func (w *Worker) shutdown(ctx context.Context) {
	// The parent context may already be canceled; flushing gets its own
	// deadline so a snapshot still lands.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	w.flush(flushCtx)

	if stopper, ok := w.strat.(strategy.Stopper); ok {
		if err := stopper.OnStop(flushCtx); err != nil {
			w.logger.WarnContext(flushCtx, "strategy stop hook failed", slog.String("error", err.Error()))
		}
	}
	w.logger.InfoContext(flushCtx, "worker stopped")
}

// flush persists the current snapshot.
func (w *Worker) flush(ctx context.Context) {
	data, err := w.snapshotBytes()
	if err != nil {
		w.logger.ErrorContext(ctx, "snapshot encode failed", slog.String("error", err.Error()))
		return
	}
	if err := w.snapshots.Save(ctx, w.row.ID, data, w.lastBarTime); err != nil {
		w.logger.ErrorContext(ctx, "snapshot save failed", slog.String("error", err.Error()))
	}
}

// restore loads the last snapshot, if any.
func (w *Worker) restore(ctx context.Context) error {
	data, barTime, err := w.snapshots.Load(ctx, w.row.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("worker %d: load snapshot: %w", w.row.ID, err)
	}
	if err := w.restoreBytes(data); err != nil {
		// A corrupt snapshot must not keep the worker down; warm up fresh.
		w.logger.Warn("snapshot restore failed, starting cold", slog.String("error", err.Error()))
		w.frame = strategy.NewFrame(w.cfg.MaxBars)
		return nil
	}
	w.lastBarTime = barTime
	return nil
}
