package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"tidebot/internal/domain"
)

const maxRestartBackoff = time.Minute

// SupervisorConfig tunes worker process supervision.
type SupervisorConfig struct {
	// ConfigPath is forwarded to worker processes via -config.
	ConfigPath     string
	RestartBackoff time.Duration
	RestartWindow  time.Duration
	// MaxRestartsPerWindow restarts inside RestartWindow deactivate the
	// strategy instead of restarting again.
	MaxRestartsPerWindow int
}

func (c *SupervisorConfig) fill() {
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = 2 * time.Second
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 10 * time.Minute
	}
	if c.MaxRestartsPerWindow <= 0 {
		c.MaxRestartsPerWindow = 5
	}
}

// runWorkerFunc runs one worker to completion. The default re-execs this
// binary in worker mode; tests substitute their own.
type runWorkerFunc func(ctx context.Context, strategyID int64) error

// Supervisor keeps one OS process alive per active strategy, restarting
// crashed workers with exponential backoff until the restart budget is spent.
type Supervisor struct {
	cfg        SupervisorConfig
	bus        domain.Bus
	strategies domain.StrategyStore
	logger     *slog.Logger
	run        runWorkerFunc

	mu      sync.Mutex
	workers map[int64]*workerHandle
}

type workerHandle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool // set by Stop; suppresses the restart loop
}

// NewSupervisor builds a Supervisor that re-execs the current binary for each
// worker.
func NewSupervisor(cfg SupervisorConfig, bus domain.Bus, strategies domain.StrategyStore, logger *slog.Logger) *Supervisor {
	cfg.fill()
	s := &Supervisor{
		cfg:        cfg,
		bus:        bus,
		strategies: strategies,
		logger:     logger.With(slog.String("component", "supervisor")),
		workers:    make(map[int64]*workerHandle),
	}
	s.run = s.execWorker
	return s
}

func (s *Supervisor) execWorker(ctx context.Context, strategyID int64) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"-mode", "worker", "-strategy-id", strconv.FormatInt(strategyID, 10)}
	if s.cfg.ConfigPath != "" {
		args = append(args, "-config", s.cfg.ConfigPath)
	}
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	return cmd.Run()
}

// Start launches the supervision loop for one strategy. Starting an already
// running strategy is a no-op.
func (s *Supervisor) Start(ctx context.Context, strategyID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.workers[strategyID]; running {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	h := &workerHandle{cancel: cancel, done: make(chan struct{})}
	s.workers[strategyID] = h
	go s.supervise(wctx, strategyID, h)
}

// Stop asks one worker to drain and exit, then cancels its process context.
// It blocks until the supervision loop returns or ctx expires.
func (s *Supervisor) Stop(ctx context.Context, strategyID int64, reason string) {
	s.mu.Lock()
	h, running := s.workers[strategyID]
	if running {
		h.stopped = true
	}
	s.mu.Unlock()
	if !running {
		return
	}

	stop := domain.WorkerStop{StrategyID: strategyID, Reason: reason, IssuedAt: time.Now().UTC()}
	if err := s.bus.Publish(ctx, domain.WorkerStopKey(strategyID), stop); err != nil {
		s.logger.WarnContext(ctx, "worker stop publish failed",
			slog.Int64("strategy_id", strategyID),
			slog.String("error", err.Error()))
	}

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		// Drain window elapsed; the worker flushed or it didn't.
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
		}
	case <-ctx.Done():
		h.cancel()
	}
}

// StopAll stops every running worker.
func (s *Supervisor) StopAll(ctx context.Context, reason string) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			s.Stop(ctx, id, reason)
		}(id)
	}
	wg.Wait()
}

// Running reports the strategy ids with live supervision loops.
func (s *Supervisor) Running() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) supervise(ctx context.Context, strategyID int64, h *workerHandle) {
	defer close(h.done)
	defer func() {
		s.mu.Lock()
		delete(s.workers, strategyID)
		s.mu.Unlock()
	}()

	backoff := s.cfg.RestartBackoff
	var restarts []time.Time

	for {
		started := time.Now()
		err := s.run(ctx, strategyID)

		s.mu.Lock()
		stopped := h.stopped
		s.mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean exit without an operator stop means the worker chose to
			// leave (e.g. strategy deactivated underneath it).
			s.logger.InfoContext(ctx, "worker exited cleanly",
				slog.Int64("strategy_id", strategyID))
			return
		}

		s.logger.ErrorContext(ctx, "worker crashed",
			slog.Int64("strategy_id", strategyID),
			slog.String("error", err.Error()))

		// A worker that survived a full window earns a fresh budget.
		if time.Since(started) > s.cfg.RestartWindow {
			restarts = restarts[:0]
			backoff = s.cfg.RestartBackoff
		}

		now := time.Now()
		restarts = append(restarts, now)
		cutoff := now.Add(-s.cfg.RestartWindow)
		kept := restarts[:0]
		for _, t := range restarts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		restarts = kept

		if len(restarts) > s.cfg.MaxRestartsPerWindow {
			s.haltStrategy(ctx, strategyID, len(restarts))
			return
		}

		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}
	}
}

func (s *Supervisor) haltStrategy(ctx context.Context, strategyID int64, restarts int) {
	if err := s.strategies.SetActive(ctx, strategyID, false); err != nil {
		s.logger.ErrorContext(ctx, "deactivate crashed strategy failed",
			slog.Int64("strategy_id", strategyID),
			slog.String("error", err.Error()))
	}
	alert := domain.Alert{
		Severity: "critical",
		Message:  "strategy halted after repeated crashes",
		Detail:   "strategy " + strconv.FormatInt(strategyID, 10) + " restarted " + strconv.Itoa(restarts) + " times inside the restart window",
		At:       time.Now().UTC(),
	}
	if err := s.bus.Publish(ctx, domain.AlertStrategyHalted, alert); err != nil {
		s.logger.ErrorContext(ctx, "strategy-halted alert publish failed",
			slog.String("error", err.Error()))
	}
	s.logger.ErrorContext(ctx, "strategy halted",
		slog.Int64("strategy_id", strategyID),
		slog.Int("restarts", restarts))
}

// jitter spreads restarts so crashed workers do not stampede the broker.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}
