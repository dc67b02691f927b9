// Package app wires the process modes together: engine, capital, connector,
// and worker share one binary and one configuration, differing only in which
// components Run starts.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tidebot/internal/config"
)

// App is the root of one process. closers tear resources down in reverse
// registration order.
type App struct {
	cfg        *config.Config
	configPath string
	strategyID int64
	logger     *slog.Logger
	closers    []func()
}

// New builds an App. configPath is forwarded to spawned worker processes;
// strategyID is only meaningful in worker mode.
func New(cfg *config.Config, configPath string, strategyID int64, logger *slog.Logger) *App {
	return &App{
		cfg:        cfg,
		configPath: configPath,
		strategyID: strategyID,
		logger:     logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, starts the configured mode, and blocks until ctx
// ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
		slog.Bool("dry_run", a.cfg.DryRun))

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	defer a.Close()

	switch strings.ToLower(a.cfg.Mode) {
	case "engine":
		return a.engineMode(ctx, deps)
	case "capital":
		return a.capitalMode(ctx, deps)
	case "connector":
		return a.connectorMode(ctx, deps)
	case "worker":
		return a.workerMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close releases resources in reverse registration order. Safe to call more
// than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
