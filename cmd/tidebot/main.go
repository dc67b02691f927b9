// Command tidebot is the trading system entry point. One binary runs every
// process mode: the engine orchestrator, the capital manager, the exchange
// connector, and the per-strategy workers the engine spawns.
//
// Exit codes: 0 clean shutdown, 1 configuration or runtime failure,
// 2 reconciliation failure, 3 unrecoverable bus or database loss.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tidebot/internal/app"
	"tidebot/internal/config"
	"tidebot/internal/domain"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the configured mode (engine, capital, connector, worker)")
	strategyID := flag.Int64("strategy-id", 0, "strategy to host (worker mode only)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, *configPath, *strategyID, logger)
	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("shut down cleanly")
			return
		}
		logger.Error("exited with error", slog.String("error", err.Error()))
		if kind, ok := domain.KindOf(err); ok {
			switch kind {
			case domain.KindReconcileDrift:
				os.Exit(2)
			case domain.KindBusUnavailable, domain.KindDBUnavailable:
				os.Exit(3)
			}
		}
		os.Exit(1)
	}
	logger.Info("stopped")
}
