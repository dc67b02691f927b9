package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	s3blob "tidebot/internal/blob/s3"
	"tidebot/internal/capital"
	"tidebot/internal/config"
	"tidebot/internal/connector"
	"tidebot/internal/crypto"
	"tidebot/internal/domain"
	"tidebot/internal/engine"
	"tidebot/internal/exchange"
	"tidebot/internal/exchange/binance"
	"tidebot/internal/health"
	"tidebot/internal/reconcile"
	"tidebot/internal/server"
	"tidebot/internal/server/handler"
	"tidebot/internal/strategy"
	"tidebot/internal/worker"
)

// consumerName builds a stable-enough consumer id for stream groups. The
// hostname plus pid is unique per process and readable in XINFO output.
func consumerName(role string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
}

// engineMode runs the orchestrator: reconcile, supervise workers, serve
// operator commands, drive the clock and archival.
func (a *App) engineMode(ctx context.Context, deps *Dependencies) error {
	reconciler := reconcile.New(reconcile.Config{
		OrphanPolicy:   a.cfg.Reconcile.OrphanPolicy,
		RequestTimeout: a.cfg.Reconcile.RequestTimeout.Duration,
		GraceWindow:    a.cfg.Reconcile.GraceWindow.Duration,
	}, deps.Bus, deps.Trades, deps.Positions, deps.Reservations,
		deps.Portfolios, deps.Strategies, a.logger)

	supervisor := engine.NewSupervisor(engine.SupervisorConfig{
		ConfigPath:           a.configPath,
		RestartBackoff:       a.cfg.Worker.RestartBackoff.Duration,
		RestartWindow:        a.cfg.Worker.RestartWindow.Duration,
		MaxRestartsPerWindow: a.cfg.Worker.MaxRestartsPerWindow,
	}, deps.Bus, deps.Strategies, a.logger)

	var archiver engine.Archiver
	if a.cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       a.cfg.Archive.Endpoint,
			Region:         a.cfg.Archive.Region,
			Bucket:         a.cfg.Archive.Bucket,
			AccessKey:      a.cfg.Archive.AccessKey,
			SecretKey:      a.cfg.Archive.SecretKey,
			ForcePathStyle: a.cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("app: archive store: %w", err)
		}
		archiver = s3blob.NewArchiver(s3blob.ArchiverConfig{
			RetentionMonths: a.cfg.Archive.RetentionMonths,
			Prefix:          a.cfg.Archive.Prefix,
		}, s3blob.NewWriter(s3Client), deps.Trades, a.logger)
	}

	eng := engine.New(engine.Config{
		PeriodicReconcile: a.cfg.Reconcile.PeriodicInterval.Duration,
		HeartbeatInterval: a.cfg.Worker.HeartbeatInterval.Duration,
		ArchiveEnabled:    a.cfg.Archive.Enabled,
		ArchiveCron:       a.cfg.Archive.Cron,
	}, deps.Bus, deps.Strategies, deps.Portfolios, deps.Reservations,
		reconciler, supervisor, archiver, deps.Notifier, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error {
		return health.NewPublisher("engine", deps.Bus,
			a.cfg.Worker.HeartbeatInterval.Duration, a.logger).Run(ctx)
	})
	a.startStatusServer(ctx, g, "engine", deps)
	return g.Wait()
}

// capitalMode runs the allocation pipeline, trade settlement, and the stale
// reservation sweeper.
func (a *App) capitalMode(ctx context.Context, deps *Dependencies) error {
	manager := capital.New(capital.Config{
		Consumer:           consumerName("capital"),
		DefaultSizingModel: domain.SizingModel(a.cfg.CapitalManager.DefaultSizingModel),
		KellyMaxFraction:   decimal.NewFromFloat(a.cfg.CapitalManager.KellyMaxFraction),
		KellyMinTrades:     a.cfg.CapitalManager.KellyMinTrades,
		ReservationTimeout: a.cfg.CapitalManager.ReservationTimeout.Duration,
		SweepInterval:      a.cfg.CapitalManager.SweepInterval.Duration,
	}, deps.Bus, deps.Portfolios, deps.Strategies, deps.Reservations,
		deps.Positions, deps.Trades, deps.Candles, deps.Locks, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(ctx) })
	g.Go(func() error { return manager.RunSettlement(ctx) })
	g.Go(func() error { return manager.RunSweeper(ctx) })
	g.Go(func() error {
		return health.NewPublisher("capital", deps.Bus,
			a.cfg.Worker.HeartbeatInterval.Duration, a.logger).Run(ctx)
	})
	a.startStatusServer(ctx, g, "capital", deps)
	return g.Wait()
}

// connectorMode runs the market-data feeds, the order executor, and the
// snapshot responder. This is the only mode that holds exchange credentials.
func (a *App) connectorMode(ctx context.Context, deps *Dependencies) error {
	symbols, timeframes, err := a.tradedUniverse(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	exchanges := make(map[string]exchange.Exchange, len(a.cfg.Exchange))
	for name, exCfg := range a.cfg.Exchange {
		auth, err := a.exchangeAuth(ctx, deps, name, exCfg)
		if err != nil {
			return err
		}
		client := binance.New(binance.Config{
			Name:    name,
			BaseURL: exCfg.RestURL,
			Symbols: symbols[name],
		}, auth, a.logger)
		exchanges[name] = client

		feed := connector.NewFeed(connector.FeedConfig{
			Exchange:   name,
			Symbols:    symbols[name],
			Timeframes: timeframes[name],
			TickerTTL:  a.cfg.Cache.TickerTTL.Duration,
			CandleTTL:  a.cfg.Cache.CandleTTL.Duration,
			CandleKeep: a.cfg.Cache.CandleKeep,
		}, deps.Bus, deps.Tickers, deps.Candles, client, deps.RateLimiter, a.logger)
		feed.SetStream(binance.NewStream(binance.StreamConfig{
			URL:        exCfg.WsURL,
			Exchange:   name,
			Symbols:    symbols[name],
			Timeframes: timeframes[name],
		}, feed.Handlers(), a.logger))
		g.Go(func() error { return feed.Run(ctx) })
	}

	budgets := make(map[string]int, len(a.cfg.RateLimit.Endpoints))
	for name, ep := range a.cfg.RateLimit.Endpoints {
		budgets[name] = ep.TokensPerMin
	}
	executor := connector.NewExecutor(connector.ExecutorConfig{
		Consumer:            consumerName("connector"),
		DryRun:              a.cfg.DryRun,
		AccountOrdersPerMin: a.cfg.RateLimit.AccountOrdersPerMin,
	}, deps.Bus, deps.Trades, exchanges, deps.Tickers,
		connector.NewBuckets(budgets, a.cfg.RateLimit.SafetyMargin),
		deps.RateLimiter, a.logger)
	g.Go(func() error { return executor.Run(ctx) })

	responder := connector.NewSnapshotResponder(deps.Bus, exchanges, symbols,
		consumerName("connector-snapshot"), a.logger)
	g.Go(func() error { return responder.Run(ctx) })

	g.Go(func() error {
		return health.NewPublisher("connector", deps.Bus,
			a.cfg.Worker.HeartbeatInterval.Duration, a.logger).Run(ctx)
	})
	a.startStatusServer(ctx, g, "connector", deps)
	return g.Wait()
}

// workerMode hosts exactly one strategy. The engine spawns these processes;
// running one by hand with -strategy-id behaves the same way.
func (a *App) workerMode(ctx context.Context, deps *Dependencies) error {
	if a.strategyID <= 0 {
		return fmt.Errorf("app: worker mode requires -strategy-id")
	}
	row, err := deps.Strategies.GetByID(ctx, a.strategyID)
	if err != nil {
		return fmt.Errorf("app: load strategy %d: %w", a.strategyID, err)
	}
	if !row.IsActive {
		a.logger.InfoContext(ctx, "strategy inactive, exiting",
			slog.Int64("strategy_id", row.ID))
		return nil
	}
	strat, err := strategy.New(row)
	if err != nil {
		return fmt.Errorf("app: build strategy %d: %w", a.strategyID, err)
	}

	w := worker.New(worker.Config{
		MaxBars:          a.cfg.Worker.MaxBars,
		SnapshotInterval: a.cfg.Worker.SnapshotInterval.Duration,
		SignalCooldown:   a.cfg.Worker.SignalCooldown.Duration,
	}, row, strat, deps.Bus, deps.Snapshots, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error {
		return health.NewPublisher(fmt.Sprintf("worker-%d", row.ID), deps.Bus,
			a.cfg.Worker.HeartbeatInterval.Duration, a.logger).Run(ctx)
	})
	return g.Wait()
}

// tradedUniverse derives each exchange's symbol and timeframe sets from the
// strategy table. Inactive strategies count too: reconciliation and manual
// orders still reference their symbols.
func (a *App) tradedUniverse(ctx context.Context, deps *Dependencies) (map[string][]string, map[string][]string, error) {
	rows, err := deps.Strategies.List(ctx, false)
	if err != nil {
		return nil, nil, fmt.Errorf("app: list strategies: %w", err)
	}
	symbols := make(map[string][]string)
	timeframes := make(map[string][]string)
	seenSym := make(map[string]bool)
	seenTf := make(map[string]bool)
	for _, row := range rows {
		if row.Exchange == "" || row.Symbol == "" {
			continue
		}
		if k := row.Exchange + "|" + row.Symbol; !seenSym[k] {
			seenSym[k] = true
			symbols[row.Exchange] = append(symbols[row.Exchange], row.Symbol)
		}
		if row.Timeframe == "" {
			continue
		}
		if k := row.Exchange + "|" + row.Timeframe; !seenTf[k] {
			seenTf[k] = true
			timeframes[row.Exchange] = append(timeframes[row.Exchange], row.Timeframe)
		}
	}
	return symbols, timeframes, nil
}

// exchangeAuth resolves one exchange's credentials through the secret
// provider. Dry runs tolerate missing credentials; live trading does not.
func (a *App) exchangeAuth(ctx context.Context, deps *Dependencies, name string,
	exCfg config.ExchangeConfig) (*crypto.HMACAuth, error) {
	key, keyErr := deps.Secrets.Get(ctx, exCfg.APIKeySecret)
	secret, secretErr := deps.Secrets.Get(ctx, exCfg.APISecretSecret)
	if keyErr != nil || secretErr != nil {
		if a.cfg.DryRun {
			a.logger.WarnContext(ctx, "exchange credentials missing, dry run continues unsigned",
				slog.String("exchange", name))
			return &crypto.HMACAuth{}, nil
		}
		if keyErr != nil {
			return nil, fmt.Errorf("app: exchange %s credentials: %w", name, keyErr)
		}
		return nil, fmt.Errorf("app: exchange %s credentials: %w", name, secretErr)
	}
	return &crypto.HMACAuth{Key: string(key), Secret: string(secret)}, nil
}

// startStatusServer attaches the HTTP status listener to the group when
// enabled. Worker processes skip it; many of them share one host.
func (a *App) startStatusServer(ctx context.Context, g *errgroup.Group, mode string, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		return
	}
	srv := server.NewServer(server.Config{ListenAddr: a.cfg.Server.ListenAddr}, server.Handlers{
		Status:     handler.NewStatusHandler(mode, deps.Bus, a.logger),
		Portfolios: handler.NewPortfolioHandler(deps.Portfolios, deps.Reservations, a.logger),
	}, a.logger)
	g.Go(func() error { return srv.Run(ctx) })
}
