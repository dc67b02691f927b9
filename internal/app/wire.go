package app

import (
	"context"
	"log/slog"

	busredis "tidebot/internal/bus/redis"
	cacheredis "tidebot/internal/cache/redis"
	"tidebot/internal/config"
	"tidebot/internal/domain"
	"tidebot/internal/notify"
	"tidebot/internal/secrets"
	"tidebot/internal/store/postgres"
)

// Dependencies bundles the shared infrastructure every mode draws from.
type Dependencies struct {
	Bus     domain.Bus
	Secrets secrets.Provider

	Trades       domain.TradeStore
	Portfolios   domain.PortfolioStore
	Strategies   domain.StrategyStore
	Positions    domain.PositionStore
	Reservations domain.ReservationStore
	Snapshots    domain.SnapshotStore

	Tickers     domain.TickerCache
	Candles     domain.CandleCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager

	Notifier *notify.Notifier
}

// Wire constructs the concrete infrastructure from the configuration. The
// returned cleanup closes connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// One Redis connection carries the bus, the market-data caches, the
	// shared rate-limit window, and the distributed locks.
	redisClient, err := cacheredis.NewFromURL(ctx, cfg.Bus.URL)
	if err != nil {
		cleanup()
		return nil, nil, domain.WrapFault(domain.KindBusUnavailable, "redis connect", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Bus = busredis.New(redisClient.Underlying(), busredis.Options{
		Prefetch:     cfg.Bus.Prefetch,
		MinIdle:      cfg.Bus.MinIdle.Duration,
		StreamMaxLen: cfg.Bus.StreamMaxLen,
	}, logger)

	deps.Tickers = cacheredis.NewTickerCache(redisClient)
	deps.Candles = cacheredis.NewCandleCache(redisClient)
	deps.RateLimiter = cacheredis.NewRateLimiter(redisClient)
	deps.Locks = cacheredis.NewLockManager(redisClient)

	// Postgres
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:        cfg.DB.URL,
		ReplicaDSN: cfg.DB.ReplicaURL,
		Host:       cfg.DB.Host,
		Port:       cfg.DB.Port,
		Database:   cfg.DB.Database,
		User:       cfg.DB.User,
		Password:   cfg.DB.Password,
		SSLMode:    cfg.DB.SSLMode,
		MaxConns:   cfg.DB.PoolMaxConns,
		MinConns:   cfg.DB.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, domain.WrapFault(domain.KindDBUnavailable, "postgres connect", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.DB.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, domain.WrapFault(domain.KindDBUnavailable, "postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.Trades = postgres.NewTradeStore(pool, pgClient.ReadPool())
	deps.Portfolios = postgres.NewPortfolioStore(pool)
	deps.Strategies = postgres.NewStrategyStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Reservations = postgres.NewReservationStore(pool)
	deps.Snapshots = postgres.NewSnapshotStore(pool)

	// Secrets
	switch cfg.Secrets.Provider {
	case "file":
		deps.Secrets = secrets.NewFileProvider(cfg.Secrets.Dir, cfg.Secrets.PassphraseEnv)
	default:
		deps.Secrets = secrets.NewEnvProvider()
	}

	deps.Notifier = buildNotifier(ctx, cfg, deps.Secrets, logger)

	return deps, cleanup, nil
}

// buildNotifier assembles the configured senders. A missing channel secret
// downgrades that channel with a warning instead of failing startup.
func buildNotifier(ctx context.Context, cfg *config.Config, provider secrets.Provider, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender

	if cfg.Notify.TelegramTokenSecret != "" && cfg.Notify.TelegramChatID != "" {
		token, err := provider.Get(ctx, cfg.Notify.TelegramTokenSecret)
		if err != nil {
			logger.WarnContext(ctx, "telegram disabled",
				slog.String("error", err.Error()))
		} else {
			senders = append(senders, notify.NewTelegramSender(string(token), cfg.Notify.TelegramChatID))
		}
	}
	if cfg.Notify.DiscordWebhookSecret != "" {
		webhook, err := provider.Get(ctx, cfg.Notify.DiscordWebhookSecret)
		if err != nil {
			logger.WarnContext(ctx, "discord disabled",
				slog.String("error", err.Error()))
		} else {
			senders = append(senders, notify.NewDiscordSender(string(webhook)))
		}
	}

	return notify.NewNotifier(senders, cfg.Notify.Events, logger)
}
