package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TIDEBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	cfg.normalize()

	return &cfg, nil
}

// applyEnvOverrides reads well-known TIDEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators adjust deploy-time settings without touching
// the TOML file. Credentials are never carried here; they flow through the
// secret provider.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "TIDEBOT_MODE")
	setBool(&cfg.DryRun, "TIDEBOT_DRY_RUN")
	setStr(&cfg.LogLevel, "TIDEBOT_LOG_LEVEL")

	// ── Bus ──
	setStr(&cfg.Bus.URL, "TIDEBOT_BUS_URL")
	setInt(&cfg.Bus.Prefetch, "TIDEBOT_BUS_PREFETCH")
	setDuration(&cfg.Bus.MinIdle, "TIDEBOT_BUS_MIN_IDLE")
	setInt64(&cfg.Bus.StreamMaxLen, "TIDEBOT_BUS_STREAM_MAX_LEN")

	// ── DB ──
	setStr(&cfg.DB.URL, "TIDEBOT_DB_URL")
	setStr(&cfg.DB.ReplicaURL, "TIDEBOT_DB_REPLICA_URL")
	setStr(&cfg.DB.Host, "TIDEBOT_DB_HOST")
	setInt(&cfg.DB.Port, "TIDEBOT_DB_PORT")
	setStr(&cfg.DB.Database, "TIDEBOT_DB_DATABASE")
	setStr(&cfg.DB.User, "TIDEBOT_DB_USER")
	setStr(&cfg.DB.Password, "TIDEBOT_DB_PASSWORD")
	setStr(&cfg.DB.SSLMode, "TIDEBOT_DB_SSL_MODE")
	setInt(&cfg.DB.PoolMaxConns, "TIDEBOT_DB_POOL_MAX_CONNS")
	setInt(&cfg.DB.PoolMinConns, "TIDEBOT_DB_POOL_MIN_CONNS")
	setBool(&cfg.DB.RunMigrations, "TIDEBOT_DB_RUN_MIGRATIONS")

	// ── Rate limits ──
	setFloat64(&cfg.RateLimit.SafetyMargin, "TIDEBOT_RATE_LIMIT_SAFETY_MARGIN")
	setInt(&cfg.RateLimit.AccountOrdersPerMin, "TIDEBOT_RATE_LIMIT_ACCOUNT_ORDERS_PER_MIN")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.PeriodicInterval, "TIDEBOT_RECONCILE_PERIODIC_INTERVAL")
	setStr(&cfg.Reconcile.OrphanPolicy, "TIDEBOT_RECONCILE_ORPHAN_POLICY")
	setDuration(&cfg.Reconcile.RequestTimeout, "TIDEBOT_RECONCILE_REQUEST_TIMEOUT")
	setDuration(&cfg.Reconcile.GraceWindow, "TIDEBOT_RECONCILE_GRACE_WINDOW")

	// ── Worker ──
	setDuration(&cfg.Worker.RestartBackoff, "TIDEBOT_WORKER_RESTART_BACKOFF")
	setDuration(&cfg.Worker.RestartWindow, "TIDEBOT_WORKER_RESTART_WINDOW")
	setInt(&cfg.Worker.MaxRestartsPerWindow, "TIDEBOT_WORKER_MAX_RESTARTS_PER_WINDOW")
	setInt(&cfg.Worker.MaxBars, "TIDEBOT_WORKER_MAX_BARS")
	setDuration(&cfg.Worker.SnapshotInterval, "TIDEBOT_WORKER_SNAPSHOT_INTERVAL")
	setDuration(&cfg.Worker.SignalCooldown, "TIDEBOT_WORKER_SIGNAL_COOLDOWN")
	setDuration(&cfg.Worker.HeartbeatInterval, "TIDEBOT_WORKER_HEARTBEAT_INTERVAL")

	// ── Capital manager ──
	setStr(&cfg.CapitalManager.DefaultSizingModel, "TIDEBOT_CAPITAL_MANAGER_DEFAULT_SIZING_MODEL")
	setFloat64(&cfg.CapitalManager.KellyMaxFraction, "TIDEBOT_CAPITAL_MANAGER_KELLY_MAX_FRACTION")
	setInt(&cfg.CapitalManager.KellyMinTrades, "TIDEBOT_CAPITAL_MANAGER_KELLY_MIN_TRADES")
	setDuration(&cfg.CapitalManager.ReservationTimeout, "TIDEBOT_CAPITAL_MANAGER_RESERVATION_TIMEOUT")
	setDuration(&cfg.CapitalManager.SweepInterval, "TIDEBOT_CAPITAL_MANAGER_SWEEP_INTERVAL")

	// ── Cache ──
	setDuration(&cfg.Cache.TickerTTL, "TIDEBOT_CACHE_TICKER_TTL")
	setDuration(&cfg.Cache.CandleTTL, "TIDEBOT_CACHE_CANDLE_TTL")
	setInt(&cfg.Cache.CandleKeep, "TIDEBOT_CACHE_CANDLE_KEEP")

	// ── Secrets ──
	setStr(&cfg.Secrets.Provider, "TIDEBOT_SECRETS_PROVIDER")
	setStr(&cfg.Secrets.Dir, "TIDEBOT_SECRETS_DIR")
	setStr(&cfg.Secrets.PassphraseEnv, "TIDEBOT_SECRETS_PASSPHRASE_ENV")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TIDEBOT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "TIDEBOT_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionMonths, "TIDEBOT_ARCHIVE_RETENTION_MONTHS")
	setStr(&cfg.Archive.Bucket, "TIDEBOT_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Prefix, "TIDEBOT_ARCHIVE_PREFIX")
	setStr(&cfg.Archive.Region, "TIDEBOT_ARCHIVE_REGION")
	setStr(&cfg.Archive.Endpoint, "TIDEBOT_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.AccessKey, "TIDEBOT_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "TIDEBOT_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "TIDEBOT_ARCHIVE_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramTokenSecret, "TIDEBOT_NOTIFY_TELEGRAM_TOKEN_SECRET")
	setStr(&cfg.Notify.TelegramChatID, "TIDEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookSecret, "TIDEBOT_NOTIFY_DISCORD_WEBHOOK_SECRET")
	setStringSlice(&cfg.Notify.Events, "TIDEBOT_NOTIFY_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TIDEBOT_SERVER_ENABLED")
	setStr(&cfg.Server.ListenAddr, "TIDEBOT_SERVER_LISTEN_ADDR")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
