// Package config defines the top-level configuration for tidebot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"tidebot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TIDEBOT_* environment variables.
type Config struct {
	Mode     string `toml:"mode"`
	DryRun   bool   `toml:"dry_run"`
	LogLevel string `toml:"log_level"`

	Bus            BusConfig                 `toml:"bus"`
	DB             DBConfig                  `toml:"db"`
	Exchange       map[string]ExchangeConfig `toml:"exchange"`
	RateLimit      RateLimitConfig           `toml:"rate_limit"`
	Reconcile      ReconcileConfig           `toml:"reconcile"`
	Worker         WorkerConfig              `toml:"worker"`
	CapitalManager CapitalManagerConfig      `toml:"capital_manager"`
	Cache          CacheConfig               `toml:"cache"`
	Secrets        SecretsConfig             `toml:"secrets"`
	Archive        ArchiveConfig             `toml:"archive"`
	Notify         NotifyConfig              `toml:"notify"`
	Server         ServerConfig              `toml:"server"`
}

// BusConfig holds Redis bus connection and delivery parameters.
type BusConfig struct {
	URL string `toml:"url"`
	// Prefetch bounds unacked in-flight deliveries per consumer.
	Prefetch int `toml:"prefetch"`
	// MinIdle is the age after which another consumer may claim an unacked
	// delivery.
	MinIdle      duration `toml:"min_idle"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// DBConfig holds PostgreSQL connection parameters. URL wins over the
// individual fields when set.
type DBConfig struct {
	URL string `toml:"url"`
	// ReplicaURL points lag-tolerant reads at a replica (optional).
	ReplicaURL    string `toml:"replica_url"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ExchangeConfig holds per-exchange endpoints and the names of the secrets
// carrying its credentials. The values are secret names resolved through the
// secret provider, never the credentials themselves.
type ExchangeConfig struct {
	RestURL         string `toml:"rest_url"`
	WsURL           string `toml:"ws_url"`
	Testnet         bool   `toml:"testnet"`
	APIKeySecret    string `toml:"api_key_secret"`
	APISecretSecret string `toml:"api_secret_secret"`
}

// EndpointLimit is one endpoint class's token budget.
type EndpointLimit struct {
	TokensPerMin int `toml:"tokens_per_min"`
}

// RateLimitConfig holds connector rate limiting parameters.
type RateLimitConfig struct {
	// SafetyMargin scales every budget down (0.75 = use 75% of the documented
	// limit).
	SafetyMargin float64 `toml:"safety_margin"`
	// AccountOrdersPerMin is the account-wide order budget enforced through
	// the shared Redis sliding window, surviving restarts.
	AccountOrdersPerMin int                      `toml:"account_orders_per_min"`
	Endpoints           map[string]EndpointLimit `toml:"endpoints"`
}

// Endpoint classes recognized under [rate_limit.endpoints].
const (
	EndpointOrders     = "orders"
	EndpointCancels    = "cancels"
	EndpointQueries    = "queries"
	EndpointMarketData = "market_data"
)

// ReconcileConfig holds state-reconciliation parameters.
type ReconcileConfig struct {
	PeriodicInterval duration `toml:"periodic_interval"`
	// OrphanPolicy decides what happens to exchange positions without a DB
	// record: "adopt" books them under the manual pseudo-strategy, "freeze"
	// blocks trading until an operator override.
	OrphanPolicy   string   `toml:"orphan_policy"`
	RequestTimeout duration `toml:"request_timeout"`
	// GraceWindow protects young in-flight orders from periodic repairs.
	GraceWindow duration `toml:"grace_window"`
}

// WorkerConfig holds strategy-worker runtime and supervision parameters.
type WorkerConfig struct {
	RestartBackoff       duration `toml:"restart_backoff"`
	RestartWindow        duration `toml:"restart_window"`
	MaxRestartsPerWindow int      `toml:"max_restarts_per_window"`
	MaxBars              int      `toml:"max_bars"`
	SnapshotInterval     duration `toml:"snapshot_interval"`
	SignalCooldown       duration `toml:"signal_cooldown"`
	HeartbeatInterval    duration `toml:"heartbeat_interval"`
}

// CapitalManagerConfig holds allocation pipeline parameters.
type CapitalManagerConfig struct {
	DefaultSizingModel string `toml:"default_sizing_model"`
	// KellyMaxFraction caps the fraction of available capital any Kelly
	// allocation may claim.
	KellyMaxFraction float64 `toml:"kelly_max_fraction"`
	// KellyMinTrades is the minimum closed-trade sample before Kelly sizing
	// activates; below it the fixed-fractional fallback is used.
	KellyMinTrades     int      `toml:"kelly_min_trades"`
	ReservationTimeout duration `toml:"reservation_timeout"`
	SweepInterval      duration `toml:"sweep_interval"`
}

// CacheConfig holds market-data cache retention.
type CacheConfig struct {
	TickerTTL  duration `toml:"ticker_ttl"`
	CandleTTL  duration `toml:"candle_ttl"`
	CandleKeep int      `toml:"candle_keep"`
}

// SecretsConfig selects and parameterizes the secret provider.
type SecretsConfig struct {
	// Provider is "env" (TIDEBOT_SECRET_<NAME> variables) or "file"
	// (<dir>/<name>, plaintext or AES-256-GCM envelope).
	Provider string `toml:"provider"`
	Dir      string `toml:"dir"`
	// PassphraseEnv names the environment variable holding the passphrase for
	// encrypted secret files.
	PassphraseEnv string `toml:"passphrase_env"`
}

// ArchiveConfig holds the monthly trade-journal archival policy.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	// RetentionMonths is how many months of terminal trades stay in Postgres;
	// older rows are exported to S3 and pruned.
	RetentionMonths int    `toml:"retention_months"`
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKey       string `toml:"access_key"`
	SecretKey       string `toml:"secret_key"`
	ForcePathStyle  bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channels. Token and webhook values are
// secret names resolved through the secret provider.
type NotifyConfig struct {
	TelegramTokenSecret  string   `toml:"telegram_token_secret"`
	TelegramChatID       string   `toml:"telegram_chat_id"`
	DiscordWebhookSecret string   `toml:"discord_webhook_secret"`
	Events               []string `toml:"events"`
}

// ServerConfig holds the per-process HTTP status listener.
type ServerConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "engine",
		DryRun:   false,
		LogLevel: "info",
		Bus: BusConfig{
			URL:          "redis://localhost:6379/0",
			Prefetch:     16,
			MinIdle:      duration{30 * time.Second},
			StreamMaxLen: 10_000,
		},
		DB: DBConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tidebot",
			User:          "tidebot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Exchange: map[string]ExchangeConfig{},
		RateLimit: RateLimitConfig{
			SafetyMargin:        0.75,
			AccountOrdersPerMin: 300,
			Endpoints:           map[string]EndpointLimit{},
		},
		Reconcile: ReconcileConfig{
			PeriodicInterval: duration{15 * time.Minute},
			OrphanPolicy:     "freeze",
			RequestTimeout:   duration{30 * time.Second},
			GraceWindow:      duration{2 * time.Minute},
		},
		Worker: WorkerConfig{
			RestartBackoff:       duration{2 * time.Second},
			RestartWindow:        duration{10 * time.Minute},
			MaxRestartsPerWindow: 5,
			MaxBars:              500,
			SnapshotInterval:     duration{5 * time.Minute},
			SignalCooldown:       duration{time.Minute},
			HeartbeatInterval:    duration{10 * time.Second},
		},
		CapitalManager: CapitalManagerConfig{
			DefaultSizingModel: string(domain.SizingFixedFractional),
			KellyMaxFraction:   0.25,
			KellyMinTrades:     10,
			ReservationTimeout: duration{5 * time.Minute},
			SweepInterval:      duration{time.Minute},
		},
		Cache: CacheConfig{
			TickerTTL:  duration{10 * time.Second},
			CandleTTL:  duration{24 * time.Hour},
			CandleKeep: 500,
		},
		Secrets: SecretsConfig{
			Provider:      "env",
			Dir:           "secrets",
			PassphraseEnv: "TIDEBOT_SECRETS_PASSPHRASE",
		},
		Archive: ArchiveConfig{
			Enabled:         false,
			Cron:            "0 4 1 * *",
			RetentionMonths: 3,
			Prefix:          "trades/",
			Region:          "us-east-1",
		},
		Notify: NotifyConfig{
			Events: []string{"trade_executed", "trade_failed", "alert"},
		},
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
	}
}

// defaultEndpointBudgets seeds [rate_limit.endpoints] classes the file leaves
// out. Values follow Binance spot documented limits before the safety margin.
var defaultEndpointBudgets = map[string]EndpointLimit{
	EndpointOrders:     {TokensPerMin: 60},
	EndpointCancels:    {TokensPerMin: 60},
	EndpointQueries:    {TokensPerMin: 120},
	EndpointMarketData: {TokensPerMin: 120},
}

// normalize fills derived defaults that depend on other fields: missing
// endpoint budgets and per-exchange secret names.
func (c *Config) normalize() {
	if c.RateLimit.Endpoints == nil {
		c.RateLimit.Endpoints = map[string]EndpointLimit{}
	}
	for name, limit := range defaultEndpointBudgets {
		if _, ok := c.RateLimit.Endpoints[name]; !ok {
			c.RateLimit.Endpoints[name] = limit
		}
	}

	if c.Exchange == nil {
		c.Exchange = map[string]ExchangeConfig{}
	}
	for name, ex := range c.Exchange {
		if ex.APIKeySecret == "" {
			ex.APIKeySecret = name + "_api_key"
		}
		if ex.APISecretSecret == "" {
			ex.APISecretSecret = name + "_api_secret"
		}
		c.Exchange[name] = ex
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":    true,
	"capital":   true,
	"connector": true,
	"worker":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validSizingModels enumerates the accepted default sizing models.
var validSizingModels = map[string]bool{
	string(domain.SizingFixedFractional):    true,
	string(domain.SizingVolatilityAdjusted): true,
	string(domain.SizingKelly):              true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, capital, connector, worker)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Bus
	if c.Bus.URL == "" {
		errs = append(errs, "bus: url must not be empty")
	}
	if c.Bus.Prefetch < 1 {
		errs = append(errs, "bus: prefetch must be >= 1")
	}
	if c.Bus.MinIdle.Duration < time.Second {
		errs = append(errs, "bus: min_idle must be at least 1s")
	}
	if c.Bus.StreamMaxLen < 100 {
		errs = append(errs, "bus: stream_max_len must be >= 100")
	}

	// DB
	if strings.TrimSpace(c.DB.URL) == "" {
		if c.DB.Host == "" {
			errs = append(errs, "db: host must not be empty (or set db.url)")
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Sprintf("db: port must be 1-65535, got %d", c.DB.Port))
		}
		if c.DB.Database == "" {
			errs = append(errs, "db: database must not be empty")
		}
	}
	if c.DB.PoolMaxConns < 1 {
		errs = append(errs, "db: pool_max_conns must be >= 1")
	}
	if c.DB.PoolMinConns < 0 {
		errs = append(errs, "db: pool_min_conns must be >= 0")
	}
	if c.DB.PoolMinConns > c.DB.PoolMaxConns {
		errs = append(errs, "db: pool_min_conns must not exceed pool_max_conns")
	}

	// Exchanges — live trading needs credentials; dry_run and market data do
	// not.
	for name, ex := range c.Exchange {
		if !c.DryRun {
			if ex.APIKeySecret == "" || ex.APISecretSecret == "" {
				errs = append(errs, fmt.Sprintf("exchange.%s: api_key_secret and api_secret_secret are required unless dry_run", name))
			}
		}
	}

	// Rate limits
	if c.RateLimit.SafetyMargin <= 0 || c.RateLimit.SafetyMargin > 1 {
		errs = append(errs, fmt.Sprintf("rate_limit: safety_margin must be in (0, 1], got %g", c.RateLimit.SafetyMargin))
	}
	if c.RateLimit.AccountOrdersPerMin < 1 {
		errs = append(errs, "rate_limit: account_orders_per_min must be >= 1")
	}
	for name, ep := range c.RateLimit.Endpoints {
		if ep.TokensPerMin < 1 {
			errs = append(errs, fmt.Sprintf("rate_limit.endpoints.%s: tokens_per_min must be >= 1", name))
		}
	}

	// Reconcile
	if c.Reconcile.OrphanPolicy != "adopt" && c.Reconcile.OrphanPolicy != "freeze" {
		errs = append(errs, fmt.Sprintf("reconcile: orphan_policy must be adopt or freeze, got %q", c.Reconcile.OrphanPolicy))
	}
	if c.Reconcile.RequestTimeout.Duration <= 0 {
		errs = append(errs, "reconcile: request_timeout must be positive")
	}
	if c.Reconcile.PeriodicInterval.Duration < time.Minute {
		errs = append(errs, "reconcile: periodic_interval must be at least 1m")
	}

	// Worker
	if c.Worker.MaxBars < 10 {
		errs = append(errs, "worker: max_bars must be >= 10")
	}
	if c.Worker.MaxRestartsPerWindow < 1 {
		errs = append(errs, "worker: max_restarts_per_window must be >= 1")
	}
	if c.Worker.RestartBackoff.Duration <= 0 {
		errs = append(errs, "worker: restart_backoff must be positive")
	}
	if c.Worker.HeartbeatInterval.Duration < time.Second {
		errs = append(errs, "worker: heartbeat_interval must be at least 1s")
	}

	// Capital manager
	if !validSizingModels[c.CapitalManager.DefaultSizingModel] {
		errs = append(errs, fmt.Sprintf("capital_manager: unknown default_sizing_model %q", c.CapitalManager.DefaultSizingModel))
	}
	if c.CapitalManager.KellyMaxFraction <= 0 || c.CapitalManager.KellyMaxFraction > 1 {
		errs = append(errs, fmt.Sprintf("capital_manager: kelly_max_fraction must be in (0, 1], got %g", c.CapitalManager.KellyMaxFraction))
	}
	if c.CapitalManager.KellyMinTrades < 2 {
		errs = append(errs, "capital_manager: kelly_min_trades must be >= 2")
	}
	if c.CapitalManager.ReservationTimeout.Duration <= 0 {
		errs = append(errs, "capital_manager: reservation_timeout must be positive")
	}

	// Cache
	if c.Cache.TickerTTL.Duration <= 0 {
		errs = append(errs, "cache: ticker_ttl must be positive")
	}
	if c.Cache.CandleKeep < 10 {
		errs = append(errs, "cache: candle_keep must be >= 10")
	}

	// Secrets
	if c.Secrets.Provider != "env" && c.Secrets.Provider != "file" {
		errs = append(errs, fmt.Sprintf("secrets: provider must be env or file, got %q", c.Secrets.Provider))
	}
	if c.Secrets.Provider == "file" && c.Secrets.Dir == "" {
		errs = append(errs, "secrets: dir is required for the file provider")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty when enabled")
		}
		if c.Archive.RetentionMonths < 1 {
			errs = append(errs, "archive: retention_months must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled && c.Server.ListenAddr == "" {
		errs = append(errs, "server: listen_addr must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
