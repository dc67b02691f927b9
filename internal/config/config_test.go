package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.normalize()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.normalize()
	cfg.Mode = "spectate"
	cfg.Bus.Prefetch = 0
	cfg.Reconcile.OrphanPolicy = "ignore"
	cfg.CapitalManager.KellyMaxFraction = 2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "prefetch")
	assert.Contains(t, err.Error(), "orphan_policy")
	assert.Contains(t, err.Error(), "kelly_max_fraction")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "connector"
dry_run = true

[bus]
url = "redis://bus:6379/1"

[reconcile]
periodic_interval = "30m"
orphan_policy = "adopt"

[exchange.binance]
rest_url = "https://testnet.binance.vision"
ws_url = "wss://stream.testnet.binance.vision/stream"
testnet = true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("TIDEBOT_MODE", "capital")
	t.Setenv("TIDEBOT_WORKER_SIGNAL_COOLDOWN", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Env override beats the file; the file beats the defaults.
	assert.Equal(t, "capital", cfg.Mode)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "redis://bus:6379/1", cfg.Bus.URL)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.PeriodicInterval.Duration)
	assert.Equal(t, "adopt", cfg.Reconcile.OrphanPolicy)
	assert.Equal(t, 90*time.Second, cfg.Worker.SignalCooldown.Duration)

	// normalize fills derived secret names and endpoint budgets.
	assert.Equal(t, "binance_api_key", cfg.Exchange["binance"].APIKeySecret)
	assert.Equal(t, "binance_api_secret", cfg.Exchange["binance"].APISecretSecret)
	assert.NotZero(t, cfg.RateLimit.Endpoints[EndpointOrders].TokensPerMin)

	require.NoError(t, cfg.Validate())
}

func TestRedactedConfigHidesCredentials(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.DB.Password = "hunter2"
	cfg.DB.URL = "postgres://u:p@db/tidebot"
	cfg.Archive.SecretKey = "aws-secret"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.DB.Password)
	assert.Equal(t, "***", red.DB.URL)
	assert.Equal(t, "***", red.Archive.SecretKey)

	// The original is untouched.
	assert.Equal(t, "hunter2", cfg.DB.Password)
}
