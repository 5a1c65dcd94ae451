package config

import (
	"encoding/base64"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allConfigKeys lists every WEALTHPANEL_ env var that Load() reads.
var allConfigKeys = []string{
	"WEALTHPANEL_LISTEN_ADDR",
	"WEALTHPANEL_DB_PATH",
	"WEALTHPANEL_LOG_LEVEL",
	"WEALTHPANEL_SECRET_KEY",
	"WEALTHPANEL_JWT_SECRET",
	"WEALTHPANEL_SESSION_TTL",
	"WEALTHPANEL_SESSION_STORE",
	"WEALTHPANEL_POLL_INTERVAL",
	"WEALTHPANEL_POLL_RETRY_INTERVAL",
	"WEALTHPANEL_POLL_ATTEMPTS_INITIAL",
	"WEALTHPANEL_POLL_ATTEMPTS_RETRY",
	"WEALTHPANEL_SWEEP_SCHEDULE",
	"WEALTHPANEL_SYNC_SCHEDULE",
	"WEALTHPANEL_RATES_SCHEDULE",
	"WEALTHPANEL_RATES_URL",
	"WEALTHPANEL_RATES_CURRENCIES",
	"WEALTHPANEL_BACKFILL_MAX_LOOKBACK_DAYS",
	"WEALTHPANEL_BACKFILL_BUFFER_DAYS",
	"WEALTHPANEL_BACKFILL_SKIP_RECENT_DAYS",
	"WEALTHPANEL_FINTS_PRODUCT_ID",
}

// isolateConfigEnv saves and unsets all WEALTHPANEL_ env vars so tests don't
// inherit values from the host environment (e.g. a running dev server).
// t.Cleanup restores original values after the test.
func isolateConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range allConfigKeys {
		if orig, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { os.Setenv(key, orig) })
		} else {
			t.Cleanup(func() { os.Unsetenv(key) })
		}
		os.Unsetenv(key)
	}
}

func TestLoad_Success(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("WEALTHPANEL_JWT_SECRET", "jwt-secret")
	t.Setenv("WEALTHPANEL_LISTEN_ADDR", "0.0.0.0:9090")
	t.Setenv("WEALTHPANEL_DB_PATH", "/tmp/test.db")
	t.Setenv("WEALTHPANEL_LOG_LEVEL", "debug")
	t.Setenv("WEALTHPANEL_SESSION_TTL", "15m")
	t.Setenv("WEALTHPANEL_SESSION_STORE", "sqlite")
	t.Setenv("WEALTHPANEL_POLL_INTERVAL", "2s")
	t.Setenv("WEALTHPANEL_POLL_RETRY_INTERVAL", "500ms")
	t.Setenv("WEALTHPANEL_POLL_ATTEMPTS_INITIAL", "10")
	t.Setenv("WEALTHPANEL_SYNC_SCHEDULE", "")
	t.Setenv("WEALTHPANEL_RATES_CURRENCIES", "eur, jpy")
	t.Setenv("WEALTHPANEL_BACKFILL_BUFFER_DAYS", "7")
	t.Setenv("WEALTHPANEL_FINTS_PRODUCT_ID", "ABC123")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "jwt-secret", cfg.JWTSecret)
	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 15*time.Minute, cfg.SessionTTL)
	assert.Equal(t, SessionStoreSQLite, cfg.SessionStore)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.PollRetryInterval)
	assert.Equal(t, 10, cfg.PollAttemptsInitial)
	assert.Equal(t, "", cfg.SyncSchedule, "empty schedule disables the job")
	assert.Equal(t, []string{"EUR", "JPY"}, cfg.RatesCurrencies)
	assert.Equal(t, 7, cfg.BackfillBufferDays)
	assert.Equal(t, "ABC123", cfg.FinTSProductID)
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("WEALTHPANEL_JWT_SECRET", "jwt-secret")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, "wealthpanel.db", cfg.DBPath)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, SessionStoreMemory, cfg.SessionStore)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.PollRetryInterval)
	assert.Equal(t, 60, cfg.PollAttemptsInitial)
	assert.Equal(t, 120, cfg.PollAttemptsRetry)
	assert.Equal(t, "@every 1m", cfg.SweepSchedule)
	assert.Equal(t, "0 6 * * *", cfg.SyncSchedule)
	assert.Equal(t, "30 16 * * 1-5", cfg.RatesSchedule)
	assert.Equal(t, "https://api.frankfurter.dev/v1", cfg.RatesURL)
	assert.Equal(t, []string{"EUR", "USD", "CHF", "GBP"}, cfg.RatesCurrencies)
	assert.Equal(t, 365, cfg.BackfillMaxLookbackDays)
	assert.Equal(t, 5, cfg.BackfillBufferDays)
	assert.Equal(t, 2, cfg.BackfillSkipRecentDays)
	assert.False(t, cfg.HasSecretKey())
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	isolateConfigEnv(t)

	cfg, err := Load()

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEALTHPANEL_JWT_SECRET")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"WEALTHPANEL_POLL_INTERVAL", "not-a-duration"},
		{"WEALTHPANEL_POLL_RETRY_INTERVAL", "0s"},
		{"WEALTHPANEL_SESSION_TTL", "-5m"},
		{"WEALTHPANEL_POLL_ATTEMPTS_RETRY", "many"},
		{"WEALTHPANEL_BACKFILL_MAX_LOOKBACK_DAYS", "-1"},
		{"WEALTHPANEL_SESSION_STORE", "redis"},
		{"WEALTHPANEL_LOG_LEVEL", "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			isolateConfigEnv(t)
			t.Setenv("WEALTHPANEL_JWT_SECRET", "jwt-secret")
			t.Setenv(tt.key, tt.value)

			cfg, err := Load()

			assert.Nil(t, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_SecretKey(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))

	tests := []struct {
		name    string
		value   string
		wantLen int
		wantErr bool
	}{
		{name: "hex", value: "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20", wantLen: 32},
		{name: "base64", value: b64, wantLen: 32},
		{name: "too short", value: "deadbeef", wantErr: true},
		{name: "not hex and not base64", value: strings.Repeat("z", 64), wantErr: true},
		{name: "base64 of wrong length", value: base64.StdEncoding.EncodeToString([]byte("short")), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateConfigEnv(t)
			t.Setenv("WEALTHPANEL_JWT_SECRET", "jwt-secret")
			t.Setenv("WEALTHPANEL_SECRET_KEY", tt.value)

			cfg, err := Load()

			if tt.wantErr {
				assert.Nil(t, cfg)
				require.Error(t, err)
				assert.Contains(t, err.Error(), "WEALTHPANEL_SECRET_KEY")
				return
			}
			require.NoError(t, err)
			assert.Len(t, cfg.SecretKey, tt.wantLen)
			assert.True(t, cfg.HasSecretKey())
		})
	}
}
