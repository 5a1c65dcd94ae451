// Package config loads application configuration from environment variables.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session store backends selectable with WEALTHPANEL_SESSION_STORE.
const (
	SessionStoreMemory = "memory"
	SessionStoreSQLite = "sqlite"
)

const secretKeySize = 32

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// SecretKey is the legacy master key. Nil disables the legacy scheme.
	SecretKey []byte
	JWTSecret string

	SessionTTL          time.Duration
	SessionStore        string
	PollInterval        time.Duration
	PollRetryInterval   time.Duration
	PollAttemptsInitial int
	PollAttemptsRetry   int

	SweepSchedule string
	SyncSchedule  string
	RatesSchedule string

	RatesURL        string
	RatesCurrencies []string

	BackfillMaxLookbackDays int
	BackfillBufferDays      int
	BackfillSkipRecentDays  int

	FinTSProductID string
}

// HasSecretKey reports whether a legacy master key is configured. Without
// it only per-user credentials can be stored and auto-sync finds nothing.
func (c *Config) HasSecretKey() bool {
	return len(c.SecretKey) > 0
}

// Load reads configuration from environment variables and returns a validated Config.
// WEALTHPANEL_JWT_SECRET is required. WEALTHPANEL_SECRET_KEY is optional and
// accepts 32 bytes as 64 hex characters or standard base64. Every other
// variable has a default; an empty schedule disables that job.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:              "127.0.0.1:8080",
		DBPath:                  "wealthpanel.db",
		LogLevel:                slog.LevelInfo,
		SessionTTL:              10 * time.Minute,
		SessionStore:            SessionStoreMemory,
		PollInterval:            5 * time.Second,
		PollRetryInterval:       time.Second,
		PollAttemptsInitial:     60,
		PollAttemptsRetry:       120,
		SweepSchedule:           "@every 1m",
		SyncSchedule:            "0 6 * * *",
		RatesSchedule:           "30 16 * * 1-5",
		RatesURL:                "https://api.frankfurter.dev/v1",
		RatesCurrencies:         []string{"EUR", "USD", "CHF", "GBP"},
		BackfillMaxLookbackDays: 365,
		BackfillBufferDays:      5,
		BackfillSkipRecentDays:  2,
	}

	cfg.JWTSecret = os.Getenv("WEALTHPANEL_JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("WEALTHPANEL_JWT_SECRET is required")
	}

	if v, ok := os.LookupEnv("WEALTHPANEL_SECRET_KEY"); ok && v != "" {
		key, err := decodeSecretKey(v)
		if err != nil {
			return nil, fmt.Errorf("WEALTHPANEL_SECRET_KEY: %w", err)
		}
		cfg.SecretKey = key
	}

	stringVar("WEALTHPANEL_LISTEN_ADDR", &cfg.ListenAddr)
	stringVar("WEALTHPANEL_DB_PATH", &cfg.DBPath)
	stringVar("WEALTHPANEL_SESSION_STORE", &cfg.SessionStore)
	stringVar("WEALTHPANEL_SWEEP_SCHEDULE", &cfg.SweepSchedule)
	stringVar("WEALTHPANEL_SYNC_SCHEDULE", &cfg.SyncSchedule)
	stringVar("WEALTHPANEL_RATES_SCHEDULE", &cfg.RatesSchedule)
	stringVar("WEALTHPANEL_RATES_URL", &cfg.RatesURL)
	stringVar("WEALTHPANEL_FINTS_PRODUCT_ID", &cfg.FinTSProductID)

	if cfg.SessionStore != SessionStoreMemory && cfg.SessionStore != SessionStoreSQLite {
		return nil, fmt.Errorf("WEALTHPANEL_SESSION_STORE must be %q or %q, got %q",
			SessionStoreMemory, SessionStoreSQLite, cfg.SessionStore)
	}

	if v, ok := os.LookupEnv("WEALTHPANEL_LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("WEALTHPANEL_LOG_LEVEL has invalid level %q: %w", v, err)
		}
	}

	if v, ok := os.LookupEnv("WEALTHPANEL_RATES_CURRENCIES"); ok && v != "" {
		cfg.RatesCurrencies = splitList(v)
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"WEALTHPANEL_SESSION_TTL", &cfg.SessionTTL},
		{"WEALTHPANEL_POLL_INTERVAL", &cfg.PollInterval},
		{"WEALTHPANEL_POLL_RETRY_INTERVAL", &cfg.PollRetryInterval},
	} {
		if err := durationVar(d.key, d.dst); err != nil {
			return nil, err
		}
	}

	for _, n := range []struct {
		key string
		dst *int
	}{
		{"WEALTHPANEL_POLL_ATTEMPTS_INITIAL", &cfg.PollAttemptsInitial},
		{"WEALTHPANEL_POLL_ATTEMPTS_RETRY", &cfg.PollAttemptsRetry},
		{"WEALTHPANEL_BACKFILL_MAX_LOOKBACK_DAYS", &cfg.BackfillMaxLookbackDays},
		{"WEALTHPANEL_BACKFILL_BUFFER_DAYS", &cfg.BackfillBufferDays},
		{"WEALTHPANEL_BACKFILL_SKIP_RECENT_DAYS", &cfg.BackfillSkipRecentDays},
	} {
		if err := intVar(n.key, n.dst); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func stringVar(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func durationVar(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be positive, got %s", key, v)
	}
	*dst = parsed
	return nil
}

func intVar(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	if parsed < 0 {
		return fmt.Errorf("%s must not be negative, got %d", key, parsed)
	}
	*dst = parsed
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.ToUpper(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func decodeSecretKey(v string) ([]byte, error) {
	if len(v) == 2*secretKeySize {
		if key, err := hex.DecodeString(v); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("must be %d bytes as hex or base64", secretKeySize)
	}
	if len(key) != secretKeySize {
		return nil, fmt.Errorf("must be %d bytes, got %d", secretKeySize, len(key))
	}
	return key, nil
}
