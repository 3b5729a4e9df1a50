package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrCredentialsMissing indicates the provider login or password is unset.
// It is a configuration problem, not a transient failure: callers report it
// to the operator and do not retry.
var ErrCredentialsMissing = errors.New("provider credentials missing (set PROVIDER_LOGIN and PROVIDER_PASSWORD)")

// Config holds all service settings, populated from environment variables.
type Config struct {
	DBPath     string
	ArchiveDir string // empty disables raw payload archiving

	ProviderBaseURL  string
	ProviderRegion   int
	ProviderLogin    string
	ProviderPassword string

	FetchTimeout     time.Duration
	FetchConcurrency int
	FetchRetries     int
	RetryBaseDelay   time.Duration
	IngestSafetyLag  time.Duration

	RetentionDays  int
	EventGraceDays int

	IngestStaleness  time.Duration
	PurgeStaleness   time.Duration
	UpdateRetries    int
	UpdateRetryDelay time.Duration
	UpdateInterval   time.Duration

	QualityGoodMax   int
	QualityMediumMax int

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:     envOrDefault("STRIKE_DB_PATH", "data/strikes.db"),
		ArchiveDir: os.Getenv("STRIKE_ARCHIVE_DIR"),

		ProviderBaseURL:  envOrDefault("PROVIDER_BASE_URL", "https://data.blitzortung.org/Data/Protected"),
		ProviderLogin:    os.Getenv("PROVIDER_LOGIN"),
		ProviderPassword: os.Getenv("PROVIDER_PASSWORD"),

		HTTPAddr:  envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.ProviderRegion, err = parseInt("PROVIDER_REGION", 1, 1, 9); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = parseDuration("FETCH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.FetchConcurrency, err = parseInt("FETCH_CONCURRENCY", 4, 1, 64); err != nil {
		return nil, err
	}
	if cfg.FetchRetries, err = parseInt("FETCH_RETRIES", 3, 1, 10); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = parseDuration("FETCH_RETRY_BASE_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.IngestSafetyLag, err = parseDuration("INGEST_SAFETY_LAG", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = parseInt("RETENTION_DAYS", 15, 1, 3650); err != nil {
		return nil, err
	}
	if cfg.EventGraceDays, err = parseInt("EVENT_GRACE_DAYS", 2, 1, 365); err != nil {
		return nil, err
	}
	if cfg.IngestStaleness, err = parseDuration("INGEST_STALENESS", 8*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PurgeStaleness, err = parseDuration("PURGE_STALENESS", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.UpdateRetries, err = parseInt("UPDATE_RETRIES", 3, 0, 10); err != nil {
		return nil, err
	}
	if cfg.UpdateRetryDelay, err = parseDuration("UPDATE_RETRY_DELAY", time.Hour); err != nil {
		return nil, err
	}
	if cfg.UpdateInterval, err = parseDuration("UPDATE_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.QualityGoodMax, err = parseInt("QUALITY_GOOD_MAX", 150, 1, 360); err != nil {
		return nil, err
	}
	if cfg.QualityMediumMax, err = parseInt("QUALITY_MEDIUM_MAX", 300, 1, 360); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = parseDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.ProviderBaseURL == "" {
		return nil, errors.New("PROVIDER_BASE_URL is required")
	}
	if cfg.QualityGoodMax >= cfg.QualityMediumMax {
		return nil, errors.New("QUALITY_GOOD_MAX must be below QUALITY_MEDIUM_MAX")
	}

	return cfg, nil
}

// RequireCredentials validates that provider credentials are present. Commands
// that never contact the provider (purge, query) skip this check.
func (c *Config) RequireCredentials() error {
	if c.ProviderLogin == "" || c.ProviderPassword == "" {
		return ErrCredentialsMissing
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(key string, fallback, minVal, maxVal int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	if n < minVal || n > maxVal {
		return 0, fmt.Errorf("%s must be between %d and %d", key, minVal, maxVal)
	}
	return n, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}
