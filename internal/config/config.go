package config

import (
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/adapters/ledger"
	"github.com/hugo-lorenzo-mato/opsgate/internal/batch"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Observer   ObserverConfig   `mapstructure:"observer"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Enrich     EnrichConfig     `mapstructure:"enrich"`
	Server     ServerConfig     `mapstructure:"server"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LedgerConfig selects the shared ledger backend.
type LedgerConfig struct {
	Driver       string        `mapstructure:"driver"`
	Path         string        `mapstructure:"path"`
	DSN          string        `mapstructure:"dsn"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Watch        bool          `mapstructure:"watch"`
}

// NotifyConfig configures cross-process change notification.
type NotifyConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisChannel  string `mapstructure:"redis_channel"`
}

// ObserverConfig configures view projection.
type ObserverConfig struct {
	HistoryLimit     int           `mapstructure:"history_limit"`
	FallbackInterval time.Duration `mapstructure:"fallback_interval"`
}

// ReconcilerConfig configures promotion and staleness sweeps.
type ReconcilerConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// BatchConfig configures the batch runner.
type BatchConfig struct {
	Size          int           `mapstructure:"size"`
	Delay         time.Duration `mapstructure:"delay"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Heartbeat     time.Duration `mapstructure:"heartbeat"`
}

// EnrichConfig configures the contact enrichment workload.
type EnrichConfig struct {
	SerperURL        string   `mapstructure:"serper_url"`
	SerperAPIKey     string   `mapstructure:"serper_api_key"`
	OpenRouterURL    string   `mapstructure:"openrouter_url"`
	OpenRouterAPIKey string   `mapstructure:"openrouter_api_key"`
	Model            string   `mapstructure:"model"`
	BatchSize        int      `mapstructure:"batch_size"`
	Queries          []string `mapstructure:"queries"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LedgerSettings combines the ledger and notify sections for ledger.Open.
func (c *Config) LedgerSettings() ledger.Settings {
	return ledger.Settings{
		Driver:        c.Ledger.Driver,
		Path:          c.Ledger.Path,
		DSN:           c.Ledger.DSN,
		PollInterval:  c.Ledger.PollInterval,
		Watch:         c.Ledger.Watch,
		RedisAddr:     c.Notify.RedisAddr,
		RedisPassword: c.Notify.RedisPassword,
		RedisDB:       c.Notify.RedisDB,
		RedisChannel:  c.Notify.RedisChannel,
	}
}

// LoggingConfig returns the logger configuration for this config.
func (c *Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Format = c.Log.Format
	return lc
}

// Runner returns a batch runner configured from the batch section.
func (c *BatchConfig) Runner() batch.Runner {
	return batch.Runner{BatchSize: c.Size, InterBatchDelay: c.Delay}
}

// RateLimiter returns the item rate limiter, or nil when unlimited.
func (c *BatchConfig) RateLimiter() *batch.RateLimiter {
	return batch.NewRateLimiter(batch.RateLimiterConfig{RatePerSecond: c.RatePerSecond, Burst: c.Burst})
}
