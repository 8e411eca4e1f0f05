package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/opsgate/internal/adapters/ledger"
	"github.com/hugo-lorenzo-mato/opsgate/internal/batch"
	"github.com/hugo-lorenzo-mato/opsgate/internal/enrich"
	"github.com/hugo-lorenzo-mato/opsgate/internal/observer"
	"github.com/hugo-lorenzo-mato/opsgate/internal/reconciler"
)

// DefaultEnvPrefix is the prefix for environment overrides, e.g.
// OPSGATE_LEDGER_DRIVER.
const DefaultEnvPrefix = "OPSGATE"

// ProjectDir holds per-project state: the config file and the SQLite ledger.
const ProjectDir = ".opsgate"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance so
// CLI flags bound to it take precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: DefaultEnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (OPSGATE_*)
// 3. Project config (.opsgate/config.yaml)
// 4. User config (~/.config/opsgate/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")

		// First found wins.
		l.v.AddConfigPath(ProjectDir)
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "opsgate"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// ConfigFile returns the config file that was read, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a raw configuration value.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set overrides a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet reports whether key has a value from any source.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns the merged settings map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")
	l.v.SetDefault("log.file", "")

	l.v.SetDefault("ledger.driver", ledger.DriverSQLite)
	l.v.SetDefault("ledger.path", filepath.Join(ProjectDir, "ledger.db"))
	l.v.SetDefault("ledger.dsn", "")
	l.v.SetDefault("ledger.poll_interval", ledger.DefaultPollInterval)
	l.v.SetDefault("ledger.watch", true)

	l.v.SetDefault("notify.redis_addr", "")
	l.v.SetDefault("notify.redis_password", "")
	l.v.SetDefault("notify.redis_db", 0)
	l.v.SetDefault("notify.redis_channel", ledger.DefaultRedisChannel)

	l.v.SetDefault("observer.history_limit", observer.DefaultHistoryLimit)
	l.v.SetDefault("observer.fallback_interval", observer.DefaultFallbackInterval)

	l.v.SetDefault("reconciler.interval", reconciler.DefaultInterval)
	l.v.SetDefault("reconciler.stale_after", reconciler.DefaultStaleAfter)
	l.v.SetDefault("reconciler.failure_threshold", reconciler.DefaultFailureThreshold)

	limits := batch.DefaultRateLimiterConfig()
	l.v.SetDefault("batch.size", batch.DefaultBatchSize)
	l.v.SetDefault("batch.delay", batch.DefaultInterBatchDelay)
	l.v.SetDefault("batch.rate_per_second", limits.RatePerSecond)
	l.v.SetDefault("batch.burst", limits.Burst)
	l.v.SetDefault("batch.heartbeat", batch.DefaultHeartbeatInterval)

	l.v.SetDefault("enrich.serper_url", enrich.DefaultSerperURL)
	l.v.SetDefault("enrich.serper_api_key", "")
	l.v.SetDefault("enrich.openrouter_url", enrich.DefaultOpenRouterURL)
	l.v.SetDefault("enrich.openrouter_api_key", "")
	l.v.SetDefault("enrich.model", enrich.DefaultModel)
	l.v.SetDefault("enrich.batch_size", enrich.DefaultBatchSize)
	l.v.SetDefault("enrich.queries", enrich.DefaultQueries)

	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.cors_origins", []string{})
}
