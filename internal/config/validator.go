package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/adapters/ledger"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateLedger(&cfg.Ledger)
	v.validateNotify(&cfg.Notify)
	v.validateObserver(&cfg.Observer)
	v.validateReconciler(&cfg.Reconciler)
	v.validateBatch(&cfg.Batch)
	v.validateEnrich(&cfg.Enrich)
	v.validateServer(&cfg.Server)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
}

func (v *Validator) validateLedger(cfg *LedgerConfig) {
	switch strings.ToLower(cfg.Driver) {
	case ledger.DriverSQLite:
		if cfg.Path == "" {
			v.addError("ledger.path", cfg.Path, "path required for sqlite")
		} else if !isValidPath(cfg.Path) {
			v.addError("ledger.path", cfg.Path, "invalid file path")
		}
	case ledger.DriverMySQL:
		if cfg.DSN == "" {
			v.addError("ledger.dsn", cfg.DSN, "dsn required for mysql")
		}
	case ledger.DriverMemory:
	default:
		v.addError("ledger.driver", cfg.Driver, "must be one of: sqlite, mysql, memory")
	}
}

func (v *Validator) validateNotify(cfg *NotifyConfig) {
	if cfg.RedisAddr == "" {
		return
	}
	if !strings.Contains(cfg.RedisAddr, ":") {
		v.addError("notify.redis_addr", cfg.RedisAddr, "must be host:port")
	}
	if cfg.RedisDB < 0 {
		v.addError("notify.redis_db", cfg.RedisDB, "must be non-negative")
	}
	if cfg.RedisChannel == "" {
		v.addError("notify.redis_channel", cfg.RedisChannel, "channel required when redis is enabled")
	}
}

func (v *Validator) validateObserver(cfg *ObserverConfig) {
	if cfg.HistoryLimit <= 0 {
		v.addError("observer.history_limit", cfg.HistoryLimit, "must be positive")
	}
	if cfg.FallbackInterval < 0 {
		v.addError("observer.fallback_interval", cfg.FallbackInterval, "must be non-negative")
	}
}

func (v *Validator) validateReconciler(cfg *ReconcilerConfig) {
	if cfg.Interval <= 0 {
		v.addError("reconciler.interval", cfg.Interval, "must be positive")
	}
	if cfg.StaleAfter < time.Minute {
		v.addError("reconciler.stale_after", cfg.StaleAfter, "must be at least 1m")
	}
	if cfg.FailureThreshold < 1 {
		v.addError("reconciler.failure_threshold", cfg.FailureThreshold, "must be at least 1")
	}
}

func (v *Validator) validateBatch(cfg *BatchConfig) {
	if cfg.Size < 1 {
		v.addError("batch.size", cfg.Size, "must be at least 1")
	}
	if cfg.Delay < 0 {
		v.addError("batch.delay", cfg.Delay, "must be non-negative")
	}
	if cfg.RatePerSecond < 0 {
		v.addError("batch.rate_per_second", cfg.RatePerSecond, "must be non-negative")
	}
	if cfg.RatePerSecond > 0 && cfg.Burst < 1 {
		v.addError("batch.burst", cfg.Burst, "must be at least 1 when rate limiting")
	}
	if cfg.Heartbeat <= 0 {
		v.addError("batch.heartbeat", cfg.Heartbeat, "must be positive")
	}
}

// validateEnrich checks shape only; API keys are required when the enrich
// command runs, not for every command.
func (v *Validator) validateEnrich(cfg *EnrichConfig) {
	for field, raw := range map[string]string{
		"enrich.serper_url":     cfg.SerperURL,
		"enrich.openrouter_url": cfg.OpenRouterURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			v.addError(field, raw, "must be an absolute URL")
		}
	}
	if cfg.Model == "" {
		v.addError("enrich.model", cfg.Model, "model required")
	}
	if cfg.BatchSize < 1 {
		v.addError("enrich.batch_size", cfg.BatchSize, "must be at least 1")
	}
	if len(cfg.Queries) == 0 {
		v.addError("enrich.queries", cfg.Queries, "at least one query required")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 1 and 65535")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
