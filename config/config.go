// Package config provides centralized configuration management using Viper.
// It supports loading configuration from files, environment variables, and
// command-line flags with a clear hierarchy: Flags > Env > Config File > Defaults.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultDatabaseMaxConnections = 10
	DefaultDatabaseIdleTimeout    = 5 * time.Minute
	DefaultDatabaseConnectTimeout = 10 * time.Second
	DefaultDatabaseRetries        = 3

	DefaultStatusPort        = 4000
	DefaultStatusConcurrency = 4
	DefaultStatusCacheTTL    = 30 * time.Second

	DefaultUptimeCronSpec       = "*/15 * * * *"
	DefaultUptimeTimezone       = "Europe/Lisbon"
	DefaultUptimeGrace          = 30 * time.Minute
	DefaultUptimeOfflineConfirm = 30 * time.Minute
	DefaultUptimeConcurrency    = 4

	DefaultPoolHTTPTimeout = 15 * time.Second

	DefaultLoggingLevel   = "info"
	DefaultLoggingFormat  = "color"
	DefaultLoggingQuiet   = false
	DefaultLoggingVerbose = false
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	KV       KVConfig       `mapstructure:"kv"`
	Uptime   UptimeConfig   `mapstructure:"uptime"`
	Status   StatusConfig   `mapstructure:"status"`
	Pools    PoolsConfig    `mapstructure:"pools"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig defines the Postgres connection settings.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Retries        int           `mapstructure:"retries"`
}

// KVConfig defines the Redis connection used for slot locks and
// confirmation state.
type KVConfig struct {
	URL string `mapstructure:"url"`
}

// UptimeConfig tunes the reconciliation job.
type UptimeConfig struct {
	CronSpec       string        `mapstructure:"cron_spec"`
	Timezone       string        `mapstructure:"timezone"`
	Grace          time.Duration `mapstructure:"grace"`
	OfflineConfirm time.Duration `mapstructure:"offline_confirm"`
	Concurrency    int           `mapstructure:"concurrency"`
}

// StatusConfig tunes the read service.
type StatusConfig struct {
	Port        int           `mapstructure:"port"`
	Concurrency int           `mapstructure:"concurrency"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// PoolsConfig holds per-pool overrides.
type PoolsConfig struct {
	BinanceBase string        `mapstructure:"binance_base"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`   // debug, info, warn, error
	Format  string `mapstructure:"format"`  // text, color, json
	Quiet   bool   `mapstructure:"quiet"`   // suppress all but errors
	Verbose bool   `mapstructure:"verbose"` // enable debug logs
}

func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url cannot be empty")
	}
	if c.KV.URL == "" {
		return fmt.Errorf("kv.url cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database.max_connections must be positive, got %d", c.Database.MaxConnections)
	}
	if c.Database.ConnectTimeout < time.Second {
		return fmt.Errorf("database.connect_timeout too short (minimum 1s), got %v", c.Database.ConnectTimeout)
	}
	if c.Database.Retries < 0 {
		return fmt.Errorf("database.retries cannot be negative, got %d", c.Database.Retries)
	}

	if c.Status.Port < 1 || c.Status.Port > 65535 {
		return fmt.Errorf("invalid status.port: %d (must be 1-65535)", c.Status.Port)
	}
	if c.Status.Concurrency <= 0 {
		return fmt.Errorf("status.concurrency must be positive, got %d", c.Status.Concurrency)
	}
	if c.Status.CacheTTL < time.Second {
		return fmt.Errorf("status.cache_ttl too short (minimum 1s), got %v", c.Status.CacheTTL)
	}

	if c.Uptime.CronSpec == "" {
		return fmt.Errorf("uptime.cron_spec cannot be empty")
	}
	if c.Uptime.Grace < time.Minute {
		return fmt.Errorf("uptime.grace too short (minimum 1m), got %v", c.Uptime.Grace)
	}
	if c.Uptime.OfflineConfirm < 15*time.Minute {
		return fmt.Errorf("uptime.offline_confirm too short (minimum 15m), got %v", c.Uptime.OfflineConfirm)
	}
	if c.Uptime.Concurrency <= 0 {
		return fmt.Errorf("uptime.concurrency must be positive, got %d", c.Uptime.Concurrency)
	}
	if _, err := time.LoadLocation(c.Uptime.Timezone); err != nil {
		return fmt.Errorf("invalid uptime.timezone: %q: %w", c.Uptime.Timezone, err)
	}

	if c.Pools.HTTPTimeout < time.Second {
		return fmt.Errorf("pools.http_timeout too short (minimum 1s), got %v", c.Pools.HTTPTimeout)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %q (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "color": true, "json": true}
	if c.Logging.Format != "" && !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %q (must be text, color, or json)", c.Logging.Format)
	}

	return nil
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration sources are applied in the following precedence order
// (highest to lowest):
//  1. Environment variables (MW_* prefix plus the legacy bare aliases)
//  2. Configuration file (minerwatch.yaml or specified path)
//  3. Default values
//
// Environment Variable Naming:
// Environment variables use the prefix MW_ followed by the nested config key
// with dots replaced by underscores. Examples:
//   - database.url  → MW_DATABASE_URL
//   - status.port   → MW_STATUS_PORT
//   - uptime.grace  → MW_UPTIME_GRACE
//
// Deployments predating the file-based configuration set bare variables;
// these are still honoured as aliases:
//   - DATABASE_URL, DB_MAX_CONNECTIONS, DB_IDLE_TIMEOUT, DB_CONNECT_TIMEOUT,
//     DB_RETRIES
//   - REDIS_URL
//   - STATUS_PORT, STATUS_CONCURRENCY
//   - BINANCE_BASE
//
// Configuration File Search Paths:
// If configPath is empty, the function searches for "minerwatch.yaml" in:
//  1. Current directory (.)
//  2. User config directory (~/.minerwatch)
//  3. System config directory (/etc/minerwatch)
//
// If no config file is found in the search paths, defaults are used without
// error. If configPath is specified but the file doesn't exist or can't be
// read, an error is returned.
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Watch starts a background goroutine that watches the configuration file
// and calls the callback when changes are detected. The watcher stops when
// the context is cancelled. If logger is nil, logging is disabled.
func Watch(ctx context.Context, configPath string, callback func(*Config), logger *slog.Logger) error {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if logger != nil {
			logger.Info("configuration file changed",
				"file", e.Name,
				"operation", e.Op.String())
		}

		var newConfig Config
		if err := v.Unmarshal(&newConfig); err != nil {
			if logger != nil {
				logger.Error("failed to unmarshal config on reload",
					"error", err,
					"file", e.Name)
			}
			return
		}

		if err := newConfig.Validate(); err != nil {
			if logger != nil {
				logger.Error("invalid configuration after reload",
					"error", err,
					"file", e.Name)
			}
			return
		}

		if logger != nil {
			logger.Info("configuration reloaded successfully",
				"file", e.Name)
		}

		callback(&newConfig)
	})

	go func() {
		<-ctx.Done()
		if logger != nil {
			logger.Debug("config watcher stopped",
				"reason", "context cancelled")
		}
	}()

	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("minerwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.minerwatch")
		v.AddConfigPath("/etc/minerwatch")
	}

	v.SetEnvPrefix("MW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindLegacyEnv(v)

	return v
}

// bindLegacyEnv keeps the original bare environment variables working
// alongside the MW_ prefixed ones.
func bindLegacyEnv(v *viper.Viper) {
	v.BindEnv("database.url", "MW_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("database.max_connections", "MW_DATABASE_MAX_CONNECTIONS", "DB_MAX_CONNECTIONS")
	v.BindEnv("database.idle_timeout", "MW_DATABASE_IDLE_TIMEOUT", "DB_IDLE_TIMEOUT")
	v.BindEnv("database.connect_timeout", "MW_DATABASE_CONNECT_TIMEOUT", "DB_CONNECT_TIMEOUT")
	v.BindEnv("database.retries", "MW_DATABASE_RETRIES", "DB_RETRIES")
	v.BindEnv("kv.url", "MW_KV_URL", "REDIS_URL")
	v.BindEnv("status.port", "MW_STATUS_PORT", "STATUS_PORT")
	v.BindEnv("status.concurrency", "MW_STATUS_CONCURRENCY", "STATUS_CONCURRENCY")
	v.BindEnv("pools.binance_base", "MW_POOLS_BINANCE_BASE", "BINANCE_BASE")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_connections", DefaultDatabaseMaxConnections)
	v.SetDefault("database.idle_timeout", DefaultDatabaseIdleTimeout)
	v.SetDefault("database.connect_timeout", DefaultDatabaseConnectTimeout)
	v.SetDefault("database.retries", DefaultDatabaseRetries)
	v.SetDefault("kv.url", "")
	v.SetDefault("uptime.cron_spec", DefaultUptimeCronSpec)
	v.SetDefault("uptime.timezone", DefaultUptimeTimezone)
	v.SetDefault("uptime.grace", DefaultUptimeGrace)
	v.SetDefault("uptime.offline_confirm", DefaultUptimeOfflineConfirm)
	v.SetDefault("uptime.concurrency", DefaultUptimeConcurrency)
	v.SetDefault("status.port", DefaultStatusPort)
	v.SetDefault("status.concurrency", DefaultStatusConcurrency)
	v.SetDefault("status.cache_ttl", DefaultStatusCacheTTL)
	v.SetDefault("pools.binance_base", "")
	v.SetDefault("pools.http_timeout", DefaultPoolHTTPTimeout)
	v.SetDefault("logging.level", DefaultLoggingLevel)
	v.SetDefault("logging.format", DefaultLoggingFormat)
	v.SetDefault("logging.quiet", DefaultLoggingQuiet)
	v.SetDefault("logging.verbose", DefaultLoggingVerbose)
}

// DebugUptime reports whether per-pool debug logging was requested via the
// DEBUG_UPTIME_<POOL> environment variable (any non-empty value except "0").
func DebugUptime(pool string) bool {
	val := os.Getenv("DEBUG_UPTIME_" + strings.ToUpper(strings.TrimSpace(pool)))
	return val != "" && val != "0"
}
