// Package config loads clinsync settings from defaults, an optional config
// file, CLINSYNC_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/clinsync/internal/syncer"
)

// EnvPrefix is prepended to every environment override. The key
// "sync.batch_size" is read from CLINSYNC_SYNC_BATCH_SIZE.
const EnvPrefix = "CLINSYNC"

// Config is the resolved configuration.
type Config struct {
	Database   string          `mapstructure:"database"`
	PolicyFile string          `mapstructure:"policy_file"`
	UserID     string          `mapstructure:"user_id"`
	DeviceID   string          `mapstructure:"device_id"`
	Remote     RemoteConfig    `mapstructure:"remote"`
	Sync       SyncConfig      `mapstructure:"sync"`
	Log        LogConfig       `mapstructure:"log"`
	Metrics    MetricsConfig   `mapstructure:"metrics"`
	Telemetry  TelemetryConfig `mapstructure:"telemetry"`
	Serve      ServeConfig     `mapstructure:"serve"`
}

type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PageSize     int           `mapstructure:"page_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Interval     time.Duration `mapstructure:"interval"`
	PruneAfter   time.Duration `mapstructure:"prune_after"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
	Backoff      BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File, when set, receives logs through a size-rotated writer instead of
	// stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ServeConfig configures the reference authority server.
type ServeConfig struct {
	Addr string `mapstructure:"addr"`
	// DSN selects Postgres storage. Empty keeps records in memory.
	DSN string `mapstructure:"dsn"`
}

// FlagKeys maps command-line flag names to the config keys they override.
// Flags missing from the set passed to Load are ignored.
var FlagKeys = map[string]string{
	"db":           "database",
	"policy":       "policy_file",
	"user":         "user_id",
	"device":       "device_id",
	"remote":       "remote.url",
	"batch-size":   "sync.batch_size",
	"interval":     "sync.interval",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-file":     "log.file",
	"metrics-addr": "metrics.addr",
	"trace":        "telemetry.enabled",
	"listen":       "serve.addr",
	"dsn":          "serve.dsn",
}

func setDefaults(v *viper.Viper) {
	b := syncer.DefaultBackoff()
	d := syncer.DefaultConfig()

	v.SetDefault("database", "clinsync.db")
	v.SetDefault("policy_file", "")
	v.SetDefault("user_id", "")
	v.SetDefault("device_id", "")
	v.SetDefault("remote.url", "http://localhost:8650")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("sync.batch_size", d.BatchSize)
	v.SetDefault("sync.page_size", d.PullPageSize)
	v.SetDefault("sync.max_retries", d.MaxRetries)
	v.SetDefault("sync.interval", time.Minute)
	v.SetDefault("sync.prune_after", 7*24*time.Hour)
	v.SetDefault("sync.claim_timeout", d.ClaimTimeout)
	v.SetDefault("sync.backoff.initial", b.Initial)
	v.SetDefault("sync.backoff.max", b.Max)
	v.SetDefault("sync.backoff.multiplier", b.Multiplier)
	v.SetDefault("sync.backoff.jitter", b.Jitter)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("metrics.addr", ":9650")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("serve.addr", ":8650")
	v.SetDefault("serve.dsn", "")
}

// Load resolves the configuration. file may be empty; when set, the file
// must exist and its type is taken from the extension. flags may be nil.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database: must not be empty"))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size: must be positive, got %d", c.Sync.BatchSize))
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.page_size: must be positive, got %d", c.Sync.PageSize))
	}
	if c.Sync.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("sync.max_retries: must be positive, got %d", c.Sync.MaxRetries))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval: must be positive, got %s", c.Sync.Interval))
	}
	if c.Sync.ClaimTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.claim_timeout: must be positive, got %s", c.Sync.ClaimTimeout))
	}
	if c.Sync.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("sync.backoff.multiplier: must be at least 1, got %g", c.Sync.Backoff.Multiplier))
	}
	if c.Sync.Backoff.Jitter < 0 || c.Sync.Backoff.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("sync.backoff.jitter: must be in [0, 1), got %g", c.Sync.Backoff.Jitter))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: %q is invalid (valid values: json, console)", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Engine returns the sync pipeline tuning.
func (c SyncConfig) Engine() syncer.Config {
	return syncer.Config{
		BatchSize:    c.BatchSize,
		PullPageSize: c.PageSize,
		MaxRetries:   c.MaxRetries,
		ClaimTimeout: c.ClaimTimeout,
		Backoff: syncer.BackoffConfig{
			Initial:    c.Backoff.Initial,
			Max:        c.Backoff.Max,
			Multiplier: c.Backoff.Multiplier,
			Jitter:     c.Backoff.Jitter,
		},
	}
}
