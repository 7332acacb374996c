// Package config loads shedsync configuration.
//
// Settings come from three layers, later winning: built-in defaults, the
// .shedsync.toml config file, and SHEDSYNC_* environment variables
// (SHEDSYNC_SYNC_DEBOUNCE=250ms overrides sync.debounce).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// FileName is the config file name searched for in the working directory
// and the home directory.
const FileName = ".shedsync.toml"

// Config is the full shedsync configuration tree.
type Config struct {
	// DataDir holds the local database and the per-kind record directories.
	DataDir string `mapstructure:"data_dir" toml:"data_dir"`

	Remote    Remote    `mapstructure:"remote" toml:"remote"`
	Sync      Sync      `mapstructure:"sync" toml:"sync"`
	Dashboard Dashboard `mapstructure:"dashboard" toml:"dashboard"`
	Log       Log       `mapstructure:"log" toml:"log"`
}

// Remote configures the account store endpoint.
type Remote struct {
	URL     string        `mapstructure:"url" toml:"url"`
	Timeout time.Duration `mapstructure:"timeout" toml:"timeout"`
}

// Sync configures cycle behavior. Zero values fall back to the package
// defaults at wiring time.
type Sync struct {
	// Debounce is the window collapsing rapid edits into one operation.
	Debounce time.Duration `mapstructure:"debounce" toml:"debounce"`

	// PeriodicInterval is the background sync cadence for the daemon.
	PeriodicInterval time.Duration `mapstructure:"periodic_interval" toml:"periodic_interval"`

	// SkewToleranceMillis is the clock-skew allowance for conflict
	// detection.
	SkewToleranceMillis int64 `mapstructure:"skew_tolerance_ms" toml:"skew_tolerance_ms"`

	// MaxRetries is the per-operation retry budget before dead-lettering.
	MaxRetries int `mapstructure:"max_retries" toml:"max_retries"`

	// BatchSize bounds one remote round-trip.
	BatchSize int `mapstructure:"batch_size" toml:"batch_size"`

	// Strategy names the conflict resolution strategy: last-write-wins,
	// first-write-wins, merge, or user-choice.
	Strategy string `mapstructure:"strategy" toml:"strategy"`
}

// Dashboard configures the local status dashboard.
type Dashboard struct {
	Addr string `mapstructure:"addr" toml:"addr"`
}

// Log configures the rotating daemon log.
type Log struct {
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: ".shedsync",
		Remote: Remote{
			URL:     "https://api.woodshed.app",
			Timeout: 30 * time.Second,
		},
		Sync: Sync{
			Debounce:            500 * time.Millisecond,
			PeriodicInterval:    5 * time.Minute,
			SkewToleranceMillis: 5000,
			MaxRetries:          5,
			BatchSize:           50,
			Strategy:            "merge",
		},
		Dashboard: Dashboard{
			Addr: "localhost:8844",
		},
		Log: Log{
			File:       "", // empty logs to stderr
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}

// DatabasePath returns the path of the local SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "local.db")
}

// Load reads configuration from the given file, or from the default
// search path when path is empty. A missing config file is not an error:
// defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, ".toml"))
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	v.SetEnvPrefix("SHEDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		// An absent file on the search path is fine; an explicit path that
		// cannot be read is not.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a cycle.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Sync.BatchSize < 0 {
		return fmt.Errorf("sync.batch_size must not be negative")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	switch c.Sync.Strategy {
	case "", "last-write-wins", "first-write-wins", "merge", "user-choice", "custom":
	default:
		return fmt.Errorf("unknown sync.strategy %q", c.Sync.Strategy)
	}
	return nil
}

// Write renders the configuration as TOML to the given file, creating
// parent directories as needed. Used by `shedsync config init`.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("sync.debounce", d.Sync.Debounce)
	v.SetDefault("sync.periodic_interval", d.Sync.PeriodicInterval)
	v.SetDefault("sync.skew_tolerance_ms", d.Sync.SkewToleranceMillis)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.strategy", d.Sync.Strategy)
	v.SetDefault("dashboard.addr", d.Dashboard.Addr)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}
