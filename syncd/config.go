package syncd

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/sourcesync/parse"
	"github.com/hazyhaar/sourcesync/source"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SOURCESYNC_"

// Config holds the whole service configuration. Values come from defaults,
// then the YAML file, then SOURCESYNC_* environment variables.
type Config struct {
	DBPath  string `yaml:"db_path" env:"DB_PATH"`
	BlobDir string `yaml:"blob_dir" env:"BLOB_DIR"`
	Listen  string `yaml:"listen" env:"LISTEN"`
	// OriginPatterns are the cross-origin hosts allowed to open progress
	// WebSockets. Same-origin requests are always accepted.
	OriginPatterns []string `yaml:"origin_patterns" env:"ORIGIN_PATTERNS" envSeparator:","`

	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	Fetch    FetchConfig    `yaml:"fetch" envPrefix:"FETCH_"`
	Sync     SyncConfig     `yaml:"sync" envPrefix:"SYNC_"`
	Schedule ScheduleConfig `yaml:"schedule" envPrefix:"SCHEDULE_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`

	Parse    parse.Selectors  `yaml:"parse"`
	Accounts []source.Account `yaml:"accounts"`
}

// LogConfig controls logging. An empty File logs to stderr only.
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// FetchConfig controls the page-fetch client.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxBytes  int64         `yaml:"max_bytes" env:"MAX_BYTES"`
	UserAgent string        `yaml:"user_agent" env:"USER_AGENT"`
	// AllowPrivate disables the private-address guard (local testing only).
	AllowPrivate bool `yaml:"allow_private" env:"ALLOW_PRIVATE"`
}

// SyncConfig bounds sync runs.
type SyncConfig struct {
	IncrementalMaxPages int           `yaml:"incremental_max_pages" env:"INCREMENTAL_MAX_PAGES"`
	MaxItems            int64         `yaml:"max_items" env:"MAX_ITEMS"`
	Budget              time.Duration `yaml:"budget" env:"BUDGET"`
}

// ScheduleConfig controls periodic incremental syncs.
type ScheduleConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	Spec        string `yaml:"spec" env:"SPEC"`
	Concurrency int    `yaml:"concurrency" env:"CONCURRENCY"`
	RunOnStart  bool   `yaml:"run_on_start" env:"RUN_ON_START"`
}

// MetricsConfig controls the run metrics timeseries.
type MetricsConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	// Retention bounds how long datapoints are kept. Default: 30 days.
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "data/sourcesync.db"
	}
	if c.BlobDir == "" {
		c.BlobDir = "data/blobs"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8087"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 28
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Sync.IncrementalMaxPages <= 0 {
		c.Sync.IncrementalMaxPages = 5
	}
	if c.Sync.Budget <= 0 {
		c.Sync.Budget = 10 * time.Minute
	}
	if c.Schedule.Spec == "" {
		c.Schedule.Spec = "@every 15m"
	}
	if c.Schedule.Concurrency <= 0 {
		c.Schedule.Concurrency = 4
	}
	if c.Metrics.Retention <= 0 {
		c.Metrics.Retention = 30 * 24 * time.Hour
	}
}

// Validate checks account definitions.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("config: accounts[%d]: id required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate account %q", a.ID)
		}
		seen[a.ID] = true
		if a.PageTemplate == "" {
			return fmt.Errorf("config: account %q: page_template required", a.ID)
		}
	}
	return nil
}

// LoadConfig reads path (optional), applies environment overrides, fills
// defaults and validates.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
