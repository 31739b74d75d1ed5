// Package config loads runtime configuration from file, environment and
// defaults, in that order of increasing precedence for env overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Review holds the knobs of the review pipeline itself.
type Review struct {
	BatchSize            int      `mapstructure:"batch_size"`
	MaxConcurrentBatches int      `mapstructure:"max_concurrent_batches"`
	PerItemThrottleMS    int      `mapstructure:"per_item_throttle_ms"`
	ItemTimeoutS         int      `mapstructure:"item_timeout_s"`
	AutoApproveThreshold float64  `mapstructure:"auto_approve_threshold"`
	Conservative         bool     `mapstructure:"conservative"`
	HighRiskTokens       []string `mapstructure:"high_risk_tokens"`
	AmountHoldThreshold  float64  `mapstructure:"amount_hold_threshold"`
	IncludeRaw           bool     `mapstructure:"include_raw"`
	RulesFile            string   `mapstructure:"rules_file"`
}

// Advisor configures the AI advisor client.
type Advisor struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	TimeoutS int    `mapstructure:"timeout_s"`
	// Enabled defaults to false; a disabled advisor runs SUT-only
	// composition.
	Enabled bool `mapstructure:"enabled"`
	// Stub replaces the HTTP advisor with the deterministic stub.
	Stub bool `mapstructure:"stub"`
}

// Store selects and configures the decision store backend.
type Store struct {
	// Driver is "file" or "postgres".
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	DSN    string `mapstructure:"dsn"`
}

// Paths groups output locations.
type Paths struct {
	ReportDir  string `mapstructure:"report_dir"`
	HistoryDir string `mapstructure:"history_dir"`
}

// Daemon configures the scheduler, watcher and HTTP server.
type Daemon struct {
	// Schedule holds HH:MM times at which a scheduled run fires.
	Schedule []string `mapstructure:"schedule"`
	// WatchDirs are polled for new prescription files.
	WatchDirs []string `mapstructure:"watch_dirs"`
	// WatchPatterns are the file globs accepted by the watcher.
	WatchPatterns []string `mapstructure:"watch_patterns"`
	// PollIntervalS is the watcher poll cadence.
	PollIntervalS int    `mapstructure:"poll_interval_s"`
	ListenAddr    string `mapstructure:"listen_addr"`
	APIKey        string `mapstructure:"api_key"`
}

// Events configures the Kafka stream. Empty brokers disable it.
type Events struct {
	Brokers []string `mapstructure:"brokers"`
}

// Config is the full application configuration.
type Config struct {
	Review  Review  `mapstructure:"review"`
	Advisor Advisor `mapstructure:"advisor"`
	Store   Store   `mapstructure:"store"`
	Paths   Paths   `mapstructure:"paths"`
	Daemon  Daemon  `mapstructure:"daemon"`
	Events  Events  `mapstructure:"events"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and SUT_* environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("review.batch_size", 10)
	v.SetDefault("review.max_concurrent_batches", 3)
	v.SetDefault("review.per_item_throttle_ms", 100)
	v.SetDefault("review.item_timeout_s", 30)
	v.SetDefault("review.auto_approve_threshold", 0.85)
	v.SetDefault("review.conservative", true)
	v.SetDefault("review.high_risk_tokens",
		[]string{"narkotik", "opioid", "morphine", "fentanyl", "oxycodone"})
	v.SetDefault("review.amount_hold_threshold", 1000.0)
	v.SetDefault("review.include_raw", false)

	v.SetDefault("advisor.enabled", false)
	v.SetDefault("advisor.timeout_s", 20)
	v.SetDefault("advisor.stub", false)

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dir", "decisions")

	v.SetDefault("paths.report_dir", "reports")
	v.SetDefault("paths.history_dir", "history")

	v.SetDefault("daemon.watch_patterns", []string{"*.json"})
	v.SetDefault("daemon.poll_interval_s", 10)
	v.SetDefault("daemon.listen_addr", ":8080")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Review.BatchSize <= 0 {
		return fmt.Errorf("review.batch_size must be positive, got %d", c.Review.BatchSize)
	}
	if c.Review.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("review.max_concurrent_batches must be positive, got %d", c.Review.MaxConcurrentBatches)
	}
	if c.Review.ItemTimeoutS <= 0 {
		return fmt.Errorf("review.item_timeout_s must be positive, got %d", c.Review.ItemTimeoutS)
	}
	if t := c.Review.AutoApproveThreshold; t < 0 || t > 1 {
		return fmt.Errorf("review.auto_approve_threshold must be in [0,1], got %v", t)
	}
	switch c.Store.Driver {
	case "file":
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the file driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Advisor.Enabled && !c.Advisor.Stub && c.Advisor.Endpoint == "" {
		return fmt.Errorf("advisor.endpoint is required when the advisor is enabled")
	}
	for _, hhmm := range c.Daemon.Schedule {
		if _, err := time.Parse("15:04", hhmm); err != nil {
			return fmt.Errorf("daemon.schedule entry %q is not HH:MM", hhmm)
		}
	}
	return nil
}

// ItemTimeout returns the per-item deadline as a duration.
func (c *Config) ItemTimeout() time.Duration {
	return time.Duration(c.Review.ItemTimeoutS) * time.Second
}

// ItemThrottle returns the inter-item pause as a duration.
func (c *Config) ItemThrottle() time.Duration {
	return time.Duration(c.Review.PerItemThrottleMS) * time.Millisecond
}

// AdvisorTimeout returns the advisor HTTP deadline as a duration.
func (c *Config) AdvisorTimeout() time.Duration {
	return time.Duration(c.Advisor.TimeoutS) * time.Second
}

// PollInterval returns the watcher cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Daemon.PollIntervalS) * time.Second
}
