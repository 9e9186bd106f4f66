// Package config loads baziunlock's YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DirName is the per-user directory holding config and state.
const DirName = ".baziunlock"

// Config holds client configuration.
type Config struct {
	// APIBase is the fortune API root, e.g. http://localhost:3000/api.
	APIBase string `yaml:"api_base"`
	// DBPath is the SQLite file for session state, content cache and audit.
	DBPath string `yaml:"db_path"`
	// PollInterval is the delay between task status queries.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollTimeout is the client-side give-up ceiling per task.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// StatusTTL is the freshness window of per-subject theme status.
	StatusTTL time.Duration `yaml:"status_ttl"`
	// PricingTTL is the freshness window of the pricing table.
	PricingTTL time.Duration `yaml:"pricing_ttl"`
	// ContentCacheTTL is how long unlocked content stays in the durable cache.
	ContentCacheTTL time.Duration `yaml:"content_cache_ttl"`
	// RequestTimeout bounds a single API request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RateLimitRPS caps outbound API requests per second. Zero disables limiting.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	// RateBurst is the limiter burst size.
	RateBurst int `yaml:"rate_burst"`
	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dbPath := filepath.Join(DirName, "baziunlock.db")
	if home, err := os.UserHomeDir(); err == nil {
		dbPath = filepath.Join(home, DirName, "baziunlock.db")
	}

	return &Config{
		APIBase:         "http://localhost:3000/api",
		DBPath:          dbPath,
		PollInterval:    2 * time.Second,
		PollTimeout:     5 * time.Minute,
		StatusTTL:       2 * time.Minute,
		PricingTTL:      30 * time.Minute,
		ContentCacheTTL: 7 * 24 * time.Hour,
		RequestTimeout:  10 * time.Second,
		RateLimitRPS:    10,
		RateBurst:       5,
	}
}

// LoadConfig loads configuration from a YAML file.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// HomePath returns ~/.baziunlock/config.yaml.
func HomePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, DirName, "config.yaml"), nil
}

// LoadConfigFromHome loads configuration from ~/.baziunlock/config.yaml.
func LoadConfigFromHome() (*Config, error) {
	path, err := HomePath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// SaveConfig saves configuration to a YAML file, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api_base must be an absolute URL, got %q", c.APIBase)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must be set")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.PollTimeout < c.PollInterval {
		return fmt.Errorf("poll_timeout (%s) must not be shorter than poll_interval (%s)", c.PollTimeout, c.PollInterval)
	}
	if c.StatusTTL < 0 || c.PricingTTL < 0 || c.ContentCacheTTL < 0 {
		return fmt.Errorf("cache TTLs must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("rate_limit_rps must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateBurst < 1 {
		return fmt.Errorf("rate_burst must be at least 1 when rate limiting is enabled")
	}
	return nil
}
