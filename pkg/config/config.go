// Package config loads csscoverage settings from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coolbeans/csscoverage/pkg/report"
	"github.com/coolbeans/csscoverage/pkg/statcounter"
)

// FeedConfig configures the statistics feed.
type FeedConfig struct {
	URL       string `yaml:"url"`
	Timeout   string `yaml:"timeout,omitempty"`
	UserAgent string `yaml:"user_agent,omitempty"`
}

// Config holds all file-based settings. Command-line flags override them.
type Config struct {
	// StorePath is the JSON file holding persisted state tokens.
	StorePath string `yaml:"store_path"`

	// MatrixPath optionally replaces the built-in support matrix.
	MatrixPath string `yaml:"matrix_path,omitempty"`

	// DefaultCategories are selected when a token selects none.
	DefaultCategories []string `yaml:"default_categories,omitempty"`

	// Format is the default report format.
	Format string `yaml:"format,omitempty"`

	// TickerInterval is how often the "last updated" label refreshes in watch mode.
	TickerInterval string `yaml:"ticker_interval,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`

	Feed FeedConfig `yaml:"feed"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		StorePath:      defaultStorePath(),
		Format:         string(report.FormatText),
		TickerInterval: "1m",
		LogLevel:       "warn",
		Feed: FeedConfig{
			Timeout:   statcounter.DefaultTimeout.String(),
			UserAgent: statcounter.DefaultUserAgent,
		},
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "csscoverage", "state.json")
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks durations and the report format.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("config: store_path is required")
	}
	if _, err := report.ParseFormat(c.Format); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.FeedTimeout(); err != nil {
		return err
	}
	if _, err := c.Ticker(); err != nil {
		return err
	}
	return nil
}

// FeedTimeout parses the feed timeout.
func (c *Config) FeedTimeout() (time.Duration, error) {
	return parseDuration("feed.timeout", c.Feed.Timeout, statcounter.DefaultTimeout)
}

// Ticker parses the ticker interval.
func (c *Config) Ticker() (time.Duration, error) {
	return parseDuration("ticker_interval", c.TickerInterval, time.Minute)
}

// StatCounter builds the feed client configuration.
func (c *Config) StatCounter() (statcounter.Config, error) {
	timeout, err := c.FeedTimeout()
	if err != nil {
		return statcounter.Config{}, err
	}
	return statcounter.Config{
		URL:       c.Feed.URL,
		Timeout:   timeout,
		UserAgent: c.Feed.UserAgent,
	}, nil
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", field)
	}
	return d, nil
}
