// Package config provides configuration loading for the HealthSync engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds engine configuration. All fields have working defaults so an
// empty file (or no file) yields a runnable engine.
type Config struct {
	// DataDir is where the SQLite database lives.
	DataDir string `yaml:"data_dir"`

	// UserID identifies the local device owner.
	UserID string `yaml:"user_id"`

	// LogLevel is DEBUG, INFO, WARN or ERROR.
	LogLevel string `yaml:"log_level"`

	Cache struct {
		// DefaultTTL is applied to cache writes that don't specify one.
		DefaultTTL time.Duration `yaml:"default_ttl"`
	} `yaml:"cache"`

	Queue struct {
		Capacity    int           `yaml:"capacity"`
		MaxAttempts int           `yaml:"max_attempts"`
		BaseDelay   time.Duration `yaml:"base_delay"`
		MaxDelay    time.Duration `yaml:"max_delay"`
	} `yaml:"queue"`

	Sync struct {
		Interval        time.Duration `yaml:"interval"`
		QueueInterval   time.Duration `yaml:"queue_interval"`
		Timeout         time.Duration `yaml:"timeout"`
		ProviderTimeout time.Duration `yaml:"provider_timeout"`
		Workers         int           `yaml:"workers"`
	} `yaml:"sync"`
}

// NewDefaultConfig returns the default engine configuration.
func NewDefaultConfig() *Config {
	cfg := &Config{
		DataDir:  defaultDataDir(),
		UserID:   "local",
		LogLevel: "INFO",
	}
	cfg.Cache.DefaultTTL = 24 * time.Hour
	cfg.Queue.Capacity = 1000
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.BaseDelay = time.Minute
	cfg.Queue.MaxDelay = time.Hour
	cfg.Sync.Interval = 15 * time.Minute
	cfg.Sync.QueueInterval = time.Minute
	cfg.Sync.Timeout = 5 * time.Minute
	cfg.Sync.ProviderTimeout = 30 * time.Second
	cfg.Sync.Workers = 4
	return cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".healthsync"
	}
	return filepath.Join(home, ".healthsync")
}

// Load loads configuration from path, falling back to defaults when path is
// empty or the file doesn't exist. Unset fields keep their defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync workers must be positive, got %d", c.Sync.Workers)
	}
	return nil
}
