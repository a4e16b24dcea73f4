// Package config provides configuration loading and management for Planforge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Planforge configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	NATS   NATSConfig   `yaml:"nats"`
	Jobs   JobsConfig   `yaml:"jobs"`
	LLM    LLMConfig    `yaml:"llm"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	// Addr is the listen address (default: ":8080")
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds graceful shutdown on SIGTERM
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream storage directory for the embedded server
	StoreDir string `yaml:"store_dir"`
}

// JobsConfig configures the orchestrator and worker pool
type JobsConfig struct {
	// LeaseDuration is how long a worker's claim holds before reclaim
	LeaseDuration time.Duration `yaml:"lease_duration"`
	// StuckThreshold is the wall-clock ceiling on a processing job
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
	// MaxRetries bounds requeues of abandoned jobs
	MaxRetries int `yaml:"max_retries"`
	// MaxRedosPerDay bounds explicit regeneration requests per owner
	MaxRedosPerDay int `yaml:"max_redos_per_day"`
	// Workers is the number of concurrent job workers
	Workers int `yaml:"workers"`
	// PollInterval is the idle delay between pending-queue polls
	PollInterval time.Duration `yaml:"poll_interval"`
	// SweepSchedule is the cron spec for the stuck-job sweep
	SweepSchedule string `yaml:"sweep_schedule"`
}

// LLMConfig configures the completion gateway
type LLMConfig struct {
	// RegistryPath is the YAML file defining endpoints and stage chains
	RegistryPath string `yaml:"registry_path"`
	// WatchRegistry enables hot reload of the registry file
	WatchRegistry bool `yaml:"watch_registry"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
			StoreDir: "",
		},
		Jobs: JobsConfig{
			LeaseDuration:  2 * time.Minute,
			StuckThreshold: 5 * time.Minute,
			MaxRetries:     3,
			MaxRedosPerDay: 2,
			Workers:        2,
			PollInterval:   2 * time.Second,
			SweepSchedule:  "@every 1m",
		},
		LLM: LLMConfig{
			RegistryPath:  "providers.yaml",
			WatchRegistry: true,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.LLM.RegistryPath == "" {
		return fmt.Errorf("llm.registry_path is required")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("jobs.max_retries must not be negative")
	}
	if c.Jobs.LeaseDuration <= 0 || c.Jobs.StuckThreshold <= 0 {
		return fmt.Errorf("jobs.lease_duration and jobs.stuck_threshold must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.ShutdownTimeout != 0 {
		c.Server.ShutdownTimeout = other.Server.ShutdownTimeout
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	// Jobs
	if other.Jobs.LeaseDuration != 0 {
		c.Jobs.LeaseDuration = other.Jobs.LeaseDuration
	}
	if other.Jobs.StuckThreshold != 0 {
		c.Jobs.StuckThreshold = other.Jobs.StuckThreshold
	}
	if other.Jobs.MaxRetries != 0 {
		c.Jobs.MaxRetries = other.Jobs.MaxRetries
	}
	if other.Jobs.MaxRedosPerDay != 0 {
		c.Jobs.MaxRedosPerDay = other.Jobs.MaxRedosPerDay
	}
	if other.Jobs.Workers != 0 {
		c.Jobs.Workers = other.Jobs.Workers
	}
	if other.Jobs.PollInterval != 0 {
		c.Jobs.PollInterval = other.Jobs.PollInterval
	}
	if other.Jobs.SweepSchedule != "" {
		c.Jobs.SweepSchedule = other.Jobs.SweepSchedule
	}

	// LLM
	if other.LLM.RegistryPath != "" {
		c.LLM.RegistryPath = other.LLM.RegistryPath
	}
	if other.LLM.WatchRegistry {
		c.LLM.WatchRegistry = true
	}
}
