package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the fleetctl CLI.
type Config struct {
	// Device API
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`

	// Scanning
	ScanTimeout time.Duration `yaml:"scan_timeout"`
	MaxHosts    int           `yaml:"max_hosts"`

	// Batches
	Concurrency int `yaml:"concurrency"`

	// BOSminer SSH login
	SSHUser     string `yaml:"ssh_user"`
	SSHPassword string `yaml:"ssh_password"`
	SSHPort     int    `yaml:"ssh_port"`

	// Batch history; empty disables it
	HistoryDB string `yaml:"history_db"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Port:        4028,
		Timeout:     10 * time.Second,
		ScanTimeout: 3 * time.Second,
		MaxHosts:    4096,
		Concurrency: 64,
		SSHUser:     "root",
		SSHPort:     22,
	}
}

// LoadConfig builds the configuration. Later sources override earlier ones:
// defaults, then the YAML file named by FLEET_CONFIG, then the environment
// (a .env file in the working directory is loaded first and never overrides
// variables that are already set).
func LoadConfig() (*Config, error) {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path := os.Getenv("FLEET_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

// loadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("FLEET_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLEET_PORT: %w", err)
		}
		c.Port = n
	}
	if v := os.Getenv("FLEET_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FLEET_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	if v := os.Getenv("FLEET_SCAN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FLEET_SCAN_TIMEOUT: %w", err)
		}
		c.ScanTimeout = d
	}
	if v := os.Getenv("FLEET_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLEET_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	if v := os.Getenv("FLEET_MAX_HOSTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLEET_MAX_HOSTS: %w", err)
		}
		c.MaxHosts = n
	}
	if v := os.Getenv("BOS_SSH_USER"); v != "" {
		c.SSHUser = v
	}
	if v := os.Getenv("BOS_SSH_PASSWORD"); v != "" {
		c.SSHPassword = v
	}
	if v := os.Getenv("FLEET_HISTORY_DB"); v != "" {
		c.HistoryDB = v
	}
	return nil
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive")
	case c.ScanTimeout <= 0:
		return fmt.Errorf("scan timeout must be positive")
	case c.Concurrency <= 0:
		return fmt.Errorf("concurrency must be positive")
	case c.MaxHosts <= 0:
		return fmt.Errorf("max hosts must be positive")
	}
	return nil
}
