// Package config loads the YAML configuration for the ioredis-cli tool.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the CLI configuration.
type Config struct {
	Cluster ClusterConfig `yaml:"cluster"`
	Log     LogConfig     `yaml:"log"`
}

// ClusterConfig mirrors the router options the CLI exposes.
type ClusterConfig struct {
	StartupNodes         []string      `yaml:"startupNodes"`
	Password             string        `yaml:"password"`
	ScaleReads           string        `yaml:"scaleReads"`
	MaxRedirections      int           `yaml:"maxRedirections"`
	SlotsRefreshInterval time.Duration `yaml:"slotsRefreshInterval"`
}

// LogConfig controls diagnostic output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Cluster.ScaleReads == "" {
		c.Cluster.ScaleReads = "master"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if len(c.Cluster.StartupNodes) == 0 {
		return fmt.Errorf("config: cluster.startupNodes must contain at least one node")
	}
	switch strings.ToLower(c.Cluster.ScaleReads) {
	case "master", "slave", "all":
	default:
		return fmt.Errorf("config: invalid cluster.scaleReads %q", c.Cluster.ScaleReads)
	}
	return nil
}
