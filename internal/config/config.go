// Package config loads the broker's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete on-disk configuration shape.
type Config struct {
	Broker struct {
		JobTimeout    time.Duration `yaml:"job_timeout"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		MaxRetries    int           `yaml:"max_retries"`
	} `yaml:"broker"`

	Store struct {
		Dir             string        `yaml:"dir"`
		CompactInterval time.Duration `yaml:"compact_interval"`
	} `yaml:"store"`

	Server struct {
		Addr               string  `yaml:"addr"`
		PerConnectionRPS   float64 `yaml:"per_connection_rps"`
		PerConnectionBurst int     `yaml:"per_connection_burst"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default returns the configuration a fresh install ships with.
func Default() Config {
	var cfg Config
	cfg.Broker.JobTimeout = 30 * time.Second
	cfg.Broker.SweepInterval = 10 * time.Second
	cfg.Broker.MaxRetries = 3
	cfg.Store.Dir = "data"
	cfg.Store.CompactInterval = 5 * time.Minute
	cfg.Server.Addr = ":50051"
	cfg.Server.PerConnectionRPS = 50
	cfg.Server.PerConnectionBurst = 100
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads and parses the YAML config file at path.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
