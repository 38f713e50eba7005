// Package config loads the YAML configuration of the syncnode daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	DataPath        string        `yaml:"dataPath"`
	ListenAddr      string        `yaml:"listenAddr"`
	MinimumFreeGB   uint          `yaml:"minimumFreeGB"`
	GCInterval      time.Duration `yaml:"gcInterval"`
	SyncTimeout     time.Duration `yaml:"syncTimeout"`
	DownloadTimeout time.Duration `yaml:"downloadTimeout"`
	DownloadWorkers int           `yaml:"downloadWorkers"`
	LogLevel        string        `yaml:"logLevel"`

	// Tickets to import on startup.
	Documents []string `yaml:"documents"`
}

// Load reads a config file and applies defaults for unset fields.
func Load(path string) (Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config: %w", err)
	}

	if config.DataPath == "" {
		config.DataPath = "./data"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "0.0.0.0:4242"
	}
	if config.GCInterval == 0 {
		config.GCInterval = time.Hour
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	return config, nil
}
