package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".lightfast"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "LIGHTFAST"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("LIGHTFAST_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the config file (if present) and applies LIGHTFAST_* environment
// overrides. A missing file is not an error; defaults are used.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		data, readErr := os.ReadFile(path)
		if readErr == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !errors.Is(readErr, os.ErrNotExist) {
			return cfg, fmt.Errorf("read %s: %w", path, readErr)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a config populated with shipped defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Paths.DataDir == "" {
		home, _ := os.UserHomeDir()
		cfg.Paths.DataDir = filepath.Join(home, ConfigDir)
	}
	if cfg.Paths.DBPath == "" {
		cfg.Paths.DBPath = filepath.Join(cfg.Paths.DataDir, "memory.db")
	}
	if cfg.Pipeline.SignificanceThreshold <= 0 {
		cfg.Pipeline.SignificanceThreshold = 60
	}
	if cfg.Pipeline.AffinityThreshold <= 0 {
		cfg.Pipeline.AffinityThreshold = 60
	}
	if cfg.Pipeline.ProfileDebounce <= 0 {
		cfg.Pipeline.ProfileDebounce = 5 * time.Minute
	}
	if cfg.Pipeline.ClusterInactivity <= 0 {
		cfg.Pipeline.ClusterInactivity = 7 * 24 * time.Hour
	}
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "sqlite"
	}
	if cfg.Vector.QdrantURL == "" {
		cfg.Vector.QdrantURL = "http://127.0.0.1:6333"
	}
	if cfg.Vector.Dimension <= 0 {
		cfg.Vector.Dimension = 1536
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Rater.Model == "" {
		cfg.Rater.Model = "gpt-4o-mini"
	}
	if cfg.Tasks.ConsumerGroup == "" {
		cfg.Tasks.ConsumerGroup = "lightfast-workers"
	}
	if cfg.Tasks.MaxConcProfile <= 0 {
		cfg.Tasks.MaxConcProfile = 3
	}
	if cfg.Tasks.MaxConcSummary <= 0 {
		cfg.Tasks.MaxConcSummary = 2
	}
	if cfg.Retrieval.TopK <= 0 {
		cfg.Retrieval.TopK = 10
	}
	if cfg.Retrieval.Deadline <= 0 {
		cfg.Retrieval.Deadline = 2 * time.Second
	}
	if cfg.Janitor.CloseSpec == "" {
		cfg.Janitor.CloseSpec = "0 * * * *" // hourly
	}
	if cfg.Janitor.SummarySpec == "" {
		cfg.Janitor.SummarySpec = "*/15 * * * *"
	}
}
