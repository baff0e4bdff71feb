// Package config provides configuration loading and management for microseq.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Loader parameters
	Loader struct {
		// Workers is the number of parallel workers used for group loading
		Workers int `yaml:"workers"`

		// AutoOrder enables filename-based stitching of files into groups
		AutoOrder bool `yaml:"autoOrder"`

		// Volatile forces lazy, evictable loading regardless of memory checks
		Volatile bool `yaml:"volatile"`

		// Separate loads every file as its own sequence (no grouping)
		Separate bool `yaml:"separate"`
	} `yaml:"loader"`

	// Memory parameters
	Memory struct {
		// BudgetMiB is the total memory budget assumed when the runtime
		// reports no explicit limit
		BudgetMiB int `yaml:"budgetMiB"`

		// MarginMiB is the safety margin kept free during opening checks
		MarginMiB int `yaml:"marginMiB"`

		// PlaneCacheMiB bounds the cache of evicted volatile planes
		PlaneCacheMiB int `yaml:"planeCacheMiB"`
	} `yaml:"memory"`

	// Sequence parameters
	Sequence struct {
		// UndoCapacity is the maximum number of retained undo snapshots
		UndoCapacity int `yaml:"undoCapacity"`

		// PrefetchRadius is how many neighboring T and Z planes are
		// prefetched around an accessed plane
		PrefetchRadius int `yaml:"prefetchRadius"`
	} `yaml:"sequence"`

	// Grouping parameters
	Grouping struct {
		// AllowExtensions lists file extensions considered for grouping;
		// empty means "whatever the importers accept"
		AllowExtensions []string `yaml:"allowExtensions"`

		// DenyExtensions lists extensions always excluded from grouping,
		// e.g. metadata sidecars
		DenyExtensions []string `yaml:"denyExtensions"`
	} `yaml:"grouping"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Loader.Workers = runtime.NumCPU()
	cfg.Loader.AutoOrder = true
	cfg.Loader.Volatile = false
	cfg.Loader.Separate = false

	cfg.Memory.BudgetMiB = 4096
	cfg.Memory.MarginMiB = 16
	cfg.Memory.PlaneCacheMiB = 256

	cfg.Sequence.UndoCapacity = 16
	cfg.Sequence.PrefetchRadius = 2

	cfg.Grouping.AllowExtensions = nil
	cfg.Grouping.DenyExtensions = []string{".xml", ".txt", ".csv", ".log", ".json", ".lut"}

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
