// Package config loads the pagedb YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/pagedb/core/storage_engine/disk"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
	"github.com/sushant-115/pagedb/pkg/logger"
	"github.com/sushant-115/pagedb/pkg/telemetry"
)

// StorageConfig describes the data file and the buffer pool in front of it.
type StorageConfig struct {
	// Path of the data file. Ignored when InMemory is set.
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
	// PageSize must equal the compiled page size; it is recorded so a file
	// written with another size is rejected early.
	PageSize int `yaml:"page_size"`
	// ExtentCapacity is the number of data pages per extent. Zero lets the
	// disk manager pick the largest capacity, or the one already on disk.
	ExtentCapacity uint32 `yaml:"extent_capacity"`
	PoolSize       int    `yaml:"pool_size"`
}

// FlusherConfig controls the background dirty page writer.
type FlusherConfig struct {
	Enabled             bool `yaml:"enabled"`
	flushmanager.Config `yaml:",inline"`
}

// IndexConfig holds the defaults for indexes created without explicit sizes.
// Zero means the largest size that fits a page.
type IndexConfig struct {
	LeafMaxSize     int `yaml:"leaf_max_size"`
	InternalMaxSize int `yaml:"internal_max_size"`
}

// Config is the root of the configuration file.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Flusher   FlusherConfig    `yaml:"flusher"`
	Index     IndexConfig      `yaml:"index"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Path:     "pagedb.db",
			PageSize: pagemanager.PageSize,
			PoolSize: 256,
		},
		Flusher: FlusherConfig{
			Enabled: true,
			Config: flushmanager.Config{
				Interval:       time.Second,
				PagesPerSecond: 0,
			},
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "pagedb",
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.PageSize != pagemanager.PageSize {
		errs = append(errs, fmt.Errorf("storage.page_size must be %d, got %d", pagemanager.PageSize, c.Storage.PageSize))
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required unless storage.in_memory is set"))
	}
	if c.Storage.PoolSize < 3 {
		errs = append(errs, fmt.Errorf("storage.pool_size must be at least 3, got %d", c.Storage.PoolSize))
	}
	if limit := disk.MaxExtentCapacity(pagemanager.PageSize); c.Storage.ExtentCapacity > limit {
		errs = append(errs, fmt.Errorf("storage.extent_capacity must be at most %d, got %d", limit, c.Storage.ExtentCapacity))
	}
	if c.Flusher.Enabled && c.Flusher.Interval <= 0 {
		errs = append(errs, fmt.Errorf("flusher.interval must be positive, got %s", c.Flusher.Interval))
	}
	if c.Flusher.PagesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("flusher.pages_per_second must not be negative, got %g", c.Flusher.PagesPerSecond))
	}
	if c.Index.LeafMaxSize < 0 || c.Index.InternalMaxSize < 0 {
		errs = append(errs, errors.New("index max sizes must not be negative"))
	}
	if c.Logger.SamplePerSecond < 0 {
		errs = append(errs, fmt.Errorf("logger.sample_per_second must not be negative, got %d", c.Logger.SamplePerSecond))
	}
	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio must be within [0, 1], got %g", r))
	}
	return errors.Join(errs...)
}
