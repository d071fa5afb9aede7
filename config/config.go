package config

import (
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"mit.edu/dsg/planlab/common"
)

type Config struct {
	Cost       CostConfig       `yaml:"cost"`
	Statistics StatisticsConfig `yaml:"statistics"`
	Log        LogConfig        `yaml:"log"`
	Explore    ExploreConfig    `yaml:"explore"`
}

type CostConfig struct {
	BufferBlocks        int64   `yaml:"buffer_blocks"`         // overrides the provider's budget when > 0
	DefaultBufferBlocks int64   `yaml:"default_buffer_blocks"` // used when the provider has no budget
	Selectivity         float64 `yaml:"selectivity"`           // index/bitmap scan selectivity
	FallbackRows        int64   `yaml:"fallback_rows"`
	FallbackBlocks      int64   `yaml:"fallback_blocks"`
}

type StatisticsConfig struct {
	CatalogDir  string `yaml:"catalog_dir"`
	SQLitePath  string `yaml:"sqlite_path"` // when set, statistics are read live from this database
	AvgRowBytes int64  `yaml:"avg_row_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type ExploreConfig struct {
	Parallelism int `yaml:"parallelism"`
	MaxOrders   int `yaml:"max_orders"`
}

func Default() *Config {
	return &Config{
		Cost: CostConfig{
			DefaultBufferBlocks: 100,
			Selectivity:         0.5,
			FallbackRows:        1000,
			FallbackBlocks:      10,
		},
		Statistics: StatisticsConfig{
			CatalogDir:  "planlab_data",
			AvgRowBytes: 128,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Explore: ExploreConfig{
			Parallelism: 4,
			MaxOrders:   24,
		},
	}
}

// Load reads configPath on top of the defaults. An empty path searches the
// usual locations and silently keeps the defaults when none exists.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		for _, p := range []string{"configs/planlab.yaml", "planlab.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, err
				}
				break
			}
		}
		applyDefaults(cfg)
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}

	applyDefaults(cfg)
	return cfg, cfg.Validate()
}

func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Cost.DefaultBufferBlocks <= 0 {
		cfg.Cost.DefaultBufferBlocks = d.Cost.DefaultBufferBlocks
	}
	if cfg.Cost.Selectivity <= 0 {
		cfg.Cost.Selectivity = d.Cost.Selectivity
	}
	if cfg.Cost.FallbackRows <= 0 {
		cfg.Cost.FallbackRows = d.Cost.FallbackRows
	}
	if cfg.Cost.FallbackBlocks <= 0 {
		cfg.Cost.FallbackBlocks = d.Cost.FallbackBlocks
	}
	if cfg.Statistics.AvgRowBytes <= 0 {
		cfg.Statistics.AvgRowBytes = d.Statistics.AvgRowBytes
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = d.Log.Format
	}
	if cfg.Explore.Parallelism <= 0 {
		cfg.Explore.Parallelism = d.Explore.Parallelism
	}
	if cfg.Explore.MaxOrders <= 0 {
		cfg.Explore.MaxOrders = d.Explore.MaxOrders
	}
}

// Validate rejects values the cost model cannot work with. Budgets of one
// block or less would divide by zero in the nested-loop formula.
func (c *Config) Validate() error {
	if c.Cost.BufferBlocks < 0 || c.Cost.BufferBlocks == 1 {
		return common.Errorf(common.InvalidConfiguration, "cost.buffer_blocks must be 0 or at least 2, got %d", c.Cost.BufferBlocks)
	}
	if c.Cost.DefaultBufferBlocks < 2 {
		return common.Errorf(common.InvalidConfiguration, "cost.default_buffer_blocks must be at least 2, got %d", c.Cost.DefaultBufferBlocks)
	}
	if c.Cost.Selectivity > 1 {
		return common.Errorf(common.InvalidConfiguration, "cost.selectivity must be in (0,1], got %v", c.Cost.Selectivity)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return common.Errorf(common.InvalidConfiguration, "log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return common.Errorf(common.InvalidConfiguration, "log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// NewLogger builds the process logger described by the log section.
func (l LogConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
