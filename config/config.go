package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Table struct {
		Root string `yaml:"root"`
	} `yaml:"table"`

	Storage struct {
		Type string `yaml:"type"`
		Path string `yaml:"path"`
		S3   struct {
			Bucket          string `yaml:"bucket"`
			Prefix          string `yaml:"prefix"`
			Region          string `yaml:"region"`
			Endpoint        string `yaml:"endpoint"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
		} `yaml:"s3"`
	} `yaml:"storage"`

	Engine struct {
		CheckpointReadConcurrency int `yaml:"checkpoint_read_concurrency"`
	} `yaml:"engine"`

	Protocol struct {
		DisabledFeatures []string `yaml:"disabled_features"`
	} `yaml:"protocol"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Tracing struct {
		Exporter    string  `yaml:"exporter"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`
}

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = StorageLocal
	}
	if c.Storage.Type == StorageLocal && c.Storage.Path == "" {
		c.Storage.Path = "."
	}
	if c.Engine.CheckpointReadConcurrency == 0 {
		c.Engine.CheckpointReadConcurrency = 4
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageLocal:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("config: storage.s3.bucket is required for s3 storage")
		}
		if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
			return fmt.Errorf("config: storage.s3 access_key_id and secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("config: unknown storage.type %q", c.Storage.Type)
	}
	if c.Engine.CheckpointReadConcurrency < 0 {
		return fmt.Errorf("config: engine.checkpoint_read_concurrency must not be negative")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	switch c.Tracing.Exporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("config: unknown tracing.exporter %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("config: tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("config: invalid log.level %q", c.Log.Level)
	}
	return level, nil
}
