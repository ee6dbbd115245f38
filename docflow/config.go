package docflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/docflow/docflow/internal/dataset"
)

// Config holds the full docflow service configuration.
type Config struct {
	Listen string `yaml:"listen"`
	DBPath string `yaml:"db_path"`

	// Gateway is the model service endpoint performing OCR and GPT calls.
	Gateway GatewayConfig `yaml:"gateway"`

	// PrimaryOCRProvider is used when neither dataset nor request names one.
	PrimaryOCRProvider string `yaml:"primary_ocr_provider"`

	// DefaultChunkPages caps pages per chunk for datasets that store none.
	DefaultChunkPages int `yaml:"default_chunk_pages"`

	// MaxConcurrentRuns seeds the concurrency policy on a fresh database
	// and is the local fallback bound when the policy is unreachable.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// ChunkParallelism bounds parallel chunk calls within one stage.
	ChunkParallelism int `yaml:"chunk_parallelism"`

	Queue QueueConfig `yaml:"queue"`

	// Datasets are seeded into the dataset store at startup. Existing rows
	// are overwritten: the config file is authoritative for seeded names.
	Datasets []dataset.Stored `yaml:"datasets"`
}

// GatewayConfig configures the external model service client.
type GatewayConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Token       string        `yaml:"token"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

// QueueConfig tunes the run queue consumer.
type QueueConfig struct {
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:             ":8084",
		DBPath:             "docflow.db",
		PrimaryOCRProvider: "azure",
		DefaultChunkPages:  10,
		MaxConcurrentRuns:  4,
		ChunkParallelism:   4,
		Gateway: GatewayConfig{
			CallTimeout: 2 * time.Minute,
			MaxRetries:  3,
			BaseBackoff: 2 * time.Second,
		},
		Queue: QueueConfig{
			Visibility:   10 * time.Minute,
			PollInterval: time.Second,
			BatchSize:    8,
			MaxAttempts:  3,
		},
	}
}

// LoadConfig reads and parses a YAML config file over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Gateway.Endpoint == "" {
		return fmt.Errorf("gateway.endpoint is required")
	}
	if c.DefaultChunkPages < 1 {
		return fmt.Errorf("default_chunk_pages must be >= 1")
	}
	if c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be >= 1")
	}
	for i, d := range c.Datasets {
		if d.Name == "" {
			return fmt.Errorf("datasets[%d]: name is required", i)
		}
	}
	return nil
}

func (c *Config) defaults() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.PrimaryOCRProvider == "" {
		c.PrimaryOCRProvider = def.PrimaryOCRProvider
	}
	if c.DefaultChunkPages < 1 {
		c.DefaultChunkPages = def.DefaultChunkPages
	}
	if c.MaxConcurrentRuns < 1 {
		c.MaxConcurrentRuns = def.MaxConcurrentRuns
	}
	if c.ChunkParallelism < 1 {
		c.ChunkParallelism = def.ChunkParallelism
	}
	if c.Gateway.CallTimeout <= 0 {
		c.Gateway.CallTimeout = def.Gateway.CallTimeout
	}
	if c.Gateway.BaseBackoff <= 0 {
		c.Gateway.BaseBackoff = def.Gateway.BaseBackoff
	}
	if c.Queue.Visibility <= 0 {
		c.Queue.Visibility = def.Queue.Visibility
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = def.Queue.PollInterval
	}
	if c.Queue.BatchSize < 1 {
		c.Queue.BatchSize = def.Queue.BatchSize
	}
}
