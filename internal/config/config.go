package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config models missionline.yml.
type Config struct {
	Sync     SyncConfig     `yaml:"sync"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Submit   SubmitConfig   `yaml:"submit"`
	Results  ResultsConfig  `yaml:"results"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type SyncConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval" env:"MISSIONLINE_SYNC_POLL_INTERVAL"`
	FailureThreshold int           `yaml:"failure_threshold" env:"MISSIONLINE_SYNC_FAILURE_THRESHOLD"`
	PageSize         int           `yaml:"page_size" env:"MISSIONLINE_SYNC_PAGE_SIZE"`
	MaxVisible       int           `yaml:"max_visible" env:"MISSIONLINE_SYNC_MAX_VISIBLE"`
	FeedInterval     time.Duration `yaml:"feed_interval" env:"MISSIONLINE_SYNC_FEED_INTERVAL"`
}

type DeliveryConfig struct {
	IntentThreshold int           `yaml:"intent_threshold" env:"MISSIONLINE_DELIVERY_INTENT_THRESHOLD"`
	MaxRetries      int           `yaml:"max_retries" env:"MISSIONLINE_DELIVERY_MAX_RETRIES"`
	BackoffBase     time.Duration `yaml:"backoff_base" env:"MISSIONLINE_DELIVERY_BACKOFF_BASE"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"MISSIONLINE_DELIVERY_POLL_INTERVAL"`
	Concurrency     int           `yaml:"concurrency" env:"MISSIONLINE_DELIVERY_CONCURRENCY"`
}

type SubmitConfig struct {
	MaxQueryLength  int `yaml:"max_query_length" env:"MISSIONLINE_SUBMIT_MAX_QUERY_LENGTH"`
	BulkConcurrency int `yaml:"bulk_concurrency" env:"MISSIONLINE_SUBMIT_BULK_CONCURRENCY"`
	DefaultPriority int `yaml:"default_priority" env:"MISSIONLINE_SUBMIT_DEFAULT_PRIORITY"`
}

type ResultsConfig struct {
	HighIntentThreshold int `yaml:"high_intent_threshold" env:"MISSIONLINE_RESULTS_HIGH_INTENT_THRESHOLD"`
}

type TimeoutConfig struct {
	Submit   time.Duration `yaml:"submit" env:"MISSIONLINE_TIMEOUT_SUBMIT"`
	Pull     time.Duration `yaml:"pull" env:"MISSIONLINE_TIMEOUT_PULL"`
	Delivery time.Duration `yaml:"delivery" env:"MISSIONLINE_TIMEOUT_DELIVERY"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"MISSIONLINE_LOG_LEVEL"`
	Format string `yaml:"format" env:"MISSIONLINE_LOG_FORMAT"`
}

// TracingConfig enables OTLP/HTTP span export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" env:"MISSIONLINE_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"MISSIONLINE_OTEL_SERVICE_NAME"`
	Insecure    bool   `yaml:"insecure" env:"MISSIONLINE_OTEL_INSECURE"`
}

// Load reads config from the workspace, falling back to defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Default()
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// ApplyEnv overlays MISSIONLINE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("config.sync.poll_interval must be positive")
	}
	if c.Sync.FailureThreshold < 1 {
		return fmt.Errorf("config.sync.failure_threshold must be at least 1")
	}
	if c.Sync.PageSize < 1 {
		return fmt.Errorf("config.sync.page_size must be at least 1")
	}
	if c.Sync.MaxVisible < c.Sync.PageSize {
		return fmt.Errorf("config.sync.max_visible must be >= page_size")
	}
	if c.Sync.FeedInterval <= 0 {
		return fmt.Errorf("config.sync.feed_interval must be positive")
	}
	if err := checkScore("config.delivery.intent_threshold", c.Delivery.IntentThreshold); err != nil {
		return err
	}
	if err := checkScore("config.results.high_intent_threshold", c.Results.HighIntentThreshold); err != nil {
		return err
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("config.delivery.max_retries must not be negative")
	}
	if c.Delivery.BackoffBase <= 0 {
		return fmt.Errorf("config.delivery.backoff_base must be positive")
	}
	if c.Delivery.PollInterval <= 0 {
		return fmt.Errorf("config.delivery.poll_interval must be positive")
	}
	if c.Delivery.Concurrency < 1 {
		return fmt.Errorf("config.delivery.concurrency must be at least 1")
	}
	if c.Submit.MaxQueryLength < 1 {
		return fmt.Errorf("config.submit.max_query_length must be at least 1")
	}
	if c.Submit.BulkConcurrency < 1 {
		return fmt.Errorf("config.submit.bulk_concurrency must be at least 1")
	}
	if c.Timeouts.Submit <= 0 || c.Timeouts.Pull <= 0 || c.Timeouts.Delivery <= 0 {
		return fmt.Errorf("config.timeouts values must be positive")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

func checkScore(name string, v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%s must be within 0..100", name)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `sync:
  poll_interval: 5s
  failure_threshold: 3
  page_size: 100
  max_visible: 500
  feed_interval: 500ms

delivery:
  intent_threshold: 80
  max_retries: 3
  backoff_base: 2s
  poll_interval: 2s
  concurrency: 4

submit:
  max_query_length: 500
  bulk_concurrency: 4
  default_priority: 1

results:
  high_intent_threshold: 80

timeouts:
  submit: 10s
  pull: 10s
  delivery: 10s

log:
  level: info
  format: json

tracing:
  endpoint: ""
  service_name: missionline
  insecure: true
`
