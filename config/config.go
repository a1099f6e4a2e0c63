// Package config loads the YAML configuration shared by the cmd/api,
// cmd/reasoner, and cmd/executor binaries: store and bus backend selection,
// topic names, the receipt stale threshold, and logging/metrics settings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Bus      BusConfig      `yaml:"bus"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the Ingress stage's HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig selects and configures the document store backend shared by
// all three stages.
//
// Backend must be one of "memory", "sqlite", or "mysql". DSN is the SQLite
// file path or the go-sql-driver/mysql connection string, and is ignored
// for "memory".
type StoreConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// BusConfig selects and configures the transport bus shared by all three
// stages.
//
// Backend must be one of "memory" or "sqs". TopicURLs is only consulted
// for "sqs", mapping the logical topic names below to SQS queue URLs.
type BusConfig struct {
	Backend                 string            `yaml:"backend"`
	ReasoningRequestedTopic string            `yaml:"reasoning_requested_topic"`
	ActionRequestedTopic    string            `yaml:"action_requested_topic"`
	TopicURLs               map[string]string `yaml:"topic_urls"`
}

// PipelineConfig carries the pipeline-wide tuning knobs that aren't
// specific to a single stage.
type PipelineConfig struct {
	StaleThreshold    time.Duration `yaml:"-"`
	StaleThresholdRaw string        `yaml:"stale_threshold"`
}

// LoggingConfig configures the shared logrus logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus /metrics endpoint each binary
// exposes alongside its primary listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads, expands, and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func parseDurations(cfg *Config) error {
	if cfg.Pipeline.StaleThresholdRaw == "" {
		return nil
	}
	d, err := time.ParseDuration(cfg.Pipeline.StaleThresholdRaw)
	if err != nil {
		return fmt.Errorf("pipeline.stale_threshold: %w", err)
	}
	cfg.Pipeline.StaleThreshold = d
	return nil
}

// applyDefaults fills in values a deployment can reasonably omit, leaving
// everything a deployment must decide for itself (store DSN, bus topic
// URLs) unset.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Bus.Backend == "" {
		cfg.Bus.Backend = "memory"
	}
	if cfg.Bus.ReasoningRequestedTopic == "" {
		cfg.Bus.ReasoningRequestedTopic = "reasoning_requested"
	}
	if cfg.Bus.ActionRequestedTopic == "" {
		cfg.Bus.ActionRequestedTopic = "action_requested"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}
