package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nagyistge/flink-dataflow/pkg/engine"
	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/join"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a file
// Supports both YAML and JSON formats
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))

	var config Config

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	return &config, nil
}

// LoadConfigWithDefaults loads configuration from a file and applies defaults for missing values
func LoadConfigWithDefaults(path string) (*Config, error) {
	config, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyDefaults(config)

	return config, nil
}

// LoadOrDefault attempts to load configuration from path, returns default config if path is empty or the file doesn't exist
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return LoadConfigWithDefaults(path)
}

// SaveConfig saves configuration to a file
// Format is determined by file extension
func SaveConfig(config *Config, path string) error {
	ext := strings.ToLower(filepath.Ext(path))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyDefaults fills in missing values with defaults
func applyDefaults(config *Config) {
	defaults := DefaultConfig()

	if config.Version == "" {
		config.Version = defaults.Version
	}

	// Application
	if config.Application.Name == "" {
		config.Application.Name = defaults.Application.Name
	}
	if config.Application.Environment == "" {
		config.Application.Environment = defaults.Application.Environment
	}
	if config.Application.Tags == nil {
		config.Application.Tags = make(map[string]string)
	}

	// Join; allowed lateness keeps its zero value
	if config.Join.WindowSize == 0 {
		config.Join.WindowSize = defaults.Join.WindowSize
	}
	if config.Join.AmbiguityPolicy == "" {
		config.Join.AmbiguityPolicy = defaults.Join.AmbiguityPolicy
	}
	if config.Join.DefaultValue == "" {
		config.Join.DefaultValue = defaults.Join.DefaultValue
	}
	if config.Join.Shards == 0 {
		config.Join.Shards = defaults.Join.Shards
	}

	// Engine
	if config.Engine.BufferSize == 0 {
		config.Engine.BufferSize = defaults.Engine.BufferSize
	}
	if config.Engine.MaxConcurrency == 0 {
		config.Engine.MaxConcurrency = defaults.Engine.MaxConcurrency
	}
	if config.Engine.WatermarkInterval == 0 {
		config.Engine.WatermarkInterval = defaults.Engine.WatermarkInterval
	}
	if config.Engine.TriggerInterval == 0 {
		config.Engine.TriggerInterval = defaults.Engine.TriggerInterval
	}

	// Sources
	applySourceDefaults(&config.Sources.A, defaults.Sources.A)
	applySourceDefaults(&config.Sources.B, defaults.Sources.B)

	// Sink
	if config.Sink.File.Path == "" {
		config.Sink.File.Path = defaults.Sink.File.Path
	}
	if config.Sink.Kafka.FlushTimeout == 0 {
		config.Sink.Kafka.FlushTimeout = defaults.Sink.Kafka.FlushTimeout
	}
	if config.Sink.Kafka.Format == "" {
		config.Sink.Kafka.Format = defaults.Sink.Kafka.Format
	}
	if config.Sink.Postgres.Table == "" {
		config.Sink.Postgres.Table = defaults.Sink.Postgres.Table
	}
	if config.Sink.Postgres.BatchSize == 0 {
		config.Sink.Postgres.BatchSize = defaults.Sink.Postgres.BatchSize
	}
	if config.Sink.Retry.MaxAttempts == 0 {
		config.Sink.Retry.MaxAttempts = defaults.Sink.Retry.MaxAttempts
	}
	if config.Sink.Retry.InitialBackoff == 0 {
		config.Sink.Retry.InitialBackoff = defaults.Sink.Retry.InitialBackoff
	}
	if config.Sink.Retry.MaxBackoff == 0 {
		config.Sink.Retry.MaxBackoff = defaults.Sink.Retry.MaxBackoff
	}
	if config.Sink.Retry.BackoffMultiplier == 0 {
		config.Sink.Retry.BackoffMultiplier = defaults.Sink.Retry.BackoffMultiplier
	}
	if config.Sink.CircuitBreaker.FailureThreshold == 0 {
		config.Sink.CircuitBreaker.FailureThreshold = defaults.Sink.CircuitBreaker.FailureThreshold
	}
	if config.Sink.CircuitBreaker.SuccessThreshold == 0 {
		config.Sink.CircuitBreaker.SuccessThreshold = defaults.Sink.CircuitBreaker.SuccessThreshold
	}
	if config.Sink.CircuitBreaker.Timeout == 0 {
		config.Sink.CircuitBreaker.Timeout = defaults.Sink.CircuitBreaker.Timeout
	}

	// DLQ
	if config.DLQ.MaxSize == 0 {
		config.DLQ.MaxSize = defaults.DLQ.MaxSize
	}

	// Metrics
	if config.Metrics.Address == "" {
		config.Metrics.Address = defaults.Metrics.Address
	}

	// Tracing
	if config.Tracing.Exporter == "" {
		config.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if config.Tracing.SampleRate == 0 {
		config.Tracing.SampleRate = defaults.Tracing.SampleRate
	}

	// Logging
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Logging.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = defaults.Logging.Output
	}
}

func applySourceDefaults(source *SourceConfig, defaults SourceConfig) {
	if source.Name == "" {
		source.Name = defaults.Name
	}
	if source.Type == "" {
		source.Type = defaults.Type
	}
	if source.Socket.Host == "" {
		source.Socket.Host = defaults.Socket.Host
	}
	if source.Socket.Port == 0 {
		source.Socket.Port = defaults.Socket.Port
	}
	if source.Socket.Delimiter == "" {
		source.Socket.Delimiter = defaults.Socket.Delimiter
	}
	if source.Socket.MaxRetries == 0 {
		source.Socket.MaxRetries = defaults.Socket.MaxRetries
	}
	if source.Socket.RetryDelay == 0 {
		source.Socket.RetryDelay = defaults.Socket.RetryDelay
	}
	if source.WebSocket.Path == "" {
		source.WebSocket.Path = defaults.WebSocket.Path
	}
	if source.HTTP.Path == "" {
		source.HTTP.Path = defaults.HTTP.Path
	}
	if source.Kafka.GroupID == "" && source.Kafka.Topic != "" {
		source.Kafka.GroupID = "joinevents-" + source.Kafka.Topic
	}
}

// ToEngineConfig converts the join and engine sections into the engine's
// runtime configuration
func (c *Config) ToEngineConfig() (*engine.Config, error) {
	policy, err := join.ParseAmbiguityPolicy(c.Join.AmbiguityPolicy)
	if err != nil {
		return nil, err
	}

	joinConfig := join.DefaultJoinConfig().
		WithWindowSize(c.Join.WindowSize).
		WithAmbiguityPolicy(policy).
		WithDefaultValue(c.Join.DefaultValue).
		WithShards(c.Join.Shards)
	joinConfig.AllowedLateness = c.Join.AllowedLateness
	if err := joinConfig.Validate(); err != nil {
		return nil, err
	}

	return &engine.Config{
		Join:              joinConfig,
		BufferSize:        c.Engine.BufferSize,
		MaxConcurrency:    c.Engine.MaxConcurrency,
		WatermarkInterval: c.Engine.WatermarkInterval,
		TriggerInterval:   c.Engine.TriggerInterval,
		IdleTimeout:       c.Engine.IdleTimeout,
		MaxOutOfOrderness: c.Engine.MaxOutOfOrderness,
	}, nil
}

// RetryPolicy converts the sink retry section into a retry policy
func (r RetryConfig) RetryPolicy() *errors.RetryPolicy {
	if !r.Enabled {
		return errors.NoRetryPolicy()
	}
	return &errors.RetryPolicy{
		MaxAttempts:       r.MaxAttempts,
		InitialBackoff:    r.InitialBackoff,
		MaxBackoff:        r.MaxBackoff,
		BackoffMultiplier: r.BackoffMultiplier,
		Jitter:            r.BackoffJitter,
		RetriableFunc:     errors.IsRetriable,
	}
}

// BreakerConfig converts the circuit breaker section into the configuration
// of the breaker guarding the named sink; nil when disabled
func (c CircuitBreakerConfig) BreakerConfig(name string) *errors.CircuitBreakerConfig {
	if !c.Enabled {
		return nil
	}
	config := errors.DefaultCircuitBreakerConfig(name)
	config.FailureThreshold = uint32(c.FailureThreshold)
	config.SuccessThreshold = uint32(c.SuccessThreshold)
	config.Timeout = c.Timeout
	return config
}
