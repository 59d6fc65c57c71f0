package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "JOIN_"

// ApplyEnvOverrides applies environment variable overrides to the configuration
// Environment variables follow the pattern: JOIN_<SECTION>_<KEY>
// Example: JOIN_WINDOW_SIZE=30s
func ApplyEnvOverrides(config *Config) error {
	// Application overrides
	if val := os.Getenv("JOIN_APPLICATION_NAME"); val != "" {
		config.Application.Name = val
	}
	if val := os.Getenv("JOIN_APPLICATION_ENVIRONMENT"); val != "" {
		config.Application.Environment = val
	}

	// Join overrides
	if err := envDuration("JOIN_WINDOW_SIZE", &config.Join.WindowSize); err != nil {
		return err
	}
	if val := os.Getenv("JOIN_AMBIGUITY_POLICY"); val != "" {
		config.Join.AmbiguityPolicy = val
	}
	if val := os.Getenv("JOIN_DEFAULT_VALUE"); val != "" {
		config.Join.DefaultValue = val
	}
	if err := envInt("JOIN_SHARDS", &config.Join.Shards); err != nil {
		return err
	}

	// Engine overrides
	if err := envInt("JOIN_ENGINE_BUFFER_SIZE", &config.Engine.BufferSize); err != nil {
		return err
	}
	if err := envInt("JOIN_ENGINE_MAX_CONCURRENCY", &config.Engine.MaxConcurrency); err != nil {
		return err
	}
	if err := envDuration("JOIN_ENGINE_WATERMARK_INTERVAL", &config.Engine.WatermarkInterval); err != nil {
		return err
	}
	if err := envDuration("JOIN_ENGINE_TRIGGER_INTERVAL", &config.Engine.TriggerInterval); err != nil {
		return err
	}
	if err := envDuration("JOIN_ENGINE_IDLE_TIMEOUT", &config.Engine.IdleTimeout); err != nil {
		return err
	}
	if err := envDuration("JOIN_ENGINE_MAX_OUT_OF_ORDERNESS", &config.Engine.MaxOutOfOrderness); err != nil {
		return err
	}

	// Source overrides
	if err := applySourceEnv("JOIN_SOURCE_A_", &config.Sources.A); err != nil {
		return err
	}
	if err := applySourceEnv("JOIN_SOURCE_B_", &config.Sources.B); err != nil {
		return err
	}

	// Sink overrides
	if err := envBool("JOIN_SINK_CONSOLE", &config.Sink.Console); err != nil {
		return err
	}
	if val := os.Getenv("JOIN_SINK_FILE_PATH"); val != "" {
		config.Sink.File.Enabled = true
		config.Sink.File.Path = val
	}
	if val := os.Getenv("JOIN_SINK_KAFKA_BROKERS"); val != "" {
		config.Sink.Kafka.Enabled = true
		config.Sink.Kafka.Brokers = splitList(val)
	}
	if val := os.Getenv("JOIN_SINK_KAFKA_TOPIC"); val != "" {
		config.Sink.Kafka.Topic = val
	}
	if val := os.Getenv("JOIN_SINK_KAFKA_FORMAT"); val != "" {
		config.Sink.Kafka.Format = val
	}
	if val := os.Getenv("JOIN_SINK_KAFKA_REGISTRY_URL"); val != "" {
		config.Sink.Kafka.RegistryURL = val
	}
	if val := os.Getenv("JOIN_SINK_POSTGRES_CONNECTION_STRING"); val != "" {
		config.Sink.Postgres.Enabled = true
		config.Sink.Postgres.ConnectionString = val
	}
	if err := envBool("JOIN_SINK_RETRY_ENABLED", &config.Sink.Retry.Enabled); err != nil {
		return err
	}
	if err := envInt("JOIN_SINK_RETRY_MAX_ATTEMPTS", &config.Sink.Retry.MaxAttempts); err != nil {
		return err
	}
	if err := envBool("JOIN_SINK_CIRCUIT_BREAKER_ENABLED", &config.Sink.CircuitBreaker.Enabled); err != nil {
		return err
	}

	// DLQ overrides
	if err := envBool("JOIN_DLQ_ENABLED", &config.DLQ.Enabled); err != nil {
		return err
	}
	if err := envInt("JOIN_DLQ_MAX_SIZE", &config.DLQ.MaxSize); err != nil {
		return err
	}
	if val := os.Getenv("JOIN_DLQ_DIRECTORY"); val != "" {
		config.DLQ.Directory = val
	}

	// Metrics overrides
	if err := envBool("JOIN_METRICS_ENABLED", &config.Metrics.Enabled); err != nil {
		return err
	}
	if val := os.Getenv("JOIN_METRICS_ADDRESS"); val != "" {
		config.Metrics.Address = val
	}

	// Tracing overrides
	if err := envBool("JOIN_TRACING_ENABLED", &config.Tracing.Enabled); err != nil {
		return err
	}
	if val := os.Getenv("JOIN_TRACING_EXPORTER"); val != "" {
		config.Tracing.Exporter = val
	}
	if val := os.Getenv("JOIN_TRACING_ENDPOINT"); val != "" {
		config.Tracing.Endpoint = val
	}

	// Logging overrides
	if val := os.Getenv("JOIN_LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("JOIN_LOGGING_FORMAT"); val != "" {
		config.Logging.Format = val
	}

	return nil
}

func applySourceEnv(prefix string, source *SourceConfig) error {
	if val := os.Getenv(prefix + "TYPE"); val != "" {
		source.Type = val
	}
	if val := os.Getenv(prefix + "HOST"); val != "" {
		source.Socket.Host = val
	}
	if err := envInt(prefix+"PORT", &source.Socket.Port); err != nil {
		return err
	}
	if val := os.Getenv(prefix + "ADDRESS"); val != "" {
		source.WebSocket.Address = val
		source.HTTP.Address = val
	}
	if val := os.Getenv(prefix + "KAFKA_BROKERS"); val != "" {
		source.Kafka.Brokers = splitList(val)
	}
	if val := os.Getenv(prefix + "KAFKA_TOPIC"); val != "" {
		source.Kafka.Topic = val
	}
	if val := os.Getenv(prefix + "NATS_URL"); val != "" {
		source.NATS.URL = val
	}
	if val := os.Getenv(prefix + "NATS_SUBJECT"); val != "" {
		source.NATS.Subject = val
	}
	return nil
}

func envInt(key string, target *int) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = n
	return nil
}

func envBool(key string, target *bool) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = b
	return nil
}

func envDuration(key string, target *time.Duration) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = d
	return nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// LoadConfigWithEnv loads configuration from file and applies environment overrides
func LoadConfigWithEnv(path string) (*Config, error) {
	config, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}
