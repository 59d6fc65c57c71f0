package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("found %d validation error(s):\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", err.Field, err.Message))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Add adds a validation error
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

// Fields returns the names of the invalid fields in the order they were found
func (e *ValidationErrors) Fields() []string {
	fields := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		fields[i] = err.Field
	}
	return fields
}

// Validate validates the entire configuration and reports every problem at once
func Validate(config *Config) error {
	errs := &ValidationErrors{}

	validateVersion(config, errs)
	validateApplication(config, errs)
	validateJoin(config, errs)
	validateEngine(config, errs)
	validateSource("sources.a", config.Sources.A, errs)
	validateSource("sources.b", config.Sources.B, errs)
	validateSink(config, errs)
	validateDLQ(config, errs)
	validateMetrics(config, errs)
	validateTracing(config, errs)
	validateLogging(config, errs)

	if errs.HasErrors() {
		return errs
	}

	return nil
}

// validateVersion accepts "vMAJOR" or "vMAJOR.MINOR" up to CurrentConfigVersion
// within the same major version
func validateVersion(config *Config, errs *ValidationErrors) {
	if config.Version == "" {
		errs.Add("version", "configuration version is missing")
		return
	}

	major, minor, err := parseVersion(config.Version)
	if err != nil {
		errs.Add("version", err.Error())
		return
	}
	curMajor, curMinor, _ := parseVersion(CurrentConfigVersion)

	switch {
	case major != curMajor:
		errs.Add("version", fmt.Sprintf("incompatible configuration version %s (current: %s)", config.Version, CurrentConfigVersion))
	case minor > curMinor:
		errs.Add("version", fmt.Sprintf("configuration version %s is newer than %s (upgrade required)", config.Version, CurrentConfigVersion))
	}
}

func parseVersion(version string) (major, minor int, err error) {
	majorStr, minorStr, hasMinor := strings.Cut(strings.TrimPrefix(version, "v"), ".")
	if major, err = strconv.Atoi(majorStr); err != nil {
		return 0, 0, fmt.Errorf("invalid configuration version %q", version)
	}
	if hasMinor {
		if minor, err = strconv.Atoi(minorStr); err != nil {
			return 0, 0, fmt.Errorf("invalid configuration version %q", version)
		}
	}
	return major, minor, nil
}

func validateApplication(config *Config, errs *ValidationErrors) {
	if config.Application.Name == "" {
		errs.Add("application.name", "application name is required")
	}

	if config.Application.Environment != "" {
		oneOf(errs, "application.environment", "environment", config.Application.Environment,
			"development", "staging", "production", "test")
	}
}

func validateJoin(config *Config, errs *ValidationErrors) {
	if config.Join.WindowSize <= 0 {
		errs.Add("join.window_size", "window size must be positive")
	}

	if config.Join.AllowedLateness != 0 {
		errs.Add("join.allowed_lateness", "allowed lateness must be zero")
	}

	oneOf(errs, "join.ambiguity_policy", "ambiguity policy", config.Join.AmbiguityPolicy,
		"drop-window", "fatal")

	if config.Join.Shards <= 0 {
		errs.Add("join.shards", "shards must be positive")
	}
}

func validateEngine(config *Config, errs *ValidationErrors) {
	if config.Engine.BufferSize <= 0 {
		errs.Add("engine.buffer_size", "buffer size must be positive")
	}

	if config.Engine.MaxConcurrency <= 0 {
		errs.Add("engine.max_concurrency", "max concurrency must be positive")
	}

	if config.Engine.WatermarkInterval <= 0 {
		errs.Add("engine.watermark_interval", "watermark interval must be positive")
	}

	if config.Engine.TriggerInterval <= 0 {
		errs.Add("engine.trigger_interval", "trigger interval must be positive")
	}

	if config.Engine.IdleTimeout < 0 {
		errs.Add("engine.idle_timeout", "idle timeout must not be negative")
	}

	if config.Engine.MaxOutOfOrderness < 0 {
		errs.Add("engine.max_out_of_orderness", "max out-of-orderness must not be negative")
	}
}

func validateSource(prefix string, source SourceConfig, errs *ValidationErrors) {
	switch source.Type {
	case SourceTypeSocket:
		if source.Socket.Host == "" {
			errs.Add(prefix+".socket.host", "host is required")
		}
		if source.Socket.Port <= 0 || source.Socket.Port > 65535 {
			errs.Add(prefix+".socket.port", fmt.Sprintf("invalid port %d", source.Socket.Port))
		}
		if len(source.Socket.Delimiter) != 1 {
			errs.Add(prefix+".socket.delimiter", "delimiter must be a single byte")
		}
		if source.Socket.MaxRetries < -1 {
			errs.Add(prefix+".socket.max_retries", "max retries must be -1 (forever) or greater")
		}

	case SourceTypeWebSocket:
		ws := source.WebSocket
		if ws.Address == "" {
			errs.Add(prefix+".websocket.address", "address is required")
		}
		if ws.Path == "" {
			errs.Add(prefix+".websocket.path", "path is required")
		}
		if ws.TLS {
			if ws.CertFile == "" {
				errs.Add(prefix+".websocket.cert_file", "cert file is required when TLS is enabled")
			} else if !fileExists(ws.CertFile) {
				errs.Add(prefix+".websocket.cert_file", fmt.Sprintf("cert file does not exist: %s", ws.CertFile))
			}
			if ws.KeyFile == "" {
				errs.Add(prefix+".websocket.key_file", "key file is required when TLS is enabled")
			} else if !fileExists(ws.KeyFile) {
				errs.Add(prefix+".websocket.key_file", fmt.Sprintf("key file does not exist: %s", ws.KeyFile))
			}
		}

	case SourceTypeKafka:
		if len(source.Kafka.Brokers) == 0 {
			errs.Add(prefix+".kafka.brokers", "at least one broker is required")
		}
		if source.Kafka.Topic == "" {
			errs.Add(prefix+".kafka.topic", "topic is required")
		}
		if source.Kafka.GroupID == "" {
			errs.Add(prefix+".kafka.group_id", "group ID is required")
		}

	case SourceTypeNATS:
		if source.NATS.URL == "" {
			errs.Add(prefix+".nats.url", "url is required")
		}
		if source.NATS.Subject == "" {
			errs.Add(prefix+".nats.subject", "subject is required")
		}

	case SourceTypeHTTP:
		if source.HTTP.Address == "" {
			errs.Add(prefix+".http.address", "address is required")
		}
		if source.HTTP.Path == "" {
			errs.Add(prefix+".http.path", "path is required")
		}

	default:
		errs.Add(prefix+".type", fmt.Sprintf("invalid source type %q (valid: %s)", source.Type,
			strings.Join([]string{SourceTypeSocket, SourceTypeWebSocket, SourceTypeKafka, SourceTypeNATS, SourceTypeHTTP}, ", ")))
	}
}

func validateSink(config *Config, errs *ValidationErrors) {
	sink := config.Sink
	if !sink.Console && !sink.File.Enabled && !sink.Kafka.Enabled && !sink.Postgres.Enabled {
		errs.Add("sink", "at least one sink must be enabled")
	}

	if sink.File.Enabled && sink.File.Path == "" {
		errs.Add("sink.file.path", "path is required when the file sink is enabled")
	}

	if sink.Kafka.Enabled {
		if len(sink.Kafka.Brokers) == 0 {
			errs.Add("sink.kafka.brokers", "at least one broker is required")
		}
		if sink.Kafka.Topic == "" {
			errs.Add("sink.kafka.topic", "topic is required")
		}
		if sink.Kafka.FlushTimeout <= 0 {
			errs.Add("sink.kafka.flush_timeout", "flush timeout must be positive")
		}
		oneOf(errs, "sink.kafka.format", "format", sink.Kafka.Format, "text", "json", "avro", "protobuf")
		if sink.Kafka.RegistryURL != "" && sink.Kafka.Format != "avro" && sink.Kafka.Format != "json" {
			errs.Add("sink.kafka.registry_url", "a schema registry is only used by the avro and json formats")
		}
	}

	if sink.Postgres.Enabled {
		if sink.Postgres.ConnectionString == "" {
			errs.Add("sink.postgres.connection_string", "connection string is required")
		}
		if sink.Postgres.Table == "" {
			errs.Add("sink.postgres.table", "table name is required")
		}
		if sink.Postgres.BatchSize <= 0 {
			errs.Add("sink.postgres.batch_size", "batch size must be positive")
		}
	}

	if sink.Retry.Enabled {
		if sink.Retry.MaxAttempts < -1 {
			errs.Add("sink.retry.max_attempts", "max attempts must be -1 (infinite) or greater")
		}
		if sink.Retry.InitialBackoff <= 0 {
			errs.Add("sink.retry.initial_backoff", "initial backoff must be positive")
		}
		if sink.Retry.MaxBackoff < sink.Retry.InitialBackoff {
			errs.Add("sink.retry.max_backoff", "max backoff must be at least the initial backoff")
		}
		if sink.Retry.BackoffMultiplier < 1 {
			errs.Add("sink.retry.backoff_multiplier", "backoff multiplier must be at least 1")
		}
		if sink.Retry.BackoffJitter < 0 || sink.Retry.BackoffJitter > 1 {
			errs.Add("sink.retry.backoff_jitter", "backoff jitter must be between 0 and 1")
		}
	}

	if cb := sink.CircuitBreaker; cb.Enabled {
		if cb.FailureThreshold <= 0 {
			errs.Add("sink.circuit_breaker.failure_threshold", "failure threshold must be positive")
		}
		if cb.SuccessThreshold <= 0 {
			errs.Add("sink.circuit_breaker.success_threshold", "success threshold must be positive")
		}
		if cb.Timeout <= 0 {
			errs.Add("sink.circuit_breaker.timeout", "timeout must be positive")
		}
	}
}

func validateDLQ(config *Config, errs *ValidationErrors) {
	if config.DLQ.Enabled && config.DLQ.MaxSize <= 0 {
		errs.Add("dlq.max_size", "max size must be positive when the DLQ is enabled")
	}
}

func validateMetrics(config *Config, errs *ValidationErrors) {
	if config.Metrics.Enabled && config.Metrics.Address == "" {
		errs.Add("metrics.address", "metrics address is required when metrics are enabled")
	}
}

func validateTracing(config *Config, errs *ValidationErrors) {
	if !config.Tracing.Enabled {
		return
	}

	oneOf(errs, "tracing.exporter", "exporter", config.Tracing.Exporter, "stdout", "otlp")

	if config.Tracing.Exporter == "otlp" && config.Tracing.Endpoint == "" {
		errs.Add("tracing.endpoint", "endpoint is required for the otlp exporter")
	}

	if config.Tracing.SampleRate < 0 || config.Tracing.SampleRate > 1 {
		errs.Add("tracing.sample_rate", "sample rate must be between 0 and 1")
	}
}

func validateLogging(config *Config, errs *ValidationErrors) {
	oneOf(errs, "logging.level", "log level", config.Logging.Level, "debug", "info", "warn", "error")
	oneOf(errs, "logging.format", "log format", config.Logging.Format, "json", "console")
	oneOf(errs, "logging.output", "log output", config.Logging.Output, "stdout", "stderr", "file")

	if config.Logging.Output == "file" && config.Logging.OutputPath == "" {
		errs.Add("logging.output_path", "output path is required when output is 'file'")
	}
}

func oneOf(errs *ValidationErrors, field, what, value string, valid ...string) {
	for _, v := range valid {
		if value == v {
			return
		}
	}
	errs.Add(field, fmt.Sprintf("invalid %s %s (valid: %s)", what, value, strings.Join(valid, ", ")))
}

// ValidateAndLoad loads and validates a configuration file
func ValidateAndLoad(path string) (*Config, error) {
	config, err := LoadConfigWithEnv(path)
	if err != nil {
		return nil, err
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	// Expand home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	_, err := os.Stat(path)
	return err == nil
}
