package config

import (
	"time"
)

// Version represents the configuration file version
const (
	CurrentConfigVersion = "v1"
)

// Source types
const (
	SourceTypeSocket    = "socket"
	SourceTypeWebSocket = "websocket"
	SourceTypeKafka     = "kafka"
	SourceTypeNATS      = "nats"
	SourceTypeHTTP      = "http"
)

// Config represents the complete joinevents configuration
type Config struct {
	// Version of the configuration schema
	Version string `yaml:"version" json:"version"`

	// Application metadata
	Application ApplicationConfig `yaml:"application" json:"application"`

	// Join semantics
	Join JoinConfig `yaml:"join" json:"join"`

	// Engine configuration
	Engine EngineConfig `yaml:"engine" json:"engine"`

	// Sources configuration, one per side of the join
	Sources SourcesConfig `yaml:"sources" json:"sources"`

	// Sink configuration
	Sink SinkConfig `yaml:"sink" json:"sink"`

	// Dead-letter queue for dropped panes
	DLQ DLQConfig `yaml:"dlq" json:"dlq"`

	// Metrics and monitoring configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ApplicationConfig holds application-level metadata
type ApplicationConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Environment string            `yaml:"environment" json:"environment"` // development, staging, production
	Tags        map[string]string `yaml:"tags" json:"tags"`
}

// JoinConfig holds the windowing and output semantics of the join
type JoinConfig struct {
	WindowSize      time.Duration `yaml:"window_size" json:"window_size"`
	AllowedLateness time.Duration `yaml:"allowed_lateness" json:"allowed_lateness"`
	AmbiguityPolicy string        `yaml:"ambiguity_policy" json:"ambiguity_policy"` // drop-window, fatal
	DefaultValue    string        `yaml:"default_value" json:"default_value"`
	Shards          int           `yaml:"shards" json:"shards"`
}

// EngineConfig holds stream processing engine configuration
type EngineConfig struct {
	BufferSize        int           `yaml:"buffer_size" json:"buffer_size"`
	MaxConcurrency    int           `yaml:"max_concurrency" json:"max_concurrency"`
	WatermarkInterval time.Duration `yaml:"watermark_interval" json:"watermark_interval"`
	TriggerInterval   time.Duration `yaml:"trigger_interval" json:"trigger_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxOutOfOrderness time.Duration `yaml:"max_out_of_orderness" json:"max_out_of_orderness"`
}

// SourcesConfig holds the two sides of the join
type SourcesConfig struct {
	A SourceConfig `yaml:"a" json:"a"`
	B SourceConfig `yaml:"b" json:"b"`
}

// SourceConfig selects and configures one line source
type SourceConfig struct {
	Name      string                `yaml:"name" json:"name"`
	Type      string                `yaml:"type" json:"type"` // socket, websocket, kafka, nats, http
	Socket    SocketSourceConfig    `yaml:"socket" json:"socket"`
	WebSocket WebSocketSourceConfig `yaml:"websocket" json:"websocket"`
	Kafka     KafkaSourceConfig     `yaml:"kafka" json:"kafka"`
	NATS      NATSSourceConfig      `yaml:"nats" json:"nats"`
	HTTP      HTTPSourceConfig      `yaml:"http" json:"http"`
}

// SocketSourceConfig holds TCP socket client configuration
type SocketSourceConfig struct {
	Host       string        `yaml:"host" json:"host"`
	Port       int           `yaml:"port" json:"port"`
	Delimiter  string        `yaml:"delimiter" json:"delimiter"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// WebSocketSourceConfig holds WebSocket server configuration
type WebSocketSourceConfig struct {
	Address  string `yaml:"address" json:"address"`
	Path     string `yaml:"path" json:"path"`
	TLS      bool   `yaml:"tls" json:"tls"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// KafkaSourceConfig holds Kafka consumer configuration
type KafkaSourceConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
	GroupID string   `yaml:"group_id" json:"group_id"`
}

// NATSSourceConfig holds NATS subscription configuration
type NATSSourceConfig struct {
	URL     string `yaml:"url" json:"url"`
	Subject string `yaml:"subject" json:"subject"`
	Queue   string `yaml:"queue" json:"queue"`
}

// HTTPSourceConfig holds HTTP ingestion endpoint configuration
type HTTPSourceConfig struct {
	Address string `yaml:"address" json:"address"`
	Path    string `yaml:"path" json:"path"`
}

// SinkConfig holds the output destinations; enabled sinks all receive every record
type SinkConfig struct {
	Console  bool               `yaml:"console" json:"console"`
	File     FileSinkConfig     `yaml:"file" json:"file"`
	Kafka    KafkaSinkConfig    `yaml:"kafka" json:"kafka"`
	Postgres PostgresSinkConfig `yaml:"postgres" json:"postgres"`
	Retry    RetryConfig        `yaml:"retry" json:"retry"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// FileSinkConfig holds file sink configuration
type FileSinkConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// KafkaSinkConfig holds Kafka producer configuration
type KafkaSinkConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	FlushTimeout time.Duration `yaml:"flush_timeout" json:"flush_timeout"`

	// Format is text, json, avro or protobuf
	Format      string `yaml:"format" json:"format"`
	Validate    bool   `yaml:"validate" json:"validate"`
	RegistryURL string `yaml:"registry_url" json:"registry_url"`
}

// PostgresSinkConfig holds PostgreSQL / TimescaleDB sink configuration
type PostgresSinkConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	ConnectionString string `yaml:"connection_string" json:"connection_string"`
	Table            string `yaml:"table" json:"table"`
	BatchSize        int    `yaml:"batch_size" json:"batch_size"`
}

// RetryConfig holds sink retry configuration
type RetryConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	BackoffJitter     float64       `yaml:"backoff_jitter" json:"backoff_jitter"`
}

// CircuitBreakerConfig holds the per-sink circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// DLQConfig holds dead-letter queue configuration
type DLQConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	MaxSize int  `yaml:"max_size" json:"max_size"`

	// Directory selects the file-backed DLQ; empty keeps panes in memory
	Directory string `yaml:"directory" json:"directory"`
}

// MetricsConfig holds metrics and monitoring configuration
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Address        string `yaml:"address" json:"address"`
	RuntimeMetrics bool   `yaml:"runtime_metrics" json:"runtime_metrics"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Exporter    string  `yaml:"exporter" json:"exporter"` // stdout, otlp
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" json:"format"` // json, console
	Output     string `yaml:"output" json:"output"` // stdout, stderr, file
	OutputPath string `yaml:"output_path" json:"output_path"`
}

// DefaultConfig returns a default configuration: two local socket sources
// joined in ten second windows, printed and appended to ./outputJoin.txt
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentConfigVersion,
		Application: ApplicationConfig{
			Name:        "joinevents",
			Environment: "development",
			Tags:        make(map[string]string),
		},
		Join: JoinConfig{
			WindowSize:      10 * time.Second,
			AllowedLateness: 0,
			AmbiguityPolicy: "drop-window",
			DefaultValue:    "NO_VALUE",
			Shards:          16,
		},
		Engine: EngineConfig{
			BufferSize:        10000,
			MaxConcurrency:    16,
			WatermarkInterval: 200 * time.Millisecond,
			TriggerInterval:   time.Second,
			IdleTimeout:       0,
			MaxOutOfOrderness: 0,
		},
		Sources: SourcesConfig{
			A: defaultSocketSource("FirstStream", 9999),
			B: defaultSocketSource("SecondStream", 9998),
		},
		Sink: SinkConfig{
			Console: true,
			File: FileSinkConfig{
				Enabled: true,
				Path:    "./outputJoin.txt",
			},
			Kafka: KafkaSinkConfig{
				FlushTimeout: 5 * time.Second,
				Format:       "text",
			},
			Postgres: PostgresSinkConfig{
				Table:     "join_results",
				BatchSize: 100,
			},
			Retry: RetryConfig{
				Enabled:           false,
				MaxAttempts:       3,
				InitialBackoff:    100 * time.Millisecond,
				MaxBackoff:        10 * time.Second,
				BackoffMultiplier: 2.0,
				BackoffJitter:     0.1,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		DLQ: DLQConfig{
			Enabled: true,
			MaxSize: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9091",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "joinevents",
			SampleRate:  1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func defaultSocketSource(name string, port int) SourceConfig {
	return SourceConfig{
		Name: name,
		Type: SourceTypeSocket,
		Socket: SocketSourceConfig{
			Host:       "localhost",
			Port:       port,
			Delimiter:  "\n",
			MaxRetries: 3,
			RetryDelay: 500 * time.Millisecond,
		},
		WebSocket: WebSocketSourceConfig{
			Path: "/ws",
		},
		HTTP: HTTPSourceConfig{
			Path: "/ingest",
		},
	}
}

// ProductionConfig returns a production-ready configuration
func ProductionConfig() *Config {
	config := DefaultConfig()
	config.Application.Environment = "production"
	config.Engine.BufferSize = 50000
	config.Engine.MaxConcurrency = 64
	config.Engine.IdleTimeout = 30 * time.Second
	config.Sink.Console = false
	config.Sink.Retry.Enabled = true
	config.Sink.Retry.MaxAttempts = 5
	config.Sink.CircuitBreaker.Enabled = true
	config.DLQ.MaxSize = 100000
	config.Metrics.RuntimeMetrics = true
	config.Logging.Level = "warn"
	return config
}

// DevelopmentConfig returns a development-friendly configuration
func DevelopmentConfig() *Config {
	config := DefaultConfig()
	config.Application.Environment = "development"
	config.Join.AmbiguityPolicy = "fatal"
	config.Logging.Level = "debug"
	config.Logging.Format = "console"
	return config
}
