package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/nagyistge/flink-dataflow/pkg/config"
	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/ingestion"
	"github.com/nagyistge/flink-dataflow/pkg/metrics"
	"github.com/nagyistge/flink-dataflow/pkg/schema"
	"github.com/nagyistge/flink-dataflow/pkg/sink"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/nagyistge/flink-dataflow/pkg/tracing"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// initLogger builds the process logger from the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	logConfig := tracing.DefaultStructuredLogConfig()
	logConfig.Level = tracing.ParseLevel(cfg.Level)
	logConfig.Encoding = cfg.Format
	logConfig.Development = cfg.Format == "console"

	switch cfg.Output {
	case "stderr":
		logConfig.OutputPaths = []string{"stderr"}
	case "file":
		logConfig.OutputPaths = []string{cfg.OutputPath}
	default:
		logConfig.OutputPaths = []string{"stdout"}
	}

	return tracing.NewStructuredLogger(logConfig)
}

// buildSource creates the line source selected by cfg
func buildSource(cfg config.SourceConfig, logger *zap.Logger) (stream.Source, error) {
	logger = logger.With(zap.String("source", cfg.Name))

	switch cfg.Type {
	case config.SourceTypeSocket:
		var delimiter byte
		if len(cfg.Socket.Delimiter) > 0 {
			delimiter = cfg.Socket.Delimiter[0]
		}
		return ingestion.NewSocketSource(ingestion.SocketSourceConfig{
			Name:       cfg.Name,
			Host:       cfg.Socket.Host,
			Port:       cfg.Socket.Port,
			Delimiter:  delimiter,
			MaxRetries: cfg.Socket.MaxRetries,
			RetryDelay: cfg.Socket.RetryDelay,
		}, logger)

	case config.SourceTypeWebSocket:
		ws := ingestion.WebSocketSourceConfig{
			Name:    cfg.Name,
			Address: cfg.WebSocket.Address,
			Path:    cfg.WebSocket.Path,
		}
		if cfg.WebSocket.TLS {
			ws.CertFile = cfg.WebSocket.CertFile
			ws.KeyFile = cfg.WebSocket.KeyFile
		}
		return ingestion.NewWebSocketSource(ws, logger)

	case config.SourceTypeKafka:
		return ingestion.NewKafkaSource(ingestion.KafkaSourceConfig{
			Name:    cfg.Name,
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, logger)

	case config.SourceTypeNATS:
		return ingestion.NewNATSSource(ingestion.NATSSourceConfig{
			Name:    cfg.Name,
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
		}, logger)

	case config.SourceTypeHTTP:
		return ingestion.NewHTTPSource(ingestion.HTTPSourceConfig{
			Name:    cfg.Name,
			Address: cfg.HTTP.Address,
			Path:    cfg.HTTP.Path,
		}, logger)

	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

// buildSink creates every enabled sink, wraps each with the configured
// circuit breaker and retry policy, and combines them
func buildSink(ctx context.Context, cfg config.SinkConfig, errorMetrics *metrics.ErrorMetrics, logger *zap.Logger) (stream.Sink, error) {
	var sinks []stream.Sink
	fail := func(err error) (stream.Sink, error) {
		for _, s := range sinks {
			err = multierr.Append(err, s.Close())
		}
		return nil, err
	}

	if cfg.Console {
		sinks = append(sinks, sink.NewConsoleSink(logger))
	}

	if cfg.File.Enabled {
		fileSink, err := sink.NewFileSink(sink.FileSinkConfig{Path: cfg.File.Path}, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, fileSink)
	}

	if cfg.Kafka.Enabled {
		encoder, err := buildEncoder(cfg.Kafka, logger)
		if err != nil {
			return fail(err)
		}
		kafkaSink, err := sink.NewKafkaSink(sink.KafkaSinkConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			FlushTimeout: cfg.Kafka.FlushTimeout,
			Encoder:      encoder,
		}, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, kafkaSink)
	}

	if cfg.Postgres.Enabled {
		pgSink, err := sink.NewPostgresSink(ctx, sink.PostgresSinkConfig{
			ConnectionString: cfg.Postgres.ConnectionString,
			Table:            cfg.Postgres.Table,
			BatchSize:        cfg.Postgres.BatchSize,
		}, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, pgSink)
	}

	if len(sinks) == 0 {
		return nil, fmt.Errorf("no sink enabled")
	}

	policy := cfg.Retry.RetryPolicy()
	for i, s := range sinks {
		name := s.(interface{ Name() string }).Name()
		if breaker := cfg.CircuitBreaker.BreakerConfig(name); breaker != nil {
			s = sink.NewCircuitBreakerSink(s, breaker, errorMetrics, logger)
		}
		if cfg.Retry.Enabled {
			s = sink.NewRetryingSink(s, policy, errorMetrics, logger)
		}
		sinks[i] = s
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sink.NewFanout(sinks...), nil
}

// buildEncoder resolves the Kafka value encoding, registering its schema
// first when a registry is configured
func buildEncoder(cfg config.KafkaSinkConfig, logger *zap.Logger) (schema.Encoder, error) {
	format, err := schema.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	encoderConfig := schema.EncoderConfig{Format: format, Validate: cfg.Validate}
	if cfg.RegistryURL != "" {
		registry, err := schema.NewRegistry(schema.RegistryConfig{URL: cfg.RegistryURL}, logger)
		if err != nil {
			return nil, err
		}
		id, err := registry.Register(schema.SubjectFor(cfg.Topic), format)
		if err != nil {
			return nil, err
		}
		if format == schema.FormatAvro {
			encoderConfig.SchemaID = id
		}
	}

	return schema.NewEncoder(encoderConfig)
}

// buildDLQ creates the dead-letter queue for dropped panes
func buildDLQ(cfg config.DLQConfig) (errors.DeadLetterQueue, error) {
	switch {
	case !cfg.Enabled:
		return errors.NewNullDLQ(), nil
	case cfg.Directory != "":
		return errors.NewFileDLQ(cfg.Directory)
	default:
		return errors.NewInMemoryDLQ(cfg.MaxSize), nil
	}
}

// socketAddress turns a "host:port" flag into a socket source section
func socketAddress(source *config.SourceConfig, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	if host == "" {
		host = "localhost"
	}
	source.Type = config.SourceTypeSocket
	source.Socket.Host = host
	source.Socket.Port = port
	return nil
}
