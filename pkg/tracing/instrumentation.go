package tracing

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextLogger returns logger annotated with the trace and span IDs of ctx
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	traceID := TraceID(ctx)
	if traceID == "" {
		return logger
	}
	return logger.With(
		zap.String("trace_id", traceID),
		zap.String("span_id", SpanID(ctx)),
	)
}

// StructuredLogConfig holds configuration for structured logging
type StructuredLogConfig struct {
	Level            zapcore.Level
	Encoding         string // "json", "console"
	Development      bool
	EnableStacktrace bool
	EnableCaller     bool
	OutputPaths      []string
	ErrorOutputPaths []string
	InitialFields    map[string]interface{}
}

// DefaultStructuredLogConfig returns default structured logging configuration
func DefaultStructuredLogConfig() *StructuredLogConfig {
	return &StructuredLogConfig{
		Level:            zapcore.InfoLevel,
		Encoding:         "json",
		Development:      false,
		EnableStacktrace: false,
		EnableCaller:     true,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    make(map[string]interface{}),
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLogConfig) (*zap.Logger, error) {
	if config == nil {
		config = DefaultStructuredLogConfig()
	}
	if config.Encoding == "" {
		config.Encoding = "json"
	}

	encodeLevel := zapcore.LowercaseLevelEncoder
	if config.Encoding == "console" {
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(config.Level),
		Development: config.Development,
		Encoding:    config.Encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:       config.OutputPaths,
		ErrorOutputPaths:  config.ErrorOutputPaths,
		DisableCaller:     !config.EnableCaller,
		DisableStacktrace: !config.EnableStacktrace,
	}

	if len(config.InitialFields) > 0 {
		zapConfig.InitialFields = config.InitialFields
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return logger, nil
}

// ParseLevel parses a log level name; unknown names select info
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
