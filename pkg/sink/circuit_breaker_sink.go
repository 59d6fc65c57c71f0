package sink

import (
	"context"

	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/metrics"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"go.uber.org/zap"
)

// CircuitBreakerSink rejects writes while the wrapped sink keeps failing
type CircuitBreakerSink struct {
	sink           stream.Sink
	circuitBreaker *errors.CircuitBreaker
	logger         *zap.Logger
	name           string
}

// NewCircuitBreakerSink creates a new circuit breaker sink wrapper. A nil
// config uses errors.DefaultCircuitBreakerConfig named after the sink.
func NewCircuitBreakerSink(
	sink stream.Sink,
	config *errors.CircuitBreakerConfig,
	errorMetrics *metrics.ErrorMetrics,
	logger *zap.Logger,
) *CircuitBreakerSink {
	name := sinkName(sink)
	if config == nil {
		config = errors.DefaultCircuitBreakerConfig(name)
	}
	if config.Name == "" {
		config.Name = name
	}
	if config.Metrics == nil {
		config.Metrics = errorMetrics
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.OnStateChange == nil {
		config.OnStateChange = func(circuit string, from, to errors.CircuitState) {
			logger.Info("Circuit breaker state changed",
				zap.String("circuit", circuit),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}

	return &CircuitBreakerSink{
		sink:           sink,
		circuitBreaker: errors.NewCircuitBreaker(config),
		logger:         logger,
		name:           name,
	}
}

// Write writes a record through the circuit breaker
func (cbs *CircuitBreakerSink) Write(ctx context.Context, record *stream.OutputRecord) error {
	err := cbs.circuitBreaker.Write(ctx, record.Key, func() error {
		return cbs.sink.Write(ctx, record)
	})

	var openErr *errors.ErrCircuitOpen
	if errors.As(err, &openErr) {
		cbs.logger.Warn("Circuit breaker is open, rejecting write",
			zap.String("sink", cbs.name),
			zap.String("key", record.Key),
		)
	}
	return err
}

// Flush flushes the sink through the circuit breaker
func (cbs *CircuitBreakerSink) Flush(ctx context.Context) error {
	return cbs.circuitBreaker.Write(ctx, "", func() error {
		return cbs.sink.Flush(ctx)
	})
}

// Close closes the sink
func (cbs *CircuitBreakerSink) Close() error {
	return cbs.sink.Close()
}

// Name returns the wrapped sink's name
func (cbs *CircuitBreakerSink) Name() string {
	return cbs.name
}

// GetCircuitBreaker returns the circuit breaker
func (cbs *CircuitBreakerSink) GetCircuitBreaker() *errors.CircuitBreaker {
	return cbs.circuitBreaker
}

// ResetCircuitBreaker resets the circuit breaker
func (cbs *CircuitBreakerSink) ResetCircuitBreaker() {
	cbs.circuitBreaker.Reset()
	cbs.logger.Info("Circuit breaker reset", zap.String("sink", cbs.name))
}

// IsAvailable checks if the circuit breaker allows requests
func (cbs *CircuitBreakerSink) IsAvailable() bool {
	return cbs.circuitBreaker.IsAvailable()
}
