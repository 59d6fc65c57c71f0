package sink

import (
	"context"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/metrics"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/nagyistge/flink-dataflow/pkg/tracing"
	"go.uber.org/zap"
)

// RetryingSink retries failed writes of the wrapped sink under a retry policy
type RetryingSink struct {
	sink    stream.Sink
	policy  *errors.RetryPolicy
	metrics *metrics.ErrorMetrics
	logger  *zap.Logger
	name    string
}

// NewRetryingSink wraps sink with policy; a nil policy never retries
func NewRetryingSink(sink stream.Sink, policy *errors.RetryPolicy, errorMetrics *metrics.ErrorMetrics, logger *zap.Logger) *RetryingSink {
	if policy == nil {
		policy = errors.NoRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingSink{
		sink:    sink,
		policy:  policy,
		metrics: errorMetrics,
		logger:  logger,
		name:    sinkName(sink),
	}
}

// Write writes the record, retrying retriable failures
func (rs *RetryingSink) Write(ctx context.Context, record *stream.OutputRecord) error {
	result := rs.policy.ExecuteWithCallback(
		ctx,
		func(ctx context.Context) error {
			return rs.sink.Write(ctx, record)
		},
		func(attempt int, err error, nextBackoff time.Duration) {
			category := errors.ClassifyError(err).String()
			rs.metrics.RecordRetry(rs.name, category, nextBackoff.Seconds())
			tracing.ContextLogger(ctx, rs.logger).Warn("Retrying sink write",
				zap.String("sink", rs.name),
				zap.String("key", record.Key),
				zap.Int("attempt", attempt),
				zap.Duration("next_backoff", nextBackoff),
				zap.Error(err),
			)
		},
	)

	if result.Attempts > 1 || !result.Success {
		category := ""
		if result.LastError != nil {
			category = errors.ClassifyError(result.LastError).String()
		}
		rs.metrics.RecordRetryOutcome(rs.name, category, result.Success)
	}

	if !result.Success {
		return result.LastError
	}
	return nil
}

// Flush flushes the wrapped sink
func (rs *RetryingSink) Flush(ctx context.Context) error {
	return rs.sink.Flush(ctx)
}

// Close closes the wrapped sink
func (rs *RetryingSink) Close() error {
	return rs.sink.Close()
}

// Name returns the wrapped sink's name
func (rs *RetryingSink) Name() string {
	return rs.name
}
