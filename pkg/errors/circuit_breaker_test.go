package errors

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingWrite() error { return syscall.ECONNREFUSED }
func okWrite() error      { return nil }

func sinkBreaker(name string, failures uint32, timeout time.Duration) *CircuitBreaker {
	config := DefaultCircuitBreakerConfig(name)
	config.FailureThreshold = failures
	config.Timeout = timeout
	return NewCircuitBreaker(config)
}

func TestCircuitBreakerReportsSinkWriteErrors(t *testing.T) {
	cb := sinkBreaker("kafka", 3, time.Hour)

	err := cb.Write(context.Background(), "us", failingWrite)
	var sw *SinkWriteError
	require.ErrorAs(t, err, &sw)
	assert.Equal(t, "kafka", sw.Sink)
	assert.Equal(t, "us", sw.Key)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.True(t, IsRetriable(err), "the cause still decides the retry category")

	assert.NoError(t, cb.Write(context.Background(), "us", okWrite))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := sinkBreaker("kafka", 2, time.Hour)
	ctx := context.Background()

	// a success in between resets the streak
	assert.Error(t, cb.Write(ctx, "us", failingWrite))
	assert.NoError(t, cb.Write(ctx, "us", okWrite))
	assert.Error(t, cb.Write(ctx, "us", failingWrite))
	assert.Equal(t, StateClosed, cb.State())

	assert.Error(t, cb.Write(ctx, "de", failingWrite))
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.IsAvailable())

	reached := false
	err := cb.Write(ctx, "fr", func() error { reached = true; return nil })
	assert.False(t, reached, "an open circuit must not reach the sink")

	var openErr *ErrCircuitOpen
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "kafka", openErr.CircuitName)
	assert.False(t, openErr.OpenedAt.IsZero())

	var sw *SinkWriteError
	require.ErrorAs(t, err, &sw)
	assert.Equal(t, "fr", sw.Key)
	assert.True(t, IsFatal(err), "rejections stop the retry loop")

	stats := cb.Stats()
	assert.Equal(t, uint64(4), stats.TotalWrites)
	assert.Equal(t, uint64(3), stats.TotalFailures)
	assert.Equal(t, uint64(1), stats.TotalRejected)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	t.Run("trial writes close the circuit", func(t *testing.T) {
		cb := sinkBreaker("postgres", 1, 20*time.Millisecond)
		ctx := context.Background()

		require.Error(t, cb.Write(ctx, "us", failingWrite))
		require.Equal(t, StateOpen, cb.State())

		assert.Eventually(t, cb.IsAvailable, time.Second, 5*time.Millisecond)

		require.NoError(t, cb.Write(ctx, "us", okWrite))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Write(ctx, "us", okWrite))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failed trial reopens", func(t *testing.T) {
		cb := sinkBreaker("postgres", 1, 20*time.Millisecond)
		ctx := context.Background()

		require.Error(t, cb.Write(ctx, "us", failingWrite))
		assert.Eventually(t, cb.IsAvailable, time.Second, 5*time.Millisecond)

		require.Error(t, cb.Write(ctx, "us", failingWrite))
		assert.Equal(t, StateOpen, cb.State())

		var openErr *ErrCircuitOpen
		assert.ErrorAs(t, cb.Write(ctx, "us", okWrite), &openErr)
	})

	t.Run("concurrent trial is rejected", func(t *testing.T) {
		cb := sinkBreaker("postgres", 1, 20*time.Millisecond)
		ctx := context.Background()

		require.Error(t, cb.Write(ctx, "us", failingWrite))
		assert.Eventually(t, cb.IsAvailable, time.Second, 5*time.Millisecond)

		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cb.Write(ctx, "us", func() error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		var tooMany *ErrTooManyRequests
		assert.ErrorAs(t, cb.Write(ctx, "de", okWrite), &tooMany)
		assert.False(t, cb.IsAvailable())

		close(release)
		assert.NoError(t, <-done)
	})
}

func TestCircuitBreakerMetrics(t *testing.T) {
	em := metrics.NewErrorMetrics(prometheus.NewRegistry())
	config := DefaultCircuitBreakerConfig("kafka")
	config.FailureThreshold = 1
	config.Timeout = time.Hour
	config.Metrics = em

	transitions := make(chan CircuitState, 4)
	config.OnStateChange = func(name string, from, to CircuitState) {
		assert.Equal(t, "kafka", name)
		transitions <- to
	}
	cb := NewCircuitBreaker(config)
	ctx := context.Background()

	require.NoError(t, cb.Write(ctx, "us", okWrite))
	require.Error(t, cb.Write(ctx, "us", failingWrite))
	require.Error(t, cb.Write(ctx, "us", okWrite))

	assert.Equal(t, 1.0, testutil.ToFloat64(em.CircuitBreakerRequests.WithLabelValues("kafka", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.CircuitBreakerRequests.WithLabelValues("kafka", ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.CircuitBreakerRequests.WithLabelValues("kafka", ResultRejectedOpen)))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.CircuitBreakerTransitions.WithLabelValues("kafka", "closed", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.CircuitBreakerState.WithLabelValues("kafka")))

	cb.Reset()
	assert.Equal(t, 0.0, testutil.ToFloat64(em.CircuitBreakerState.WithLabelValues("kafka")))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.CircuitBreakerTransitions.WithLabelValues("kafka", "open", "closed")))

	got := []CircuitState{<-transitions, <-transitions}
	assert.ElementsMatch(t, []CircuitState{StateOpen, StateClosed}, got)
}

func TestCircuitBreakerCanceledContext(t *testing.T) {
	cb := sinkBreaker("kafka", 1, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reached := false
	err := cb.Write(ctx, "us", func() error { reached = true; return nil })
	assert.False(t, reached)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsSinkWrite(err))
	assert.Equal(t, StateClosed, cb.State(), "cancellation is not a sink failure")
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := sinkBreaker("kafka", 2, time.Hour)
	ctx := context.Background()

	require.Error(t, cb.Write(ctx, "us", failingWrite))
	require.Error(t, cb.Write(ctx, "us", failingWrite))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.IsAvailable())

	// the failure streak starts over
	require.Error(t, cb.Write(ctx, "us", failingWrite))
	assert.Equal(t, StateClosed, cb.State())
}

func TestAsSinkWrite(t *testing.T) {
	assert.NoError(t, AsSinkWrite("kafka", "us", nil))

	cause := errors.New("broker down")
	err := AsSinkWrite("kafka", "us", cause)
	assert.EqualError(t, err, `sink kafka write failed for key "us": broker down`)

	again := AsSinkWrite("file", "de", err)
	assert.Same(t, err, again, "an attributed failure keeps its sink and key")
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
