package errors

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastPolicy(maxAttempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		RetriableFunc:     IsRetriable,
	}
}

func TestRetryPolicy_Execute(t *testing.T) {
	t.Run("success on first attempt", func(t *testing.T) {
		result := DefaultRetryPolicy().Execute(context.Background(), func(context.Context) error {
			return nil
		})

		assert.True(t, result.Success)
		assert.Equal(t, 1, result.Attempts)
		assert.NoError(t, result.LastError)
	})

	t.Run("success after retries", func(t *testing.T) {
		calls := 0
		result := fastPolicy(3).Execute(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.True(t, result.Success)
		assert.Equal(t, 3, result.Attempts)
	})

	t.Run("failure after max attempts", func(t *testing.T) {
		testErr := errors.New("persistent error")
		result := fastPolicy(2).Execute(context.Background(), func(context.Context) error {
			return testErr
		})

		assert.False(t, result.Success)
		assert.Equal(t, 3, result.Attempts) // initial + 2 retries
		assert.Equal(t, testErr, result.LastError)
	})

	t.Run("non-retriable error stops retry", func(t *testing.T) {
		result := fastPolicy(5).Execute(context.Background(), func(context.Context) error {
			return &SinkWriteError{Sink: "file", Err: syscall.ENOSPC}
		})

		assert.False(t, result.Success)
		assert.Equal(t, 1, result.Attempts)
	})

	t.Run("no retry policy runs once", func(t *testing.T) {
		result := NoRetryPolicy().Execute(context.Background(), func(context.Context) error {
			return errors.New("boom")
		})

		assert.False(t, result.Success)
		assert.Equal(t, 1, result.Attempts)
	})

	t.Run("context cancellation stops backoff", func(t *testing.T) {
		policy := &RetryPolicy{
			MaxAttempts:       -1,
			InitialBackoff:    time.Hour,
			MaxBackoff:        time.Hour,
			BackoffMultiplier: 1,
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result := policy.Execute(ctx, func(context.Context) error {
			return errors.New("always")
		})

		assert.False(t, result.Success)
		assert.ErrorIs(t, result.LastError, context.Canceled)
	})
}

func TestRetryPolicy_Callback(t *testing.T) {
	var attempts []int
	calls := 0
	result := fastPolicy(3).ExecuteWithCallback(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	}, func(attempt int, err error, next time.Duration) {
		attempts = append(attempts, attempt)
		assert.Error(t, err)
		assert.Greater(t, next, time.Duration(0))
	})

	assert.True(t, result.Success)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := &RetryPolicy{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, 100*time.Millisecond, policy.NextBackoff(0))
	assert.Equal(t, 200*time.Millisecond, policy.NextBackoff(1))
	assert.Equal(t, 400*time.Millisecond, policy.NextBackoff(2))
	assert.Equal(t, time.Second, policy.NextBackoff(10))
}
