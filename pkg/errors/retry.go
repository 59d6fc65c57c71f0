package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines how a collaborator retries a failed operation.
// The join core never retries on its own; sinks opt in by wrapping themselves.
type RetryPolicy struct {
	// MaxAttempts is the number of retries after the first try (0 = no retries, -1 = infinite)
	MaxAttempts int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff duration
	MaxBackoff time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0-1.0)
	Jitter float64
	// RetriableFunc determines if an error is retriable (optional)
	RetriableFunc func(error) bool
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetriableFunc:     IsRetriable,
	}
}

// NoRetryPolicy returns a policy that never retries
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 0}
}

// RetryableOperation is a function that can be retried
type RetryableOperation func(ctx context.Context) error

// RetryCallback is invoked after every failed attempt that will be retried
type RetryCallback func(attempt int, err error, nextBackoff time.Duration)

// RetryResult contains the result of a retry operation
type RetryResult struct {
	Success      bool
	Attempts     int
	LastError    error
	TotalBackoff time.Duration
}

// Execute executes an operation with retry logic
func (rp *RetryPolicy) Execute(ctx context.Context, operation RetryableOperation) *RetryResult {
	return rp.ExecuteWithCallback(ctx, operation, nil)
}

// ExecuteWithCallback executes an operation with retry and calls callback before each backoff
func (rp *RetryPolicy) ExecuteWithCallback(ctx context.Context, operation RetryableOperation, callback RetryCallback) *RetryResult {
	result := &RetryResult{}

	for attempt := 0; ; attempt++ {
		result.Attempts++

		err := operation(ctx)
		if err == nil {
			result.Success = true
			result.LastError = nil
			return result
		}
		result.LastError = err

		if !rp.ShouldRetry(err, attempt+1) {
			return result
		}

		backoff := rp.calculateBackoff(attempt)
		result.TotalBackoff += backoff
		if callback != nil {
			callback(attempt+1, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			return result
		case <-timer.C:
		}
	}
}

// ShouldRetry reports whether a failure on the given (1-based) attempt should be retried
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if rp.MaxAttempts >= 0 && attempt > rp.MaxAttempts {
		return false
	}
	if rp.RetriableFunc != nil {
		return rp.RetriableFunc(err)
	}
	return true
}

// NextBackoff returns the backoff duration for the given (0-based) attempt
func (rp *RetryPolicy) NextBackoff(attempt int) time.Duration {
	return rp.calculateBackoff(attempt)
}

// calculateBackoff returns initialBackoff * multiplier^attempt, capped and jittered
func (rp *RetryPolicy) calculateBackoff(attempt int) time.Duration {
	multiplier := rp.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	backoff := float64(rp.InitialBackoff) * math.Pow(multiplier, float64(attempt))

	if rp.MaxBackoff > 0 && backoff > float64(rp.MaxBackoff) {
		backoff = float64(rp.MaxBackoff)
	}

	if rp.Jitter > 0 {
		jitterAmount := backoff * rp.Jitter
		backoff += (rand.Float64()*2 - 1) * jitterAmount
		if backoff < 0 {
			backoff = float64(rp.InitialBackoff)
		}
	}

	return time.Duration(backoff)
}
