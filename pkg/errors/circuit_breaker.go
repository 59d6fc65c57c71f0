package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/metrics"
)

// CircuitState is the state of a sink's circuit breaker
type CircuitState int

const (
	// StateClosed lets writes reach the sink
	StateClosed CircuitState = iota
	// StateOpen rejects writes without touching the sink
	StateOpen
	// StateHalfOpen lets a limited number of trial writes through
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// gauge is the value exported on the circuit state gauge
func (s CircuitState) gauge() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Request results recorded on the circuit request counter
const (
	ResultSuccess          = "success"
	ResultFailure          = "failure"
	ResultRejectedOpen     = "rejected_open"
	ResultRejectedHalfOpen = "rejected_half_open"
)

// CircuitBreakerConfig configures the breaker guarding one sink
type CircuitBreakerConfig struct {
	// Name is the guarded sink's name, used in errors and metric labels
	Name string
	// FailureThreshold consecutive failed writes open the circuit
	FailureThreshold uint32
	// SuccessThreshold successful trial writes close a half-open circuit
	SuccessThreshold uint32
	// Timeout is how long the circuit stays open before a trial write
	Timeout time.Duration
	// MaxConcurrentRequests bounds trial writes while half-open
	MaxConcurrentRequests uint32
	// Metrics receives state transitions and request results (optional)
	Metrics *metrics.ErrorMetrics
	// OnStateChange is called asynchronously after a transition (optional)
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the defaults for the named sink
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:                  name,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		Timeout:               60 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// ErrCircuitOpen rejects a write while the sink's circuit is open
type ErrCircuitOpen struct {
	CircuitName string
	OpenedAt    time.Time
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open (opened at %s)", e.CircuitName, e.OpenedAt.Format(time.RFC3339))
}

// ErrTooManyRequests rejects a write while the half-open trial slots are taken
type ErrTooManyRequests struct {
	CircuitName string
}

func (e *ErrTooManyRequests) Error() string {
	return fmt.Sprintf("circuit breaker '%s' has too many concurrent requests in half-open state", e.CircuitName)
}

// CircuitBreaker stops writing to a sink that keeps failing. Every error it
// returns is a *SinkWriteError naming the sink.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu               sync.Mutex
	state            CircuitState
	failures         uint32
	successes        uint32
	halfOpenInFlight uint32
	openedAt         time.Time
	lastStateChange  time.Time
	totalWrites      uint64
	totalFailures    uint64
	totalRejected    uint64
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxConcurrentRequests == 0 {
		config.MaxConcurrentRequests = 1
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Write runs one sink operation for key through the breaker. An empty key
// stands for operations that are not tied to a record, such as Flush.
func (cb *CircuitBreaker) Write(ctx context.Context, key string, operation func() error) error {
	if err := ctx.Err(); err != nil {
		return AsSinkWrite(cb.config.Name, key, err)
	}

	if err := cb.admit(); err != nil {
		return AsSinkWrite(cb.config.Name, key, err)
	}

	err := operation()
	cb.record(err)
	if err != nil {
		return AsSinkWrite(cb.config.Name, key, err)
	}
	return nil
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) <= cb.config.Timeout {
			cb.totalRejected++
			cb.config.Metrics.RecordCircuitRequest(cb.config.Name, ResultRejectedOpen)
			return &ErrCircuitOpen{CircuitName: cb.config.Name, OpenedAt: cb.openedAt}
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenInFlight = 1
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.MaxConcurrentRequests {
			cb.totalRejected++
			cb.config.Metrics.RecordCircuitRequest(cb.config.Name, ResultRejectedHalfOpen)
			return &ErrTooManyRequests{CircuitName: cb.config.Name}
		}
		cb.halfOpenInFlight++
	}

	cb.totalWrites++
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if err == nil {
		cb.config.Metrics.RecordCircuitRequest(cb.config.Name, ResultSuccess)
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return
	}

	cb.totalFailures++
	cb.config.Metrics.RecordCircuitRequest(cb.config.Name, ResultFailure)
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		// one failed trial reopens
		cb.transition(StateOpen)
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.lastStateChange
		cb.halfOpenInFlight = 0
	case StateClosed:
		cb.halfOpenInFlight = 0
	}

	cb.config.Metrics.RecordCircuitTransition(cb.config.Name, from.String(), to.String(), to.gauge())
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats is a snapshot of a breaker's counters
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	TotalWrites     uint64
	TotalFailures   uint64
	TotalRejected   uint64
	LastStateChange time.Time
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.config.Name,
		State:           cb.state,
		TotalWrites:     cb.totalWrites,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
}

// IsAvailable reports whether the next write would reach the sink
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.halfOpenInFlight < cb.config.MaxConcurrentRequests
	case StateOpen:
		return time.Since(cb.openedAt) > cb.config.Timeout
	default:
		return false
	}
}
