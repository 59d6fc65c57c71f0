package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ErrorMetrics holds error handling specific metrics
type ErrorMetrics struct {
	// Retry metrics
	RetryAttempts    *prometheus.CounterVec
	RetrySuccesses   *prometheus.CounterVec
	RetryFailures    *prometheus.CounterVec
	RetryBackoffTime *prometheus.HistogramVec

	// Dead Letter Queue metrics
	DLQPanesWritten *prometheus.CounterVec
	DLQSize         *prometheus.GaugeVec

	// Side output metrics
	SideOutputEvents  *prometheus.CounterVec
	SideOutputDropped prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec
	CircuitBreakerRequests    *prometheus.CounterVec

	// Error categorization metrics
	ErrorsByCategory *prometheus.CounterVec
}

// NewErrorMetrics creates a new error metrics collector
func NewErrorMetrics(registry *prometheus.Registry) *ErrorMetrics {
	em := &ErrorMetrics{}
	em.initMetrics()
	em.registerMetrics(registry)
	return em
}

// initMetrics initializes all error-related metrics
func (em *ErrorMetrics) initMetrics() {
	// Retry metrics
	em.RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_retry_attempts_total",
			Help: "Total number of sink write retry attempts",
		},
		[]string{"sink", "error_category"},
	)

	em.RetrySuccesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_retry_successes_total",
			Help: "Total number of sink writes that succeeded after retrying",
		},
		[]string{"sink"},
	)

	em.RetryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_retry_failures_total",
			Help: "Total number of sink writes that failed after exhausting retries",
		},
		[]string{"sink", "error_category"},
	)

	em.RetryBackoffTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "joinevents_retry_backoff_seconds",
			Help:    "Backoff time spent before a retry",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"sink"},
	)

	// Dead Letter Queue metrics
	em.DLQPanesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_dlq_panes_written_total",
			Help: "Total number of dropped panes written to the DLQ",
		},
		[]string{"dlq_name", "error_category"},
	)

	em.DLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "joinevents_dlq_size_panes",
			Help: "Current number of panes in the DLQ",
		},
		[]string{"dlq_name"},
	)

	// Side output metrics
	em.SideOutputEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_side_output_events_total",
			Help: "Total number of records emitted to side outputs",
		},
		[]string{"tag"},
	)

	em.SideOutputDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joinevents_side_output_dropped",
			Help: "Side output events discarded because the channel was full",
		},
	)

	// Circuit breaker metrics
	em.CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "joinevents_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"sink"},
	)

	em.CircuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"sink", "from", "to"},
	)

	em.CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_circuit_breaker_requests_total",
			Help: "Total number of sink writes passing through a circuit breaker by result",
		},
		[]string{"sink", "result"},
	)

	// Error categorization metrics
	em.ErrorsByCategory = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_errors_by_category_total",
			Help: "Total number of errors by component and category",
		},
		[]string{"component", "category"},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (em *ErrorMetrics) registerMetrics(registry *prometheus.Registry) {
	// Retry metrics
	registry.MustRegister(em.RetryAttempts)
	registry.MustRegister(em.RetrySuccesses)
	registry.MustRegister(em.RetryFailures)
	registry.MustRegister(em.RetryBackoffTime)

	// Dead Letter Queue metrics
	registry.MustRegister(em.DLQPanesWritten)
	registry.MustRegister(em.DLQSize)

	// Side output metrics
	registry.MustRegister(em.SideOutputEvents)
	registry.MustRegister(em.SideOutputDropped)

	// Circuit breaker metrics
	registry.MustRegister(em.CircuitBreakerState)
	registry.MustRegister(em.CircuitBreakerTransitions)
	registry.MustRegister(em.CircuitBreakerRequests)

	// Error categorization metrics
	registry.MustRegister(em.ErrorsByCategory)
}

// RecordError counts an error by component and category
func (em *ErrorMetrics) RecordError(component, category string) {
	if em == nil {
		return
	}
	em.ErrorsByCategory.WithLabelValues(component, category).Inc()
}

// RecordDLQWrite counts a pane written to the DLQ and updates its size
func (em *ErrorMetrics) RecordDLQWrite(dlqName, category string, size int64) {
	if em == nil {
		return
	}
	em.DLQPanesWritten.WithLabelValues(dlqName, category).Inc()
	em.DLQSize.WithLabelValues(dlqName).Set(float64(size))
}

// RecordSideOutput counts an event routed to a side output
func (em *ErrorMetrics) RecordSideOutput(tag string, dropped int64) {
	if em == nil {
		return
	}
	em.SideOutputEvents.WithLabelValues(tag).Inc()
	em.SideOutputDropped.Set(float64(dropped))
}

// RecordRetry counts one retry attempt and the backoff before it
func (em *ErrorMetrics) RecordRetry(sink, category string, backoffSeconds float64) {
	if em == nil {
		return
	}
	em.RetryAttempts.WithLabelValues(sink, category).Inc()
	em.RetryBackoffTime.WithLabelValues(sink).Observe(backoffSeconds)
}

// RecordRetryOutcome counts the final result of a retried write
func (em *ErrorMetrics) RecordRetryOutcome(sink, category string, success bool) {
	if em == nil {
		return
	}
	if success {
		em.RetrySuccesses.WithLabelValues(sink).Inc()
		return
	}
	em.RetryFailures.WithLabelValues(sink, category).Inc()
}

// RecordCircuitTransition records a state change and the new state
func (em *ErrorMetrics) RecordCircuitTransition(sink, from, to string, state float64) {
	if em == nil {
		return
	}
	em.CircuitBreakerTransitions.WithLabelValues(sink, from, to).Inc()
	em.CircuitBreakerState.WithLabelValues(sink).Set(state)
}

// RecordCircuitRequest counts a write through a circuit breaker by result
func (em *ErrorMetrics) RecordCircuitRequest(sink, result string) {
	if em == nil {
		return
	}
	em.CircuitBreakerRequests.WithLabelValues(sink, result).Inc()
}
