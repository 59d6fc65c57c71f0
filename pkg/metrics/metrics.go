package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds all Prometheus metrics for the join engine.
// All helper methods are safe to call on a nil *Collector.
type Collector struct {
	// Ingest metrics
	RecordsIngested    *prometheus.CounterVec
	ParseErrors        *prometheus.CounterVec
	LateRecordsDropped *prometheus.CounterVec
	BufferUtilization  prometheus.Gauge

	// Window metrics
	ActiveWindowStates prometheus.Gauge
	WindowsFired       prometheus.Counter
	AmbiguousWindows   prometheus.Counter
	PaneRecords        *prometheus.HistogramVec
	FireLatency        prometheus.Histogram
	EvaluationDuration prometheus.Histogram

	// Output metrics
	OutputsEmitted *prometheus.CounterVec
	SinkErrors     *prometheus.CounterVec

	// Watermark metrics
	SourceWatermark      *prometheus.GaugeVec
	CombinedWatermark    prometheus.Gauge
	WatermarkLag         *prometheus.GaugeVec
	WatermarkRegressions *prometheus.CounterVec

	// Error handling metrics
	ErrorMetrics *ErrorMetrics

	// Custom metrics registry for user applications
	customMetrics map[string]prometheus.Collector
	customMu      sync.RWMutex

	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewCollector creates a new Prometheus metrics collector with a private registry
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry:      registry,
		logger:        logger,
		customMetrics: make(map[string]prometheus.Collector),
	}

	c.initMetrics()
	c.registerMetrics()

	c.ErrorMetrics = NewErrorMetrics(registry)

	return c
}

// initMetrics initializes all Prometheus metrics
func (c *Collector) initMetrics() {
	// Ingest metrics
	c.RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_records_ingested_total",
			Help: "Total number of records added to the co-group buffer",
		},
		[]string{"source"},
	)

	c.ParseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_parse_errors_total",
			Help: "Total number of raw lines rejected by the key extractor",
		},
		[]string{"source"},
	)

	c.LateRecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_late_records_dropped_total",
			Help: "Total number of records dropped because their window already fired",
		},
		[]string{"source"},
	)

	c.BufferUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joinevents_ingest_buffer_utilization_ratio",
			Help: "Current ingest channel utilization (0.0 to 1.0)",
		},
	)

	// Window metrics
	c.ActiveWindowStates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joinevents_active_window_states",
			Help: "Number of (window, key) states currently buffered",
		},
	)

	c.WindowsFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "joinevents_windows_fired_total",
			Help: "Total number of (window, key) panes fired",
		},
	)

	c.AmbiguousWindows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "joinevents_ambiguous_windows_total",
			Help: "Total number of panes dropped because side A held more than one value",
		},
	)

	c.PaneRecords = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "joinevents_pane_records",
			Help:    "Number of records per side in fired panes",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000},
		},
		[]string{"source"},
	)

	c.FireLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "joinevents_fire_latency_seconds",
			Help:    "Processing time between window end and pane emission",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	c.EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "joinevents_trigger_evaluation_seconds",
			Help:    "Time spent in one trigger evaluation",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	// Output metrics
	c.OutputsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_outputs_emitted_total",
			Help: "Total number of joined output records written",
		},
		[]string{"sink"},
	)

	c.SinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_sink_errors_total",
			Help: "Total number of failed sink writes",
		},
		[]string{"sink", "category"},
	)

	// Watermark metrics
	c.SourceWatermark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "joinevents_source_watermark_timestamp",
			Help: "Current watermark per source (unix seconds)",
		},
		[]string{"source"},
	)

	c.CombinedWatermark = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joinevents_combined_watermark_timestamp",
			Help: "Minimum watermark across sources (unix seconds)",
		},
	)

	c.WatermarkLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "joinevents_watermark_lag_seconds",
			Help: "Current watermark lag (processing time - watermark)",
		},
		[]string{"source"},
	)

	c.WatermarkRegressions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinevents_watermark_regressions_total",
			Help: "Total number of watermark updates that would have moved backwards",
		},
		[]string{"source"},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (c *Collector) registerMetrics() {
	// Ingest metrics
	c.registry.MustRegister(c.RecordsIngested)
	c.registry.MustRegister(c.ParseErrors)
	c.registry.MustRegister(c.LateRecordsDropped)
	c.registry.MustRegister(c.BufferUtilization)

	// Window metrics
	c.registry.MustRegister(c.ActiveWindowStates)
	c.registry.MustRegister(c.WindowsFired)
	c.registry.MustRegister(c.AmbiguousWindows)
	c.registry.MustRegister(c.PaneRecords)
	c.registry.MustRegister(c.FireLatency)
	c.registry.MustRegister(c.EvaluationDuration)

	// Output metrics
	c.registry.MustRegister(c.OutputsEmitted)
	c.registry.MustRegister(c.SinkErrors)

	// Watermark metrics
	c.registry.MustRegister(c.SourceWatermark)
	c.registry.MustRegister(c.CombinedWatermark)
	c.registry.MustRegister(c.WatermarkLag)
	c.registry.MustRegister(c.WatermarkRegressions)
}

// Registry returns the collector's private registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Errors returns the error handling metrics; nil for a nil collector
func (c *Collector) Errors() *ErrorMetrics {
	if c == nil {
		return nil
	}
	return c.ErrorMetrics
}

// RegisterCustomMetric allows applications to register custom metrics
func (c *Collector) RegisterCustomMetric(name string, collector prometheus.Collector) error {
	c.customMu.Lock()
	defer c.customMu.Unlock()

	if _, exists := c.customMetrics[name]; exists {
		return prometheus.AlreadyRegisteredError{}
	}

	if err := c.registry.Register(collector); err != nil {
		return err
	}

	c.customMetrics[name] = collector
	c.logger.Info("Registered custom metric", zap.String("name", name))
	return nil
}

// UnregisterCustomMetric removes a custom metric
func (c *Collector) UnregisterCustomMetric(name string) bool {
	c.customMu.Lock()
	defer c.customMu.Unlock()

	if collector, exists := c.customMetrics[name]; exists {
		c.registry.Unregister(collector)
		delete(c.customMetrics, name)
		c.logger.Info("Unregistered custom metric", zap.String("name", name))
		return true
	}
	return false
}

// RecordIngested counts a record accepted into the buffer
func (c *Collector) RecordIngested(source string) {
	if c == nil {
		return
	}
	c.RecordsIngested.WithLabelValues(source).Inc()
}

// RecordParseError counts a line rejected by the extractor
func (c *Collector) RecordParseError(source string) {
	if c == nil {
		return
	}
	c.ParseErrors.WithLabelValues(source).Inc()
}

// RecordLateDrop counts a record dropped for arriving after its window fired
func (c *Collector) RecordLateDrop(source string) {
	if c == nil {
		return
	}
	c.LateRecordsDropped.WithLabelValues(source).Inc()
}

// SetBufferUtilization records ingest channel fill ratio
func (c *Collector) SetBufferUtilization(used, capacity int) {
	if c == nil || capacity == 0 {
		return
	}
	c.BufferUtilization.Set(float64(used) / float64(capacity))
}

// SetActiveStates records the number of buffered (window, key) states
func (c *Collector) SetActiveStates(n int) {
	if c == nil {
		return
	}
	c.ActiveWindowStates.Set(float64(n))
}

// RecordFire records a fired pane, its side sizes and how long after the
// window end it was emitted
func (c *Collector) RecordFire(windowEnd time.Time, sideA, sideB int) {
	if c == nil {
		return
	}
	c.WindowsFired.Inc()
	c.PaneRecords.WithLabelValues("A").Observe(float64(sideA))
	c.PaneRecords.WithLabelValues("B").Observe(float64(sideB))
	if lag := time.Since(windowEnd); lag > 0 {
		c.FireLatency.Observe(lag.Seconds())
	}
}

// RecordAmbiguous counts a pane dropped for ambiguity
func (c *Collector) RecordAmbiguous() {
	if c == nil {
		return
	}
	c.AmbiguousWindows.Inc()
}

// RecordEvaluation records a trigger evaluation duration
func (c *Collector) RecordEvaluation(d time.Duration) {
	if c == nil {
		return
	}
	c.EvaluationDuration.Observe(d.Seconds())
}

// RecordOutput counts an output written to a sink
func (c *Collector) RecordOutput(sink string) {
	if c == nil {
		return
	}
	c.OutputsEmitted.WithLabelValues(sink).Inc()
}

// RecordSinkError counts a failed sink write
func (c *Collector) RecordSinkError(sink, category string) {
	if c == nil {
		return
	}
	c.SinkErrors.WithLabelValues(sink, category).Inc()
}

// SetSourceWatermark records one source's watermark and its lag
func (c *Collector) SetSourceWatermark(source string, wm time.Time) {
	if c == nil || wm.IsZero() {
		return
	}
	c.SourceWatermark.WithLabelValues(source).Set(float64(wm.UnixNano()) / 1e9)
	c.WatermarkLag.WithLabelValues(source).Set(time.Since(wm).Seconds())
}

// SetCombinedWatermark records the combined watermark
func (c *Collector) SetCombinedWatermark(wm time.Time) {
	if c == nil || wm.IsZero() {
		return
	}
	c.CombinedWatermark.Set(float64(wm.UnixNano()) / 1e9)
}

// RecordWatermarkRegression counts a clamped watermark regression
func (c *Collector) RecordWatermarkRegression(source string) {
	if c == nil {
		return
	}
	c.WatermarkRegressions.WithLabelValues(source).Inc()
}

// Handler returns an HTTP handler for the /metrics endpoint
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Server creates an HTTP server for metrics exposition
type Server struct {
	collector *Collector
	server    *http.Server
	logger    *zap.Logger
}

// NewServer creates a new metrics HTTP server
func NewServer(addr string, collector *Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		collector: collector,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the server's mux, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("Stopping metrics server")
	return s.server.Close()
}
