package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// RegisterRuntimeCollectors adds the standard Go runtime and process
// collectors to the registry
func (c *Collector) RegisterRuntimeCollectors() error {
	if err := c.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	return c.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: "joinevents",
	}))
}

// SystemCollector reports engine uptime
type SystemCollector struct {
	uptimeSeconds    prometheus.Gauge
	startTimeSeconds prometheus.Gauge

	logger    *zap.Logger
	startTime time.Time
	stopCh    chan struct{}
}

// NewSystemCollector creates a new system metrics collector
func NewSystemCollector(registry *prometheus.Registry, logger *zap.Logger) *SystemCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	startTime := time.Now()

	sc := &SystemCollector{
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "joinevents_uptime_seconds",
			Help: "Time in seconds since the engine started",
		}),
		startTimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "joinevents_start_time_seconds",
			Help: "Start time of the engine since unix epoch in seconds",
		}),
		logger:    logger,
		startTime: startTime,
		stopCh:    make(chan struct{}),
	}

	registry.MustRegister(sc.uptimeSeconds)
	registry.MustRegister(sc.startTimeSeconds)

	sc.startTimeSeconds.Set(float64(startTime.Unix()))

	return sc
}

// Start begins collecting system metrics
func (sc *SystemCollector) Start(interval time.Duration) {
	sc.logger.Debug("Starting system metrics collection", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sc.collect()
			case <-sc.stopCh:
				return
			}
		}
	}()
}

// Stop stops collecting system metrics
func (sc *SystemCollector) Stop() {
	close(sc.stopCh)
}

func (sc *SystemCollector) collect() {
	sc.uptimeSeconds.Set(time.Since(sc.startTime).Seconds())
}
