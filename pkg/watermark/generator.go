package watermark

import (
	"context"
	"sync"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"go.uber.org/zap"
)

// GeneratorConfig controls how a source's watermark is derived from event times
type GeneratorConfig struct {
	// MaxOutOfOrderness is subtracted from the largest event time seen
	MaxOutOfOrderness time.Duration
	// IdleTimeout advances the watermark of a silent source to now - IdleTimeout;
	// zero disables idle detection
	IdleTimeout time.Duration
	// Interval is the periodic emission interval used by Start
	Interval time.Duration
}

// Generator produces bounded out-of-orderness watermarks for one source
type Generator struct {
	source  stream.SourceID
	tracker *Tracker
	config  GeneratorConfig

	mu           sync.Mutex
	maxEventTime time.Time
	lastActivity time.Time
	finished     bool

	now    func() time.Time
	logger *zap.Logger
}

// NewGenerator creates a watermark generator that feeds the tracker
func NewGenerator(source stream.SourceID, tracker *Tracker, config GeneratorConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = 200 * time.Millisecond
	}
	tracker.Register(source)
	return &Generator{
		source:       source,
		tracker:      tracker,
		config:       config,
		lastActivity: time.Now(),
		now:          time.Now,
		logger:       logger,
	}
}

// Observe records an event time seen on the source and advances its watermark
// to maxEventTime - MaxOutOfOrderness
func (g *Generator) Observe(eventTime time.Time) {
	g.mu.Lock()
	g.lastActivity = g.now()
	if g.finished || !eventTime.After(g.maxEventTime) {
		g.mu.Unlock()
		return
	}
	g.maxEventTime = eventTime
	candidate := eventTime.Add(-g.config.MaxOutOfOrderness)
	g.mu.Unlock()

	g.tracker.Advance(g.source, candidate)
}

// Emit computes the periodic watermark, applying idle detection, and returns
// the source's resulting watermark
func (g *Generator) Emit() time.Time {
	g.mu.Lock()
	if g.finished {
		g.mu.Unlock()
		return g.tracker.Current(g.source)
	}

	now := g.now()
	var candidate time.Time
	if !g.maxEventTime.IsZero() {
		candidate = g.maxEventTime.Add(-g.config.MaxOutOfOrderness)
	}

	if g.config.IdleTimeout > 0 && now.Sub(g.lastActivity) > g.config.IdleTimeout {
		idle := now.Add(-g.config.IdleTimeout)
		if idle.After(candidate) {
			g.logger.Debug("Source idle, advancing watermark",
				zap.String("source", g.source.String()),
				zap.Duration("idle_time", now.Sub(g.lastActivity)))
			candidate = idle
		}
	}
	g.mu.Unlock()

	if candidate.IsZero() {
		return g.tracker.Current(g.source)
	}
	return g.tracker.Advance(g.source, candidate)
}

// Finish marks the source as exhausted; its watermark jumps to MaxWatermark
// so every remaining window can close
func (g *Generator) Finish() {
	g.mu.Lock()
	g.finished = true
	g.mu.Unlock()

	g.logger.Info("Source finished, releasing watermark", zap.String("source", g.source.String()))
	g.tracker.Advance(g.source, MaxWatermark)
}

// Start begins periodic watermark emission until ctx is done
func (g *Generator) Start(ctx context.Context) {
	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Debug("Watermark generator stopped", zap.String("source", g.source.String()))
			return
		case <-ticker.C:
			g.Emit()
		}
	}
}
