package watermark

import (
	"math"
	"sync"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/metrics"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"go.uber.org/zap"
)

// MaxWatermark is the watermark of a source that will never produce more data
var MaxWatermark = time.Unix(0, math.MaxInt64)

// Tracker tracks the event-time watermark of every source and the combined
// (minimum) watermark that drives window firing
type Tracker struct {
	mu          sync.RWMutex
	marks       map[stream.SourceID]time.Time // Per-source watermarks; zero means none yet
	combined    time.Time
	subscribers []chan struct{}
	logger      *zap.Logger
	metrics     *metrics.Collector
}

// NewTracker creates a tracker with the given sources registered
func NewTracker(logger *zap.Logger, collector *metrics.Collector, sources ...stream.SourceID) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		marks:   make(map[stream.SourceID]time.Time),
		logger:  logger,
		metrics: collector,
	}
	for _, s := range sources {
		t.marks[s] = time.Time{}
	}
	return t
}

// Register adds a source; until it advances, the combined watermark is zero
func (t *Tracker) Register(source stream.SourceID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.marks[source]; !ok {
		t.marks[source] = time.Time{}
		t.recomputeLocked()
	}
}

// Advance moves a source's watermark to max(current, candidate) and returns it.
// Attempts to move backwards are clamped, logged and counted.
func (t *Tracker) Advance(source stream.SourceID, candidate time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.marks[source]
	if ok && candidate.Before(current) {
		regression := &errors.WatermarkRegressionError{
			Source:    source.String(),
			Current:   current,
			Candidate: candidate,
		}
		t.logger.Warn("Ignoring watermark regression",
			zap.String("source", source.String()),
			zap.Time("current", current),
			zap.Time("candidate", candidate),
			zap.Error(regression))
		t.metrics.RecordWatermarkRegression(source.String())
		return current
	}
	if ok && candidate.Equal(current) {
		return current
	}

	t.marks[source] = candidate
	t.metrics.SetSourceWatermark(source.String(), candidate)
	t.recomputeLocked()
	return candidate
}

// recomputeLocked updates the combined watermark and notifies subscribers
// when it advanced. Caller must hold the write lock.
func (t *Tracker) recomputeLocked() {
	var min time.Time
	first := true
	for _, wm := range t.marks {
		if wm.IsZero() {
			// a source without a watermark holds everything back
			min = time.Time{}
			break
		}
		if first || wm.Before(min) {
			min = wm
			first = false
		}
	}

	if !min.After(t.combined) {
		return
	}

	t.combined = min
	t.metrics.SetCombinedWatermark(min)
	t.logger.Debug("Combined watermark advanced", zap.Time("watermark", min))

	for _, ch := range t.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// a notification is already pending
		}
	}
}

// Combined returns the minimum watermark across all registered sources as a
// consistent snapshot
func (t *Tracker) Combined() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.combined
}

// Current returns the watermark of a single source
func (t *Tracker) Current(source stream.SourceID) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.marks[source]
}

// Snapshot returns a copy of all per-source watermarks
func (t *Tracker) Snapshot() map[stream.SourceID]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[stream.SourceID]time.Time, len(t.marks))
	for s, wm := range t.marks {
		out[s] = wm
	}
	return out
}

// Subscribe returns a channel that receives a pulse whenever the combined
// watermark advances. Pulses coalesce; readers should call Combined.
func (t *Tracker) Subscribe() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan struct{}, 1)
	t.subscribers = append(t.subscribers, ch)
	return ch
}
