package join

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/metrics"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/nagyistge/flink-dataflow/pkg/window"
	"go.uber.org/zap"
)

// WindowState tracks the buffered records of one (window, key).
// It is created on the first record, fires at most once and is then discarded.
type WindowState struct {
	mu     sync.Mutex
	window stream.Window
	key    string
	sideA  []*stream.Record
	sideB  []*stream.Record
	fired  bool
}

func newWindowState(w stream.Window, key string) *WindowState {
	return &WindowState{window: w, key: key}
}

// add appends a record to its side; false means the state already fired.
// Caller must hold s.mu.
func (s *WindowState) add(record *stream.Record) bool {
	if s.fired {
		return false
	}
	if record.Source == stream.SourceA {
		s.sideA = append(s.sideA, record)
	} else {
		s.sideB = append(s.sideB, record)
	}
	return true
}

// fire marks the state fired and hands its content over as a pane
func (s *WindowState) fire() *Pane {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fired {
		return nil
	}
	s.fired = true
	pane := &Pane{
		Key:    s.key,
		Window: s.window,
		SideA:  s.sideA,
		SideB:  s.sideB,
	}
	s.sideA = nil
	s.sideB = nil
	return pane
}

type shard struct {
	mu     sync.Mutex
	states map[window.PaneKey]*WindowState
}

// BufferOptions configures a CoGroupBuffer
type BufferOptions struct {
	Shards      int
	SideOutputs *errors.SideOutputCollector
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// CoGroupBuffer buffers records by (window, key) until the trigger engine
// fires them. States live in hash shards keyed by record key; each state has
// its own lock, so appends to one (window, key) are linearizable without a
// global lock.
type CoGroupBuffer struct {
	assigner window.Assigner
	shards   []*shard
	index    *window.EndTimeIndex

	// firedThrough is the UnixNano watermark up to which windows have fired;
	// records for windows ending at or before it are late
	firedThrough atomic.Int64

	active      atomic.Int64
	ingested    atomic.Int64
	lateDropped atomic.Int64

	sideOutputs *errors.SideOutputCollector
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// NewCoGroupBuffer creates an empty buffer
func NewCoGroupBuffer(assigner window.Assigner, opts BufferOptions) *CoGroupBuffer {
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	b := &CoGroupBuffer{
		assigner:    assigner,
		shards:      make([]*shard, opts.Shards),
		index:       window.NewEndTimeIndex(),
		sideOutputs: opts.SideOutputs,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
	for i := range b.shards {
		b.shards[i] = &shard{states: make(map[window.PaneKey]*WindowState)}
	}
	b.firedThrough.Store(minFiredThrough)
	return b
}

// minFiredThrough marks that nothing has fired yet
const minFiredThrough = -1 << 63

func (b *CoGroupBuffer) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

// Ingest adds a record to the state of its (window, key). Records whose window
// has already fired are dropped, counted, reported to the late side output and
// signalled with errors.ErrLateData.
func (b *CoGroupBuffer) Ingest(ctx context.Context, record *stream.Record) error {
	w := b.assigner.Assign(record.Timestamp)
	pk := window.PaneKey{End: w.End.UnixNano(), Key: record.Key}
	sh := b.shardFor(record.Key)

	sh.mu.Lock()
	if pk.End <= b.firedThrough.Load() {
		sh.mu.Unlock()
		return b.late(ctx, record, w)
	}

	state, exists := sh.states[pk]
	if !exists {
		state = newWindowState(w, record.Key)
		sh.states[pk] = state
		b.index.Insert(pk)
		b.metrics.SetActiveStates(int(b.active.Add(1)))
	}

	// lock order: shard, then state
	state.mu.Lock()
	sh.mu.Unlock()
	ok := state.add(record)
	state.mu.Unlock()

	if !ok {
		return b.late(ctx, record, w)
	}

	b.ingested.Add(1)
	b.metrics.RecordIngested(record.Source.String())
	return nil
}

func (b *CoGroupBuffer) late(ctx context.Context, record *stream.Record, w stream.Window) error {
	b.lateDropped.Add(1)
	b.metrics.RecordLateDrop(record.Source.String())

	b.logger.Debug("Dropping late record",
		zap.String("source", record.Source.String()),
		zap.String("key", record.Key),
		zap.Time("event_time", record.Timestamp),
		zap.Time("window_end", w.End))

	if b.sideOutputs != nil {
		b.sideOutputs.Emit(ctx, &errors.SideOutputEvent{
			Tag:       errors.LateRecordSideOutput,
			Source:    record.Source.String(),
			Key:       record.Key,
			Value:     record.Value,
			EventTime: record.Timestamp,
			WindowEnd: w.End,
			Err:       errors.ErrLateData,
		})
		b.metrics.Errors().RecordSideOutput(string(errors.LateRecordSideOutput), b.sideOutputs.Dropped())
	}
	return errors.ErrLateData
}

// Expire removes every state whose window ends at or before the watermark and
// asks the trigger whether it fires. Fired states are returned as panes in
// window end order; a Continue result puts the state back.
func (b *CoGroupBuffer) Expire(watermark time.Time, trigger window.Trigger) []*Pane {
	if watermark.IsZero() {
		return nil
	}
	limit := watermark.UnixNano()

	b.advanceFiredThrough(limit)

	var panes []*Pane
	for _, pk := range b.index.RemoveUpTo(watermark) {
		sh := b.shardFor(pk.Key)

		sh.mu.Lock()
		state, ok := sh.states[pk]
		if !ok {
			sh.mu.Unlock()
			continue
		}

		if !trigger.OnEventTime(watermark, state.window).Fires() {
			b.index.Insert(pk)
			sh.mu.Unlock()
			continue
		}
		delete(sh.states, pk)
		sh.mu.Unlock()

		b.metrics.SetActiveStates(int(b.active.Add(-1)))

		if pane := state.fire(); pane != nil {
			panes = append(panes, pane)
		}
	}
	return panes
}

// advanceFiredThrough publishes the fired-through mark while holding every
// shard lock. Ingest checks the mark and indexes a new state under its shard
// lock, so each state is either indexed before the mark moves, and then seen
// by RemoveUpTo, or its record observes the new mark and is late.
func (b *CoGroupBuffer) advanceFiredThrough(limit int64) {
	if limit <= b.firedThrough.Load() {
		return
	}
	for _, sh := range b.shards {
		sh.mu.Lock()
	}
	if limit > b.firedThrough.Load() {
		b.firedThrough.Store(limit)
	}
	for i := len(b.shards) - 1; i >= 0; i-- {
		b.shards[i].mu.Unlock()
	}
}

// FiredThrough returns the watermark up to which windows have fired
func (b *CoGroupBuffer) FiredThrough() time.Time {
	v := b.firedThrough.Load()
	if v == minFiredThrough {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// ActiveStates returns the number of buffered (window, key) states
func (b *CoGroupBuffer) ActiveStates() int {
	return int(b.active.Load())
}

// Stats returns buffer counters
func (b *CoGroupBuffer) Stats() BufferStats {
	return BufferStats{
		ActiveStates:    int(b.active.Load()),
		RecordsIngested: b.ingested.Load(),
		LateDropped:     b.lateDropped.Load(),
	}
}

// BufferStats tracks co-group buffer counters
type BufferStats struct {
	ActiveStates    int
	RecordsIngested int64
	LateDropped     int64
}
