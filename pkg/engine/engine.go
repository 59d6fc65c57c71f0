// Package engine wires two line sources, the key extractor, the watermark
// tracker, the co-group buffer and the trigger engine into one running join.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/extract"
	"github.com/nagyistge/flink-dataflow/pkg/join"
	"github.com/nagyistge/flink-dataflow/pkg/metrics"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/nagyistge/flink-dataflow/pkg/watermark"
	"github.com/nagyistge/flink-dataflow/pkg/window"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config holds configuration for the join engine
type Config struct {
	Join              *join.JoinConfig
	BufferSize        int
	MaxConcurrency    int
	WatermarkInterval time.Duration
	TriggerInterval   time.Duration
	IdleTimeout       time.Duration
	MaxOutOfOrderness time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Join:              join.DefaultJoinConfig(),
		BufferSize:        10000,
		MaxConcurrency:    16,
		WatermarkInterval: 200 * time.Millisecond,
		TriggerInterval:   time.Second,
	}
}

// Options carries the engine's optional collaborators
type Options struct {
	Metrics *metrics.Collector
	Tracer  trace.Tracer
	DLQ     errors.DeadLetterQueue
	Logger  *zap.Logger

	// KeyFuncs overrides key extraction per source
	KeyFuncs map[stream.SourceID]extract.KeyFunc

	// OnLateRecord and OnParseFailure receive side output events when set
	OnLateRecord   errors.SideOutputHandler
	OnParseFailure errors.SideOutputHandler
}

// Engine runs the windowed co-group join of source A and source B
type Engine struct {
	config  *Config
	sources map[stream.SourceID]stream.Source
	sink    stream.Sink

	extractors map[stream.SourceID]*extract.Extractor
	generators map[stream.SourceID]*watermark.Generator
	tracker    *watermark.Tracker
	buffer     *join.CoGroupBuffer
	trigger    *join.TriggerEngine

	sideOutputs *errors.SideOutputCollector
	lateCh      <-chan *errors.SideOutputEvent
	parseCh     <-chan *errors.SideOutputEvent
	parseErrors map[stream.SourceID]*atomic.Int64

	workers     *semaphore.Weighted
	sourceOrder []stream.SourceID
	closeOnce   sync.Once

	opts    Options
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New creates an engine joining sourceA with sourceB into sink
func New(config *Config, sourceA, sourceB stream.Source, sink stream.Sink, opts Options) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Join == nil {
		config.Join = join.DefaultJoinConfig()
	}
	if err := config.Join.Validate(); err != nil {
		return nil, fmt.Errorf("invalid join config: %w", err)
	}
	if sourceA == nil || sourceB == nil {
		return nil, fmt.Errorf("both sources are required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 10000
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	assigner, err := window.NewFixedWindow(config.Join.WindowSize)
	if err != nil {
		return nil, err
	}

	order := []stream.SourceID{stream.SourceA, stream.SourceB}
	e := &Engine{
		config: config,
		sources: map[stream.SourceID]stream.Source{
			stream.SourceA: sourceA,
			stream.SourceB: sourceB,
		},
		sink:        sink,
		extractors:  make(map[stream.SourceID]*extract.Extractor),
		generators:  make(map[stream.SourceID]*watermark.Generator),
		sideOutputs: errors.NewSideOutputCollector(),
		opts:        opts,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		parseErrors: make(map[stream.SourceID]*atomic.Int64),
		workers:     semaphore.NewWeighted(int64(config.MaxConcurrency)),
		sourceOrder: order,
	}

	if opts.OnLateRecord != nil {
		e.lateCh = e.sideOutputs.Register(errors.LateRecordSideOutput, config.BufferSize)
	}
	if opts.OnParseFailure != nil {
		e.parseCh = e.sideOutputs.Register(errors.ParseFailureSideOutput, config.BufferSize)
	}

	e.tracker = watermark.NewTracker(opts.Logger, opts.Metrics, order...)
	for _, id := range order {
		e.extractors[id] = extract.NewExtractor(id, opts.KeyFuncs[id])
		e.generators[id] = watermark.NewGenerator(id, e.tracker, watermark.GeneratorConfig{
			MaxOutOfOrderness: config.MaxOutOfOrderness,
			IdleTimeout:       config.IdleTimeout,
			Interval:          config.WatermarkInterval,
		}, opts.Logger)
		e.parseErrors[id] = &atomic.Int64{}
	}

	e.buffer = join.NewCoGroupBuffer(assigner, join.BufferOptions{
		Shards:      config.Join.Shards,
		SideOutputs: e.sideOutputs,
		Metrics:     opts.Metrics,
		Logger:      opts.Logger,
	})
	e.trigger = join.NewTriggerEngine(config.Join, e.buffer, e.tracker, sink, join.TriggerOptions{
		DLQ:     opts.DLQ,
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
		Logger:  opts.Logger,
	})

	return e, nil
}

// Run processes both sources until ctx is done, a fatal error occurs or both
// sources are exhausted. Exhausted sources release their watermark so every
// remaining window fires before Run returns. The sink is flushed and closed.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting join engine",
		zap.String("source_a", e.sources[stream.SourceA].Name()),
		zap.String("source_b", e.sources[stream.SourceB].Name()),
		zap.Duration("window_size", e.config.Join.WindowSize),
		zap.Int("max_concurrency", e.config.MaxConcurrency),
		zap.String("ambiguity_policy", e.config.Join.AmbiguityPolicy.String()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	exhausted := make(chan stream.SourceID, len(e.sourceOrder))

	for _, id := range e.sourceOrder {
		id := id
		lines := make(chan *stream.Line, e.config.BufferSize)
		src := e.sources[id]

		g.Go(func() error {
			defer close(lines)
			if err := src.Start(gctx, lines); err != nil && gctx.Err() == nil {
				return fmt.Errorf("source %s (%s): %w", id, src.Name(), err)
			}
			return nil
		})

		g.Go(func() error {
			if e.pump(gctx, id, lines) {
				exhausted <- id
			}
			return nil
		})

		gen := e.generators[id]
		g.Go(func() error {
			gen.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		return e.trigger.Run(gctx, e.config.TriggerInterval)
	})

	// side output consumers outlive the group so they drain until shutdown
	var consumers sync.WaitGroup
	e.startConsumer(&consumers, e.lateCh, e.opts.OnLateRecord)
	e.startConsumer(&consumers, e.parseCh, e.opts.OnParseFailure)

	// once every source is exhausted, fire what is left and stop
	g.Go(func() error {
		for remaining := len(e.sourceOrder); remaining > 0; remaining-- {
			select {
			case <-gctx.Done():
				return nil
			case id := <-exhausted:
				e.logger.Info("Source exhausted", zap.String("source", id.String()))
			}
		}
		_, err := e.trigger.Evaluate(gctx)
		if err != nil {
			for _, failure := range multierr.Errors(err) {
				if errors.IsAmbiguous(failure) {
					return failure
				}
			}
			e.logger.Error("Final trigger evaluation had failures", zap.Error(err))
		}
		cancel()
		return nil
	})

	err := g.Wait()
	if err != nil && errors.Is(err, context.Canceled) {
		err = nil
	}

	err = multierr.Append(err, e.shutdown())
	consumers.Wait()
	return err
}

// pump extracts records from one source's lines and ingests them through the
// worker pool. It returns true if the source was exhausted rather than stopped.
func (e *Engine) pump(ctx context.Context, id stream.SourceID, lines <-chan *stream.Line) bool {
	extractor := e.extractors[id]
	gen := e.generators[id]

	ingester := newOrderedIngester(ctx, e, gen)
	defer ingester.close()

	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				ingester.close()
				if ctx.Err() != nil {
					return false
				}
				gen.Finish()
				return true
			}
			e.metrics.SetBufferUtilization(len(lines), cap(lines))

			record, err := extractor.Extract(line)
			if err != nil {
				e.parseFailure(ctx, id, line, err)
				continue
			}

			if !ingester.dispatch(ctx, record) {
				return false
			}
		}
	}
}

func (e *Engine) ingest(ctx context.Context, record *stream.Record) {
	if err := e.buffer.Ingest(ctx, record); err != nil && !errors.Is(err, errors.ErrLateData) {
		e.logger.Error("Failed to ingest record",
			zap.String("source", record.Source.String()),
			zap.String("key", record.Key),
			zap.Error(err))
	}
}

func (e *Engine) parseFailure(ctx context.Context, id stream.SourceID, line *stream.Line, err error) {
	e.parseErrors[id].Add(1)
	e.metrics.RecordParseError(id.String())
	e.metrics.Errors().RecordError("extract", errors.ClassifyError(err).String())
	e.logger.Debug("Dropping unparsable line",
		zap.String("source", id.String()),
		zap.String("line", line.Text),
		zap.Error(err))

	e.sideOutputs.Emit(ctx, &errors.SideOutputEvent{
		Tag:       errors.ParseFailureSideOutput,
		Source:    id.String(),
		Value:     line.Text,
		EventTime: line.EventTime,
		Err:       err,
	})
}

func (e *Engine) startConsumer(wg *sync.WaitGroup, ch <-chan *errors.SideOutputEvent, handler errors.SideOutputHandler) {
	if ch == nil || handler == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := errors.Consume(context.Background(), ch, handler); err != nil {
			e.logger.Error("Side output handler failed", zap.Error(err))
		}
	}()
}

// shutdown stops the sources and flushes and closes the sink
func (e *Engine) shutdown() error {
	var errs error
	e.closeOnce.Do(func() {
		for _, id := range e.sourceOrder {
			if err := e.sources[id].Stop(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("stop source %s: %w", id, err))
			}
		}
		e.sideOutputs.Close()

		if err := e.sink.Flush(context.Background()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("flush sink: %w", err))
		}
		if err := e.sink.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close sink: %w", err))
		}

		stats := e.Stats()
		e.logger.Info("Join engine stopped",
			zap.Int64("records_ingested", stats.Buffer.RecordsIngested),
			zap.Int64("late_dropped", stats.Buffer.LateDropped),
			zap.Int64("parse_errors_a", stats.ParseErrors[stream.SourceA]),
			zap.Int64("parse_errors_b", stats.ParseErrors[stream.SourceB]),
			zap.Int64("panes_fired", stats.Trigger.PanesFired),
			zap.Int64("outputs_emitted", stats.Trigger.OutputsEmitted),
			zap.Int64("ambiguous_panes", stats.Trigger.AmbiguousPanes),
			zap.Int("unfired_states", stats.Buffer.ActiveStates))
	})
	return errs
}

// Stats is a point-in-time view of the engine's counters
type Stats struct {
	Buffer      join.BufferStats
	Trigger     join.TriggerStats
	ParseErrors map[stream.SourceID]int64
	Watermarks  []stream.Watermark
	Combined    time.Time
}

// Stats returns the engine's counters
func (e *Engine) Stats() Stats {
	s := Stats{
		Buffer:      e.buffer.Stats(),
		Trigger:     e.trigger.Stats(),
		ParseErrors: make(map[stream.SourceID]int64, len(e.parseErrors)),
		Combined:    e.tracker.Combined(),
	}
	for id, c := range e.parseErrors {
		s.ParseErrors[id] = c.Load()
	}
	for _, id := range e.sourceOrder {
		s.Watermarks = append(s.Watermarks, stream.Watermark{
			Timestamp: e.tracker.Current(id),
			Source:    id,
		})
	}
	return s
}

// Tracker exposes the watermark tracker
func (e *Engine) Tracker() *watermark.Tracker {
	return e.tracker
}
