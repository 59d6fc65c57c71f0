package join

import (
	"context"
	"sync"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/metrics"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/nagyistge/flink-dataflow/pkg/window"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const tracerName = "github.com/nagyistge/flink-dataflow/pkg/join"

// WatermarkSource provides the combined watermark that drives firing
type WatermarkSource interface {
	Combined() time.Time
	Subscribe() <-chan struct{}
}

// TriggerOptions configures a TriggerEngine
type TriggerOptions struct {
	Trigger window.Trigger
	DLQ     errors.DeadLetterQueue
	Metrics *metrics.Collector
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// TriggerEngine fires (window, key) panes once the combined watermark passes
// the end of their window, combines them and writes the outputs to the sink
type TriggerEngine struct {
	config     *JoinConfig
	buffer     *CoGroupBuffer
	watermarks WatermarkSource
	sink       stream.Sink
	sinkName   string

	trigger window.Trigger
	dlq     errors.DeadLetterQueue
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger

	// evaluations are serialized
	mu sync.Mutex

	fired     int64
	outputs   int64
	ambiguous int64
}

// NewTriggerEngine creates a trigger engine
func NewTriggerEngine(
	config *JoinConfig,
	buffer *CoGroupBuffer,
	watermarks WatermarkSource,
	sink stream.Sink,
	opts TriggerOptions,
) *TriggerEngine {
	if config == nil {
		config = DefaultJoinConfig()
	}
	if opts.Trigger == nil {
		opts.Trigger = window.NewEventTimeTrigger()
	}
	if opts.DLQ == nil {
		opts.DLQ = errors.NewNullDLQ()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	sinkName := "sink"
	if named, ok := sink.(interface{ Name() string }); ok {
		sinkName = named.Name()
	}

	return &TriggerEngine{
		config:     config,
		buffer:     buffer,
		watermarks: watermarks,
		sink:       sink,
		sinkName:   sinkName,
		trigger:    opts.Trigger,
		dlq:        opts.DLQ,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
	}
}

// Evaluate fires every pane that is eligible under one snapshot of the
// combined watermark and returns how many panes fired. Sink failures of one
// pane do not stop the others and are returned together. Under the FailFast
// policy an ambiguous pane emits nothing and its error is returned alongside;
// the remaining panes of the evaluation still fire.
func (te *TriggerEngine) Evaluate(ctx context.Context) (int, error) {
	te.mu.Lock()
	defer te.mu.Unlock()

	wm := te.watermarks.Combined()
	if wm.IsZero() {
		return 0, nil
	}

	start := time.Now()
	ctx, span := te.tracer.Start(ctx, "join.evaluate",
		trace.WithAttributes(attribute.String("watermark", wm.UTC().Format(time.RFC3339Nano))))
	defer span.End()

	panes := te.buffer.Expire(wm, te.trigger)
	span.SetAttributes(attribute.Int("panes", len(panes)))

	var errs error
	fired := 0
	for _, pane := range panes {
		err := te.firePane(ctx, pane)
		if err == nil {
			fired++
			continue
		}

		if errors.IsAmbiguous(err) {
			te.ambiguous++
			te.metrics.RecordAmbiguous()
			if te.config.AmbiguityPolicy == FailFast {
				// panes already taken out of the buffer still fire
				te.logger.Error("Ambiguous pane, stopping after this evaluation",
					zap.String("key", pane.Key),
					zap.Time("window_end", pane.Window.End),
					zap.Error(err))
				errs = multierr.Append(errs, err)
				continue
			}
			te.dropPane(ctx, pane, err)
			continue
		}

		// the pane fired; some outputs failed
		fired++
		errs = multierr.Append(errs, err)
	}

	if fired > 0 {
		if err := te.sink.Flush(ctx); err != nil {
			errs = multierr.Append(errs, errors.AsSinkWrite(te.sinkName, "", err))
		}
	}

	te.metrics.RecordEvaluation(time.Since(start))
	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, "evaluation failed")
	}

	if len(panes) > 0 {
		te.logger.Debug("Trigger evaluation complete",
			zap.Time("watermark", wm),
			zap.Int("panes", len(panes)),
			zap.Int("fired", fired),
			zap.Duration("duration", time.Since(start)))
	}
	return fired, errs
}

// firePane combines one pane and writes every output
func (te *TriggerEngine) firePane(ctx context.Context, pane *Pane) error {
	ctx, span := te.tracer.Start(ctx, "join.fire",
		trace.WithAttributes(
			attribute.String("key", pane.Key),
			attribute.Int("side_a", len(pane.SideA)),
			attribute.Int("side_b", len(pane.SideB)),
		))
	defer span.End()

	outputs, err := pane.Combine(te.config.DefaultValue)
	if err != nil {
		span.RecordError(err)
		return err
	}

	te.fired++
	te.metrics.RecordFire(pane.Window.End, len(pane.SideA), len(pane.SideB))

	var errs error
	for _, out := range outputs {
		if err := te.sink.Write(ctx, out); err != nil {
			category := errors.ClassifyError(err)
			te.metrics.RecordSinkError(te.sinkName, category.String())
			te.logger.Warn("Sink write failed",
				zap.String("sink", te.sinkName),
				zap.String("key", out.Key),
				zap.Time("window_end", out.WindowEnd),
				zap.String("category", category.String()),
				zap.Error(err))
			errs = multierr.Append(errs, errors.AsSinkWrite(te.sinkName, out.Key, err))
			continue
		}
		te.outputs++
		te.metrics.RecordOutput(te.sinkName)
	}

	if errs != nil {
		span.RecordError(errs)
	}
	return errs
}

// dropPane logs an ambiguous pane and writes it to the dead-letter queue
func (te *TriggerEngine) dropPane(ctx context.Context, pane *Pane, cause error) {
	te.logger.Error("Dropping ambiguous pane",
		zap.String("key", pane.Key),
		zap.Time("window_start", pane.Window.Start),
		zap.Time("window_end", pane.Window.End),
		zap.Int("side_a", len(pane.SideA)),
		zap.Int("side_b", len(pane.SideB)),
		zap.Error(cause))

	failed := errors.NewFailedPane(pane.Key, pane.Window.Start, pane.Window.End,
		pane.Values(stream.SourceA), pane.Values(stream.SourceB), cause)
	if err := te.dlq.Write(ctx, failed); err != nil {
		te.logger.Error("Failed to write pane to DLQ", zap.String("key", pane.Key), zap.Error(err))
		return
	}

	if count, err := te.dlq.Count(ctx); err == nil {
		te.metrics.Errors().RecordDLQWrite("dlq", failed.FailureCategory, count)
	}
}

// Run evaluates on every combined watermark advance and on each tick of
// interval until ctx is done. Sink errors are logged; an ambiguous pane under
// the FailFast policy stops Run with its error.
func (te *TriggerEngine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	notify := te.watermarks.Subscribe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	te.logger.Info("Trigger engine started",
		zap.Duration("interval", interval),
		zap.String("ambiguity_policy", te.config.AmbiguityPolicy.String()))

	for {
		select {
		case <-ctx.Done():
			te.logger.Info("Trigger engine stopped")
			return nil
		case <-notify:
		case <-ticker.C:
		}

		if _, err := te.Evaluate(ctx); err != nil {
			for _, e := range multierr.Errors(err) {
				if errors.IsAmbiguous(e) {
					return e
				}
			}
			te.logger.Error("Trigger evaluation had failures",
				zap.Int("failures", len(multierr.Errors(err))),
				zap.Error(err))
		}
	}
}

// Stats returns trigger engine counters
func (te *TriggerEngine) Stats() TriggerStats {
	te.mu.Lock()
	defer te.mu.Unlock()

	return TriggerStats{
		PanesFired:     te.fired,
		OutputsEmitted: te.outputs,
		AmbiguousPanes: te.ambiguous,
	}
}

// TriggerStats tracks trigger engine counters
type TriggerStats struct {
	PanesFired     int64
	OutputsEmitted int64
	AmbiguousPanes int64
}
