package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"go.uber.org/multierr"
)

// Fanout writes every record to all of its sinks. A failing sink does not
// stop the others; the failures are returned together.
type Fanout struct {
	sinks []stream.Sink
	name  string
}

// NewFanout combines sinks into one
func NewFanout(sinks ...stream.Sink) *Fanout {
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = sinkName(s)
	}
	return &Fanout{
		sinks: sinks,
		name:  strings.Join(names, "+"),
	}
}

// Write writes the record to every sink
func (f *Fanout) Write(ctx context.Context, record *stream.OutputRecord) error {
	var errs error
	for _, s := range f.sinks {
		if err := s.Write(ctx, record); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", sinkName(s), err))
		}
	}
	return errs
}

// Flush flushes every sink
func (f *Fanout) Flush(ctx context.Context) error {
	var errs error
	for _, s := range f.sinks {
		if err := s.Flush(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", sinkName(s), err))
		}
	}
	return errs
}

// Close closes every sink
func (f *Fanout) Close() error {
	var errs error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", sinkName(s), err))
		}
	}
	return errs
}

// Name returns the names of the combined sinks joined with "+"
func (f *Fanout) Name() string {
	return f.name
}

// Sinks returns the combined sinks
func (f *Fanout) Sinks() []stream.Sink {
	return f.sinks
}

func sinkName(s stream.Sink) string {
	if named, ok := s.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", s)
}
