package stream

import (
	"context"
	"fmt"
	"time"
)

// SourceID identifies which side of the join a record came from
type SourceID int

const (
	// SourceA is the first stream; its single value gives context to every output
	SourceA SourceID = iota
	// SourceB is the second stream; it drives the output cardinality
	SourceB
)

// String returns string representation of the source id
func (s SourceID) String() string {
	switch s {
	case SourceA:
		return "A"
	case SourceB:
		return "B"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Line is a raw text line read from a source together with its event time
type Line struct {
	Text      string
	EventTime time.Time
}

// Record is a keyed, timestamped record produced by the key extractor.
// Records are never mutated after creation.
type Record struct {
	Key       string
	Value     string
	Timestamp time.Time
	Source    SourceID
}

// NewRecord creates a record
func NewRecord(key, value string, ts time.Time, source SourceID) *Record {
	return &Record{
		Key:       key,
		Value:     value,
		Timestamp: ts,
		Source:    source,
	}
}

// OutputRecord is a joined result emitted when a window fires
type OutputRecord struct {
	Key       string
	Text      string
	WindowEnd time.Time
}

// String formats the output the way it is printed and written to file sinks
func (o *OutputRecord) String() string {
	return o.Key + " -> " + o.Text
}

// Window is a half-open event-time interval [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts falls inside the window
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// String returns a compact representation used in logs
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339Nano), w.End.UTC().Format(time.RFC3339Nano))
}

// Watermark represents progress in event time for one source
type Watermark struct {
	Timestamp time.Time // No records with timestamp < this should arrive
	Source    SourceID
}

// Source produces raw lines into the engine.
// Start blocks until the source is exhausted or ctx is done and must not write
// to output after it returns. A nil return after ctx is done is a clean stop.
type Source interface {
	Start(ctx context.Context, output chan<- *Line) error
	Stop() error
	Name() string
}

// Sink consumes joined output records
type Sink interface {
	Write(ctx context.Context, record *OutputRecord) error
	Flush(ctx context.Context) error
	Close() error
}
