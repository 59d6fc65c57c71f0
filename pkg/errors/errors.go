package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrLateData signals that a record arrived for a window that already fired.
// It is a metric signal, not a processing failure.
var ErrLateData = errors.New("late data dropped")

// ErrEmptyLine is the cause carried by a ParseError for blank input
var ErrEmptyLine = errors.New("empty line")

// ParseError reports a raw input line that could not be turned into a record
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error for line %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// AmbiguousSingleValueError is returned when the single-value side of a join
// holds more than one record for a key within a window
type AmbiguousSingleValueError struct {
	Key       string
	WindowEnd time.Time
	Count     int
}

func (e *AmbiguousSingleValueError) Error() string {
	return fmt.Sprintf("expected at most one value for key %q in window ending %s, got %d",
		e.Key, e.WindowEnd.UTC().Format(time.RFC3339Nano), e.Count)
}

// SinkWriteError wraps a failure reported by a sink while emitting a fired window
type SinkWriteError struct {
	Sink string
	Key  string
	Err  error
}

func (e *SinkWriteError) Error() string {
	if e.Sink != "" {
		return fmt.Sprintf("sink %s write failed for key %q: %v", e.Sink, e.Key, e.Err)
	}
	return fmt.Sprintf("sink write failed for key %q: %v", e.Key, e.Err)
}

func (e *SinkWriteError) Unwrap() error {
	return e.Err
}

// WatermarkRegressionError describes an attempt to move a watermark backwards.
// The tracker clamps the value and only logs this; it is never returned.
type WatermarkRegressionError struct {
	Source    string
	Current   time.Time
	Candidate time.Time
}

func (e *WatermarkRegressionError) Error() string {
	return fmt.Sprintf("watermark regression on source %s: %s -> %s",
		e.Source, e.Current.UTC().Format(time.RFC3339Nano), e.Candidate.UTC().Format(time.RFC3339Nano))
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsAmbiguous reports whether err is or wraps an AmbiguousSingleValueError
func IsAmbiguous(err error) bool {
	var amb *AmbiguousSingleValueError
	return errors.As(err, &amb)
}

// AsSinkWrite attributes err to sink and key unless it already carries a
// SinkWriteError
func AsSinkWrite(sink, key string, err error) error {
	if err == nil || IsSinkWrite(err) {
		return err
	}
	return &SinkWriteError{Sink: sink, Key: key, Err: err}
}

// IsSinkWrite reports whether err is or wraps a SinkWriteError
func IsSinkWrite(err error) bool {
	var sw *SinkWriteError
	return errors.As(err, &sw)
}

// IsParse reports whether err is or wraps a ParseError
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
