// Package extract turns raw text lines into keyed join records.
package extract

import (
	"strings"
	"time"
	"unicode"

	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
)

// KeyFunc derives a (key, value) pair from a raw line
type KeyFunc func(line string) (key, value string, err error)

// ExtractEventData lowercases the line and keys it by its first
// whitespace-delimited token. The value is the whole lowercased line.
// Blank lines yield a ParseError.
func ExtractEventData(line string) (string, string, error) {
	value := strings.ToLower(line)

	trimmed := strings.TrimLeftFunc(value, unicode.IsSpace)
	if trimmed == "" {
		return "", "", &errors.ParseError{Line: line, Err: errors.ErrEmptyLine}
	}

	key := trimmed
	if i := strings.IndexFunc(trimmed, unicode.IsSpace); i >= 0 {
		key = trimmed[:i]
	}
	return key, value, nil
}

// Extractor applies a KeyFunc to lines from one source
type Extractor struct {
	source stream.SourceID
	fn     KeyFunc
}

// NewExtractor creates an extractor for a source; a nil fn uses ExtractEventData
func NewExtractor(source stream.SourceID, fn KeyFunc) *Extractor {
	if fn == nil {
		fn = ExtractEventData
	}
	return &Extractor{source: source, fn: fn}
}

// Source returns the side this extractor tags records with
func (e *Extractor) Source() stream.SourceID {
	return e.source
}

// Extract converts a line into a record stamped with its event time
func (e *Extractor) Extract(line *stream.Line) (*stream.Record, error) {
	key, value, err := e.fn(line.Text)
	if err != nil {
		return nil, err
	}

	ts := line.EventTime
	if ts.IsZero() {
		ts = time.Now()
	}
	return stream.NewRecord(key, value, ts, e.source), nil
}
