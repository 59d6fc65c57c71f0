package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{name: "nil error", err: nil, expected: CategoryFatal},
		{name: "context canceled", err: context.Canceled, expected: CategoryFatal},
		{name: "context deadline exceeded", err: context.DeadlineExceeded, expected: CategoryRetriable},
		{name: "EOF", err: io.EOF, expected: CategoryRetriable},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: CategoryRetriable},
		{name: "EAGAIN", err: syscall.EAGAIN, expected: CategoryTransient},
		{name: "permission denied", err: syscall.EACCES, expected: CategoryFatal},
		{name: "generic timeout", err: errors.New("operation timeout"), expected: CategoryRetriable},
		{name: "generic parse failure", err: errors.New("parse error: invalid syntax"), expected: CategoryFatal},
		{name: "late data", err: fmt.Errorf("ingest: %w", ErrLateData), expected: CategoryRecoverable},
		{name: "parse error", err: &ParseError{Line: "", Err: ErrEmptyLine}, expected: CategoryRecoverable},
		{
			name:     "ambiguous single value",
			err:      &AmbiguousSingleValueError{Key: "us", WindowEnd: time.Unix(10, 0), Count: 2},
			expected: CategoryFatal,
		},
		{
			name:     "open circuit",
			err:      fmt.Errorf("write: %w", &ErrCircuitOpen{CircuitName: "kafka"}),
			expected: CategoryFatal,
		},
		{
			name:     "sink write wrapping a broken pipe",
			err:      &SinkWriteError{Sink: "file", Key: "us", Err: syscall.EPIPE},
			expected: CategoryRetriable,
		},
		{
			name:     "sink write wrapping disk full",
			err:      &SinkWriteError{Sink: "file", Key: "us", Err: syscall.ENOSPC},
			expected: CategoryFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyError(tt.err))
		})
	}
}

func TestClassifiedError(t *testing.T) {
	originalErr := errors.New("test error")
	classified := NewClassifiedError(originalErr, CategoryTransient, "operation failed")

	assert.Equal(t, "operation failed: test error", classified.Error())
	assert.ErrorIs(t, classified, originalErr)

	classified.WithMetadata("key", "value")
	assert.Equal(t, "value", classified.Metadata["key"])
	assert.Equal(t, CategoryTransient, ClassifyError(classified))
	assert.True(t, IsTransient(classified))
	assert.True(t, IsRetriable(classified))
}

func TestTaxonomyHelpers(t *testing.T) {
	amb := &AmbiguousSingleValueError{Key: "us", WindowEnd: time.Unix(10, 0).UTC(), Count: 3}
	wrapped := fmt.Errorf("fire window: %w", amb)
	assert.True(t, IsAmbiguous(wrapped))
	assert.True(t, IsFatal(wrapped))
	assert.Contains(t, amb.Error(), `"us"`)
	assert.Contains(t, amb.Error(), "got 3")

	cause := errors.New("disk unplugged")
	sw := &SinkWriteError{Sink: "file", Key: "us", Err: cause}
	assert.True(t, IsSinkWrite(fmt.Errorf("emit: %w", sw)))
	assert.ErrorIs(t, sw, cause)
	assert.Equal(t, `sink file write failed for key "us": disk unplugged`, sw.Error())

	pe := &ParseError{Line: "  ", Err: ErrEmptyLine}
	assert.True(t, IsParse(pe))
	assert.ErrorIs(t, pe, ErrEmptyLine)
	assert.False(t, IsParse(sw))
}

func TestErrorCategoryString(t *testing.T) {
	assert.Equal(t, "retriable", CategoryRetriable.String())
	assert.Equal(t, "fatal", CategoryFatal.String())
	assert.Equal(t, "transient", CategoryTransient.String())
	assert.Equal(t, "recoverable", CategoryRecoverable.String())
	assert.Equal(t, "unknown", ErrorCategory(42).String())
}
