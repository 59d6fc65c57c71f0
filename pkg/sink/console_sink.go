// Package sink provides the destinations joined output records are written to.
package sink

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"go.uber.org/zap"
)

// ConsoleSink prints every output record as "key -> text" on its own line
type ConsoleSink struct {
	mu     sync.Mutex
	out    *bufio.Writer
	logger *zap.Logger
}

// NewConsoleSink creates a sink printing to stdout
func NewConsoleSink(logger *zap.Logger) *ConsoleSink {
	return NewWriterSink(os.Stdout, logger)
}

// NewWriterSink creates a console-style sink printing to w
func NewWriterSink(w io.Writer, logger *zap.Logger) *ConsoleSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleSink{
		out:    bufio.NewWriter(w),
		logger: logger,
	}
}

// Write prints one record. Records are flushed per write so output order
// matches fire order even when other writers share the stream.
func (c *ConsoleSink) Write(ctx context.Context, record *stream.OutputRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.out.WriteString(record.String() + "\n"); err != nil {
		return err
	}
	return c.out.Flush()
}

// Flush flushes buffered output
func (c *ConsoleSink) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Flush()
}

// Close flushes buffered output; the underlying writer stays open
func (c *ConsoleSink) Close() error {
	return c.Flush(context.Background())
}

// Name returns the sink name
func (c *ConsoleSink) Name() string {
	return "console"
}
