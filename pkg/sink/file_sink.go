package sink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"go.uber.org/zap"
)

// DefaultFilePath is where the file sink appends when no path is configured
const DefaultFilePath = "./outputJoin.txt"

// FileSinkConfig holds file sink configuration
type FileSinkConfig struct {
	Path string
}

// FileSink appends output records as "key -> text" lines to a file
type FileSink struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	file   *os.File
	out    *bufio.Writer
	closed bool
}

// NewFileSink opens (or creates) the output file for appending
func NewFileSink(config FileSinkConfig, logger *zap.Logger) (*FileSink, error) {
	if config.Path == "" {
		config.Path = DefaultFilePath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.OpenFile(config.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file %s: %w", config.Path, err)
	}

	logger.Info("File sink opened", zap.String("path", config.Path))

	return &FileSink{
		path:   config.Path,
		logger: logger,
		file:   file,
		out:    bufio.NewWriter(file),
	}, nil
}

// Write appends one record to the buffered writer
func (f *FileSink) Write(ctx context.Context, record *stream.OutputRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("file sink %s is closed", f.path)
	}
	_, err := f.out.WriteString(record.String() + "\n")
	return err
}

// Flush writes buffered records to the file
func (f *FileSink) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	return f.out.Flush()
}

// Close flushes and closes the file
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	flushErr := f.out.Flush()
	closeErr := f.file.Close()
	f.logger.Info("File sink closed", zap.String("path", f.path))
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Name returns the sink name
func (f *FileSink) Name() string {
	return "file"
}

// Path returns the output file path
func (f *FileSink) Path() string {
	return f.path
}
