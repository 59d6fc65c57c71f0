package errors

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FailedPane is a window pane whose firing was aborted
type FailedPane struct {
	Key         string    `json:"key"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	SideA       []string  `json:"side_a"`
	SideB       []string  `json:"side_b"`

	FailureReason   string    `json:"failure_reason"`
	FailureCategory string    `json:"failure_category"`
	FailureTime     time.Time `json:"failure_time"`
}

// NewFailedPane builds a dead-letter entry from the pane contents and its error
func NewFailedPane(key string, start, end time.Time, sideA, sideB []string, err error) *FailedPane {
	return &FailedPane{
		Key:             key,
		WindowStart:     start,
		WindowEnd:       end,
		SideA:           sideA,
		SideB:           sideB,
		FailureReason:   err.Error(),
		FailureCategory: ClassifyError(err).String(),
		FailureTime:     time.Now(),
	}
}

// DeadLetterQueue stores panes that were dropped instead of emitted
type DeadLetterQueue interface {
	Write(ctx context.Context, pane *FailedPane) error
	Read(ctx context.Context, limit int) ([]*FailedPane, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// InMemoryDLQ is a bounded FIFO dead-letter queue
type InMemoryDLQ struct {
	mu      sync.RWMutex
	panes   []*FailedPane
	maxSize int
}

// NewInMemoryDLQ creates a new in-memory DLQ; maxSize <= 0 means unbounded
func NewInMemoryDLQ(maxSize int) *InMemoryDLQ {
	return &InMemoryDLQ{
		panes:   make([]*FailedPane, 0),
		maxSize: maxSize,
	}
}

// Write appends a pane, evicting the oldest one when full
func (dlq *InMemoryDLQ) Write(ctx context.Context, pane *FailedPane) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.maxSize > 0 && len(dlq.panes) >= dlq.maxSize {
		dlq.panes = dlq.panes[1:]
	}
	dlq.panes = append(dlq.panes, pane)
	return nil
}

// Read returns up to limit panes, oldest first; limit <= 0 returns all
func (dlq *InMemoryDLQ) Read(ctx context.Context, limit int) ([]*FailedPane, error) {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()

	if limit <= 0 || limit > len(dlq.panes) {
		limit = len(dlq.panes)
	}

	result := make([]*FailedPane, limit)
	copy(result, dlq.panes[:limit])
	return result, nil
}

// Count returns the number of panes in the DLQ
func (dlq *InMemoryDLQ) Count(ctx context.Context) (int64, error) {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()
	return int64(len(dlq.panes)), nil
}

// Close releases the stored panes
func (dlq *InMemoryDLQ) Close() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	dlq.panes = nil
	return nil
}

// FileDLQ appends failed panes as JSON lines to a file in a directory
type FileDLQ struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	count int64
}

// NewFileDLQ opens (or creates) dead-letter.jsonl inside directory
func NewFileDLQ(directory string) (*FileDLQ, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	path := filepath.Join(directory, "dead-letter.jsonl")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open DLQ file: %w", err)
	}

	return &FileDLQ{path: path, file: file}, nil
}

// Write appends one JSON line
func (dlq *FileDLQ) Write(ctx context.Context, pane *FailedPane) error {
	data, err := json.Marshal(pane)
	if err != nil {
		return fmt.Errorf("failed to marshal failed pane: %w", err)
	}

	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if _, err := dlq.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write DLQ entry: %w", err)
	}
	dlq.count++
	return nil
}

// Read decodes up to limit panes from the start of the file
func (dlq *FileDLQ) Read(ctx context.Context, limit int) ([]*FailedPane, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	f, err := os.Open(dlq.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer f.Close()

	var panes []*FailedPane
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if limit > 0 && len(panes) >= limit {
			break
		}
		var pane FailedPane
		if err := json.Unmarshal(scanner.Bytes(), &pane); err != nil {
			return panes, fmt.Errorf("failed to decode DLQ entry: %w", err)
		}
		panes = append(panes, &pane)
	}
	if err := scanner.Err(); err != nil {
		return panes, fmt.Errorf("failed to read DLQ file: %w", err)
	}
	return panes, nil
}

// Count returns the number of panes written by this instance
func (dlq *FileDLQ) Count(ctx context.Context) (int64, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	return dlq.count, nil
}

// Close syncs and closes the file
func (dlq *FileDLQ) Close() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if err := dlq.file.Sync(); err != nil {
		dlq.file.Close()
		return fmt.Errorf("failed to sync DLQ file: %w", err)
	}
	return dlq.file.Close()
}

// NullDLQ discards all panes
type NullDLQ struct{}

// NewNullDLQ creates a new null DLQ
func NewNullDLQ() *NullDLQ {
	return &NullDLQ{}
}

// Write discards the pane
func (dlq *NullDLQ) Write(ctx context.Context, pane *FailedPane) error {
	return nil
}

// Read returns an empty slice
func (dlq *NullDLQ) Read(ctx context.Context, limit int) ([]*FailedPane, error) {
	return []*FailedPane{}, nil
}

// Count returns 0
func (dlq *NullDLQ) Count(ctx context.Context) (int64, error) {
	return 0, nil
}

// Close is a no-op
func (dlq *NullDLQ) Close() error {
	return nil
}
