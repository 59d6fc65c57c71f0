package errors

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SideOutputTag identifies a side output stream
type SideOutputTag string

const (
	// LateRecordSideOutput receives records that arrived after their window fired
	LateRecordSideOutput SideOutputTag = "late-records"
	// ParseFailureSideOutput receives raw lines the key extractor rejected
	ParseFailureSideOutput SideOutputTag = "parse-failures"
)

// SideOutputEvent carries a diverted record and why it was diverted
type SideOutputEvent struct {
	Tag       SideOutputTag
	Source    string
	Key       string
	Value     string
	EventTime time.Time
	WindowEnd time.Time
	Err       error
}

// SideOutputCollector fans diverted records out to registered channels.
// Emission never blocks the join; full channels drop and count.
type SideOutputCollector struct {
	mu      sync.RWMutex
	outputs map[SideOutputTag]chan *SideOutputEvent
	dropped atomic.Int64
}

// NewSideOutputCollector creates a new side output collector
func NewSideOutputCollector() *SideOutputCollector {
	return &SideOutputCollector{
		outputs: make(map[SideOutputTag]chan *SideOutputEvent),
	}
}

// Register creates (or returns) the buffered channel for a tag
func (c *SideOutputCollector) Register(tag SideOutputTag, bufferSize int) <-chan *SideOutputEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.outputs[tag]; ok {
		return ch
	}
	ch := make(chan *SideOutputEvent, bufferSize)
	c.outputs[tag] = ch
	return ch
}

// Emit sends an event to its tag's channel without blocking
func (c *SideOutputCollector) Emit(ctx context.Context, event *SideOutputEvent) {
	if c == nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, ok := c.outputs[event.Tag]
	if !ok {
		return
	}

	select {
	case ch <- event:
	case <-ctx.Done():
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because a channel was full
func (c *SideOutputCollector) Dropped() int64 {
	return c.dropped.Load()
}

// Close closes all channels; Emit after Close is a no-op
func (c *SideOutputCollector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for tag, ch := range c.outputs {
		close(ch)
		delete(c.outputs, tag)
	}
}

// SideOutputHandler processes events from a side output
type SideOutputHandler func(ctx context.Context, event *SideOutputEvent) error

// Consume drains a side output channel until it is closed or ctx is done
func Consume(ctx context.Context, ch <-chan *SideOutputEvent, handler SideOutputHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, event); err != nil {
				return err
			}
		}
	}
}
