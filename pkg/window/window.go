package window

import (
	"fmt"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
)

// Assigner maps an event timestamp to the window it belongs to
type Assigner interface {
	Assign(ts time.Time) stream.Window
	Size() time.Duration
}

// FixedWindowAssigner assigns timestamps to fixed (tumbling) windows.
// Windows are aligned to the Unix epoch plus an optional offset, so
// window index = floor((ts - offset) / size).
type FixedWindowAssigner struct {
	size   time.Duration
	offset time.Duration
}

// NewFixedWindow creates a fixed window assigner; size must be positive
func NewFixedWindow(size time.Duration) (*FixedWindowAssigner, error) {
	if size <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %s", size)
	}
	return &FixedWindowAssigner{size: size}, nil
}

// WithOffset shifts window boundaries by offset (taken modulo size)
func (f *FixedWindowAssigner) WithOffset(offset time.Duration) *FixedWindowAssigner {
	f.offset = offset % f.size
	if f.offset < 0 {
		f.offset += f.size
	}
	return f
}

// Size returns the window length
func (f *FixedWindowAssigner) Size() time.Duration {
	return f.size
}

// Assign returns the window [start, start+size) containing ts
func (f *FixedWindowAssigner) Assign(ts time.Time) stream.Window {
	size := int64(f.size)
	shifted := ts.UnixNano() - int64(f.offset)

	// floor division; Go's / truncates toward zero
	idx := shifted / size
	if shifted%size != 0 && shifted < 0 {
		idx--
	}

	start := time.Unix(0, idx*size+int64(f.offset))
	return stream.Window{
		Start: start,
		End:   start.Add(f.size),
	}
}

// Index returns floor((ts - offset) / size)
func (f *FixedWindowAssigner) Index(ts time.Time) int64 {
	w := f.Assign(ts)
	return (w.Start.UnixNano() - int64(f.offset)) / int64(f.size)
}
