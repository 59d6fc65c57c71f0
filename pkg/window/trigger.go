package window

import (
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
)

// TriggerResult indicates what action to take for a window pane
type TriggerResult int

const (
	Continue     TriggerResult = iota // Keep accumulating
	FireAndPurge                      // Emit once and clear state
)

// String returns string representation of the trigger result
func (r TriggerResult) String() string {
	switch r {
	case Continue:
		return "CONTINUE"
	case FireAndPurge:
		return "FIRE_AND_PURGE"
	default:
		return "UNKNOWN"
	}
}

// Fires reports whether the result emits and discards the pane
func (r TriggerResult) Fires() bool {
	return r == FireAndPurge
}

// Trigger decides when a window pane is emitted.
// Richer policies plug in here without touching the buffer or combiner.
type Trigger interface {
	// OnEventTime is called with a consistent combined watermark snapshot
	OnEventTime(watermark time.Time, w stream.Window) TriggerResult
}

// EventTimeTrigger fires once when the watermark passes the end of the window,
// discarding the pane (zero allowed lateness, discarding fired panes)
type EventTimeTrigger struct{}

// NewEventTimeTrigger returns the after-watermark, past-end-of-window trigger
func NewEventTimeTrigger() *EventTimeTrigger {
	return &EventTimeTrigger{}
}

// OnEventTime fires and purges when watermark >= window end
func (e *EventTimeTrigger) OnEventTime(watermark time.Time, w stream.Window) TriggerResult {
	if !watermark.Before(w.End) {
		return FireAndPurge
	}
	return Continue
}
