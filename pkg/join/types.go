package join

import (
	"fmt"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
)

// DefaultValue substitutes for side A when a pane has no A records
const DefaultValue = "NO_VALUE"

// AmbiguityPolicy decides what happens when side A holds more than one value
type AmbiguityPolicy int

const (
	// DropWindow logs and counts the failure, writes the pane to the DLQ and
	// keeps processing other panes
	DropWindow AmbiguityPolicy = iota
	// FailFast stops the engine with the ambiguity error
	FailFast
)

// String returns the configuration name of the policy
func (p AmbiguityPolicy) String() string {
	switch p {
	case DropWindow:
		return "drop-window"
	case FailFast:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseAmbiguityPolicy parses "drop-window" or "fatal"; empty selects DropWindow
func ParseAmbiguityPolicy(s string) (AmbiguityPolicy, error) {
	switch s {
	case "", "drop-window":
		return DropWindow, nil
	case "fatal":
		return FailFast, nil
	default:
		return DropWindow, fmt.Errorf("unknown ambiguity policy %q (expected drop-window or fatal)", s)
	}
}

// JoinConfig configures the windowed co-group join
type JoinConfig struct {
	// WindowSize is the length of the fixed event-time windows
	WindowSize time.Duration

	// AllowedLateness must be zero: a pane fires once and later records are dropped
	AllowedLateness time.Duration

	// AmbiguityPolicy handles panes whose side A holds more than one value
	AmbiguityPolicy AmbiguityPolicy

	// DefaultValue replaces the side A value when side A is empty
	DefaultValue string

	// Shards is the number of independently locked partitions of the buffer
	Shards int
}

// DefaultJoinConfig returns a default join configuration
func DefaultJoinConfig() *JoinConfig {
	return &JoinConfig{
		WindowSize:      10 * time.Second,
		AmbiguityPolicy: DropWindow,
		DefaultValue:    DefaultValue,
		Shards:          16,
	}
}

// WithWindowSize sets the window size
func (c *JoinConfig) WithWindowSize(size time.Duration) *JoinConfig {
	c.WindowSize = size
	return c
}

// WithAmbiguityPolicy sets the ambiguity policy
func (c *JoinConfig) WithAmbiguityPolicy(policy AmbiguityPolicy) *JoinConfig {
	c.AmbiguityPolicy = policy
	return c
}

// WithDefaultValue sets the side A default value
func (c *JoinConfig) WithDefaultValue(value string) *JoinConfig {
	c.DefaultValue = value
	return c
}

// WithShards sets the shard count
func (c *JoinConfig) WithShards(n int) *JoinConfig {
	c.Shards = n
	return c
}

// Validate checks the configuration
func (c *JoinConfig) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %s", c.WindowSize)
	}
	if c.AllowedLateness != 0 {
		return fmt.Errorf("allowed lateness must be zero, got %s", c.AllowedLateness)
	}
	if c.Shards <= 0 {
		return fmt.Errorf("shards must be positive, got %d", c.Shards)
	}
	return nil
}

// Pane is the immutable content of one fired (window, key) grouping unit
type Pane struct {
	Key    string
	Window stream.Window
	SideA  []*stream.Record
	SideB  []*stream.Record
}

// GetAll returns every record of a side in arrival order
func (p *Pane) GetAll(side stream.SourceID) []*stream.Record {
	switch side {
	case stream.SourceA:
		return p.SideA
	case stream.SourceB:
		return p.SideB
	default:
		return nil
	}
}

// GetOnly returns the single value of a side, defaultValue if the side is
// empty, or an AmbiguousSingleValueError if it holds more than one record
func (p *Pane) GetOnly(side stream.SourceID, defaultValue string) (string, error) {
	records := p.GetAll(side)
	switch len(records) {
	case 0:
		return defaultValue, nil
	case 1:
		return records[0].Value, nil
	default:
		return "", &errors.AmbiguousSingleValueError{
			Key:       p.Key,
			WindowEnd: p.Window.End,
			Count:     len(records),
		}
	}
}

// Values returns the values of a side
func (p *Pane) Values(side stream.SourceID) []string {
	records := p.GetAll(side)
	values := make([]string, len(records))
	for i, r := range records {
		values[i] = r.Value
	}
	return values
}
