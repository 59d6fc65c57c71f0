package join

import (
	"github.com/nagyistge/flink-dataflow/pkg/stream"
)

// Combine joins one (window, key) grouping: side A contributes at most one
// value (defaultValue when empty) and every side B record produces one output.
// More than one side A record is an AmbiguousSingleValueError; an empty side B
// produces nothing.
func Combine(key string, window stream.Window, sideA, sideB []*stream.Record, defaultValue string) ([]*stream.OutputRecord, error) {
	pane := &Pane{Key: key, Window: window, SideA: sideA, SideB: sideB}
	return pane.Combine(defaultValue)
}

// Combine applies the join to the pane
func (p *Pane) Combine(defaultValue string) ([]*stream.OutputRecord, error) {
	lineA, err := p.GetOnly(stream.SourceA, defaultValue)
	if err != nil {
		return nil, err
	}

	outputs := make([]*stream.OutputRecord, 0, len(p.SideB))
	for _, b := range p.SideB {
		outputs = append(outputs, &stream.OutputRecord{
			Key:       p.Key,
			Text:      FormatJoined(lineA, b.Value),
			WindowEnd: p.Window.End,
		})
	}
	return outputs, nil
}

// FormatJoined renders the joined text of one output
func FormatJoined(lineA, valueB string) string {
	return "Value A: " + lineA + " - Value B: " + valueB
}
