// Package schema encodes joined output records into the wire formats the
// Kafka sink publishes: plain text, JSON, Avro and protobuf.
package schema

import "fmt"

// Format names an output encoding
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatAvro     Format = "avro"
	FormatProtobuf Format = "protobuf"
)

// Formats lists every supported format
var Formats = []Format{FormatText, FormatJSON, FormatAvro, FormatProtobuf}

// ParseFormat resolves a configured format name; empty means text
func ParseFormat(name string) (Format, error) {
	if name == "" {
		return FormatText, nil
	}
	for _, f := range Formats {
		if string(f) == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q", name)
}

// ContentType returns the MIME type advertised alongside encoded values
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatAvro:
		return "application/vnd.apache.avro+binary"
	case FormatProtobuf:
		return "application/x-protobuf"
	default:
		return "text/plain; charset=utf-8"
	}
}

// JoinResultAvroSchema describes one joined output record.
// window_end is milliseconds since the epoch.
const JoinResultAvroSchema = `{
	"type": "record",
	"name": "JoinResult",
	"namespace": "joinevents",
	"fields": [
		{"name": "key", "type": "string"},
		{"name": "output", "type": "string"},
		{"name": "window_end", "type": {"type": "long", "logicalType": "timestamp-millis"}}
	]
}`

// JoinResultJSONSchema mirrors JoinResultAvroSchema for the JSON encoding
const JoinResultJSONSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"key": {"type": "string"},
		"output": {"type": "string"},
		"window_end": {"type": "string", "format": "date-time"}
	},
	"required": ["key", "output", "window_end"],
	"additionalProperties": false
}`
