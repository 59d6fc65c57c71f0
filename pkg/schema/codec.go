package schema

import (
	"fmt"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
)

// Encoder turns an output record into a message value
type Encoder interface {
	Encode(record *stream.OutputRecord) ([]byte, error)
	Format() Format
}

// EncoderConfig selects and parameterizes an Encoder
type EncoderConfig struct {
	Format Format

	// SchemaID is the registry ID written into the Confluent wire header
	// of Avro values; zero emits bare Avro binary
	SchemaID int

	// Validate checks every JSON value against JoinResultJSONSchema
	Validate bool
}

// NewEncoder builds the encoder for config.Format
func NewEncoder(config EncoderConfig) (Encoder, error) {
	switch config.Format {
	case "", FormatText:
		return TextEncoder{}, nil
	case FormatJSON:
		return NewJSONEncoder(config.Validate)
	case FormatAvro:
		return NewAvroEncoder(config.SchemaID)
	case FormatProtobuf:
		return ProtobufEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", config.Format)
	}
}

// TextEncoder emits the rendered join text
type TextEncoder struct{}

func (TextEncoder) Encode(record *stream.OutputRecord) ([]byte, error) {
	return []byte(record.Text), nil
}

func (TextEncoder) Format() Format { return FormatText }
