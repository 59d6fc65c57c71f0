package schema

import (
	"fmt"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtobufEncoder writes records as a google.protobuf.Struct with the same
// fields as the JSON encoding
type ProtobufEncoder struct{}

func (ProtobufEncoder) Format() Format { return FormatProtobuf }

// Encode serializes a record
func (ProtobufEncoder) Encode(record *stream.OutputRecord) ([]byte, error) {
	msg, err := structpb.NewStruct(map[string]interface{}{
		"key":        record.Key,
		"output":     record.Text,
		"window_end": record.WindowEnd.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build protobuf struct: %w", err)
	}

	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	return data, nil
}

// Decode reverses Encode
func (ProtobufEncoder) Decode(data []byte) (*stream.OutputRecord, error) {
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}

	fields := msg.GetFields()
	end, err := time.Parse(time.RFC3339Nano, fields["window_end"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("invalid window_end: %w", err)
	}
	return &stream.OutputRecord{
		Key:       fields["key"].GetStringValue(),
		Text:      fields["output"].GetStringValue(),
		WindowEnd: end,
	}, nil
}
