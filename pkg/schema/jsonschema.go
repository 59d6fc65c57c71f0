package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const joinResultSchemaURL = "schema://joinevents/join_result.json"

type jsonRecord struct {
	Key       string `json:"key"`
	Output    string `json:"output"`
	WindowEnd string `json:"window_end"`
}

// JSONEncoder writes records as JSON objects
type JSONEncoder struct {
	schema *jsonschema.Schema
}

// NewJSONEncoder creates a JSON encoder; with validate set every value is
// checked against JoinResultJSONSchema before it leaves the encoder
func NewJSONEncoder(validate bool) (*JSONEncoder, error) {
	if !validate {
		return &JSONEncoder{}, nil
	}
	schema, err := compileJSONSchema(JoinResultJSONSchema)
	if err != nil {
		return nil, err
	}
	return &JSONEncoder{schema: schema}, nil
}

func compileJSONSchema(schemaStr string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	if err := compiler.AddResource(joinResultSchemaURL, strings.NewReader(schemaStr)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile(joinResultSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema: %w", err)
	}
	return schema, nil
}

func (e *JSONEncoder) Format() Format { return FormatJSON }

// Encode serializes a record
func (e *JSONEncoder) Encode(record *stream.OutputRecord) ([]byte, error) {
	data, err := json.Marshal(jsonRecord{
		Key:       record.Key,
		Output:    record.Text,
		WindowEnd: record.WindowEnd.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := e.Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Validate checks data against the output schema; it is a no-op when the
// encoder was built without validation
func (e *JSONEncoder) Validate(data []byte) error {
	if e.schema == nil {
		return nil
	}

	var value interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}

	if err := e.schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// Decode reverses Encode
func (e *JSONEncoder) Decode(data []byte) (*stream.OutputRecord, error) {
	var rec jsonRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	end, err := time.Parse(time.RFC3339Nano, rec.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("invalid window_end: %w", err)
	}
	return &stream.OutputRecord{Key: rec.Key, Text: rec.Output, WindowEnd: end}, nil
}
