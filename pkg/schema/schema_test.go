package schema

import (
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRecord() *stream.OutputRecord {
	return &stream.OutputRecord{
		Key:       "us",
		Text:      "Value A: us east - Value B: NO_VALUE",
		WindowEnd: time.Unix(10, 0).UTC(),
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	f, err = ParseFormat("avro")
	require.NoError(t, err)
	assert.Equal(t, FormatAvro, f)
	assert.Equal(t, "application/vnd.apache.avro+binary", f.ContentType())

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestNewEncoder(t *testing.T) {
	for _, f := range Formats {
		enc, err := NewEncoder(EncoderConfig{Format: f})
		require.NoError(t, err, f)
		assert.Equal(t, f, enc.Format())
	}

	_, err := NewEncoder(EncoderConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestTextEncoder(t *testing.T) {
	data, err := TextEncoder{}.Encode(testRecord())
	require.NoError(t, err)
	assert.Equal(t, "Value A: us east - Value B: NO_VALUE", string(data))
}

func TestAvroEncoder(t *testing.T) {
	t.Run("bare binary", func(t *testing.T) {
		enc, err := NewAvroEncoder(0)
		require.NoError(t, err)

		data, err := enc.Encode(testRecord())
		require.NoError(t, err)

		got, err := enc.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, testRecord(), got)
	})

	t.Run("wire format", func(t *testing.T) {
		enc, err := NewAvroEncoder(42)
		require.NoError(t, err)

		data, err := enc.Encode(testRecord())
		require.NoError(t, err)
		require.Greater(t, len(data), wireHeaderSize)
		assert.Equal(t, magicByte, data[0])
		assert.Equal(t, uint32(42), binary.BigEndian.Uint32(data[1:5]))

		got, err := enc.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, testRecord(), got)

		other, err := NewAvroEncoder(7)
		require.NoError(t, err)
		_, err = other.Decode(data)
		assert.ErrorContains(t, err, "schema ID mismatch")

		_, err = enc.Decode([]byte{0, 1})
		assert.Error(t, err)
	})

	t.Run("negative id", func(t *testing.T) {
		_, err := NewAvroEncoder(-1)
		assert.Error(t, err)
	})
}

func TestJSONEncoder(t *testing.T) {
	enc, err := NewJSONEncoder(true)
	require.NoError(t, err)

	data, err := enc.Encode(testRecord())
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"us","output":"Value A: us east - Value B: NO_VALUE","window_end":"1970-01-01T00:00:10Z"}`, string(data))

	got, err := enc.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, testRecord(), got)

	assert.Error(t, enc.Validate([]byte(`{"key": 1, "output": "x", "window_end": "1970-01-01T00:00:10Z"}`)))
	assert.Error(t, enc.Validate([]byte(`{"key": "us", "output": "x"}`)))
	assert.Error(t, enc.Validate([]byte(`{"key": "us", "output": "x", "window_end": "yesterday"}`)))
	assert.Error(t, enc.Validate([]byte(`{not json`)))

	plain, err := NewJSONEncoder(false)
	require.NoError(t, err)
	assert.NoError(t, plain.Validate([]byte(`{"key": 1}`)))
}

func TestProtobufEncoder(t *testing.T) {
	enc := ProtobufEncoder{}

	data, err := enc.Encode(testRecord())
	require.NoError(t, err)

	again, err := enc.Encode(testRecord())
	require.NoError(t, err)
	assert.Equal(t, data, again)

	got, err := enc.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, testRecord(), got)
}

func registryServer(t *testing.T, id int) (*httptest.Server, *atomic.Int32) {
	var posts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.schemaregistry.v1+json")
		if r.Method == http.MethodPost {
			posts.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]int{"id": id})
			return
		}
		subject := strings.TrimPrefix(r.URL.Path, "/subjects/")
		subject = strings.SplitN(subject, "/", 2)[0]
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"subject":    subject,
			"version":    1,
			"id":         id,
			"schema":     JoinResultAvroSchema,
			"schemaType": "AVRO",
		})
	}))
	t.Cleanup(server.Close)
	return server, &posts
}

func TestRegistry(t *testing.T) {
	server, posts := registryServer(t, 42)

	reg, err := NewRegistry(RegistryConfig{URL: server.URL, Timeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	id, err := reg.Register(SubjectFor("joined"), FormatAvro)
	require.NoError(t, err)
	assert.Equal(t, 42, id)
	assert.GreaterOrEqual(t, posts.Load(), int32(1))

	_, err = reg.Register(SubjectFor("joined"), FormatText)
	assert.Error(t, err)

	_, err = NewRegistry(RegistryConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "joined-value", SubjectFor("joined"))
}
