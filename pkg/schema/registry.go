package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/riferrei/srclient"
	"go.uber.org/zap"
)

// RegistryConfig holds Confluent Schema Registry connection settings
type RegistryConfig struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Registry registers the output schemas so consumers can resolve the IDs
// carried in the wire header
type Registry struct {
	client *srclient.SchemaRegistryClient
	logger *zap.Logger
}

// NewRegistry creates a registry client
func NewRegistry(config RegistryConfig, logger *zap.Logger) (*Registry, error) {
	if config.URL == "" {
		return nil, errors.New("registry URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	client := srclient.CreateSchemaRegistryClient(config.URL)
	if config.Username != "" && config.Password != "" {
		client.SetCredentials(config.Username, config.Password)
	}
	client.SetTimeout(config.Timeout)

	logger.Info("Schema registry client initialized", zap.String("url", config.URL))

	return &Registry{client: client, logger: logger}, nil
}

// SubjectFor returns the TopicNameStrategy value subject for topic
func SubjectFor(topic string) string {
	return topic + "-value"
}

// Register publishes the schema for format under subject and returns its ID.
// Registering an identical schema again yields the existing ID.
func (r *Registry) Register(subject string, format Format) (int, error) {
	var (
		schemaStr  string
		schemaType srclient.SchemaType
	)
	switch format {
	case FormatAvro:
		schemaStr, schemaType = JoinResultAvroSchema, srclient.Avro
	case FormatJSON:
		schemaStr, schemaType = JoinResultJSONSchema, srclient.Json
	default:
		return 0, fmt.Errorf("format %s has no registered schema", format)
	}

	schema, err := r.client.CreateSchema(subject, schemaStr, schemaType)
	if err != nil {
		return 0, fmt.Errorf("failed to register schema for %s: %w", subject, err)
	}

	r.logger.Info("Registered output schema",
		zap.String("subject", subject),
		zap.String("format", string(format)),
		zap.Int("id", schema.ID()),
	)

	return schema.ID(), nil
}
