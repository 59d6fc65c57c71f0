package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/schema"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/nagyistge/flink-dataflow/pkg/tracing"
	"go.uber.org/zap"
)

const (
	// WindowEndHeader carries the end of the window that produced a message
	WindowEndHeader = "window_end"
	// ContentTypeHeader names the value encoding for non-text formats
	ContentTypeHeader = "content-type"
)

// kafkaProducer is the subset of *kafka.Producer the sink uses
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaSinkConfig holds Kafka sink configuration
type KafkaSinkConfig struct {
	Brokers      []string
	Topic        string
	FlushTimeout time.Duration

	// Encoder renders message values; nil sends the plain join text
	Encoder schema.Encoder
}

// KafkaSink produces output records to a Kafka topic, keyed by join key
type KafkaSink struct {
	producer     kafkaProducer
	topic        string
	flushTimeout time.Duration
	encoder      schema.Encoder
	logger       *zap.Logger

	// produced counts accepted messages until delivered+failed catch up
	produced         atomic.Int64
	delivered        atomic.Int64
	failed           atomic.Int64
	deliveryFailures atomic.Int64
	lastFailure      atomic.Pointer[error]

	done      chan struct{}
	closeOnce sync.Once
}

// NewKafkaSink creates a new Kafka sink
func NewKafkaSink(cfg KafkaSinkConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no Kafka brokers specified")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink topic is required")
	}

	config := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Brokers, ","),
		"acks":               "all",
		"retries":            3,
		"enable.idempotence": true,
	}

	producer, err := kafka.NewProducer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return newKafkaSink(cfg, producer, logger), nil
}

func newKafkaSink(cfg KafkaSinkConfig, producer kafkaProducer, logger *zap.Logger) *KafkaSink {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Encoder == nil {
		cfg.Encoder = schema.TextEncoder{}
	}

	k := &KafkaSink{
		producer:     producer,
		topic:        cfg.Topic,
		flushTimeout: cfg.FlushTimeout,
		encoder:      cfg.Encoder,
		logger:       logger,
		done:         make(chan struct{}),
	}

	// Handle delivery reports in background
	go k.deliveryReports()

	return k
}

func (k *KafkaSink) deliveryReports() {
	defer close(k.done)
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if err := ev.TopicPartition.Error; err != nil {
				k.failed.Add(1)
				k.deliveryFailures.Add(1)
				k.lastFailure.Store(&err)
				k.logger.Error("Kafka delivery failed",
					zap.String("topic", k.topic),
					zap.ByteString("key", ev.Key),
					zap.Error(err))
				continue
			}
			k.delivered.Add(1)
		case kafka.Error:
			k.logger.Warn("Kafka producer error", zap.Error(ev))
		}
	}
}

// Write enqueues a record; delivery failures surface on the next Flush
func (k *KafkaSink) Write(ctx context.Context, record *stream.OutputRecord) error {
	value, err := k.encoder.Encode(record)
	if err != nil {
		return errors.NewClassifiedError(err, errors.CategoryFatal, "encode record").
			WithMetadata("format", string(k.encoder.Format()))
	}

	headers := []kafka.Header{{
		Key:   WindowEndHeader,
		Value: []byte(record.WindowEnd.UTC().Format(time.RFC3339Nano)),
	}}
	if format := k.encoder.Format(); format != schema.FormatText {
		headers = append(headers, kafka.Header{Key: ContentTypeHeader, Value: []byte(format.ContentType())})
	}

	carrier := make(map[string]string)
	tracing.InjectTraceContext(ctx, carrier)
	for key, value := range carrier {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.topic,
			Partition: kafka.PartitionAny,
		},
		Key:     []byte(record.Key),
		Value:   value,
		Headers: headers,
	}

	if err := k.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("produce to %s: %w", k.topic, err)
	}
	k.produced.Add(1)
	return nil
}

// Flush waits for queued messages and reports failed deliveries since the last flush
func (k *KafkaSink) Flush(ctx context.Context) error {
	timeout := k.flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	deadline := time.Now().Add(timeout)
	remaining := k.producer.Flush(int(timeout.Milliseconds()))
	if remaining > 0 {
		k.logger.Warn("Messages still in queue", zap.Int("count", remaining))
		return fmt.Errorf("kafka sink %s: %d messages not delivered within %s", k.topic, remaining, timeout)
	}
	if !k.awaitReports(deadline) {
		return fmt.Errorf("kafka sink %s: delivery reports pending after %s", k.topic, timeout)
	}

	if failed := k.deliveryFailures.Swap(0); failed > 0 {
		var cause error
		if last := k.lastFailure.Load(); last != nil {
			cause = *last
		}
		return fmt.Errorf("kafka sink %s: %d deliveries failed: %w", k.topic, failed, cause)
	}
	return nil
}

// awaitReports waits until every produced message has a delivery report
func (k *KafkaSink) awaitReports(deadline time.Time) bool {
	for k.delivered.Load()+k.failed.Load() < k.produced.Load() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

// Close flushes and closes the producer
func (k *KafkaSink) Close() error {
	var err error
	k.closeOnce.Do(func() {
		k.logger.Info("Closing Kafka sink", zap.String("topic", k.topic))
		err = k.Flush(context.Background())
		k.producer.Close()
		<-k.done
	})
	return err
}

// Name returns the sink name
func (k *KafkaSink) Name() string {
	return "kafka"
}

// Delivered returns the number of acknowledged messages
func (k *KafkaSink) Delivered() int64 {
	return k.delivered.Load()
}
