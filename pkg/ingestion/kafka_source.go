package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"go.uber.org/zap"
)

// kafkaConsumer is the part of *kafka.Consumer the source uses
type kafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

// KafkaSource ingests text lines from a Kafka topic. The message timestamp
// is the event time when the broker provides one.
type KafkaSource struct {
	config    KafkaSourceConfig
	consumer  kafkaConsumer
	logger    *zap.Logger
	now       func() time.Time
	closeOnce sync.Once
}

// KafkaSourceConfig holds Kafka source configuration
type KafkaSourceConfig struct {
	Name            string
	Brokers         []string
	Topic           string
	GroupID         string
	AutoOffsetReset string
	PollTimeout     time.Duration
}

// NewKafkaSource creates a new Kafka source
func NewKafkaSource(config KafkaSourceConfig, logger *zap.Logger) (*KafkaSource, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("no Kafka brokers specified")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("no Kafka topic specified")
	}
	if config.GroupID == "" {
		config.GroupID = "joinevents-" + config.Topic
	}
	if config.AutoOffsetReset == "" {
		config.AutoOffsetReset = "latest"
	}

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(config.Brokers, ","),
		"group.id":           config.GroupID,
		"auto.offset.reset":  config.AutoOffsetReset,
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return newKafkaSource(config, consumer, logger), nil
}

func newKafkaSource(config KafkaSourceConfig, consumer kafkaConsumer, logger *zap.Logger) *KafkaSource {
	if config.PollTimeout <= 0 {
		config.PollTimeout = 100 * time.Millisecond
	}
	if config.Name == "" {
		config.Name = fmt.Sprintf("kafka-%s", config.Topic)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSource{
		config:   config,
		consumer: consumer,
		logger:   logger,
		now:      time.Now,
	}
}

// Start consumes the topic until ctx is done. A Kafka topic is never exhausted.
func (k *KafkaSource) Start(ctx context.Context, output chan<- *stream.Line) error {
	k.logger.Info("Starting Kafka source",
		zap.String("name", k.config.Name),
		zap.Strings("brokers", k.config.Brokers),
		zap.String("topic", k.config.Topic),
		zap.String("group_id", k.config.GroupID))

	if err := k.consumer.SubscribeTopics([]string{k.config.Topic}, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", k.config.Topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("Kafka source stopping", zap.String("name", k.config.Name))
			return nil
		default:
		}

		msg, err := k.consumer.ReadMessage(k.config.PollTimeout)
		if err != nil {
			if kafkaErr, ok := err.(kafka.Error); ok {
				if kafkaErr.Code() == kafka.ErrTimedOut {
					continue
				}
				if kafkaErr.IsFatal() {
					return fmt.Errorf("kafka source %s: %w", k.config.Name, err)
				}
			}
			k.logger.Error("Error reading Kafka message", zap.Error(err))
			continue
		}

		for _, line := range k.messageToLines(msg) {
			select {
			case output <- line:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// messageToLines converts a Kafka message into its text lines
func (k *KafkaSource) messageToLines(msg *kafka.Message) []*stream.Line {
	eventTime := msg.Timestamp
	if msg.TimestampType == kafka.TimestampNotAvailable || eventTime.IsZero() {
		eventTime = k.now()
	}

	texts := splitMessage(msg.Value)
	lines := make([]*stream.Line, len(texts))
	for i, text := range texts {
		lines[i] = &stream.Line{Text: text, EventTime: eventTime}
	}
	return lines
}

// Stop closes the Kafka consumer
func (k *KafkaSource) Stop() error {
	var err error
	k.closeOnce.Do(func() {
		k.logger.Info("Stopping Kafka source", zap.String("name", k.config.Name))
		err = k.consumer.Close()
	})
	return err
}

// Name returns the source name
func (k *KafkaSource) Name() string {
	return k.config.Name
}
