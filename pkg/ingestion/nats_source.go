package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventTimeHeader carries an RFC3339 event time on NATS messages
const EventTimeHeader = "Event-Time"

// NATSSourceConfig holds NATS source configuration
type NATSSourceConfig struct {
	Name       string
	URL        string
	Subject    string
	Queue      string
	BufferSize int
}

// NATSSource ingests text lines published on a NATS subject. The
// Event-Time header, when present and valid, is the event time; otherwise
// the arrival time is used.
type NATSSource struct {
	config NATSSourceConfig
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	conn *nats.Conn
}

// NewNATSSource creates a NATS source; the connection is made by Start
func NewNATSSource(config NATSSourceConfig, logger *zap.Logger) (*NATSSource, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if config.Subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.Name == "" {
		config.Name = fmt.Sprintf("nats-%s", config.Subject)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{
		config: config,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Start subscribes to the subject and emits lines until ctx is done
func (n *NATSSource) Start(ctx context.Context, output chan<- *stream.Line) error {
	n.logger.Info("Connecting to nats service...",
		zap.String("name", n.config.Name),
		zap.String("url", n.config.URL),
		zap.String("subject", n.config.Subject))

	conn, err := nats.Connect(n.config.URL,
		nats.Name(n.config.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(3*time.Second),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			n.logger.Warn("Nats disconnected", zap.String("name", n.config.Name), zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info("Nats reconnected", zap.String("name", n.config.Name))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats server: %w", err)
	}
	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
	defer conn.Close()

	msgs := make(chan *nats.Msg, n.config.BufferSize)
	var sub *nats.Subscription
	if n.config.Queue != "" {
		sub, err = conn.ChanQueueSubscribe(n.config.Subject, n.config.Queue, msgs)
	} else {
		sub, err = conn.ChanSubscribe(n.config.Subject, msgs)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to nats subject %s: %w", n.config.Subject, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn("Failed to unsubscribe nats subscription", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("Nats source stopping", zap.String("name", n.config.Name))
			return nil
		case msg := <-msgs:
			for _, line := range n.messageToLines(msg) {
				select {
				case output <- line:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// messageToLines converts a NATS message into its text lines
func (n *NATSSource) messageToLines(msg *nats.Msg) []*stream.Line {
	eventTime := n.now()
	if raw := msg.Header.Get(EventTimeHeader); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			eventTime = ts
		} else {
			n.logger.Debug("Ignoring malformed event time header",
				zap.String("value", raw),
				zap.Error(err))
		}
	}

	texts := splitMessage(msg.Data)
	lines := make([]*stream.Line, len(texts))
	for i, text := range texts {
		lines[i] = &stream.Line{Text: text, EventTime: eventTime}
	}
	return lines
}

// Stop closes the NATS connection
func (n *NATSSource) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.logger.Info("Stopping nats source", zap.String("name", n.config.Name))
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}

// Name returns the source name
func (n *NATSSource) Name() string {
	return n.config.Name
}
