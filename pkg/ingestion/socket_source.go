package ingestion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"go.uber.org/zap"
)

// SocketSourceConfig holds socket source configuration
type SocketSourceConfig struct {
	Name       string
	Host       string
	Port       int
	Delimiter  byte
	MaxRetries int // reconnect attempts after the connection ends; -1 retries forever
	RetryDelay time.Duration
}

// SocketSource reads delimited text lines from a TCP server. Each line is
// stamped with its arrival time.
type SocketSource struct {
	config SocketSourceConfig
	dialer net.Dialer
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	conn net.Conn
}

// NewSocketSource creates a socket source
func NewSocketSource(config SocketSourceConfig, logger *zap.Logger) (*SocketSource, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("socket source host is required")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid socket source port %d", config.Port)
	}
	if config.Delimiter == 0 {
		config.Delimiter = '\n'
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.Name == "" {
		config.Name = fmt.Sprintf("socket-%s:%d", config.Host, config.Port)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SocketSource{
		config: config,
		dialer: net.Dialer{Timeout: 5 * time.Second},
		logger: logger,
		now:    time.Now,
	}, nil
}

// Start connects to the server and emits lines until the retries are used
// up or ctx is done. It returns an error only if no connection could ever
// be established.
func (s *SocketSource) Start(ctx context.Context, output chan<- *stream.Line) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.logger.Info("Starting socket source",
		zap.String("name", s.config.Name),
		zap.String("addr", addr),
		zap.Int("max_retries", s.config.MaxRetries))

	var (
		connected bool
		lastErr   error
	)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if s.config.MaxRetries >= 0 && attempt > s.config.MaxRetries {
				break
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.config.RetryDelay):
			}
			s.logger.Info("Reconnecting socket source",
				zap.String("name", s.config.Name),
				zap.Int("attempt", attempt))
		}

		conn, err := s.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lastErr = err
			s.logger.Warn("Socket source connect failed",
				zap.String("name", s.config.Name),
				zap.String("addr", addr),
				zap.Error(err))
			continue
		}
		connected = true

		err = s.readLines(ctx, conn, output)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			lastErr = err
			s.logger.Warn("Socket source connection failed",
				zap.String("name", s.config.Name),
				zap.Error(err))
		} else {
			s.logger.Info("Socket source connection closed by server", zap.String("name", s.config.Name))
		}
	}

	if !connected {
		return fmt.Errorf("socket source %s: could not connect to %s: %w", s.config.Name, addr, lastErr)
	}
	s.logger.Info("Socket source exhausted", zap.String("name", s.config.Name))
	return nil
}

// readLines emits every delimited line of conn; a trailing partial line is
// emitted when the server closes the connection
func (s *SocketSource) readLines(ctx context.Context, conn net.Conn, output chan<- *stream.Line) error {
	s.setConn(conn)
	defer s.setConn(nil)
	defer conn.Close()

	// unblock the read when ctx is done
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reader := bufio.NewReader(conn)
	for {
		text, err := reader.ReadString(s.config.Delimiter)
		if text != "" {
			text = strings.TrimSuffix(text, string(s.config.Delimiter))
			if s.config.Delimiter == '\n' {
				text = strings.TrimSuffix(text, "\r")
			}
			select {
			case output <- &stream.Line{Text: text, EventTime: s.now()}:
			case <-ctx.Done():
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *SocketSource) setConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// Stop closes the current connection, if any
func (s *SocketSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Stopping socket source", zap.String("name", s.config.Name))
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Name returns the source name
func (s *SocketSource) Name() string {
	return s.config.Name
}
