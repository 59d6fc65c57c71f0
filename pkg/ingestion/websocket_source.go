package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"go.uber.org/zap"
)

// WebSocketSourceConfig holds WebSocket source configuration
type WebSocketSourceConfig struct {
	Name     string
	Address  string
	Path     string
	CertFile string
	KeyFile  string
}

// WebSocketSource accepts WebSocket clients and emits every text line they
// send. A message can carry several newline separated lines.
type WebSocketSource struct {
	config   WebSocketSourceConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	clients  map[*websocket.Conn]struct{}
	handlers sync.WaitGroup
	ready    chan struct{}
}

// NewWebSocketSource creates a new WebSocket source
func NewWebSocketSource(config WebSocketSourceConfig, logger *zap.Logger) (*WebSocketSource, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("websocket source address is required")
	}
	if config.Path == "" {
		config.Path = "/ws"
	}
	if config.Name == "" {
		config.Name = fmt.Sprintf("websocket-%s", config.Path)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebSocketSource{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  logger,
		now:     time.Now,
		clients: make(map[*websocket.Conn]struct{}),
		ready:   make(chan struct{}),
	}, nil
}

// Start serves WebSocket clients until ctx is done. It returns only after
// every client handler has stopped writing to output.
func (w *WebSocketSource) Start(ctx context.Context, output chan<- *stream.Line) error {
	listener, err := net.Listen("tcp", w.config.Address)
	if err != nil {
		return fmt.Errorf("websocket source %s: listen on %s: %w", w.config.Name, w.config.Address, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(w.config.Path, func(rw http.ResponseWriter, r *http.Request) {
		w.handleConnection(ctx, rw, r, output)
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.mu.Lock()
	w.server = server
	w.listener = listener
	w.mu.Unlock()
	close(w.ready)

	w.logger.Info("Starting WebSocket source",
		zap.String("name", w.config.Name),
		zap.String("addr", listener.Addr().String()),
		zap.String("path", w.config.Path))

	serveErr := make(chan error, 1)
	go func() {
		if w.config.CertFile != "" {
			serveErr <- server.ServeTLS(listener, w.config.CertFile, w.config.KeyFile)
			return
		}
		serveErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		w.shutdown()
		<-serveErr
		err = nil
	case err = <-serveErr:
		w.shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	// hijacked connections are not tracked by the server
	w.handlers.Wait()
	if err != nil {
		return fmt.Errorf("websocket source %s: %w", w.config.Name, err)
	}
	return nil
}

// handleConnection reads lines from one client until it disconnects or ctx is done
func (w *WebSocketSource) handleConnection(ctx context.Context, rw http.ResponseWriter, r *http.Request, output chan<- *stream.Line) {
	w.handlers.Add(1)
	defer w.handlers.Done()

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("WebSocket upgrade error", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.clients[conn] = struct{}{}
	w.mu.Unlock()

	w.logger.Info("New WebSocket client connected",
		zap.String("source", w.config.Name),
		zap.String("remote_addr", r.RemoteAddr))

	defer func() {
		w.mu.Lock()
		delete(w.clients, conn)
		w.mu.Unlock()
		conn.Close()
		w.logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				w.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		arrival := w.now()
		for _, text := range splitMessage(message) {
			select {
			case output <- &stream.Line{Text: text, EventTime: arrival}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// splitMessage splits a message into lines, ignoring one trailing newline
func splitMessage(message []byte) []string {
	text := strings.TrimSuffix(string(message), "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

func (w *WebSocketSource) shutdown() {
	w.mu.Lock()
	server := w.server
	for conn := range w.clients {
		conn.Close()
	}
	w.mu.Unlock()

	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		w.logger.Warn("WebSocket server shutdown error", zap.Error(err))
	}
}

// Stop stops the WebSocket server and disconnects every client
func (w *WebSocketSource) Stop() error {
	w.logger.Info("Stopping WebSocket source", zap.String("name", w.config.Name))
	w.shutdown()
	return nil
}

// Addr returns the listening address once Start has bound it
func (w *WebSocketSource) Addr() net.Addr {
	<-w.ready
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.listener.Addr()
}

// Name returns the source name
func (w *WebSocketSource) Name() string {
	return w.config.Name
}
