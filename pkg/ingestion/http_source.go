package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"go.uber.org/zap"
)

// maxBodySize bounds one POST body
const maxBodySize = 4 << 20

// HTTPSourceConfig holds HTTP source configuration
type HTTPSourceConfig struct {
	Name    string
	Address string
	Path    string
}

// HTTPSource ingests the text lines of HTTP POST bodies. The Event-Time
// header, when valid RFC3339, stamps every line of the request.
type HTTPSource struct {
	config HTTPSourceConfig
	logger *zap.Logger
	now    func() time.Time

	server        atomic.Pointer[http.Server]
	linesIngested atomic.Int64
}

// NewHTTPSource creates a new HTTP source
func NewHTTPSource(config HTTPSourceConfig, logger *zap.Logger) (*HTTPSource, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("http source address is required")
	}
	if config.Path == "" {
		config.Path = "/ingest"
	}
	if config.Name == "" {
		config.Name = fmt.Sprintf("http-%s", config.Path)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSource{
		config: config,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Handler returns the ingestion handler writing to output until ctx is done
func (h *HTTPSource) Handler(ctx context.Context, output chan<- *stream.Line) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.config.Path, func(w http.ResponseWriter, r *http.Request) {
		h.handleRequest(ctx, w, r, output)
	})

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "healthy",
			"lines_ingested": h.linesIngested.Load(),
		})
	})

	return h.loggingMiddleware(mux)
}

// Start serves HTTP requests until ctx is done
func (h *HTTPSource) Start(ctx context.Context, output chan<- *stream.Line) error {
	listener, err := net.Listen("tcp", h.config.Address)
	if err != nil {
		return fmt.Errorf("http source %s: listen on %s: %w", h.config.Name, h.config.Address, err)
	}

	server := &http.Server{
		Handler:           h.Handler(ctx, output),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	h.server.Store(server)

	h.logger.Info("Starting HTTP source",
		zap.String("name", h.config.Name),
		zap.String("addr", listener.Addr().String()),
		zap.String("path", h.config.Path))

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()

	select {
	case <-ctx.Done():
		// Shutdown waits for in-flight handlers, so nothing writes to output afterwards
		h.shutdown()
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http source %s: %w", h.config.Name, err)
	}
}

// handleRequest emits every line of a POST body
func (h *HTTPSource) handleRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, output chan<- *stream.Line) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.logger.Error("Error reading request body", zap.Error(err))
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}

	eventTime := h.now()
	if raw := r.Header.Get(EventTimeHeader); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid %s header: %v", EventTimeHeader, err), http.StatusBadRequest)
			return
		}
		eventTime = ts
	}

	accepted := 0
	for _, text := range splitMessage(body) {
		select {
		case output <- &stream.Line{Text: text, EventTime: eventTime}:
			accepted++
			h.linesIngested.Add(1)
		case <-ctx.Done():
			http.Error(w, "Source is shutting down", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "accepted",
		"lines_ingested": accepted,
	})
}

// loggingMiddleware adds request logging
func (h *HTTPSource) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

func (h *HTTPSource) shutdown() {
	server := h.server.Load()
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		h.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
}

// Stop stops the HTTP server
func (h *HTTPSource) Stop() error {
	h.logger.Info("Stopping HTTP source", zap.String("name", h.config.Name))
	h.shutdown()
	return nil
}

// Name returns the source name
func (h *HTTPSource) Name() string {
	return h.config.Name
}

// LinesIngested returns the total number of lines ingested
func (h *HTTPSource) LinesIngested() int64 {
	return h.linesIngested.Load()
}
