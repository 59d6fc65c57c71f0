package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"go.uber.org/zap"
)

// maxPendingBatches bounds how many unflushed batches a failing database may
// accumulate before writes are refused
const maxPendingBatches = 10

// sqlDB is the subset of *sql.DB the sink uses
type sqlDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PingContext(ctx context.Context) error
	Close() error
}

// PostgresSinkConfig holds PostgreSQL / TimescaleDB sink configuration
type PostgresSinkConfig struct {
	ConnectionString string
	Table            string
	BatchSize        int
}

// PostgresSink writes output records to a PostgreSQL table in batches
type PostgresSink struct {
	db        sqlDB
	table     string
	batchSize int
	logger    *zap.Logger

	mu      sync.Mutex
	batch   []*stream.OutputRecord
	written int64
}

// NewPostgresSink connects to PostgreSQL and creates the output table if needed
func NewPostgresSink(ctx context.Context, config PostgresSinkConfig, logger *zap.Logger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	sink, err := newPostgresSink(ctx, config, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

func newPostgresSink(ctx context.Context, config PostgresSinkConfig, db sqlDB, logger *zap.Logger) (*PostgresSink, error) {
	if config.Table == "" {
		config.Table = "join_results"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sink := &PostgresSink{
		db:        db,
		table:     config.Table,
		batchSize: config.BatchSize,
		logger:    logger,
		batch:     make([]*stream.OutputRecord, 0, config.BatchSize),
	}

	if err := sink.createTable(ctx); err != nil {
		return nil, err
	}
	return sink, nil
}

// createTable creates the output table if it doesn't exist
func (p *PostgresSink) createTable(ctx context.Context) error {
	table := pq.QuoteIdentifier(p.table)
	index := pq.QuoteIdentifier("idx_" + p.table + "_key")
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			window_end  TIMESTAMPTZ NOT NULL,
			key         TEXT NOT NULL,
			output      TEXT NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS %s ON %s (key, window_end DESC);
	`, table, index, table)

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	p.logger.Info("PostgreSQL table ready", zap.String("table", p.table))
	return nil
}

// Write adds a record to the batch and flushes once the batch is full. A
// failed flush keeps the batch for the next attempt and is reported as
// recoverable, so the record is not resubmitted.
func (p *PostgresSink) Write(ctx context.Context, record *stream.OutputRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.batch) >= p.batchSize*maxPendingBatches {
		return fmt.Errorf("postgres sink %s: %d records pending, refusing write", p.table, len(p.batch))
	}

	p.batch = append(p.batch, record)
	if len(p.batch) < p.batchSize {
		return nil
	}

	if err := p.flushLocked(ctx); err != nil {
		return errors.NewClassifiedError(err, errors.CategoryRecoverable, "batch kept for next flush")
	}
	return nil
}

// Flush writes every pending record
func (p *PostgresSink) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(ctx)
}

func (p *PostgresSink) flushLocked(ctx context.Context) error {
	for len(p.batch) > 0 {
		n := min(len(p.batch), p.batchSize)
		query, args := p.insertStatement(p.batch[:n])
		if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert %d records into %s: %w", n, p.table, err)
		}

		p.written += int64(n)
		p.batch = p.batch[n:]
		p.logger.Debug("Batch flushed to PostgreSQL",
			zap.Int("count", n),
			zap.String("table", p.table))
	}
	p.batch = make([]*stream.OutputRecord, 0, p.batchSize)
	return nil
}

// insertStatement builds one multi-row INSERT for records
func (p *PostgresSink) insertStatement(records []*stream.OutputRecord) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(pq.QuoteIdentifier(p.table))
	sb.WriteString(" (window_end, key, output) VALUES ")

	args := make([]any, 0, len(records)*3)
	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 3
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", n+1, n+2, n+3)
		args = append(args, r.WindowEnd.UTC(), r.Key, r.Text)
	}
	return sb.String(), args
}

// Close flushes pending records and closes the database connection
func (p *PostgresSink) Close() error {
	p.logger.Info("Closing PostgreSQL sink", zap.String("table", p.table))
	flushErr := p.Flush(context.Background())
	if err := p.db.Close(); err != nil {
		return err
	}
	return flushErr
}

// Name returns the sink name
func (p *PostgresSink) Name() string {
	return "postgres"
}

// Written returns the number of records committed to the table
func (p *PostgresSink) Written() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}
