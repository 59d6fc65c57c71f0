package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/config"
	"github.com/nagyistge/flink-dataflow/pkg/engine"
	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/metrics"
	"github.com/nagyistge/flink-dataflow/pkg/tracing"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// runFlags override the loaded configuration
type runFlags struct {
	windowSize time.Duration
	sourceA    string
	sourceB    string
	output     string
}

func newRunCommand(configFile, logLevel *string) *cobra.Command {
	var flags runFlags

	command := &cobra.Command{
		Use:   "run",
		Short: "Run the join until both sources are exhausted or a signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(*configFile, *logLevel, flags)
			if err != nil {
				return err
			}

			logger, err := initLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	command.Flags().Var((*windowSizeValue)(&flags.windowSize), "window-size", "Window size in seconds, or a duration such as 1m30s (overrides join.window_size)")
	command.Flags().StringVar(&flags.sourceA, "source-a", "", "host:port of socket source A (overrides sources.a)")
	command.Flags().StringVar(&flags.sourceB, "source-b", "", "host:port of socket source B (overrides sources.b)")
	command.Flags().StringVar(&flags.output, "output", "", "Output file path (enables the file sink)")

	return command
}

// windowSizeValue parses --window-size as whole seconds, falling back to a
// Go duration string
type windowSizeValue time.Duration

func (w *windowSizeValue) Set(s string) error {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		*w = windowSizeValue(time.Duration(secs) * time.Second)
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("window size %q is neither whole seconds nor a duration", s)
	}
	*w = windowSizeValue(d)
	return nil
}

func (w *windowSizeValue) String() string { return time.Duration(*w).String() }

func (w *windowSizeValue) Type() string { return "seconds" }

// loadRunConfig loads the configuration, applies environment and flag
// overrides and validates the result
func loadRunConfig(configFile, logLevel string, flags runFlags) (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnv(configFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if flags.windowSize != 0 {
		cfg.Join.WindowSize = flags.windowSize
	}
	if flags.sourceA != "" {
		if err := socketAddress(&cfg.Sources.A, flags.sourceA); err != nil {
			return nil, fmt.Errorf("--source-a: %w", err)
		}
	}
	if flags.sourceB != "" {
		if err := socketAddress(&cfg.Sources.B, flags.sourceB); err != nil {
			return nil, fmt.Errorf("--source-b: %w", err)
		}
	}
	if flags.output != "" {
		cfg.Sink.File.Enabled = true
		cfg.Sink.File.Path = flags.output
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run wires every component from cfg and runs the engine until it stops
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	logger = logger.With(
		zap.String("application", cfg.Application.Name),
		zap.String("environment", cfg.Application.Environment))

	logger.Info("Starting joinevents",
		zap.String("version", version),
		zap.Duration("window_size", cfg.Join.WindowSize),
		zap.String("source_a", cfg.Sources.A.Name),
		zap.String("source_b", cfg.Sources.B.Name))

	engineConfig, err := cfg.ToEngineConfig()
	if err != nil {
		return err
	}

	tp, err := tracing.NewProvider(ctx, &tracing.Config{
		Enabled:          cfg.Tracing.Enabled,
		ServiceName:      cfg.Tracing.ServiceName,
		ServiceVersion:   version,
		Environment:      cfg.Application.Environment,
		SamplingRate:     cfg.Tracing.SampleRate,
		ExporterType:     cfg.Tracing.Exporter,
		ExporterEndpoint: cfg.Tracing.Endpoint,
		Insecure:         cfg.Tracing.Insecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, tp.Shutdown(shutdownCtx))
	}()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(logger)
		if cfg.Metrics.RuntimeMetrics {
			if err := collector.RegisterRuntimeCollectors(); err != nil {
				return fmt.Errorf("failed to register runtime collectors: %w", err)
			}
		}
		system := metrics.NewSystemCollector(collector.Registry(), logger)
		system.Start(15 * time.Second)
		defer system.Stop()

		server := metrics.NewServer(cfg.Metrics.Address, collector, logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
	}

	dlq, err := buildDLQ(cfg.DLQ)
	if err != nil {
		return err
	}
	defer dlq.Close()

	sourceA, err := buildSource(cfg.Sources.A, logger)
	if err != nil {
		return fmt.Errorf("source A: %w", err)
	}
	sourceB, err := buildSource(cfg.Sources.B, logger)
	if err != nil {
		return fmt.Errorf("source B: %w", err)
	}

	output, err := buildSink(ctx, cfg.Sink, collector.Errors(), logger)
	if err != nil {
		return err
	}

	joinEngine, err := engine.New(engineConfig, sourceA, sourceB, output, engine.Options{
		Metrics: collector,
		Tracer:  tp.Tracer("github.com/nagyistge/flink-dataflow"),
		DLQ:     dlq,
		Logger:  logger,
		OnLateRecord: func(ctx context.Context, event *errors.SideOutputEvent) error {
			logger.Debug("Late record dropped",
				zap.String("source", event.Source),
				zap.String("key", event.Key),
				zap.Time("event_time", event.EventTime),
				zap.Time("window_end", event.WindowEnd))
			return nil
		},
		OnParseFailure: func(ctx context.Context, event *errors.SideOutputEvent) error {
			logger.Debug("Unparseable line",
				zap.String("source", event.Source),
				zap.String("line", event.Value),
				zap.Error(event.Err))
			return nil
		},
	})
	if err != nil {
		output.Close()
		return err
	}

	if err := joinEngine.Run(ctx); err != nil {
		logger.Error("Join engine failed", zap.Error(err))
		return err
	}

	stats := joinEngine.Stats()
	if count, err := dlq.Count(context.Background()); err == nil && count > 0 {
		logger.Warn("Panes were dropped to the DLQ", zap.Int64("count", count))
	}
	logger.Info("Shut down gracefully",
		zap.Int64("outputs_emitted", stats.Trigger.OutputsEmitted),
		zap.Bool("interrupted", ctx.Err() != nil))
	return nil
}
