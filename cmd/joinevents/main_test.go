package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/config"
	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/schema"
	"github.com/nagyistge/flink-dataflow/pkg/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSocketAddress(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		host    string
		port    int
		wantErr bool
	}{
		{name: "host and port", addr: "stream-a:9999", host: "stream-a", port: 9999},
		{name: "port only", addr: ":9998", host: "localhost", port: 9998},
		{name: "missing port", addr: "localhost", wantErr: true},
		{name: "non numeric port", addr: "localhost:http", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var source config.SourceConfig
			err := socketAddress(&source, tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, config.SourceTypeSocket, source.Type)
			assert.Equal(t, tt.host, source.Socket.Host)
			assert.Equal(t, tt.port, source.Socket.Port)
		})
	}
}

func TestLoadRunConfig(t *testing.T) {
	t.Setenv("JOIN_WINDOW_SIZE", "30s")
	t.Setenv("JOIN_SOURCE_B_PORT", "7000")

	cfg, err := loadRunConfig("", "debug", runFlags{
		sourceA: "10.0.0.1:8000",
		output:  "/tmp/joined.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Join.WindowSize)
	assert.Equal(t, "10.0.0.1", cfg.Sources.A.Socket.Host)
	assert.Equal(t, 8000, cfg.Sources.A.Socket.Port)
	assert.Equal(t, 7000, cfg.Sources.B.Socket.Port)
	assert.Equal(t, "/tmp/joined.txt", cfg.Sink.File.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// flags win over the environment
	cfg, err = loadRunConfig("", "", runFlags{windowSize: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Join.WindowSize)

	_, err = loadRunConfig("", "", runFlags{windowSize: -time.Second})
	var validationErrs *config.ValidationErrors
	require.ErrorAs(t, err, &validationErrs)
	assert.Contains(t, validationErrs.Fields(), "join.window_size")

	_, err = loadRunConfig("", "", runFlags{sourceB: "nope"})
	assert.ErrorContains(t, err, "--source-b")
}

func TestWindowSizeFlag(t *testing.T) {
	var configFile, logLevel string
	for value, want := range map[string]time.Duration{
		"10":    10 * time.Second,
		"90s":   90 * time.Second,
		"1m30s": 90 * time.Second,
		"250ms": 250 * time.Millisecond,
	} {
		cmd := newRunCommand(&configFile, &logLevel)
		require.NoError(t, cmd.Flags().Parse([]string{"--window-size", value}), value)
		assert.Equal(t, want.String(), cmd.Flags().Lookup("window-size").Value.String(), value)
	}

	cmd := newRunCommand(&configFile, &logLevel)
	assert.Error(t, cmd.Flags().Parse([]string{"--window-size", "ten"}))
	assert.Equal(t, "seconds", cmd.Flags().Lookup("window-size").Value.Type())
}

func TestBuildSource(t *testing.T) {
	logger := zap.NewNop()

	for _, sourceType := range []string{config.SourceTypeSocket, config.SourceTypeWebSocket, config.SourceTypeNATS, config.SourceTypeHTTP} {
		t.Run(sourceType, func(t *testing.T) {
			cfg := config.DefaultConfig().Sources.A
			cfg.Type = sourceType
			cfg.WebSocket.Address = "127.0.0.1:0"
			cfg.HTTP.Address = "127.0.0.1:0"
			cfg.NATS.URL = "nats://127.0.0.1:4222"
			cfg.NATS.Subject = "events.a"

			source, err := buildSource(cfg, logger)
			require.NoError(t, err)
			assert.Equal(t, "FirstStream", source.Name())
		})
	}

	cfg := config.DefaultConfig().Sources.A
	cfg.Type = "carrier-pigeon"
	_, err := buildSource(cfg, logger)
	assert.Error(t, err)
}

func TestBuildSink(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig().Sink
	cfg.File.Path = filepath.Join(t.TempDir(), "out.txt")

	output, err := buildSink(ctx, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	fanout, ok := output.(*sink.Fanout)
	require.True(t, ok)
	assert.Equal(t, "console+file", fanout.Name())
	require.NoError(t, output.Close())

	cfg.Console = false
	cfg.Retry.Enabled = true
	cfg.CircuitBreaker.Enabled = true
	output, err = buildSink(ctx, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	retrying, ok := output.(*sink.RetryingSink)
	require.True(t, ok)
	assert.Equal(t, "file", retrying.Name())
	require.NoError(t, output.Close())

	cfg.File.Enabled = false
	_, err = buildSink(ctx, cfg, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestBuildEncoder(t *testing.T) {
	enc, err := buildEncoder(config.KafkaSinkConfig{Topic: "joined"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, schema.FormatText, enc.Format())

	enc, err = buildEncoder(config.KafkaSinkConfig{Topic: "joined", Format: "json", Validate: true}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, schema.FormatJSON, enc.Format())

	_, err = buildEncoder(config.KafkaSinkConfig{Topic: "joined", Format: "xml"}, zap.NewNop())
	assert.Error(t, err)
}

func TestBuildDLQ(t *testing.T) {
	dlq, err := buildDLQ(config.DLQConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, &errors.NullDLQ{}, dlq)

	dlq, err = buildDLQ(config.DLQConfig{Enabled: true, MaxSize: 10})
	require.NoError(t, err)
	assert.IsType(t, &errors.InMemoryDLQ{}, dlq)

	dlq, err = buildDLQ(config.DLQConfig{Enabled: true, Directory: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &errors.FileDLQ{}, dlq)
	require.NoError(t, dlq.Close())
}

// lineServer accepts one connection, writes lines to it and closes it
func lineServer(t *testing.T, lines ...string) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(strings.Join(lines, "\n") + "\n"))
	}()

	return listener.Addr().(*net.TCPAddr).Port
}

func TestRunJoinsSocketStreams(t *testing.T) {
	portA := lineServer(t, "Alpha one")
	portB := lineServer(t, "alpha two", "beta x")
	path := filepath.Join(t.TempDir(), "outputJoin.txt")

	cfg := config.DefaultConfig()
	cfg.Join.WindowSize = time.Hour
	cfg.Sources.A.Socket.Host = "127.0.0.1"
	cfg.Sources.A.Socket.Port = portA
	cfg.Sources.A.Socket.MaxRetries = 0
	cfg.Sources.B.Socket.Host = "127.0.0.1"
	cfg.Sources.B.Socket.Port = portB
	cfg.Sources.B.Socket.MaxRetries = 0
	cfg.Sink.Console = false
	cfg.Sink.File.Path = path
	cfg.Metrics.Enabled = false
	require.NoError(t, config.Validate(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg, zap.NewNop()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.ElementsMatch(t, []string{
		"alpha -> Value A: alpha one - Value B: alpha two",
		"beta -> Value A: NO_VALUE - Value B: beta x",
	}, lines)
}

func TestValidateConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.SaveConfig(config.DefaultConfig(), path))

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate-config", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "configuration is valid")

	cfg := config.DefaultConfig()
	cfg.Join.AmbiguityPolicy = "guess"
	require.NoError(t, config.SaveConfig(cfg, path))
	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate-config", "--config", path})
	assert.Error(t, cmd.Execute())
}
