package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectorHelpers(t *testing.T) {
	c := NewCollector(zap.NewNop())

	c.RecordIngested("A")
	c.RecordIngested("A")
	c.RecordParseError("B")
	c.RecordLateDrop("B")
	c.SetActiveStates(3)
	c.RecordFire(time.Now().Add(-time.Second), 1, 2)
	c.RecordAmbiguous()
	c.RecordOutput("console")
	c.RecordSinkError("file", "fatal")
	c.RecordWatermarkRegression("A")
	c.SetCombinedWatermark(time.Unix(100, 0))
	c.SetSourceWatermark("A", time.Unix(100, 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.RecordsIngested.WithLabelValues("A")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ParseErrors.WithLabelValues("B")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.LateRecordsDropped.WithLabelValues("B")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.ActiveWindowStates))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.WindowsFired))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.AmbiguousWindows))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.OutputsEmitted.WithLabelValues("console")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SinkErrors.WithLabelValues("file", "fatal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.WatermarkRegressions.WithLabelValues("A")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.CombinedWatermark))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.SourceWatermark.WithLabelValues("A")))

	c.Errors().RecordDLQWrite("memory", "fatal", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(c.ErrorMetrics.DLQSize.WithLabelValues("memory")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordIngested("A")
		c.RecordFire(time.Now(), 0, 0)
		c.SetCombinedWatermark(time.Now())
		c.Errors().RecordRetry("file", "retriable", 0.1)
	})
}

func TestCustomMetric(t *testing.T) {
	c := NewCollector(nil)
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "custom_total", Help: "custom"})

	require.NoError(t, c.RegisterCustomMetric("custom", counter))
	assert.Error(t, c.RegisterCustomMetric("custom", counter))
	assert.True(t, c.UnregisterCustomMetric("custom"))
	assert.False(t, c.UnregisterCustomMetric("custom"))
}

func TestServerEndpoints(t *testing.T) {
	c := NewCollector(nil)
	require.NoError(t, c.RegisterRuntimeCollectors())
	c.RecordIngested("A")

	srv := NewServer(":0", c, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "joinevents_records_ingested_total"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
