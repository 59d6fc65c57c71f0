package join

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/errors"
	"github.com/nagyistge/flink-dataflow/pkg/metrics"
	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/nagyistge/flink-dataflow/pkg/window"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type manualWatermark struct {
	mu     sync.Mutex
	wm     time.Time
	notify chan struct{}
}

func newManualWatermark() *manualWatermark {
	return &manualWatermark{notify: make(chan struct{}, 1)}
}

func (m *manualWatermark) Combined() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wm
}

func (m *manualWatermark) Subscribe() <-chan struct{} {
	return m.notify
}

func (m *manualWatermark) set(t time.Time) {
	m.mu.Lock()
	m.wm = t
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

type memorySink struct {
	mu       sync.Mutex
	records  []*stream.OutputRecord
	failKeys map[string]error
	flushes  int
}

func newMemorySink() *memorySink {
	return &memorySink{failKeys: make(map[string]error)}
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Write(ctx context.Context, record *stream.OutputRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failKeys[record.Key]; ok {
		return err
	}
	m.records = append(m.records, record)
	return nil
}

func (m *memorySink) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.String()
	}
	sort.Strings(out)
	return out
}

type fixture struct {
	buffer  *CoGroupBuffer
	engine  *TriggerEngine
	wm      *manualWatermark
	sink    *memorySink
	dlq     *errors.InMemoryDLQ
	side    *errors.SideOutputCollector
	metrics *metrics.Collector
}

func newFixture(t *testing.T, config *JoinConfig) *fixture {
	t.Helper()
	if config == nil {
		config = DefaultJoinConfig()
	}
	require.NoError(t, config.Validate())

	assigner, err := window.NewFixedWindow(config.WindowSize)
	require.NoError(t, err)

	f := &fixture{
		wm:      newManualWatermark(),
		sink:    newMemorySink(),
		dlq:     errors.NewInMemoryDLQ(0),
		side:    errors.NewSideOutputCollector(),
		metrics: metrics.NewCollector(zap.NewNop()),
	}
	f.buffer = NewCoGroupBuffer(assigner, BufferOptions{
		Shards:      config.Shards,
		SideOutputs: f.side,
		Metrics:     f.metrics,
		Logger:      zap.NewNop(),
	})
	f.engine = NewTriggerEngine(config, f.buffer, f.wm, f.sink, TriggerOptions{
		DLQ:     f.dlq,
		Metrics: f.metrics,
		Logger:  zap.NewNop(),
	})
	return f
}

func (f *fixture) ingest(t *testing.T, source stream.SourceID, line string, at time.Time) error {
	t.Helper()
	key := line
	for i, r := range line {
		if r == ' ' {
			key = line[:i]
			break
		}
	}
	return f.buffer.Ingest(context.Background(), stream.NewRecord(key, line, at, source))
}

func TestCombineAsymmetricCardinality(t *testing.T) {
	f := newFixture(t, nil)
	at := time.Unix(3, 0)

	require.NoError(t, f.ingest(t, stream.SourceA, "us hello", at))
	require.NoError(t, f.ingest(t, stream.SourceB, "us world", at))
	require.NoError(t, f.ingest(t, stream.SourceB, "us foo", at))

	f.wm.set(time.Unix(10, 0))
	fired, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	assert.Equal(t, []string{
		"us -> Value A: us hello - Value B: us foo",
		"us -> Value A: us hello - Value B: us world",
	}, f.sink.lines())
}

func TestCombineDefaultSubstitution(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.ingest(t, stream.SourceB, "fr bonjour", time.Unix(1, 0)))

	f.wm.set(time.Unix(10, 0))
	_, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"fr -> Value A: NO_VALUE - Value B: fr bonjour"}, f.sink.lines())
}

func TestCombineCustomDefault(t *testing.T) {
	f := newFixture(t, DefaultJoinConfig().WithDefaultValue("n/a"))

	require.NoError(t, f.ingest(t, stream.SourceB, "fr bonjour", time.Unix(1, 0)))
	f.wm.set(time.Unix(10, 0))
	_, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"fr -> Value A: n/a - Value B: fr bonjour"}, f.sink.lines())
}

func TestCombineEmptyRightSideSuppressed(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.ingest(t, stream.SourceA, "de hallo", time.Unix(2, 0)))

	f.wm.set(time.Unix(10, 0))
	fired, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Empty(t, f.sink.lines())
	assert.Equal(t, 0, f.buffer.ActiveStates())
}

func TestAmbiguityDropWindow(t *testing.T) {
	f := newFixture(t, nil)
	at := time.Unix(4, 0)

	require.NoError(t, f.ingest(t, stream.SourceA, "us a1", at))
	require.NoError(t, f.ingest(t, stream.SourceA, "us a2", at))
	require.NoError(t, f.ingest(t, stream.SourceB, "us b1", at))
	require.NoError(t, f.ingest(t, stream.SourceB, "fr b1", at))

	f.wm.set(time.Unix(10, 0))
	fired, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// the ambiguous pane produced nothing, the other key still fired
	assert.Equal(t, []string{"fr -> Value A: NO_VALUE - Value B: fr b1"}, f.sink.lines())

	panes, err := f.dlq.Read(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, panes, 1)
	assert.Equal(t, "us", panes[0].Key)
	assert.Equal(t, []string{"us a1", "us a2"}, panes[0].SideA)
	assert.Equal(t, []string{"us b1"}, panes[0].SideB)
	assert.Equal(t, int64(1), f.engine.Stats().AmbiguousPanes)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AmbiguousWindows))
}

func TestAmbiguityFailFast(t *testing.T) {
	f := newFixture(t, DefaultJoinConfig().WithAmbiguityPolicy(FailFast))
	at := time.Unix(4, 0)

	require.NoError(t, f.ingest(t, stream.SourceA, "us a1", at))
	require.NoError(t, f.ingest(t, stream.SourceA, "us a2", at))
	require.NoError(t, f.ingest(t, stream.SourceB, "us b1", at))

	f.wm.set(time.Unix(10, 0))
	_, err := f.engine.Evaluate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsAmbiguous(err))
	assert.Empty(t, f.sink.lines())

	count, err := f.dlq.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAmbiguityFailFastFiresOtherKeys(t *testing.T) {
	f := newFixture(t, DefaultJoinConfig().WithAmbiguityPolicy(FailFast))
	at := time.Unix(4, 0)

	require.NoError(t, f.ingest(t, stream.SourceA, "aa one", at))
	require.NoError(t, f.ingest(t, stream.SourceA, "aa two", at))
	require.NoError(t, f.ingest(t, stream.SourceB, "zz x", at))
	require.NoError(t, f.ingest(t, stream.SourceB, "zz y", time.Unix(14, 0)))

	f.wm.set(time.Unix(10, 0))
	fired, err := f.engine.Evaluate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsAmbiguous(err))
	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"zz -> Value A: NO_VALUE - Value B: zz x"}, f.sink.lines())
	assert.Equal(t, 1, f.sink.flushes)

	// the next window is untouched
	assert.Equal(t, 1, f.buffer.ActiveStates())
	f.wm.set(time.Unix(20, 0))
	fired, err = f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Len(t, f.sink.lines(), 2)
}

func TestRunStopsOnFailFastAmbiguity(t *testing.T) {
	f := newFixture(t, DefaultJoinConfig().WithAmbiguityPolicy(FailFast))
	at := time.Unix(4, 0)
	require.NoError(t, f.ingest(t, stream.SourceA, "us a1", at))
	require.NoError(t, f.ingest(t, stream.SourceA, "us a2", at))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, 10*time.Millisecond) }()
	f.wm.set(time.Unix(10, 0))

	select {
	case err := <-done:
		assert.True(t, errors.IsAmbiguous(err))
	case <-ctx.Done():
		t.Fatal("run did not stop")
	}
}

func TestExactlyOnceFiring(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.ingest(t, stream.SourceA, "us hello", time.Unix(1, 0)))
	require.NoError(t, f.ingest(t, stream.SourceB, "us world", time.Unix(2, 0)))

	// not yet eligible
	f.wm.set(time.Unix(9, 0))
	fired, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Empty(t, f.sink.lines())

	f.wm.set(time.Unix(10, 0))
	fired, err = f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// further evaluations at the same or a later watermark fire nothing
	for _, wm := range []int64{10, 15, 100} {
		f.wm.set(time.Unix(wm, 0))
		fired, err = f.engine.Evaluate(context.Background())
		require.NoError(t, err)
		assert.Zero(t, fired)
	}

	assert.Len(t, f.sink.lines(), 1)
	assert.Equal(t, int64(1), f.engine.Stats().PanesFired)
}

func TestLateDataDropped(t *testing.T) {
	f := newFixture(t, nil)
	late := f.side.Register(errors.LateRecordSideOutput, 4)

	require.NoError(t, f.ingest(t, stream.SourceB, "us world", time.Unix(5, 0)))
	f.wm.set(time.Unix(10, 0))
	_, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)

	// same window, both sides, after the fire
	assert.ErrorIs(t, f.ingest(t, stream.SourceA, "us hello", time.Unix(6, 0)), errors.ErrLateData)
	assert.ErrorIs(t, f.ingest(t, stream.SourceB, "us again", time.Unix(9, 0)), errors.ErrLateData)
	// a key that never had a state in the fired window is late too
	assert.ErrorIs(t, f.ingest(t, stream.SourceB, "fr late", time.Unix(1, 0)), errors.ErrLateData)
	// the next window is still open
	assert.NoError(t, f.ingest(t, stream.SourceB, "us next", time.Unix(10, 0)))

	assert.Equal(t, int64(3), f.buffer.Stats().LateDropped)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LateRecordsDropped.WithLabelValues("A")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.LateRecordsDropped.WithLabelValues("B")))

	event := <-late
	assert.Equal(t, "us hello", event.Value)
	assert.Equal(t, int64(10), event.WindowEnd.Unix())

	// the late records never reach the sink
	f.wm.set(time.Unix(20, 0))
	_, err = f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"us -> Value A: NO_VALUE - Value B: us next",
		"us -> Value A: NO_VALUE - Value B: us world",
	}, f.sink.lines())
}

func TestWindowsFireInEndOrder(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.ingest(t, stream.SourceB, "k third", time.Unix(25, 0)))
	require.NoError(t, f.ingest(t, stream.SourceB, "k first", time.Unix(5, 0)))
	require.NoError(t, f.ingest(t, stream.SourceB, "k second", time.Unix(15, 0)))
	require.NoError(t, f.ingest(t, stream.SourceB, "k open", time.Unix(35, 0)))
	assert.Equal(t, 4, f.buffer.ActiveStates())

	f.wm.set(time.Unix(30, 0))
	fired, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, fired)

	f.sink.mu.Lock()
	var order []int64
	for _, r := range f.sink.records {
		order = append(order, r.WindowEnd.Unix())
	}
	f.sink.mu.Unlock()
	assert.Equal(t, []int64{10, 20, 30}, order)
	assert.Equal(t, 1, f.buffer.ActiveStates())
}

func TestPreEpochWindows(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.ingest(t, stream.SourceA, "old a", time.Unix(-5, 0)))
	require.NoError(t, f.ingest(t, stream.SourceB, "old b", time.Unix(-1, 0)))

	f.wm.set(time.Unix(0, 0))
	fired, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"old -> Value A: old a - Value B: old b"}, f.sink.lines())
}

func TestSinkFailuresAreAggregated(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.failKeys["bad"] = fmt.Errorf("disk full")
	f.sink.failKeys["worse"] = fmt.Errorf("broken pipe")
	at := time.Unix(1, 0)

	require.NoError(t, f.ingest(t, stream.SourceB, "bad x", at))
	require.NoError(t, f.ingest(t, stream.SourceB, "good y", at))
	require.NoError(t, f.ingest(t, stream.SourceB, "worse z", at))

	f.wm.set(time.Unix(10, 0))
	fired, err := f.engine.Evaluate(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, fired)

	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.True(t, errors.IsSinkWrite(e))
	}
	assert.Equal(t, []string{"good -> Value A: NO_VALUE - Value B: good y"}, f.sink.lines())
	assert.Equal(t, 1, f.sink.flushes)
}

func TestConcurrentIngest(t *testing.T) {
	f := newFixture(t, DefaultJoinConfig().WithShards(4))

	const keys = 20
	const perKey = 50
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		key := fmt.Sprintf("k%02d", k)
		require.NoError(t, f.ingest(t, stream.SourceA, key+" a", time.Unix(1, 0)))

		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(key string, w int) {
				defer wg.Done()
				for i := 0; i < perKey; i++ {
					assert.NoError(t, f.ingest(t, stream.SourceB, fmt.Sprintf("%s b%d-%d", key, w, i), time.Unix(2, 0)))
				}
			}(key, w)
		}
	}
	wg.Wait()

	f.wm.set(time.Unix(10, 0))
	fired, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keys, fired)
	assert.Len(t, f.sink.lines(), keys*4*perKey)
}

func TestConcurrentIngestAndFire(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	var accepted, late int64
	var mu sync.Mutex
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				err := f.ingest(t, stream.SourceB, fmt.Sprintf("k%d v%d", g%3, i), time.Unix(5, 0))
				mu.Lock()
				if err == nil {
					accepted++
				} else {
					assert.ErrorIs(t, err, errors.ErrLateData)
					late++
				}
				mu.Unlock()
			}
		}(g)
	}

	f.wm.set(time.Unix(10, 0))
	for i := 0; i < 20; i++ {
		_, err := f.engine.Evaluate(context.Background())
		require.NoError(t, err)
	}
	wg.Wait()
	_, err := f.engine.Evaluate(context.Background())
	require.NoError(t, err)

	// every accepted record is emitted exactly once; the rest were late
	assert.Equal(t, int64(8*200), accepted+late)
	assert.Len(t, f.sink.lines(), int(accepted))
	assert.Equal(t, 0, f.buffer.ActiveStates())
}

func TestExpireLeavesNoEligibleStateIndexed(t *testing.T) {
	f := newFixture(t, DefaultJoinConfig().WithWindowSize(time.Millisecond).WithShards(4))

	const writers = 4
	const perWriter = 2000
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				at := time.Unix(0, int64(i)*int64(time.Millisecond))
				_ = f.ingest(t, stream.SourceB, fmt.Sprintf("k%d v%d", (g+i)%7, i), at)
			}
		}(g)
	}
	go func() {
		wg.Wait()
		close(stop)
	}()

	trigger := window.NewEventTimeTrigger()
	for step := int64(1); ; step++ {
		wm := time.Unix(0, step*int64(time.Millisecond))
		f.buffer.Expire(wm, trigger)
		for _, pk := range f.buffer.index.Items() {
			require.Greater(t, pk.End, wm.UnixNano(), "state for a fired window left in the index")
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}

func TestPaneGetOnlyAndGetAll(t *testing.T) {
	pane := &Pane{
		Key:    "us",
		Window: stream.Window{Start: time.Unix(0, 0), End: time.Unix(10, 0)},
		SideA:  []*stream.Record{stream.NewRecord("us", "us a", time.Unix(1, 0), stream.SourceA)},
	}

	v, err := pane.GetOnly(stream.SourceA, DefaultValue)
	require.NoError(t, err)
	assert.Equal(t, "us a", v)

	v, err = pane.GetOnly(stream.SourceB, DefaultValue)
	require.NoError(t, err)
	assert.Equal(t, DefaultValue, v)
	assert.Empty(t, pane.GetAll(stream.SourceB))

	pane.SideA = append(pane.SideA, stream.NewRecord("us", "us b", time.Unix(2, 0), stream.SourceA))
	_, err = pane.GetOnly(stream.SourceA, DefaultValue)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 2")
}

func TestCombineFunction(t *testing.T) {
	w := stream.Window{Start: time.Unix(0, 0), End: time.Unix(10, 0)}
	b := []*stream.Record{stream.NewRecord("us", "us world", time.Unix(1, 0), stream.SourceB)}

	out, err := Combine("us", w, nil, b, DefaultValue)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "us -> Value A: NO_VALUE - Value B: us world", out[0].String())
	assert.True(t, out[0].WindowEnd.Equal(w.End))

	out, err = Combine("us", w, nil, nil, DefaultValue)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestJoinConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultJoinConfig().Validate())
	assert.Error(t, DefaultJoinConfig().WithWindowSize(0).Validate())
	assert.Error(t, DefaultJoinConfig().WithShards(0).Validate())

	c := DefaultJoinConfig()
	c.AllowedLateness = time.Second
	assert.Error(t, c.Validate())

	p, err := ParseAmbiguityPolicy("fatal")
	require.NoError(t, err)
	assert.Equal(t, FailFast, p)
	p, err = ParseAmbiguityPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropWindow, p)
	_, err = ParseAmbiguityPolicy("ignore")
	assert.Error(t, err)
}
