package window

import (
	"math/rand"
	"testing"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFixedWindowRejectsNonPositiveSize(t *testing.T) {
	_, err := NewFixedWindow(0)
	assert.Error(t, err)

	_, err = NewFixedWindow(-time.Second)
	assert.Error(t, err)

	a, err := NewFixedWindow(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, a.Size())
}

func TestFixedWindowAssign(t *testing.T) {
	a, err := NewFixedWindow(10 * time.Second)
	require.NoError(t, err)

	tests := []struct {
		name      string
		ts        time.Time
		wantStart int64
	}{
		{"epoch", time.Unix(0, 0), 0},
		{"inside first window", time.Unix(3, 0), 0},
		{"last nanosecond of window", time.Unix(9, 999999999), 0},
		{"boundary belongs to next window", time.Unix(10, 0), 10},
		{"later window", time.Unix(1234, 5), 1230},
		{"pre-epoch", time.Unix(-1, 0), -10},
		{"pre-epoch boundary", time.Unix(-10, 0), -10},
		{"pre-epoch just below boundary", time.Unix(-11, 0), -20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.Assign(tt.ts)
			assert.Equal(t, tt.wantStart, w.Start.Unix())
			assert.Equal(t, 10*time.Second, w.End.Sub(w.Start))
			assert.True(t, w.Contains(tt.ts))
		})
	}
}

func TestFixedWindowTiling(t *testing.T) {
	a, err := NewFixedWindow(7 * time.Second)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		ts := time.Unix(0, rng.Int63n(int64(1000*time.Hour))-int64(500*time.Hour))
		w := a.Assign(ts)

		// deterministic
		assert.Equal(t, w, a.Assign(ts))
		// contained, half-open
		assert.False(t, ts.Before(w.Start))
		assert.True(t, ts.Before(w.End))
		// aligned
		assert.Zero(t, w.Start.UnixNano()%int64(7*time.Second))
		// neighbours tile without gaps
		assert.True(t, w.End.Equal(a.Assign(w.End).Start))
		assert.True(t, w.Start.Equal(a.Assign(w.Start.Add(-time.Nanosecond)).End))
	}
}

func TestFixedWindowIndex(t *testing.T) {
	a, err := NewFixedWindow(10 * time.Second)
	require.NoError(t, err)

	assert.Equal(t, int64(0), a.Index(time.Unix(5, 0)))
	assert.Equal(t, int64(12), a.Index(time.Unix(125, 0)))
	assert.Equal(t, int64(-1), a.Index(time.Unix(-5, 0)))
}

func TestFixedWindowOffset(t *testing.T) {
	a, err := NewFixedWindow(10 * time.Second)
	require.NoError(t, err)
	a.WithOffset(3 * time.Second)

	w := a.Assign(time.Unix(12, 0))
	assert.Equal(t, int64(3), w.Start.Unix())
	assert.Equal(t, int64(13), w.End.Unix())

	w = a.Assign(time.Unix(2, 0))
	assert.Equal(t, int64(-7), w.Start.Unix())
}

func TestEventTimeTrigger(t *testing.T) {
	trigger := NewEventTimeTrigger()
	w := stream.Window{Start: time.Unix(0, 0), End: time.Unix(10, 0)}

	assert.Equal(t, Continue, trigger.OnEventTime(time.Unix(9, 0), w))
	assert.Equal(t, FireAndPurge, trigger.OnEventTime(time.Unix(10, 0), w))
	assert.Equal(t, FireAndPurge, trigger.OnEventTime(time.Unix(11, 0), w))

	assert.True(t, FireAndPurge.Fires())
	assert.False(t, Continue.Fires())
	assert.Equal(t, "FIRE_AND_PURGE", FireAndPurge.String())
	assert.Equal(t, "CONTINUE", Continue.String())
	assert.Equal(t, "UNKNOWN", TriggerResult(9).String())
}

func TestEndTimeIndex(t *testing.T) {
	idx := NewEndTimeIndex()

	end10 := time.Unix(10, 0).UnixNano()
	end20 := time.Unix(20, 0).UnixNano()
	end30 := time.Unix(30, 0).UnixNano()

	assert.True(t, idx.Insert(PaneKey{End: end20, Key: "us"}))
	assert.True(t, idx.Insert(PaneKey{End: end10, Key: "us"}))
	assert.True(t, idx.Insert(PaneKey{End: end10, Key: "fr"}))
	assert.True(t, idx.Insert(PaneKey{End: end30, Key: "de"}))
	assert.False(t, idx.Insert(PaneKey{End: end10, Key: "fr"}))
	assert.Equal(t, 4, idx.Len())

	assert.Equal(t, PaneKey{End: end10, Key: "fr"}, idx.Items()[0])

	assert.Empty(t, idx.RemoveUpTo(time.Unix(9, 0)))

	removed := idx.RemoveUpTo(time.Unix(20, 0))
	assert.Equal(t, []PaneKey{
		{End: end10, Key: "fr"},
		{End: end10, Key: "us"},
		{End: end20, Key: "us"},
	}, removed)
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, []PaneKey{{End: end30, Key: "de"}}, idx.Items())

	assert.Len(t, idx.RemoveUpTo(time.Unix(100, 0)), 1)
	assert.Zero(t, idx.Len())
}
