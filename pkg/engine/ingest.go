package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/nagyistge/flink-dataflow/pkg/stream"
	"github.com/nagyistge/flink-dataflow/pkg/watermark"
)

type laneItem struct {
	seq    uint64
	record *stream.Record
}

// orderedIngester spreads one source's records over FIFO lanes by key, so
// records of a key are buffered in arrival order. The source's watermark only
// observes the contiguous prefix of records that are already buffered.
type orderedIngester struct {
	engine *Engine
	lanes  []chan laneItem
	wg     sync.WaitGroup
	once   sync.Once

	seq uint64

	mu      sync.Mutex
	next    uint64
	pending map[uint64]time.Time
	gen     *watermark.Generator
}

func newOrderedIngester(ctx context.Context, e *Engine, gen *watermark.Generator) *orderedIngester {
	n := e.config.MaxConcurrency
	depth := max(1, e.config.BufferSize/n)

	oi := &orderedIngester{
		engine:  e,
		lanes:   make([]chan laneItem, n),
		pending: make(map[uint64]time.Time),
		gen:     gen,
	}
	for i := range oi.lanes {
		lane := make(chan laneItem, depth)
		oi.lanes[i] = lane
		oi.wg.Add(1)
		go oi.work(ctx, lane)
	}
	return oi
}

func (oi *orderedIngester) work(ctx context.Context, lane <-chan laneItem) {
	defer oi.wg.Done()
	for item := range lane {
		// after cancellation the lane is drained without ingesting
		if err := oi.engine.workers.Acquire(ctx, 1); err != nil {
			continue
		}
		oi.engine.ingest(ctx, item.record)
		oi.engine.workers.Release(1)
		oi.complete(item.seq, item.record.Timestamp)
	}
}

// dispatch hands a record to its key's lane; false means ctx is done
func (oi *orderedIngester) dispatch(ctx context.Context, record *stream.Record) bool {
	h := fnv.New32a()
	h.Write([]byte(record.Key))
	lane := oi.lanes[h.Sum32()%uint32(len(oi.lanes))]

	item := laneItem{seq: oi.seq, record: record}
	select {
	case lane <- item:
		oi.seq++
		return true
	case <-ctx.Done():
		return false
	}
}

// complete marks a record buffered and advances the watermark over every
// record up to the first one still in flight
func (oi *orderedIngester) complete(seq uint64, ts time.Time) {
	oi.mu.Lock()
	defer oi.mu.Unlock()

	oi.pending[seq] = ts
	for {
		next, ok := oi.pending[oi.next]
		if !ok {
			return
		}
		delete(oi.pending, oi.next)
		oi.next++
		oi.gen.Observe(next)
	}
}

// close stops accepting records and waits until every lane is drained
func (oi *orderedIngester) close() {
	oi.once.Do(func() {
		for _, lane := range oi.lanes {
			close(lane)
		}
		oi.wg.Wait()
	})
}
