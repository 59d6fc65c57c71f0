package window

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// PaneKey identifies a (window, key) grouping unit; windows are identified by end time
type PaneKey struct {
	End int64 // UnixNano of the window end
	Key string
}

// EndTime returns the pane's window end as a time
func (p PaneKey) EndTime() time.Time {
	return time.Unix(0, p.End)
}

type indexItem PaneKey

// Less orders by window end, then by key
func (a indexItem) Less(than btree.Item) bool {
	b := than.(indexItem)
	if a.End != b.End {
		return a.End < b.End
	}
	return a.Key < b.Key
}

// EndTimeIndex is a thread safe ordered set of panes sorted by window end time
// from lowest to highest. The trigger engine pops expired panes from the front
// instead of scanning every active pane.
type EndTimeIndex struct {
	mu   sync.Mutex
	tree *btree.BTree
}

// NewEndTimeIndex creates an empty index
func NewEndTimeIndex() *EndTimeIndex {
	return &EndTimeIndex{tree: btree.New(32)}
}

// Insert adds a pane; it returns false if the pane was already present
func (idx *EndTimeIndex) Insert(key PaneKey) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.tree.ReplaceOrInsert(indexItem(key)) == nil
}

// RemoveUpTo removes and returns all panes whose window end <= t, in end-time order
func (idx *EndTimeIndex) RemoveUpTo(t time.Time) []PaneKey {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	limit := t.UnixNano()
	var removed []PaneKey
	for {
		min := idx.tree.Min()
		if min == nil {
			break
		}
		item := min.(indexItem)
		if item.End > limit {
			break
		}
		idx.tree.DeleteMin()
		removed = append(removed, PaneKey(item))
	}
	return removed
}

// Len returns the number of indexed panes
func (idx *EndTimeIndex) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.tree.Len()
}

// Items returns all panes in end-time order
func (idx *EndTimeIndex) Items() []PaneKey {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	items := make([]PaneKey, 0, idx.tree.Len())
	idx.tree.Ascend(func(i btree.Item) bool {
		items = append(items, PaneKey(i.(indexItem)))
		return true
	})
	return items
}
