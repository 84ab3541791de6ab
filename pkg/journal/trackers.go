package journal

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// blockTrackers records which blocks are in flight and which are parked
// awaiting an ancestor. A block id is in at most one of processing and
// pending at any moment.
type blockTrackers struct {
	processing mapset.Set[string]
	pending    mapset.Set[string]

	descendants *pendingDescendants
}

func newBlockTrackers() *blockTrackers {
	return &blockTrackers{
		processing:  mapset.NewSet[string](),
		pending:     mapset.NewSet[string](),
		descendants: newPendingDescendants(),
	}
}

// pendingDescendants maps a predecessor id to the ordered, de-duplicated
// list of parked blocks waiting on it.
type pendingDescendants struct {
	mu sync.Mutex
	m  map[string][]*Block
}

func newPendingDescendants() *pendingDescendants {
	return &pendingDescendants{m: make(map[string][]*Block)}
}

// AppendIfUnique atomically appends block to the parent's list unless a
// block with the same identifier is already present.
func (d *pendingDescendants) AppendIfUnique(parent string, block *Block) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.m[parent] {
		if existing.Identifier() == block.Identifier() {
			return
		}
	}
	d.m[parent] = append(d.m[parent], block)
}

// Pop removes and returns the parent's list. Returns nil when the parent
// has no parked descendants.
func (d *pendingDescendants) Pop(parent string) []*Block {
	d.mu.Lock()
	defer d.mu.Unlock()

	blocks := d.m[parent]
	delete(d.m, parent)
	return blocks
}
