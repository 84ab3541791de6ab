package storage

import (
	"sync"

	"github.com/karstchain/karst/pkg/journal"
)

// BlockCache holds candidate blocks keyed by identifier and falls back to
// the block store for committed blocks. The validation engine deletes
// entries when purging subtrees after an inconclusive validation.
type BlockCache struct {
	store *BlockStore

	mu     sync.RWMutex
	blocks map[string]*journal.Block
}

// NewBlockCache creates a cache backed by the given store.
func NewBlockCache(store *BlockStore) *BlockCache {
	return &BlockCache{
		store:  store,
		blocks: make(map[string]*journal.Block),
	}
}

// Get returns the cached block, falling back to the committed store.
func (c *BlockCache) Get(id string) (*journal.Block, bool) {
	c.mu.RLock()
	block, ok := c.blocks[id]
	c.mu.RUnlock()
	if ok {
		return block, true
	}

	block, ok = c.store.Get(id)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	c.blocks[id] = block
	c.mu.Unlock()
	return block, true
}

// Put adds a block to the cache.
func (c *BlockCache) Put(block *journal.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[block.Identifier()] = block
}

// Contains reports whether the block is cached or committed.
func (c *BlockCache) Contains(id string) bool {
	c.mu.RLock()
	_, ok := c.blocks[id]
	c.mu.RUnlock()
	if ok {
		return true
	}
	_, ok = c.store.Get(id)
	return ok
}

// Delete removes a block from the cache. The committed store is never
// touched.
func (c *BlockCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocks, id)
}

// BlockStore exposes the committed chain behind this cache.
func (c *BlockCache) BlockStore() journal.BlockStore {
	return c.store
}
