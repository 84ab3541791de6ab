package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/karstchain/karst/pkg/journal"
)

const (
	blockPrefix = "block:"
	batchPrefix = "batch:"
	txnPrefix   = "txn:"
	chainHead   = "chain:head"
)

// storedBlock is the persisted form of a block. Committed blocks are by
// definition valid, so status is not stored; decode restores it.
type storedBlock struct {
	HeaderSignature string           `json:"header_signature"`
	PreviousBlockID string           `json:"previous_block_id"`
	BlockNum        uint64           `json:"block_num"`
	SignerPublicKey string           `json:"signer_public_key"`
	StateRootHash   string           `json:"state_root_hash"`
	Batches         []*journal.Batch `json:"batches,omitempty"`
}

func encodeBlock(b *journal.Block) ([]byte, error) {
	return json.Marshal(&storedBlock{
		HeaderSignature: b.HeaderSignature,
		PreviousBlockID: b.PreviousBlockID,
		BlockNum:        b.BlockNum,
		SignerPublicKey: b.SignerPublicKey,
		StateRootHash:   b.StateRootHash,
		Batches:         b.Batches,
	})
}

func decodeBlock(data []byte) (*journal.Block, error) {
	var sb storedBlock
	if err := json.Unmarshal(data, &sb); err != nil {
		return nil, err
	}
	block := journal.NewBlock(
		sb.HeaderSignature, sb.PreviousBlockID, sb.BlockNum,
		sb.SignerPublicKey, sb.StateRootHash, sb.Batches)
	block.SetStatus(journal.StatusValid)
	return block, nil
}

// BlockStore is the committed chain, persisted in a key-value database
// with batch and transaction indexes for duplicate detection. The chain
// head is kept in memory so reads are an atomic snapshot.
type BlockStore struct {
	db DB

	mu   sync.RWMutex
	head *journal.Block
}

// NewBlockStore opens a block store over db, loading the persisted chain
// head if there is one.
func NewBlockStore(db DB) (*BlockStore, error) {
	s := &BlockStore{db: db}

	headID, err := db.Get([]byte(chainHead))
	if err == ErrNotFound {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading chain head: %w", err)
	}
	head, ok := s.Get(string(headID))
	if !ok {
		return nil, fmt.Errorf("chain head %s is not in the block store", headID)
	}
	s.head = head
	return s, nil
}

// ChainHead returns the current head, or nil when the chain is empty.
func (s *BlockStore) ChainHead() *journal.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Get returns the committed block with the given id.
func (s *BlockStore) Get(id string) (*journal.Block, bool) {
	data, err := s.db.Get([]byte(blockPrefix + id))
	if err != nil {
		return nil, false
	}
	block, err := decodeBlock(data)
	if err != nil {
		return nil, false
	}
	return block, true
}

// HasBatch reports whether a batch id is committed.
func (s *BlockStore) HasBatch(id string) (bool, error) {
	return s.hasKey(batchPrefix + id)
}

// HasTransaction reports whether a transaction id is committed.
func (s *BlockStore) HasTransaction(id string) (bool, error) {
	return s.hasKey(txnPrefix + id)
}

func (s *BlockStore) hasKey(key string) (bool, error) {
	_, err := s.db.Get([]byte(key))
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Commit persists a block as the new chain head together with its batch
// and transaction indexes, atomically.
func (s *BlockStore) Commit(block *journal.Block) error {
	data, err := encodeBlock(block)
	if err != nil {
		return fmt.Errorf("encoding block %s: %w", block.Identifier(), err)
	}

	batch := s.db.NewBatch()
	batch.Set([]byte(blockPrefix+block.Identifier()), data)
	for _, b := range block.Batches {
		batch.Set([]byte(batchPrefix+b.HeaderSignature), []byte(block.Identifier()))
		for _, txn := range b.Transactions {
			batch.Set([]byte(txnPrefix+txn.HeaderSignature), []byte(block.Identifier()))
		}
	}
	batch.Set([]byte(chainHead), []byte(block.Identifier()))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := batch.Write(); err != nil {
		return fmt.Errorf("committing block %s: %w", block.Identifier(), err)
	}
	s.head = block
	return nil
}
