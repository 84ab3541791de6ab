package journal

import "github.com/pkg/errors"

// ChainCommitState answers duplicate and dependency queries against the
// chain as it exists up to a particular predecessor block, ignoring any
// in-flight validations.
//
// The view is built in two walks. The first collects batch and transaction
// ids from the uncommitted ancestry: blocks reachable from the anchor
// through the cache that have not been committed to the store. The second
// handles forks: when the store's head is not the block the anchor's
// ancestry lands on, batches committed after the common point belong to a
// different chain and must be excluded from "committed" answers.
type ChainCommitState struct {
	store BlockStore

	uncommittedBatches map[string]struct{}
	uncommittedTxns    map[string]struct{}
	excludedBatches    map[string]struct{}
	excludedTxns       map[string]struct{}
}

// NewChainCommitState builds a commit-state view anchored at headID, the
// predecessor of the block under validation. Lifetime is one validation.
func NewChainCommitState(headID string, cache BlockCache, store BlockStore) (*ChainCommitState, error) {
	c := &ChainCommitState{
		store:              store,
		uncommittedBatches: make(map[string]struct{}),
		uncommittedTxns:    make(map[string]struct{}),
		excludedBatches:    make(map[string]struct{}),
		excludedTxns:       make(map[string]struct{}),
	}

	committedAncestor := NullBlockIdentifier
	for id := headID; id != NullBlockIdentifier; {
		if _, ok := store.Get(id); ok {
			committedAncestor = id
			break
		}
		block, ok := cache.Get(id)
		if !ok {
			return nil, errors.Errorf("lost ancestry at block %s while building commit state for %s", id, headID)
		}
		for _, batch := range block.Batches {
			c.uncommittedBatches[batch.HeaderSignature] = struct{}{}
			for _, txn := range batch.Transactions {
				c.uncommittedTxns[txn.HeaderSignature] = struct{}{}
			}
		}
		id = block.PreviousBlockID
	}

	head := store.ChainHead()
	if head != nil && head.Identifier() != committedAncestor {
		for id := head.Identifier(); id != NullBlockIdentifier && id != committedAncestor; {
			block, ok := store.Get(id)
			if !ok {
				return nil, errors.Errorf("block store is missing committed block %s", id)
			}
			for _, batch := range block.Batches {
				c.excludedBatches[batch.HeaderSignature] = struct{}{}
				for _, txn := range batch.Transactions {
					c.excludedTxns[txn.HeaderSignature] = struct{}{}
				}
			}
			id = block.PreviousBlockID
		}
	}

	return c, nil
}

func (c *ChainCommitState) isBatchCommitted(id string) (bool, error) {
	if _, ok := c.uncommittedBatches[id]; ok {
		return true, nil
	}
	has, err := c.store.HasBatch(id)
	if err != nil {
		return false, errors.Wrapf(err, "checking batch %s against the block store", id)
	}
	if !has {
		return false, nil
	}
	_, excluded := c.excludedBatches[id]
	return !excluded, nil
}

func (c *ChainCommitState) isTransactionCommitted(id string) (bool, error) {
	if _, ok := c.uncommittedTxns[id]; ok {
		return true, nil
	}
	has, err := c.store.HasTransaction(id)
	if err != nil {
		return false, errors.Wrapf(err, "checking transaction %s against the block store", id)
	}
	if !has {
		return false, nil
	}
	_, excluded := c.excludedTxns[id]
	return !excluded, nil
}

// CheckForDuplicateBatches returns a DuplicateBatchError if any batch id is
// already committed on this chain or repeated within the candidate block.
func (c *ChainCommitState) CheckForDuplicateBatches(batches []*Batch) error {
	seen := make(map[string]struct{}, len(batches))
	for _, batch := range batches {
		if _, ok := seen[batch.HeaderSignature]; ok {
			return &DuplicateBatchError{BatchID: batch.HeaderSignature}
		}
		seen[batch.HeaderSignature] = struct{}{}

		committed, err := c.isBatchCommitted(batch.HeaderSignature)
		if err != nil {
			return err
		}
		if committed {
			return &DuplicateBatchError{BatchID: batch.HeaderSignature}
		}
	}
	return nil
}

// CheckForDuplicateTransactions returns a DuplicateTransactionError if any
// transaction id is already committed on this chain or repeated within the
// candidate block.
func (c *ChainCommitState) CheckForDuplicateTransactions(txns []*Transaction) error {
	seen := make(map[string]struct{}, len(txns))
	for _, txn := range txns {
		if _, ok := seen[txn.HeaderSignature]; ok {
			return &DuplicateTransactionError{TransactionID: txn.HeaderSignature}
		}
		seen[txn.HeaderSignature] = struct{}{}

		committed, err := c.isTransactionCommitted(txn.HeaderSignature)
		if err != nil {
			return err
		}
		if committed {
			return &DuplicateTransactionError{TransactionID: txn.HeaderSignature}
		}
	}
	return nil
}

// CheckForTransactionDependencies returns a MissingDependencyError if any
// declared dependency is not committed on this chain.
func (c *ChainCommitState) CheckForTransactionDependencies(txns []*Transaction) error {
	for _, txn := range txns {
		for _, dep := range txn.Dependencies {
			satisfied, err := c.isTransactionCommitted(dep)
			if err != nil {
				return err
			}
			if !satisfied {
				return &MissingDependencyError{
					TransactionID: txn.HeaderSignature,
					Dependency:    dep,
				}
			}
		}
	}
	return nil
}
