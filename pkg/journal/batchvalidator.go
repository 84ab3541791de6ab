package journal

// lookAhead walks items passing each one to fn along with a flag telling
// whether more items follow, so the caller can treat the final element
// specially.
func lookAhead[T any](items []T, fn func(item T, hasMore bool) error) error {
	last := len(items) - 1
	for i, item := range items {
		if err := fn(item, i < last); err != nil {
			return err
		}
	}
	return nil
}

// validateBatchesInBlock re-executes the block's batches on top of
// prevStateRoot and checks the resulting state root against the one the
// block declares. Duplicate batches, duplicate transactions, and unmet
// transaction dependencies are checked first, in that order.
//
// The scheduler is cancelled on every path that does not reach a clean
// result, including failures discovered after completion, where cancel is
// a no-op.
func (v *BlockValidator) validateBatchesInBlock(blkw *Block, prevStateRoot string) error {
	if len(blkw.Batches) == 0 {
		if blkw.StateRootHash != prevStateRoot {
			return failuref(
				"block %s has no batches but declares state root %s, previous root is %s",
				blkw, blkw.StateRootHash, prevStateRoot)
		}
		return nil
	}

	commitState, err := NewChainCommitState(
		blkw.PreviousBlockID, v.blockCache, v.blockCache.BlockStore())
	if err != nil {
		return wrapValidationError(err, "building commit state for block %s", blkw)
	}

	scheduler, err := v.executor.CreateScheduler(v.squashHandler, prevStateRoot)
	if err != nil {
		return wrapValidationError(err, "creating scheduler for block %s", blkw)
	}

	completed := false
	defer func() {
		if !completed {
			scheduler.Cancel()
		}
	}()

	if err := v.executor.Execute(scheduler); err != nil {
		return wrapValidationError(err, "starting execution for block %s", blkw)
	}

	if err := commitState.CheckForDuplicateBatches(blkw.Batches); err != nil {
		return classifyCommitStateError(blkw, err)
	}

	var transactions []*Transaction
	for _, batch := range blkw.Batches {
		transactions = append(transactions, batch.Transactions...)
	}

	if err := commitState.CheckForDuplicateTransactions(transactions); err != nil {
		return classifyCommitStateError(blkw, err)
	}
	if err := commitState.CheckForTransactionDependencies(transactions); err != nil {
		return classifyCommitStateError(blkw, err)
	}

	err = lookAhead(blkw.Batches, func(batch *Batch, hasMore bool) error {
		if hasMore {
			return scheduler.AddBatch(batch, "")
		}
		// The declared state root rides along with the final batch as a
		// commit hint so the scheduler can abort early on divergence.
		return scheduler.AddBatch(batch, blkw.StateRootHash)
	})
	if err != nil {
		return wrapValidationError(err, "scheduling batches for block %s", blkw)
	}

	if err := scheduler.Finalize(); err != nil {
		return wrapValidationError(err, "finalizing scheduler for block %s", blkw)
	}
	if err := scheduler.Complete(true); err != nil {
		return wrapValidationError(err, "completing execution for block %s", blkw)
	}

	stateHash := ""
	for _, batch := range blkw.Batches {
		result := scheduler.BatchExecutionResult(batch.HeaderSignature)
		if result == nil || !result.IsValid {
			return failuref("block %s failed validation: invalid batch %s",
				blkw, batch.HeaderSignature)
		}
		blkw.ExecutionResults = append(
			blkw.ExecutionResults,
			scheduler.TransactionExecutionResults(batch.HeaderSignature)...)
		stateHash = result.StateHash
		blkw.NumTransactions += len(batch.Transactions)
	}

	if blkw.StateRootHash != stateHash {
		return failuref(
			"block %s failed state root validation: expected %s but got %s",
			blkw, blkw.StateRootHash, stateHash)
	}

	completed = true
	return nil
}

// classifyCommitStateError maps the commit-state check errors onto the
// failure/error taxonomy: duplicates and missing dependencies mean the
// block is invalid, anything else means the check itself could not run.
func classifyCommitStateError(blkw *Block, err error) error {
	switch err.(type) {
	case *DuplicateBatchError, *DuplicateTransactionError, *MissingDependencyError:
		return failuref("block %s failed validation: %v", blkw, err)
	default:
		return wrapValidationError(err, "commit state check for block %s", blkw)
	}
}
