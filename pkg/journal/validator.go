package journal

import (
	"time"

	"github.com/pkg/errors"

	"github.com/karstchain/karst/internal/logger"
	"github.com/karstchain/karst/pkg/metrics"
)

// Config holds the engine's tunables.
type Config struct {
	DataDir   string
	ConfigDir string

	// Workers bounds the validation worker pool. Defaults to 1.
	Workers int

	// MaxHeadRetries bounds the chain-head re-run loop. When the chain
	// head keeps moving during validation this many times, the attempt is
	// abandoned with the block left unknown. Defaults to 8.
	MaxHeadRetries int
}

// Components are the collaborators the engine consumes.
type Components struct {
	BlockCache          BlockCache
	StateViewFactory    StateViewFactory
	SettingsViewFactory SettingsViewFactory
	Executor            TransactionExecutor
	SquashHandler       SquashHandler
	IdentitySigner      IdentitySigner
	PermissionVerifier  PermissionVerifier
	Consensus           ConsensusRegistry
	Metrics             *metrics.ValidationMetrics
	Log                 *logger.Logger
}

// BlockValidator decides whether candidate blocks are valid successors of
// known ancestors. Blocks may arrive in any order: descendants of blocks
// still being validated are parked and released, invalidated, or purged by
// the cascade resolver when their ancestor resolves.
type BlockValidator struct {
	blockCache          BlockCache
	stateViewFactory    StateViewFactory
	settingsViewFactory SettingsViewFactory
	executor            TransactionExecutor
	squashHandler       SquashHandler
	signer              IdentitySigner
	permissionVerifier  PermissionVerifier
	consensus           ConsensusRegistry

	dataDir        string
	configDir      string
	maxHeadRetries int

	trackers *blockTrackers
	pool     *workerPool

	metrics *metrics.ValidationMetrics
	log     *logger.Logger
}

// NewBlockValidator creates the validation engine.
func NewBlockValidator(cfg Config, c Components) (*BlockValidator, error) {
	switch {
	case c.BlockCache == nil:
		return nil, errors.New("block cache is required")
	case c.StateViewFactory == nil:
		return nil, errors.New("state view factory is required")
	case c.SettingsViewFactory == nil:
		return nil, errors.New("settings view factory is required")
	case c.Executor == nil:
		return nil, errors.New("transaction executor is required")
	case c.IdentitySigner == nil:
		return nil, errors.New("identity signer is required")
	case c.PermissionVerifier == nil:
		return nil, errors.New("permission verifier is required")
	case c.Consensus == nil:
		return nil, errors.New("consensus registry is required")
	case c.Metrics == nil:
		return nil, errors.New("validation metrics are required")
	case c.Log == nil:
		return nil, errors.New("logger is required")
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	maxRetries := cfg.MaxHeadRetries
	if maxRetries < 1 {
		maxRetries = 8
	}

	v := &BlockValidator{
		blockCache:          c.BlockCache,
		stateViewFactory:    c.StateViewFactory,
		settingsViewFactory: c.SettingsViewFactory,
		executor:            c.Executor,
		squashHandler:       c.SquashHandler,
		signer:              c.IdentitySigner,
		permissionVerifier:  c.PermissionVerifier,
		consensus:           c.Consensus,
		dataDir:             cfg.DataDir,
		configDir:           cfg.ConfigDir,
		maxHeadRetries:      maxRetries,
		trackers:            newBlockTrackers(),
		pool:                newWorkerPool(workers),
		metrics:             c.Metrics,
		log:                 c.Log,
	}
	v.updateGauges()
	return v, nil
}

// Stop rejects further submissions and waits for in-flight validations.
func (v *BlockValidator) Stop() {
	v.pool.Stop()
}

// InProcess reports whether the block id is currently being validated.
func (v *BlockValidator) InProcess(blockID string) bool {
	return v.trackers.processing.Contains(blockID)
}

// InPending reports whether the block id is parked awaiting an ancestor.
func (v *BlockValidator) InPending(blockID string) bool {
	return v.trackers.pending.Contains(blockID)
}

// ProcessingCount returns the number of blocks being validated.
func (v *BlockValidator) ProcessingCount() int {
	return v.trackers.processing.Cardinality()
}

// PendingCount returns the number of parked blocks.
func (v *BlockValidator) PendingCount() int {
	return v.trackers.pending.Cardinality()
}

func (v *BlockValidator) previousBlockStateRoot(blkw *Block) (string, error) {
	if blkw.PreviousBlockID == NullBlockIdentifier {
		return InitRoot, nil
	}
	prev, ok := v.blockCache.Get(blkw.PreviousBlockID)
	if !ok {
		return "", errors.Errorf("predecessor %s is not in the cache", blkw.PreviousBlockID)
	}
	return prev.StateRootHash, nil
}

// validatePermissions checks every batch signer against the transactor
// permissions stored in state as of the previous block. Genesis blocks
// trivially pass.
func (v *BlockValidator) validatePermissions(blkw *Block, prevStateRoot string) (bool, error) {
	if blkw.BlockNum == 0 {
		return true, nil
	}
	for _, batch := range blkw.Batches {
		authorized, err := v.permissionVerifier.IsBatchSignerAuthorized(batch, prevStateRoot, true)
		if err != nil {
			return false, err
		}
		if !authorized {
			return false, nil
		}
	}
	return true, nil
}

// validateOnChainRules applies the validation rules stored in state as of
// the previous block. Genesis blocks trivially pass.
func (v *BlockValidator) validateOnChainRules(blkw *Block, prevStateRoot string) (bool, error) {
	if blkw.BlockNum == 0 {
		return true, nil
	}
	settings, err := v.settingsViewFactory.CreateSettingsView(prevStateRoot)
	if err != nil {
		return false, err
	}
	return enforceValidationRules(settings, blkw.SignerPublicKey, blkw.Batches, v.log)
}

// loadConsensus resolves the consensus module for the state as of the
// previous block, or the well-known genesis module when there is none.
func (v *BlockValidator) loadConsensus(prevBlock *Block) (ConsensusModule, error) {
	if prevBlock != nil {
		view, err := v.stateViewFactory.CreateView(prevBlock.StateRootHash)
		if err != nil {
			return nil, errors.Wrapf(err, "state view for block %s", prevBlock)
		}
		return v.consensus.ConfiguredModule(prevBlock.Identifier(), view)
	}
	return v.consensus.Module("genesis")
}

// ValidateBlock runs the full validation procedure on a single block and
// updates its status. A nil return means the block is valid. The returned
// error is a ValidationFailure when the block is definitively invalid and
// a ValidationError when validity could not be determined.
func (v *BlockValidator) ValidateBlock(blkw *Block) error {
	switch blkw.Status() {
	case StatusValid:
		return nil
	case StatusInvalid:
		return failuref("block %s is already invalid", blkw)
	}

	start := time.Now()
	err := v.runValidation(blkw)
	v.metrics.ValidationDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		blkw.SetStatus(StatusValid)
		v.metrics.BlocksValidated.WithLabelValues(metrics.ResultValid).Inc()
	case IsFailure(err):
		blkw.SetStatus(StatusInvalid)
		v.metrics.BlocksValidated.WithLabelValues(metrics.ResultInvalid).Inc()
	case IsError(err):
		blkw.SetStatus(StatusUnknown)
		v.metrics.BlocksValidated.WithLabelValues(metrics.ResultError).Inc()
	default:
		// Status deliberately untouched; callers treat this as an error
		// outcome.
		v.log.WithError(err).WithField("block", blkw.String()).
			Error("Unhandled error while validating block")
		v.metrics.BlocksValidated.WithLabelValues(metrics.ResultError).Inc()
	}
	return err
}

func (v *BlockValidator) runValidation(blkw *Block) error {
	var prevBlock *Block
	if pb, ok := v.blockCache.Get(blkw.PreviousBlockID); ok {
		switch pb.Status() {
		case StatusInvalid:
			return failuref("block %s rejected due to invalid predecessor %s", blkw, pb)
		case StatusUnknown:
			return validationErrorf(
				"attempted to validate block %s before its predecessor %s", blkw, pb)
		}
		prevBlock = pb
	}

	prevStateRoot, err := v.previousBlockStateRoot(blkw)
	if err != nil {
		return wrapValidationError(err, "block %s rejected due to missing predecessor", blkw)
	}

	permitted, err := v.validatePermissions(blkw, prevStateRoot)
	if err != nil {
		return wrapValidationError(err, "permission check for block %s", blkw)
	}
	if !permitted {
		return failuref("block %s failed permission validation", blkw)
	}

	consensus, err := v.loadConsensus(prevBlock)
	if err != nil {
		return wrapValidationError(err, "loading consensus for block %s", blkw)
	}
	verifier, err := consensus.NewBlockVerifier(BlockVerifierConfig{
		BlockCache:       v.blockCache,
		StateViewFactory: v.stateViewFactory,
		DataDir:          v.dataDir,
		ConfigDir:        v.configDir,
		ValidatorID:      v.signer.PublicKeyHex(),
	})
	if err != nil {
		return wrapValidationError(err, "building %s block verifier for block %s",
			consensus.Name(), blkw)
	}
	verified, err := verifier.VerifyBlock(blkw)
	if err != nil {
		return wrapValidationError(err, "%s consensus verification of block %s",
			consensus.Name(), blkw)
	}
	if !verified {
		return failuref("block %s failed %s consensus validation", blkw, consensus.Name())
	}

	conforms, err := v.validateOnChainRules(blkw, prevStateRoot)
	if err != nil {
		return wrapValidationError(err, "on-chain rule check for block %s", blkw)
	}
	if !conforms {
		return failuref("block %s failed on-chain validation rules", blkw)
	}

	return v.validateBatchesInBlock(blkw, prevStateRoot)
}

// SubmitBlocksForVerification admits each candidate block for validation
// or parks it behind an unresolved ancestor. The callback fires exactly
// once per block when its outcome is decided, including blocks resolved by
// the cascade without running their own validation.
func (v *BlockValidator) SubmitBlocksForVerification(blocks []*Block, callback CompletionCallback) {
	for _, block := range blocks {
		if v.InProcess(block.Identifier()) {
			v.log.WithField("block", block.String()).Debug("Block already in process")
			continue
		}

		if v.InProcess(block.PreviousBlockID) {
			v.log.WithFields(logger.Fields{
				"block":    block.String(),
				"previous": block.PreviousBlockID,
			}).Debug("Previous block in process, parking block")
			v.addBlockToPending(block)
			continue
		}

		if v.InPending(block.PreviousBlockID) {
			v.log.WithFields(logger.Fields{
				"block":    block.String(),
				"previous": block.PreviousBlockID,
			}).Debug("Previous block is pending, parking block")
			v.addBlockToPending(block)
			continue
		}

		if block.PreviousBlockID != NullBlockIdentifier {
			prevBlock, ok := v.blockCache.Get(block.PreviousBlockID)
			if !ok {
				v.log.WithFields(logger.Fields{
					"block":    block.String(),
					"previous": block.PreviousBlockID,
				}).Error("Block submitted for processing but predecessor is missing, parking block")
				v.addBlockToPending(block)
				continue
			}
			if prevBlock.Status() == StatusUnknown {
				v.log.WithFields(logger.Fields{
					"block":    block.String(),
					"previous": prevBlock.String(),
				}).Warning("Block submitted for processing but predecessor has not been validated, parking block")
				v.addBlockToPending(block)
				continue
			}
		}

		v.log.WithField("block", block.Identifier()).Debug("Adding block for processing")

		v.trackers.processing.Add(block.Identifier())
		v.updateGauges()

		block := block
		if !v.pool.Submit(func() { v.processBlockVerification(block, callback) }) {
			v.trackers.processing.Remove(block.Identifier())
			v.updateGauges()
			v.log.WithField("block", block.String()).
				Warning("Validation engine is stopped, dropping submitted block")
		}
	}
}

func (v *BlockValidator) addBlockToPending(block *Block) {
	v.trackers.pending.Add(block.Identifier())
	v.trackers.descendants.AppendIfUnique(block.PreviousBlockID, block)
	v.updateGauges()
}

func (v *BlockValidator) updateGauges() {
	v.metrics.BlocksPending.Set(float64(v.trackers.pending.Cardinality()))
	v.metrics.BlocksProcessing.Set(float64(v.trackers.processing.Cardinality()))
}

// tryValidate runs ValidateBlock, converting a panicking collaborator into
// an ordinary error so a broken plug-in cannot take down the worker pool.
func (v *BlockValidator) tryValidate(blkw *Block) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic during validation of block %s: %v", blkw, r)
		}
	}()
	return v.ValidateBlock(blkw)
}

// processBlockVerification is the worker entry point. Validation runs
// against a snapshot of the chain head; if the head moves while the block
// is being validated, the duplicate checks may have been computed against
// a stale chain, so the status is reset and validation re-runs. This
// optimistic retry has been measured faster than locking the block store
// around duplicate detection.
func (v *BlockValidator) processBlockVerification(block *Block, callback CompletionCallback) {
	for attempt := 0; ; attempt++ {
		chainHead := v.blockCache.BlockStore().ChainHead()

		err := v.tryValidate(block)
		switch {
		case err == nil:
			v.log.WithField("block", block.String()).Info("Block passed validation")
		case IsFailure(err):
			v.log.WithError(err).WithField("block", block.String()).
				Warning("Block failed validation")
		default:
			v.log.WithError(err).WithField("block", block.String()).
				Error("Encountered an error while validating block")
		}

		if chainHead == nil {
			break
		}
		current := v.blockCache.BlockStore().ChainHead()
		if current == nil || chainHead.Identifier() == current.Identifier() {
			break
		}

		if attempt+1 >= v.maxHeadRetries {
			v.log.WithFields(logger.Fields{
				"block":    block.String(),
				"attempts": attempt + 1,
			}).Error("Chain head kept moving during validation, abandoning attempt")
			block.SetStatus(StatusUnknown)
			break
		}

		v.log.WithFields(logger.Fields{
			"block":    block.String(),
			"old_head": chainHead.String(),
			"new_head": current.String(),
		}).Warning("Chain head updated while validating block, reprocessing validation")
		v.metrics.ChainHeadRaces.Inc()
		block.SetStatus(StatusUnknown)
	}

	blocksNowReady := v.releasePending(block, callback)
	v.SubmitBlocksForVerification(blocksNowReady, callback)

	v.invokeCallback(callback, block)
}

// releasePending is the cascade resolver. It removes the finished block
// from processing and then, depending on its status:
//
//   - valid: returns the parked children, now admissible.
//   - invalid: transitively marks every parked descendant invalid.
//   - unknown: transitively purges parked descendants from pending and
//     from the block cache without marking them invalid, so they can be
//     re-fetched and re-validated once the ancestor resolves.
//
// Descendants resolved here never run their own validation, so their
// callbacks fire from this path. Expansion is iterative on a work queue;
// invalidation subtrees can be deep.
func (v *BlockValidator) releasePending(block *Block, callback CompletionCallback) []*Block {
	v.log.WithField("block", block.Identifier()).Debug("Removing block from processing")
	if !v.trackers.processing.Contains(block.Identifier()) {
		v.log.WithField("block", block.Identifier()).
			Warning("Tried to remove block from processing but it was not there")
	}
	v.trackers.processing.Remove(block.Identifier())
	defer v.updateGauges()

	switch block.Status() {
	case StatusValid:
		blocksNowReady := v.trackers.descendants.Pop(block.Identifier())
		for _, blk := range blocksNowReady {
			v.trackers.pending.Remove(blk.Identifier())
		}
		return blocksNowReady

	case StatusInvalid:
		queue := v.trackers.descendants.Pop(block.Identifier())
		for len(queue) > 0 {
			invalid := queue[len(queue)-1]
			queue = queue[:len(queue)-1]

			invalid.SetStatus(StatusInvalid)
			v.trackers.pending.Remove(invalid.Identifier())
			v.log.WithField("block", invalid.String()).
				Debug("Marking descendant block invalid")

			queue = append(queue, v.trackers.descendants.Pop(invalid.Identifier())...)
			v.invokeCallback(callback, invalid)
		}
		return nil

	default:
		// Validation errored. Abort this subtree without marking anything
		// invalid: purge descendants from pending and from the cache so
		// they are re-fetched rather than inheriting a tainted state.
		queue := v.trackers.descendants.Pop(block.Identifier())
		for len(queue) > 0 {
			removed := queue[len(queue)-1]
			queue = queue[:len(queue)-1]

			v.trackers.pending.Remove(removed.Identifier())
			v.log.WithField("block", removed.String()).
				Debug("Removing block from cache and pending due to error during validation")
			v.blockCache.Delete(removed.Identifier())

			queue = append(queue, v.trackers.descendants.Pop(removed.Identifier())...)
			v.invokeCallback(callback, removed)
		}
		return nil
	}
}

func (v *BlockValidator) invokeCallback(callback CompletionCallback, block *Block) {
	defer func() {
		if r := recover(); r != nil {
			v.log.WithField("block", block.String()).
				Errorf("Completion callback panicked: %v", r)
		}
	}()
	callback(block)
}
