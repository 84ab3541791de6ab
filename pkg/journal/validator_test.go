package journal

import (
	"testing"

	"github.com/pkg/errors"
)

func TestLinearValidChain(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)
	consensus := comps.Consensus.(*recordingConsensus)

	b0 := testBlock("b0", NullBlockIdentifier, 0, "r0")
	b0.SetStatus(StatusValid)
	comps.BlockCache.Put(b0)

	b1 := testBlock("b1", "b0", 1, "r0")
	b2 := testBlock("b2", "b1", 2, "r0")
	comps.BlockCache.Put(b1)
	comps.BlockCache.Put(b2)

	v := newTestValidator(t, Config{}, comps)
	recorder := newCallbackRecorder()

	v.SubmitBlocksForVerification([]*Block{b1, b2}, recorder.callback)
	completed := recorder.await(t, 2)

	if b1.Status() != StatusValid {
		t.Fatalf("Expected b1 valid, got %s", b1.Status())
	}
	if b2.Status() != StatusValid {
		t.Fatalf("Expected b2 valid, got %s", b2.Status())
	}
	if completed[0].Identifier() != "b1" || completed[1].Identifier() != "b2" {
		t.Fatalf("Expected callbacks in chain order, got %s then %s",
			completed[0].Identifier(), completed[1].Identifier())
	}
	if n := consensus.verifyCount("b1"); n != 1 {
		t.Fatalf("Expected b1 verified once, got %d", n)
	}
	if n := consensus.verifyCount("b2"); n != 1 {
		t.Fatalf("Expected b2 verified once, got %d", n)
	}
	if v.ProcessingCount() != 0 || v.PendingCount() != 0 {
		t.Fatalf("Expected empty trackers, got processing=%d pending=%d",
			v.ProcessingCount(), v.PendingCount())
	}
}

func TestInvalidBlockCascadesToParkedDescendant(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)
	consensus := comps.Consensus.(*recordingConsensus)

	b0 := testBlock("b0", NullBlockIdentifier, 0, "r0")
	b0.SetStatus(StatusValid)
	comps.BlockCache.Put(b0)

	// Empty block declaring a root that differs from its predecessor's.
	b1 := testBlock("b1", "b0", 1, "mismatched")
	b2 := testBlock("b2", "b1", 2, "mismatched")
	comps.BlockCache.Put(b1)
	comps.BlockCache.Put(b2)

	v := newTestValidator(t, Config{}, comps)
	recorder := newCallbackRecorder()

	// Descendant arrives first and parks behind the not yet validated b1.
	v.SubmitBlocksForVerification([]*Block{b2}, recorder.callback)
	if !v.InPending("b2") {
		t.Fatal("Expected b2 to be parked")
	}
	v.SubmitBlocksForVerification([]*Block{b1}, recorder.callback)
	recorder.await(t, 2)

	if b1.Status() != StatusInvalid {
		t.Fatalf("Expected b1 invalid, got %s", b1.Status())
	}
	if b2.Status() != StatusInvalid {
		t.Fatalf("Expected b2 invalid via cascade, got %s", b2.Status())
	}
	if n := consensus.verifyCount("b2"); n != 0 {
		t.Fatalf("Expected b2 to be invalidated without running validation, verified %d times", n)
	}
	if v.InPending("b2") || v.InProcess("b2") {
		t.Fatal("Expected b2 to be released from the trackers")
	}
}

func TestValidationErrorPurgesDescendants(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)
	comps.PermissionVerifier = &stubPermissions{err: errors.New("permission backend down")}

	b0 := testBlock("b0", NullBlockIdentifier, 0, "r0")
	b0.SetStatus(StatusValid)
	comps.BlockCache.Put(b0)

	// b1 carries a batch so the permission backend is consulted and errors.
	b1 := testBlock("b1", "b0", 1, "r0", testBatch("batch-1", testTxn("txn-1")))
	b2 := testBlock("b2", "b1", 2, "r0")
	comps.BlockCache.Put(b1)
	comps.BlockCache.Put(b2)

	v := newTestValidator(t, Config{}, comps)
	recorder := newCallbackRecorder()

	v.SubmitBlocksForVerification([]*Block{b2, b1}, recorder.callback)
	recorder.await(t, 2)

	if b1.Status() != StatusUnknown {
		t.Fatalf("Expected b1 unknown after error, got %s", b1.Status())
	}
	if b2.Status() != StatusUnknown {
		t.Fatalf("Expected b2 status untouched, got %s", b2.Status())
	}
	if comps.BlockCache.Contains("b2") {
		t.Fatal("Expected b2 to be purged from the block cache")
	}
	if v.InPending("b2") {
		t.Fatal("Expected b2 to be removed from pending")
	}
}

func TestDuplicateBatchFailsValidation(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)

	dup := testBatch("batch-x", testTxn("txn-x"))
	b0 := testBlock("b0", NullBlockIdentifier, 0, "r0", dup)
	b0.SetStatus(StatusValid)
	store.addCommitted(b0)
	store.heads = []*Block{b0}
	comps.BlockCache.Put(b0)

	b1 := testBlock("b1", "b0", 1, "r1", testBatch("batch-x", testTxn("txn-y")))

	scheduler := newScriptedScheduler()
	comps.Executor = &scriptedExecutor{schedulers: []*scriptedScheduler{scheduler}}

	v := newTestValidator(t, Config{}, comps)

	err := v.ValidateBlock(b1)
	if !IsFailure(err) {
		t.Fatalf("Expected a validation failure, got %v", err)
	}
	if b1.Status() != StatusInvalid {
		t.Fatalf("Expected b1 invalid, got %s", b1.Status())
	}
	if !scheduler.Cancelled() {
		t.Fatal("Expected the scheduler to be cancelled")
	}
}

func TestChainHeadRaceRerunsValidation(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)
	consensus := comps.Consensus.(*recordingConsensus)

	b0 := testBlock("b0", NullBlockIdentifier, 0, "r0")
	b0.SetStatus(StatusValid)
	comps.BlockCache.Put(b0)

	displaced := testBlock("b9", "b0", 1, "r0")
	displaced.SetStatus(StatusValid)

	// First snapshot sees b0, the re-read sees b9, then the head holds
	// still for the second attempt.
	store.heads = []*Block{b0, displaced, displaced}

	b1 := testBlock("b1", "b0", 1, "r0")

	v := newTestValidator(t, Config{}, comps)
	recorder := newCallbackRecorder()

	v.SubmitBlocksForVerification([]*Block{b1}, recorder.callback)
	recorder.await(t, 1)

	if n := consensus.verifyCount("b1"); n != 2 {
		t.Fatalf("Expected validation to re-run exactly once more, verified %d times", n)
	}
	if b1.Status() != StatusValid {
		t.Fatalf("Expected b1 valid, got %s", b1.Status())
	}
}

func TestChainHeadChurnEscalatesToError(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)
	consensus := comps.Consensus.(*recordingConsensus)

	b0 := testBlock("b0", NullBlockIdentifier, 0, "r0")
	b0.SetStatus(StatusValid)
	comps.BlockCache.Put(b0)

	headA := testBlock("ha", NullBlockIdentifier, 0, "r0")
	headB := testBlock("hb", NullBlockIdentifier, 0, "r0")
	calls := 0
	store.headFn = func() *Block {
		calls++
		if calls%2 == 0 {
			return headB
		}
		return headA
	}

	b1 := testBlock("b1", "b0", 1, "r0")

	v := newTestValidator(t, Config{MaxHeadRetries: 3}, comps)
	recorder := newCallbackRecorder()

	v.SubmitBlocksForVerification([]*Block{b1}, recorder.callback)
	recorder.await(t, 1)

	if b1.Status() != StatusUnknown {
		t.Fatalf("Expected b1 unknown after retry exhaustion, got %s", b1.Status())
	}
	if n := consensus.verifyCount("b1"); n != 3 {
		t.Fatalf("Expected exactly 3 validation attempts, got %d", n)
	}
	if c := recorder.count(); c != 1 {
		t.Fatalf("Expected exactly one callback, got %d", c)
	}
}

func TestGenesisBlockUsesGenesisConsensus(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)
	consensus := comps.Consensus.(*recordingConsensus)

	// A permission backend that would error proves the permission and
	// rule checks are skipped for genesis.
	comps.PermissionVerifier = &stubPermissions{err: errors.New("must not be called")}
	comps.SettingsViewFactory = &stubSettingsFactory{err: errors.New("must not be called")}

	genesis := testBlock("g0", NullBlockIdentifier, 0, InitRoot)

	v := newTestValidator(t, Config{}, comps)
	recorder := newCallbackRecorder()

	v.SubmitBlocksForVerification([]*Block{genesis}, recorder.callback)
	recorder.await(t, 1)

	if genesis.Status() != StatusValid {
		t.Fatalf("Expected genesis valid, got %s", genesis.Status())
	}

	consensus.mu.Lock()
	loaded := append([]string(nil), consensus.loadedNames...)
	consensus.mu.Unlock()
	if len(loaded) != 1 || loaded[0] != "genesis" {
		t.Fatalf("Expected the genesis consensus module to be loaded, got %v", loaded)
	}
}

func TestValidateBlockIdempotence(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)
	consensus := comps.Consensus.(*recordingConsensus)
	v := newTestValidator(t, Config{}, comps)

	valid := testBlock("bv", NullBlockIdentifier, 0, InitRoot)
	valid.SetStatus(StatusValid)
	if err := v.ValidateBlock(valid); err != nil {
		t.Fatalf("Expected already-valid block to pass, got %v", err)
	}
	if n := consensus.verifyCount("bv"); n != 0 {
		t.Fatalf("Expected no re-validation of a valid block, verified %d times", n)
	}

	invalid := testBlock("bi", NullBlockIdentifier, 0, InitRoot)
	invalid.SetStatus(StatusInvalid)
	if err := v.ValidateBlock(invalid); !IsFailure(err) {
		t.Fatalf("Expected a validation failure for an invalid block, got %v", err)
	}
}

func TestUnvalidatedPredecessorIsAnError(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)

	b0 := testBlock("b0", NullBlockIdentifier, 0, "r0")
	comps.BlockCache.Put(b0) // status unknown

	b1 := testBlock("b1", "b0", 1, "r0")

	v := newTestValidator(t, Config{}, comps)
	err := v.ValidateBlock(b1)
	if !IsError(err) {
		t.Fatalf("Expected a validation error, got %v", err)
	}
	if b1.Status() != StatusUnknown {
		t.Fatalf("Expected b1 unknown, got %s", b1.Status())
	}
}

func TestMissingPredecessorIsAnError(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)

	b1 := testBlock("b1", "ghost", 1, "r0")

	v := newTestValidator(t, Config{}, comps)
	err := v.ValidateBlock(b1)
	if !IsError(err) {
		t.Fatalf("Expected a validation error, got %v", err)
	}
}

func TestUnauthorizedSignerFailsValidation(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)

	b0 := testBlock("b0", NullBlockIdentifier, 0, "r0")
	b0.SetStatus(StatusValid)
	comps.BlockCache.Put(b0)

	batch := testBatch("batch-a", testTxn("txn-a"))
	b1 := testBlock("b1", "b0", 1, "r1", batch)
	comps.PermissionVerifier = &stubPermissions{denied: map[string]bool{"batch-a": true}}

	v := newTestValidator(t, Config{}, comps)
	err := v.ValidateBlock(b1)
	if !IsFailure(err) {
		t.Fatalf("Expected a validation failure, got %v", err)
	}
	if b1.Status() != StatusInvalid {
		t.Fatalf("Expected b1 invalid, got %s", b1.Status())
	}
}

func TestConsensusRejectionFailsValidation(t *testing.T) {
	store := newTestStore()
	comps := testComponents(store)
	consensus := comps.Consensus.(*recordingConsensus)
	consensus.rejects["b1"] = true

	b0 := testBlock("b0", NullBlockIdentifier, 0, "r0")
	b0.SetStatus(StatusValid)
	comps.BlockCache.Put(b0)

	b1 := testBlock("b1", "b0", 1, "r0")

	v := newTestValidator(t, Config{}, comps)
	err := v.ValidateBlock(b1)
	if !IsFailure(err) {
		t.Fatalf("Expected a validation failure, got %v", err)
	}
}
