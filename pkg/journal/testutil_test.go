package journal

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/karstchain/karst/internal/logger"
	"github.com/karstchain/karst/pkg/metrics"
)

// testStore is an in-memory committed chain with a scriptable head.
type testStore struct {
	mu      sync.Mutex
	blocks  map[string]*Block
	batches map[string]struct{}
	txns    map[string]struct{}

	// heads is consumed one entry per ChainHead call; the last entry
	// repeats. headFn, when set, wins.
	heads  []*Block
	headFn func() *Block
}

func newTestStore() *testStore {
	return &testStore{
		blocks:  make(map[string]*Block),
		batches: make(map[string]struct{}),
		txns:    make(map[string]struct{}),
	}
}

func (s *testStore) addCommitted(b *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.Identifier()] = b
	for _, batch := range b.Batches {
		s.batches[batch.HeaderSignature] = struct{}{}
		for _, txn := range batch.Transactions {
			s.txns[txn.HeaderSignature] = struct{}{}
		}
	}
}

func (s *testStore) ChainHead() *Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headFn != nil {
		return s.headFn()
	}
	if len(s.heads) == 0 {
		return nil
	}
	head := s.heads[0]
	if len(s.heads) > 1 {
		s.heads = s.heads[1:]
	}
	return head
}

func (s *testStore) Get(id string) (*Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	return b, ok
}

func (s *testStore) HasBatch(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.batches[id]
	return ok, nil
}

func (s *testStore) HasTransaction(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.txns[id]
	return ok, nil
}

// testCache is an in-memory block cache over a testStore.
type testCache struct {
	mu     sync.Mutex
	blocks map[string]*Block
	store  *testStore
}

func newTestCache(store *testStore) *testCache {
	return &testCache{blocks: make(map[string]*Block), store: store}
}

func (c *testCache) Get(id string) (*Block, bool) {
	c.mu.Lock()
	b, ok := c.blocks[id]
	c.mu.Unlock()
	if ok {
		return b, true
	}
	return c.store.Get(id)
}

func (c *testCache) Put(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[b.Identifier()] = b
}

func (c *testCache) Contains(id string) bool {
	c.mu.Lock()
	_, ok := c.blocks[id]
	c.mu.Unlock()
	if ok {
		return true
	}
	_, ok = c.store.Get(id)
	return ok
}

func (c *testCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocks, id)
}

func (c *testCache) BlockStore() BlockStore {
	return c.store
}

// scriptedScheduler replays pre-loaded execution results.
type scriptedScheduler struct {
	mu          sync.Mutex
	added       []string
	hints       []string
	addErr      error
	finalized   bool
	cancelled   bool
	completeErr error
	results     map[string]*BatchResult
	txnResults  map[string][]*TransactionResult
}

func newScriptedScheduler() *scriptedScheduler {
	return &scriptedScheduler{
		results:    make(map[string]*BatchResult),
		txnResults: make(map[string][]*TransactionResult),
	}
}

// successfulScheduler pre-loads results that make block execute cleanly.
func successfulScheduler(block *Block) *scriptedScheduler {
	s := newScriptedScheduler()
	for _, batch := range block.Batches {
		s.results[batch.HeaderSignature] = &BatchResult{
			IsValid:   true,
			StateHash: block.StateRootHash,
		}
		var results []*TransactionResult
		for _, txn := range batch.Transactions {
			results = append(results, &TransactionResult{
				TransactionID: txn.HeaderSignature,
				IsValid:       true,
			})
		}
		s.txnResults[batch.HeaderSignature] = results
	}
	return s
}

func (s *scriptedScheduler) AddBatch(batch *Batch, expectedStateRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.added = append(s.added, batch.HeaderSignature)
	s.hints = append(s.hints, expectedStateRoot)
	return nil
}

func (s *scriptedScheduler) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return nil
}

func (s *scriptedScheduler) Complete(wait bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeErr
}

func (s *scriptedScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *scriptedScheduler) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *scriptedScheduler) BatchExecutionResult(batchID string) *BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[batchID]
}

func (s *scriptedScheduler) TransactionExecutionResults(batchID string) []*TransactionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnResults[batchID]
}

// scriptedExecutor hands out pre-built schedulers in order.
type scriptedExecutor struct {
	mu         sync.Mutex
	createErr  error
	schedulers []*scriptedScheduler
	next       int
}

func (e *scriptedExecutor) CreateScheduler(squash SquashHandler, prevStateRoot string) (Scheduler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return nil, e.createErr
	}
	if e.next >= len(e.schedulers) {
		return nil, errors.New("unexpected scheduler request")
	}
	s := e.schedulers[e.next]
	e.next++
	return s, nil
}

func (e *scriptedExecutor) Execute(scheduler Scheduler) error {
	return nil
}

// recordingConsensus acts as registry, module, and verifier at once,
// counting verifications per block.
type recordingConsensus struct {
	mu          sync.Mutex
	verified    map[string]int
	rejects     map[string]bool
	verifyErrs  map[string]error
	loadedNames []string
}

func newRecordingConsensus() *recordingConsensus {
	return &recordingConsensus{
		verified:   make(map[string]int),
		rejects:    make(map[string]bool),
		verifyErrs: make(map[string]error),
	}
}

func (r *recordingConsensus) ConfiguredModule(blockID string, view StateView) (ConsensusModule, error) {
	return r, nil
}

func (r *recordingConsensus) Module(name string) (ConsensusModule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadedNames = append(r.loadedNames, name)
	return r, nil
}

func (r *recordingConsensus) Name() string {
	return "recording"
}

func (r *recordingConsensus) NewBlockVerifier(cfg BlockVerifierConfig) (BlockVerifier, error) {
	return r, nil
}

func (r *recordingConsensus) VerifyBlock(block *Block) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verified[block.Identifier()]++
	if err := r.verifyErrs[block.Identifier()]; err != nil {
		return false, err
	}
	return !r.rejects[block.Identifier()], nil
}

func (r *recordingConsensus) verifyCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verified[id]
}

// stubStateViews resolves every root to an empty view.
type stubStateViews struct{}

func (stubStateViews) CreateView(stateRoot string) (StateView, error) {
	return stubView{}, nil
}

type stubView struct{}

func (stubView) Get(address string) ([]byte, error) {
	return nil, ErrAddressNotFound
}

// stubSettingsFactory serves a fixed settings map at every root.
type stubSettingsFactory struct {
	settings map[string]string
	err      error
}

func (f *stubSettingsFactory) CreateSettingsView(stateRoot string) (SettingsView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &stubSettingsView{settings: f.settings}, nil
}

type stubSettingsView struct {
	settings map[string]string
}

func (v *stubSettingsView) Setting(key, defaultValue string) (string, error) {
	if value, ok := v.settings[key]; ok {
		return value, nil
	}
	return defaultValue, nil
}

// stubPermissions answers every authorization query the same way.
type stubPermissions struct {
	denied map[string]bool
	err    error
}

func (p *stubPermissions) IsBatchSignerAuthorized(batch *Batch, stateRoot string, fromState bool) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	return !p.denied[batch.HeaderSignature], nil
}

type testSigner struct{}

func (testSigner) PublicKeyHex() string {
	return "03badc0ffee0ddf00d"
}

// callbackRecorder captures completion callbacks in arrival order.
type callbackRecorder struct {
	mu     sync.Mutex
	blocks []*Block
	ch     chan *Block
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{ch: make(chan *Block, 64)}
}

func (r *callbackRecorder) callback(block *Block) {
	r.mu.Lock()
	r.blocks = append(r.blocks, block)
	r.mu.Unlock()
	r.ch <- block
}

// await blocks until n callbacks have arrived, returning them in order.
func (r *callbackRecorder) await(t *testing.T, n int) []*Block {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for received := 0; received < n; received++ {
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for callback %d of %d", received+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Block(nil), r.blocks...)
}

func (r *callbackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}

// testComponents wires permissive defaults around a store.
func testComponents(store *testStore) Components {
	return Components{
		BlockCache:          newTestCache(store),
		StateViewFactory:    stubStateViews{},
		SettingsViewFactory: &stubSettingsFactory{},
		Executor:            &scriptedExecutor{},
		IdentitySigner:      testSigner{},
		PermissionVerifier:  &stubPermissions{},
		Consensus:           newRecordingConsensus(),
		Metrics:             metrics.NewValidationMetrics(prometheus.NewRegistry()),
		Log:                 logger.NewNopLogger(),
	}
}

func newTestValidator(t *testing.T, cfg Config, c Components) *BlockValidator {
	t.Helper()
	v, err := NewBlockValidator(cfg, c)
	if err != nil {
		t.Fatalf("Failed to create block validator: %v", err)
	}
	t.Cleanup(v.Stop)
	return v
}

func testBlock(id, previous string, num uint64, stateRoot string, batches ...*Batch) *Block {
	return NewBlock(id, previous, num, "aa01", stateRoot, batches)
}

func testBatch(id string, txns ...*Transaction) *Batch {
	return &Batch{HeaderSignature: id, SignerPublicKey: "aa01", Transactions: txns}
}

func testTxn(id string, deps ...string) *Transaction {
	return &Transaction{
		HeaderSignature: id,
		FamilyName:      "token",
		SignerPublicKey: "aa01",
		Dependencies:    deps,
	}
}
