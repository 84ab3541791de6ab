package executor

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/karstchain/karst/internal/logger"
	"github.com/karstchain/karst/pkg/journal"
)

type batchEntry struct {
	batch        *journal.Batch
	expectedRoot string
}

// serialScheduler runs batches in submission order on a single goroutine.
// A transaction that fails to decode marks its batch invalid without
// advancing the state root; infrastructure failures from the squash
// handler abort the run and surface from Complete.
type serialScheduler struct {
	squash journal.SquashHandler
	log    *logger.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []batchEntry
	finalized bool
	cancelled bool
	started   bool
	execErr   error

	currentRoot  string
	batchResults map[string]*journal.BatchResult
	txnResults   map[string][]*journal.TransactionResult

	done chan struct{}
}

func newSerialScheduler(squash journal.SquashHandler, prevStateRoot string, log *logger.Logger) *serialScheduler {
	s := &serialScheduler{
		squash:       squash,
		log:          log,
		currentRoot:  prevStateRoot,
		batchResults: make(map[string]*journal.BatchResult),
		txnResults:   make(map[string][]*journal.TransactionResult),
		done:         make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *serialScheduler) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler is already executing")
	}
	s.started = true
	go s.run()
	return nil
}

func (s *serialScheduler) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.finalized && !s.cancelled {
			s.cond.Wait()
		}
		if s.cancelled || (len(s.queue) == 0 && s.finalized) {
			s.mu.Unlock()
			return
		}
		entry := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if !s.executeBatch(entry) {
			return
		}
	}
}

// executeBatch applies one batch. Returns false when execution must stop.
func (s *serialScheduler) executeBatch(entry batchEntry) bool {
	batch := entry.batch
	results := make([]*journal.TransactionResult, 0, len(batch.Transactions))
	var changes []journal.StateChange
	valid := true

	for _, txn := range batch.Transactions {
		txnChanges, err := decodeChanges(txn.Payload)
		if err != nil {
			s.log.WithError(err).WithField("txn", txn.HeaderSignature).
				Debug("Transaction failed to execute")
			results = append(results, &journal.TransactionResult{
				TransactionID: txn.HeaderSignature,
			})
			valid = false
			continue
		}
		results = append(results, &journal.TransactionResult{
			TransactionID: txn.HeaderSignature,
			IsValid:       true,
		})
		changes = append(changes, txnChanges...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if valid {
		newRoot, err := s.squash(s.currentRoot, changes)
		if err != nil {
			s.execErr = errors.Wrapf(err, "squashing state for batch %s", batch.HeaderSignature)
			return false
		}
		s.currentRoot = newRoot
	}

	s.batchResults[batch.HeaderSignature] = &journal.BatchResult{
		IsValid:   valid,
		StateHash: s.currentRoot,
	}
	s.txnResults[batch.HeaderSignature] = results

	if entry.expectedRoot != "" && entry.expectedRoot != s.currentRoot {
		s.log.WithFields(logger.Fields{
			"batch":    batch.HeaderSignature,
			"expected": entry.expectedRoot,
			"actual":   s.currentRoot,
		}).Debug("Commit hint does not match executed state root")
	}
	return true
}

func (s *serialScheduler) AddBatch(batch *journal.Batch, expectedStateRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return errors.New("scheduler is cancelled")
	}
	if s.finalized {
		return errors.New("scheduler is finalized")
	}
	s.queue = append(s.queue, batchEntry{batch: batch, expectedRoot: expectedStateRoot})
	s.cond.Broadcast()
	return nil
}

func (s *serialScheduler) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return errors.New("scheduler is cancelled")
	}
	s.finalized = true
	s.cond.Broadcast()
	return nil
}

func (s *serialScheduler) Complete(wait bool) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("scheduler was never executed")
	}
	s.mu.Unlock()

	if wait {
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execErr
}

func (s *serialScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.cond.Broadcast()
}

func (s *serialScheduler) BatchExecutionResult(batchID string) *journal.BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchResults[batchID]
}

func (s *serialScheduler) TransactionExecutionResults(batchID string) []*journal.TransactionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnResults[batchID]
}
