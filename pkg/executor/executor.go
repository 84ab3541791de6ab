// Serial transaction execution for the karst validator
package executor

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/karstchain/karst/internal/logger"
	"github.com/karstchain/karst/pkg/journal"
)

// SerialExecutor executes the batches of one block at a time, in order,
// consolidating state through the squash handler supplied per scheduler.
type SerialExecutor struct {
	log *logger.Logger
}

// NewSerialExecutor creates the executor.
func NewSerialExecutor(log *logger.Logger) *SerialExecutor {
	return &SerialExecutor{log: log}
}

// CreateScheduler returns a scheduler anchored at prevStateRoot.
func (e *SerialExecutor) CreateScheduler(squash journal.SquashHandler, prevStateRoot string) (journal.Scheduler, error) {
	if squash == nil {
		return nil, errors.New("a squash handler is required")
	}
	return newSerialScheduler(squash, prevStateRoot, e.log), nil
}

// Execute starts processing the scheduler's batches.
func (e *SerialExecutor) Execute(scheduler journal.Scheduler) error {
	s, ok := scheduler.(*serialScheduler)
	if !ok {
		return errors.Errorf("scheduler of type %T was not created by this executor", scheduler)
	}
	return s.start()
}

// txnPayload is the wire form of a transaction's state effects. Values
// are hex encoded.
type txnPayload struct {
	Set    map[string]string `json:"set,omitempty"`
	Delete []string          `json:"delete,omitempty"`
}

// decodeChanges turns a transaction payload into ordered state changes.
// Writes are applied in address order so execution is deterministic.
func decodeChanges(payload []byte) ([]journal.StateChange, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var p txnPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Wrap(err, "malformed transaction payload")
	}

	addresses := make([]string, 0, len(p.Set))
	for address := range p.Set {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	changes := make([]journal.StateChange, 0, len(addresses)+len(p.Delete))
	for _, address := range addresses {
		value, err := hex.DecodeString(p.Set[address])
		if err != nil {
			return nil, errors.Wrapf(err, "value for address %s is not hex", address)
		}
		changes = append(changes, journal.StateChange{Address: address, Value: value})
	}
	for _, address := range p.Delete {
		changes = append(changes, journal.StateChange{Address: address})
	}
	return changes, nil
}
