// Read-only state views and state commitment for the karst validator
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/karstchain/karst/pkg/journal"
	"github.com/karstchain/karst/pkg/storage"
)

const (
	statePrefix = "state:"
	rootPrefix  = "root:"
)

func entryKey(root, address string) []byte {
	return []byte(statePrefix + root + ":" + address)
}

// Store persists immutable state snapshots keyed by merkle root. Each
// commit materializes a full snapshot under the new root, so every root
// that was ever produced stays readable. The root of the empty snapshot
// is journal.InitRoot.
type Store struct {
	db storage.DB
}

// NewStore creates a state store over db.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// HasRoot reports whether a snapshot exists for the given root.
func (s *Store) HasRoot(root string) (bool, error) {
	if root == journal.InitRoot {
		return true, nil
	}
	_, err := s.db.Get([]byte(rootPrefix + root))
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Commit applies changes on top of the snapshot at prevRoot and persists
// the result under its computed root, which it returns. Committing the
// same changes on the same root is idempotent.
func (s *Store) Commit(prevRoot string, changes []journal.StateChange) (string, error) {
	if prevRoot != journal.InitRoot {
		ok, err := s.HasRoot(prevRoot)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("unknown state root %s", prevRoot)
		}
	}

	entries := make(map[string][]byte)
	it := s.db.NewIterator([]byte(statePrefix + prevRoot + ":"))
	prefixLen := len(statePrefix) + len(prevRoot) + 1
	for it.Next() {
		address := string(it.Key()[prefixLen:])
		value := make([]byte, len(it.Value()))
		copy(value, it.Value())
		entries[address] = value
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return "", fmt.Errorf("reading snapshot %s: %w", prevRoot, err)
	}

	for _, change := range changes {
		if change.Value == nil {
			delete(entries, change.Address)
			continue
		}
		entries[change.Address] = change.Value
	}

	newRoot := computeRoot(entries)

	batch := s.db.NewBatch()
	for address, value := range entries {
		batch.Set(entryKey(newRoot, address), value)
	}
	batch.Set([]byte(rootPrefix+newRoot), []byte{1})
	if err := batch.Write(); err != nil {
		return "", fmt.Errorf("writing snapshot %s: %w", newRoot, err)
	}
	return newRoot, nil
}

// SquashHandler adapts the store to the scheduler's squash contract.
func (s *Store) SquashHandler() journal.SquashHandler {
	return s.Commit
}

// computeRoot derives a deterministic root hash by hashing all entries in
// address order. The empty snapshot hashes to journal.InitRoot.
func computeRoot(entries map[string][]byte) string {
	addresses := make([]string, 0, len(entries))
	for address := range entries {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	h := sha256.New()
	for _, address := range addresses {
		h.Write([]byte(address))
		h.Write([]byte{0})
		h.Write(entries[address])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
