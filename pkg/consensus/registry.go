// Pluggable consensus modules for the karst validator
package consensus

import (
	"fmt"
	"sync"

	"github.com/karstchain/karst/internal/logger"
	"github.com/karstchain/karst/pkg/journal"
	"github.com/karstchain/karst/pkg/state"
)

// AlgorithmSettingKey is the on-chain setting naming the consensus module
// that governs the chain.
const AlgorithmSettingKey = "karst.consensus.algorithm"

// defaultAlgorithm is used when no algorithm has been configured in state.
const defaultAlgorithm = "authority"

// Registry holds the consensus modules available to this validator and
// resolves the one configured in state as of a given block.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]journal.ConsensusModule
	log     *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		modules: make(map[string]journal.ConsensusModule),
		log:     log,
	}
}

// Register adds a module. Registering two modules with the same name is
// an error.
func (r *Registry) Register(module journal.ConsensusModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[module.Name()]; ok {
		return fmt.Errorf("consensus module %q is already registered", module.Name())
	}
	r.modules[module.Name()] = module
	return nil
}

// Module returns the module registered under name.
func (r *Registry) Module(name string) (journal.ConsensusModule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	module, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("consensus module %q is not registered", name)
	}
	return module, nil
}

// ConfiguredModule resolves the module named by the algorithm setting in
// the given state view, which reflects state as of blockID.
func (r *Registry) ConfiguredModule(blockID string, view journal.StateView) (journal.ConsensusModule, error) {
	name, err := state.NewSettingsView(view).Setting(AlgorithmSettingKey, defaultAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("reading consensus algorithm as of block %s: %w", blockID, err)
	}
	module, err := r.Module(name)
	if err != nil {
		return nil, fmt.Errorf("consensus configured as of block %s: %w", blockID, err)
	}
	r.log.WithFields(logger.Fields{
		"algorithm": name,
		"block_id":  blockID,
	}).Debug("Resolved configured consensus module")
	return module, nil
}
