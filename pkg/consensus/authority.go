package consensus

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/karstchain/karst/pkg/journal"
	"github.com/karstchain/karst/pkg/state"
)

// AuthorizedKeysSettingKey is the on-chain setting listing the public keys
// allowed to sign blocks, comma separated. An empty list permits any
// signer, which is the development-mode behavior.
const AuthorizedKeysSettingKey = "karst.consensus.authority.authorized_keys"

// authorityModule implements proof-of-authority agreement: a block is
// acceptable when its signer is one of the authorized keys configured in
// state as of the predecessor.
type authorityModule struct{}

// NewAuthorityModule creates the proof-of-authority consensus module.
func NewAuthorityModule() journal.ConsensusModule {
	return authorityModule{}
}

func (authorityModule) Name() string {
	return "authority"
}

func (authorityModule) NewBlockVerifier(cfg journal.BlockVerifierConfig) (journal.BlockVerifier, error) {
	if cfg.BlockCache == nil || cfg.StateViewFactory == nil {
		return nil, errors.New("authority verifier needs a block cache and a state view factory")
	}
	return &authorityVerifier{cfg: cfg}, nil
}

type authorityVerifier struct {
	cfg journal.BlockVerifierConfig
}

func (v *authorityVerifier) VerifyBlock(block *journal.Block) (bool, error) {
	prev, ok := v.cfg.BlockCache.Get(block.PreviousBlockID)
	if !ok {
		return false, errors.Errorf(
			"predecessor %s of block %s is not available", block.PreviousBlockID, block)
	}
	view, err := v.cfg.StateViewFactory.CreateView(prev.StateRootHash)
	if err != nil {
		return false, errors.Wrapf(err, "state view as of block %s", prev)
	}

	keys, err := state.NewSettingsView(view).Setting(AuthorizedKeysSettingKey, "")
	if err != nil {
		return false, err
	}
	if keys == "" {
		return true, nil
	}
	for _, key := range strings.Split(keys, ",") {
		if strings.TrimSpace(key) == block.SignerPublicKey {
			return true, nil
		}
	}
	return false, nil
}
