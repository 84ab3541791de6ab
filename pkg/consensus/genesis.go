package consensus

import "github.com/karstchain/karst/pkg/journal"

// genesisModule is the well-known module consulted for blocks with no
// predecessor. It accepts exactly the shape of a genesis block.
type genesisModule struct{}

// NewGenesisModule creates the genesis consensus module.
func NewGenesisModule() journal.ConsensusModule {
	return genesisModule{}
}

func (genesisModule) Name() string {
	return "genesis"
}

func (genesisModule) NewBlockVerifier(cfg journal.BlockVerifierConfig) (journal.BlockVerifier, error) {
	return genesisVerifier{}, nil
}

type genesisVerifier struct{}

func (genesisVerifier) VerifyBlock(block *journal.Block) (bool, error) {
	return block.PreviousBlockID == journal.NullBlockIdentifier && block.BlockNum == 0, nil
}
