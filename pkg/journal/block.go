// Block validation engine for the karst validator
package journal

import (
	"fmt"
	"sync/atomic"
)

// NullBlockIdentifier is the sentinel predecessor id of the genesis block.
const NullBlockIdentifier = "0000000000000000"

// InitRoot is the merkle root of the empty state, used as the predecessor
// state root of the genesis block. It is the SHA-256 of the empty input.
const InitRoot = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// BlockStatus is the validation state of a block. It is a closed set; the
// cascade resolver handles every variant exhaustively.
type BlockStatus uint32

const (
	StatusUnknown BlockStatus = iota
	StatusValid
	StatusInvalid
)

func (s BlockStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Transaction is a single state transition request. Dependencies name
// transaction ids that must already be committed on the chain being
// extended before this transaction may execute.
type Transaction struct {
	HeaderSignature string   `json:"header_signature"`
	FamilyName      string   `json:"family_name"`
	SignerPublicKey string   `json:"signer_public_key"`
	Dependencies    []string `json:"dependencies,omitempty"`
	Payload         []byte   `json:"payload,omitempty"`
}

// Batch is an atomic group of transactions sharing a signer.
type Batch struct {
	HeaderSignature string         `json:"header_signature"`
	SignerPublicKey string         `json:"signer_public_key"`
	Transactions    []*Transaction `json:"transactions"`
}

// TransactionResult is the outcome of executing one transaction.
type TransactionResult struct {
	TransactionID string `json:"transaction_id"`
	IsValid       bool   `json:"is_valid"`
}

// BatchResult is the outcome of executing one batch, including the state
// root reached after applying it.
type BatchResult struct {
	IsValid   bool
	StateHash string
}

// Block is a signed bundle of ordered batches proposed as a successor of
// PreviousBlockID. The engine owns a block for the duration of its
// validation window; appending execution results and setting the status
// are the only mutations it performs.
type Block struct {
	HeaderSignature string
	PreviousBlockID string
	BlockNum        uint64
	SignerPublicKey string
	StateRootHash   string
	Batches         []*Batch

	// Attached by the engine when validation succeeds.
	ExecutionResults []*TransactionResult
	NumTransactions  int

	status atomic.Uint32
}

// NewBlock constructs a block with status unknown.
func NewBlock(id, previous string, num uint64, signer, stateRoot string, batches []*Batch) *Block {
	return &Block{
		HeaderSignature: id,
		PreviousBlockID: previous,
		BlockNum:        num,
		SignerPublicKey: signer,
		StateRootHash:   stateRoot,
		Batches:         batches,
	}
}

// Identifier returns the block's content hash.
func (b *Block) Identifier() string {
	return b.HeaderSignature
}

// Status returns the block's current validation state. The status field is
// shared between the validating worker and the cascade resolver, so access
// goes through an atomic.
func (b *Block) Status() BlockStatus {
	return BlockStatus(b.status.Load())
}

// SetStatus updates the block's validation state.
func (b *Block) SetStatus(s BlockStatus) {
	b.status.Store(uint32(s))
}

func (b *Block) String() string {
	id := b.HeaderSignature
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%d (%s...)", b.BlockNum, id)
}
