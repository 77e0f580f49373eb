package types

import (
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// BlockHash identifies a candidate block. The consensus core treats block
// contents as opaque: candidate assembly and validation belong to the
// mempool and ledger collaborators.
type BlockHash = tmbytes.HexBytes

// NilValue is the empty value a validator votes for when it has no
// acceptable proposal.
var NilValue = BlockHash(nil)

// Block is the finalized unit handed to the ledger together with its
// finality proof.
type Block struct {
	Height        int64     `json:"height"`
	Round         int32     `json:"round"`
	Hash          BlockHash `json:"hash"`
	ProposerIndex int32     `json:"proposer_index"`
	Time          time.Time `json:"time"`
}
