package ledger

import (
	"github.com/pkg/errors"

	"handelbft/types"
)

var (
	// ErrInvalidBlock is returned when a finalized value fails ledger
	// validation. The driver treats it as a failed round, not a crash.
	ErrInvalidBlock = errors.New("block rejected by ledger")
)

// AppliedBlock is the ledger's receipt for a finalized block.
type AppliedBlock struct {
	Block *types.Block         `json:"block"`
	Proof *types.FinalityProof `json:"proof"`
}

// Ledger validates and applies finalized blocks. Transaction semantics are
// out of the consensus core's scope; the driver only needs accept/reject
// plus the current chain height.
type Ledger interface {
	// ValidateAndApply appends the block if it and its finality proof are
	// valid for the next height. Rejection wraps ErrInvalidBlock.
	ValidateAndApply(block *types.Block, proof *types.FinalityProof) (*AppliedBlock, error)

	// CurrentHeight returns the height of the last applied block, 0 before
	// the first one.
	CurrentHeight() int64
}
