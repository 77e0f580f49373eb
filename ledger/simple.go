package ledger

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"handelbft/store"
	"handelbft/types"
)

// SimpleLedger applies blocks in strict height order, checking each
// finality proof against the epoch's registry before accepting, and
// persists the result through an optional block store.
type SimpleLedger struct {
	mtx    sync.Mutex
	logger log.Logger

	chainID string
	reg     *types.ValidatorRegistry

	height     int64
	blockStore *store.BlockStore // may be nil, then nothing persists
}

var _ Ledger = (*SimpleLedger)(nil)

func NewSimpleLedger(chainID string, reg *types.ValidatorRegistry, blockStore *store.BlockStore) *SimpleLedger {
	l := &SimpleLedger{
		logger:     log.NewNopLogger(),
		chainID:    chainID,
		reg:        reg,
		blockStore: blockStore,
	}
	if blockStore != nil {
		l.height = blockStore.Height()
	}
	return l
}

func (l *SimpleLedger) SetLogger(logger log.Logger) {
	l.logger = logger
}

func (l *SimpleLedger) ValidateAndApply(block *types.Block, proof *types.FinalityProof) (*AppliedBlock, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if block == nil || proof == nil {
		return nil, errors.Wrap(ErrInvalidBlock, "nil block or proof")
	}
	if block.Height != l.height+1 {
		return nil, errors.Wrapf(ErrInvalidBlock, "height %d, want %d", block.Height, l.height+1)
	}
	if !bytes.Equal(block.Hash, proof.BlockHash) {
		return nil, errors.Wrap(ErrInvalidBlock, "proof is for a different value")
	}
	if err := proof.Verify(l.chainID, l.reg); err != nil {
		return nil, errors.Wrap(ErrInvalidBlock, err.Error())
	}

	if l.blockStore != nil {
		if err := l.blockStore.SaveFinalized(block, proof); err != nil {
			return nil, errors.Wrap(err, "persisting finalized block")
		}
	}

	l.height = block.Height
	l.logger.Info("applied block", "height", block.Height, "hash", block.Hash)

	return &AppliedBlock{Block: block, Proof: proof}, nil
}

func (l *SimpleLedger) CurrentHeight() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.height
}
