package mock

import (
	"sync"

	"github.com/pkg/errors"

	"handelbft/ledger"
	"handelbft/types"
)

// Ledger accepts everything in height order, without proof verification,
// and can be told to reject specific values to exercise the driver's
// failed-round path.
// EXPOSED FOR TESTING.
type Ledger struct {
	mtx    sync.Mutex
	height int64

	rejected map[string]struct{}
	applied  []*ledger.AppliedBlock
}

var _ ledger.Ledger = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{rejected: make(map[string]struct{})}
}

// RejectValue makes every future ValidateAndApply of this hash fail.
func (l *Ledger) RejectValue(value types.BlockHash) {
	l.mtx.Lock()
	l.rejected[value.String()] = struct{}{}
	l.mtx.Unlock()
}

func (l *Ledger) ValidateAndApply(block *types.Block, proof *types.FinalityProof) (*ledger.AppliedBlock, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if block == nil {
		return nil, errors.Wrap(ledger.ErrInvalidBlock, "nil block")
	}
	if _, bad := l.rejected[block.Hash.String()]; bad {
		return nil, errors.Wrap(ledger.ErrInvalidBlock, "value rejected by test setup")
	}
	if block.Height != l.height+1 {
		return nil, errors.Wrapf(ledger.ErrInvalidBlock, "height %d, want %d", block.Height, l.height+1)
	}

	l.height = block.Height
	applied := &ledger.AppliedBlock{Block: block, Proof: proof}
	l.applied = append(l.applied, applied)
	return applied, nil
}

func (l *Ledger) CurrentHeight() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.height
}

// Applied returns every block applied so far, in order.
func (l *Ledger) Applied() []*ledger.AppliedBlock {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return append([]*ledger.AppliedBlock{}, l.applied...)
}
