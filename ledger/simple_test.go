package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"handelbft/store"
	"handelbft/types"
)

const chainID = "LEDGER_TEST"

// quorumFixture builds a block plus a genuine precommit-quorum proof.
func quorumFixture(t *testing.T, reg *types.ValidatorRegistry, privs []types.PrivValidator, height int64) (*types.Block, *types.FinalityProof) {
	value := types.BlockHash(tmhash.Sum([]byte{byte(height)}))

	var agg *types.Contribution
	for idx := int32(0); idx < 3; idx++ {
		vote := &types.Vote{
			Height: height, Round: 0, Phase: types.PhasePrecommit,
			Value: value, ValidatorIndex: idx,
		}
		require.NoError(t, privs[idx].SignVote(chainID, vote))
		single := types.SingletonContribution(vote, reg.Size())
		if agg == nil {
			agg = single
			continue
		}
		combined, err := agg.Combine(single)
		require.NoError(t, err)
		agg = combined
	}

	block := &types.Block{Height: height, Hash: value, ProposerIndex: 0}
	return block, types.NewFinalityProof(agg)
}

func TestSimpleLedgerAppliesInOrder(t *testing.T) {
	reg, privs := types.RandRegistry(4)
	bs := store.NewBlockStoreWithDB(memdb.NewDB(), log.TestingLogger())
	l := NewSimpleLedger(chainID, reg, bs)

	b1, p1 := quorumFixture(t, reg, privs, 1)
	applied, err := l.ValidateAndApply(b1, p1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, applied.Block.Height)
	assert.EqualValues(t, 1, l.CurrentHeight())

	// persisted through the store
	gotBlock, _, err := bs.LoadFinalized(1)
	require.NoError(t, err)
	assert.Equal(t, b1.Hash, gotBlock.Hash)
}

func TestSimpleLedgerRejectsHeightGap(t *testing.T) {
	reg, privs := types.RandRegistry(4)
	l := NewSimpleLedger(chainID, reg, nil)

	b2, p2 := quorumFixture(t, reg, privs, 2)
	_, err := l.ValidateAndApply(b2, p2)
	assert.ErrorIs(t, err, ErrInvalidBlock)
	assert.EqualValues(t, 0, l.CurrentHeight())
}

func TestSimpleLedgerRejectsBadProof(t *testing.T) {
	reg, privs := types.RandRegistry(4)
	l := NewSimpleLedger(chainID, reg, nil)

	b1, p1 := quorumFixture(t, reg, privs, 1)

	// proof for a different value
	p1.BlockHash = types.BlockHash(tmhash.Sum([]byte("other")))
	_, err := l.ValidateAndApply(b1, p1)
	assert.ErrorIs(t, err, ErrInvalidBlock)

	// sub-quorum signer set
	b1, p1 = quorumFixture(t, reg, privs, 1)
	p1.Signers.SetIndex(2, false)
	_, err = l.ValidateAndApply(b1, p1)
	assert.ErrorIs(t, err, ErrInvalidBlock)
}
