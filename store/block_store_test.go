package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"handelbft/types"
)

func newTestStore() *BlockStore {
	return NewBlockStoreWithDB(memdb.NewDB(), log.TestingLogger())
}

func finalizedFixture(height int64) (*types.Block, *types.FinalityProof) {
	reg, privs := types.RandRegistry(4)
	value := types.BlockHash("finalized block")

	var agg *types.Contribution
	for idx := int32(0); idx < 3; idx++ {
		vote := &types.Vote{
			Height: height, Round: 0, Phase: types.PhasePrecommit,
			Value: value, ValidatorIndex: idx,
		}
		if err := privs[idx].SignVote("STORE_TEST", vote); err != nil {
			panic(err)
		}
		single := types.SingletonContribution(vote, reg.Size())
		if agg == nil {
			agg = single
			continue
		}
		combined, err := agg.Combine(single)
		if err != nil {
			panic(err)
		}
		agg = combined
	}

	block := &types.Block{Height: height, Hash: value, ProposerIndex: 0}
	return block, types.NewFinalityProof(agg)
}

func TestSaveAndLoadFinalized(t *testing.T) {
	bs := newTestStore()

	block, proof := finalizedFixture(1)
	require.NoError(t, bs.SaveFinalized(block, proof))
	assert.EqualValues(t, 1, bs.Height())

	gotBlock, gotProof, err := bs.LoadFinalized(1)
	require.NoError(t, err)
	assert.Equal(t, block.Hash, gotBlock.Hash)
	assert.Equal(t, proof.BlockHash, gotProof.BlockHash)
	assert.Equal(t, proof.Signers.String(), gotProof.Signers.String())
}

func TestLoadMissingHeight(t *testing.T) {
	bs := newTestStore()

	_, _, err := bs.LoadFinalized(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeightOnlyGrows(t *testing.T) {
	bs := newTestStore()

	b2, p2 := finalizedFixture(2)
	require.NoError(t, bs.SaveFinalized(b2, p2))
	b1, p1 := finalizedFixture(1)
	require.NoError(t, bs.SaveFinalized(b1, p1))

	assert.EqualValues(t, 2, bs.Height())
}
