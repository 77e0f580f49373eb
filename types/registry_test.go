package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/bits"
)

func TestQuorumThreshold(t *testing.T) {
	cases := []struct {
		weights   []int64
		threshold int64
	}{
		{[]int64{1, 1, 1, 1}, 3},        // the classic 4-validator setup
		{[]int64{1, 1, 1}, 2},
		{[]int64{10, 20, 30}, 40},
		{[]int64{5, 5, 5, 5, 5, 5, 5}, 24},
	}

	for _, tc := range cases {
		reg, _ := RandRegistryWithWeights(tc.weights)
		assert.Equal(t, tc.threshold, reg.QuorumThreshold(), "weights %v", tc.weights)
	}
}

func TestWeightOfUnknownValidator(t *testing.T) {
	reg, _ := RandRegistry(4)

	w, err := reg.WeightOf(2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, w)

	_, err = reg.WeightOf(4)
	assert.ErrorIs(t, err, ErrUnknownValidator)
	_, err = reg.WeightOf(-1)
	assert.ErrorIs(t, err, ErrUnknownValidator)
}

func TestWeightOfBits(t *testing.T) {
	reg, _ := RandRegistryWithWeights([]int64{2, 3, 5, 7})

	signers := bits.NewBitArray(4)
	signers.SetIndex(0, true)
	signers.SetIndex(2, true)

	w, err := reg.WeightOfBits(signers)
	require.NoError(t, err)
	assert.EqualValues(t, 7, w)

	// a bitset sized for another registry is a registry inconsistency
	_, err = reg.WeightOfBits(bits.NewBitArray(5))
	assert.ErrorIs(t, err, ErrUnknownValidator)
}

func TestProposerRoundRobin(t *testing.T) {
	reg, _ := RandRegistry(4)

	assert.EqualValues(t, 1, reg.Proposer(1, 0).Index)
	assert.EqualValues(t, 2, reg.Proposer(1, 1).Index)
	assert.EqualValues(t, 0, reg.Proposer(1, 3).Index)
	assert.EqualValues(t, 2, reg.Proposer(2, 0).Index)

	// proposer selection is a pure function: every call agrees
	for r := int32(0); r < 10; r++ {
		assert.Equal(t, reg.Proposer(5, r).Index, reg.Proposer(5, r).Index)
	}
}
