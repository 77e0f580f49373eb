package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handelbft/crypto/bls"
)

const testChainID = "TYPES_TEST"

// signedVote casts a vote with privs[idx] and returns it.
func signedVote(t *testing.T, privs []PrivValidator, idx int32, phase PhaseType, value BlockHash) *Vote {
	vote := &Vote{
		Height:         1,
		Round:          0,
		Phase:          phase,
		Value:          value,
		ValidatorIndex: idx,
	}
	require.NoError(t, privs[idx].SignVote(testChainID, vote))
	return vote
}

func TestCombineDisjoint(t *testing.T) {
	reg, privs := RandRegistry(4)
	value := BlockHash("blockA")

	c0 := SingletonContribution(signedVote(t, privs, 0, PhasePrevote, value), reg.Size())
	c1 := SingletonContribution(signedVote(t, privs, 1, PhasePrevote, value), reg.Size())

	combined, err := c0.Combine(c1)
	require.NoError(t, err)
	assert.Equal(t, 2, combined.SignerCount())

	// the combined aggregate verifies against the summed keys
	keys, err := reg.PubKeysOfBits(combined.Signers)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	msg := VoteSignBytes(testChainID, &Vote{Height: 1, Round: 0, Phase: PhasePrevote, Value: value})
	assert.True(t, bls.VerifyAggregate(keys, msg, combined.Signature))
}

func TestCombineOverlappingRejected(t *testing.T) {
	reg, privs := RandRegistry(4)
	value := BlockHash("blockA")

	c01, err := SingletonContribution(signedVote(t, privs, 0, PhasePrevote, value), reg.Size()).
		Combine(SingletonContribution(signedVote(t, privs, 1, PhasePrevote, value), reg.Size()))
	require.NoError(t, err)

	c12, err := SingletonContribution(signedVote(t, privs, 1, PhasePrevote, value), reg.Size()).
		Combine(SingletonContribution(signedVote(t, privs, 2, PhasePrevote, value), reg.Size()))
	require.NoError(t, err)

	_, err = c01.Combine(c12)
	assert.ErrorIs(t, err, ErrOverlappingSigners)
}

func TestCombineDifferentMessagesRejected(t *testing.T) {
	reg, privs := RandRegistry(4)

	ca := SingletonContribution(signedVote(t, privs, 0, PhasePrevote, BlockHash("blockA")), reg.Size())
	cb := SingletonContribution(signedVote(t, privs, 1, PhasePrevote, BlockHash("blockB")), reg.Size())

	_, err := ca.Combine(cb)
	assert.ErrorIs(t, err, ErrContributionMismatch)
}

func TestIsSubsetOf(t *testing.T) {
	reg, privs := RandRegistry(4)
	value := BlockHash("blockA")

	c0 := SingletonContribution(signedVote(t, privs, 0, PhasePrevote, value), reg.Size())
	c1 := SingletonContribution(signedVote(t, privs, 1, PhasePrevote, value), reg.Size())
	c01, err := c0.Combine(c1)
	require.NoError(t, err)

	assert.True(t, c0.IsSubsetOf(c01))
	assert.False(t, c01.IsSubsetOf(c0))
}

func TestBetterThan(t *testing.T) {
	reg, privs := RandRegistryWithWeights([]int64{5, 1, 1, 1})
	value := BlockHash("blockA")

	heavy := SingletonContribution(signedVote(t, privs, 0, PhasePrevote, value), reg.Size())

	light01, err := SingletonContribution(signedVote(t, privs, 1, PhasePrevote, value), reg.Size()).
		Combine(SingletonContribution(signedVote(t, privs, 2, PhasePrevote, value), reg.Size()))
	require.NoError(t, err)

	// weight 5 beats weight 2 despite fewer signers
	assert.True(t, heavy.BetterThan(light01, reg))
	assert.False(t, light01.BetterThan(heavy, reg))
}

func TestFinalityProofVerify(t *testing.T) {
	reg, privs := RandRegistry(4)
	value := BlockHash("blockA")

	agg := SingletonContribution(signedVote(t, privs, 0, PhasePrecommit, value), reg.Size())
	for _, idx := range []int32{1, 2} {
		next, err := agg.Combine(SingletonContribution(signedVote(t, privs, idx, PhasePrecommit, value), reg.Size()))
		require.NoError(t, err)
		agg = next
	}

	proof := NewFinalityProof(agg)
	assert.NoError(t, proof.Verify(testChainID, reg))

	// two signers are below the threshold of 3
	short := SingletonContribution(signedVote(t, privs, 0, PhasePrecommit, value), reg.Size())
	short, err := short.Combine(SingletonContribution(signedVote(t, privs, 1, PhasePrecommit, value), reg.Size()))
	require.NoError(t, err)
	assert.Error(t, NewFinalityProof(short).Verify(testChainID, reg))
}
