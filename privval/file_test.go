package privval

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"

	"handelbft/types"
)

const chainID = "PRIVVAL_TEST"

func tempFilePV(t *testing.T) *FilePV {
	dir, err := ioutil.TempDir("", "privval_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	return GenFilePV(
		filepath.Join(dir, "priv_validator_key.json"),
		filepath.Join(dir, "priv_validator_state.json"),
	)
}

func TestGenLoadRoundTrip(t *testing.T) {
	pv := tempFilePV(t)
	pv.Save()

	loaded := LoadFilePV(pv.Key.filePath, pv.LastSignState.filePath)
	assert.Equal(t, pv.Key.Address, loaded.Key.Address)
	assert.Equal(t, pv.Key.PubKey, loaded.Key.PubKey)
}

func TestSignVoteAdvancesState(t *testing.T) {
	pv := tempFilePV(t)
	pv.Save()
	value := types.BlockHash(tmhash.Sum([]byte("block")))

	vote := &types.Vote{Height: 1, Round: 0, Phase: types.PhasePrevote, Value: value}
	require.NoError(t, pv.SignVote(chainID, vote))
	require.NotEmpty(t, vote.Signature)

	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	assert.True(t, pub.VerifySignature(types.VoteSignBytes(chainID, vote), vote.Signature))

	assert.EqualValues(t, 1, pv.LastSignState.Height)
	assert.Equal(t, types.PhasePrevote, pv.LastSignState.Phase)
}

func TestRefusesConflictingVote(t *testing.T) {
	pv := tempFilePV(t)
	pv.Save()

	valueA := types.BlockHash(tmhash.Sum([]byte("A")))
	valueB := types.BlockHash(tmhash.Sum([]byte("B")))

	voteA := &types.Vote{Height: 1, Round: 0, Phase: types.PhasePrevote, Value: valueA}
	require.NoError(t, pv.SignVote(chainID, voteA))

	voteB := &types.Vote{Height: 1, Round: 0, Phase: types.PhasePrevote, Value: valueB}
	assert.Error(t, pv.SignVote(chainID, voteB), "signing a second value for the same phase must fail")

	// later phase of the same round is fine
	precommit := &types.Vote{Height: 1, Round: 0, Phase: types.PhasePrecommit, Value: valueA}
	assert.NoError(t, pv.SignVote(chainID, precommit))
}

func TestRepeatSignReturnsSameSignature(t *testing.T) {
	pv := tempFilePV(t)
	pv.Save()
	value := types.BlockHash(tmhash.Sum([]byte("repeat")))

	vote := &types.Vote{Height: 2, Round: 1, Phase: types.PhasePrecommit, Value: value}
	require.NoError(t, pv.SignVote(chainID, vote))
	first := vote.Signature

	again := &types.Vote{Height: 2, Round: 1, Phase: types.PhasePrecommit, Value: value}
	require.NoError(t, pv.SignVote(chainID, again))
	assert.Equal(t, first, again.Signature)
}

func TestRefusesHeightRegression(t *testing.T) {
	pv := tempFilePV(t)
	pv.Save()
	value := types.BlockHash(tmhash.Sum([]byte("height")))

	vote := &types.Vote{Height: 5, Round: 0, Phase: types.PhasePrevote, Value: value}
	require.NoError(t, pv.SignVote(chainID, vote))

	older := &types.Vote{Height: 4, Round: 0, Phase: types.PhasePrevote, Value: value}
	assert.Error(t, pv.SignVote(chainID, older))
}
