package privval

import (
	"bytes"
	"fmt"
	"io/ioutil"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"

	"handelbft/crypto/bls"
	"handelbft/types"
)

//-------------------------------------------------------------------------------

// FilePVKey stores the immutable part of PrivValidator.
type FilePVKey struct {
	Address types.Address  `json:"address"`
	PubKey  crypto.PubKey  `json:"pub_key"`
	PrivKey crypto.PrivKey `json:"priv_key"`

	filePath string
}

// Save persists the FilePVKey to its filePath.
func (pvKey FilePVKey) Save() {
	outFile := pvKey.filePath
	if outFile == "" {
		panic("cannot save PrivValidator key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		panic(err)
	}
	if err := tempfile.WriteFileAtomic(outFile, jsonBytes, 0600); err != nil {
		panic(err)
	}
}

//-------------------------------------------------------------------------------

// FilePVLastSignState stores the mutable part of PrivValidator: the last
// message signed per phase. A vote, once cast, is final; the sign state is
// what enforces that across process restarts.
type FilePVLastSignState struct {
	Height    int64           `json:"height"`
	Round     int32           `json:"round"`
	Phase     types.PhaseType `json:"phase"`
	SignBytes []byte          `json:"sign_bytes,omitempty"`
	Signature []byte          `json:"signature,omitempty"`

	filePath string
}

// checkHRP returns an error if the height/round/phase regresses behind the
// last signed one. For an exact repeat it returns the stored signature when
// the sign bytes match, so a crashed-and-restarted node can re-emit its
// vote instead of halting.
func (lss *FilePVLastSignState) checkHRP(height int64, round int32, phase types.PhaseType, signBytes []byte) ([]byte, error) {
	if lss.Height > height {
		return nil, fmt.Errorf("height regression: last %d, got %d", lss.Height, height)
	}
	if lss.Height < height {
		return nil, nil
	}
	if lss.Round > round {
		return nil, fmt.Errorf("round regression at height %d: last %d, got %d", height, lss.Round, round)
	}
	if lss.Round < round {
		return nil, nil
	}
	if lss.Phase > phase {
		return nil, fmt.Errorf("phase regression at %d/%d: last %v, got %v", height, round, lss.Phase, phase)
	}
	if lss.Phase < phase {
		return nil, nil
	}
	if bytes.Equal(lss.SignBytes, signBytes) {
		return lss.Signature, nil
	}
	return nil, fmt.Errorf("conflicting sign request at %d/%d %v", height, round, phase)
}

// Save persists the FilePvLastSignState to its filePath.
func (lss *FilePVLastSignState) Save() {
	outFile := lss.filePath
	if outFile == "" {
		panic("cannot save FilePVLastSignState: filePath not set")
	}
	jsonBytes, err := tmjson.MarshalIndent(lss, "", "  ")
	if err != nil {
		panic(err)
	}
	if err := tempfile.WriteFileAtomic(outFile, jsonBytes, 0600); err != nil {
		panic(err)
	}
}

//-------------------------------------------------------------------------------

// FilePV implements PrivValidator using data persisted to disk to prevent
// double signing. The directories containing pv.Key.filePath and
// pv.LastSignState.filePath must already exist.
type FilePV struct {
	Key           FilePVKey
	LastSignState FilePVLastSignState
}

var _ types.PrivValidator = (*FilePV)(nil)

// NewFilePV generates a new validator from the given key and paths.
func NewFilePV(privKey crypto.PrivKey, keyFilePath, stateFilePath string) *FilePV {
	return &FilePV{
		Key: FilePVKey{
			Address:  types.GetAddress(privKey.PubKey()),
			PubKey:   privKey.PubKey(),
			PrivKey:  privKey,
			filePath: keyFilePath,
		},
		LastSignState: FilePVLastSignState{
			filePath: stateFilePath,
		},
	}
}

// GenFilePV generates a new validator with a fresh BLS private key and sets
// the filePaths, but does not call Save().
func GenFilePV(keyFilePath, stateFilePath string) *FilePV {
	return NewFilePV(bls.GenPrivKey(), keyFilePath, stateFilePath)
}

// GenFilePVWithSeed is GenFilePV with a deterministic key, for test
// networks whose registries must be reproducible.
func GenFilePVWithSeed(keyFilePath, stateFilePath string, seed int64) *FilePV {
	return NewFilePV(bls.GenPrivKeyWithSeed(seed), keyFilePath, stateFilePath)
}

// LoadFilePV loads a FilePV from the filePaths. If either file path does
// not exist or is corrupt, the program exits.
func LoadFilePV(keyFilePath, stateFilePath string) *FilePV {
	keyJSONBytes, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		tmos.Exit(err.Error())
	}
	pvKey := FilePVKey{}
	if err := tmjson.Unmarshal(keyJSONBytes, &pvKey); err != nil {
		tmos.Exit(fmt.Sprintf("Error reading PrivValidator key from %v: %v\n", keyFilePath, err))
	}

	// overwrite pubkey and address for convenience
	pvKey.PubKey = pvKey.PrivKey.PubKey()
	pvKey.Address = types.GetAddress(pvKey.PubKey)
	pvKey.filePath = keyFilePath

	pvState := FilePVLastSignState{}
	stateJSONBytes, err := ioutil.ReadFile(stateFilePath)
	if err != nil {
		tmos.Exit(err.Error())
	}
	if err := tmjson.Unmarshal(stateJSONBytes, &pvState); err != nil {
		tmos.Exit(fmt.Sprintf("Error reading PrivValidator state from %v: %v\n", stateFilePath, err))
	}
	pvState.filePath = stateFilePath

	return &FilePV{
		Key:           pvKey,
		LastSignState: pvState,
	}
}

// LoadOrGenFilePV loads a FilePV from the given filePaths or else generates
// a new one and saves it to the filePaths.
func LoadOrGenFilePV(keyFilePath, stateFilePath string) *FilePV {
	var pv *FilePV
	if tmos.FileExists(keyFilePath) {
		pv = LoadFilePV(keyFilePath, stateFilePath)
	} else {
		pv = GenFilePV(keyFilePath, stateFilePath)
		pv.Save()
	}
	return pv
}

// GetAddress returns the address of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetAddress() types.Address {
	return pv.Key.Address
}

// GetPubKey returns the public key of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetPubKey() (crypto.PubKey, error) {
	return pv.Key.PubKey, nil
}

// SignVote signs a canonical representation of the vote along with the
// chainID, refusing anything that would double sign.
// Implements PrivValidator.
func (pv *FilePV) SignVote(chainID string, vote *types.Vote) error {
	signBytes := types.VoteSignBytes(chainID, vote)

	sameSig, err := pv.LastSignState.checkHRP(vote.Height, vote.Round, vote.Phase, signBytes)
	if err != nil {
		return fmt.Errorf("error signing vote: %w", err)
	}
	if sameSig != nil {
		vote.Signature = sameSig
		return nil
	}

	sig, err := pv.Key.PrivKey.Sign(signBytes)
	if err != nil {
		return fmt.Errorf("error signing vote: %w", err)
	}
	pv.saveSigned(vote.Height, vote.Round, vote.Phase, signBytes, sig)
	vote.Signature = sig
	return nil
}

// SignProposal signs a canonical representation of the proposal along with
// the chainID. Implements PrivValidator.
func (pv *FilePV) SignProposal(chainID string, proposal *types.Proposal) error {
	sig, err := pv.Key.PrivKey.Sign(types.ProposalSignBytes(chainID, proposal))
	if err != nil {
		return fmt.Errorf("error signing proposal: %w", err)
	}
	proposal.Signature = sig
	return nil
}

// Save persists the FilePV to disk.
func (pv *FilePV) Save() {
	pv.Key.Save()
	pv.LastSignState.Save()
}

// Reset resets the sign state.
// NOTE: Unsafe!
func (pv *FilePV) Reset() {
	pv.LastSignState = FilePVLastSignState{filePath: pv.LastSignState.filePath}
	pv.Save()
}

// String returns a string representation of the FilePV.
func (pv *FilePV) String() string {
	return fmt.Sprintf("PrivValidator{%v LH:%v, LR:%v, LP:%v}",
		pv.GetAddress(), pv.LastSignState.Height, pv.LastSignState.Round, pv.LastSignState.Phase)
}

func (pv *FilePV) saveSigned(height int64, round int32, phase types.PhaseType, signBytes, sig []byte) {
	pv.LastSignState.Height = height
	pv.LastSignState.Round = round
	pv.LastSignState.Phase = phase
	pv.LastSignState.SignBytes = signBytes
	pv.LastSignState.Signature = sig
	pv.LastSignState.Save()
}
