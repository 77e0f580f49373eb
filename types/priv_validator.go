package types

import (
	"fmt"

	"github.com/tendermint/tendermint/crypto"

	"handelbft/crypto/bls"
)

// PrivValidator signs consensus messages with the validator's BLS key.
type PrivValidator interface {
	GetPubKey() (crypto.PubKey, error)

	SignVote(chainID string, vote *Vote) error
	SignProposal(chainID string, proposal *Proposal) error
}

//----------------------------------------
// MockPV

// MockPV implements PrivValidator without any double-sign protection.
// EXPOSED FOR TESTING.
type MockPV struct {
	PrivKey bls.PrivKey
}

func NewMockPV() MockPV {
	return MockPV{PrivKey: bls.GenPrivKey()}
}

// NewMockPVWithSeed returns a deterministic mock signer for tests that need
// reproducible keys.
func NewMockPVWithSeed(seed int64) MockPV {
	return MockPV{PrivKey: bls.GenPrivKeyWithSeed(seed)}
}

func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

func (pv MockPV) SignVote(chainID string, vote *Vote) error {
	sig, err := pv.PrivKey.Sign(VoteSignBytes(chainID, vote))
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

func (pv MockPV) SignProposal(chainID string, proposal *Proposal) error {
	sig, err := pv.PrivKey.Sign(ProposalSignBytes(chainID, proposal))
	if err != nil {
		return err
	}
	proposal.Signature = sig
	return nil
}

//----------------------------------------

// RandRegistry returns a registry of numValidators equal-weight validators
// with deterministic keys, plus the matching private signers.
// EXPOSED FOR TESTING.
func RandRegistry(numValidators int) (*ValidatorRegistry, []PrivValidator) {
	return RandRegistryWithWeights(equalWeights(numValidators))
}

// RandRegistryWithWeights is RandRegistry with explicit per-slot weights.
// EXPOSED FOR TESTING.
func RandRegistryWithWeights(weights []int64) (*ValidatorRegistry, []PrivValidator) {
	valz := make([]*Validator, len(weights))
	privs := make([]PrivValidator, len(weights))

	for i, weight := range weights {
		pv := NewMockPVWithSeed(int64(i) + 1)
		pub, err := pv.GetPubKey()
		if err != nil {
			panic(fmt.Errorf("could not retrieve pubkey: %w", err))
		}
		valz[i] = NewValidator(int32(i), pub, weight)
		privs[i] = pv
	}

	return NewValidatorRegistry(valz), privs
}

func equalWeights(n int) []int64 {
	weights := make([]int64, n)
	for i := range weights {
		weights[i] = 1
	}
	return weights
}
