package types

import (
	"bytes"
	"errors"
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

type PhaseType uint8

const (
	PhasePrevote   = PhaseType(1)
	PhasePrecommit = PhaseType(2)
)

func (p PhaseType) String() string {
	switch p {
	case PhasePrevote:
		return "Prevote"
	case PhasePrecommit:
		return "Precommit"
	default:
		return "UnknownPhase"
	}
}

// IsValid returns true if the phase is a defined voting phase.
func (p PhaseType) IsValid() bool {
	return p == PhasePrevote || p == PhasePrecommit
}

// Vote is a single validator's signed voice for one phase of one round.
// A signer casts at most one vote per (height, round, phase); a second
// distinct vote is an equivocation.
type Vote struct {
	Height         int64            `json:"height"`
	Round          int32            `json:"round"`
	Phase          PhaseType        `json:"phase"`
	Value          BlockHash        `json:"value"` // empty = Nil
	ValidatorIndex int32            `json:"validator_index"`
	Signature      tmbytes.HexBytes `json:"signature"`
}

// IsNil returns true if the vote favors no value.
func (vote *Vote) IsNil() bool {
	return len(vote.Value) == 0
}

func (vote *Vote) ValidateBasic() error {
	if vote == nil {
		return errors.New("nil vote")
	}
	if vote.Height < 0 {
		return fmt.Errorf("negative height: %d", vote.Height)
	}
	if vote.Round < 0 {
		return fmt.Errorf("negative round: %d", vote.Round)
	}
	if !vote.Phase.IsValid() {
		return fmt.Errorf("invalid phase: %d", vote.Phase)
	}
	if vote.ValidatorIndex < 0 {
		return fmt.Errorf("negative validator index: %d", vote.ValidatorIndex)
	}
	if len(vote.Signature) == 0 {
		return errors.New("vote without signature")
	}
	return nil
}

// Equal compares every field including the signature.
func (vote *Vote) Equal(other *Vote) bool {
	if vote == nil || other == nil {
		return vote == other
	}
	return vote.Height == other.Height &&
		vote.Round == other.Round &&
		vote.Phase == other.Phase &&
		bytes.Equal(vote.Value, other.Value) &&
		vote.ValidatorIndex == other.ValidatorIndex &&
		bytes.Equal(vote.Signature, other.Signature)
}

func (vote *Vote) String() string {
	if vote == nil {
		return "nil-Vote"
	}
	value := "nil"
	if !vote.IsNil() {
		value = vote.Value.String()
	}
	return fmt.Sprintf("Vote{%d/%d %v #%d %v}",
		vote.Height, vote.Round, vote.Phase, vote.ValidatorIndex, value)
}

// canonicalVote is the signed portion of a vote. The chain id binds the
// signature to one network.
type canonicalVote struct {
	ChainID string    `json:"chain_id"`
	Height  int64     `json:"height"`
	Round   int32     `json:"round"`
	Phase   PhaseType `json:"phase"`
	Value   BlockHash `json:"value"`
}

// VoteSignBytes returns the canonical bytes a validator signs for a vote.
// Every signer of the same (height, round, phase, value) signs the same
// bytes, which is what makes the signatures aggregatable.
func VoteSignBytes(chainID string, vote *Vote) []byte {
	bz, err := tmjson.Marshal(canonicalVote{
		ChainID: chainID,
		Height:  vote.Height,
		Round:   vote.Round,
		Phase:   vote.Phase,
		Value:   vote.Value,
	})
	if err != nil {
		panic(err)
	}
	return bz
}
