package types

import (
	"errors"
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Proposal is the candidate value the designated proposer broadcasts at the
// start of a round. At most one proposal is accepted per round.
type Proposal struct {
	Height        int64            `json:"height"`
	Round         int32            `json:"round"`
	ProposerIndex int32            `json:"proposer_index"`
	Value         BlockHash        `json:"value"`
	Time          time.Time        `json:"time"`
	Signature     tmbytes.HexBytes `json:"signature"`
}

func NewProposal(height int64, round int32, proposerIndex int32, value BlockHash) *Proposal {
	return &Proposal{
		Height:        height,
		Round:         round,
		ProposerIndex: proposerIndex,
		Value:         value,
		Time:          time.Now(),
	}
}

func (p *Proposal) ValidateBasic() error {
	if p == nil {
		return errors.New("nil proposal")
	}
	if p.Height < 0 {
		return fmt.Errorf("negative height: %d", p.Height)
	}
	if p.Round < 0 {
		return fmt.Errorf("negative round: %d", p.Round)
	}
	if p.ProposerIndex < 0 {
		return fmt.Errorf("negative proposer index: %d", p.ProposerIndex)
	}
	if len(p.Value) == 0 {
		return errors.New("proposal without value")
	}
	if len(p.Signature) == 0 {
		return errors.New("proposal without signature")
	}
	return nil
}

func (p *Proposal) String() string {
	if p == nil {
		return "nil-Proposal"
	}
	return fmt.Sprintf("Proposal{%d/%d #%d %v}", p.Height, p.Round, p.ProposerIndex, p.Value)
}

type canonicalProposal struct {
	ChainID       string    `json:"chain_id"`
	Height        int64     `json:"height"`
	Round         int32     `json:"round"`
	ProposerIndex int32     `json:"proposer_index"`
	Value         BlockHash `json:"value"`
}

// ProposalSignBytes returns the canonical bytes the proposer signs.
func ProposalSignBytes(chainID string, p *Proposal) []byte {
	bz, err := tmjson.Marshal(canonicalProposal{
		ChainID:       chainID,
		Height:        p.Height,
		Round:         p.Round,
		ProposerIndex: p.ProposerIndex,
		Value:         p.Value,
	})
	if err != nil {
		panic(err)
	}
	return bz
}
