package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/libs/bits"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"handelbft/crypto/bls"
)

// FinalityProof is the durable output of a finalized height: the block hash
// plus the precommit-quorum aggregate that justifies it. Anyone holding the
// epoch's registry can check it without replaying the round.
type FinalityProof struct {
	Height    int64            `json:"height"`
	Round     int32            `json:"round"`
	BlockHash BlockHash        `json:"block_hash"`
	Signers   *bits.BitArray   `json:"signers"`
	Signature tmbytes.HexBytes `json:"signature"`
}

// NewFinalityProof builds a proof from a completed precommit contribution.
func NewFinalityProof(c *Contribution) *FinalityProof {
	return &FinalityProof{
		Height:    c.Height,
		Round:     c.Round,
		BlockHash: c.Value,
		Signers:   c.Signers.Copy(),
		Signature: append(tmbytes.HexBytes{}, c.Signature...),
	}
}

// Verify checks that the proof carries quorum weight and that the aggregate
// signature validates against the summed keys of the marked signers.
func (fp *FinalityProof) Verify(chainID string, reg *ValidatorRegistry) error {
	if fp == nil {
		return errors.New("nil finality proof")
	}
	if len(fp.BlockHash) == 0 {
		return errors.New("finality proof for nil value")
	}

	weight, err := reg.WeightOfBits(fp.Signers)
	if err != nil {
		return err
	}
	if weight < reg.QuorumThreshold() {
		return fmt.Errorf("finality proof below quorum: got %d, need %d",
			weight, reg.QuorumThreshold())
	}

	keys, err := reg.PubKeysOfBits(fp.Signers)
	if err != nil {
		return err
	}
	msg := VoteSignBytes(chainID, &Vote{
		Height: fp.Height,
		Round:  fp.Round,
		Phase:  PhasePrecommit,
		Value:  fp.BlockHash,
	})
	if !bls.VerifyAggregate(keys, msg, fp.Signature) {
		return errors.New("finality proof aggregate signature is invalid")
	}
	return nil
}

func (fp *FinalityProof) String() string {
	if fp == nil {
		return "nil-FinalityProof"
	}
	return fmt.Sprintf("FinalityProof{%d/%d %v signers=%v}",
		fp.Height, fp.Round, fp.BlockHash, fp.Signers)
}
