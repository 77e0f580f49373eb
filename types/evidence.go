package types

import (
	"bytes"
	"errors"
	"fmt"
)

// Evidence records an equivocation: two distinct votes from one signer for
// the same (height, round, phase). The consensus core only collects it;
// slashing is an external collaborator's concern.
type Evidence struct {
	First  *Vote `json:"first"`
	Second *Vote `json:"second"`
}

func NewEvidence(first, second *Vote) *Evidence {
	return &Evidence{First: first, Second: second}
}

func (ev *Evidence) ValidateBasic() error {
	if ev == nil || ev.First == nil || ev.Second == nil {
		return errors.New("incomplete evidence")
	}
	if err := ev.First.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid first vote: %w", err)
	}
	if err := ev.Second.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid second vote: %w", err)
	}
	if ev.First.Height != ev.Second.Height ||
		ev.First.Round != ev.Second.Round ||
		ev.First.Phase != ev.Second.Phase ||
		ev.First.ValidatorIndex != ev.Second.ValidatorIndex {
		return errors.New("votes are not for the same height/round/phase/signer")
	}
	if bytes.Equal(ev.First.Value, ev.Second.Value) {
		return errors.New("votes do not conflict")
	}
	return nil
}

// Verify checks both conflicting signatures against the signer's key, so
// the evidence stands on its own outside the round it was collected in.
func (ev *Evidence) Verify(chainID string, reg *ValidatorRegistry) error {
	if err := ev.ValidateBasic(); err != nil {
		return err
	}
	val, err := reg.GetByIndex(ev.First.ValidatorIndex)
	if err != nil {
		return err
	}
	if !val.PubKey.VerifySignature(VoteSignBytes(chainID, ev.First), ev.First.Signature) {
		return errors.New("first vote signature is invalid")
	}
	if !val.PubKey.VerifySignature(VoteSignBytes(chainID, ev.Second), ev.Second.Signature) {
		return errors.New("second vote signature is invalid")
	}
	return nil
}

func (ev *Evidence) String() string {
	if ev == nil {
		return "nil-Evidence"
	}
	return fmt.Sprintf("Evidence{#%d %d/%d %v: %v vs %v}",
		ev.First.ValidatorIndex, ev.First.Height, ev.First.Round,
		ev.First.Phase, ev.First.Value, ev.Second.Value)
}
