package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
)

// Validator is one slot of the epoch's weighted roster.
// Immutable for the lifetime of the epoch.
type Validator struct {
	Index  int32         `json:"index"`
	PubKey crypto.PubKey `json:"pub_key"`
	Weight int64         `json:"weight"`
}

// NewValidator returns a new validator slot with the given pubkey and weight.
func NewValidator(index int32, pubKey crypto.PubKey, weight int64) *Validator {
	return &Validator{
		Index:  index,
		PubKey: pubKey,
		Weight: weight,
	}
}

// Address is the validator's network identity, derived from its pubkey.
func (v *Validator) Address() Address {
	return GetAddress(v.PubKey)
}

// ValidateBasic performs basic validation.
func (v *Validator) ValidateBasic() error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.PubKey == nil {
		return errors.New("validator does not have a public key")
	}
	if v.Index < 0 {
		return fmt.Errorf("validator has negative index: %d", v.Index)
	}
	if v.Weight <= 0 {
		return fmt.Errorf("validator has non-positive weight: %d", v.Weight)
	}
	return nil
}

// Copy returns a new copy of the validator.
func (v *Validator) Copy() *Validator {
	vCopy := *v
	return &vCopy
}

func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{#%d %v w=%d}", v.Index, v.Address(), v.Weight)
}
