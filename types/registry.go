package types

import (
	"errors"
	"fmt"
	"strings"

	"handelbft/crypto/bls"

	"github.com/tendermint/tendermint/libs/bits"
)

var (
	// ErrUnknownValidator is returned for an index outside the registry.
	ErrUnknownValidator = errors.New("unknown validator index")
)

// ValidatorRegistry is the per-epoch immutable roster mapping validator
// index -> (public key, stake weight, network identity).
//
// The registry is created once per epoch from external stake/selection data
// and read-only thereafter, so it may be shared freely between the driver,
// round state machines and aggregators without locking.
//
// NOTE: All get to validators should copy the value for safety.
type ValidatorRegistry struct {
	validators  []*Validator
	totalWeight int64
}

// NewValidatorRegistry builds a registry from `valz`. Validators must be
// listed in index order, 0..N-1, with unique addresses; the function panics
// otherwise, since a malformed roster is a programming error at the epoch
// boundary, not a runtime condition.
func NewValidatorRegistry(valz []*Validator) *ValidatorRegistry {
	reg := &ValidatorRegistry{
		validators: make([]*Validator, 0, len(valz)),
	}

	seen := make(map[string]struct{}, len(valz))
	for i, val := range valz {
		if err := val.ValidateBasic(); err != nil {
			panic(fmt.Sprintf("invalid validator #%d: %v", i, err))
		}
		if val.Index != int32(i) {
			panic(fmt.Sprintf("validator #%d has index %d, want %d", i, val.Index, i))
		}
		addr := string(val.Address())
		if _, dup := seen[addr]; dup {
			panic(fmt.Sprintf("duplicate validator address %v", val.Address()))
		}
		seen[addr] = struct{}{}

		reg.validators = append(reg.validators, val.Copy())
		reg.totalWeight += val.Weight
	}

	return reg
}

// Size returns the number of validators in the registry.
func (reg *ValidatorRegistry) Size() int {
	return len(reg.validators)
}

// TotalWeight returns the cumulative stake weight of the registry.
func (reg *ValidatorRegistry) TotalWeight() int64 {
	return reg.totalWeight
}

// QuorumThreshold returns ceil(2/3 * TotalWeight), the minimum cumulative
// weight for a quorum.
func (reg *ValidatorRegistry) QuorumThreshold() int64 {
	return (2*reg.totalWeight + 2) / 3
}

// WeightOf returns the stake weight of the validator at index.
func (reg *ValidatorRegistry) WeightOf(index int32) (int64, error) {
	if index < 0 || int(index) >= len(reg.validators) {
		return 0, ErrUnknownValidator
	}
	return reg.validators[index].Weight, nil
}

// GetByIndex returns a copy of the validator at index, or an error if the
// index is out of range.
func (reg *ValidatorRegistry) GetByIndex(index int32) (*Validator, error) {
	if index < 0 || int(index) >= len(reg.validators) {
		return nil, ErrUnknownValidator
	}
	return reg.validators[index].Copy(), nil
}

// GetByAddress returns the index and a copy of the validator with the given
// address, or -1 and nil when not found.
func (reg *ValidatorRegistry) GetByAddress(address Address) (int32, *Validator) {
	for idx, val := range reg.validators {
		if val.Address().Equal(address) {
			return int32(idx), val.Copy()
		}
	}
	return -1, nil
}

// WeightOfBits sums the weight of every validator marked in the bitset.
func (reg *ValidatorRegistry) WeightOfBits(signers *bits.BitArray) (int64, error) {
	if signers == nil || signers.Size() != len(reg.validators) {
		return 0, ErrUnknownValidator
	}
	var sum int64
	for i := 0; i < signers.Size(); i++ {
		if signers.GetIndex(i) {
			sum += reg.validators[i].Weight
		}
	}
	return sum, nil
}

// PubKeysOfBits collects the BLS public keys of every validator marked in
// the bitset, for aggregate signature verification.
func (reg *ValidatorRegistry) PubKeysOfBits(signers *bits.BitArray) ([]bls.PubKey, error) {
	if signers == nil || signers.Size() != len(reg.validators) {
		return nil, ErrUnknownValidator
	}
	keys := make([]bls.PubKey, 0, signers.Size())
	for i := 0; i < signers.Size(); i++ {
		if !signers.GetIndex(i) {
			continue
		}
		pk, ok := reg.validators[i].PubKey.(bls.PubKey)
		if !ok {
			return nil, fmt.Errorf("validator #%d key is %T, not a bls key", i, reg.validators[i].PubKey)
		}
		keys = append(keys, pk)
	}
	return keys, nil
}

// Proposer returns the designated proposer for (height, round):
// plain round-robin over the roster, so every honest node elects the same
// validator without extra communication.
func (reg *ValidatorRegistry) Proposer(height int64, round int32) *Validator {
	if len(reg.validators) == 0 {
		return nil
	}
	idx := (height + int64(round)) % int64(len(reg.validators))
	return reg.validators[idx].Copy()
}

// Iterate will run the given function over the registry.
func (reg *ValidatorRegistry) Iterate(fn func(index int32, val *Validator) bool) {
	for i, val := range reg.validators {
		stop := fn(int32(i), val.Copy())
		if stop {
			break
		}
	}
}

func (reg *ValidatorRegistry) String() string {
	if reg == nil {
		return "nil-ValidatorRegistry"
	}
	var valStrings []string
	reg.Iterate(func(index int32, val *Validator) bool {
		valStrings = append(valStrings, val.String())
		return false
	})
	return fmt.Sprintf("ValidatorRegistry{total=%d threshold=%d [%v]}",
		reg.totalWeight, reg.QuorumThreshold(), strings.Join(valStrings, " "))
}
