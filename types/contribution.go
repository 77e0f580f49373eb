package types

import (
	"bytes"
	"fmt"

	"handelbft/crypto/bls"

	pkgerrors "github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/bits"
)

var (
	// ErrOverlappingSigners is returned when combining two contributions
	// whose signer bitsets intersect. Summing them would double-count the
	// shared signatures.
	ErrOverlappingSigners = pkgerrors.New("contributions have overlapping signers")

	// ErrContributionMismatch is returned when combining contributions over
	// different (height, round, phase, value) messages.
	ErrContributionMismatch = pkgerrors.New("contributions are over different messages")
)

// Contribution is the unit exchanged by the vote aggregator: an aggregate
// BLS signature plus the bitset of the validators whose individual
// signatures it sums. The signature is valid iff it is the algebraic sum of
// exactly the signatures of the signers marked in the bitset, each over the
// same (height, round, phase, value) message.
type Contribution struct {
	Height    int64            `json:"height"`
	Round     int32            `json:"round"`
	Phase     PhaseType        `json:"phase"`
	Value     BlockHash        `json:"value"`
	Level     int32            `json:"level"`
	Signers   *bits.BitArray   `json:"signers"`
	Signature tmbytes.HexBytes `json:"signature"`
}

// SingletonContribution wraps one verified individual vote as a level-0
// contribution over a registry of the given size.
func SingletonContribution(vote *Vote, size int) *Contribution {
	signers := bits.NewBitArray(size)
	signers.SetIndex(int(vote.ValidatorIndex), true)
	return &Contribution{
		Height:    vote.Height,
		Round:     vote.Round,
		Phase:     vote.Phase,
		Value:     vote.Value,
		Level:     0,
		Signers:   signers,
		Signature: vote.Signature,
	}
}

func (c *Contribution) ValidateBasic() error {
	if c == nil {
		return pkgerrors.New("nil contribution")
	}
	if c.Height < 0 {
		return fmt.Errorf("negative height: %d", c.Height)
	}
	if c.Round < 0 {
		return fmt.Errorf("negative round: %d", c.Round)
	}
	if !c.Phase.IsValid() {
		return fmt.Errorf("invalid phase: %d", c.Phase)
	}
	if c.Level < 0 {
		return fmt.Errorf("negative level: %d", c.Level)
	}
	if c.Signers == nil || c.Signers.Size() == 0 {
		return pkgerrors.New("contribution without signers")
	}
	if c.SignerCount() == 0 {
		return pkgerrors.New("contribution with empty signer bitset")
	}
	if len(c.Signature) == 0 {
		return pkgerrors.New("contribution without signature")
	}
	return nil
}

// SameMessage returns true if both contributions are over the same
// (height, round, phase, value) tuple.
func (c *Contribution) SameMessage(other *Contribution) bool {
	return c.Height == other.Height &&
		c.Round == other.Round &&
		c.Phase == other.Phase &&
		bytes.Equal(c.Value, other.Value)
}

// SignerCount returns the number of validators marked in the bitset.
func (c *Contribution) SignerCount() int {
	if c.Signers == nil {
		return 0
	}
	count := 0
	for i := 0; i < c.Signers.Size(); i++ {
		if c.Signers.GetIndex(i) {
			count++
		}
	}
	return count
}

// Overlaps returns true if the signer bitsets intersect.
func (c *Contribution) Overlaps(other *Contribution) bool {
	inter := c.Signers.And(other.Signers)
	return inter != nil && !inter.IsEmpty()
}

// IsSubsetOf returns true if every signer of c is also a signer of other.
func (c *Contribution) IsSubsetOf(other *Contribution) bool {
	rem := c.Signers.Sub(other.Signers)
	return rem == nil || rem.IsEmpty()
}

// Combine merges two contributions over the same message into one: bitset
// union, signature sum. The bitsets must be disjoint.
func (c *Contribution) Combine(other *Contribution) (*Contribution, error) {
	if !c.SameMessage(other) {
		return nil, ErrContributionMismatch
	}
	if c.Overlaps(other) {
		return nil, ErrOverlappingSigners
	}
	sig, err := bls.AggregateSignatures(c.Signature, other.Signature)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "aggregating signatures")
	}
	level := c.Level
	if other.Level > level {
		level = other.Level
	}
	return &Contribution{
		Height:    c.Height,
		Round:     c.Round,
		Phase:     c.Phase,
		Value:     c.Value,
		Level:     level,
		Signers:   c.Signers.Or(other.Signers),
		Signature: sig,
	}, nil
}

// BetterThan ranks contributions over the same message: higher aggregated
// weight wins, ties broken by larger signer count, then lexicographically
// smaller bitset bytes so every node picks the same winner.
func (c *Contribution) BetterThan(other *Contribution, reg *ValidatorRegistry) bool {
	if other == nil {
		return true
	}
	cw, err := reg.WeightOfBits(c.Signers)
	if err != nil {
		return false
	}
	ow, err := reg.WeightOfBits(other.Signers)
	if err != nil {
		return true
	}
	if cw != ow {
		return cw > ow
	}
	if cc, oc := c.SignerCount(), other.SignerCount(); cc != oc {
		return cc > oc
	}
	return bytes.Compare(c.Signers.Bytes(), other.Signers.Bytes()) < 0
}

// Copy returns a deep copy of the contribution.
func (c *Contribution) Copy() *Contribution {
	cp := *c
	cp.Signers = c.Signers.Copy()
	cp.Signature = append(tmbytes.HexBytes{}, c.Signature...)
	return &cp
}

func (c *Contribution) String() string {
	if c == nil {
		return "nil-Contribution"
	}
	return fmt.Sprintf("Contribution{%d/%d %v lvl=%d signers=%v}",
		c.Height, c.Round, c.Phase, c.Level, c.Signers)
}
