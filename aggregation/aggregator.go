package aggregation

import (
	"bytes"
	"fmt"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/bits"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"handelbft/crypto/bls"
	"handelbft/types"
)

var (
	// ErrWrongTarget is returned for inputs over a different
	// (height, round, phase, value) than the aggregator's target.
	ErrWrongTarget = pkgerrors.New("input is for a different aggregation target")

	// ErrInvalidSignature is returned when an individual or aggregate
	// signature does not verify. The message is dropped without mutation.
	ErrInvalidSignature = pkgerrors.New("signature verification failed")

	// ErrConflictingVote is returned when a signer submits a second,
	// different vote for the aggregator's target.
	ErrConflictingVote = pkgerrors.New("conflicting vote from same signer")
)

// ContributionSender delivers an outbound contribution to the peers marked
// in the bitset. The consensus reactor implements it over p2p.
type ContributionSender interface {
	SendContribution(peers *bits.BitArray, c *types.Contribution)
}

// CompletionFunc is invoked exactly once, when the aggregator first holds a
// quorum-weight contribution. It must not block: the consensus driver hands
// in a function that enqueues an internal event.
type CompletionFunc func(c *types.Contribution)

// Aggregator combines individually signed votes and peer contributions for
// one (height, round, phase, value) target into a quorum aggregate.
//
// It keeps the best contribution seen per partition level, folds completed
// lower levels into a running aggregate bottom-up, and emits the running
// aggregate to the next level's peers. It is done once the best known
// contribution carries quorum weight; no response from all N validators is
// ever required. Amortized message complexity is O(N log N) network-wide,
// O(log N) per validator.
type Aggregator struct {
	mtx    sync.Mutex
	logger log.Logger

	reg       *types.ValidatorRegistry
	partition *Partition

	height int64
	round  int32
	phase  types.PhaseType
	value  types.BlockHash
	msg    []byte // canonical sign bytes shared by every valid signature

	bestByLevel map[int]*types.Contribution
	verified    map[int32]*types.Vote // individually verified votes by signer
	banned      *bits.BitArray        // equivocators, excluded from weight
	sentSigners map[int][]byte        // last signer set emitted per level

	completed bool
	result    *types.Contribution

	flagged map[p2p.ID]struct{}

	sender     ContributionSender
	onComplete CompletionFunc
}

// NewAggregator creates an aggregator for the given target as seen from the
// local validator `self`.
func NewAggregator(
	logger log.Logger,
	chainID string,
	reg *types.ValidatorRegistry,
	self int32,
	height int64, round int32, phase types.PhaseType, value types.BlockHash,
	sender ContributionSender,
	onComplete CompletionFunc,
) *Aggregator {
	return &Aggregator{
		logger:    logger,
		reg:       reg,
		partition: NewPartition(reg.Size(), self),
		height:    height,
		round:     round,
		phase:     phase,
		value:     value,
		msg: types.VoteSignBytes(chainID, &types.Vote{
			Height: height,
			Round:  round,
			Phase:  phase,
			Value:  value,
		}),
		bestByLevel: make(map[int]*types.Contribution),
		verified:    make(map[int32]*types.Vote),
		banned:      bits.NewBitArray(reg.Size()),
		sentSigners: make(map[int][]byte),
		flagged:     make(map[p2p.ID]struct{}),
		sender:      sender,
		onComplete:  onComplete,
	}
}

// AddVote verifies and folds in one individually signed vote. It returns
// (false, nil) for an exact duplicate, and an error when the vote is for a
// different target, from an unknown signer, carries a bad signature, or
// conflicts with the signer's earlier vote.
func (agg *Aggregator) AddVote(vote *types.Vote) (bool, error) {
	if err := vote.ValidateBasic(); err != nil {
		return false, err
	}
	if vote.Height != agg.height || vote.Round != agg.round ||
		vote.Phase != agg.phase || !bytes.Equal(vote.Value, agg.value) {
		return false, ErrWrongTarget
	}

	val, err := agg.reg.GetByIndex(vote.ValidatorIndex)
	if err != nil {
		return false, err
	}

	agg.mtx.Lock()
	defer agg.mtx.Unlock()

	if prev, ok := agg.verified[vote.ValidatorIndex]; ok {
		if prev.Equal(vote) {
			return false, nil
		}
		return false, ErrConflictingVote
	}

	if !val.PubKey.VerifySignature(agg.msg, vote.Signature) {
		return false, ErrInvalidSignature
	}
	agg.verified[vote.ValidatorIndex] = vote

	single := types.SingletonContribution(vote, agg.reg.Size())
	level := agg.partition.LevelOf(vote.ValidatorIndex)
	added := agg.acceptAtLevel(level, single)
	if added {
		if err := agg.refold(); err != nil {
			return false, err
		}
	}
	return added, nil
}

// AddContribution verifies and folds in one peer contribution. Invalid
// contributions are dropped and the sending peer flagged; its future inputs
// still verify individually, but it no longer earns forwarding trust.
func (agg *Aggregator) AddContribution(c *types.Contribution, from p2p.ID) (bool, error) {
	if err := c.ValidateBasic(); err != nil {
		agg.flag(from)
		return false, err
	}
	if c.Height != agg.height || c.Round != agg.round ||
		c.Phase != agg.phase || !bytes.Equal(c.Value, agg.value) {
		return false, ErrWrongTarget
	}
	if c.Signers.Size() != agg.reg.Size() {
		agg.flag(from)
		return false, types.ErrUnknownValidator
	}

	// verification is a pure function of message + public keys, safe to run
	// outside the state lock
	keys, err := agg.reg.PubKeysOfBits(c.Signers)
	if err != nil {
		agg.flag(from)
		return false, err
	}
	if !bls.VerifyAggregate(keys, agg.msg, c.Signature) {
		agg.flag(from)
		return false, ErrInvalidSignature
	}

	agg.mtx.Lock()
	defer agg.mtx.Unlock()

	level := agg.partition.FitLevel(c.Signers)
	added := agg.acceptAtLevel(level, c.Copy())
	if added {
		if err := agg.refold(); err != nil {
			return false, err
		}
	}
	return added, nil
}

// acceptAtLevel merges a verified contribution into the level's best slot.
// A strict subset of the current best is a no-op; disjoint contributions
// merge; overlapping ones keep the better-scoring side.
// Caller holds agg.mtx.
func (agg *Aggregator) acceptAtLevel(level int, c *types.Contribution) bool {
	cur := agg.bestByLevel[level]
	if cur == nil {
		agg.bestByLevel[level] = c
		return true
	}
	if c.IsSubsetOf(cur) {
		return false
	}
	if !c.Overlaps(cur) {
		combined, err := cur.Combine(c)
		if err != nil {
			agg.logger.Error("failed combining disjoint contributions", "err", err)
			return false
		}
		agg.bestByLevel[level] = combined
		return true
	}
	if c.BetterThan(cur, agg.reg) {
		agg.bestByLevel[level] = c
		return true
	}
	return false
}

// refold recomputes the running aggregate bottom-up, emits newly completed
// prefixes to the next level's peers and re-checks completion.
// Caller holds agg.mtx.
func (agg *Aggregator) refold() error {
	running := agg.bestByLevel[0]
	best := running

	for level := 1; level <= agg.partition.Levels(); level++ {
		// running spans levels below this one: its peers want it next
		if running != nil {
			agg.maybeSend(level, running)
		}

		if lb := agg.bestByLevel[level]; lb != nil {
			if running == nil {
				running = lb
			} else if !running.Overlaps(lb) {
				combined, err := running.Combine(lb)
				if err != nil {
					return pkgerrors.Wrap(err, "folding level")
				}
				running = combined
			} else if lb.BetterThan(running, agg.reg) {
				running = lb
			}
			if lb.BetterThan(best, agg.reg) {
				best = lb
			}
		}
		if running != nil && running.BetterThan(best, agg.reg) {
			best = running
		}
	}

	return agg.checkComplete(best)
}

// maybeSend emits the running aggregate to the peers of the given level,
// unless the identical signer set was already sent there.
// Caller holds agg.mtx.
func (agg *Aggregator) maybeSend(level int, running *types.Contribution) {
	if agg.sender == nil || agg.completed {
		return
	}
	signerBytes := running.Signers.Bytes()
	if bytes.Equal(agg.sentSigners[level], signerBytes) {
		return
	}
	agg.sentSigners[level] = signerBytes

	out := running.Copy()
	out.Level = int32(level)
	agg.sender.SendContribution(agg.partition.PeerBits(level), out)
}

// checkComplete marks the aggregator complete once the best contribution's
// weight, with banned equivocators subtracted, reaches the quorum
// threshold. The completion callback fires exactly once.
// Caller holds agg.mtx.
func (agg *Aggregator) checkComplete(best *types.Contribution) error {
	if best == nil || agg.completed {
		return nil
	}

	weight, err := agg.reg.WeightOfBits(best.Signers)
	if err != nil {
		return err
	}
	bannedWeight, err := agg.reg.WeightOfBits(best.Signers.And(agg.banned))
	if err != nil {
		return err
	}

	if weight-bannedWeight < agg.reg.QuorumThreshold() {
		return nil
	}

	agg.completed = true
	agg.result = best.Copy()
	agg.logger.Debug("aggregation complete",
		"height", agg.height, "round", agg.round, "phase", agg.phase,
		"weight", weight-bannedWeight, "signers", best.SignerCount())
	if agg.onComplete != nil {
		agg.onComplete(agg.result)
	}
	return nil
}

// ExcludeSigner bans an equivocating validator: its weight no longer counts
// toward this aggregation's completion.
func (agg *Aggregator) ExcludeSigner(index int32) {
	agg.mtx.Lock()
	defer agg.mtx.Unlock()
	if int(index) < agg.banned.Size() {
		agg.banned.SetIndex(int(index), true)
	}
}

// Complete reports whether a quorum aggregate has been reached.
func (agg *Aggregator) Complete() bool {
	agg.mtx.Lock()
	defer agg.mtx.Unlock()
	return agg.completed
}

// Result returns the quorum contribution, or nil before completion.
func (agg *Aggregator) Result() *types.Contribution {
	agg.mtx.Lock()
	defer agg.mtx.Unlock()
	if agg.result == nil {
		return nil
	}
	return agg.result.Copy()
}

// BestWeight returns the weight of the best contribution currently held.
func (agg *Aggregator) BestWeight() int64 {
	agg.mtx.Lock()
	defer agg.mtx.Unlock()

	var best *types.Contribution
	for _, lb := range agg.bestByLevel {
		if lb != nil && lb.BetterThan(best, agg.reg) {
			best = lb
		}
	}
	if best == nil {
		return 0
	}
	weight, err := agg.reg.WeightOfBits(best.Signers)
	if err != nil {
		return 0
	}
	return weight
}

// FlaggedPeers returns the peers that sent invalid contributions, for
// external peer scoring.
func (agg *Aggregator) FlaggedPeers() []p2p.ID {
	agg.mtx.Lock()
	defer agg.mtx.Unlock()
	peers := make([]p2p.ID, 0, len(agg.flagged))
	for id := range agg.flagged {
		peers = append(peers, id)
	}
	return peers
}

func (agg *Aggregator) flag(from p2p.ID) {
	if from == "" {
		return
	}
	agg.mtx.Lock()
	agg.flagged[from] = struct{}{}
	agg.mtx.Unlock()
}

func (agg *Aggregator) String() string {
	return fmt.Sprintf("Aggregator{%d/%d %v %v}", agg.height, agg.round, agg.phase, agg.value)
}
